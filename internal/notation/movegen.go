package notation

import (
	"github.com/hikaet/kifulab/internal/sfen"
)

// CandidateOrigins enumerates pseudo-legal origin squares for
// side+piece reaching to. Pseudo-legal ignores check; it exists for
// KI2 disambiguation, not gameplay enforcement. Same-side occupation
// of the destination is excluded.
func CandidateOrigins(pos *sfen.Position, side sfen.Side, pieceNorm string, to sfen.Square) []sfen.Square {
	forward := -1
	if side == sfen.Gote {
		forward = 1
	}

	if dst := pos.At(to); dst != "" && sfen.Owner(dst) == side {
		return nil
	}

	seen := map[sfen.Square]bool{}
	var out []sfen.Square
	add := func(sq sfen.Square) {
		if !seen[sq] {
			seen[sq] = true
			out = append(out, sq)
		}
	}

	for fr := 0; fr < 9; fr++ {
		for fc := 0; fc < 9; fc++ {
			tok := pos.Board[fr][fc]
			if tok == "" || sfen.Owner(tok) != side || sfen.NormalizeToken(tok) != pieceNorm {
				continue
			}
			from := sfen.Square{Row: fr, Col: fc}
			switch pieceNorm {
			case "P":
				if stepOK(from, to, forward, 0) {
					add(from)
				}
			case "L":
				if fc == to.Col && (to.Row-fr)*forward > 0 && slideOK(pos, from, to, forward, 0) {
					add(from)
				}
			case "N":
				if stepOK(from, to, 2*forward, -1) || stepOK(from, to, 2*forward, 1) {
					add(from)
				}
			case "S":
				for _, d := range [][2]int{{forward, 0}, {forward, -1}, {forward, 1}, {-forward, -1}, {-forward, 1}} {
					if stepOK(from, to, d[0], d[1]) {
						add(from)
					}
				}
			case "G", "+P", "+L", "+N", "+S":
				for _, d := range [][2]int{{forward, 0}, {forward, -1}, {forward, 1}, {0, -1}, {0, 1}, {-forward, 0}} {
					if stepOK(from, to, d[0], d[1]) {
						add(from)
					}
				}
			case "K":
				for dr := -1; dr <= 1; dr++ {
					for dc := -1; dc <= 1; dc++ {
						if (dr != 0 || dc != 0) && stepOK(from, to, dr, dc) {
							add(from)
						}
					}
				}
			case "B", "+B":
				dr, dc := to.Row-fr, to.Col-fc
				if dr != 0 && abs(dr) == abs(dc) && slideOK(pos, from, to, sign(dr), sign(dc)) {
					add(from)
				}
				if pieceNorm == "+B" {
					// horse adds single orthogonal steps
					for _, d := range [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
						if stepOK(from, to, d[0], d[1]) {
							add(from)
						}
					}
				}
			case "R", "+R":
				if fr == to.Row && fc != to.Col && slideOK(pos, from, to, 0, sign(to.Col-fc)) {
					add(from)
				}
				if fc == to.Col && fr != to.Row && slideOK(pos, from, to, sign(to.Row-fr), 0) {
					add(from)
				}
				if pieceNorm == "+R" {
					// dragon adds single diagonal steps
					for _, d := range [][2]int{{-1, -1}, {-1, 1}, {1, -1}, {1, 1}} {
						if stepOK(from, to, d[0], d[1]) {
							add(from)
						}
					}
				}
			}
		}
	}
	return out
}

func stepOK(from, to sfen.Square, dr, dc int) bool {
	return from.Row+dr == to.Row && from.Col+dc == to.Col
}

func slideOK(pos *sfen.Position, from, to sfen.Square, dr, dc int) bool {
	r, c := from.Row+dr, from.Col+dc
	for r != to.Row || c != to.Col {
		if r < 0 || r > 8 || c < 0 || c > 8 {
			return false
		}
		if pos.Board[r][c] != "" {
			return false
		}
		r += dr
		c += dc
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func sign(n int) int {
	if n > 0 {
		return 1
	}
	return -1
}

// FilterDisambig applies KI2 disambiguator kanji as filters over
// candidate origins. 直 keeps same-file origins, 寄 same-rank, 上
// origins strictly behind the destination, 引 strictly ahead, 右/左
// the extreme file (senses invert for gote).
func FilterDisambig(side sfen.Side, to sfen.Square, candidates []sfen.Square, disambig []string) []sfen.Square {
	if len(disambig) == 0 || len(candidates) == 0 {
		return candidates
	}
	forwardIsUp := side == sfen.Sente // sente moves towards smaller ranks
	filtered := candidates

	has := func(d string) bool {
		for _, x := range disambig {
			if x == d {
				return true
			}
		}
		return false
	}
	keep := func(pred func(sfen.Square) bool) {
		var next []sfen.Square
		for _, c := range filtered {
			if pred(c) {
				next = append(next, c)
			}
		}
		filtered = next
	}

	if has("直") {
		keep(func(c sfen.Square) bool { return c.File() == to.File() })
	}
	if has("寄") {
		keep(func(c sfen.Square) bool { return c.Rank() == to.Rank() })
	}
	if has("上") {
		if forwardIsUp {
			keep(func(c sfen.Square) bool { return c.Rank() > to.Rank() })
		} else {
			keep(func(c sfen.Square) bool { return c.Rank() < to.Rank() })
		}
	}
	if has("引") {
		if forwardIsUp {
			keep(func(c sfen.Square) bool { return c.Rank() < to.Rank() })
		} else {
			keep(func(c sfen.Square) bool { return c.Rank() > to.Rank() })
		}
	}
	if has("右") {
		if best, ok := extremeFile(filtered, side == sfen.Sente); ok {
			keep(func(c sfen.Square) bool { return c.File() == best })
		}
	}
	if has("左") {
		if best, ok := extremeFile(filtered, side != sfen.Sente); ok {
			keep(func(c sfen.Square) bool { return c.File() == best })
		}
	}
	return filtered
}

// extremeFile returns the minimum file when min is true, else the
// maximum. For sente "right" is the smaller file number.
func extremeFile(candidates []sfen.Square, min bool) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	best := candidates[0].File()
	for _, c := range candidates[1:] {
		f := c.File()
		if (min && f < best) || (!min && f > best) {
			best = f
		}
	}
	return best, true
}
