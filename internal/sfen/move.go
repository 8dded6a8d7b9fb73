package sfen

import (
	"strings"
)

// Move is a parsed USI move: either a board move with an optional
// promotion, or a drop from hand.
type Move struct {
	IsDrop  bool
	From    Square
	To      Square
	Promote bool
	Drop    string // un-promoted base letter for drops
}

// ParseMove parses a USI move token like "7g7f", "2b3a+" or "P*2c".
func ParseMove(usi string) (Move, error) {
	s := strings.TrimSpace(usi)
	if s == "" {
		return Move{}, formErrf("empty USI move")
	}
	if len(s) == 4 && s[1] == '*' {
		piece := strings.ToUpper(string(s[0]))
		if !inHandOrder(piece) && piece != "K" {
			return Move{}, formErrf("invalid drop piece: %q", string(s[0]))
		}
		to, err := ParseSquare(s[2:4])
		if err != nil {
			return Move{}, err
		}
		return Move{IsDrop: true, To: to, Drop: piece}, nil
	}
	if len(s) != 4 && len(s) != 5 {
		return Move{}, formErrf("invalid USI move length: %q", s)
	}
	if len(s) == 5 && s[4] != '+' {
		return Move{}, formErrf("invalid promotion suffix: %q", s)
	}
	from, err := ParseSquare(s[0:2])
	if err != nil {
		return Move{}, err
	}
	to, err := ParseSquare(s[2:4])
	if err != nil {
		return Move{}, err
	}
	return Move{From: from, To: to, Promote: len(s) == 5}, nil
}

// USI renders the move back to its USI token.
func (m Move) USI() string {
	if m.IsDrop {
		return m.Drop + "*" + m.To.String()
	}
	s := m.From.String() + m.To.String()
	if m.Promote {
		s += "+"
	}
	return s
}

// Apply mutates the position by one move, flipping the side to move
// and incrementing the ply. Captured pieces join the mover's hand as
// their un-promoted base letter; kings are never captured into hand.
func (p *Position) Apply(m Move) error {
	side := p.Side
	if m.IsDrop {
		if m.Drop == "K" {
			return semErrf("king drop is invalid")
		}
		if p.Board[m.To.Row][m.To.Col] != "" {
			return semErrf("drop destination %s is occupied", m.To)
		}
		if p.Hands[side][m.Drop] <= 0 {
			return semErrf("piece not in hand: %s", m.Drop)
		}
		p.Hands[side][m.Drop]--
		token := m.Drop
		if side == Gote {
			token = strings.ToLower(token)
		}
		p.Board[m.To.Row][m.To.Col] = token
	} else {
		piece := p.Board[m.From.Row][m.From.Col]
		if piece == "" {
			return semErrf("source square %s is empty", m.From)
		}
		if Owner(piece) != side {
			return semErrf("cannot move opponent piece at %s", m.From)
		}
		captured := p.Board[m.To.Row][m.To.Col]
		if captured != "" {
			if Owner(captured) == side {
				return semErrf("destination %s occupied by own piece", m.To)
			}
			if base := BaseLetter(captured); base != "K" {
				p.Hands[side][base]++
			}
		}
		p.Board[m.From.Row][m.From.Col] = ""
		if m.Promote {
			if !promotable[BaseLetter(piece)] || strings.HasPrefix(piece, "+") {
				return semErrf("piece cannot promote: %q", piece)
			}
			promoted := "+" + BaseLetter(piece)
			if side == Gote {
				promoted = strings.ToLower(promoted)
			}
			piece = promoted
		}
		p.Board[m.To.Row][m.To.Col] = piece
	}
	p.Side = side.Flip()
	p.Ply++
	return nil
}

// ApplyMove applies a USI move token to an SFEN string and returns
// the resulting SFEN.
func ApplyMove(sfenStr, usi string) (string, error) {
	pos, err := Parse(sfenStr)
	if err != nil {
		return "", err
	}
	mv, err := ParseMove(usi)
	if err != nil {
		return "", err
	}
	if err := pos.Apply(mv); err != nil {
		return "", err
	}
	return pos.String(), nil
}

// PositionCommand builds the USI "position ..." command for an
// initial SFEN plus a move sequence. The startpos shorthand is used
// when the initial position is the standard one.
func PositionCommand(initialSFEN string, moves []string) (string, error) {
	normalized, err := Normalize(initialSFEN)
	if err != nil {
		return "", err
	}
	base := "position sfen " + normalized
	if normalized == StartSFEN {
		base = "position startpos"
	}
	if len(moves) == 0 {
		return base, nil
	}
	return base + " moves " + strings.Join(moves, " "), nil
}
