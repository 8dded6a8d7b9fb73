// Package notation converts between USI moves and the Japanese KIF /
// KI2 notations. KI2 elides the from-square, so parsing it needs the
// pseudo-legal origin generation in movegen.go.
package notation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hikaet/kifulab/internal/sfen"
)

var fileZenkaku = [10]string{"", "１", "２", "３", "４", "５", "６", "７", "８", "９"}

var rankKanji = [10]string{"", "一", "二", "三", "四", "五", "六", "七", "八", "九"}

var pieceJA = map[string]string{
	"P": "歩", "L": "香", "N": "桂", "S": "銀",
	"G": "金", "B": "角", "R": "飛", "K": "玉",
	"+P": "と", "+L": "成香", "+N": "成桂", "+S": "成銀",
	"+B": "馬", "+R": "龍",
}

var jaToBase = map[string]string{
	"歩": "P", "香": "L", "桂": "N", "銀": "S",
	"金": "G", "角": "B", "飛": "R", "玉": "K", "王": "K",
	"と": "P", "成香": "L", "成桂": "N", "成銀": "S",
	"馬": "B", "龍": "R", "竜": "R",
}

// Longest match first so 成銀 is not read as 成 + 銀.
var pieceNamesByLength = []string{
	"成銀", "成桂", "成香",
	"龍", "竜", "馬", "と", "玉", "王", "飛", "角", "金", "銀", "桂", "香", "歩",
}

var terminalWords = []string{"投了", "中断", "持将棋", "千日手", "詰み"}

// ErrGameEnd marks a termination token (投了 etc.) inside a move body.
// Importers treat it as a graceful end of the move sequence.
var ErrGameEnd = fmt.Errorf("game end")

// AmbiguousError reports a KI2 token whose disambiguation produced
// zero or more than one origin square.
type AmbiguousError struct {
	Token      string
	Candidates []sfen.Square
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous KI2 move %q: %d candidates", e.Token, len(e.Candidates))
}

// IsTerminal reports whether the text contains a termination token.
func IsTerminal(s string) bool {
	for _, w := range terminalWords {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// SideMark returns the KI2 side marker for a side.
func SideMark(side sfen.Side) string {
	if side == sfen.Gote {
		return "△"
	}
	return "▲"
}

// FormatSquare renders a square with a full-width file digit and a
// kanji rank digit, e.g. ７六.
func FormatSquare(sq sfen.Square) string {
	return fileZenkaku[sq.File()] + rankKanji[sq.Rank()]
}

// ParseSquare parses a KIF square like ７六 (full-width or ASCII file
// digit, kanji or ASCII rank digit).
func ParseSquare(text string) (sfen.Square, error) {
	runes := []rune(strings.ReplaceAll(strings.TrimSpace(text), "　", ""))
	if len(runes) < 2 {
		return sfen.Square{}, fmt.Errorf("invalid square: %q", text)
	}
	file := digitValue(runes[0], fileZenkaku)
	if file == 0 {
		return sfen.Square{}, fmt.Errorf("invalid file in square: %q", text)
	}
	rank := digitValue(runes[1], rankKanji)
	if rank == 0 {
		return sfen.Square{}, fmt.Errorf("invalid rank in square: %q", text)
	}
	return sfen.Square{Row: rank - 1, Col: 9 - file}, nil
}

func digitValue(r rune, table [10]string) int {
	if r >= '1' && r <= '9' {
		return int(r - '0')
	}
	for i := 1; i <= 9; i++ {
		if string(r) == table[i] {
			return i
		}
	}
	return 0
}

// PieceJA returns the Japanese name for a board token.
func PieceJA(token string) string {
	norm := sfen.NormalizeToken(token)
	if ja, ok := pieceJA[norm]; ok {
		return ja
	}
	return norm
}

// NormFromJA maps a Japanese piece name to a normalized token
// ("P", "+P", ...).
func NormFromJA(name string) (string, error) {
	switch name {
	case "と":
		return "+P", nil
	case "成香":
		return "+L", nil
	case "成桂":
		return "+N", nil
	case "成銀":
		return "+S", nil
	case "馬":
		return "+B", nil
	case "龍", "竜":
		return "+R", nil
	}
	base, ok := jaToBase[name]
	if !ok {
		return "", fmt.Errorf("unknown piece name: %q", name)
	}
	return base, nil
}

func destinationText(to sfen.Square, prevTo *sfen.Square) string {
	if prevTo != nil && *prevTo == to {
		return "同　"
	}
	return FormatSquare(to)
}

// ToKIFBody renders the KIF move body (no move number) for a USI move
// played from parentSFEN, e.g. ７六歩(77), 同　歩(77), ７六歩打.
func ToKIFBody(parentSFEN, usi string, prevTo *sfen.Square) (string, error) {
	pos, err := sfen.Parse(parentSFEN)
	if err != nil {
		return "", err
	}
	mv, err := sfen.ParseMove(usi)
	if err != nil {
		return "", err
	}
	to := destinationText(mv.To, prevTo)
	if mv.IsDrop {
		return to + pieceJA[mv.Drop] + "打", nil
	}
	piece := PieceJA(pos.At(mv.From))
	suffix := ""
	if mv.Promote {
		suffix = "成"
	}
	return fmt.Sprintf("%s%s%s(%d%d)", to, piece, suffix, mv.From.File(), mv.From.Rank()), nil
}

// ToKI2Label renders the KI2 label for a USI move played from
// parentSFEN, e.g. ▲７六歩, △同　銀.
func ToKI2Label(parentSFEN, usi string, prevTo *sfen.Square) (string, error) {
	pos, err := sfen.Parse(parentSFEN)
	if err != nil {
		return "", err
	}
	mv, err := sfen.ParseMove(usi)
	if err != nil {
		return "", err
	}
	to := destinationText(mv.To, prevTo)
	if mv.IsDrop {
		return SideMark(pos.Side) + to + pieceJA[mv.Drop] + "打", nil
	}
	piece := PieceJA(pos.At(mv.From))
	suffix := ""
	if mv.Promote {
		suffix = "成"
	}
	return SideMark(pos.Side) + to + piece + suffix, nil
}

// KIFMove is a parsed KIF move body. From is present unless the move
// is a drop (KIF records carry the explicit from-square in parens).
type KIFMove struct {
	To      sfen.Square
	From    *sfen.Square
	IsDrop  bool
	Drop    string
	Promote bool
}

// USI renders the move as a USI token.
func (m KIFMove) USI() (string, error) {
	if m.IsDrop {
		if m.Drop == "" {
			return "", fmt.Errorf("drop piece missing")
		}
		return m.Drop + "*" + m.To.String(), nil
	}
	if m.From == nil {
		return "", fmt.Errorf("from square missing")
	}
	usi := m.From.String() + m.To.String()
	if m.Promote {
		usi += "+"
	}
	return usi, nil
}

var (
	parenSquareRe = regexp.MustCompile(`\((\d)(\d)\)`)
	timeSuffixRe  = regexp.MustCompile(`\(\s*\d+:\d+\s*/\s*\d+:\d+:\d+\s*\)\s*$`)
)

// ParseKIFBody parses a KIF move body like ７六歩(77), 同　歩(77) or
// ７六歩打. prevTo resolves 同; the returned square is the new
// destination for the next 同 in the same scope.
func ParseKIFBody(text string, prevTo *sfen.Square) (KIFMove, sfen.Square, error) {
	s := strings.TrimSpace(text)
	s = timeSuffixRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "　", " ")
	if s == "" {
		return KIFMove{}, sfen.Square{}, fmt.Errorf("empty move")
	}
	if IsTerminal(s) {
		return KIFMove{}, sfen.Square{}, ErrGameEnd
	}

	var to sfen.Square
	rest := s
	if strings.HasPrefix(rest, "同") {
		if prevTo == nil {
			return KIFMove{}, sfen.Square{}, fmt.Errorf("'同' used but no previous destination")
		}
		to = *prevTo
		rest = strings.TrimLeft(strings.TrimPrefix(rest, "同"), " ")
	} else {
		runes := []rune(rest)
		if len(runes) < 2 {
			return KIFMove{}, sfen.Square{}, fmt.Errorf("invalid move body: %q", text)
		}
		sq, err := ParseSquare(string(runes[:2]))
		if err != nil {
			return KIFMove{}, sfen.Square{}, err
		}
		to = sq
		rest = string(runes[2:])
	}
	rest = strings.TrimSpace(rest)

	var from *sfen.Square
	if m := parenSquareRe.FindStringSubmatchIndex(rest); m != nil {
		sub := parenSquareRe.FindStringSubmatch(rest)
		file := int(sub[1][0] - '0')
		rank := int(sub[2][0] - '0')
		sq := sfen.Square{Row: rank - 1, Col: 9 - file}
		if !sq.InBounds() {
			return KIFMove{}, sfen.Square{}, fmt.Errorf("from square out of range: %q", text)
		}
		from = &sq
		rest = strings.TrimSpace(rest[:m[0]] + rest[m[1]:])
	}

	if strings.Contains(rest, "打") {
		name := longestPieceName(rest)
		if name == "" {
			return KIFMove{}, sfen.Square{}, fmt.Errorf("cannot detect drop piece: %q", text)
		}
		drop := jaToBase[name]
		if drop == "K" {
			return KIFMove{}, sfen.Square{}, fmt.Errorf("king drop is invalid")
		}
		return KIFMove{To: to, IsDrop: true, Drop: drop}, to, nil
	}

	promote := strings.Contains(rest, "成") && !strings.Contains(rest, "不成") &&
		!strings.HasPrefix(rest, "成") // 成銀 etc. name prefix, not a promotion suffix
	return KIFMove{To: to, From: from, Promote: promote}, to, nil
}

func longestPieceName(s string) string {
	for _, name := range pieceNamesByLength {
		if strings.HasPrefix(s, name) {
			return name
		}
	}
	return ""
}

// KI2Move is a parsed KI2 token before disambiguation.
type KI2Move struct {
	Side      sfen.Side
	To        sfen.Square
	PieceName string
	IsDrop    bool
	Promote   bool
	Disambig  []string
}

// ParseKI2Token parses a single KI2 token like ▲７六歩 or △同　銀右.
func ParseKI2Token(token string, prevTo *sfen.Square) (KI2Move, sfen.Square, error) {
	t := strings.TrimSpace(token)
	if t == "" {
		return KI2Move{}, sfen.Square{}, fmt.Errorf("empty token")
	}
	var side sfen.Side
	switch {
	case strings.HasPrefix(t, "▲"):
		side = sfen.Sente
	case strings.HasPrefix(t, "△"):
		side = sfen.Gote
	default:
		return KI2Move{}, sfen.Square{}, fmt.Errorf("missing side mark: %q", token)
	}
	rest := strings.TrimSpace(strings.ReplaceAll(string([]rune(t)[1:]), "　", " "))
	if IsTerminal(rest) {
		return KI2Move{}, sfen.Square{}, ErrGameEnd
	}

	var to sfen.Square
	if strings.HasPrefix(rest, "同") {
		if prevTo == nil {
			return KI2Move{}, sfen.Square{}, fmt.Errorf("'同' used but no previous destination")
		}
		to = *prevTo
		rest = strings.TrimLeft(strings.TrimPrefix(rest, "同"), " ")
	} else {
		runes := []rune(rest)
		if len(runes) < 2 {
			return KI2Move{}, sfen.Square{}, fmt.Errorf("invalid KI2 token: %q", token)
		}
		sq, err := ParseSquare(string(runes[:2]))
		if err != nil {
			return KI2Move{}, sfen.Square{}, err
		}
		to = sq
		rest = strings.TrimSpace(string(runes[2:]))
	}

	name := longestPieceName(rest)
	if name == "" {
		return KI2Move{}, sfen.Square{}, fmt.Errorf("cannot detect piece name: %q", token)
	}
	rest = strings.TrimPrefix(rest, name)

	mv := KI2Move{
		Side:      side,
		To:        to,
		PieceName: name,
		IsDrop:    strings.Contains(rest, "打"),
		Promote:   strings.Contains(rest, "成") && !strings.Contains(rest, "不成"),
	}
	for _, d := range []string{"右", "左", "直", "上", "引", "寄"} {
		if strings.Contains(rest, d) {
			mv.Disambig = append(mv.Disambig, d)
		}
	}
	return mv, to, nil
}

// ResolveKI2 turns a parsed KI2 move into a USI token against a
// position. The record's side mark is advisory; the position's side
// to move wins when they disagree. Board moves go through pseudo-legal
// origin generation plus disambiguator filtering and must resolve to
// exactly one origin.
func ResolveKI2(pos *sfen.Position, mv KI2Move, token string) (string, error) {
	side := pos.Side
	if mv.IsDrop {
		base, ok := jaToBase[mv.PieceName]
		if !ok {
			return "", fmt.Errorf("unknown drop piece: %q", mv.PieceName)
		}
		if base == "K" {
			return "", fmt.Errorf("king drop is invalid")
		}
		return base + "*" + mv.To.String(), nil
	}
	norm, err := NormFromJA(mv.PieceName)
	if err != nil {
		return "", err
	}
	candidates := CandidateOrigins(pos, side, norm, mv.To)
	candidates = FilterDisambig(side, mv.To, candidates, mv.Disambig)
	if len(candidates) != 1 {
		return "", &AmbiguousError{Token: token, Candidates: candidates}
	}
	usi := candidates[0].String() + mv.To.String()
	if mv.Promote {
		usi += "+"
	}
	return usi, nil
}
