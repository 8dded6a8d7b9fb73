// Package sfen parses and serializes shogi board state (SFEN) and
// applies USI move tokens to it.
package sfen

import (
	"fmt"
	"strconv"
	"strings"
)

// StartSFEN is the SFEN string for the standard (平手) starting position.
const StartSFEN = "lnsgkgsnl/1r5b1/ppppppppp/9/9/9/PPPPPPPPP/1B5R1/LNSGKGSNL b - 1"

// HandOrder is the fixed serialization order for hand pieces.
var HandOrder = []string{"R", "B", "G", "S", "N", "L", "P"}

var promotable = map[string]bool{"P": true, "L": true, "N": true, "S": true, "B": true, "R": true}

var pieceLetters = map[string]bool{
	"P": true, "L": true, "N": true, "S": true,
	"G": true, "B": true, "R": true, "K": true,
}

// FormError reports a malformed SFEN, square, or move string.
type FormError struct {
	Msg string
}

func (e *FormError) Error() string { return e.Msg }

func formErrf(format string, args ...any) error {
	return &FormError{Msg: fmt.Sprintf(format, args...)}
}

// SemanticError reports a move that is well-formed but invalid on the
// given board (empty source, own piece captured, illegal drop, ...).
type SemanticError struct {
	Msg string
}

func (e *SemanticError) Error() string { return e.Msg }

func semErrf(format string, args ...any) error {
	return &SemanticError{Msg: fmt.Sprintf(format, args...)}
}

// Side is the player to move.
type Side int

const (
	Sente Side = iota // black, "b"
	Gote              // white, "w"
)

func (s Side) String() string {
	if s == Gote {
		return "w"
	}
	return "b"
}

// Flip returns the opposite side.
func (s Side) Flip() Side {
	if s == Sente {
		return Gote
	}
	return Sente
}

// Square is a board coordinate, 0-indexed from the top-left
// (row 0 = rank 'a', col 0 = file 9).
type Square struct {
	Row int
	Col int
}

// ParseSquare parses a USI square like "7g".
func ParseSquare(s string) (Square, error) {
	if len(s) != 2 {
		return Square{}, formErrf("invalid USI square: %q", s)
	}
	file := s[0]
	rank := s[1]
	if file < '1' || file > '9' {
		return Square{}, formErrf("invalid file: %q", s)
	}
	if rank < 'a' || rank > 'i' {
		return Square{}, formErrf("invalid rank: %q", s)
	}
	return Square{Row: int(rank - 'a'), Col: 9 - int(file-'0')}, nil
}

// String renders the square in USI form ("7g").
func (sq Square) String() string {
	return fmt.Sprintf("%d%c", 9-sq.Col, 'a'+sq.Row)
}

// File returns the shogi file number (1-9, counted right to left).
func (sq Square) File() int { return 9 - sq.Col }

// Rank returns the shogi rank number (1-9, counted top down).
func (sq Square) Rank() int { return sq.Row + 1 }

// InBounds reports whether the square is on the board.
func (sq Square) InBounds() bool {
	return sq.Row >= 0 && sq.Row <= 8 && sq.Col >= 0 && sq.Col <= 8
}

// Position is a fully resolved board state. Board cells hold piece
// tokens ("P", "p", "+P", "+p", ...) with "" for empty squares.
// Hands is indexed by Side and keyed by un-promoted base letters.
type Position struct {
	Board [9][9]string
	Side  Side
	Hands [2]map[string]int
	Ply   int
}

// Owner returns the side owning a board token.
func Owner(token string) Side {
	last := token[len(token)-1]
	if last >= 'A' && last <= 'Z' {
		return Sente
	}
	return Gote
}

// NormalizeToken upper-cases a board token, keeping the promotion
// prefix: "+p" -> "+P", "p" -> "P".
func NormalizeToken(token string) string {
	if token == "" {
		return ""
	}
	base := strings.ToUpper(token[len(token)-1:])
	if strings.HasPrefix(token, "+") {
		return "+" + base
	}
	return base
}

// BaseLetter returns the un-promoted upper-case letter of a token.
func BaseLetter(token string) string {
	return strings.ToUpper(token[len(token)-1:])
}

// Normalize trims an SFEN to its four canonical fields. Empty input
// and "startpos" map to StartSFEN.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "startpos" {
		return StartSFEN, nil
	}
	parts := strings.Fields(s)
	if len(parts) < 4 {
		return "", formErrf("SFEN must have 4 fields: %q", s)
	}
	return strings.Join(parts[:4], " "), nil
}

// Parse parses an SFEN string into a Position.
func Parse(s string) (*Position, error) {
	normalized, err := Normalize(s)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(normalized)
	pos := &Position{}
	if err := parseBoard(pos, parts[0]); err != nil {
		return nil, err
	}
	switch parts[1] {
	case "b":
		pos.Side = Sente
	case "w":
		pos.Side = Gote
	default:
		return nil, formErrf("side must be b/w: %q", parts[1])
	}
	if err := parseHands(pos, parts[2]); err != nil {
		return nil, err
	}
	ply, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, formErrf("ply must be an integer: %q", parts[3])
	}
	if ply < 1 {
		ply = 1
	}
	pos.Ply = ply
	return pos, nil
}

func parseBoard(pos *Position, boardPart string) error {
	ranks := strings.Split(boardPart, "/")
	if len(ranks) != 9 {
		return formErrf("board must have 9 ranks, got %d", len(ranks))
	}
	for r, rank := range ranks {
		c := 0
		for i := 0; i < len(rank); i++ {
			ch := rank[i]
			if ch >= '1' && ch <= '9' {
				c += int(ch - '0')
				continue
			}
			token := string(ch)
			if ch == '+' {
				if i+1 >= len(rank) {
					return formErrf("dangling '+' in board rank %d", r+1)
				}
				i++
				token = "+" + string(rank[i])
			}
			if c >= 9 {
				return formErrf("board rank %d overflows 9 columns", r+1)
			}
			if !pieceLetters[BaseLetter(token)] {
				return formErrf("invalid piece token: %q", token)
			}
			if strings.HasPrefix(token, "+") && !promotable[BaseLetter(token)] {
				return formErrf("piece cannot be promoted: %q", token)
			}
			pos.Board[r][c] = token
			c++
		}
		if c != 9 {
			return formErrf("board rank %d has %d columns, want 9", r+1, c)
		}
	}
	return nil
}

func parseHands(pos *Position, handsPart string) error {
	pos.Hands[Sente] = map[string]int{}
	pos.Hands[Gote] = map[string]int{}
	if handsPart == "" || handsPart == "-" {
		return nil
	}
	count := 0
	for i := 0; i < len(handsPart); i++ {
		ch := handsPart[i]
		if ch >= '0' && ch <= '9' {
			count = count*10 + int(ch-'0')
			continue
		}
		base := strings.ToUpper(string(ch))
		if !inHandOrder(base) {
			return formErrf("invalid hand piece: %q", string(ch))
		}
		if count == 0 {
			count = 1
		}
		side := Gote
		if ch >= 'A' && ch <= 'Z' {
			side = Sente
		}
		pos.Hands[side][base] += count
		count = 0
	}
	if count != 0 {
		return formErrf("dangling count in hands: %q", handsPart)
	}
	return nil
}

func inHandOrder(base string) bool {
	for _, p := range HandOrder {
		if p == base {
			return true
		}
	}
	return false
}

// String serializes the position back to its four-field SFEN form.
func (p *Position) String() string {
	var ranks []string
	for r := 0; r < 9; r++ {
		var b strings.Builder
		empties := 0
		for c := 0; c < 9; c++ {
			cell := p.Board[r][c]
			if cell == "" {
				empties++
				continue
			}
			if empties > 0 {
				b.WriteString(strconv.Itoa(empties))
				empties = 0
			}
			b.WriteString(cell)
		}
		if empties > 0 {
			b.WriteString(strconv.Itoa(empties))
		}
		ranks = append(ranks, b.String())
	}
	ply := p.Ply
	if ply < 1 {
		ply = 1
	}
	return fmt.Sprintf("%s %s %s %d", strings.Join(ranks, "/"), p.Side, p.serializeHands(), ply)
}

func (p *Position) serializeHands() string {
	var b strings.Builder
	for _, side := range []Side{Sente, Gote} {
		for _, piece := range HandOrder {
			count := p.Hands[side][piece]
			if count <= 0 {
				continue
			}
			if count > 1 {
				b.WriteString(strconv.Itoa(count))
			}
			if side == Sente {
				b.WriteString(piece)
			} else {
				b.WriteString(strings.ToLower(piece))
			}
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	out := &Position{Board: p.Board, Side: p.Side, Ply: p.Ply}
	for side := range p.Hands {
		out.Hands[side] = map[string]int{}
		for k, v := range p.Hands[side] {
			out.Hands[side][k] = v
		}
	}
	return out
}

// At returns the token at a square, "" when empty or out of bounds.
func (p *Position) At(sq Square) string {
	if !sq.InBounds() {
		return ""
	}
	return p.Board[sq.Row][sq.Col]
}
