package notation

import (
	"errors"
	"testing"

	"github.com/hikaet/kifulab/internal/sfen"
)

func mustParse(t *testing.T, s string) *sfen.Position {
	t.Helper()
	pos, err := sfen.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", s, err)
	}
	return pos
}

func TestFormatSquare(t *testing.T) {
	sq, err := ParseSquare("７六")
	if err != nil {
		t.Fatalf("ParseSquare failed: %v", err)
	}
	if sq != (sfen.Square{Row: 5, Col: 2}) {
		t.Errorf("７六 = %+v", sq)
	}
	if FormatSquare(sq) != "７六" {
		t.Errorf("FormatSquare = %q", FormatSquare(sq))
	}

	// ASCII digits are accepted on input.
	sq2, err := ParseSquare("76")
	if err != nil {
		t.Fatalf("ParseSquare(76) failed: %v", err)
	}
	if sq2 != sq {
		t.Errorf("ASCII square parse = %+v", sq2)
	}
}

func TestToKIFBodyAndKI2Label(t *testing.T) {
	body, err := ToKIFBody(sfen.StartSFEN, "7g7f", nil)
	if err != nil {
		t.Fatal(err)
	}
	if body != "７六歩(77)" {
		t.Errorf("KIF body = %q", body)
	}

	label, err := ToKI2Label(sfen.StartSFEN, "7g7f", nil)
	if err != nil {
		t.Fatal(err)
	}
	if label != "▲７六歩" {
		t.Errorf("KI2 label = %q", label)
	}

	label, err = ToKI2Label("8k/9/9/9/9/9/9/9/K8 b P 1", "P*5e", nil)
	if err != nil {
		t.Fatal(err)
	}
	if label != "▲５五歩打" {
		t.Errorf("drop label = %q", label)
	}

	// 同 substitution against a previous destination.
	prev := sfen.Square{Row: 5, Col: 2}
	label, err = ToKI2Label(sfen.StartSFEN, "7g7f", &prev)
	if err != nil {
		t.Fatal(err)
	}
	if label != "▲同　歩" {
		t.Errorf("same-square label = %q", label)
	}
}

func TestParseKIFBody(t *testing.T) {
	mv, to, err := ParseKIFBody("７六歩(77)", nil)
	if err != nil {
		t.Fatalf("ParseKIFBody failed: %v", err)
	}
	usi, err := mv.USI()
	if err != nil {
		t.Fatal(err)
	}
	if usi != "7g7f" {
		t.Errorf("USI = %q", usi)
	}
	if to != (sfen.Square{Row: 5, Col: 2}) {
		t.Errorf("to = %+v", to)
	}

	// Time suffixes from real KIF files are stripped.
	mv, _, err = ParseKIFBody("３四歩(33)   ( 0:01/00:00:01)", nil)
	if err != nil {
		t.Fatalf("ParseKIFBody with time failed: %v", err)
	}
	if usi, _ := mv.USI(); usi != "3c3d" {
		t.Errorf("USI = %q", usi)
	}

	// 同 resolves to the previous destination.
	prev := sfen.Square{Row: 1, Col: 7}
	mv, to, err = ParseKIFBody("同　銀(31)", &prev)
	if err != nil {
		t.Fatalf("ParseKIFBody(同) failed: %v", err)
	}
	if to != prev {
		t.Errorf("to = %+v, want %+v", to, prev)
	}
	if usi, _ := mv.USI(); usi != "3a2b" {
		t.Errorf("USI = %q", usi)
	}

	if _, _, err := ParseKIFBody("同　銀(31)", nil); err == nil {
		t.Error("同 without previous destination should fail")
	}

	// Drops have no from-square.
	mv, _, err = ParseKIFBody("５五歩打", nil)
	if err != nil {
		t.Fatalf("ParseKIFBody(drop) failed: %v", err)
	}
	if !mv.IsDrop || mv.Drop != "P" {
		t.Errorf("drop parse = %+v", mv)
	}
	if usi, _ := mv.USI(); usi != "P*5e" {
		t.Errorf("USI = %q", usi)
	}

	// Promotion suffix vs promoted-piece names.
	mv, _, err = ParseKIFBody("２二角成(88)", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !mv.Promote {
		t.Error("角成 should promote")
	}
	mv, _, err = ParseKIFBody("２二成銀(31)", nil)
	if err != nil {
		t.Fatal(err)
	}
	if mv.Promote {
		t.Error("成銀 move is not a promotion")
	}

	if _, _, err := ParseKIFBody("投了", nil); !errors.Is(err, ErrGameEnd) {
		t.Errorf("terminator error = %v, want ErrGameEnd", err)
	}
}

func TestParseKI2Token(t *testing.T) {
	mv, to, err := ParseKI2Token("▲７六歩", nil)
	if err != nil {
		t.Fatalf("ParseKI2Token failed: %v", err)
	}
	if mv.Side != sfen.Sente || mv.PieceName != "歩" || mv.IsDrop || mv.Promote {
		t.Errorf("parse = %+v", mv)
	}
	if to != (sfen.Square{Row: 5, Col: 2}) {
		t.Errorf("to = %+v", to)
	}

	prev := sfen.Square{Row: 1, Col: 7}
	mv, _, err = ParseKI2Token("△同　銀右", &prev)
	if err != nil {
		t.Fatalf("ParseKI2Token(同) failed: %v", err)
	}
	if mv.Side != sfen.Gote || mv.To != prev {
		t.Errorf("parse = %+v", mv)
	}
	if len(mv.Disambig) != 1 || mv.Disambig[0] != "右" {
		t.Errorf("disambig = %v", mv.Disambig)
	}

	mv, _, err = ParseKI2Token("▲５五角打", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !mv.IsDrop || mv.PieceName != "角" {
		t.Errorf("drop parse = %+v", mv)
	}

	if _, _, err := ParseKI2Token("▲投了", nil); !errors.Is(err, ErrGameEnd) {
		t.Errorf("terminator error = %v, want ErrGameEnd", err)
	}
	if _, _, err := ParseKI2Token("７六歩", nil); err == nil {
		t.Error("missing side mark should fail")
	}
}

func TestCandidateOrigins(t *testing.T) {
	pos := mustParse(t, sfen.StartSFEN)

	// Exactly one pawn reaches 7f.
	cands := CandidateOrigins(pos, sfen.Sente, "P", sfen.Square{Row: 5, Col: 2})
	if len(cands) != 1 || cands[0] != (sfen.Square{Row: 6, Col: 2}) {
		t.Errorf("pawn candidates = %v", cands)
	}

	// The startpos rook on 2h slides freely to 5h.
	cands = CandidateOrigins(pos, sfen.Sente, "R", sfen.Square{Row: 7, Col: 4})
	if len(cands) != 1 || cands[0] != (sfen.Square{Row: 7, Col: 7}) {
		t.Errorf("rook candidates = %v", cands)
	}

	// Open file: rook reaches straight up.
	pos = mustParse(t, "9/9/9/9/9/9/9/4R4/9 b - 1")
	cands = CandidateOrigins(pos, sfen.Sente, "R", sfen.Square{Row: 1, Col: 4})
	if len(cands) != 1 || cands[0] != (sfen.Square{Row: 7, Col: 4}) {
		t.Errorf("rook candidates = %v", cands)
	}

	// A blocker on the file stops the slide.
	pos = mustParse(t, "9/9/9/4p4/9/9/9/4R4/9 b - 1")
	cands = CandidateOrigins(pos, sfen.Sente, "R", sfen.Square{Row: 1, Col: 4})
	if len(cands) != 0 {
		t.Errorf("blocked rook candidates = %v", cands)
	}

	// Dragon also steps one square diagonally.
	pos = mustParse(t, "9/9/9/9/4+R4/9/9/9/9 b - 1")
	cands = CandidateOrigins(pos, sfen.Sente, "+R", sfen.Square{Row: 5, Col: 5})
	if len(cands) != 1 || cands[0] != (sfen.Square{Row: 4, Col: 4}) {
		t.Errorf("dragon candidates = %v", cands)
	}

	// Destination occupied by an own piece yields no candidates.
	pos = mustParse(t, sfen.StartSFEN)
	cands = CandidateOrigins(pos, sfen.Sente, "G", sfen.Square{Row: 8, Col: 3})
	if len(cands) != 0 {
		t.Errorf("own-occupied destination candidates = %v", cands)
	}
}

func TestFilterDisambig(t *testing.T) {
	to := sfen.Square{Row: 7, Col: 4} // ５八

	t.Run("right and left", func(t *testing.T) {
		pos := mustParse(t, "9/9/9/9/9/9/9/9/3G1G3 b - 1")
		cands := CandidateOrigins(pos, sfen.Sente, "G", to)
		if len(cands) != 2 {
			t.Fatalf("candidates = %v", cands)
		}
		right := FilterDisambig(sfen.Sente, to, cands, []string{"右"})
		if len(right) != 1 || right[0].File() != 4 {
			t.Errorf("右 = %v", right)
		}
		left := FilterDisambig(sfen.Sente, to, cands, []string{"左"})
		if len(left) != 1 || left[0].File() != 6 {
			t.Errorf("左 = %v", left)
		}
		// Senses invert for gote.
		gright := FilterDisambig(sfen.Gote, to, cands, []string{"右"})
		if len(gright) != 1 || gright[0].File() != 6 {
			t.Errorf("gote 右 = %v", gright)
		}
	})

	t.Run("straight", func(t *testing.T) {
		pos := mustParse(t, "9/9/9/9/9/9/9/9/3GG4 b - 1")
		cands := CandidateOrigins(pos, sfen.Sente, "G", to)
		if len(cands) != 2 {
			t.Fatalf("candidates = %v", cands)
		}
		straight := FilterDisambig(sfen.Sente, to, cands, []string{"直"})
		if len(straight) != 1 || straight[0].File() != 5 {
			t.Errorf("直 = %v", straight)
		}
	})

	t.Run("up and pull", func(t *testing.T) {
		pos := mustParse(t, "9/9/9/9/9/9/4G4/9/4G4 b - 1")
		cands := CandidateOrigins(pos, sfen.Sente, "G", to)
		if len(cands) != 2 {
			t.Fatalf("candidates = %v", cands)
		}
		up := FilterDisambig(sfen.Sente, to, cands, []string{"上"})
		if len(up) != 1 || up[0].Rank() != 9 {
			t.Errorf("上 = %v", up)
		}
		pull := FilterDisambig(sfen.Sente, to, cands, []string{"引"})
		if len(pull) != 1 || pull[0].Rank() != 7 {
			t.Errorf("引 = %v", pull)
		}
	})

	t.Run("sideways", func(t *testing.T) {
		pos := mustParse(t, "9/9/9/9/9/9/9/3G5/4G4 b - 1")
		cands := CandidateOrigins(pos, sfen.Sente, "G", to)
		if len(cands) != 2 {
			t.Fatalf("candidates = %v", cands)
		}
		yose := FilterDisambig(sfen.Sente, to, cands, []string{"寄"})
		if len(yose) != 1 || yose[0].Rank() != 8 {
			t.Errorf("寄 = %v", yose)
		}
	})
}

func TestResolveKI2(t *testing.T) {
	pos := mustParse(t, sfen.StartSFEN)
	mv, _, err := ParseKI2Token("▲７六歩", nil)
	if err != nil {
		t.Fatal(err)
	}
	usi, err := ResolveKI2(pos, mv, "▲７六歩")
	if err != nil {
		t.Fatalf("ResolveKI2 failed: %v", err)
	}
	if usi != "7g7f" {
		t.Errorf("USI = %q", usi)
	}

	// Two golds can reach ５八: bare ５八金 is ambiguous, 金右 resolves.
	pos = mustParse(t, "9/9/9/9/9/9/9/9/3G1G3 b - 1")
	mv, _, err = ParseKI2Token("▲５八金", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ResolveKI2(pos, mv, "▲５八金")
	var ambiguous *AmbiguousError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("error = %v, want AmbiguousError", err)
	}
	if len(ambiguous.Candidates) != 2 {
		t.Errorf("candidates = %v", ambiguous.Candidates)
	}

	mv, _, err = ParseKI2Token("▲５八金右", nil)
	if err != nil {
		t.Fatal(err)
	}
	usi, err = ResolveKI2(pos, mv, "▲５八金右")
	if err != nil {
		t.Fatalf("ResolveKI2 failed: %v", err)
	}
	if usi != "4i5h" {
		t.Errorf("USI = %q", usi)
	}

	// Drops bypass origin generation.
	pos = mustParse(t, "8k/9/9/9/9/9/9/9/K8 b P 1")
	mv, _, err = ParseKI2Token("▲５五歩打", nil)
	if err != nil {
		t.Fatal(err)
	}
	usi, err = ResolveKI2(pos, mv, "▲５五歩打")
	if err != nil {
		t.Fatal(err)
	}
	if usi != "P*5e" {
		t.Errorf("USI = %q", usi)
	}
}
