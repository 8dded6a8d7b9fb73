package engine

import (
	"reflect"
	"testing"
)

func TestParseInfoLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Line
		ok   bool
	}{
		{
			name: "full line",
			line: "info depth 12 seldepth 18 multipv 2 score cp -31 nodes 123456 nps 800000 hashfull 12 pv 7g7f 3c3d 2g2f",
			want: Line{PVIndex: 2, ScoreType: "cp", ScoreValue: -31, Depth: 12, Seldepth: 18, Nodes: 123456, NPS: 800000, Hashfull: 12, PVUSI: []string{"7g7f", "3c3d", "2g2f"}},
			ok:   true,
		},
		{
			name: "mate score with bound",
			line: "info depth 20 score mate 5 lowerbound pv 2b3a",
			want: Line{PVIndex: 1, ScoreType: "mate", ScoreValue: 5, Depth: 20, PVUSI: []string{"2b3a"}},
			ok:   true,
		},
		{
			name: "missing multipv defaults to 1",
			line: "info depth 5 score cp 42 pv 7g7f",
			want: Line{PVIndex: 1, ScoreType: "cp", ScoreValue: 42, Depth: 5, PVUSI: []string{"7g7f"}},
			ok:   true,
		},
		{
			name: "multipv zero clamps to 1",
			line: "info multipv 0 score cp 1 pv 7g7f",
			want: Line{PVIndex: 1, ScoreType: "cp", ScoreValue: 1, PVUSI: []string{"7g7f"}},
			ok:   true,
		},
		{name: "no pv", line: "info depth 5 score cp 42", ok: false},
		{name: "empty pv", line: "info depth 5 pv", ok: false},
		{name: "string line", line: "info string loading eval", ok: false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := parseInfoLine(c.line)
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok && !reflect.DeepEqual(got, c.want) {
				t.Errorf("got %+v, want %+v", got, c.want)
			}
		})
	}
}

func TestParseOptionName(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"option name MultiPV type spin default 1 min 1 max 800", "MultiPV"},
		{"option name USI_Hash type spin default 256", "USI_Hash"},
		{"option name Style of Play type combo default Normal", "Style of Play"},
		{"option nonsense", ""},
		{"id name something", ""},
	}
	for _, c := range cases {
		if got := parseOptionName(c.line); got != c.want {
			t.Errorf("parseOptionName(%q) = %q, want %q", c.line, got, c.want)
		}
	}
}

func TestSnapshotSignature(t *testing.T) {
	a := []Line{{PVIndex: 1, ScoreType: "cp", ScoreValue: 10, Depth: 5, PVUSI: []string{"7g7f"}}}
	b := []Line{{PVIndex: 1, ScoreType: "cp", ScoreValue: 10, Depth: 5, PVUSI: []string{"7g7f"}}}
	if snapshotSignature("n", 1, a) != snapshotSignature("n", 1, b) {
		t.Errorf("equal lines should share a signature")
	}
	b[0].ScoreValue = 11
	if snapshotSignature("n", 1, a) == snapshotSignature("n", 1, b) {
		t.Errorf("different scores should differ")
	}
	if snapshotSignature("n", 1, a) == snapshotSignature("m", 1, a) {
		t.Errorf("different nodes should differ")
	}
}

func TestSignal(t *testing.T) {
	s := newSignal()
	if s.isSet() {
		t.Fatalf("fresh signal must be unset")
	}
	s.set()
	s.set() // double set is a no-op
	if !s.isSet() {
		t.Fatalf("signal should be set")
	}
	select {
	case <-s.wait():
	default:
		t.Fatalf("wait channel should be closed")
	}
	s.reset()
	if s.isSet() {
		t.Fatalf("reset should clear the signal")
	}
}
