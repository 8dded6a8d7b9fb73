package engine

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hikaet/kifulab/internal/config"
	"github.com/hikaet/kifulab/internal/gametree"
	"github.com/hikaet/kifulab/internal/sfen"
)

const fakeEngineScript = `#!/bin/sh
while read line; do
  case "$line" in
    usi)
      echo "id name FakeEngine 1.0"
      echo "option name MultiPV type spin default 1 min 1 max 20"
      echo "option name Threads type spin default 1 min 1 max 512"
      echo "option name USI_Hash type spin default 256"
      echo "usiok"
      ;;
    isready)
      echo "readyok"
      ;;
    go*)
      echo "info depth 5 seldepth 6 multipv 1 score cp 42 nodes 1000 nps 5000 pv 7g7f 3c3d"
      ;;
    stop)
      echo "bestmove 7g7f"
      ;;
    quit)
      exit 0
      ;;
  esac
done
`

type event struct {
	msgType string
	payload map[string]any
}

type eventSink struct {
	mu     sync.Mutex
	events []event
}

func (s *eventSink) sender() Sender {
	return func(msgType string, payload map[string]any) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = append(s.events, event{msgType: msgType, payload: payload})
	}
}

func (s *eventSink) byType(msgType string) []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event
	for _, e := range s.events {
		if e.msgType == msgType {
			out = append(out, e)
		}
	}
	return out
}

func (s *eventSink) waitFor(t *testing.T, msgType string, timeout time.Duration) event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if evs := s.byType(msgType); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no %s event within %v", msgType, timeout)
	return event{}
}

type snapshotRecorder struct {
	mu    sync.Mutex
	calls int
}

func (r *snapshotRecorder) SaveAnalysisSnapshot(nodeID string, elapsedMS, multipv int, lines any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return "snap", nil
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func writeFakeEngine(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "fake-engine.sh")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake engine: %v", err)
	}
	return path
}

func testDriver(t *testing.T, script string) (*Driver, *eventSink, *snapshotRecorder) {
	t.Helper()
	store := &snapshotRecorder{}
	d, err := New(store, config.Engine{
		Path:                       writeFakeEngine(t, script),
		Threads:                    1,
		HashMB:                     16,
		USIOKTimeoutS:              5,
		ReadyOKTimeoutS:            5,
		PostSetoptionReadyTimeoutS: 5,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Shutdown)
	sink := &eventSink{}
	d.AttachSender(sink.sender())
	return d, sink, store
}

func analysisTree(t *testing.T, multipv int) *gametree.Tree {
	t.Helper()
	tree, err := gametree.New("analysis", sfen.StartSFEN)
	if err != nil {
		t.Fatalf("New tree: %v", err)
	}
	tree.UIState["analysis_enabled"] = true
	tree.UIState["analysis_multipv"] = multipv
	return tree
}

func TestDriverNotConfigured(t *testing.T) {
	d, err := New(nil, config.Engine{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.Available() {
		t.Fatalf("driver without a command must not be available")
	}
	if got := d.Status().Status; got != StatusNotConfigured {
		t.Errorf("status = %q", got)
	}
	if len(d.Controls()) != 0 {
		t.Errorf("controls = %v", d.Controls())
	}

	sink := &eventSink{}
	d.AttachSender(sink.sender())
	ok, reason := d.StartForGame(analysisTree(t, 1), "")
	if ok {
		t.Fatalf("start must fail without a command")
	}
	if !strings.Contains(reason, "not configured") {
		t.Errorf("reason = %q", reason)
	}
	if len(sink.byType("analysis:stopped")) != 1 {
		t.Errorf("expected one analysis:stopped")
	}
}

func TestDriverAnalysisFlow(t *testing.T) {
	d, sink, store := testDriver(t, fakeEngineScript)
	tree := analysisTree(t, 3)

	ok, reason := d.StartForGame(tree, "")
	if !ok {
		t.Fatalf("StartForGame: %s", reason)
	}
	st := d.Status()
	if st.Status != StatusAnalyzing || !st.AnalysisRunning {
		t.Errorf("status = %+v", st)
	}
	if st.EngineName != "FakeEngine 1.0" {
		t.Errorf("engine name = %q", st.EngineName)
	}
	if st.NodeID != tree.CurrentNodeID {
		t.Errorf("node id = %q", st.NodeID)
	}

	update := sink.waitFor(t, "analysis:update", 2*time.Second)
	lines, ok := update.payload["lines"].([]Line)
	if !ok || len(lines) == 0 {
		t.Fatalf("update lines = %#v", update.payload["lines"])
	}
	if lines[0].ScoreValue != 42 || lines[0].PVIndex != 1 {
		t.Errorf("line = %+v", lines[0])
	}
	if update.payload["node_id"] != tree.CurrentNodeID {
		t.Errorf("node_id = %v", update.payload["node_id"])
	}

	// Identical info content produces exactly one persisted snapshot.
	time.Sleep(700 * time.Millisecond)
	if n := store.count(); n != 1 {
		t.Errorf("snapshot count = %d, want 1", n)
	}

	d.Stop("stopped")
	stopped := sink.byType("analysis:stopped")
	if len(stopped) != 1 {
		t.Fatalf("stopped events = %d", len(stopped))
	}
	if got := d.Status().Status; got != StatusReady {
		t.Errorf("post-stop status = %q", got)
	}

	// No further updates after Stop returns.
	before := len(sink.byType("analysis:update"))
	time.Sleep(700 * time.Millisecond)
	if after := len(sink.byType("analysis:update")); after != before {
		t.Errorf("updates after stop: %d -> %d", before, after)
	}
}

func TestDriverRestartOnNewNode(t *testing.T) {
	d, sink, _ := testDriver(t, fakeEngineScript)
	tree := analysisTree(t, 1)
	node, err := tree.PlayMove(tree.RootNodeID, "7g7f")
	if err != nil {
		t.Fatalf("PlayMove: %v", err)
	}

	if ok, reason := d.StartForGame(tree, tree.RootNodeID); !ok {
		t.Fatalf("start at root: %s", reason)
	}
	if ok, reason := d.StartForGame(tree, node.NodeID); !ok {
		t.Fatalf("restart at child: %s", reason)
	}
	if got := d.Status().NodeID; got != node.NodeID {
		t.Errorf("analysis node = %q, want %q", got, node.NodeID)
	}
	// The silent restart must not have emitted analysis:stopped.
	if n := len(sink.byType("analysis:stopped")); n != 0 {
		t.Errorf("stopped events during restart = %d", n)
	}
}

func TestDriverRestartIfEnabled(t *testing.T) {
	d, sink, _ := testDriver(t, fakeEngineScript)
	tree := analysisTree(t, 1)

	d.RestartIfEnabled(tree)
	if got := d.Status().Status; got != StatusAnalyzing {
		t.Fatalf("status = %q", got)
	}

	tree.UIState["analysis_enabled"] = false
	d.RestartIfEnabled(tree)
	if got := d.Status().Status; got != StatusReady {
		t.Errorf("status after disable = %q", got)
	}
	if n := len(sink.byType("analysis:stopped")); n != 1 {
		t.Errorf("stopped events = %d", n)
	}
}

func TestDriverOwnerDisconnected(t *testing.T) {
	d, sink, _ := testDriver(t, fakeEngineScript)
	if ok, reason := d.StartForGame(analysisTree(t, 1), ""); !ok {
		t.Fatalf("start: %s", reason)
	}
	d.OwnerDisconnected()
	if d.Status().AnalysisRunning {
		t.Errorf("analysis should be stopped")
	}
	if n := len(sink.byType("analysis:stopped")); n != 1 {
		t.Errorf("stopped events = %d", n)
	}
}

func TestDriverEngineExitsDuringHandshake(t *testing.T) {
	d, sink, _ := testDriver(t, "#!/bin/sh\nexit 3\n")
	ok, reason := d.StartForGame(analysisTree(t, 1), "")
	if ok {
		t.Fatalf("start must fail when the engine dies")
	}
	if !strings.Contains(reason, "analysis start failed") {
		t.Errorf("reason = %q", reason)
	}
	if got := d.Status().Status; got != StatusError {
		t.Errorf("status = %q", got)
	}
	if n := len(sink.byType("analysis:stopped")); n != 1 {
		t.Errorf("stopped events = %d", n)
	}
}

func TestDriverInvalidNode(t *testing.T) {
	d, sink, _ := testDriver(t, fakeEngineScript)
	ok, reason := d.StartForGame(analysisTree(t, 1), "no-such-node")
	if ok {
		t.Fatalf("start with unknown node must fail")
	}
	if !strings.Contains(reason, "invalid node") {
		t.Errorf("reason = %q", reason)
	}
	if n := len(sink.byType("analysis:stopped")); n != 1 {
		t.Errorf("stopped events = %d", n)
	}
}
