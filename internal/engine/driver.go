// Package engine drives an external USI shogi engine subprocess:
// handshake, option negotiation, streaming info parsing, and
// throttled multi-PV snapshot delivery to a single sender.
package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hikaet/kifulab/internal/config"
	"github.com/hikaet/kifulab/internal/gametree"
	"github.com/hikaet/kifulab/internal/sfen"
)

var log = slog.Default().With("package", "engine")

// Driver lifecycle states.
const (
	StatusNotConfigured   = "not_configured"
	StatusIdle            = "idle"
	StatusStarting        = "starting"
	StatusConfiguringBoot = "configuring_boot"
	StatusReady           = "ready"
	StatusAnalyzing       = "analyzing"
	StatusError           = "error"
)

const ioLogLimit = 120

// ErrNotConfigured reports an analysis request without an engine
// command configured.
var ErrNotConfigured = errors.New("engine: not configured")

// ProtocolError reports a failed engine handshake or write. Tail
// carries the recent protocol I/O for diagnostics.
type ProtocolError struct {
	Op   string
	Msg  string
	Tail string
}

func (e *ProtocolError) Error() string {
	if e.Tail == "" {
		return fmt.Sprintf("engine %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("engine %s: %s\n%s", e.Op, e.Msg, e.Tail)
}

// Line is one ranked principal variation in wire form.
type Line struct {
	PVIndex    int      `json:"pv_index"`
	ScoreType  string   `json:"score_type"`
	ScoreValue int      `json:"score_value"`
	Depth      int      `json:"depth"`
	Seldepth   int      `json:"seldepth"`
	Nodes      int64    `json:"nodes"`
	NPS        int64    `json:"nps"`
	Hashfull   int      `json:"hashfull"`
	PVUSI      []string `json:"pv_usi"`
}

// Status is the driver's client-facing state report.
type Status struct {
	Enabled         bool   `json:"enabled"`
	Status          string `json:"status"`
	EngineName      string `json:"engine_name"`
	Command         string `json:"command"`
	EvalDir         string `json:"eval_dir"`
	AnalysisRunning bool   `json:"analysis_running"`
	NodeID          string `json:"node_id"`
	MultiPV         int    `json:"multipv"`
	Threads         int    `json:"threads"`
	HashMB          int    `json:"hash_mb"`
	LastError       string `json:"last_error"`
}

// Sender delivers one outbound event to the owner channel. It must be
// best-effort and must not call back into the driver.
type Sender func(msgType string, payload map[string]any)

// SnapshotSaver persists analysis snapshots.
type SnapshotSaver interface {
	SaveAnalysisSnapshot(nodeID string, elapsedMS, multipv int, lines any) (string, error)
}

// signal is a resettable one-shot event.
type signal struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = make(chan struct{})
	s.closed = false
}

func (s *signal) set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) isSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// process is one running engine subprocess. done closes when the
// process has exited.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	exitMu   sync.Mutex
	exitCode int
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) exitStatus() int {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitCode
}

// pvState is the reader-shared analysis state. It has its own mutex
// so the stdout reader never contends with long handshake waits.
type pvState struct {
	mu          sync.Mutex
	running     bool
	latest      map[int]Line
	version     int64
	sentVersion int64
}

// Driver manages at most one engine subprocess.
type Driver struct {
	store SnapshotSaver

	cmd                  []string
	evalDirHint          string
	threads              int
	hashMB               int
	usiokTimeout         time.Duration
	readyokTimeout       time.Duration
	postSetoptionTimeout time.Duration

	// mu serializes public operations, protocol writes, and every
	// lifecycle transition.
	mu            sync.Mutex
	proc          *process
	usiok         *signal
	readyok       *signal
	bestmove      *signal
	status        string
	lastError     string
	sender        Sender
	evalDir       string
	activeMultiPV int
	sentMultiPV   int
	analysisOn    bool
	analysisNode  string
	analysisStart time.Time
	lastSentAt    time.Time
	lastSignature string
	tickerStop    chan struct{}

	// metaMu guards fields the reader writes before usiok fires.
	metaMu      sync.Mutex
	engineName  string
	optionNames map[string]bool

	logMu sync.Mutex
	ioLog []string

	pv pvState
}

// New builds a driver from engine configuration. A driver without a
// command still answers status queries but refuses analysis.
func New(store SnapshotSaver, cfg config.Engine) (*Driver, error) {
	cmd, err := cfg.Command()
	if err != nil {
		return nil, err
	}
	status := StatusIdle
	if len(cmd) == 0 {
		status = StatusNotConfigured
	}
	return &Driver{
		store:                store,
		cmd:                  cmd,
		evalDirHint:          cfg.EvalDir,
		threads:              cfg.Threads,
		hashMB:               cfg.HashMB,
		usiokTimeout:         time.Duration(cfg.USIOKTimeoutS * float64(time.Second)),
		readyokTimeout:       time.Duration(cfg.ReadyOKTimeoutS * float64(time.Second)),
		postSetoptionTimeout: time.Duration(cfg.PostSetoptionReadyTimeoutS * float64(time.Second)),
		usiok:                newSignal(),
		readyok:              newSignal(),
		bestmove:             newSignal(),
		status:               status,
		activeMultiPV:        1,
		optionNames:          map[string]bool{},
		pv:                   pvState{latest: map[int]Line{}, sentVersion: -1},
	}, nil
}

// Available reports whether an engine command is configured.
func (d *Driver) Available() bool {
	return len(d.cmd) > 0
}

// Controls lists the analysis controls exposed to clients.
func (d *Driver) Controls() []string {
	if !d.Available() {
		return []string{}
	}
	return []string{"enable", "multipv", "start", "stop"}
}

// Status returns the current driver state.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metaMu.Lock()
	name := d.engineName
	d.metaMu.Unlock()
	return Status{
		Enabled:         d.Available(),
		Status:          d.status,
		EngineName:      name,
		Command:         strings.Join(d.cmd, " "),
		EvalDir:         d.evalDir,
		AnalysisRunning: d.analysisOn,
		NodeID:          d.analysisNode,
		MultiPV:         d.activeMultiPV,
		Threads:         d.threads,
		HashMB:          d.hashMB,
		LastError:       d.lastError,
	}
}

// AttachSender installs the owner sender. Running analysis is stopped
// first so the new owner starts from a clean slate.
func (d *Driver) AttachSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = s
	if d.analysisOn {
		d.stopLocked("owner changed", true)
	}
}

// ClearSender detaches the owner sender without stopping analysis.
func (d *Driver) ClearSender() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = nil
}

// OwnerDisconnected stops analysis and detaches the sender.
func (d *Driver) OwnerDisconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked("owner disconnected", true)
	d.sender = nil
}

// Stop halts a running analysis and notifies the owner.
func (d *Driver) Stop(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked(reason, true)
}

// Shutdown stops analysis silently and terminates the subprocess:
// SIGTERM, a 2 second grace wait, then SIGKILL.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	d.stopLocked("server shutdown", false)
	proc := d.proc
	d.proc = nil
	if d.Available() {
		d.status = StatusIdle
	} else {
		d.status = StatusNotConfigured
	}
	d.mu.Unlock()

	if proc == nil || proc.exited() {
		return
	}
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
}

// StartForGame begins infinite analysis at the given node (the game's
// current node when nodeID is empty). It returns ok plus a reason, and
// emits analysis:stopped on failure.
func (d *Driver) StartForGame(tree *gametree.Tree, nodeID string) (bool, string) {
	target := nodeID
	if target == "" {
		target = tree.CurrentNodeID
	}
	path, err := tree.PathTo(target)
	if err != nil {
		reason := fmt.Sprintf("invalid node for analysis: %v", err)
		d.mu.Lock()
		d.emitLocked("analysis:stopped", map[string]any{"reason": reason})
		d.mu.Unlock()
		return false, reason
	}
	var moves []string
	for _, n := range path {
		if n.MoveUSI != "" {
			moves = append(moves, n.MoveUSI)
		}
	}
	positionCmd, err := sfen.PositionCommand(tree.InitialSFEN, moves)
	if err != nil {
		reason := fmt.Sprintf("invalid position for analysis: %v", err)
		d.mu.Lock()
		d.emitLocked("analysis:stopped", map[string]any{"reason": reason})
		d.mu.Unlock()
		return false, reason
	}
	multipv := tree.AnalysisMultiPV()

	d.mu.Lock()
	if !d.Available() {
		d.status = StatusNotConfigured
		reason := "USI engine is not configured (set ENGINE_PATH)"
		d.emitLocked("analysis:stopped", map[string]any{"reason": reason})
		d.mu.Unlock()
		return false, reason
	}

	if err := d.startAnalysisLocked(target, positionCmd, multipv); err != nil {
		d.lastError = err.Error()
		d.status = StatusError
		reason := fmt.Sprintf("analysis start failed: %v", err)
		d.emitLocked("analysis:stopped", map[string]any{"reason": reason})
		d.mu.Unlock()
		return false, reason
	}
	d.mu.Unlock()
	return true, "started"
}

func (d *Driver) startAnalysisLocked(nodeID, positionCmd string, multipv int) error {
	if err := d.ensureEngineReadyLocked(); err != nil {
		return err
	}
	if d.analysisOn {
		d.stopLocked("restarting", false)
	}
	if err := d.applyAnalysisOptionsLocked(multipv); err != nil {
		return err
	}

	d.bestmove.reset()
	d.pv.mu.Lock()
	d.pv.latest = map[int]Line{}
	d.pv.version++
	d.pv.sentVersion = -1
	d.pv.running = true
	d.pv.mu.Unlock()

	d.analysisNode = nodeID
	d.analysisStart = time.Now()
	d.lastSentAt = time.Time{}
	d.lastSignature = ""
	d.activeMultiPV = multipv
	d.analysisOn = true
	d.status = StatusAnalyzing

	if err := d.sendLineLocked(positionCmd); err != nil {
		return err
	}
	if err := d.sendLineLocked("go infinite"); err != nil {
		return err
	}

	if d.tickerStop == nil {
		stop := make(chan struct{})
		d.tickerStop = stop
		go d.tickerLoop(stop)
	}
	return nil
}

// RestartIfEnabled syncs the driver with the game's analysis toggle:
// restart on the game's current node when enabled, stop otherwise.
func (d *Driver) RestartIfEnabled(tree *gametree.Tree) {
	if tree.AnalysisEnabled() {
		d.StartForGame(tree, "")
	} else {
		d.Stop("analysis disabled")
	}
}

// stopLocked halts analysis. With emit, analysis:stopped is sent with
// the reason. Callers hold d.mu.
func (d *Driver) stopLocked(reason string, emit bool) {
	wasRunning := d.analysisOn
	d.analysisOn = false
	d.analysisNode = ""
	d.lastSignature = ""

	d.pv.mu.Lock()
	d.pv.running = false
	d.pv.latest = map[int]Line{}
	d.pv.sentVersion = -1
	d.pv.mu.Unlock()

	if d.tickerStop != nil {
		close(d.tickerStop)
		d.tickerStop = nil
	}

	if wasRunning && d.proc != nil && !d.proc.exited() {
		d.bestmove.reset()
		if err := d.sendLineLocked("stop"); err == nil {
			select {
			case <-d.bestmove.wait():
			case <-d.proc.done:
			case <-time.After(2 * time.Second):
			}
		}
	}

	switch {
	case !d.Available():
		d.status = StatusNotConfigured
	case d.proc != nil && !d.proc.exited():
		d.status = StatusReady
	default:
		d.status = StatusIdle
	}

	if emit {
		d.emitLocked("analysis:stopped", map[string]any{"reason": reason})
	}
}

// emitLocked delivers one event to the owner sender, best-effort.
func (d *Driver) emitLocked(msgType string, payload map[string]any) {
	if d.sender == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	d.sender(msgType, payload)
}

func (d *Driver) logIO(line string) {
	log.Debug("usi", "line", line)
	d.logMu.Lock()
	defer d.logMu.Unlock()
	d.ioLog = append(d.ioLog, line)
	if len(d.ioLog) > ioLogLimit {
		d.ioLog = d.ioLog[len(d.ioLog)-ioLogLimit:]
	}
}

func (d *Driver) clearIOLog() {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	d.ioLog = nil
}

// ioTail returns the last protocol lines for error reports.
func (d *Driver) ioTail(limit int) string {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	items := d.ioLog
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return strings.Join(items, "\n")
}

func (d *Driver) sendLineLocked(line string) error {
	if d.proc == nil || d.proc.stdin == nil {
		return &ProtocolError{Op: "send", Msg: "engine stdin is not available", Tail: d.ioTail(40)}
	}
	line = strings.TrimSpace(line)
	d.logIO("> " + line)
	if _, err := io.WriteString(d.proc.stdin, line+"\n"); err != nil {
		return &ProtocolError{Op: "send", Msg: err.Error(), Tail: d.ioTail(40)}
	}
	return nil
}

// guessEvalDir probes for the NNUE weight directory next to the
// engine executable: exe/eval, ../eval, ../../eval, preferring one
// that holds nn.bin, else the first one containing any file.
func (d *Driver) guessEvalDir() string {
	if d.evalDirHint != "" {
		if st, err := os.Stat(d.evalDirHint); err == nil && st.IsDir() {
			return d.evalDirHint
		}
	}
	if len(d.cmd) != 1 {
		return ""
	}
	exeDir := filepath.Dir(d.cmd[0])
	candidates := []string{
		filepath.Join(exeDir, "eval"),
		filepath.Join(exeDir, "..", "eval"),
		filepath.Join(exeDir, "..", "..", "eval"),
	}
	for _, dir := range candidates {
		if _, err := os.Stat(filepath.Join(dir, "nn.bin")); err == nil {
			return dir
		}
		st, err := os.Stat(dir)
		if err != nil || !st.IsDir() {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				return dir
			}
		}
	}
	return ""
}

func (d *Driver) supportsOption(name string) bool {
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	return d.optionNames[strings.ToLower(name)]
}
