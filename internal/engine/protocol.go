package engine

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ensureEngineReadyLocked boots the subprocess and completes the USI
// handshake if it is not already running. Callers hold d.mu.
func (d *Driver) ensureEngineReadyLocked() error {
	if !d.Available() {
		return ErrNotConfigured
	}

	if d.proc != nil && d.proc.exited() {
		d.proc = nil
		d.status = StatusIdle
	}
	if d.proc != nil {
		if !d.analysisOn {
			d.status = StatusReady
		}
		return nil
	}

	d.status = StatusStarting
	d.lastError = ""
	d.usiok.reset()
	d.readyok.reset()
	d.bestmove.reset()
	d.sentMultiPV = 0
	d.metaMu.Lock()
	d.engineName = ""
	d.optionNames = map[string]bool{}
	d.metaMu.Unlock()
	d.clearIOLog()

	exe := d.cmd[0]
	var workDir string
	if len(d.cmd) == 1 {
		if _, err := os.Stat(exe); err != nil {
			return &ProtocolError{Op: "boot", Msg: fmt.Sprintf("engine executable not found: %s", exe)}
		}
		if dir := filepath.Dir(exe); dir != "" && dir != "." {
			workDir = dir
		}
	}

	cmd := exec.Command(d.cmd[0], d.cmd[1:]...)
	cmd.Dir = workDir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ProtocolError{Op: "boot", Msg: err.Error()}
	}
	// Merge stderr into stdout so NNUE load failures land in the
	// diagnostic ring.
	pr, pw, err := os.Pipe()
	if err != nil {
		return &ProtocolError{Op: "boot", Msg: err.Error()}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return &ProtocolError{Op: "boot", Msg: fmt.Sprintf("failed to start engine: %v", err)}
	}
	pw.Close()
	log.Info("engine started", "cmd", strings.Join(d.cmd, " "), "pid", cmd.Process.Pid)

	proc := &process{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	d.proc = proc
	go func() {
		err := cmd.Wait()
		proc.exitMu.Lock()
		if cmd.ProcessState != nil {
			proc.exitCode = cmd.ProcessState.ExitCode()
		} else if err != nil {
			proc.exitCode = -1
		}
		proc.exitMu.Unlock()
		close(proc.done)
	}()
	go d.readerLoop(proc, pr)

	if err := d.sendLineLocked("usi"); err != nil {
		return err
	}
	if err := d.waitSignal(d.usiok, d.usiokTimeout, "usiok"); err != nil {
		return err
	}

	d.status = StatusConfiguringBoot
	if err := d.applyBootOptionsLocked(); err != nil {
		return err
	}

	d.readyok.reset()
	if err := d.sendLineLocked("isready"); err != nil {
		return err
	}
	if err := d.waitSignal(d.readyok, d.readyokTimeout, "readyok"); err != nil {
		return err
	}

	if err := d.sendLineLocked("usinewgame"); err != nil {
		return err
	}
	d.status = StatusReady
	return nil
}

// waitSignal waits for a handshake signal with a deadline, polling in
// small chunks so a crashed process surfaces promptly.
func (d *Driver) waitSignal(sig *signal, timeout time.Duration, label string) error {
	deadline := time.Now().Add(timeout)
	for {
		if sig.isSet() {
			return nil
		}
		if d.proc != nil && d.proc.exited() {
			return &ProtocolError{
				Op:   label,
				Msg:  fmt.Sprintf("engine process exited (rc=%d) while waiting for %s", d.proc.exitStatus(), label),
				Tail: d.ioTail(40),
			}
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return &ProtocolError{Op: label, Msg: "timeout waiting for " + label, Tail: d.ioTail(40)}
		}
		chunk := 250 * time.Millisecond
		if remain < chunk {
			chunk = remain
		}
		var procDone <-chan struct{}
		if d.proc != nil {
			procDone = d.proc.done
		}
		select {
		case <-sig.wait():
		case <-procDone:
		case <-time.After(chunk):
		}
	}
}

// applyBootOptionsLocked sends the options that must precede the
// first isready, each only when the engine advertised it.
func (d *Driver) applyBootOptionsLocked() error {
	if d.supportsOption("EvalDir") {
		if guess := d.guessEvalDir(); guess != "" {
			d.evalDir = guess
			if err := d.sendLineLocked("setoption name EvalDir value " + guess); err != nil {
				return err
			}
		}
	}
	if d.supportsOption("Threads") {
		if err := d.sendLineLocked(fmt.Sprintf("setoption name Threads value %d", d.threads)); err != nil {
			return err
		}
	}
	switch {
	case d.supportsOption("USI_Hash"):
		if err := d.sendLineLocked(fmt.Sprintf("setoption name USI_Hash value %d", d.hashMB)); err != nil {
			return err
		}
	case d.supportsOption("Hash"):
		if err := d.sendLineLocked(fmt.Sprintf("setoption name Hash value %d", d.hashMB)); err != nil {
			return err
		}
	}
	return nil
}

// applyAnalysisOptionsLocked reconfigures MultiPV when it changed,
// then waits for the engine to settle.
func (d *Driver) applyAnalysisOptionsLocked(multipv int) error {
	if !d.supportsOption("MultiPV") || multipv == d.sentMultiPV {
		return nil
	}
	if err := d.sendLineLocked(fmt.Sprintf("setoption name MultiPV value %d", multipv)); err != nil {
		return err
	}
	d.readyok.reset()
	if err := d.sendLineLocked("isready"); err != nil {
		return err
	}
	if err := d.waitSignal(d.readyok, d.postSetoptionTimeout, "readyok after setoption"); err != nil {
		return err
	}
	d.sentMultiPV = multipv
	return nil
}

// readerLoop tails merged stdout/stderr. It never takes d.mu: the
// handshake holds that lock while waiting on lines this loop reads.
func (d *Driver) readerLoop(proc *process, r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d.logIO("< " + line)
		d.handleLine(line)
	}

	stopped := false
	d.pv.mu.Lock()
	if d.pv.running {
		d.pv.running = false
		d.pv.latest = map[int]Line{}
		stopped = true
	}
	d.pv.mu.Unlock()

	d.mu.Lock()
	if d.proc == proc {
		log.Info("engine exited", "rc", proc.exitStatus())
		d.proc = nil
		if stopped || d.analysisOn {
			d.analysisOn = false
			d.analysisNode = ""
			stopped = true
		}
		if d.Available() {
			d.status = StatusIdle
		}
		if stopped {
			d.emitLocked("analysis:stopped", map[string]any{"reason": "engine process exited"})
		}
	}
	d.mu.Unlock()
}

func (d *Driver) handleLine(line string) {
	switch {
	case line == "usiok":
		d.usiok.set()
		return
	case line == "readyok":
		d.readyok.set()
		return
	case strings.HasPrefix(line, "bestmove "):
		d.bestmove.set()
		return
	case strings.HasPrefix(line, "id name "):
		name := strings.TrimSpace(strings.TrimPrefix(line, "id name "))
		if name != "" {
			d.metaMu.Lock()
			d.engineName = name
			d.metaMu.Unlock()
		}
		return
	case strings.HasPrefix(line, "option name "):
		if name := parseOptionName(line); name != "" {
			d.metaMu.Lock()
			d.optionNames[strings.ToLower(name)] = true
			d.metaMu.Unlock()
		}
		return
	}
	if !strings.HasPrefix(line, "info ") {
		return
	}
	parsed, ok := parseInfoLine(line)
	if !ok {
		return
	}
	d.pv.mu.Lock()
	if d.pv.running {
		d.pv.latest[parsed.PVIndex] = parsed
		d.pv.version++
	}
	d.pv.mu.Unlock()
}

// parseOptionName extracts NAME from "option name <NAME...> type ...".
func parseOptionName(line string) string {
	tokens := strings.Fields(line)
	if len(tokens) < 4 || tokens[0] != "option" || tokens[1] != "name" {
		return ""
	}
	var name []string
	for _, tok := range tokens[2:] {
		if tok == "type" {
			break
		}
		name = append(name, tok)
	}
	return strings.Join(name, " ")
}

// parseInfoLine parses one "info ..." line into wire form. Lines
// without a PV are discarded.
func parseInfoLine(line string) (Line, bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 || tokens[0] != "info" {
		return Line{}, false
	}
	out := Line{PVIndex: 1, ScoreType: "unknown", PVUSI: []string{}}

	i := 1
	for i < len(tokens) {
		tok := tokens[i]
		if tok == "pv" {
			out.PVUSI = tokens[i+1:]
			break
		}
		switch tok {
		case "depth", "seldepth", "multipv", "nodes", "nps", "hashfull":
			if i+1 < len(tokens) {
				value, _ := strconv.ParseInt(tokens[i+1], 10, 64)
				switch tok {
				case "depth":
					out.Depth = int(value)
				case "seldepth":
					out.Seldepth = int(value)
				case "multipv":
					if value < 1 {
						value = 1
					}
					out.PVIndex = int(value)
				case "nodes":
					out.Nodes = value
				case "nps":
					out.NPS = value
				case "hashfull":
					out.Hashfull = int(value)
				}
				i += 2
				continue
			}
		case "score":
			if i+2 < len(tokens) {
				scoreType := tokens[i+1]
				value, _ := strconv.Atoi(tokens[i+2])
				if scoreType == "cp" || scoreType == "mate" {
					out.ScoreType = scoreType
					out.ScoreValue = value
				}
				i += 3
				for i < len(tokens) && (tokens[i] == "upperbound" || tokens[i] == "lowerbound") {
					i++
				}
				continue
			}
		}
		i++
	}

	if len(out.PVUSI) == 0 {
		return Line{}, false
	}
	return out, true
}

// tickerLoop throttles analysis:update emission: at most one every
// 500ms for the first 5 seconds, then every 1000ms, and only when new
// info lines arrived since the last emit.
func (d *Driver) tickerLoop(stop chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		if !d.analysisOn || d.analysisNode == "" {
			d.mu.Unlock()
			return
		}
		now := time.Now()
		elapsedMS := int(now.Sub(d.analysisStart) / time.Millisecond)
		if elapsedMS < 0 {
			elapsedMS = 0
		}
		interval := 500 * time.Millisecond
		if elapsedMS >= 5000 {
			interval = time.Second
		}
		if !d.lastSentAt.IsZero() && now.Sub(d.lastSentAt) < interval {
			d.mu.Unlock()
			continue
		}

		d.pv.mu.Lock()
		fresh := d.pv.version != d.pv.sentVersion
		var lines []Line
		if fresh {
			indexes := make([]int, 0, len(d.pv.latest))
			for idx := range d.pv.latest {
				if idx <= d.activeMultiPV {
					indexes = append(indexes, idx)
				}
			}
			sort.Ints(indexes)
			for _, idx := range indexes {
				lines = append(lines, d.pv.latest[idx])
			}
			if len(lines) > 0 {
				d.pv.sentVersion = d.pv.version
			}
		}
		d.pv.mu.Unlock()

		if !fresh || len(lines) == 0 {
			d.mu.Unlock()
			continue
		}

		d.lastSentAt = now
		payload := map[string]any{
			"node_id":    d.analysisNode,
			"elapsed_ms": elapsedMS,
			"multipv":    d.activeMultiPV,
			"lines":      lines,
			"bestline":   lines[0],
		}
		d.emitLocked("analysis:update", payload)

		signature := snapshotSignature(d.analysisNode, d.activeMultiPV, lines)
		if signature != d.lastSignature {
			d.lastSignature = signature
			if d.store != nil {
				// Snapshot persistence is best-effort.
				_, _ = d.store.SaveAnalysisSnapshot(d.analysisNode, elapsedMS, d.activeMultiPV, lines)
			}
		}
		d.mu.Unlock()
	}
}

// snapshotSignature identifies the analytic content of an emission so
// identical consecutive snapshots are not persisted twice.
func snapshotSignature(nodeID string, multipv int, lines []Line) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d", nodeID, multipv)
	for _, l := range lines {
		fmt.Fprintf(&b, "|%d:%s:%d:%d:%s", l.PVIndex, l.ScoreType, l.ScoreValue, l.Depth, strings.Join(l.PVUSI, " "))
	}
	return b.String()
}
