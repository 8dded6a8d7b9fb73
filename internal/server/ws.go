package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hikaet/kifulab/internal/gametree"
	"github.com/hikaet/kifulab/internal/kifu"
	"github.com/hikaet/kifulab/internal/storage"
)

// inbound is the envelope every client frame carries. Owner-scoped
// messages additionally carry the token pair from the last grant.
type inbound struct {
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	SessionID  string         `json:"session_id"`
	OwnerToken string         `json:"owner_token"`
}

func strField(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	v, ok := p[key].(string)
	if !ok {
		return ""
	}
	return v
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newClient(conn)
	defer c.Close()

	sender := func(msgType string, payload map[string]any) {
		c.Send(msgType, payload)
	}

	granted, info := s.hub.TryGrant(c)
	if granted {
		s.driver.AttachSender(sender)
		s.sendGranted(c)
	} else {
		c.Send("session:busy", info)
	}

	defer func() {
		if s.hub.ReleaseIfOwner(c) {
			s.driver.OwnerDisconnected()
			_, err := s.runtime.Mutate(func(g *gametree.Tree) error {
				g.UIState["analysis_enabled"] = false
				g.Touch()
				return nil
			})
			if err != nil {
				log.Warn("post-disconnect save failed", "error", err)
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": "invalid JSON"})
			continue
		}

		if !s.hub.IsOwner(c) {
			if msg.Type != "session:takeover" {
				c.Send("session:busy", map[string]any{"owner_hint": "send session:takeover to claim session"})
				continue
			}
			old, _ := s.hub.Takeover(c)
			if old != nil {
				old.Send("session:kicked", map[string]any{"reason": "session takeover"})
				old.Close()
			}
			s.driver.AttachSender(sender)
			s.sendGranted(c)
			c.Send("toast", map[string]any{"level": "info", "message": "session takeover complete"})
			continue
		}

		// Freshness guard: a message minted under an older grant is
		// rejected without mutating anything.
		expectedSession := s.hub.SessionID(c)
		if msg.SessionID != expectedSession || msg.OwnerToken != s.hub.OwnerToken(c) {
			c.Send("session:stale", map[string]any{
				"reason":              "stale owner token/session",
				"expected_session_id": expectedSession,
			})
			continue
		}

		s.handleOwnerMessage(c, msg)
	}
}

func (s *Server) sendGranted(c *Client) {
	game, err := s.runtime.CurrentGame()
	if err != nil {
		c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("load failed: %v", err)})
		return
	}
	wire, err := game.ToWire()
	if err != nil {
		c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("state failed: %v", err)})
		return
	}
	notes := []string{}
	if !s.driver.Available() {
		notes = append(notes, "USI engine analysis is disabled until ENGINE_PATH or ENGINE_CMD is set")
	}
	c.Send("session:granted", map[string]any{
		"game": wire,
		"server_capabilities": map[string]any{
			"analysis":          s.driver.Available(),
			"analysis_controls": s.driver.Controls(),
			"import_formats":    []string{"usi", "kif", "kif2"},
			"export_formats":    []string{"usi", "kif", "kif2"},
			"notes":             notes,
		},
		"engine_status": s.driver.Status(),
		"analysis_state": map[string]any{
			"enabled": game.AnalysisEnabled(),
			"multipv": game.AnalysisMultiPV(),
		},
		"session_id":  s.hub.SessionID(c),
		"owner_token": s.hub.OwnerToken(c),
	})
}

func (s *Server) sendState(c *Client) {
	game, err := s.runtime.CurrentGame()
	if err != nil {
		c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("state failed: %v", err)})
		return
	}
	wire, err := game.ToWire()
	if err != nil {
		c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("state failed: %v", err)})
		return
	}
	c.Send("game:state", map[string]any{"game": wire})
}

// syncAnalysis brings the driver in line with the current game's
// analysis toggle after a mutation.
func (s *Server) syncAnalysis(c *Client) {
	game, err := s.runtime.CurrentGame()
	if err != nil {
		return
	}
	if game.AnalysisEnabled() {
		if ok, reason := s.driver.StartForGame(game, ""); !ok {
			c.Send("toast", map[string]any{"level": "warning", "message": reason})
		}
		return
	}
	if s.driver.Status().AnalysisRunning {
		s.driver.Stop("analysis disabled")
	}
}

func (s *Server) handleOwnerMessage(c *Client, msg inbound) {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	switch msg.Type {
	case "game:new":
		_, err := s.runtime.CreateGame(strField(payload, "title"), strField(payload, "initial_sfen"))
		if err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("new game failed: %v", err)})
			return
		}
		s.sendState(c)
		s.syncAnalysis(c)

	case "game:load":
		gameID := strField(payload, "game_id")
		if gameID == "" {
			c.Send("toast", map[string]any{"level": "error", "message": "game_id is required"})
			return
		}
		if _, err := s.runtime.LoadGame(gameID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.Send("toast", map[string]any{"level": "error", "message": "game not found"})
			} else {
				c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("load failed: %v", err)})
			}
			return
		}
		s.sendState(c)
		s.syncAnalysis(c)

	case "game:save":
		_, err := s.runtime.Mutate(func(g *gametree.Tree) error {
			return applySaveFields(g, payload)
		})
		if err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("save failed: %v", err)})
			return
		}
		s.sendState(c)
		s.syncAnalysis(c)

	case "node:jump":
		nodeID := strField(payload, "node_id")
		if nodeID == "" {
			c.Send("toast", map[string]any{"level": "error", "message": "node_id is required"})
			return
		}
		_, err := s.runtime.Mutate(func(g *gametree.Tree) error {
			_, err := g.Jump(nodeID)
			return err
		})
		if err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("jump failed: %v", err)})
			return
		}
		s.sendState(c)
		s.syncAnalysis(c)

	case "node:play_move":
		fromNodeID := strField(payload, "from_node_id")
		moveUSI := strings.TrimSpace(strField(payload, "move_usi"))
		if fromNodeID == "" || moveUSI == "" {
			c.Send("toast", map[string]any{"level": "error", "message": "from_node_id and move_usi are required"})
			return
		}
		_, err := s.runtime.Mutate(func(g *gametree.Tree) error {
			_, err := g.PlayMove(fromNodeID, moveUSI)
			return err
		})
		if err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("play_move failed: %v", err)})
			return
		}
		s.sendState(c)
		s.syncAnalysis(c)

	case "node:set_comment":
		nodeID := strField(payload, "node_id")
		if nodeID == "" {
			c.Send("toast", map[string]any{"level": "error", "message": "node_id is required"})
			return
		}
		_, err := s.runtime.Mutate(func(g *gametree.Tree) error {
			return g.SetComment(nodeID, strField(payload, "comment"))
		})
		if err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("set_comment failed: %v", err)})
			return
		}
		s.sendState(c)

	case "node:reorder_children":
		parentID := strField(payload, "parent_id")
		rawIDs, ok := payload["ordered_child_ids"].([]any)
		if parentID == "" || !ok {
			c.Send("toast", map[string]any{"level": "error", "message": "invalid reorder payload"})
			return
		}
		ids := make([]string, 0, len(rawIDs))
		for _, v := range rawIDs {
			ids = append(ids, fmt.Sprint(v))
		}
		_, err := s.runtime.Mutate(func(g *gametree.Tree) error {
			return g.ReorderChildren(parentID, ids)
		})
		if err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("reorder failed: %v", err)})
			return
		}
		s.sendState(c)

	case "analysis:set_enabled":
		enabled, _ := payload["enabled"].(bool)
		if enabled && !s.driver.Available() {
			c.Send("toast", map[string]any{"level": "warning", "message": "analysis engine is not configured on the server"})
			c.Send("analysis:stopped", map[string]any{"reason": "USI engine is not configured"})
			return
		}
		game, err := s.runtime.Mutate(func(g *gametree.Tree) error {
			g.UIState["analysis_enabled"] = enabled
			g.UIState["analysis_multipv"] = g.AnalysisMultiPV()
			g.Touch()
			return nil
		})
		if err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("save failed: %v", err)})
			return
		}
		s.sendState(c)
		if enabled {
			if ok, reason := s.driver.StartForGame(game, ""); !ok {
				c.Send("toast", map[string]any{"level": "warning", "message": reason})
			}
		} else {
			s.driver.Stop("disabled by user")
		}

	case "analysis:set_multipv":
		raw, present := payload["multipv"]
		if !present {
			c.Send("toast", map[string]any{"level": "error", "message": "multipv is required"})
			return
		}
		multipv, ok := intFromAny(raw)
		if !ok {
			c.Send("toast", map[string]any{"level": "error", "message": "invalid multipv"})
			return
		}
		if multipv < 1 {
			multipv = 1
		}
		if multipv > 20 {
			multipv = 20
		}
		_, err := s.runtime.Mutate(func(g *gametree.Tree) error {
			g.UIState["analysis_multipv"] = multipv
			g.Touch()
			return nil
		})
		if err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("save failed: %v", err)})
			return
		}
		s.sendState(c)
		s.syncAnalysis(c)

	case "analysis:start":
		game, err := s.runtime.CurrentGame()
		if err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("load failed: %v", err)})
			return
		}
		if ok, reason := s.driver.StartForGame(game, strField(payload, "node_id")); !ok {
			c.Send("toast", map[string]any{"level": "warning", "message": reason})
		}

	case "analysis:stop":
		s.driver.Stop("stopped by user")

	case "game:import_text":
		text := strField(payload, "text")
		if strings.TrimSpace(text) == "" {
			c.Send("toast", map[string]any{"level": "error", "message": "text is required"})
			return
		}
		game, _, err := kifu.Import([]byte(text), strField(payload, "title"))
		if err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("import failed: %v", err)})
			return
		}
		if err := s.runtime.SetCurrentGame(game); err != nil {
			c.Send("toast", map[string]any{"level": "error", "message": fmt.Sprintf("import failed: %v", err)})
			return
		}
		s.sendState(c)
		s.syncAnalysis(c)

	case "session:takeover", "":
		// Takeover is handled before dispatch; as owner it is a no-op.

	default:
		c.Send("toast", map[string]any{"level": "warning", "message": "unknown message type: " + msg.Type})
	}
}

// applySaveFields applies a game:save payload: optional title, meta,
// ui_state and current node.
func applySaveFields(g *gametree.Tree, payload map[string]any) error {
	if _, present := payload["title"]; present {
		if title := strings.TrimSpace(strField(payload, "title")); title != "" {
			g.Title = title
		}
	}
	if meta, ok := payload["meta"].(map[string]any); ok {
		m := make(map[string]string, len(meta))
		for k, v := range meta {
			m[k] = fmt.Sprint(v)
		}
		g.Meta = m
	}
	if ui, ok := payload["ui_state"].(map[string]any); ok {
		g.UIState = ui
	}
	if nodeID := strField(payload, "current_node_id"); nodeID != "" {
		if _, err := g.Jump(nodeID); err != nil {
			return err
		}
	}
	g.Touch()
	return nil
}

func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
