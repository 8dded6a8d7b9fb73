// Package gametree holds the branching move tree of a game record.
// Every node carries the fully resolved SFEN after its move, so board
// state never has to be replayed from the root.
package gametree

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/hikaet/kifulab/internal/notation"
	"github.com/hikaet/kifulab/internal/sfen"
)

// ErrNodeNotFound reports a node id that is not part of the tree.
type ErrNodeNotFound struct {
	NodeID string
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("node not found: %s", e.NodeID)
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b[:])
}

func nowISO() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Node is one position in the tree. MoveUSI is empty on the root;
// PositionSFEN is the position after MoveUSI applied to the parent's
// SFEN (the game's initial SFEN on the root).
type Node struct {
	NodeID       string `json:"node_id"`
	GameID       string `json:"game_id"`
	ParentID     string `json:"parent_id,omitempty"`
	OrderIndex   int    `json:"order_index"`
	MoveUSI      string `json:"move_usi,omitempty"`
	MoveLabel    string `json:"move_label"`
	Comment      string `json:"comment"`
	PositionSFEN string `json:"position_sfen"`
	CreatedAt    string `json:"created_at"`
}

// Tree is a complete game record: metadata plus the node set.
type Tree struct {
	GameID        string            `json:"game_id"`
	Title         string            `json:"title"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
	InitialSFEN   string            `json:"initial_sfen"`
	RootNodeID    string            `json:"root_node_id"`
	CurrentNodeID string            `json:"current_node_id"`
	Meta          map[string]string `json:"meta"`
	UIState       map[string]any    `json:"ui_state"`
	Nodes         map[string]*Node  `json:"nodes"`
}

// New creates a game with a fresh root at the normalized initial SFEN.
func New(title, initialSFEN string) (*Tree, error) {
	initial, err := sfen.Normalize(initialSFEN)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = "Untitled game"
	}
	now := nowISO()
	rootID := NewID()
	gameID := NewID()
	root := &Node{
		NodeID:       rootID,
		GameID:       gameID,
		OrderIndex:   0,
		MoveLabel:    "root",
		PositionSFEN: initial,
		CreatedAt:    now,
	}
	return &Tree{
		GameID:        gameID,
		Title:         title,
		CreatedAt:     now,
		UpdatedAt:     now,
		InitialSFEN:   initial,
		RootNodeID:    rootID,
		CurrentNodeID: rootID,
		Meta:          map[string]string{},
		UIState:       map[string]any{},
		Nodes:         map[string]*Node{rootID: root},
	}, nil
}

// FromRows rebuilds a tree from stored records. A missing current
// node falls back to the root; a missing root is an error.
func FromRows(game *Tree, nodes []*Node) (*Tree, error) {
	game.Nodes = make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		game.Nodes[n.NodeID] = n
	}
	if game.Meta == nil {
		game.Meta = map[string]string{}
	}
	if game.UIState == nil {
		game.UIState = map[string]any{}
	}
	if _, ok := game.Nodes[game.RootNodeID]; !ok {
		return nil, fmt.Errorf("root node missing for game %s", game.GameID)
	}
	if _, ok := game.Nodes[game.CurrentNodeID]; !ok {
		game.CurrentNodeID = game.RootNodeID
	}
	return game, nil
}

// Touch refreshes the updated-at timestamp.
func (t *Tree) Touch() {
	t.UpdatedAt = nowISO()
}

// GetNode looks up a node by id.
func (t *Tree) GetNode(id string) (*Node, error) {
	n, ok := t.Nodes[id]
	if !ok {
		return nil, &ErrNodeNotFound{NodeID: id}
	}
	return n, nil
}

// ChildrenOf returns the children of a parent ordered by
// (order_index, created_at, node_id). The first child is the
// mainline continuation.
func (t *Tree) ChildrenOf(parentID string) []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.ParentID == parentID && n.NodeID != t.RootNodeID {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.OrderIndex != b.OrderIndex {
			return a.OrderIndex < b.OrderIndex
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.NodeID < b.NodeID
	})
}

func (t *Tree) nextOrderIndex(parentID string) int {
	next := 0
	for _, n := range t.ChildrenOf(parentID) {
		if n.OrderIndex >= next {
			next = n.OrderIndex + 1
		}
	}
	return next
}

// Jump makes the given node current.
func (t *Tree) Jump(nodeID string) (*Node, error) {
	n, err := t.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	t.CurrentNodeID = n.NodeID
	t.Touch()
	return n, nil
}

// PlayMove applies a USI move from the given node. When a child with
// the same move already exists the tree just jumps to it; otherwise a
// new child is appended at the next free order index.
func (t *Tree) PlayMove(fromNodeID, moveUSI string) (*Node, error) {
	parent, err := t.GetNode(fromNodeID)
	if err != nil {
		return nil, err
	}
	for _, child := range t.ChildrenOf(parent.NodeID) {
		if child.MoveUSI == moveUSI {
			t.CurrentNodeID = child.NodeID
			t.Touch()
			return child, nil
		}
	}
	positionSFEN, err := sfen.ApplyMove(parent.PositionSFEN, moveUSI)
	if err != nil {
		return nil, err
	}
	label, err := notation.ToKI2Label(parent.PositionSFEN, moveUSI, nil)
	if err != nil {
		label = moveUSI // raw USI fallback; the position stays valid
	}
	node := &Node{
		NodeID:       NewID(),
		GameID:       t.GameID,
		ParentID:     parent.NodeID,
		OrderIndex:   t.nextOrderIndex(parent.NodeID),
		MoveUSI:      moveUSI,
		MoveLabel:    label,
		PositionSFEN: positionSFEN,
		CreatedAt:    nowISO(),
	}
	t.Nodes[node.NodeID] = node
	t.CurrentNodeID = node.NodeID
	t.Touch()
	return node, nil
}

// SetComment replaces a node's comment.
func (t *Tree) SetComment(nodeID, comment string) error {
	n, err := t.GetNode(nodeID)
	if err != nil {
		return err
	}
	n.Comment = comment
	t.Touch()
	return nil
}

// ReorderChildren rewrites the order indexes of a parent's children.
// The given ids must be exactly the current child set.
func (t *Tree) ReorderChildren(parentID string, orderedChildIDs []string) error {
	children := t.ChildrenOf(parentID)
	if len(children) != len(orderedChildIDs) {
		return fmt.Errorf("ordered_child_ids must match child set")
	}
	current := map[string]bool{}
	for _, c := range children {
		current[c.NodeID] = true
	}
	for _, id := range orderedChildIDs {
		if !current[id] {
			return fmt.Errorf("ordered_child_ids must match child set")
		}
	}
	for idx, id := range orderedChildIDs {
		t.Nodes[id].OrderIndex = idx
	}
	t.Touch()
	return nil
}

// PathTo returns the chain of nodes from the root to the given node
// (current node when the id is empty). Corrupt parent pointers from
// storage could loop, so the walk fails on a repeated id.
func (t *Tree) PathTo(nodeID string) ([]*Node, error) {
	curID := nodeID
	if curID == "" {
		curID = t.CurrentNodeID
	}
	var chain []*Node
	seen := map[string]bool{}
	for curID != "" {
		if seen[curID] {
			return nil, fmt.Errorf("cycle detected in node tree at %s", curID)
		}
		seen[curID] = true
		n, err := t.GetNode(curID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, n)
		curID = n.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// CurrentPathMoves returns the USI moves from the root to the
// current node.
func (t *Tree) CurrentPathMoves() ([]string, error) {
	path, err := t.PathTo("")
	if err != nil {
		return nil, err
	}
	var moves []string
	for _, n := range path {
		if n.MoveUSI != "" {
			moves = append(moves, n.MoveUSI)
		}
	}
	return moves, nil
}

// CurrentPositionSFEN returns the SFEN at the current node.
func (t *Tree) CurrentPositionSFEN() string {
	if n, ok := t.Nodes[t.CurrentNodeID]; ok {
		return n.PositionSFEN
	}
	return t.InitialSFEN
}

// MainlineNodeIDs follows the first child at every node from the root.
func (t *Tree) MainlineNodeIDs() []string {
	ids := []string{t.RootNodeID}
	cur := t.RootNodeID
	for {
		children := t.ChildrenOf(cur)
		if len(children) == 0 {
			return ids
		}
		cur = children[0].NodeID
		ids = append(ids, cur)
	}
}

// NodeRecords returns all nodes in a stable order: root first, then
// grouped by parent and ordered like ChildrenOf.
func (t *Tree) NodeRecords() []*Node {
	out := make([]*Node, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aRoot, bRoot := a.ParentID == "", b.ParentID == ""
		if aRoot != bRoot {
			return aRoot
		}
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		if a.OrderIndex != b.OrderIndex {
			return a.OrderIndex < b.OrderIndex
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.NodeID < b.NodeID
	})
	return out
}

// Wire is the full client-facing form of a tree.
type Wire struct {
	GameID             string              `json:"game_id"`
	Title              string              `json:"title"`
	CreatedAt          string              `json:"created_at"`
	UpdatedAt          string              `json:"updated_at"`
	InitialSFEN        string              `json:"initial_sfen"`
	RootNodeID         string              `json:"root_node_id"`
	CurrentNodeID      string              `json:"current_node_id"`
	CurrentPositionSFEN string             `json:"current_position_sfen"`
	Meta               map[string]string   `json:"meta"`
	UIState            map[string]any      `json:"ui_state"`
	Nodes              []*Node             `json:"nodes"`
	ChildrenIndex      map[string][]string `json:"children_index"`
	CurrentPathNodeIDs []string            `json:"current_path_node_ids"`
	CurrentPathMoves   []string            `json:"current_path_moves"`
}

// ToWire serializes the tree plus derived indexes for the client.
func (t *Tree) ToWire() (*Wire, error) {
	path, err := t.PathTo("")
	if err != nil {
		return nil, err
	}
	pathIDs := make([]string, 0, len(path))
	pathMoves := []string{}
	for _, n := range path {
		pathIDs = append(pathIDs, n.NodeID)
		if n.MoveUSI != "" {
			pathMoves = append(pathMoves, n.MoveUSI)
		}
	}
	childrenIndex := map[string][]string{}
	for _, n := range t.Nodes {
		if n.ParentID == "" {
			continue
		}
		childrenIndex[n.ParentID] = append(childrenIndex[n.ParentID], n.NodeID)
	}
	for parentID, ids := range childrenIndex {
		sort.Slice(ids, func(i, j int) bool {
			a, b := t.Nodes[ids[i]], t.Nodes[ids[j]]
			if a.OrderIndex != b.OrderIndex {
				return a.OrderIndex < b.OrderIndex
			}
			if a.CreatedAt != b.CreatedAt {
				return a.CreatedAt < b.CreatedAt
			}
			return a.NodeID < b.NodeID
		})
		childrenIndex[parentID] = ids
	}
	return &Wire{
		GameID:              t.GameID,
		Title:               t.Title,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
		InitialSFEN:         t.InitialSFEN,
		RootNodeID:          t.RootNodeID,
		CurrentNodeID:       t.CurrentNodeID,
		CurrentPositionSFEN: t.CurrentPositionSFEN(),
		Meta:                t.Meta,
		UIState:             t.UIState,
		Nodes:               t.NodeRecords(),
		ChildrenIndex:       childrenIndex,
		CurrentPathNodeIDs:  pathIDs,
		CurrentPathMoves:    pathMoves,
	}, nil
}

// AnalysisEnabled reads ui_state.analysis_enabled.
func (t *Tree) AnalysisEnabled() bool {
	v, ok := t.UIState["analysis_enabled"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// AnalysisMultiPV reads ui_state.analysis_multipv clamped to 1..20.
func (t *Tree) AnalysisMultiPV() int {
	v, ok := t.UIState["analysis_multipv"]
	if !ok {
		return 1
	}
	n := 1
	switch x := v.(type) {
	case int:
		n = x
	case float64: // JSON numbers decode as float64
		n = int(x)
	}
	if n < 1 {
		n = 1
	}
	if n > 20 {
		n = 20
	}
	return n
}
