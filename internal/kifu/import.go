package kifu

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hikaet/kifulab/internal/gametree"
	"github.com/hikaet/kifulab/internal/notation"
	"github.com/hikaet/kifulab/internal/sfen"
)

var (
	moveLineRe = regexp.MustCompile(`^\s*(\d+)\s+(.*)$`)
	henkaRe    = regexp.MustCompile(`^\s*変化\s*：\s*(\d+)手`)
	ki2TokenRe = regexp.MustCompile(`[▲△][^▲△]+`)
)

// Import decodes raw bytes, detects the format and dispatches to the
// matching importer. It returns the tree and the detected format.
func Import(raw []byte, title string) (*gametree.Tree, string, error) {
	text := DecodeText(raw)
	format := DetectFormat(text)
	var (
		tree *gametree.Tree
		err  error
	)
	switch format {
	case FormatUSI:
		tree, err = ImportUSI(text, title)
	case FormatKIF:
		tree, err = ImportKIF(text, title)
	case FormatKI2:
		tree, err = ImportKI2(text, title)
	default:
		return nil, format, fmt.Errorf("unrecognized record format")
	}
	return tree, format, err
}

// ParseUSIText splits a USI record into its initial SFEN and move
// list. A record that does not start with "position" is read as bare
// move tokens from the standard start.
func ParseUSIText(text string) (string, []string, error) {
	tokens := strings.Fields(strings.ReplaceAll(text, "\r", "\n"))
	if len(tokens) == 0 {
		return "", nil, fmt.Errorf("empty text")
	}

	if tokens[0] != "position" {
		moves := make([]string, 0, len(tokens))
		for _, t := range tokens {
			if _, err := sfen.ParseMove(t); err != nil {
				return "", nil, err
			}
			moves = append(moves, t)
		}
		return sfen.StartSFEN, moves, nil
	}

	if len(tokens) < 2 {
		return "", nil, fmt.Errorf("invalid position command")
	}
	idx := 1
	var initialSFEN string
	switch tokens[idx] {
	case "startpos":
		initialSFEN = sfen.StartSFEN
		idx++
	case "sfen":
		if len(tokens) < idx+5 {
			return "", nil, fmt.Errorf("position sfen requires 4 SFEN fields")
		}
		normalized, err := sfen.Normalize(strings.Join(tokens[idx+1:idx+5], " "))
		if err != nil {
			return "", nil, err
		}
		initialSFEN = normalized
		idx += 5
	default:
		return "", nil, fmt.Errorf("position must use startpos or sfen")
	}

	var moves []string
	if idx < len(tokens) {
		if tokens[idx] != "moves" {
			return "", nil, fmt.Errorf("unexpected token after position base: %q", tokens[idx])
		}
		idx++
		for _, t := range tokens[idx:] {
			if _, err := sfen.ParseMove(t); err != nil {
				return "", nil, err
			}
			moves = append(moves, t)
		}
	}
	return initialSFEN, moves, nil
}

// ImportUSI builds a tree from a USI record.
func ImportUSI(text, title string) (*gametree.Tree, error) {
	initialSFEN, moves, err := ParseUSIText(text)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = "Imported USI"
	}
	tree, err := gametree.New(title, initialSFEN)
	if err != nil {
		return nil, err
	}
	cur := tree.RootNodeID
	for _, mv := range moves {
		node, err := tree.PlayMove(cur, mv)
		if err != nil {
			return nil, err
		}
		cur = node.NodeID
	}
	return tree, nil
}

func parseKIFHeader(lines []string) map[string]string {
	meta := map[string]string{}
	for _, line := range lines {
		if strings.Contains(line, "手数----指手") {
			break
		}
		k, v, ok := strings.Cut(line, "：")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			meta[k] = v
		}
	}
	return meta
}

func initialSFENFromMeta(meta map[string]string) (string, error) {
	handicap := strings.TrimSpace(strings.TrimRight(meta["手合割"], "　"))
	if handicap == "" || handicap == "平手" {
		return sfen.StartSFEN, nil
	}
	return "", fmt.Errorf("unsupported handicap: %s", handicap)
}

// variation is a pending branch: its moves attach to the mainline
// node at ply start-1.
type variation struct {
	start  int
	bodies []string
}

// ImportKIF builds a tree from a KIF record. Variations attach to the
// mainline node at ply N-1, clamped to the last mainline node.
func ImportKIF(text, title string) (*gametree.Tree, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r", "\n"), "\n")
	meta := parseKIFHeader(lines)
	initialSFEN, err := initialSFENFromMeta(meta)
	if err != nil {
		return nil, err
	}
	if title == "" {
		for _, key := range []string{"棋戦", "表題", "タイトル"} {
			if meta[key] != "" {
				title = meta[key]
				break
			}
		}
	}
	if title == "" {
		title = "Imported KIF"
	}

	inMoves := false
	var mainBodies []string
	var variations []*variation
	var cur *variation
	scopeDone := false
	for _, line := range lines {
		if !inMoves {
			if strings.Contains(line, "手数----指手") {
				inMoves = true
			}
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "*") {
			continue
		}
		if m := henkaRe.FindStringSubmatch(line); m != nil {
			start, _ := strconv.Atoi(m[1])
			cur = &variation{start: start}
			variations = append(variations, cur)
			scopeDone = false
			continue
		}
		m := moveLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		body := strings.TrimSpace(m[2])
		if body == "" || scopeDone {
			continue
		}
		// A terminator ends the current scope's sequence; later
		// variation sections still parse.
		if notation.IsTerminal(body) {
			scopeDone = true
			continue
		}
		if cur != nil {
			cur.bodies = append(cur.bodies, body)
		} else {
			mainBodies = append(mainBodies, body)
		}
	}

	tree, err := gametree.New(title, initialSFEN)
	if err != nil {
		return nil, err
	}
	tree.Meta = meta

	nodeIDs := []string{tree.RootNodeID}
	curID := tree.RootNodeID
	var prevTo *sfen.Square
	for _, body := range mainBodies {
		mv, dest, err := notation.ParseKIFBody(body, prevTo)
		if err != nil {
			if errors.Is(err, notation.ErrGameEnd) {
				break
			}
			return nil, err
		}
		usi, err := mv.USI()
		if err != nil {
			return nil, err
		}
		node, err := tree.PlayMove(curID, usi)
		if err != nil {
			return nil, err
		}
		curID = node.NodeID
		nodeIDs = append(nodeIDs, curID)
		d := dest
		prevTo = &d
	}

	for _, v := range variations {
		if v.start < 1 {
			continue
		}
		baseIdx := min(v.start-1, len(nodeIDs)-1)
		baseID := nodeIDs[baseIdx]
		prevTo := destinationOf(tree, baseID)
		curID := baseID
		for _, body := range v.bodies {
			mv, dest, err := notation.ParseKIFBody(body, prevTo)
			if err != nil {
				if errors.Is(err, notation.ErrGameEnd) {
					break
				}
				return nil, err
			}
			usi, err := mv.USI()
			if err != nil {
				return nil, err
			}
			node, err := tree.PlayMove(curID, usi)
			if err != nil {
				return nil, err
			}
			curID = node.NodeID
			d := dest
			prevTo = &d
		}
	}
	return tree, nil
}

// destinationOf returns the destination square of the node's own move,
// or nil on the root.
func destinationOf(tree *gametree.Tree, nodeID string) *sfen.Square {
	node, err := tree.GetNode(nodeID)
	if err != nil || node.MoveUSI == "" {
		return nil
	}
	mv, err := sfen.ParseMove(node.MoveUSI)
	if err != nil {
		return nil
	}
	to := mv.To
	return &to
}

func tokenizeKI2Line(line string) []string {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "*") {
		return nil
	}
	var tokens []string
	for _, seg := range ki2TokenRe.FindAllString(line, -1) {
		if t := strings.TrimSpace(seg); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// ImportKI2 builds a tree from a KI2 record. From-squares are elided
// in KI2, so each token runs through origin disambiguation against the
// position it is played from.
func ImportKI2(text, title string) (*gametree.Tree, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r", "\n"), "\n")

	var mainTokens []string
	var variations []*variation
	var cur *variation
	for _, line := range lines {
		if m := henkaRe.FindStringSubmatch(line); m != nil {
			start, _ := strconv.Atoi(m[1])
			cur = &variation{start: start}
			variations = append(variations, cur)
			continue
		}
		tokens := tokenizeKI2Line(line)
		if len(tokens) == 0 {
			continue
		}
		if cur != nil {
			cur.bodies = append(cur.bodies, tokens...)
		} else {
			mainTokens = append(mainTokens, tokens...)
		}
	}

	if title == "" {
		title = "Imported KI2"
	}
	tree, err := gametree.New(title, sfen.StartSFEN)
	if err != nil {
		return nil, err
	}

	applyTokens := func(baseID string, tokens []string, prevTo *sfen.Square) (string, error) {
		curID := baseID
		for _, tok := range tokens {
			mv, dest, err := notation.ParseKI2Token(tok, prevTo)
			if err != nil {
				if errors.Is(err, notation.ErrGameEnd) {
					break
				}
				return "", err
			}
			curNode, err := tree.GetNode(curID)
			if err != nil {
				return "", err
			}
			pos, err := sfen.Parse(curNode.PositionSFEN)
			if err != nil {
				return "", err
			}
			usi, err := notation.ResolveKI2(pos, mv, tok)
			if err != nil {
				return "", err
			}
			node, err := tree.PlayMove(curID, usi)
			if err != nil {
				return "", err
			}
			curID = node.NodeID
			d := dest
			prevTo = &d
		}
		return curID, nil
	}

	endID, err := applyTokens(tree.RootNodeID, mainTokens, nil)
	if err != nil {
		return nil, err
	}
	mainPath, err := tree.PathTo(endID)
	if err != nil {
		return nil, err
	}
	mainIDs := make([]string, len(mainPath))
	for i, n := range mainPath {
		mainIDs[i] = n.NodeID
	}

	for _, v := range variations {
		if v.start < 1 {
			continue
		}
		baseIdx := min(v.start-1, len(mainIDs)-1)
		baseID := mainIDs[baseIdx]
		if _, err := applyTokens(baseID, v.bodies, destinationOf(tree, baseID)); err != nil {
			return nil, err
		}
	}
	return tree, nil
}
