package kifu

import (
	"fmt"
	"strings"

	"github.com/hikaet/kifulab/internal/gametree"
	"github.com/hikaet/kifulab/internal/notation"
	"github.com/hikaet/kifulab/internal/sfen"
)

// ExportUSI renders the current path as a USI position command.
func ExportUSI(tree *gametree.Tree) (string, error) {
	moves, err := tree.CurrentPathMoves()
	if err != nil {
		return "", err
	}
	return sfen.PositionCommand(tree.InitialSFEN, moves)
}

// ExportKIF renders the tree as a KIF record: header block, numbered
// mainline, then one 変化：N手 section per variation branch.
func ExportKIF(tree *gametree.Tree) (string, error) {
	var lines []string
	handicap := tree.Meta["手合割"]
	if handicap == "" {
		handicap = "平手"
	}
	lines = append(lines, "手合割："+handicap)
	for _, key := range []string{"先手", "後手", "棋戦"} {
		if v := tree.Meta[key]; v != "" {
			lines = append(lines, key+"："+v)
		}
	}
	lines = append(lines, "", "手数----指手---------")

	mainIDs := tree.MainlineNodeIDs()
	var prevTo *sfen.Square
	for i := 1; i < len(mainIDs); i++ {
		parent := tree.Nodes[mainIDs[i-1]]
		node := tree.Nodes[mainIDs[i]]
		body, err := notation.ToKIFBody(parent.PositionSFEN, node.MoveUSI, prevTo)
		if err != nil {
			return "", err
		}
		lines = append(lines, fmt.Sprintf("%4d %s", i, body))
		prevTo = destinationOf(tree, node.NodeID)
	}

	variationLines, err := exportVariations(tree, mainIDs, func(parentSFEN, usi string, prevTo *sfen.Square, moveNo int) (string, error) {
		body, err := notation.ToKIFBody(parentSFEN, usi, prevTo)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%4d %s", moveNo, body), nil
	})
	if err != nil {
		return "", err
	}
	lines = append(lines, variationLines...)
	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n", nil
}

// ExportKI2 renders the tree as a KI2 record: a comment line with the
// title, one ▲/△ label per line, then variation sections.
func ExportKI2(tree *gametree.Tree) (string, error) {
	title := strings.TrimSpace(tree.Title)
	if title == "" {
		title = "Untitled"
	}
	lines := []string{"*" + title, ""}

	mainIDs := tree.MainlineNodeIDs()
	var prevTo *sfen.Square
	for i := 1; i < len(mainIDs); i++ {
		parent := tree.Nodes[mainIDs[i-1]]
		node := tree.Nodes[mainIDs[i]]
		label, err := notation.ToKI2Label(parent.PositionSFEN, node.MoveUSI, prevTo)
		if err != nil {
			return "", err
		}
		lines = append(lines, label)
		prevTo = destinationOf(tree, node.NodeID)
	}

	variationLines, err := exportVariations(tree, mainIDs, func(parentSFEN, usi string, prevTo *sfen.Square, _ int) (string, error) {
		return notation.ToKI2Label(parentSFEN, usi, prevTo)
	})
	if err != nil {
		return "", err
	}
	lines = append(lines, variationLines...)
	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n", nil
}

// exportVariations walks every non-first child under a mainline node
// and renders its first-child chain as a 変化 section.
func exportVariations(tree *gametree.Tree, mainIDs []string, render func(parentSFEN, usi string, prevTo *sfen.Square, moveNo int) (string, error)) ([]string, error) {
	plyByNode := map[string]int{}
	for i, id := range mainIDs {
		plyByNode[id] = i
	}
	var lines []string
	for _, parentID := range mainIDs {
		children := tree.ChildrenOf(parentID)
		if len(children) < 2 {
			continue
		}
		for _, alt := range children[1:] {
			startPly := plyByNode[parentID] + 1
			lines = append(lines, "", fmt.Sprintf("変化：%d手", startPly))
			prevTo := destinationOf(tree, parentID)
			curParent := parentID
			cur := alt.NodeID
			moveNo := startPly
			for {
				parent := tree.Nodes[curParent]
				node := tree.Nodes[cur]
				line, err := render(parent.PositionSFEN, node.MoveUSI, prevTo, moveNo)
				if err != nil {
					return nil, err
				}
				lines = append(lines, line)
				prevTo = destinationOf(tree, cur)
				curParent = cur
				kids := tree.ChildrenOf(cur)
				if len(kids) == 0 {
					break
				}
				cur = kids[0].NodeID
				moveNo++
			}
		}
	}
	return lines, nil
}

// Export renders the tree in the named format.
func Export(tree *gametree.Tree, format string) (string, error) {
	switch format {
	case FormatUSI:
		return ExportUSI(tree)
	case FormatKIF:
		return ExportKIF(tree)
	case FormatKI2:
		return ExportKI2(tree)
	}
	return "", fmt.Errorf("unknown export format: %q", format)
}
