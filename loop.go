package asmflow

// dfsFrame is one explicit depth-first search stack entry: a block and a
// cursor into its successor edges.
type dfsFrame struct {
	block int
	next  int
}

// DetectBackEdges finds the loop-closing edges of a graph: a depth-first
// search from the entry marks an edge as a back edge when its target is on
// the current search stack, the target being an ancestor still open, with
// self loops included. Returned edges carry [EdgeBack] and appear in
// discovery order, which the fixed successor order makes deterministic.
//
// The search does not mutate the graph and never visits unreachable
// blocks, so those contribute no back edges.
func DetectBackEdges(g *CFG) []Edge {
	if g.Entry < 0 {
		return nil
	}
	seen := make([]bool, len(g.Blocks))
	active := make([]bool, len(g.Blocks))
	var back []Edge

	stack := []dfsFrame{{block: g.Entry}}
	seen[g.Entry] = true
	active[g.Entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := g.Succs(top.block)
		if top.next >= len(succs) {
			active[top.block] = false
			stack = stack[:len(stack)-1]
			continue
		}
		e := succs[top.next]
		top.next++
		switch {
		case active[e.To]:
			back = append(back, Edge{From: e.From, To: e.To, Kind: EdgeBack})
		case !seen[e.To]:
			seen[e.To] = true
			active[e.To] = true
			stack = append(stack, dfsFrame{block: e.To})
		}
	}
	return back
}

// NaturalLoop returns the body of the loop a back edge closes: the header
// (the edge's target) plus every block that reaches the edge's source
// without passing through the header, found by walking predecessor edges
// backwards from the source. Block indexes come back ascending. A self
// loop yields just its one block.
func NaturalLoop(g *CFG, back Edge) []int {
	in := make([]bool, len(g.Blocks))
	in[back.To] = true
	if !in[back.From] {
		in[back.From] = true
		stack := []int{back.From}
		for len(stack) > 0 {
			b := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, p := range g.Preds(b) {
				if !in[p] {
					in[p] = true
					stack = append(stack, p)
				}
			}
		}
	}
	var loop []int
	for b, ok := range in {
		if ok {
			loop = append(loop, b)
		}
	}
	return loop
}

// ClassifyEdges merges back edge information into a per-edge kind view
// parallel to g.Edges: edges matching a back edge by endpoints report
// [EdgeBack], the rest keep their structural kind.
func ClassifyEdges(g *CFG, backEdges []Edge) []EdgeKind {
	back := make(map[[2]int]bool, len(backEdges))
	for _, e := range backEdges {
		back[[2]int{e.From, e.To}] = true
	}
	kinds := make([]EdgeKind, len(g.Edges))
	for i, e := range g.Edges {
		if back[[2]int{e.From, e.To}] {
			kinds[i] = EdgeBack
		} else {
			kinds[i] = e.Kind
		}
	}
	return kinds
}
