package asmflow

import (
	"fmt"
)

// EdgeKind classifies a control flow edge.
type EdgeKind string

// Edge kinds. [BuildCFG] emits Fallthrough and Branch; Back is the loop
// detector's reclassification of a Branch or Fallthrough that closes a
// cycle.
const (
	EdgeFallthrough EdgeKind = "fallthrough"
	EdgeBranch      EdgeKind = "branch"
	EdgeBack        EdgeKind = "back"
)

// BasicBlock is a maximal straight-line run of instructions: control
// enters only at First and leaves only after Last.
type BasicBlock struct {
	Index int `json:"index"`

	// Label names the block after a source label on its first
	// instruction when one exists, otherwise "bb_" plus the first
	// instruction index. With several labels on one instruction the
	// lexicographically smallest wins.
	Label string `json:"label"`

	// First and Last are the inclusive instruction index range of the
	// block within its function.
	First int `json:"first"`
	Last  int `json:"last"`

	// Instrs aliases the function's instruction slice. It is shared,
	// never copied.
	Instrs []Instruction `json:"-"`

	// Unreachable marks blocks no path from the entry block reaches.
	Unreachable bool `json:"unreachable,omitempty"`
}

// Edge is a directed control flow edge between two blocks of one graph,
// identified by block index.
type Edge struct {
	From int      `json:"from"`
	To   int      `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// UnresolvedTarget records a branch whose destination is not an
// instruction of the function: an external symbol, a register or memory
// indirect target, or a label past the last instruction. No edge is
// emitted for it.
type UnresolvedTarget struct {
	Block  int    `json:"block"`
	Instr  int    `json:"instr"`
	Target string `json:"target"`
}

// CFG is the control flow graph of one function. Blocks partition the
// instruction list in source order; edges connect blocks by index. A graph
// is built once by [BuildCFG] and read-only afterwards.
type CFG struct {
	FunctionName string             `json:"function,omitempty"`
	Blocks       []BasicBlock       `json:"blocks"`
	Edges        []Edge             `json:"edges"`
	Entry        int                `json:"entry"`
	Unresolved   []UnresolvedTarget `json:"unresolved,omitempty"`

	// succStart indexes Edges by source block: the out-edges of block b
	// are Edges[succStart[b]:succStart[b+1]]. Edges are grouped by source
	// with fallthrough before branch, which fixes every traversal order
	// in the package.
	succStart []int
	preds     [][]int
}

// Succs returns the out-edges of block b in deterministic order,
// fallthrough before branch. The slice aliases the graph's edge list.
func (g *CFG) Succs(b int) []Edge {
	return g.Edges[g.succStart[b]:g.succStart[b+1]]
}

// Preds returns the source blocks of the edges into block b, in edge
// order. The slice is shared and must not be modified.
func (g *CFG) Preds(b int) []int { return g.preds[b] }

// ExitBlocks returns the blocks with no outgoing edges, ascending. Blocks
// ending in a return land here, as do blocks whose only transfer went
// unresolved.
func (g *CFG) ExitBlocks() []int {
	var exits []int
	for b := range g.Blocks {
		if g.succStart[b] == g.succStart[b+1] {
			exits = append(exits, b)
		}
	}
	return exits
}

// BuildCFG partitions a function into basic blocks and connects them with
// fallthrough and branch edges.
//
// Leaders are the first instruction, every resolved branch or local call
// target, and every instruction after a jump, conditional jump, or return.
// Each block then runs from one leader to the instruction before the next.
// Block terminators map to edges as follows:
//
//   - unconditional jump: one Branch edge to the target block
//   - conditional jump: a Fallthrough edge to the next block, then a
//     Branch edge to the target block
//   - return: no edges
//   - anything else, calls included: a Fallthrough edge to the next block
//
// A branch target is the instruction's last operand. Targets that do not
// name an instruction of the function, because they are external symbols,
// register or memory indirect, or labels past the end, are recorded in
// [CFG.Unresolved] and produce no edge. Calls to unresolved targets are
// ordinary non-terminators and are not recorded.
//
// An empty function yields an empty graph with Entry -1, not an error.
// Errors are contract violations only: a nil description, or a label
// mapped outside [0, len(Instructions)].
func BuildCFG(fn Function, spec *ArchSpec) (*CFG, error) {
	if spec == nil {
		return nil, fmt.Errorf("nil architecture description")
	}
	n := len(fn.Instructions)
	for name, idx := range fn.Labels {
		if idx < 0 || idx > n {
			return nil, fmt.Errorf("label %q maps to instruction %d, outside the function body", name, idx)
		}
	}

	g := &CFG{FunctionName: fn.Name, Entry: -1}
	if n == 0 {
		g.succStart = []int{0}
		return g, nil
	}
	g.Entry = 0

	// localTarget resolves an instruction's branch target, its last
	// operand, to an instruction index inside the body. A label mapping
	// to len(Instructions) names the end of the function, not an
	// instruction, and stays unresolved.
	localTarget := func(in Instruction) (int, bool) {
		if len(in.Operands) == 0 {
			return 0, false
		}
		ref, ok := in.Operands[len(in.Operands)-1].(LabelRef)
		if !ok {
			return 0, false
		}
		idx, ok := fn.Labels[ref.Name]
		return idx, ok && idx < n
	}

	isLeader := make([]bool, n)
	isLeader[0] = true
	for i, in := range fn.Instructions {
		ctl := spec.Control(in.Mnemonic)
		if ctl == ControlNone {
			continue
		}
		if ctl != ControlReturn {
			if idx, ok := localTarget(in); ok {
				isLeader[idx] = true
			}
		}
		if ctl != ControlCall && i+1 < n {
			isLeader[i+1] = true
		}
	}

	// Name blocks after source labels where possible.
	labelOf := make(map[int]string, len(fn.Labels))
	for name, idx := range fn.Labels {
		if idx >= n || !isLeader[idx] {
			continue
		}
		if cur, ok := labelOf[idx]; !ok || name < cur {
			labelOf[idx] = name
		}
	}

	var leaders []int
	for i, l := range isLeader {
		if l {
			leaders = append(leaders, i)
		}
	}
	g.Blocks = make([]BasicBlock, len(leaders))
	blockOf := make([]int, n)
	for b, first := range leaders {
		last := n - 1
		if b+1 < len(leaders) {
			last = leaders[b+1] - 1
		}
		label, ok := labelOf[first]
		if !ok {
			label = fmt.Sprintf("bb_%d", first)
		}
		g.Blocks[b] = BasicBlock{
			Index:  b,
			Label:  label,
			First:  first,
			Last:   last,
			Instrs: fn.Instructions[first : last+1],
		}
		for i := first; i <= last; i++ {
			blockOf[i] = b
		}
	}

	for b := range g.Blocks {
		last := g.Blocks[b].Last
		in := fn.Instructions[last]
		switch ctl := spec.Control(in.Mnemonic); ctl {
		case ControlJump, ControlCondJump:
			if ctl == ControlCondJump && last+1 < n {
				g.Edges = append(g.Edges, Edge{From: b, To: blockOf[last+1], Kind: EdgeFallthrough})
			}
			if idx, ok := localTarget(in); ok {
				g.Edges = append(g.Edges, Edge{From: b, To: blockOf[idx], Kind: EdgeBranch})
			} else if len(in.Operands) > 0 {
				g.Unresolved = append(g.Unresolved, UnresolvedTarget{
					Block:  b,
					Instr:  last,
					Target: in.Operands[len(in.Operands)-1].String(),
				})
			}
		case ControlReturn:
		default:
			if last+1 < n {
				g.Edges = append(g.Edges, Edge{From: b, To: blockOf[last+1], Kind: EdgeFallthrough})
			}
		}
	}

	// Successor ranges: edges were appended in ascending source block
	// order, so one walk fixes the group boundaries.
	g.succStart = make([]int, len(g.Blocks)+1)
	e := 0
	for b := range g.Blocks {
		g.succStart[b] = e
		for e < len(g.Edges) && g.Edges[e].From == b {
			e++
		}
	}
	g.succStart[len(g.Blocks)] = e

	g.preds = make([][]int, len(g.Blocks))
	for _, e := range g.Edges {
		g.preds[e.To] = append(g.preds[e.To], e.From)
	}

	reached := make([]bool, len(g.Blocks))
	reached[g.Entry] = true
	stack := []int{g.Entry}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.Succs(b) {
			if !reached[e.To] {
				reached[e.To] = true
				stack = append(stack, e.To)
			}
		}
	}
	for b := range g.Blocks {
		g.Blocks[b].Unreachable = !reached[b]
	}

	return g, nil
}
