package asmflow

import "fmt"

// Summary aggregates the dependency edges of one analysis:
// per-kind counts plus the edges-per-instruction ratio.
type Summary struct {
	RAW            int     `json:"raw"`
	WAW            int     `json:"waw"`
	WAR            int     `json:"war"`
	LoopCarried    int     `json:"loop_carried"`
	PerInstruction float64 `json:"per_instruction"`
}

// Analysis is the combined structural recovery result for one function: its
// control flow graph, the loop back edges, the per-edge kind view, the
// dependency edges with the sequential hazards first and the loop-carried
// ones after, and every warning raised along the way, deduplicated. The
// value is a read-only snapshot and marshals to JSON as the tool output.
type Analysis struct {
	Function  string           `json:"function,omitempty"`
	Arch      string           `json:"arch,omitempty"`
	CFG       *CFG             `json:"cfg"`
	BackEdges []Edge           `json:"back_edges,omitempty"`
	EdgeKinds []EdgeKind       `json:"edge_kinds,omitempty"`
	Deps      []DependencyEdge `json:"deps,omitempty"`
	Summary   Summary          `json:"summary"`
	Warnings  []Warning        `json:"warnings,omitempty"`
}

// Analyze runs the whole pipeline over one function: [BuildCFG], then
// [DetectBackEdges] and [ClassifyEdges], then [AnalyzeDependencies] and
// [LoopCarried]. It runs to completion synchronously, spawns nothing, and
// performs no I/O; degraded inputs surface as warnings on the result
// rather than errors. Errors are [BuildCFG] contract violations only.
//
// Functions are independent: callers may analyze many concurrently while
// sharing one description.
func Analyze(fn Function, spec *ArchSpec) (*Analysis, error) {
	g, err := BuildCFG(fn, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to build control flow graph: %w", err)
	}
	backs := DetectBackEdges(g)
	deps, warnings := AnalyzeDependencies(fn, spec)
	carried, cw := LoopCarried(fn, spec, g, backs)
	warnings = append(warnings, cw...)
	for _, u := range g.Unresolved {
		warnings = append(warnings, Warning{
			Kind:    WarnUnresolvedTarget,
			Line:    fn.Instructions[u.Instr].Line,
			Subject: u.Target,
		})
	}

	arch := fn.Arch
	if arch == "" {
		arch = spec.Name()
	}
	a := &Analysis{
		Function:  fn.Name,
		Arch:      arch,
		CFG:       g,
		BackEdges: backs,
		EdgeKinds: ClassifyEdges(g, backs),
		Deps:      append(deps, carried...),
		Warnings:  dedupeWarnings(warnings),
	}
	for _, d := range a.Deps {
		switch d.Kind {
		case DepRAW:
			a.Summary.RAW++
		case DepWAW:
			a.Summary.WAW++
		case DepWAR:
			a.Summary.WAR++
		case DepLoopCarriedRAW:
			a.Summary.LoopCarried++
		}
	}
	if n := len(fn.Instructions); n > 0 {
		a.Summary.PerInstruction = float64(len(a.Deps)) / float64(n)
	}
	return a, nil
}

// dedupeWarnings drops repeated warnings, keeping first-occurrence order.
// The same token or mnemonic warns once per line, not once per analysis
// stage that trips over it.
func dedupeWarnings(ws []Warning) []Warning {
	if len(ws) == 0 {
		return nil
	}
	seen := make(map[Warning]bool, len(ws))
	var out []Warning
	for _, w := range ws {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}
