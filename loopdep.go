package asmflow

// LoopCarried finds the true dependencies that cross loop iterations: for
// each back edge, the natural loop body is laid out in source order and
// conceptually unrolled twice, and a RAW whose write lands in the first
// copy and whose read lands in the second marks a value flowing over the
// back edge. Positions map back to original instruction indexes, so a
// returned edge may run backwards or point at its own instruction, meaning
// the instruction consumes its previous-iteration self.
//
// Only RAW hazards are reported across iterations; anti and output hazards
// between iterations carry no value and are left out. Edges found through
// several back edges are reported once. Warnings match those of
// [AnalyzeDependencies] for the instructions involved, each at most once.
func LoopCarried(fn Function, spec *ArchSpec, g *CFG, backEdges []Edge) ([]DependencyEdge, []Warning) {
	if len(backEdges) == 0 {
		return nil, nil
	}
	var edges []DependencyEdge
	var warnings []Warning
	syntax := effectiveSyntax(fn.Syntax, spec)

	// Effects are cached across back edges; computing them once also
	// keeps each instruction's warnings from repeating.
	effCache := make(map[int]effects)
	effectsAt := func(i int) effects {
		eff, ok := effCache[i]
		if !ok {
			eff = computeEffects(fn.Instructions[i], spec, syntax, func(w Warning) {
				warnings = append(warnings, w)
			})
			effCache[i] = eff
		}
		return eff
	}

	type carried struct {
		from, to int
		res      Resource
	}
	emitted := make(map[carried]bool)

	for _, back := range backEdges {
		var seq []int
		for _, b := range NaturalLoop(g, back) {
			blk := g.Blocks[b]
			for i := blk.First; i <= blk.Last; i++ {
				seq = append(seq, i)
			}
		}
		n := len(seq)
		if n == 0 {
			continue
		}

		// Walk two copies of the body, tracking only the last writer per
		// resource: a second-copy read served by a first-copy write is
		// carried. A second-copy write shadowing the first copy's
		// correctly kills the hazard for later reads.
		writer := make(map[Resource]int)
		for pos := 0; pos < 2*n; pos++ {
			eff := effectsAt(seq[pos%n])
			if pos >= n {
				for _, r := range eff.reads {
					w, ok := writer[r]
					if !ok || w >= n {
						continue
					}
					c := carried{from: seq[w], to: seq[pos-n], res: r}
					if emitted[c] {
						continue
					}
					emitted[c] = true
					edges = append(edges, DependencyEdge{
						From:     c.from,
						To:       c.to,
						Kind:     DepLoopCarriedRAW,
						Resource: r,
					})
				}
			}
			for _, r := range eff.writes {
				writer[r] = pos
			}
		}
	}
	return edges, warnings
}
