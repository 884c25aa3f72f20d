package asmflow

// ResourceKind distinguishes the two resource namespaces dependencies are
// tracked over.
type ResourceKind string

// Resource kinds.
const (
	ResourceRegister ResourceKind = "register"
	ResourceMemory   ResourceKind = "memory"
)

// Resource is one dependency-tracked storage location: a physical register
// family under its canonical name (rax, never eax), or a memory operand
// under its normalized textual key ([rax+8]). Memory keys alias only when
// textually equal; [rax] and [rbx+rax] are distinct resources even when
// they overlap at run time.
type Resource struct {
	Kind ResourceKind `json:"kind"`
	Name string       `json:"name"`
}

func (r Resource) String() string { return r.Name }

// DepKind is the hazard kind of a dependency edge.
type DepKind string

// Dependency kinds.
const (
	// DepRAW is a true dependency: From writes a resource To reads.
	DepRAW DepKind = "raw"

	// DepWAW is an output dependency: From and To write the same resource.
	DepWAW DepKind = "waw"

	// DepWAR is an anti dependency: From reads a resource To overwrites.
	DepWAR DepKind = "war"

	// DepLoopCarriedRAW is a true dependency whose value crosses a loop
	// back edge into the next iteration.
	DepLoopCarriedRAW DepKind = "loop-carried-raw"
)

// DependencyEdge relates two instructions through one resource. From and
// To are 0-based indexes into the function's instruction list, From being
// the earlier instruction in the hazard: the writer of a RAW, the reader
// of a WAR, the first writer of a WAW. A loop-carried edge may have
// From >= To, the pair reading as "this iteration's From feeds the next
// iteration's To"; From == To is an instruction feeding itself across
// iterations.
type DependencyEdge struct {
	From     int      `json:"from"`
	To       int      `json:"to"`
	Kind     DepKind  `json:"kind"`
	Resource Resource `json:"resource"`
}

// effects is the resource footprint of one instruction: the resources it
// reads and writes, each in first-occurrence order without duplicates.
type effects struct {
	reads  []Resource
	writes []Resource
}

func appendResource(list []Resource, r Resource) []Resource {
	for _, have := range list {
		if have == r {
			return list
		}
	}
	return append(list, r)
}

// effectiveSyntax picks the function's stated notation, falling back to
// the description's native one.
func effectiveSyntax(s Syntax, spec *ArchSpec) Syntax {
	if s != "" {
		return s
	}
	return spec.Syntax()
}

// splitDest separates the destination operand from the sources. AT&T
// notation writes the last operand, the other notations the first.
func splitDest(ops []Operand, syntax Syntax) (Operand, []Operand) {
	if len(ops) == 0 {
		return nil, nil
	}
	if syntax == SyntaxATT {
		return ops[len(ops)-1], ops[:len(ops)-1]
	}
	return ops[0], ops[1:]
}

// computeEffects derives the reads and writes of one instruction from its
// dataflow category, its operands relative to the syntax's destination
// slot, and the description's implicit register sets. Register tokens the
// description does not know produce a warning and are skipped; unknown
// mnemonics warn and fall back to reading every operand and writing the
// destination slot.
func computeEffects(in Instruction, spec *ArchSpec, syntax Syntax, warn func(Warning)) effects {
	var eff effects

	regResource := func(token string) (Resource, bool) {
		reg, err := spec.Normalize(token)
		if err != nil {
			warn(Warning{Kind: WarnUnknownRegister, Line: in.Line, Subject: token})
			return Resource{}, false
		}
		return Resource{Kind: ResourceRegister, Name: reg.Phys}, true
	}
	readReg := func(token string) {
		if r, ok := regResource(token); ok {
			eff.reads = appendResource(eff.reads, r)
		}
	}
	// readAddr reads a memory operand's address registers and mask, not
	// its memory key. The registers were filtered against the description
	// at parse time, so no warnings arise here.
	readAddr := func(m Memory) {
		for _, tok := range m.Regs {
			if r, ok := regResource(tok); ok {
				eff.reads = appendResource(eff.reads, r)
			}
		}
		if m.Mask != "" {
			readReg(m.Mask)
		}
	}
	readOp := func(op Operand, withMemory bool) {
		switch t := op.(type) {
		case Register:
			if t.Mask != "" {
				readReg(t.Mask)
			}
			readReg(t.Token)
		case Memory:
			readAddr(t)
			if withMemory {
				eff.reads = appendResource(eff.reads, Resource{Kind: ResourceMemory, Name: t.Key})
			}
		}
		// Immediates and label references carry no dataflow.
	}
	writeOp := func(op Operand) {
		switch t := op.(type) {
		case Register:
			if t.Mask != "" {
				// A masked write keeps the unselected lanes, so the mask
				// and the previous destination value are inputs.
				readReg(t.Mask)
				readReg(t.Token)
			}
			if r, ok := regResource(t.Token); ok {
				eff.writes = appendResource(eff.writes, r)
			}
		case Memory:
			readAddr(t)
			if t.Mask != "" {
				eff.reads = appendResource(eff.reads, Resource{Kind: ResourceMemory, Name: t.Key})
			}
			eff.writes = appendResource(eff.writes, Resource{Kind: ResourceMemory, Name: t.Key})
		}
	}

	dest, srcs := splitDest(in.Operands, syntax)

	switch {
	case spec.Behavior(in.Mnemonic) == behaviorAddressOnly:
		// lea and adr compute an address without touching memory: the
		// address registers are read, no memory resource exists.
		for _, op := range srcs {
			readOp(op, false)
		}
		writeOp(dest)
	default:
		switch class := spec.Classify(in.Mnemonic); class {
		case ClassReadWrite:
			for _, op := range srcs {
				readOp(op, true)
			}
			writeOp(dest)
		case ClassReadOnly:
			for _, op := range in.Operands {
				readOp(op, true)
			}
		case ClassJump:
			// Branch targets carry no dataflow; indirect targets still
			// read their registers.
			for _, op := range in.Operands {
				readOp(op, false)
			}
		case ClassReadModifyWrite:
			for _, op := range srcs {
				readOp(op, true)
			}
			readOp(dest, true)
			writeOp(dest)
		case ClassExchange:
			for _, op := range in.Operands {
				readOp(op, true)
			}
			for _, op := range in.Operands {
				writeOp(op)
			}
		case ClassWriteOnly:
			writeOp(dest)
		case ClassStore:
			// Store forms keep the data register in the destination slot;
			// the memory operand is the written one wherever it appears.
			for _, op := range in.Operands {
				if _, ok := op.(Memory); ok {
					writeOp(op)
				} else {
					readOp(op, false)
				}
			}
		case ClassLoadPair:
			for i, op := range in.Operands {
				if i < 2 {
					writeOp(op)
				} else {
					readOp(op, true)
				}
			}
		default:
			warn(Warning{Kind: WarnUnknownMnemonic, Line: in.Line, Subject: in.Mnemonic})
			for _, op := range in.Operands {
				readOp(op, true)
			}
			writeOp(dest)
		}
	}

	impReads, impWrites := spec.Implicit(in.Mnemonic)
	for _, name := range impReads {
		eff.reads = appendResource(eff.reads, Resource{Kind: ResourceRegister, Name: name})
	}
	for _, name := range impWrites {
		eff.writes = appendResource(eff.writes, Resource{Kind: ResourceRegister, Name: name})
	}
	return eff
}

// AnalyzeDependencies finds the data hazards of a straight instruction
// sequence: RAW edges from each live write to its readers, WAR edges from
// those readers to the next write, WAW edges between consecutive writes of
// one resource. Control flow is ignored; indexes relate instructions in
// list order. One forward pass tracks, per resource, the last writer and
// the readers since: a read emits a RAW from the live writer and joins the
// reader set, a write emits a WAR per live reader and a WAW from the live
// writer, then resets both.
//
// Edges come back grouped by the later instruction in list order, reads
// before writes, resources in each instruction's stable effect order, so
// identical input yields identical output. Warnings report skipped
// register tokens and conservatively handled mnemonics; the analysis never
// fails.
func AnalyzeDependencies(fn Function, spec *ArchSpec) ([]DependencyEdge, []Warning) {
	var edges []DependencyEdge
	var warnings []Warning
	syntax := effectiveSyntax(fn.Syntax, spec)

	type state struct {
		writer  int
		readers []int
	}
	last := make(map[Resource]*state)
	get := func(r Resource) *state {
		s, ok := last[r]
		if !ok {
			s = &state{writer: -1}
			last[r] = s
		}
		return s
	}

	for i := range fn.Instructions {
		eff := computeEffects(fn.Instructions[i], spec, syntax, func(w Warning) {
			warnings = append(warnings, w)
		})
		for _, r := range eff.reads {
			s := get(r)
			if s.writer >= 0 {
				edges = append(edges, DependencyEdge{From: s.writer, To: i, Kind: DepRAW, Resource: r})
			}
			s.readers = append(s.readers, i)
		}
		for _, r := range eff.writes {
			s := get(r)
			for _, rd := range s.readers {
				// An instruction reading its own destination is not a
				// hazard against itself.
				if rd != i {
					edges = append(edges, DependencyEdge{From: rd, To: i, Kind: DepWAR, Resource: r})
				}
			}
			if s.writer >= 0 {
				edges = append(edges, DependencyEdge{From: s.writer, To: i, Kind: DepWAW, Resource: r})
			}
			s.writer = i
			s.readers = s.readers[:0]
		}
	}
	return edges, warnings
}
