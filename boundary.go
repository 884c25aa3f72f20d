package asmflow

import (
	"cmp"
	"debug/elf"
	"fmt"
	"io"
	"slices"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// PrologueKind names the instruction idiom that opens a function.
type PrologueKind string

const (
	// PrologueFramePointer is the x86-64 push rbp; mov rbp, rsp pair.
	PrologueFramePointer PrologueKind = "frame-pointer"
	// PrologueFramePair is the arm64 stp x29, x30, [sp, #-n]! spill.
	PrologueFramePair PrologueKind = "frame-pair"
	// ProloguePushOnly is a callee-saved push directly behind a boundary.
	ProloguePushOnly PrologueKind = "push-only"
	// PrologueStackAlloc is a bare stack adjustment directly behind a
	// boundary.
	PrologueStackAlloc PrologueKind = "stack-alloc"
)

// Prologue is a detected function-opening instruction sequence.
type Prologue struct {
	Addr uint64       `json:"addr"`
	Kind PrologueKind `json:"kind"`
	Text string       `json:"text"`
}

// CallSiteKind distinguishes linking calls from plain jumps.
type CallSiteKind string

// Recognized call site kinds.
const (
	CallSiteCall CallSiteKind = "call"
	CallSiteJump CallSiteKind = "jump"
)

// AddressingMode records how a call site names its target.
type AddressingMode string

// Recognized addressing modes.
const (
	AddressingPCRelative       AddressingMode = "pc-relative"
	AddressingAbsolute         AddressingMode = "absolute"
	AddressingRegisterIndirect AddressingMode = "register-indirect"
)

// Confidence grades function-boundary evidence.
type Confidence string

// Confidence levels, strongest first.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// CallSite is a decoded call or jump whose target may open a function.
// Target is meaningful only when Mode is not register-indirect.
type CallSite struct {
	Source     uint64         `json:"source"`
	Target     uint64         `json:"target,omitempty"`
	Kind       CallSiteKind   `json:"kind"`
	Mode       AddressingMode `json:"mode"`
	Confidence Confidence     `json:"confidence"`
}

// DetectPrologues scans raw machine code for function-opening idioms.
// baseAddr is the virtual address of the first byte. Prologue patterns
// are boundary evidence, not proof: the push-only and stack-alloc forms
// fire only at the start of the buffer or directly behind a ret, while
// the frame-pointer and frame-pair forms are distinctive enough to fire
// anywhere.
func DetectPrologues(code []byte, baseAddr uint64, arch string) ([]Prologue, error) {
	spec, err := Arch(arch)
	if err != nil {
		return nil, err
	}
	switch spec.Name() {
	case "x86_64":
		return prologuesAMD64(code, baseAddr), nil
	case "aarch64":
		return prologuesARM64(code, baseAddr), nil
	}
	return nil, fmt.Errorf("no byte decoder for architecture %q", arch)
}

func prologuesAMD64(code []byte, baseAddr uint64) []Prologue {
	calleeSaved := map[x86asm.Reg]bool{
		x86asm.RBP: true, x86asm.RBX: true,
		x86asm.R12: true, x86asm.R13: true,
		x86asm.R14: true, x86asm.R15: true,
	}

	var result []Prologue
	offset := 0
	addr := baseAddr
	var prev *x86asm.Inst
	atBoundary := func() bool { return prev == nil || prev.Op == x86asm.RET }

	for offset < len(code) {
		if isENDBR(code[offset:]) {
			offset += 4
			addr += 4
			continue
		}
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			offset++
			addr++
			prev = nil
			continue
		}

		switch {
		// push rbp; mov rbp, rsp: the full frame-pointer setup. When the
		// push already fired as push-only, the pair upgrades it in place.
		case prev != nil && prev.Op == x86asm.PUSH && prev.Args[0] == x86asm.RBP &&
			inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP:
			p := Prologue{
				Addr: addr - uint64(prev.Len),
				Kind: PrologueFramePointer,
				Text: "push rbp; mov rbp, rsp",
			}
			if n := len(result); n > 0 && result[n-1].Addr == p.Addr {
				result[n-1] = p
			} else {
				result = append(result, p)
			}

		case inst.Op == x86asm.PUSH && atBoundary():
			if r, ok := inst.Args[0].(x86asm.Reg); ok && calleeSaved[r] {
				result = append(result, Prologue{
					Addr: addr,
					Kind: ProloguePushOnly,
					Text: "push " + strings.ToLower(r.String()),
				})
			}

		case inst.Op == x86asm.SUB && inst.Args[0] == x86asm.RSP && atBoundary():
			if imm, ok := inst.Args[1].(x86asm.Imm); ok && imm > 0 {
				result = append(result, Prologue{
					Addr: addr,
					Kind: PrologueStackAlloc,
					Text: fmt.Sprintf("sub rsp, %#x", int64(imm)),
				})
			}

		// lea rsp, [rsp-n] allocates without touching flags; some
		// hand-written assembly opens with it.
		case inst.Op == x86asm.LEA && inst.Args[0] == x86asm.RSP && atBoundary():
			if m, ok := inst.Args[1].(x86asm.Mem); ok && m.Base == x86asm.RSP && m.Index == 0 && m.Disp < 0 {
				result = append(result, Prologue{
					Addr: addr,
					Kind: PrologueStackAlloc,
					Text: fmt.Sprintf("lea rsp, [rsp%+#x]", m.Disp),
				})
			}
		}

		prev = &inst
		offset += inst.Len
		addr += uint64(inst.Len)
	}
	return result
}

func prologuesARM64(code []byte, baseAddr uint64) []Prologue {
	const insnLen = 4

	var result []Prologue
	boundary := true
	for offset := 0; offset+insnLen <= len(code); offset += insnLen {
		inst, err := arm64asm.Decode(code[offset : offset+insnLen])
		if err != nil {
			boundary = true
			continue
		}
		addr := baseAddr + uint64(offset)

		switch inst.Op {
		case arm64asm.STP:
			// stp x29, x30, [sp, #-n]!: frame pointer and link register
			// spilled in one pre-indexed pair.
			if m, ok := inst.Args[2].(arm64asm.MemImmediate); ok &&
				inst.Args[0] == arm64asm.X29 && inst.Args[1] == arm64asm.X30 &&
				arm64asm.Reg(m.Base) == arm64asm.SP && m.Mode == arm64asm.AddrPreIndex {
				result = append(result, Prologue{
					Addr: addr,
					Kind: PrologueFramePair,
					Text: "stp x29, x30, " + strings.ToLower(m.String()),
				})
			}
		case arm64asm.SUB:
			if rd, ok := inst.Args[0].(arm64asm.RegSP); ok &&
				arm64asm.Reg(rd) == arm64asm.SP && boundary {
				result = append(result, Prologue{
					Addr: addr,
					Kind: PrologueStackAlloc,
					Text: "sub sp, sp, " + strings.ToLower(inst.Args[2].String()),
				})
			}
		}

		boundary = inst.Op == arm64asm.RET
	}
	return result
}

// DetectCallSites decodes call and unconditional jump instructions and
// resolves their targets where the encoding allows it. Conditional
// branches rate low confidence: they are usually intra-function edges.
// Register-indirect targets stay unresolved with confidence none.
func DetectCallSites(code []byte, baseAddr uint64, arch string) ([]CallSite, error) {
	spec, err := Arch(arch)
	if err != nil {
		return nil, err
	}
	switch spec.Name() {
	case "x86_64":
		return callSitesAMD64(code, baseAddr), nil
	case "aarch64":
		return callSitesARM64(code, baseAddr), nil
	}
	return nil, fmt.Errorf("no byte decoder for architecture %q", arch)
}

func callSitesAMD64(code []byte, baseAddr uint64) []CallSite {
	var result []CallSite

	offset := 0
	addr := baseAddr
	for offset < len(code) {
		if isENDBR(code[offset:]) {
			offset += 4
			addr += 4
			continue
		}
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			offset++
			addr++
			continue
		}

		switch inst.Op {
		case x86asm.CALL:
			if s, ok := amd64CallSite(inst, addr, CallSiteCall, ConfidenceHigh); ok {
				result = append(result, s)
			}
		case x86asm.JMP:
			// Conditional jumps decode to their own ops (JNE, JL, ...), so
			// JMP is always unconditional: a tail-call candidate.
			if s, ok := amd64CallSite(inst, addr, CallSiteJump, ConfidenceMedium); ok {
				result = append(result, s)
			}
		}

		offset += inst.Len
		addr += uint64(inst.Len)
	}
	return result
}

// amd64CallSite resolves the target operand of a CALL or JMP. PC-relative
// and absolute targets resolve exactly. A [rip+disp] target resolves to
// the slot address and rates medium regardless of the instruction: the
// slot usually lives in the GOT, outside any text range a caller will
// accept. Register and register-based memory targets stay unresolved.
func amd64CallSite(inst x86asm.Inst, addr uint64, kind CallSiteKind, conf Confidence) (CallSite, bool) {
	s := CallSite{Source: addr, Kind: kind}
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		s.Target = addr + uint64(inst.Len) + uint64(int64(arg))
		s.Mode = AddressingPCRelative
		s.Confidence = conf
	case x86asm.Mem:
		switch {
		case arg.Base == x86asm.RIP && arg.Index == 0:
			s.Target = addr + uint64(inst.Len) + uint64(arg.Disp)
			s.Mode = AddressingPCRelative
			s.Confidence = ConfidenceMedium
		case arg.Base == 0 && arg.Index == 0:
			s.Target = uint64(arg.Disp)
			s.Mode = AddressingAbsolute
			s.Confidence = conf
		default:
			s.Mode = AddressingRegisterIndirect
			s.Confidence = ConfidenceNone
		}
	case x86asm.Reg:
		s.Mode = AddressingRegisterIndirect
		s.Confidence = ConfidenceNone
	default:
		return CallSite{}, false
	}
	return s, true
}

func callSitesARM64(code []byte, baseAddr uint64) []CallSite {
	const insnLen = 4

	var result []CallSite
	for offset := 0; offset+insnLen <= len(code); offset += insnLen {
		inst, err := arm64asm.Decode(code[offset : offset+insnLen])
		if err != nil {
			continue
		}
		addr := baseAddr + uint64(offset)

		switch inst.Op {
		case arm64asm.BL:
			if s, ok := arm64CallSite(inst, addr, CallSiteCall, ConfidenceHigh); ok {
				result = append(result, s)
			}
		case arm64asm.B:
			// B with a condition argument is b.cond, almost always an
			// intra-function edge. Bare B may be a tail call.
			conf := ConfidenceMedium
			for _, arg := range inst.Args {
				if _, ok := arg.(arm64asm.Cond); ok {
					conf = ConfidenceLow
					break
				}
			}
			if s, ok := arm64CallSite(inst, addr, CallSiteJump, conf); ok {
				result = append(result, s)
			}
		case arm64asm.BR, arm64asm.BLR:
			kind := CallSiteJump
			if inst.Op == arm64asm.BLR {
				kind = CallSiteCall
			}
			result = append(result, CallSite{
				Source:     addr,
				Kind:       kind,
				Mode:       AddressingRegisterIndirect,
				Confidence: ConfidenceNone,
			})
		}
	}
	return result
}

// arm64CallSite resolves the PC-relative target of a BL or B. The offset
// argument follows the condition on b.cond, so every argument is checked.
func arm64CallSite(inst arm64asm.Inst, addr uint64, kind CallSiteKind, conf Confidence) (CallSite, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(arm64asm.PCRel); ok {
			return CallSite{
				Source:     addr,
				Target:     addr + uint64(int64(rel)),
				Kind:       kind,
				Mode:       AddressingPCRelative,
				Confidence: conf,
			}, true
		}
	}
	return CallSite{}, false
}

// EntrySignal records which evidence produced an entry point.
type EntrySignal string

// Recognized entry-point signals.
const (
	EntryPrologue   EntrySignal = "prologue"
	EntryCallTarget EntrySignal = "call-target"
	EntryJumpTarget EntrySignal = "jump-target"
	// EntryConverged marks addresses backed by both a prologue and at
	// least one incoming call or jump.
	EntryConverged EntrySignal = "converged"
)

// EntryPoint is a candidate function start in a stripped text section.
type EntryPoint struct {
	Addr       uint64       `json:"addr"`
	Signal     EntrySignal  `json:"signal"`
	Prologue   PrologueKind `json:"prologue,omitempty"`
	CalledFrom []uint64     `json:"called_from,omitempty"`
	JumpedFrom []uint64     `json:"jumped_from,omitempty"`
	Confidence Confidence   `json:"confidence"`
}

// DetectEntryPoints fuses prologue detection with call-site analysis over
// a raw text section. Addresses backed by both signals rate high,
// addresses backed by one rate medium. Call sites vote only when they
// resolve inside the buffer with at least medium confidence, so
// conditional branches and GOT slots never mint entry points. Results are
// sorted by address.
func DetectEntryPoints(code []byte, baseAddr uint64, arch string) ([]EntryPoint, error) {
	prologues, err := DetectPrologues(code, baseAddr, arch)
	if err != nil {
		return nil, err
	}
	sites, err := DetectCallSites(code, baseAddr, arch)
	if err != nil {
		return nil, err
	}

	entries := make(map[uint64]*EntryPoint)
	for _, p := range prologues {
		entries[p.Addr] = &EntryPoint{
			Addr:       p.Addr,
			Signal:     EntryPrologue,
			Prologue:   p.Kind,
			Confidence: ConfidenceMedium,
		}
	}

	end := baseAddr + uint64(len(code))
	for _, s := range sites {
		if s.Confidence != ConfidenceHigh && s.Confidence != ConfidenceMedium {
			continue
		}
		if s.Target < baseAddr || s.Target >= end {
			continue
		}
		e, ok := entries[s.Target]
		if !ok {
			signal := EntryCallTarget
			if s.Kind == CallSiteJump {
				signal = EntryJumpTarget
			}
			e = &EntryPoint{Addr: s.Target, Signal: signal, Confidence: ConfidenceMedium}
			entries[s.Target] = e
		} else if e.Prologue != "" {
			e.Signal = EntryConverged
			e.Confidence = ConfidenceHigh
		}
		if s.Kind == CallSiteCall {
			e.CalledFrom = append(e.CalledFrom, s.Source)
		} else {
			e.JumpedFrom = append(e.JumpedFrom, s.Source)
		}
	}

	result := make([]EntryPoint, 0, len(entries))
	for _, e := range entries {
		result = append(result, *e)
	}
	slices.SortFunc(result, func(a, b EntryPoint) int {
		return cmp.Compare(a.Addr, b.Addr)
	})
	return result, nil
}

// SplitFunctions recovers per-function decode units from a stripped text
// section: entry points become boundaries and every boundary-to-boundary
// range decodes through [DecodeBytes]. Jump-target-only entries do not
// split, since an unconditional jump to a loop head inside one function
// is indistinguishable from a tail call. Code before the first boundary
// forms the leading function; with no boundary evidence at all the whole
// buffer decodes as one function.
func SplitFunctions(code []byte, baseAddr uint64, arch string) ([]Function, error) {
	entries, err := DetectEntryPoints(code, baseAddr, arch)
	if err != nil {
		return nil, err
	}

	bounds := []uint64{baseAddr}
	for _, e := range entries {
		if e.Signal == EntryJumpTarget {
			continue
		}
		if e.Addr != bounds[len(bounds)-1] {
			bounds = append(bounds, e.Addr)
		}
	}

	fns := make([]Function, 0, len(bounds))
	end := baseAddr + uint64(len(code))
	for i, lo := range bounds {
		hi := end
		if i+1 < len(bounds) {
			hi = bounds[i+1]
		}
		fn, err := DecodeBytes(code[lo-baseAddr:hi-baseAddr], lo, arch)
		if err != nil {
			return nil, err
		}
		fns = append(fns, fn)
	}
	return fns, nil
}

// SplitELF decodes a stripped ELF binary along recovered function
// boundaries. Binaries that still carry symbols decode with exact ranges
// through [DecodeELF]; this entry point exists for the stripped case.
func SplitELF(r io.ReaderAt) ([]Function, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	defer f.Close()

	code, addr, arch, err := elfText(f)
	if err != nil {
		return nil, err
	}
	return SplitFunctions(code, addr, arch)
}
