package asmflow

import (
	"cmp"
	"debug/elf"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// DecodeBytes disassembles raw machine code into a [Function], resolving
// relative branch targets that land on decoded instructions to local
// loc_<addr> labels; targets outside the buffer keep their hex spelling
// and surface as unresolved downstream. baseAddr is the virtual address of
// the first byte. Byte decoders exist for x86_64 and aarch64; riscv64
// functions reach the analyses through the text parsers instead.
//
// Decoding is resilient: undecodable bytes are skipped, one byte at a time
// on x86_64 and one word at a time on aarch64, so data islands inside code
// degrade coverage rather than fail it.
func DecodeBytes(code []byte, baseAddr uint64, arch string) (Function, error) {
	spec, err := Arch(arch)
	if err != nil {
		return Function{}, err
	}
	switch spec.Name() {
	case "x86_64":
		return decodeAMD64(code, baseAddr, spec), nil
	case "aarch64":
		return decodeARM64(code, baseAddr, spec), nil
	}
	return Function{}, fmt.Errorf("no byte decoder for architecture %q", arch)
}

// isENDBR reports whether b opens with ENDBR64 (f3 0f 1e fa) or ENDBR32
// (f3 0f 1e fb), which golang.org/x/arch/x86/x86asm does not recognise.
// These CET markers open functions in -fcf-protection binaries and carry
// no dataflow.
func isENDBR(b []byte) bool {
	return len(b) >= 4 && b[0] == 0xf3 && b[1] == 0x0f && b[2] == 0x1e &&
		(b[3] == 0xfa || b[3] == 0xfb)
}

func decodeAMD64(code []byte, baseAddr uint64, spec *ArchSpec) Function {
	type decoded struct {
		addr uint64
		inst x86asm.Inst
	}
	var insts []decoded

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
		insts = append(insts, decoded{addr: addr, inst: inst})
		offset += inst.Len
		addr += uint64(inst.Len)
	}

	index := make(map[uint64]int, len(insts))
	for i, d := range insts {
		index[d.addr] = i
	}

	fn := Function{
		Name:   fmt.Sprintf("sub_%x", baseAddr),
		Arch:   spec.Name(),
		Syntax: SyntaxIntel,
		Labels: make(map[string]int),
	}
	for i, d := range insts {
		mnemonic := strings.ToLower(d.inst.Op.String())
		var ops []Operand
		var texts []string
		for _, arg := range d.inst.Args {
			if arg == nil {
				break
			}
			op := amd64Operand(arg, d.addr, uint64(d.inst.Len), index, &fn)
			if op == nil {
				continue
			}
			ops = append(ops, op)
			texts = append(texts, op.String())
		}
		raw := mnemonic
		if len(texts) > 0 {
			raw += " " + strings.Join(texts, ", ")
		}
		fn.Instructions = append(fn.Instructions, Instruction{
			Line:     i + 1,
			Mnemonic: mnemonic,
			Operands: ops,
			Raw:      raw,
		})
	}
	return fn
}

// amd64Operand converts one structural decoder argument into an operand.
// Relative targets landing on a decoded instruction become loc_<addr>
// labels registered on the function; others keep their hex spelling.
func amd64Operand(arg x86asm.Arg, addr, length uint64, index map[uint64]int, fn *Function) Operand {
	switch a := arg.(type) {
	case x86asm.Reg:
		return Register{Token: strings.ToLower(a.String())}
	case x86asm.Imm:
		return Immediate{Value: int64(a), Raw: strconv.FormatInt(int64(a), 10)}
	case x86asm.Rel:
		target := addr + length + uint64(int64(a))
		if i, ok := index[target]; ok {
			name := fmt.Sprintf("loc_%x", target)
			fn.Labels[name] = i
			return LabelRef{Name: name}
		}
		return LabelRef{Name: fmt.Sprintf("0x%x", target)}
	case x86asm.Mem:
		return amd64Memory(a)
	}
	return nil
}

// amd64Memory renders a structural memory reference into the canonical
// bracket key: segment, base, index with its scale when above 1, signed
// displacement.
func amd64Memory(m x86asm.Mem) Operand {
	var b strings.Builder
	var regs []string
	b.WriteByte('[')
	if m.Segment != 0 {
		seg := strings.ToLower(m.Segment.String())
		b.WriteString(seg)
		b.WriteByte(':')
		regs = append(regs, seg)
	}
	term := false
	if m.Base != 0 {
		base := strings.ToLower(m.Base.String())
		b.WriteString(base)
		regs = append(regs, base)
		term = true
	}
	if m.Index != 0 {
		if term {
			b.WriteByte('+')
		}
		idx := strings.ToLower(m.Index.String())
		b.WriteString(idx)
		regs = append(regs, idx)
		if m.Scale > 1 {
			b.WriteByte('*')
			b.WriteString(strconv.Itoa(int(m.Scale)))
		}
		term = true
	}
	if m.Disp != 0 || !term {
		if term && m.Disp > 0 {
			b.WriteByte('+')
		}
		b.WriteString(strconv.FormatInt(m.Disp, 10))
	}
	b.WriteByte(']')
	return Memory{Key: b.String(), Regs: regs}
}

func decodeARM64(code []byte, baseAddr uint64, spec *ArchSpec) Function {
	const insnLen = 4

	type decoded struct {
		addr uint64
		inst arm64asm.Inst
	}
	var insts []decoded
	for offset := 0; offset+insnLen <= len(code); offset += insnLen {
		inst, err := arm64asm.Decode(code[offset : offset+insnLen])
		if err != nil {
			continue
		}
		insts = append(insts, decoded{addr: baseAddr + uint64(offset), inst: inst})
	}

	index := make(map[uint64]int, len(insts))
	for i, d := range insts {
		index[d.addr] = i
	}

	fn := Function{
		Name:   fmt.Sprintf("sub_%x", baseAddr),
		Arch:   spec.Name(),
		Syntax: SyntaxGNU,
		Labels: make(map[string]int),
	}

	// The arm64 decoder keeps memory operand internals unexported, so
	// instructions render to assembler text and go through the regular
	// parser.
	for i, d := range insts {
		mnemonic := strings.ToLower(d.inst.Op.String())
		var parts []string
		for _, arg := range d.inst.Args {
			if arg == nil {
				break
			}
			switch a := arg.(type) {
			case arm64asm.Cond:
				// Conditional branches decode as B plus a condition
				// argument; the textual mnemonic carries it (b.ne). On
				// every other instruction the condition is an operand
				// keyword.
				if d.inst.Op == arm64asm.B {
					mnemonic += "." + strings.ToLower(a.String())
				} else {
					parts = append(parts, strings.ToLower(a.String()))
				}
			case arm64asm.PCRel:
				target := d.addr + uint64(int64(a))
				if j, ok := index[target]; ok {
					name := fmt.Sprintf("loc_%x", target)
					fn.Labels[name] = j
					parts = append(parts, "."+name)
				} else {
					parts = append(parts, fmt.Sprintf("0x%x", target))
				}
			default:
				parts = append(parts, strings.ToLower(arg.String()))
			}
		}
		line := mnemonic
		if len(parts) > 0 {
			line += " " + strings.Join(parts, ", ")
		}
		if in, ok := ParseInstruction(line, i+1, spec, SyntaxGNU); ok {
			fn.Instructions = append(fn.Instructions, in)
		}
	}
	return fn
}

// elfText maps the ELF machine onto a built-in architecture name and
// reads the .text section.
func elfText(f *elf.File) (code []byte, addr uint64, arch string, err error) {
	switch f.Machine {
	case elf.EM_X86_64:
		arch = "x86_64"
	case elf.EM_AARCH64:
		arch = "aarch64"
	default:
		return nil, 0, "", fmt.Errorf("unsupported ELF machine: %s", f.Machine)
	}

	textSec := f.Section(".text")
	if textSec == nil {
		return nil, 0, "", fmt.Errorf("no .text section found")
	}

	code, err = textSec.Data()
	if err != nil && err != io.EOF {
		return nil, 0, "", fmt.Errorf("failed to read .text section: %w", err)
	}
	return code, textSec.Addr, arch, nil
}

// DecodeELF parses an ELF binary, finds its .text section, and decodes
// one [Function] per defined function symbol, sorted by address. The
// architecture comes from the ELF header. Stripped binaries, and binaries
// whose symbols all fall outside .text, decode as a single function named
// ".text" covering the whole section; [SplitELF] recovers finer
// boundaries for that case.
func DecodeELF(r io.ReaderAt) ([]Function, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	defer f.Close()

	code, textAddr, arch, err := elfText(f)
	if err != nil {
		return nil, err
	}

	whole := func() ([]Function, error) {
		fn, err := DecodeBytes(code, textAddr, arch)
		if err != nil {
			return nil, err
		}
		fn.Name = ".text"
		return []Function{fn}, nil
	}

	symbols, err := f.Symbols()
	if err != nil {
		return whole()
	}

	textStart := textAddr
	textEnd := textAddr + uint64(len(code))
	var funcs []elf.Symbol
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 {
			continue
		}
		if sym.Value < textStart || sym.Value >= textEnd {
			continue
		}
		funcs = append(funcs, sym)
	}
	if len(funcs) == 0 {
		return whole()
	}
	slices.SortFunc(funcs, func(a, b elf.Symbol) int {
		return cmp.Compare(a.Value, b.Value)
	})

	fns := make([]Function, 0, len(funcs))
	for _, sym := range funcs {
		lo := sym.Value - textStart
		hi := lo + sym.Size
		if hi > uint64(len(code)) {
			hi = uint64(len(code))
		}
		fn, err := DecodeBytes(code[lo:hi], sym.Value, arch)
		if err != nil {
			return nil, err
		}
		fn.Name = sym.Name
		fns = append(fns, fn)
	}
	return fns, nil
}
