package asmflow

// Syntax identifies the operand notation family of an instruction listing.
type Syntax string

// Recognized syntax families. The family decides the destination operand
// slot: AT&T writes the last operand, the others write the first.
const (
	// SyntaxIntel is destination-first x86 notation with bracketed memory
	// operands (objdump -M intel, MSVC listings).
	SyntaxIntel Syntax = "intel"

	// SyntaxATT is destination-last x86 notation with %-prefixed registers,
	// $-prefixed immediates, and parenthesized memory operands (GNU as
	// default).
	SyntaxATT Syntax = "att"

	// SyntaxGNU is the destination-first notation the GNU assembler uses on
	// arm64 and riscv64.
	SyntaxGNU Syntax = "gnu"
)

// Instruction is a single decoded instruction.
type Instruction struct {
	// Line is the 1-based line of the instruction in its source listing,
	// or its 1-based decode position for byte-derived functions.
	Line int `json:"line"`

	// Mnemonic is the lowercased operation name, such as "mov" or "b.ne".
	Mnemonic string `json:"mnemonic"`

	// Operands are the parsed operands in written order.
	Operands []Operand `json:"-"`

	// Raw is the instruction text as written, trimmed.
	Raw string `json:"raw"`
}

// Function is an ordered instruction sequence with resolved local labels.
// It is the unit of analysis: [BuildCFG], [AnalyzeDependencies], and
// [Analyze] each consume one Function.
type Function struct {
	Name string `json:"name,omitempty"`

	// Arch names the instruction set the function was parsed or decoded
	// for, such as "x86_64" or "aarch64".
	Arch string `json:"arch,omitempty"`

	// Syntax is the operand notation of the instructions. When empty the
	// architecture description's native notation applies.
	Syntax Syntax `json:"syntax,omitempty"`

	// Instructions holds the body in program order. Control flow and
	// dependency results refer to instructions by index into this slice.
	Instructions []Instruction `json:"instructions"`

	// Labels maps a local label to the index of the instruction it
	// precedes. A label at the very end of the body maps to
	// len(Instructions); branches to it stay unresolved.
	Labels map[string]int `json:"labels,omitempty"`
}
