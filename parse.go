package asmflow

import (
	"strings"
)

// stripComment drops whole-line comments and trailing comment forms. ';'
// and "//" open comments in every notation. '#' opens one anywhere on the
// x86 notations; on the others it introduces immediates, so there a
// trailing '#' counts only when spaced away from operand text. '@' strips
// only when it leads the line, as it also appears in symbol suffixes like
// printf@plt.
func stripComment(line string, syntax Syntax) string {
	t := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(t, "#"), strings.HasPrefix(t, ";"),
		strings.HasPrefix(t, "//"), strings.HasPrefix(t, "@"):
		return ""
	}
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	if i := strings.Index(t, "//"); i >= 0 {
		t = t[:i]
	}
	switch syntax {
	case SyntaxIntel, SyntaxATT:
		if i := strings.IndexByte(t, '#'); i >= 0 {
			t = t[:i]
		}
	default:
		if i := strings.Index(t, "# "); i >= 0 {
			t = t[:i]
		}
	}
	return strings.TrimSpace(t)
}

// isLabelRune limits label candidates to symbol characters, so operand
// colons (fs:) never split as labels.
func isLabelRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
		r == '_', r == '.', r == '$':
		return true
	}
	return false
}

// splitLabel splits a leading "name:" off a line. Names keep their case;
// a leading dot drops so that .L2: and a branch spelled .L2 meet under one
// name.
func splitLabel(line string) (label, rest string, ok bool) {
	line = strings.TrimSpace(line)
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return "", line, false
	}
	cand := line[:i]
	for _, r := range cand {
		if !isLabelRune(r) {
			return "", line, false
		}
	}
	return strings.TrimPrefix(cand, "."), line[i+1:], true
}

// prefixTokens are x86 instruction prefixes written before the mnemonic
// proper.
var prefixTokens = map[string]bool{
	"lock": true, "rep": true, "repe": true, "repz": true,
	"repne": true, "repnz": true, "notrack": true, "bnd": true,
}

// ParseInstruction parses one listing line into an [Instruction]. Leading
// labels are tolerated and skipped, not recorded; lines that carry no
// instruction, being empty, comments, or assembler directives, return
// false. The syntax fixes the comment conventions; operand forms are
// recognized by shape, and the description decides which mnemonics take
// branch-target operands, where bare words become label references
// instead of registers.
func ParseInstruction(line string, lineNo int, spec *ArchSpec, syntax Syntax) (Instruction, bool) {
	text := stripComment(line, syntax)
	for {
		_, rest, ok := splitLabel(text)
		if !ok {
			break
		}
		text = rest
	}
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(text, ".") {
		return Instruction{}, false
	}

	mnemonic, rest := text, ""
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		mnemonic, rest = text[:i], strings.TrimSpace(text[i+1:])
	}
	mnemonic = strings.ToLower(mnemonic)
	for prefixTokens[mnemonic] && rest != "" {
		mnemonic, rest = rest, ""
		if i := strings.IndexAny(mnemonic, " \t"); i >= 0 {
			mnemonic, rest = mnemonic[:i], strings.TrimSpace(mnemonic[i+1:])
		}
		mnemonic = strings.ToLower(mnemonic)
	}

	control := spec.Control(mnemonic) != ControlNone
	var ops []Operand
	for _, part := range splitOperands(rest) {
		if op := parseOperand(part, spec, control); op != nil {
			ops = append(ops, op)
		}
	}
	return Instruction{Line: lineNo, Mnemonic: mnemonic, Operands: ops, Raw: text}, true
}

// ParseFragment parses a plain assembly listing, labels and instructions
// with no surrounding assembler scaffolding, into a single [Function].
// Comments and directives drop out; labels record the index of the
// instruction they precede, with a label on the last line mapping past
// the end of the body. Lines are numbered from 1 within the fragment.
func ParseFragment(text string, spec *ArchSpec, syntax Syntax) Function {
	fn := Function{Arch: spec.Name(), Syntax: syntax, Labels: make(map[string]int)}
	for i, line := range strings.Split(text, "\n") {
		t := stripComment(line, syntax)
		if t == "" {
			continue
		}
		for {
			label, rest, ok := splitLabel(t)
			if !ok {
				break
			}
			fn.Labels[label] = len(fn.Instructions)
			t = rest
		}
		t = strings.TrimSpace(t)
		if t == "" || strings.HasPrefix(t, ".") {
			continue
		}
		if in, ok := ParseInstruction(t, i+1, spec, syntax); ok {
			fn.Instructions = append(fn.Instructions, in)
		}
	}
	return fn
}

// functionDirective extracts the symbol of a ".type name,@function"
// assembler directive.
func functionDirective(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, ".type") {
		return "", false
	}
	name, kind, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(t, ".type")), ",")
	if !ok || !strings.Contains(kind, "function") {
		return "", false
	}
	return strings.TrimSpace(name), true
}

// ParseListing parses a compiler-emitted assembly file into its functions.
// A function opens at ".type name,@function" and closes at its
// ".Lfunc_end" marker, the next ".type" directive, or the end of input;
// text outside any function is ignored. Instruction lines carry their
// 1-based line number in the listing, so warnings point back into the
// source file.
func ParseListing(text string, spec *ArchSpec, syntax Syntax) []Function {
	var fns []Function
	var cur *Function

	flush := func() {
		if cur != nil {
			fns = append(fns, *cur)
			cur = nil
		}
	}

	for i, line := range strings.Split(text, "\n") {
		t := stripComment(line, syntax)
		if t == "" {
			continue
		}
		if name, ok := functionDirective(t); ok {
			flush()
			cur = &Function{Name: name, Arch: spec.Name(), Syntax: syntax, Labels: make(map[string]int)}
			continue
		}
		if cur == nil {
			continue
		}
		if strings.HasPrefix(t, ".Lfunc_end") {
			flush()
			continue
		}
		for {
			label, rest, ok := splitLabel(t)
			if !ok {
				break
			}
			cur.Labels[label] = len(cur.Instructions)
			t = rest
		}
		t = strings.TrimSpace(t)
		if t == "" || strings.HasPrefix(t, ".") {
			continue
		}
		if in, ok := ParseInstruction(t, i+1, spec, syntax); ok {
			cur.Instructions = append(cur.Instructions, in)
		}
	}
	flush()
	return fns
}
