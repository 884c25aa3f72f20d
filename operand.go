package asmflow

import (
	"strconv"
	"strings"
)

// Operand is one parsed instruction operand. The concrete types are
// [Register], [Immediate], [Memory], and [LabelRef]; consumers switch over
// them exhaustively, so adding a kind is a compile-time-visible change.
type Operand interface {
	String() string
	isOperand()
}

// Register is a register operand as written, lowercased and stripped of
// notation prefixes (%rax becomes rax). Mask carries the predicate
// register from an AVX-512 style {k} decoration, when present.
type Register struct {
	Token string `json:"token"`
	Mask  string `json:"mask,omitempty"`
}

func (Register) isOperand() {}

func (r Register) String() string {
	if r.Mask != "" {
		return r.Token + "{" + r.Mask + "}"
	}
	return r.Token
}

// Immediate is a constant operand. Raw preserves the source spelling with
// notation prefixes ($, #) removed; Value is its numeric interpretation
// when one exists.
type Immediate struct {
	Value int64  `json:"value"`
	Raw   string `json:"raw,omitempty"`
}

func (Immediate) isOperand() {}

func (i Immediate) String() string {
	if i.Raw != "" {
		return i.Raw
	}
	return strconv.FormatInt(i.Value, 10)
}

// Memory is a memory operand reduced to a canonical address key such as
// [rax+rbx*2+8]. Keys are textual: two operands alias exactly when their
// keys are equal, so [rax+rbx] and [rbx+rax] stay distinct on purpose, as
// do [rax] and [rax+0]. Regs lists the register tokens of the address
// expression in written order.
type Memory struct {
	Key  string   `json:"key"`
	Regs []string `json:"regs,omitempty"`
	Mask string   `json:"mask,omitempty"`
}

func (Memory) isOperand() {}

func (m Memory) String() string {
	if m.Mask != "" {
		return m.Key + "{" + m.Mask + "}"
	}
	return m.Key
}

// LabelRef is a symbolic code reference, typically a branch target. Names
// drop a leading dot so that .LBB0_1 in an operand and .LBB0_1: as a label
// resolve to the same entry.
type LabelRef struct {
	Name string `json:"name"`
}

func (LabelRef) isOperand() {}

func (l LabelRef) String() string { return l.Name }

// splitOperands splits an operand field on commas outside any bracket,
// parenthesis, or brace group, so that [x0, #8], 8(%rax,%rbx,2), and
// {k1} survive intact.
func splitOperands(s string) []string {
	var parts []string
	depth, start := 0, 0
	flush := func(end int) {
		if p := strings.TrimSpace(s[start:end]); p != "" {
			parts = append(parts, p)
		}
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				flush(i)
				start = i + 1
			}
		}
	}
	flush(len(s))
	return parts
}

// parseOperand parses one operand in any supported notation. control marks
// operands of control transfer instructions, where bare tokens that are not
// registers become label references. Returns nil for operands that carry
// nothing, such as dropped shift keywords.
func parseOperand(text string, spec *ArchSpec, control bool) Operand {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	// AT&T spells indirect branch targets with a leading star: *%rax, *(%rax).
	text = strings.TrimPrefix(text, "*")

	// An arm64 register list operand, {v0.4s} or {v0.4s, v1.4s}, stands in
	// for its first element.
	if len(text) >= 2 && text[0] == '{' && text[len(text)-1] == '}' &&
		strings.IndexByte(text[:len(text)-1], '}') < 0 {
		text = strings.TrimSpace(text[1 : len(text)-1])
		if i := strings.IndexByte(text, ','); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
	}

	text, mask := extractMask(text, spec)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	switch {
	case strings.ContainsRune(lower, '['):
		return parseBracketMemory(lower, spec, mask)
	case strings.ContainsRune(lower, '(') && strings.ContainsRune(lower, ')'):
		return parseParenMemory(lower, spec, mask)
	}

	// Leading keywords qualify what follows and drop out, so "short target"
	// keeps its target. A keyword with nothing after it drops the operand.
	for {
		fields := strings.Fields(text)
		if len(fields) == 0 || !spec.isKeyword(strings.ToLower(fields[0])) {
			break
		}
		if len(fields) == 1 {
			return nil
		}
		text = strings.Join(fields[1:], " ")
	}
	// What remains is a single token: registers, immediates, and label
	// references carry no spaces, so trailing symbolization such as
	// objdump's "1151 <main+0x31>" drops here.
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		text = text[:i]
	}
	lower = strings.ToLower(text)

	switch {
	case strings.HasPrefix(lower, "$"), strings.HasPrefix(lower, "#"):
		raw := strings.TrimLeft(lower, "$#")
		v, _ := parseInt(raw)
		return Immediate{Value: v, Raw: raw}
	case strings.HasPrefix(lower, "%"):
		return Register{Token: strings.TrimPrefix(lower, "%"), Mask: mask}
	}

	if v, ok := parseInt(lower); ok {
		return Immediate{Value: v, Raw: lower}
	}
	if strings.HasPrefix(text, ".") {
		return LabelRef{Name: strings.TrimPrefix(text, ".")}
	}
	if control {
		if _, err := spec.Normalize(lower); err == nil {
			return Register{Token: lower, Mask: mask}
		}
		return LabelRef{Name: text}
	}
	return Register{Token: lower, Mask: mask}
}

// extractMask strips {...} decorations from an operand and returns the
// remaining text plus the predicate register found in one, if any.
// Zeroing ({z}) and broadcast ({1to8}) decorations are dropped.
func extractMask(s string, spec *ArchSpec) (string, string) {
	if !strings.ContainsRune(s, '{') {
		return s, ""
	}
	var out strings.Builder
	var mask string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			out.WriteByte(s[i])
			continue
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			out.WriteString(s[i:])
			break
		}
		body := strings.ToLower(strings.TrimSpace(s[i+1 : i+j]))
		if spec.IsMask(body) {
			mask = body
		}
		i += j
	}
	return out.String(), mask
}

// parseBracketMemory handles Intel and arm64 bracketed memory operands:
// dword ptr [rax+rbx*2+8], fs:[rax], [x0, #8], [sp]. Size keywords are
// dropped from the key, segment prefixes are kept, commas inside the
// brackets become + terms, and writeback suffixes after the bracket are
// ignored.
func parseBracketMemory(s string, spec *ArchSpec, mask string) Operand {
	open := strings.IndexByte(s, '[')
	cl := strings.LastIndexByte(s, ']')
	var prefix, inner string
	if cl > open {
		prefix, inner = s[:open], s[open+1:cl]
	} else {
		prefix, inner = s[:open], s[open+1:]
	}

	var seg string
	for _, tok := range strings.Fields(prefix) {
		if sizeKeywords[tok] {
			continue
		}
		if t := strings.TrimSuffix(tok, ":"); t != tok && t != "" {
			seg = strings.TrimPrefix(t, "%")
		}
	}

	inner = memoryInnerReplacer.Replace(inner)
	// Comma-separated negative displacements ([sp, #-16]) would otherwise
	// key as "+-" terms.
	inner = strings.ReplaceAll(inner, "+-", "-")

	key := "["
	expr := inner
	if seg != "" {
		key += seg + ":"
		expr = seg + ":" + inner
	}
	key += inner + "]"

	return Memory{Key: key, Regs: addressRegisters(expr, spec), Mask: mask}
}

var memoryInnerReplacer = strings.NewReplacer(",", "+", "#", "", " ", "", "\t", "")

var sizeKeywords = map[string]bool{
	"byte": true, "word": true, "dword": true, "qword": true, "tbyte": true,
	"oword": true, "xmmword": true, "ymmword": true, "zmmword": true,
	"ptr": true,
}

// parseParenMemory handles AT&T and riscv parenthesized memory operands:
// -8(%rbp), sym(%rip), (%rax,%rbx,4), 8(sp). The disp(base,index,scale)
// slots map onto the same canonical [base+index*scale+disp] key the
// bracket notation produces, with a scale of 1 omitted.
func parseParenMemory(s string, spec *ArchSpec, mask string) Operand {
	open := strings.IndexByte(s, '(')
	cl := strings.LastIndexByte(s, ')')
	if cl < open {
		return Memory{Key: s, Mask: mask}
	}

	head := strings.TrimSpace(s[:open])
	inner := s[open+1 : cl]

	var seg string
	if i := strings.IndexByte(head, ':'); i >= 0 {
		seg = strings.TrimPrefix(strings.TrimSpace(head[:i]), "%")
		head = strings.TrimSpace(head[i+1:])
	}
	disp := strings.ReplaceAll(head, " ", "")

	fields := strings.Split(inner, ",")
	part := func(i int) string {
		if i >= len(fields) {
			return ""
		}
		return strings.TrimPrefix(strings.TrimSpace(fields[i]), "%")
	}
	base, index, scale := part(0), part(1), part(2)
	if scale == "1" {
		scale = ""
	}

	var b strings.Builder
	b.WriteByte('[')
	if seg != "" {
		b.WriteString(seg)
		b.WriteByte(':')
	}
	term := false
	if base != "" {
		b.WriteString(base)
		term = true
	}
	if index != "" {
		if term {
			b.WriteByte('+')
		}
		b.WriteString(index)
		if scale != "" {
			b.WriteByte('*')
			b.WriteString(scale)
		}
		term = true
	}
	if disp != "" {
		if term && disp[0] != '-' && disp[0] != '+' {
			b.WriteByte('+')
		}
		b.WriteString(disp)
	}
	b.WriteByte(']')

	expr := base + "+" + index
	if seg != "" {
		expr = seg + "+" + expr
	}
	return Memory{Key: b.String(), Regs: addressRegisters(expr, spec), Mask: mask}
}

// addressRegisters collects the known register tokens of an address
// expression in written order, without duplicates. Symbols and extension
// registers outside the description are left in the key but contribute no
// register reads.
func addressRegisters(expr string, spec *ArchSpec) []string {
	var regs []string
	var seen map[string]bool
	for _, tok := range strings.FieldsFunc(expr, isAddrDelim) {
		tok = strings.TrimPrefix(tok, "%")
		if tok == "" || seen[tok] {
			continue
		}
		if _, err := spec.Normalize(tok); err == nil {
			if seen == nil {
				seen = make(map[string]bool, 2)
			}
			seen[tok] = true
			regs = append(regs, tok)
		}
	}
	return regs
}

func isAddrDelim(r rune) bool {
	switch r {
	case '+', '-', '*', ':':
		return true
	}
	return false
}

// parseInt reads a decimal or 0x-prefixed integer with an optional sign.
func parseInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	neg := false
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		neg = true
		s = s[1:]
	}
	var v uint64
	var err error
	switch {
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		v, err = strconv.ParseUint(s[2:], 16, 64)
	default:
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, false
	}
	n := int64(v)
	if neg {
		n = -n
	}
	return n, true
}
