package asmflow

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
)

//go:embed descriptions/*.json
var descriptionFS embed.FS

// WidthClass is a register width class in bits.
type WidthClass int

// Register width classes.
const (
	Width8   WidthClass = 8
	Width16  WidthClass = 16
	Width32  WidthClass = 32
	Width64  WidthClass = 64
	Width128 WidthClass = 128
	Width256 WidthClass = 256
	Width512 WidthClass = 512
)

func (w WidthClass) String() string { return fmt.Sprintf("%d-bit", int(w)) }

// CanonicalRegister is the normalized identity of a register token: the
// physical register family it belongs to plus the width class the token
// named. Two tokens alias exactly when they share Phys, so eax and rax
// collide while rax and rbx do not.
type CanonicalRegister struct {
	Phys  string     `json:"phys"`
	Width WidthClass `json:"width"`
	Class string     `json:"class,omitempty"`
}

// InstrClass is the dataflow category of a mnemonic. It decides which
// operands an instruction reads and writes relative to its destination
// slot.
type InstrClass string

// Dataflow categories.
const (
	// ClassReadWrite writes the destination operand and reads the others.
	ClassReadWrite InstrClass = "read-write"

	// ClassReadOnly reads every operand, including memory, and writes none.
	ClassReadOnly InstrClass = "read-only"

	// ClassJump reads register operands; branch targets carry no dataflow.
	ClassJump InstrClass = "jump"

	// ClassReadModifyWrite reads and writes the destination operand and
	// reads the others.
	ClassReadModifyWrite InstrClass = "read-modify-write"

	// ClassExchange reads and writes every operand.
	ClassExchange InstrClass = "exchange"

	// ClassWriteOnly writes the destination operand and reads nothing.
	ClassWriteOnly InstrClass = "write-only"

	// ClassStore writes its memory operand and reads the other operands,
	// for ISAs whose stores put the data source in the destination slot.
	ClassStore InstrClass = "store"

	// ClassLoadPair writes its first two operands and reads the rest.
	ClassLoadPair InstrClass = "load-pair"

	// ClassUnknown marks a mnemonic missing from the description. The
	// analyzer falls back to reading every operand and writing the
	// destination slot, and reports a warning.
	ClassUnknown InstrClass = "unknown"
)

// ControlClass is the control transfer behavior of a mnemonic.
type ControlClass string

// Control transfer classes.
const (
	ControlNone     ControlClass = "none"
	ControlJump     ControlClass = "jump"
	ControlCondJump ControlClass = "conditional"
	ControlReturn   ControlClass = "return"
	ControlCall     ControlClass = "call"
)

// behaviorAddressOnly marks instructions that compute an address without
// touching memory, such as x86 lea and arm64 adr.
const behaviorAddressOnly = "address-calculation-only"

// implicitSet is a resolved implicit-effect entry: canonical register
// names a mnemonic reads and writes beyond its explicit operands.
type implicitSet struct {
	reads  []string
	writes []string
}

type patternEntry[T any] struct {
	prefix string
	value  T
}

// table pairs exact-mnemonic entries with trailing-* prefix patterns.
// Exact matches win; patterns apply longest prefix first.
type table[T any] struct {
	exact    map[string]T
	patterns []patternEntry[T]
}

func (t *table[T]) add(key string, v T) error {
	if strings.HasSuffix(key, "*") {
		prefix := strings.TrimSuffix(key, "*")
		if prefix == "" || strings.ContainsRune(prefix, '*') {
			return fmt.Errorf("bad pattern %q", key)
		}
		for _, p := range t.patterns {
			if p.prefix == prefix {
				return fmt.Errorf("duplicate pattern %q", key)
			}
		}
		t.patterns = append(t.patterns, patternEntry[T]{prefix: prefix, value: v})
		return nil
	}
	if strings.ContainsRune(key, '*') {
		return fmt.Errorf("bad pattern %q", key)
	}
	if _, ok := t.exact[key]; ok {
		return fmt.Errorf("duplicate entry %q", key)
	}
	if t.exact == nil {
		t.exact = make(map[string]T)
	}
	t.exact[key] = v
	return nil
}

func (t *table[T]) sort() {
	slices.SortFunc(t.patterns, func(a, b patternEntry[T]) int {
		if d := len(b.prefix) - len(a.prefix); d != 0 {
			return d
		}
		return strings.Compare(a.prefix, b.prefix)
	})
}

func (t *table[T]) get(key string) (T, bool) {
	if v, ok := t.exact[key]; ok {
		return v, true
	}
	for _, p := range t.patterns {
		if strings.HasPrefix(key, p.prefix) {
			return p.value, true
		}
	}
	var zero T
	return zero, false
}

// ArchSpec is a loaded architecture description: the register families,
// instruction categories, and control flow sets one architecture's
// analyses run against. It is immutable after load and safe for concurrent
// use; analyses over different functions may share one value.
type ArchSpec struct {
	name      string
	syntax    Syntax
	registers map[string]CanonicalRegister
	classes   table[InstrClass]
	control   table[ControlClass]
	special   table[string]
	implicit  table[implicitSet]
	keywords  map[string]bool
	maskClass string
}

// Name returns the architecture name, such as "x86_64".
func (s *ArchSpec) Name() string { return s.name }

// Syntax returns the architecture's native operand notation.
func (s *ArchSpec) Syntax() Syntax { return s.syntax }

// Normalize resolves a register token, case-insensitively and without
// notation prefixes, to its canonical identity. Arm64 arrangement
// suffixes (v0.4s) resolve through their base register. Tokens outside
// the description return an error wrapping [ErrUnknownRegister].
func (s *ArchSpec) Normalize(token string) (CanonicalRegister, error) {
	t := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(token)), "%")
	if r, ok := s.registers[t]; ok {
		return r, nil
	}
	if i := strings.IndexByte(t, '.'); i > 0 {
		if r, ok := s.registers[t[:i]]; ok {
			return r, nil
		}
	}
	return CanonicalRegister{}, fmt.Errorf("%w: %q", ErrUnknownRegister, token)
}

// Classify returns the dataflow category of a mnemonic: exact entry
// first, then the longest matching trailing-* pattern, then a retry with
// a GNU as size suffix (movq, incl) stripped. Missing mnemonics report
// [ClassUnknown].
func (s *ArchSpec) Classify(mnemonic string) InstrClass {
	m := strings.ToLower(mnemonic)
	if c, ok := s.classes.get(m); ok {
		return c
	}
	if base, ok := stripSizeSuffix(m); ok {
		if c, ok := s.classes.get(base); ok {
			return c
		}
	}
	return ClassUnknown
}

// Control returns the control transfer class of a mnemonic, with the same
// lookup rules as [ArchSpec.Classify].
func (s *ArchSpec) Control(mnemonic string) ControlClass {
	m := strings.ToLower(mnemonic)
	if c, ok := s.control.get(m); ok {
		return c
	}
	if base, ok := stripSizeSuffix(m); ok {
		if c, ok := s.control.get(base); ok {
			return c
		}
	}
	return ControlNone
}

// Behavior returns the special dataflow behavior of a mnemonic, such as
// "address-calculation-only" for x86 lea, or "" when none applies.
func (s *ArchSpec) Behavior(mnemonic string) string {
	m := strings.ToLower(mnemonic)
	if b, ok := s.special.get(m); ok {
		return b
	}
	if base, ok := stripSizeSuffix(m); ok {
		if b, ok := s.special.get(base); ok {
			return b
		}
	}
	return ""
}

// Implicit returns the canonical registers a mnemonic reads and writes
// beyond its explicit operands: status flags for compares and conditional
// jumps, the stack pointer for push and pop, the link register for arm64
// calls. The returned slices are shared and must not be modified.
func (s *ArchSpec) Implicit(mnemonic string) (reads, writes []string) {
	m := strings.ToLower(mnemonic)
	set, ok := s.implicit.get(m)
	if !ok {
		if base, sok := stripSizeSuffix(m); sok {
			set, ok = s.implicit.get(base)
		}
	}
	if !ok {
		return nil, nil
	}
	return set.reads, set.writes
}

// IsMask reports whether token names a register in the description's
// predicate mask class, such as k0 through k7 on x86_64.
func (s *ArchSpec) IsMask(token string) bool {
	if s.maskClass == "" {
		return false
	}
	r, err := s.Normalize(token)
	return err == nil && r.Class == s.maskClass
}

// isKeyword reports operand tokens that modify another operand instead of
// naming a resource, such as arm64 condition codes and shift keywords.
func (s *ArchSpec) isKeyword(token string) bool { return s.keywords[token] }

// gasSuffixes are the operand size suffixes GNU as appends to mnemonics.
const gasSuffixes = "bwlqd"

func stripSizeSuffix(m string) (string, bool) {
	if len(m) < 3 {
		return m, false
	}
	if strings.IndexByte(gasSuffixes, m[len(m)-1]) < 0 {
		return m, false
	}
	return m[:len(m)-1], true
}

// Description document schema.
type archDoc struct {
	Architecture          string                 `json:"architecture"`
	Description           string                 `json:"description,omitempty"`
	Syntax                string                 `json:"syntax"`
	RegisterFamilies      map[string]familyDoc   `json:"register_families"`
	InstructionCategories map[string][]string    `json:"instruction_categories"`
	SpecialInstructions   map[string]string      `json:"special_instructions,omitempty"`
	Implicit              map[string]implicitDoc `json:"implicit,omitempty"`
	ControlFlow           map[string][]string    `json:"control_flow"`
	OperandKeywords       []string               `json:"operand_keywords,omitempty"`
	MaskClass             string                 `json:"mask_class,omitempty"`
}

type familyDoc struct {
	Class   string         `json:"class"`
	Aliases map[string]int `json:"aliases"`
}

type implicitDoc struct {
	Reads  []string `json:"reads,omitempty"`
	Writes []string `json:"writes,omitempty"`
}

var categoryClasses = map[string]InstrClass{
	"read_write":        ClassReadWrite,
	"read_only":         ClassReadOnly,
	"jump":              ClassJump,
	"read_modify_write": ClassReadModifyWrite,
	"exchange":          ClassExchange,
	"write_only":        ClassWriteOnly,
	"store":             ClassStore,
	"load_pair":         ClassLoadPair,
}

var controlClasses = map[string]ControlClass{
	"jump":        ControlJump,
	"conditional": ControlCondJump,
	"return":      ControlReturn,
	"call":        ControlCall,
}

var validWidths = map[int]bool{8: true, 16: true, 32: true, 64: true, 128: true, 256: true, 512: true}

// LoadArchSpec parses and validates a JSON architecture description.
// Validation fails closed: any unknown field, unknown category, dangling
// register reference, or duplicate entry returns an error wrapping
// [ErrMalformedDescription] and no description.
func LoadArchSpec(data []byte) (*ArchSpec, error) {
	var doc archDoc
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}

	fail := func(format string, args ...any) (*ArchSpec, error) {
		return nil, fmt.Errorf("%w: %s", ErrMalformedDescription, fmt.Sprintf(format, args...))
	}

	if doc.Architecture == "" {
		return fail("missing architecture name")
	}
	syntax := Syntax(doc.Syntax)
	switch syntax {
	case SyntaxIntel, SyntaxATT, SyntaxGNU:
	default:
		return fail("unknown syntax %q", doc.Syntax)
	}
	if len(doc.RegisterFamilies) == 0 {
		return fail("no register families")
	}

	spec := &ArchSpec{
		name:      strings.ToLower(doc.Architecture),
		syntax:    syntax,
		registers: make(map[string]CanonicalRegister),
	}

	maskClassSeen := false
	for family, fam := range doc.RegisterFamilies {
		family = strings.ToLower(family)
		if fam.Class == "" {
			return fail("register family %q has no class", family)
		}
		if len(fam.Aliases) == 0 {
			return fail("register family %q has no aliases", family)
		}
		if _, ok := fam.Aliases[family]; !ok {
			return fail("register family %q does not list itself", family)
		}
		if fam.Class == doc.MaskClass {
			maskClassSeen = true
		}
		for alias, width := range fam.Aliases {
			alias = strings.ToLower(alias)
			if alias == "" {
				return fail("register family %q has an empty alias", family)
			}
			if !validWidths[width] {
				return fail("register %q has invalid width %d", alias, width)
			}
			if prev, ok := spec.registers[alias]; ok {
				return fail("register %q appears in families %q and %q", alias, prev.Phys, family)
			}
			spec.registers[alias] = CanonicalRegister{
				Phys:  family,
				Width: WidthClass(width),
				Class: fam.Class,
			}
		}
	}
	if doc.MaskClass != "" && !maskClassSeen {
		return fail("mask class %q matches no register family", doc.MaskClass)
	}
	spec.maskClass = doc.MaskClass

	if len(doc.InstructionCategories) == 0 {
		return fail("no instruction categories")
	}
	for category, mnemonics := range doc.InstructionCategories {
		class, ok := categoryClasses[category]
		if !ok {
			return fail("unknown instruction category %q", category)
		}
		for _, m := range mnemonics {
			m = strings.ToLower(strings.TrimSpace(m))
			if m == "" {
				return fail("category %q lists an empty mnemonic", category)
			}
			if err := spec.classes.add(m, class); err != nil {
				return fail("category %q: %v", category, err)
			}
		}
	}
	spec.classes.sort()

	for group, mnemonics := range doc.ControlFlow {
		class, ok := controlClasses[group]
		if !ok {
			return fail("unknown control flow group %q", group)
		}
		for _, m := range mnemonics {
			m = strings.ToLower(strings.TrimSpace(m))
			if m == "" {
				return fail("control flow group %q lists an empty mnemonic", group)
			}
			if err := spec.control.add(m, class); err != nil {
				return fail("control flow group %q: %v", group, err)
			}
		}
	}
	spec.control.sort()

	for m, behavior := range doc.SpecialInstructions {
		m = strings.ToLower(strings.TrimSpace(m))
		if behavior != behaviorAddressOnly {
			return fail("special instruction %q has unknown behavior %q", m, behavior)
		}
		if err := spec.special.add(m, behavior); err != nil {
			return fail("special instructions: %v", err)
		}
	}
	spec.special.sort()

	resolve := func(owner string, names []string) ([]string, error) {
		out := make([]string, 0, len(names))
		for _, name := range names {
			reg, err := spec.Normalize(name)
			if err != nil {
				return nil, fmt.Errorf("implicit register %q of %q is not in any family", name, owner)
			}
			out = append(out, reg.Phys)
		}
		return out, nil
	}
	for m, imp := range doc.Implicit {
		m = strings.ToLower(strings.TrimSpace(m))
		if len(imp.Reads) == 0 && len(imp.Writes) == 0 {
			return fail("implicit entry %q is empty", m)
		}
		reads, err := resolve(m, imp.Reads)
		if err != nil {
			return fail("%v", err)
		}
		writes, err := resolve(m, imp.Writes)
		if err != nil {
			return fail("%v", err)
		}
		if err := spec.implicit.add(m, implicitSet{reads: reads, writes: writes}); err != nil {
			return fail("implicit: %v", err)
		}
	}
	spec.implicit.sort()

	if len(doc.OperandKeywords) > 0 {
		spec.keywords = make(map[string]bool, len(doc.OperandKeywords))
		for _, kw := range doc.OperandKeywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				return fail("empty operand keyword")
			}
			spec.keywords[kw] = true
		}
	}

	return spec, nil
}

var (
	builtinOnce  sync.Once
	builtinSpecs map[string]*ArchSpec
	builtinErr   error
)

func loadBuiltins() {
	builtinSpecs = make(map[string]*ArchSpec)
	entries, err := descriptionFS.ReadDir("descriptions")
	if err != nil {
		builtinErr = fmt.Errorf("failed to read embedded descriptions: %w", err)
		return
	}
	for _, e := range entries {
		data, err := descriptionFS.ReadFile("descriptions/" + e.Name())
		if err != nil {
			builtinErr = fmt.Errorf("failed to read embedded description %s: %w", e.Name(), err)
			return
		}
		spec, err := LoadArchSpec(data)
		if err != nil {
			builtinErr = fmt.Errorf("embedded description %s: %w", e.Name(), err)
			return
		}
		builtinSpecs[spec.name] = spec
	}
}

// Arch returns the built-in description for the named architecture.
// Built-ins load once per process from embedded documents through the same
// validation as [LoadArchSpec]. Unknown names return an error wrapping
// [ErrUnknownArchitecture].
func Arch(name string) (*ArchSpec, error) {
	builtinOnce.Do(loadBuiltins)
	if builtinErr != nil {
		return nil, builtinErr
	}
	spec, ok := builtinSpecs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArchitecture, name)
	}
	return spec, nil
}

// Architectures lists the built-in architecture names, sorted.
func Architectures() []string {
	builtinOnce.Do(loadBuiltins)
	names := make([]string, 0, len(builtinSpecs))
	for name := range builtinSpecs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// archIndicators are characteristic tokens per architecture, matched
// against whole operand and mnemonic tokens. Tokens shared between
// architectures (sp, ret) are deliberately absent.
var archIndicators = []struct {
	arch   string
	tokens []string
}{
	{"x86_64", []string{
		"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
		"eax", "ebx", "ecx", "edx", "esi", "edi", "esp", "ebp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "r8d", "r9d",
		"ptr", "movzx", "movsx", "movl", "movq", "pushq", "popq", "retq",
		"cmpl", "endbr64", "leave",
	}},
	{"aarch64", []string{
		"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7", "x8",
		"x19", "x20", "x21", "x29", "x30",
		"w0", "w1", "w2", "w3", "w8", "wzr", "xzr",
		"ldp", "stp", "ldr", "str", "ldrb", "strb", "cbz", "cbnz",
		"tbz", "tbnz", "adrp", "bl", "b.eq", "b.ne", "b.lt", "b.le", "b.gt", "b.ge",
	}},
	{"riscv64", []string{
		"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7",
		"t0", "t1", "t2", "t3", "t4", "t5", "t6",
		"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11",
		"ra", "zero", "fa0", "ft0",
		"addi", "addiw", "addw", "sext.w", "beqz", "bnez", "bgez", "blez",
		"jal", "jalr", "auipc", "lw", "ld", "sw", "sd",
	}},
}

// DetectArch guesses the architecture of an assembly listing from
// characteristic register and mnemonic tokens. Best effort: ties and
// indicator-free inputs resolve to x86_64.
func DetectArch(text string) string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '.', r == '_':
			return false
		}
		return true
	})
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}

	best, bestScore := "x86_64", 0
	for _, ind := range archIndicators {
		score := 0
		for _, tok := range ind.tokens {
			score += counts[tok]
		}
		if score > bestScore {
			best, bestScore = ind.arch, score
		}
	}
	return best
}

// DetectSyntax guesses between AT&T and Intel notation for an x86 listing
// from register prefix density. Best effort; single-notation
// architectures should use their description's native syntax instead.
func DetectSyntax(text string) Syntax {
	if strings.Count(text, "%") >= 2 || strings.Contains(text, "(%") {
		return SyntaxATT
	}
	return SyntaxIntel
}
