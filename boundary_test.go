package asmflow_test

import (
	"bytes"
	"cmp"
	"debug/elf"
	"encoding/binary"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/mahesh-attarde/asmflow"
)

// ARM64 instruction words used by the prologue and call-site fixtures.
const (
	arm64StpX29X30 = uint32(0xa9bf7bfd) // stp x29, x30, [sp, #-16]!
	arm64MovX29SP  = uint32(0x910003fd) // mov x29, sp
	arm64SubSPImm  = uint32(0xd10083ff) // sub sp, sp, #0x20
	arm64RET       = uint32(0xd65f03c0) // ret
	arm64NOP       = uint32(0xd503201f) // nop
	arm64BLBase    = uint32(0x94000000) // BL base opcode
	arm64BBase     = uint32(0x14000000) // B base opcode
)

func TestDetectProloguesAMD64(t *testing.T) {
	tests := []struct {
		name      string
		code      []byte
		baseAddr  uint64
		wantCount int
		wantKind  asmflow.PrologueKind
		wantAddr  uint64
		wantText  string
	}{
		{
			// nop; push rbp; mov rbp, rsp
			name:      "frame-pointer",
			code:      []byte{0x90, 0x55, 0x48, 0x89, 0xe5},
			baseAddr:  0x1000,
			wantCount: 1,
			wantKind:  asmflow.PrologueFramePointer,
			wantAddr:  0x1001,
			wantText:  "push rbp; mov rbp, rsp",
		},
		{
			// push rbp; mov rbp, rsp at the start of the buffer: the push
			// fires as push-only first and the pair upgrades it in place.
			name:      "frame-pointer-at-start",
			code:      []byte{0x55, 0x48, 0x89, 0xe5},
			baseAddr:  0,
			wantCount: 1,
			wantKind:  asmflow.PrologueFramePointer,
			wantAddr:  0,
			wantText:  "push rbp; mov rbp, rsp",
		},
		{
			// sub rsp, 0x20 at the start of the buffer
			name:      "stack-alloc",
			code:      []byte{0x48, 0x83, 0xec, 0x20},
			baseAddr:  0,
			wantCount: 1,
			wantKind:  asmflow.PrologueStackAlloc,
			wantAddr:  0,
			wantText:  "sub rsp, 0x20",
		},
		{
			// push rbx; nop
			name:      "push-only-callee-saved",
			code:      []byte{0x53, 0x90},
			baseAddr:  0,
			wantCount: 1,
			wantKind:  asmflow.ProloguePushOnly,
			wantAddr:  0,
			wantText:  "push rbx",
		},
		{
			// ret; push rbp; nop
			name:      "push-only-after-ret",
			code:      []byte{0xc3, 0x55, 0x90},
			baseAddr:  0,
			wantCount: 1,
			wantKind:  asmflow.ProloguePushOnly,
			wantAddr:  1,
			wantText:  "push rbp",
		},
		{
			// endbr64; push rbp; nop: the CET marker is transparent
			name:      "push-only-after-endbr",
			code:      []byte{0xf3, 0x0f, 0x1e, 0xfa, 0x55, 0x90},
			baseAddr:  0,
			wantCount: 1,
			wantKind:  asmflow.ProloguePushOnly,
			wantAddr:  4,
			wantText:  "push rbp",
		},
		{
			// lea rsp, [rsp-0x10]
			name:      "lea-alloc",
			code:      []byte{0x48, 0x8d, 0x64, 0x24, 0xf0},
			baseAddr:  0,
			wantCount: 1,
			wantKind:  asmflow.PrologueStackAlloc,
			wantAddr:  0,
			wantText:  "lea rsp, [rsp-0x10]",
		},
		{
			// nop; sub rsp, 0x20: not behind a boundary
			name:      "mid-function-sub",
			code:      []byte{0x90, 0x48, 0x83, 0xec, 0x20},
			baseAddr:  0,
			wantCount: 0,
		},
		{
			// push rax; nop: rax is not callee-saved
			name:      "push-caller-saved",
			code:      []byte{0x50, 0x90},
			baseAddr:  0,
			wantCount: 0,
		},
		{
			name:      "empty-nil",
			code:      nil,
			wantCount: 0,
		},
		{
			name:      "empty-slice",
			code:      []byte{},
			wantCount: 0,
		},
		{
			name:      "invalid-bytes",
			code:      []byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe},
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prologues, err := asmflow.DetectPrologues(tt.code, tt.baseAddr, "x86_64")
			if err != nil {
				t.Fatalf("DetectPrologues: %v", err)
			}
			if len(prologues) != tt.wantCount {
				t.Fatalf("expected %d prologue(s), got %d: %+v", tt.wantCount, len(prologues), prologues)
			}
			if tt.wantCount == 0 {
				return
			}
			if prologues[0].Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, prologues[0].Kind)
			}
			if prologues[0].Addr != tt.wantAddr {
				t.Errorf("expected address 0x%x, got 0x%x", tt.wantAddr, prologues[0].Addr)
			}
			if prologues[0].Text != tt.wantText {
				t.Errorf("expected text %q, got %q", tt.wantText, prologues[0].Text)
			}
		})
	}
}

func TestDetectProloguesARM64(t *testing.T) {
	tests := []struct {
		name       string
		code       []byte
		wantCount  int
		wantKind   asmflow.PrologueKind
		wantAddr   uint64
		wantPrefix string
	}{
		{
			name:       "frame-pair",
			code:       arm64Words(arm64StpX29X30, arm64MovX29SP),
			wantCount:  1,
			wantKind:   asmflow.PrologueFramePair,
			wantAddr:   0,
			wantPrefix: "stp x29, x30,",
		},
		{
			// The pair spill is distinctive enough to fire mid-stream.
			name:       "frame-pair-mid-stream",
			code:       arm64Words(arm64NOP, arm64StpX29X30),
			wantCount:  1,
			wantKind:   asmflow.PrologueFramePair,
			wantAddr:   4,
			wantPrefix: "stp x29, x30,",
		},
		{
			name:       "stack-alloc-at-start",
			code:       arm64Words(arm64SubSPImm, arm64RET),
			wantCount:  1,
			wantKind:   asmflow.PrologueStackAlloc,
			wantAddr:   0,
			wantPrefix: "sub sp, sp,",
		},
		{
			name:       "stack-alloc-after-ret",
			code:       arm64Words(arm64RET, arm64SubSPImm, arm64RET),
			wantCount:  1,
			wantKind:   asmflow.PrologueStackAlloc,
			wantAddr:   4,
			wantPrefix: "sub sp, sp,",
		},
		{
			name:      "stack-alloc-mid-stream",
			code:      arm64Words(arm64NOP, arm64SubSPImm),
			wantCount: 0,
		},
		{
			name:      "plain-code",
			code:      arm64Words(arm64NOP, arm64NOP, arm64RET),
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prologues, err := asmflow.DetectPrologues(tt.code, 0, "aarch64")
			if err != nil {
				t.Fatalf("DetectPrologues: %v", err)
			}
			if len(prologues) != tt.wantCount {
				t.Fatalf("expected %d prologue(s), got %d: %+v", tt.wantCount, len(prologues), prologues)
			}
			if tt.wantCount == 0 {
				return
			}
			if prologues[0].Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, prologues[0].Kind)
			}
			if prologues[0].Addr != tt.wantAddr {
				t.Errorf("expected address 0x%x, got 0x%x", tt.wantAddr, prologues[0].Addr)
			}
			if !strings.HasPrefix(prologues[0].Text, tt.wantPrefix) {
				t.Errorf("expected text starting %q, got %q", tt.wantPrefix, prologues[0].Text)
			}
		})
	}
}

func TestDetectProloguesUnsupported(t *testing.T) {
	if _, err := asmflow.DetectPrologues(nil, 0, "riscv64"); err == nil || !strings.Contains(err.Error(), "no byte decoder") {
		t.Errorf("expected a missing decoder error for riscv64, got %v", err)
	}
	if _, err := asmflow.DetectPrologues(nil, 0, "mips"); !errors.Is(err, asmflow.ErrUnknownArchitecture) {
		t.Errorf("expected ErrUnknownArchitecture, got %v", err)
	}
}

func TestDetectCallSitesAMD64(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		baseAddr uint64
		want     []asmflow.CallSite
	}{
		{
			// call $+0x10: rel32 0x0B, instruction length 5
			name:     "pc-relative-call",
			code:     []byte{0xe8, 0x0b, 0x00, 0x00, 0x00},
			baseAddr: 0,
			want: []asmflow.CallSite{{
				Source: 0, Target: 0x10,
				Kind: asmflow.CallSiteCall, Mode: asmflow.AddressingPCRelative,
				Confidence: asmflow.ConfidenceHigh,
			}},
		},
		{
			// call $-0x20 at 0x100: target 0x100 + 5 - 0x20 = 0xe5
			name:     "pc-relative-call-backward",
			code:     []byte{0xe8, 0xe0, 0xff, 0xff, 0xff},
			baseAddr: 0x100,
			want: []asmflow.CallSite{{
				Source: 0x100, Target: 0xe5,
				Kind: asmflow.CallSiteCall, Mode: asmflow.AddressingPCRelative,
				Confidence: asmflow.ConfidenceHigh,
			}},
		},
		{
			// call rax
			name:     "register-indirect-call",
			code:     []byte{0xff, 0xd0},
			baseAddr: 0x200,
			want: []asmflow.CallSite{{
				Source: 0x200,
				Kind:   asmflow.CallSiteCall, Mode: asmflow.AddressingRegisterIndirect,
				Confidence: asmflow.ConfidenceNone,
			}},
		},
		{
			// call [rip+0x1234] at 0x1000: slot at 0x1000 + 6 + 0x1234
			name:     "rip-relative-call",
			code:     []byte{0xff, 0x15, 0x34, 0x12, 0x00, 0x00},
			baseAddr: 0x1000,
			want: []asmflow.CallSite{{
				Source: 0x1000, Target: 0x223a,
				Kind: asmflow.CallSiteCall, Mode: asmflow.AddressingPCRelative,
				Confidence: asmflow.ConfidenceMedium,
			}},
		},
		{
			// call [rbx+0x10]
			name:     "memory-call-with-base-register",
			code:     []byte{0xff, 0x53, 0x10},
			baseAddr: 0x300,
			want: []asmflow.CallSite{{
				Source: 0x300,
				Kind:   asmflow.CallSiteCall, Mode: asmflow.AddressingRegisterIndirect,
				Confidence: asmflow.ConfidenceNone,
			}},
		},
		{
			// jmp $+0x20: rel32 0x1B
			name:     "jmp-rel32",
			code:     []byte{0xe9, 0x1b, 0x00, 0x00, 0x00},
			baseAddr: 0,
			want: []asmflow.CallSite{{
				Source: 0, Target: 0x20,
				Kind: asmflow.CallSiteJump, Mode: asmflow.AddressingPCRelative,
				Confidence: asmflow.ConfidenceMedium,
			}},
		},
		{
			// jmp $+0x10: rel8 0x0E, instruction length 2
			name:     "jmp-rel8",
			code:     []byte{0xeb, 0x0e},
			baseAddr: 0,
			want: []asmflow.CallSite{{
				Source: 0, Target: 0x10,
				Kind: asmflow.CallSiteJump, Mode: asmflow.AddressingPCRelative,
				Confidence: asmflow.ConfidenceMedium,
			}},
		},
		{
			// jmp rax
			name:     "register-indirect-jmp",
			code:     []byte{0xff, 0xe0},
			baseAddr: 0x400,
			want: []asmflow.CallSite{{
				Source: 0x400,
				Kind:   asmflow.CallSiteJump, Mode: asmflow.AddressingRegisterIndirect,
				Confidence: asmflow.ConfidenceNone,
			}},
		},
		{
			// endbr64; call $+0x20: the call decodes at 0x04
			name:     "endbr-then-call",
			code:     []byte{0xf3, 0x0f, 0x1e, 0xfa, 0xe8, 0x17, 0x00, 0x00, 0x00},
			baseAddr: 0,
			want: []asmflow.CallSite{{
				Source: 0x04, Target: 0x20,
				Kind: asmflow.CallSiteCall, Mode: asmflow.AddressingPCRelative,
				Confidence: asmflow.ConfidenceHigh,
			}},
		},
		{
			name: "no-call-instructions",
			code: []byte{0x90, 0x90, 0x90},
		},
		{
			name: "empty",
			code: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sites, err := asmflow.DetectCallSites(tt.code, tt.baseAddr, "x86_64")
			if err != nil {
				t.Fatalf("DetectCallSites: %v", err)
			}
			if !slices.Equal(sites, tt.want) {
				t.Errorf("expected call sites %+v, got %+v", tt.want, sites)
			}
		})
	}
}

func TestDetectCallSitesARM64(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		baseAddr uint64
		want     []asmflow.CallSite
	}{
		{
			// bl +0x1000
			name:     "bl-forward",
			code:     arm64Words(0x94000400),
			baseAddr: 0x1000,
			want: []asmflow.CallSite{{
				Source: 0x1000, Target: 0x2000,
				Kind: asmflow.CallSiteCall, Mode: asmflow.AddressingPCRelative,
				Confidence: asmflow.ConfidenceHigh,
			}},
		},
		{
			// bl -0x100
			name:     "bl-backward",
			code:     arm64Words(0x97ffffc0),
			baseAddr: 0x2000,
			want: []asmflow.CallSite{{
				Source: 0x2000, Target: 0x1f00,
				Kind: asmflow.CallSiteCall, Mode: asmflow.AddressingPCRelative,
				Confidence: asmflow.ConfidenceHigh,
			}},
		},
		{
			// b +0x100
			name:     "b-unconditional",
			code:     arm64Words(0x14000040),
			baseAddr: 0x1000,
			want: []asmflow.CallSite{{
				Source: 0x1000, Target: 0x1100,
				Kind: asmflow.CallSiteJump, Mode: asmflow.AddressingPCRelative,
				Confidence: asmflow.ConfidenceMedium,
			}},
		},
		{
			// b.eq +0x20: conditional branches rate low
			name:     "b-conditional",
			code:     arm64Words(0x54000100),
			baseAddr: 0x1000,
			want: []asmflow.CallSite{{
				Source: 0x1000, Target: 0x1020,
				Kind: asmflow.CallSiteJump, Mode: asmflow.AddressingPCRelative,
				Confidence: asmflow.ConfidenceLow,
			}},
		},
		{
			// blr x3
			name:     "blr-register",
			code:     arm64Words(0xd63f0060),
			baseAddr: 0x3000,
			want: []asmflow.CallSite{{
				Source: 0x3000,
				Kind:   asmflow.CallSiteCall, Mode: asmflow.AddressingRegisterIndirect,
				Confidence: asmflow.ConfidenceNone,
			}},
		},
		{
			// br x3
			name:     "br-register",
			code:     arm64Words(0xd61f0060),
			baseAddr: 0x3000,
			want: []asmflow.CallSite{{
				Source: 0x3000,
				Kind:   asmflow.CallSiteJump, Mode: asmflow.AddressingRegisterIndirect,
				Confidence: asmflow.ConfidenceNone,
			}},
		},
		{
			name: "plain-code",
			code: arm64Words(arm64NOP, arm64RET),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sites, err := asmflow.DetectCallSites(tt.code, tt.baseAddr, "aarch64")
			if err != nil {
				t.Fatalf("DetectCallSites: %v", err)
			}
			if !slices.Equal(sites, tt.want) {
				t.Errorf("expected call sites %+v, got %+v", tt.want, sites)
			}
		})
	}
}

func findEntry(entries []asmflow.EntryPoint, addr uint64) *asmflow.EntryPoint {
	for i := range entries {
		if entries[i].Addr == addr {
			return &entries[i]
		}
	}
	return nil
}

func TestDetectEntryPoints(t *testing.T) {
	// 0x00: push rbp; mov rbp, rsp    prologue, never called
	// 0x04: call 0x20
	// 0x09: ret
	// 0x20: push rbp; mov rbp, rsp    prologue, called from 0x04
	// 0x24: ret
	// 0x2f: ret                       boundary for the next push
	// 0x30: push rbx                  prologue, never called
	// 0x31: ret
	code := make([]byte, 0x50)
	code[0x00] = 0x55
	code[0x01] = 0x48
	code[0x02] = 0x89
	code[0x03] = 0xe5
	code[0x04] = 0xe8
	code[0x05] = 0x17
	code[0x09] = 0xc3
	code[0x20] = 0x55
	code[0x21] = 0x48
	code[0x22] = 0x89
	code[0x23] = 0xe5
	code[0x24] = 0xc3
	code[0x2f] = 0xc3
	code[0x30] = 0x53
	code[0x31] = 0xc3

	entries, err := asmflow.DetectEntryPoints(code, 0, "x86_64")
	if err != nil {
		t.Fatalf("DetectEntryPoints: %v", err)
	}
	if len(entries) < 3 {
		t.Fatalf("expected at least 3 entry points, got %d: %+v", len(entries), entries)
	}
	if !slices.IsSortedFunc(entries, func(a, b asmflow.EntryPoint) int {
		return cmp.Compare(a.Addr, b.Addr)
	}) {
		t.Errorf("expected entries sorted by address: %+v", entries)
	}

	converged := findEntry(entries, 0x20)
	if converged == nil {
		t.Fatalf("expected an entry point at 0x20: %+v", entries)
	}
	if converged.Signal != asmflow.EntryConverged {
		t.Errorf("expected signal %s, got %s", asmflow.EntryConverged, converged.Signal)
	}
	if converged.Confidence != asmflow.ConfidenceHigh {
		t.Errorf("expected high confidence, got %s", converged.Confidence)
	}
	if converged.Prologue != asmflow.PrologueFramePointer {
		t.Errorf("expected frame-pointer prologue, got %s", converged.Prologue)
	}
	if !slices.Equal(converged.CalledFrom, []uint64{0x04}) {
		t.Errorf("expected CalledFrom [0x04], got %v", converged.CalledFrom)
	}

	head := findEntry(entries, 0x00)
	if head == nil || head.Signal != asmflow.EntryPrologue || head.Confidence != asmflow.ConfidenceMedium {
		t.Errorf("expected a medium prologue-only entry at 0x00, got %+v", head)
	}
	tail := findEntry(entries, 0x30)
	if tail == nil || tail.Signal != asmflow.EntryPrologue || tail.Prologue != asmflow.ProloguePushOnly {
		t.Errorf("expected a push-only prologue entry at 0x30, got %+v", tail)
	}
}

func TestDetectEntryPointsJumpTarget(t *testing.T) {
	// jmp 0x10; ...; 0x10: ret  - an unconditional jump mints a
	// jump-target entry even without a prologue behind it.
	code := make([]byte, 0x20)
	code[0x00] = 0xe9
	code[0x01] = 0x0b
	code[0x10] = 0xc3

	entries, err := asmflow.DetectEntryPoints(code, 0, "x86_64")
	if err != nil {
		t.Fatalf("DetectEntryPoints: %v", err)
	}
	e := findEntry(entries, 0x10)
	if e == nil {
		t.Fatalf("expected an entry point at 0x10: %+v", entries)
	}
	if e.Signal != asmflow.EntryJumpTarget {
		t.Errorf("expected signal %s, got %s", asmflow.EntryJumpTarget, e.Signal)
	}
	if !slices.Equal(e.JumpedFrom, []uint64{0x00}) {
		t.Errorf("expected JumpedFrom [0x00], got %v", e.JumpedFrom)
	}
}

func TestDetectEntryPointsIgnoresOutOfRangeTargets(t *testing.T) {
	// call 0x200 from a 0x10-byte buffer: the target falls outside and
	// must not mint an entry point.
	code := make([]byte, 0x10)
	code[0x00] = 0xe8
	binary.LittleEndian.PutUint32(code[0x01:], 0x1fb)

	entries, err := asmflow.DetectEntryPoints(code, 0, "x86_64")
	if err != nil {
		t.Fatalf("DetectEntryPoints: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entry points, got %+v", entries)
	}
}

// encodeCallRel32 writes an AMD64 CALL rel32 instruction at code[offset:].
func encodeCallRel32(code []byte, offset int, baseAddr, target uint64) {
	source := baseAddr + uint64(offset)
	rel := int32(int64(target) - int64(source+5))
	code[offset] = 0xe8
	binary.LittleEndian.PutUint32(code[offset+1:], uint32(rel))
}

// encodeJmpRel32 writes an AMD64 JMP rel32 instruction at code[offset:].
func encodeJmpRel32(code []byte, offset int, baseAddr, target uint64) {
	source := baseAddr + uint64(offset)
	rel := int32(int64(target) - int64(source+5))
	code[offset] = 0xe9
	binary.LittleEndian.PutUint32(code[offset+1:], uint32(rel))
}

// arm64BranchInsn encodes an ARM64 BL or B instruction word. opBase is
// arm64BLBase for BL or arm64BBase for B.
func arm64BranchInsn(opBase uint32, source, target uint64) uint32 {
	off := int64(target) - int64(source)
	imm26 := uint32(off/4) & 0x03ffffff
	return opBase | imm26
}

// buildSyntheticAMD64 lays out a synthetic AMD64 text section with 12
// functions in 0x40-byte NOP-filled slots, exercising several prologue
// styles and a small call graph.
func buildSyntheticAMD64() (code []byte, baseAddr uint64) {
	const base = uint64(0x1000)
	code = make([]byte, 0x300)
	for i := range code {
		code[i] = 0x90
	}

	const (
		offMain  = 0x000
		offFuncA = 0x040
		offFuncB = 0x080
		offFuncC = 0x0c0
		offFuncD = 0x100
		offFuncE = 0x140
		offFuncF = 0x180
		offFuncG = 0x1c0
		offFuncH = 0x200
		offFuncI = 0x240
		offFuncJ = 0x280
		offFuncK = 0x2c0
	)

	framePrologue := func(off int) {
		code[off] = 0x55   // push rbp
		code[off+1] = 0x48 // mov rbp, rsp
		code[off+2] = 0x89
		code[off+3] = 0xe5
	}

	// main: frame prologue, calls funcA, funcB, funcC
	framePrologue(offMain)
	encodeCallRel32(code, offMain+4, base, base+offFuncA)
	encodeCallRel32(code, offMain+9, base, base+offFuncB)
	encodeCallRel32(code, offMain+14, base, base+offFuncC)
	code[offMain+19] = 0xc3

	// funcA: frame prologue, calls funcD, funcE, funcI
	framePrologue(offFuncA)
	encodeCallRel32(code, offFuncA+4, base, base+offFuncD)
	encodeCallRel32(code, offFuncA+9, base, base+offFuncE)
	encodeCallRel32(code, offFuncA+14, base, base+offFuncI)
	code[offFuncA+19] = 0xc3

	// funcB: frame prologue, calls funcE, funcF
	framePrologue(offFuncB)
	encodeCallRel32(code, offFuncB+4, base, base+offFuncE)
	encodeCallRel32(code, offFuncB+9, base, base+offFuncF)
	code[offFuncB+14] = 0xc3

	// funcC: frame prologue, calls funcJ, tail-jumps to funcK
	framePrologue(offFuncC)
	encodeCallRel32(code, offFuncC+4, base, base+offFuncJ)
	encodeJmpRel32(code, offFuncC+9, base, base+offFuncK)

	// funcD, funcE: frame prologue only
	framePrologue(offFuncD)
	code[offFuncD+4] = 0xc3
	framePrologue(offFuncE)
	code[offFuncE+4] = 0xc3

	// funcF: frame prologue, tail-jumps to funcG
	framePrologue(offFuncF)
	encodeJmpRel32(code, offFuncF+4, base, base+offFuncG)

	// funcG: frame prologue, reached only through the tail jump
	framePrologue(offFuncG)
	code[offFuncG+4] = 0xc3

	// funcH: push-only prologue behind a ret boundary, never called
	code[offFuncH-1] = 0xc3
	code[offFuncH] = 0x53 // push rbx
	code[offFuncH+1] = 0xc3

	// funcI: no prologue, call target only
	code[offFuncI] = 0xc3

	// funcJ: stack-alloc prologue behind a ret boundary
	code[offFuncJ-1] = 0xc3
	code[offFuncJ] = 0x48 // sub rsp, 0x20
	code[offFuncJ+1] = 0x83
	code[offFuncJ+2] = 0xec
	code[offFuncJ+3] = 0x20
	code[offFuncJ+4] = 0xc3

	// funcK: no prologue, jump target only
	code[offFuncK] = 0xc3

	return code, base
}

// buildSyntheticARM64 lays out the same 12-function call graph with ARM64
// encodings in 0x40-byte NOP-filled slots.
func buildSyntheticARM64() (code []byte, baseAddr uint64) {
	const base = uint64(0x10000)
	code = make([]byte, 0x300)
	for i := 0; i < len(code); i += 4 {
		binary.LittleEndian.PutUint32(code[i:], arm64NOP)
	}

	putInsn := func(off int, insn uint32) {
		binary.LittleEndian.PutUint32(code[off:], insn)
	}

	const (
		offMain  = 0x000
		offFuncA = 0x040
		offFuncB = 0x080
		offFuncC = 0x0c0
		offFuncD = 0x100
		offFuncE = 0x140
		offFuncF = 0x180
		offFuncG = 0x1c0
		offFuncH = 0x200
		offFuncI = 0x240
		offFuncJ = 0x280
		offFuncK = 0x2c0
	)

	pairPrologue := func(off int) {
		putInsn(off, arm64StpX29X30)
		putInsn(off+4, arm64MovX29SP)
	}
	bl := func(srcOff, dstOff int) uint32 {
		return arm64BranchInsn(arm64BLBase, base+uint64(srcOff), base+uint64(dstOff))
	}
	b := func(srcOff, dstOff int) uint32 {
		return arm64BranchInsn(arm64BBase, base+uint64(srcOff), base+uint64(dstOff))
	}

	// main: pair prologue, calls funcA, funcB, funcC
	pairPrologue(offMain)
	putInsn(offMain+8, bl(offMain+8, offFuncA))
	putInsn(offMain+12, bl(offMain+12, offFuncB))
	putInsn(offMain+16, bl(offMain+16, offFuncC))
	putInsn(offMain+20, arm64RET)

	// funcA: pair prologue, calls funcD, funcE, funcI
	pairPrologue(offFuncA)
	putInsn(offFuncA+8, bl(offFuncA+8, offFuncD))
	putInsn(offFuncA+12, bl(offFuncA+12, offFuncE))
	putInsn(offFuncA+16, bl(offFuncA+16, offFuncI))
	putInsn(offFuncA+20, arm64RET)

	// funcB: pair prologue, calls funcE, funcF
	pairPrologue(offFuncB)
	putInsn(offFuncB+8, bl(offFuncB+8, offFuncE))
	putInsn(offFuncB+12, bl(offFuncB+12, offFuncF))
	putInsn(offFuncB+16, arm64RET)

	// funcC: pair prologue, calls funcJ, tail-jumps to funcK
	pairPrologue(offFuncC)
	putInsn(offFuncC+8, bl(offFuncC+8, offFuncJ))
	putInsn(offFuncC+12, b(offFuncC+12, offFuncK))

	// funcD, funcE: pair prologue only
	pairPrologue(offFuncD)
	putInsn(offFuncD+8, arm64RET)
	pairPrologue(offFuncE)
	putInsn(offFuncE+8, arm64RET)

	// funcF: pair prologue, tail-jumps to funcG
	pairPrologue(offFuncF)
	putInsn(offFuncF+8, b(offFuncF+8, offFuncG))

	// funcG: bare pair spill, reached only through the tail jump
	putInsn(offFuncG, arm64StpX29X30)
	putInsn(offFuncG+8, arm64RET)

	// funcH: pair prologue, never called
	pairPrologue(offFuncH)
	putInsn(offFuncH+8, arm64RET)

	// funcI: no prologue, call target only
	putInsn(offFuncI, arm64RET)

	// funcJ: stack-alloc prologue behind a ret boundary
	putInsn(offFuncJ-4, arm64RET)
	putInsn(offFuncJ, arm64SubSPImm)
	putInsn(offFuncJ+4, arm64RET)

	// funcK: no prologue, jump target only
	putInsn(offFuncK, arm64RET)

	return code, base
}

// assertConvergence fuses entry points over a synthetic section and
// checks how many candidates both detectors agree on.
func assertConvergence(t *testing.T, code []byte, baseAddr uint64, arch string, minTotal, minConverged int, minRatio float64) {
	t.Helper()

	entries, err := asmflow.DetectEntryPoints(code, baseAddr, arch)
	if err != nil {
		t.Fatalf("DetectEntryPoints: %v", err)
	}

	counts := make(map[asmflow.EntrySignal]int)
	for _, e := range entries {
		counts[e.Signal]++
		t.Logf("  0x%x: %-12s (prologue: %s, calls: %d, jumps: %d)",
			e.Addr, e.Signal, e.Prologue, len(e.CalledFrom), len(e.JumpedFrom))
	}

	total := len(entries)
	converged := counts[asmflow.EntryConverged]
	ratio := float64(converged) / float64(total)
	t.Logf("total=%d converged=%d prologue=%d call-target=%d jump-target=%d ratio=%.3f",
		total, converged,
		counts[asmflow.EntryPrologue],
		counts[asmflow.EntryCallTarget],
		counts[asmflow.EntryJumpTarget],
		ratio)

	if total < minTotal {
		t.Errorf("expected >= %d entry points, got %d", minTotal, total)
	}
	if converged < minConverged {
		t.Errorf("expected >= %d converged entry points, got %d", minConverged, converged)
	}
	if ratio < minRatio {
		t.Errorf("convergence ratio %.3f < %.3f", ratio, minRatio)
	}
	if counts[asmflow.EntryPrologue] < 1 {
		t.Error("expected at least one prologue-only entry point")
	}
	if counts[asmflow.EntryCallTarget] < 1 {
		t.Error("expected at least one call-target entry point")
	}
	if counts[asmflow.EntryJumpTarget] < 1 {
		t.Error("expected at least one jump-target entry point")
	}
}

func TestDetectEntryPointsConvergence(t *testing.T) {
	// Call graph (both architectures):
	//   main  -> funcA, funcB, funcC   (calls)
	//   funcA -> funcD, funcE, funcI   (calls)
	//   funcB -> funcE, funcF          (calls)
	//   funcC -> funcJ, funcK          (call + tail jump)
	//   funcF -> funcG                 (tail jump)
	//   funcH                          (prologue only, never called)
	//
	// 12 functions, 8 of them backed by both signals.

	t.Run("amd64", func(t *testing.T) {
		code, base := buildSyntheticAMD64()
		assertConvergence(t, code, base, "x86_64", 10, 7, 0.6)
	})

	t.Run("arm64", func(t *testing.T) {
		code, base := buildSyntheticARM64()
		assertConvergence(t, code, base, "aarch64", 10, 7, 0.6)
	})
}

// buildSplitFixture lays out three x86-64 functions in 0x40-byte
// NOP-filled slots: a caller with a frame prologue, a callee with a frame
// prologue, and a bare callee recognizable only as a call target.
func buildSplitFixture(base uint64) []byte {
	code := make([]byte, 0xc0)
	for i := range code {
		code[i] = 0x90
	}

	code[0x00] = 0x55 // push rbp
	code[0x01] = 0x48 // mov rbp, rsp
	code[0x02] = 0x89
	code[0x03] = 0xe5
	encodeCallRel32(code, 0x04, base, base+0x40)
	encodeCallRel32(code, 0x09, base, base+0x80)
	code[0x0e] = 0xc3

	code[0x40] = 0x55
	code[0x41] = 0x48
	code[0x42] = 0x89
	code[0x43] = 0xe5
	code[0x44] = 0xc3

	code[0x80] = 0xc3

	return code
}

func TestSplitFunctions(t *testing.T) {
	code := buildSplitFixture(0x1000)
	fns, err := asmflow.SplitFunctions(code, 0x1000, "x86_64")
	if err != nil {
		t.Fatalf("SplitFunctions: %v", err)
	}
	if len(fns) != 3 {
		t.Fatalf("expected 3 functions, got %d: %+v", len(fns), fns)
	}

	for i, want := range []string{"sub_1000", "sub_1040", "sub_1080"} {
		if fns[i].Name != want {
			t.Errorf("expected function %d named %s, got %s", i, want, fns[i].Name)
		}
	}
	if got := mnemonics(fns[0])[:5]; !slices.Equal(got, []string{"push", "mov", "call", "call", "ret"}) {
		t.Errorf("expected the caller body push mov call call ret, got %v", got)
	}
	if got := mnemonics(fns[1])[:3]; !slices.Equal(got, []string{"push", "mov", "ret"}) {
		t.Errorf("expected the callee body push mov ret, got %v", got)
	}
	if fns[2].Instructions[0].Mnemonic != "ret" {
		t.Errorf("expected the bare callee to open with ret, got %q", fns[2].Instructions[0].Mnemonic)
	}
}

func TestSplitFunctionsNoBoundaries(t *testing.T) {
	fns, err := asmflow.SplitFunctions([]byte{0x90, 0xc3}, 0x1000, "x86_64")
	if err != nil {
		t.Fatalf("SplitFunctions: %v", err)
	}
	if len(fns) != 1 || fns[0].Name != "sub_1000" {
		t.Fatalf("expected a single whole-buffer function, got %+v", fns)
	}
	if got := mnemonics(fns[0]); !slices.Equal(got, []string{"nop", "ret"}) {
		t.Errorf("expected mnemonics [nop ret], got %v", got)
	}
}

func TestSplitFunctionsJumpTargetsDoNotSplit(t *testing.T) {
	// jmp 0x10 inside one function: the jump target alone must not
	// open a new function.
	code := make([]byte, 0x20)
	for i := range code {
		code[i] = 0x90
	}
	encodeJmpRel32(code, 0x00, 0, 0x10)
	code[0x10] = 0xc3

	fns, err := asmflow.SplitFunctions(code, 0, "x86_64")
	if err != nil {
		t.Fatalf("SplitFunctions: %v", err)
	}
	if len(fns) != 1 {
		t.Fatalf("expected 1 function, got %d: %+v", len(fns), fns)
	}
}

func TestSplitELF(t *testing.T) {
	code := buildSplitFixture(0x401000)
	image := minimalELF(t, elf.EM_X86_64, code, 0x401000)

	fns, err := asmflow.SplitELF(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("SplitELF: %v", err)
	}
	if len(fns) != 3 {
		t.Fatalf("expected 3 functions, got %d", len(fns))
	}
	for i, want := range []string{"sub_401000", "sub_401040", "sub_401080"} {
		if fns[i].Name != want {
			t.Errorf("expected function %d named %s, got %s", i, want, fns[i].Name)
		}
	}
}

func TestSplitELFInvalidReader(t *testing.T) {
	if _, err := asmflow.SplitELF(bytes.NewReader([]byte("not an elf"))); err == nil || !strings.Contains(err.Error(), "failed to parse ELF file") {
		t.Errorf("expected a parse error, got %v", err)
	}
}
