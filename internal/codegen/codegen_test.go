package codegen

import (
	"testing"

	"github.com/mathexpr/mathexpr/internal/abi"
	"github.com/mathexpr/mathexpr/internal/ast"
	"github.com/mathexpr/mathexpr/internal/regalloc"
	"github.com/mathexpr/mathexpr/internal/ssa"
	"github.com/mathexpr/mathexpr/internal/symtab"
)

func compileBody(t *testing.T, src string, desc *abi.Descriptor) *Emitter {
	t.Helper()
	expr, err := ast.Parse(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tbl := symtab.Collect(expr)
	fn := ssa.Build(expr, tbl)
	fn.ComputeLiveRanges()
	alloc := regalloc.Allocate(fn, desc)
	instrs := Select(fn, alloc, desc)
	return Emit(instrs, alloc.NumSlots, desc)
}

func sysvDescriptor() *abi.Descriptor {
	return &abi.Descriptor{
		Name:              "sysv-x64",
		VariablesArg:      abi.RDI,
		LiteralsArg:       abi.RSI,
		ReturnReg:         0,
		ScratchXMM:        []abi.XMM{1, 2, 3, 4, 5, 6},
		ArgXMMRegs:        []abi.XMM{0, 1, 2, 3, 4, 5, 6, 7},
		CodegenScratchXMM: 7,
		UsesFramePointer:  true,
		FrameBase:         abi.RBP,
	}
}

func windowsDescriptor() *abi.Descriptor {
	return &abi.Descriptor{
		Name:              "win64",
		VariablesArg:      abi.RCX,
		LiteralsArg:       abi.RDX,
		ReturnReg:         0,
		ScratchXMM:        []abi.XMM{1, 2, 3},
		ShadowSpace:       32,
		ArgXMMRegs:        []abi.XMM{0, 1, 2, 3},
		CodegenScratchXMM: 4,
		UsesFramePointer:  false,
		FrameBase:         abi.RSP,
	}
}

func TestEmitEndsInRet(t *testing.T) {
	e := compileBody(t, "a + b", sysvDescriptor())
	if len(e.Code) == 0 || e.Code[len(e.Code)-1] != 0xC3 {
		t.Fatalf("expected the last byte to be a ret (0xC3), got %x", e.Code)
	}
}

func TestEmitStartsWithPushRbp(t *testing.T) {
	e := compileBody(t, "a + b", sysvDescriptor())
	if len(e.Code) == 0 || e.Code[0] != 0x55 {
		t.Fatalf("expected the first byte to be push rbp (0x55), got %x", e.Code)
	}
}

func TestEmitProducesMatchingTextLines(t *testing.T) {
	e := compileBody(t, "sin(x) + cos(y)", sysvDescriptor())
	if len(e.Text) == 0 {
		t.Fatalf("expected non-empty disassembly text")
	}
	foundCall := false
	for _, line := range e.Text {
		if line == "call *%r11" {
			foundCall = true
		}
	}
	if !foundCall {
		t.Fatalf("expected a call instruction through the scratch register, text: %v", e.Text)
	}
}

func TestCallEmitsAbs64Relocation(t *testing.T) {
	e := compileBody(t, "sqrt(x)", sysvDescriptor())
	if len(e.Relocs) != 1 {
		t.Fatalf("expected exactly one relocation for a single call, got %d", len(e.Relocs))
	}
	if e.Relocs[0].Kind != RelocAbs64 {
		t.Fatalf("expected an Abs64 relocation, got %v", e.Relocs[0].Kind)
	}
	if e.Relocs[0].Symbol != "sqrt" {
		t.Fatalf("expected the relocation to name sqrt, got %q", e.Relocs[0].Symbol)
	}
}

func TestRelocateIsIdempotent(t *testing.T) {
	e := compileBody(t, "sqrt(x)", sysvDescriptor())
	symbols := map[string]uintptr{"sqrt": 0x7f0000001000}
	code1 := make([]byte, len(e.Code))
	copy(code1, e.Code)
	if err := Relocate(code1, e.Relocs, 0x400000, symbols); err != nil {
		t.Fatalf("first relocate: %v", err)
	}
	code2 := make([]byte, len(e.Code))
	copy(code2, e.Code)
	if err := Relocate(code2, e.Relocs, 0x400000, symbols); err != nil {
		t.Fatalf("second relocate: %v", err)
	}
	for i := range code1 {
		if code1[i] != code2[i] {
			t.Fatalf("relocation was not idempotent at byte %d: %x vs %x", i, code1[i], code2[i])
		}
	}
}

func TestWindowsEmitOmitsFramePointer(t *testing.T) {
	e := compileBody(t, "a + b", windowsDescriptor())
	if len(e.Code) == 0 || e.Code[0] == 0x55 {
		t.Fatalf("windows prologue must not push rbp, got first byte %x", e.Code[0])
	}
	for _, line := range e.Text {
		if line == "push %rbp" || line == "leave" {
			t.Fatalf("windows disassembly must not mention a frame pointer, text: %v", e.Text)
		}
	}
}

func TestWindowsEmitEndsInRet(t *testing.T) {
	e := compileBody(t, "a + b", windowsDescriptor())
	if len(e.Code) == 0 || e.Code[len(e.Code)-1] != 0xC3 {
		t.Fatalf("expected the last byte to be a ret (0xC3), got %x", e.Code)
	}
}

func TestNegLowersToXorpsNotSubtraction(t *testing.T) {
	e := compileBody(t, "-x + 1", sysvDescriptor())
	foundXorps := false
	foundSubsd := false
	for _, line := range e.Text {
		switch {
		case len(line) >= 5 && line[:5] == "xorps":
			foundXorps = true
		case len(line) >= 5 && line[:5] == "subsd":
			foundSubsd = true
		}
	}
	if !foundXorps {
		t.Fatalf("expected unary negation to lower to xorps against the sign mask, text: %v", e.Text)
	}
	if foundSubsd {
		t.Fatalf("unary negation must not lower to a 0.0 - x subtraction, text: %v", e.Text)
	}
}

func TestNegMaskPoolIsSkippedByPrologueJump(t *testing.T) {
	e := compileBody(t, "-x", sysvDescriptor())
	// push rbp; mov rbp,rsp; sub rsp,imm32 (if any); then jmp rel8 (0xEB) over
	// the 16-byte sign mask constant pool.
	i := 1 + 3
	if len(e.Code) > i+3 && e.Code[i] == 0x48 && e.Code[i+1] == 0x81 && e.Code[i+2] == 0xEC {
		i += 7
	}
	if e.Code[i] != 0xEB || e.Code[i+1] != 16 {
		t.Fatalf("expected a jmp rel8 +16 over the sign mask pool at offset %d, got %x", i, e.Code[i:i+2])
	}
}

func TestRelocateUnknownSymbol(t *testing.T) {
	e := compileBody(t, "sqrt(x)", sysvDescriptor())
	err := Relocate(e.Code, e.Relocs, 0x400000, map[string]uintptr{})
	if err == nil {
		t.Fatalf("expected an unknown-symbol error")
	}
	if _, ok := err.(*ErrUnknownSymbol); !ok {
		t.Fatalf("expected *ErrUnknownSymbol, got %T", err)
	}
}
