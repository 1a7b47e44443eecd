// Copyright (c) 2024 The Falcon Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.
package codegen

import (
	"encoding/binary"
	"fmt"

	"github.com/mathexpr/mathexpr/internal/abi"
	"github.com/mathexpr/mathexpr/internal/ssa"
)

// RelocKind distinguishes the two patch shapes C8 applies.
type RelocKind int

const (
	RelocAbs64 RelocKind = iota
	RelocRel32
)

// Reloc is a deferred patch: at Offset bytes into Code, 8 (Abs64) or
// 4 (Rel32) bytes are overwritten once Symbol's final address is
// known. Addend lets Rel32 relocations account for the bytes of the
// instruction following the patched displacement field.
type Reloc struct {
	Offset int
	Kind   RelocKind
	Symbol string
	Addend int64
}

// Emitter accumulates machine code bytes, a parallel assembly text
// listing, and any relocations the byte encoder had to defer.
type Emitter struct {
	Code   []byte
	Text   []string
	Relocs []Reloc

	// negMaskOffset is the byte offset of the sign-bit mask constant
	// emitNegMaskPool placed in Code, used by every NegXor instruction.
	negMaskOffset int

	// usesFramePointer and frameSize record the prologue's shape so
	// epilogue can emit the matching leave/add-rsp sequence.
	usesFramePointer bool
	frameSize        int32
}

func (e *Emitter) line(format string, args ...interface{}) {
	e.Text = append(e.Text, fmt.Sprintf(format, args...))
}

func needRex(regs ...int) bool {
	for _, r := range regs {
		if r >= 8 {
			return true
		}
	}
	return false
}

func rex(w, r, x, b bool) byte {
	bit := func(set bool, shift uint) byte {
		if set {
			return 1 << shift
		}
		return 0
	}
	return 0x40 | bit(w, 3) | bit(r, 2) | bit(x, 1) | bit(b, 0)
}

func modrm(mod, reg, rm int) byte {
	return byte((mod&3)<<6 | (reg&7)<<3 | (rm & 7))
}

// memModRM emits the ModR/M byte and a disp8 or disp32 displacement
// for a [base+disp] memory operand addressed with no index/scale.
// An RSP/R12 base (RSP is the Windows-x64 frame base) additionally
// gets the SIB byte its r/m code 4 requires.
func (e *Emitter) memModRM(reg, base int, disp int32) {
	var sib []byte
	if base&7 == 4 {
		sib = []byte{0x24} // scale 1, no index, base rsp/r12
	}
	switch {
	case disp == 0 && base&7 != 5: // RBP/R13 base always needs an explicit disp
		e.Code = append(e.Code, modrm(0, reg, base))
		e.Code = append(e.Code, sib...)
	case disp >= -128 && disp <= 127:
		e.Code = append(e.Code, modrm(1, reg, base))
		e.Code = append(e.Code, sib...)
		e.Code = append(e.Code, byte(int8(disp)))
	default:
		e.Code = append(e.Code, modrm(2, reg, base))
		e.Code = append(e.Code, sib...)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(disp))
		e.Code = append(e.Code, buf[:]...)
	}
}

func xmmName(r abi.XMM) string { return fmt.Sprintf("xmm%d", int(r)) }

func (e *Emitter) movsdRR(dst, src abi.XMM) {
	if needRex(int(dst), int(src)) {
		e.Code = append(e.Code, rex(false, int(dst) >= 8, false, int(src) >= 8))
	}
	e.Code = append(e.Code, 0xF2, 0x0F, 0x10, modrm(3, int(dst), int(src)))
	e.line("movsd %%%s, %%%s", xmmName(src), xmmName(dst))
}

func (e *Emitter) movsdLoad(dst abi.XMM, base abi.Reg, disp int32) {
	if needRex(int(dst), int(base)) {
		e.Code = append(e.Code, rex(false, int(dst) >= 8, false, int(base) >= 8))
	}
	e.Code = append(e.Code, 0xF2, 0x0F, 0x10)
	e.memModRM(int(dst), int(base), disp)
	e.line("movsd %d(%%%s), %%%s", disp, base, xmmName(dst))
}

func (e *Emitter) movsdStore(base abi.Reg, disp int32, src abi.XMM) {
	if needRex(int(src), int(base)) {
		e.Code = append(e.Code, rex(false, int(src) >= 8, false, int(base) >= 8))
	}
	e.Code = append(e.Code, 0xF2, 0x0F, 0x11)
	e.memModRM(int(src), int(base), disp)
	e.line("movsd %%%s, %d(%%%s)", xmmName(src), disp, base)
}

// signMaskConstant is the 16-byte xorps operand that flips a scalar
// double's sign bit: the low quadword is the bare sign bit (1<<63),
// the high quadword is zero so it leaves the (already-zeroed, per
// movsd's scalar load semantics) upper half of the register alone.
var signMaskConstant = [16]byte{0, 0, 0, 0, 0, 0, 0, 0x80, 0, 0, 0, 0, 0, 0, 0, 0}

// emitNegMaskPool appends a short jump over the sign-mask constant
// pool and the constant itself, returning the pool's offset within
// Code. Placed once, right after the prologue, so every xorpsRipRel
// negation in the body can reference it with a trivial disp32.
func (e *Emitter) emitNegMaskPool() int {
	e.Code = append(e.Code, 0xEB, byte(len(signMaskConstant))) // jmp rel8, +16
	e.line("jmp .+%d", len(signMaskConstant))
	poolOffset := len(e.Code)
	e.Code = append(e.Code, signMaskConstant[:]...)
	e.line("; sign-bit mask constant")
	return poolOffset
}

// xorpsRipRel negates dst's scalar double by xor-ing it, in place,
// against the sign-bit mask constant at poolOffset, addressed via
// RIP-relative [rip+disp32]. This is the canonical lowering for unary
// negation: unlike `0.0 - x`, it preserves the sign of +0.0/-0.0 and
// leaves a NaN's payload bits untouched while still flipping its sign.
func (e *Emitter) xorpsRipRel(dst abi.XMM, poolOffset int) {
	if needRex(int(dst)) {
		e.Code = append(e.Code, rex(false, int(dst) >= 8, false, false))
	}
	e.Code = append(e.Code, 0x0F, 0x57, modrm(0, int(dst), 5))
	patchPos := len(e.Code)
	e.Code = append(e.Code, 0, 0, 0, 0)
	disp := int32(poolOffset - (patchPos + 4))
	binary.LittleEndian.PutUint32(e.Code[patchPos:], uint32(disp))
	e.line("xorps %d(%%rip), %%%s", disp, xmmName(dst))
}

func arithOpcode(op ssa.Op) (byte, string) {
	switch op {
	case ssa.OpAdd:
		return 0x58, "addsd"
	case ssa.OpSub:
		return 0x5C, "subsd"
	case ssa.OpMul:
		return 0x59, "mulsd"
	case ssa.OpDiv:
		return 0x5E, "divsd"
	default:
		panic(fmt.Sprintf("not an arithmetic op: %v", op))
	}
}

func (e *Emitter) arithRR(op ssa.Op, dst, src abi.XMM) {
	opcode, mnemonic := arithOpcode(op)
	if needRex(int(dst), int(src)) {
		e.Code = append(e.Code, rex(false, int(dst) >= 8, false, int(src) >= 8))
	}
	e.Code = append(e.Code, 0xF2, 0x0F, opcode, modrm(3, int(dst), int(src)))
	e.line("%s %%%s, %%%s", mnemonic, xmmName(src), xmmName(dst))
}

func (e *Emitter) arithRM(op ssa.Op, dst abi.XMM, base abi.Reg, disp int32) {
	opcode, mnemonic := arithOpcode(op)
	if needRex(int(dst), int(base)) {
		e.Code = append(e.Code, rex(false, int(dst) >= 8, false, int(base) >= 8))
	}
	e.Code = append(e.Code, 0xF2, 0x0F, opcode)
	e.memModRM(int(dst), int(base), disp)
	e.line("%s %d(%%%s), %%%s", mnemonic, disp, base, xmmName(dst))
}

// movImm64Reloc emits `mov reg, imm64` with the immediate left as a
// zero placeholder and a deferred Abs64 relocation recorded against
// it; C8 patches the 8 placeholder bytes once the symbol's final
// address is known.
func (e *Emitter) movImm64Reloc(reg abi.Reg, symbol string) {
	e.Code = append(e.Code, rex(true, false, false, int(reg) >= 8))
	e.Code = append(e.Code, 0xB8+byte(int(reg)&7))
	e.Relocs = append(e.Relocs, Reloc{Offset: len(e.Code), Kind: RelocAbs64, Symbol: symbol})
	e.Code = append(e.Code, make([]byte, 8)...)
	e.line("movabs $%s, %%%s", symbol, reg)
}

func (e *Emitter) callReg(reg abi.Reg) {
	e.Code = append(e.Code, rex(false, false, false, int(reg) >= 8))
	e.Code = append(e.Code, 0xFF, modrm(3, 2, int(reg)))
	e.line("call *%%%s", reg)
}

// prologue emits the platform's function entry sequence: System-V
// establishes a frame pointer (push rbp / mov rbp,rsp) before
// reserving frameSize bytes of stack; Windows-x64 reserves the same
// bytes with a bare sub rsp and never sets up rbp (spill slots are
// then addressed directly off rsp; see internal/abi's FrameBase).
// Either way it ends by placing the sign-bit mask constant pool every
// NegXor instruction in the body will reference.
func (e *Emitter) prologue(desc *abi.Descriptor, frameSize int32) {
	e.usesFramePointer = desc.UsesFramePointer
	e.frameSize = frameSize
	if desc.UsesFramePointer {
		e.Code = append(e.Code, 0x55) // push rbp
		e.line("push %%rbp")
		e.Code = append(e.Code, 0x48, 0x89, 0xE5) // mov rbp, rsp
		e.line("mov %%rsp, %%rbp")
	}
	if frameSize > 0 {
		e.Code = append(e.Code, 0x48, 0x81, 0xEC)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(frameSize))
		e.Code = append(e.Code, buf[:]...)
		e.line("sub $%d, %%rsp", frameSize)
	}
	e.negMaskOffset = e.emitNegMaskPool()
}

// epilogue emits leave; ret on System-V, or add rsp,frameSize; ret on
// Windows-x64, matching whichever prologue shape ran.
func (e *Emitter) epilogue() {
	if e.usesFramePointer {
		e.Code = append(e.Code, 0xC9) // leave
		e.line("leave")
	} else if e.frameSize > 0 {
		e.Code = append(e.Code, 0x48, 0x81, 0xC4)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(e.frameSize))
		e.Code = append(e.Code, buf[:]...)
		e.line("add $%d, %%rsp", e.frameSize)
	}
	e.Code = append(e.Code, 0xC3) // ret
	e.line("ret")
}
