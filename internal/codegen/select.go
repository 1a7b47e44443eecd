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
	"github.com/mathexpr/mathexpr/internal/abi"
	"github.com/mathexpr/mathexpr/internal/regalloc"
	"github.com/mathexpr/mathexpr/internal/ssa"
	"github.com/mathexpr/mathexpr/internal/utils"
)

type operand struct {
	isReg bool
	reg   abi.XMM
	base  abi.Reg
	disp  int32
}

// stackDisp computes a spill slot's displacement relative to
// desc.FrameBase. With a frame pointer (System-V), rbp holds the
// pre-`sub` stack pointer, so slots sit at negative offsets below it.
// Without one (Windows), rsp itself is the frame base, so slots sit
// at positive offsets above the shadow space reserved at its bottom.
func stackDisp(desc *abi.Descriptor, slot int) int32 {
	if desc.UsesFramePointer {
		return -int32(8 * (slot + 1))
	}
	return int32(desc.ShadowSpace + 8*slot)
}

func resolveOperand(fn *ssa.Function, alloc *regalloc.Allocation, desc *abi.Descriptor, idx ssa.StmtIndex) operand {
	s := fn.Stmt(idx)
	if s.IsLeaf() {
		base := desc.VariablesArg
		if s.Op == ssa.OpLoadLit {
			base = desc.LiteralsArg
		}
		return operand{base: base, disp: int32(s.Symbol.Offset())}
	}
	loc, ok := alloc.Loc[idx]
	utils.Assert(ok, "statement %d has no assigned location", idx)
	if loc.Kind == regalloc.LocRegister {
		return operand{isReg: true, reg: loc.Reg}
	}
	return operand{base: desc.FrameBase, disp: stackDisp(desc, loc.Slot)}
}

// dest returns the register a statement's value should be computed
// into (its own assigned register, or the shared compute-then-spill
// scratch register when its final home is the stack), plus whether a
// store to that stack slot is needed afterward.
func dest(alloc *regalloc.Allocation, desc *abi.Descriptor, idx ssa.StmtIndex) (reg abi.XMM, isStack bool, slot int) {
	loc := alloc.Loc[idx]
	if loc.Kind == regalloc.LocRegister {
		return loc.Reg, false, 0
	}
	return desc.ReturnReg, true, loc.Slot
}

// emitArgMoves materializes a call's arguments into their ABI argument
// registers. With two register-resident arguments it's possible for
// the first move's destination to alias the second argument's source
// register, or for the two arguments to need a genuine swap; handle
// both by reordering, or by routing a true swap through a scratch xmm
// register outside the ABI's argument set so neither source is
// clobbered before it's read.
func emitArgMoves(fn *ssa.Function, alloc *regalloc.Allocation, desc *abi.Descriptor, args []ssa.StmtIndex, materialize func(abi.XMM, ssa.StmtIndex), emit func(Instr)) {
	switch len(args) {
	case 0:
		return
	case 1:
		materialize(desc.ArgXMM(0), args[0])
	case 2:
		dst0, dst1 := desc.ArgXMM(0), desc.ArgXMM(1)
		op0 := resolveOperand(fn, alloc, desc, args[0])
		op1 := resolveOperand(fn, alloc, desc, args[1])
		switch {
		case op0.isReg && op0.reg == dst1 && op1.isReg && op1.reg == dst0:
			tmp := desc.CodegenScratchXMM
			emit(MovRegToReg{Dst: tmp, Src: op0.reg})
			materialize(dst1, args[1])
			emit(MovRegToReg{Dst: dst0, Src: tmp})
		case op1.isReg && op1.reg == dst0:
			materialize(dst1, args[1])
			materialize(dst0, args[0])
		default:
			materialize(dst0, args[0])
			materialize(dst1, args[1])
		}
	default:
		utils.ShouldNotReachHere()
	}
}

// Select performs instruction selection (C6) over a register-allocated
// SSA function, returning the flat list of target instructions for
// its body, ending with the Ret instruction that emits the epilogue.
// The prologue is not included: Emit adds it once the final frame
// size is known.
func Select(fn *ssa.Function, alloc *regalloc.Allocation, desc *abi.Descriptor) []Instr {
	var instrs []Instr
	emit := func(i Instr) { instrs = append(instrs, i) }

	materialize := func(dstReg abi.XMM, idx ssa.StmtIndex) {
		opnd := resolveOperand(fn, alloc, desc, idx)
		if opnd.isReg {
			if opnd.reg != dstReg {
				emit(MovRegToReg{Dst: dstReg, Src: opnd.reg})
			}
			return
		}
		emit(MovMemToReg{Dst: dstReg, Base: opnd.base, Disp: opnd.disp})
	}

	for _, idx := range fn.Order {
		s := fn.Stmt(idx)
		if s.IsLeaf() {
			continue
		}

		switch s.Op {
		case ssa.OpNeg:
			dstReg, isStack, slot := dest(alloc, desc, idx)
			materialize(dstReg, s.Args[0])
			emit(NegXor{Dst: dstReg})
			if isStack {
				emit(MovRegToMem{Base: desc.FrameBase, Disp: stackDisp(desc, slot), Src: dstReg})
			}

		case ssa.OpAdd, ssa.OpSub, ssa.OpMul, ssa.OpDiv:
			dstReg, isStack, slot := dest(alloc, desc, idx)
			left := resolveOperand(fn, alloc, desc, s.Args[0])
			if !(left.isReg && left.reg == dstReg) {
				materialize(dstReg, s.Args[0])
			}
			right := resolveOperand(fn, alloc, desc, s.Args[1])
			if right.isReg {
				emit(ArithRR{Op: s.Op, Dst: dstReg, Src: right.reg})
			} else {
				emit(ArithRM{Op: s.Op, Dst: dstReg, Base: right.base, Disp: right.disp})
			}
			if isStack {
				emit(MovRegToMem{Base: desc.FrameBase, Disp: stackDisp(desc, slot), Src: dstReg})
			}

		case ssa.OpCall:
			emitArgMoves(fn, alloc, desc, s.Args, materialize, emit)
			emit(LoadAddrToReg{Dst: abi.CallScratchGP, Symbol: s.CallName})
			emit(CallReg{Reg: abi.CallScratchGP})
			dstReg, isStack, slot := dest(alloc, desc, idx)
			if dstReg != desc.ReturnReg {
				emit(MovRegToReg{Dst: dstReg, Src: desc.ReturnReg})
			}
			if isStack {
				emit(MovRegToMem{Base: desc.FrameBase, Disp: stackDisp(desc, slot), Src: dstReg})
			}

		default:
			utils.ShouldNotReachHere()
		}
	}

	materialize(desc.ReturnReg, fn.Result())
	emit(Ret{})
	return instrs
}

// Emit encodes instrs to machine code and assembly text, wrapped in a
// prologue/epilogue sized for numSlots local spill slots plus the
// platform's call shadow space.
func Emit(instrs []Instr, numSlots int, desc *abi.Descriptor) *Emitter {
	e := &Emitter{}
	frameSize := utils.Align16(numSlots*8 + desc.ShadowSpace)
	e.prologue(desc, int32(frameSize))
	for _, instr := range instrs {
		instr.emit(e)
	}
	return e
}
