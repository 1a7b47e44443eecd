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

// Package codegen selects target instructions for a register-allocated
// SSA function (C6), encodes them to bit-exact x86-64 machine code
// alongside a matching text disassembly (C7), and resolves the
// relocations the encoder deferred against final addresses (C8).
package codegen

import (
	"github.com/mathexpr/mathexpr/internal/abi"
	"github.com/mathexpr/mathexpr/internal/ssa"
)

// Instr is one selected target instruction. Each implementation knows
// how to encode itself onto an Emitter, producing both bytes and the
// matching assembly text line.
type Instr interface {
	emit(e *Emitter)
}

type MovRegToReg struct{ Dst, Src abi.XMM }

func (i MovRegToReg) emit(e *Emitter) { e.movsdRR(i.Dst, i.Src) }

type MovMemToReg struct {
	Dst  abi.XMM
	Base abi.Reg
	Disp int32
}

func (i MovMemToReg) emit(e *Emitter) { e.movsdLoad(i.Dst, i.Base, i.Disp) }

type MovRegToMem struct {
	Base abi.Reg
	Disp int32
	Src  abi.XMM
}

func (i MovRegToMem) emit(e *Emitter) { e.movsdStore(i.Base, i.Disp, i.Src) }

// NegXor flips Dst's scalar double sign bit in place by xor-ing it
// against the sign-bit mask constant the emitter places once, right
// after the prologue.
type NegXor struct{ Dst abi.XMM }

func (i NegXor) emit(e *Emitter) { e.xorpsRipRel(i.Dst, e.negMaskOffset) }

type ArithRR struct {
	Op       ssa.Op
	Dst, Src abi.XMM
}

func (i ArithRR) emit(e *Emitter) { e.arithRR(i.Op, i.Dst, i.Src) }

type ArithRM struct {
	Op   ssa.Op
	Dst  abi.XMM
	Base abi.Reg
	Disp int32
}

func (i ArithRM) emit(e *Emitter) { e.arithRM(i.Op, i.Dst, i.Base, i.Disp) }

// LoadAddrToReg materializes the absolute address of a native
// function (resolved at relocation time) into a general-purpose
// register via a deferred Abs64 relocation.
type LoadAddrToReg struct {
	Dst    abi.Reg
	Symbol string
}

func (i LoadAddrToReg) emit(e *Emitter) { e.movImm64Reloc(i.Dst, i.Symbol) }

type CallReg struct{ Reg abi.Reg }

func (i CallReg) emit(e *Emitter) { e.callReg(i.Reg) }

type Ret struct{}

func (i Ret) emit(e *Emitter) { e.epilogue() }
