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

// Package ssa lowers a parsed expression into a straight-line,
// single-assignment statement list: no blocks, no phi nodes, no
// control flow, just a linear program order every statement computes
// into exactly once. Ownership is arena-based: statements live in an
// append-only slice addressed by stable StmtIndex handles, while the
// actual execution order is a separate, freely-spliceable slice so
// the register allocator can insert spill/reload statements without
// invalidating any operand reference held elsewhere in the arena.
package ssa

import (
	"fmt"

	"github.com/mathexpr/mathexpr/internal/ast"
	"github.com/mathexpr/mathexpr/internal/symtab"
)

type Op int

const (
	OpLoadVar Op = iota
	OpLoadLit
	OpNeg
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpCall
)

func (op Op) String() string {
	switch op {
	case OpLoadVar:
		return "loadvar"
	case OpLoadLit:
		return "loadlit"
	case OpNeg:
		return "neg"
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpDiv:
		return "div"
	case OpCall:
		return "call"
	default:
		return "?"
	}
}

func fromBinOp(op ast.BinOp) Op {
	switch op {
	case ast.Add:
		return OpAdd
	case ast.Sub:
		return OpSub
	case ast.Mul:
		return OpMul
	case ast.Div:
		return OpDiv
	default:
		panic(fmt.Sprintf("unhandled ast.BinOp %v", op))
	}
}

// StmtIndex is a stable handle into a Function's arena. It never
// changes once assigned, even as Order is edited.
type StmtIndex int

// Statement is one SSA value: its operands are StmtIndex handles into
// the same arena, never pointers, so the arena can be range-iterated
// and appended to without invalidating any reference.
type Statement struct {
	Index    StmtIndex
	Op       Op
	Args     []StmtIndex // operand statements, empty for LoadVar/LoadLit
	Symbol   symtab.Symbol
	CallName string // set when Op == OpCall

	// LiveStart/LiveEnd is the statement's live range [start, end) in
	// terms of Order positions, filled in by ComputeLiveRanges.
	LiveStart int
	LiveEnd   int
}

// IsLeaf reports whether the statement has no SSA operands (loads).
func (s *Statement) IsLeaf() bool { return s.Op == OpLoadVar || s.Op == OpLoadLit }

// Function is a compiled expression's SSA representation: an
// append-only arena of statements plus the mutable linear order in
// which they execute. Order always ends with the statement that
// produces the function's return value.
type Function struct {
	Arena []*Statement
	Order []StmtIndex
}

func (f *Function) newStatement(op Op) *Statement {
	s := &Statement{Index: StmtIndex(len(f.Arena)), Op: op}
	f.Arena = append(f.Arena, s)
	return s
}

func (f *Function) Stmt(idx StmtIndex) *Statement { return f.Arena[idx] }

// Build lowers expr into straight-line SSA form, sharing a single
// statement for every appearance of the same variable or identical
// literal text (matching symtab's deduplication), and appends each
// new statement to Order as it is built — post-order, so every
// operand's defining statement precedes its use in program order.
func Build(expr ast.Expr, tbl *symtab.Table) *Function {
	f := &Function{}
	varStmt := make(map[string]StmtIndex)
	litStmt := make(map[string]StmtIndex)

	var lower func(ast.Expr) StmtIndex
	lower = func(e ast.Expr) StmtIndex {
		switch n := e.(type) {
		case *ast.Variable:
			if idx, ok := varStmt[n.Name]; ok {
				return idx
			}
			sym := tbl.Lookup(n.Name)
			s := f.newStatement(OpLoadVar)
			s.Symbol = sym
			f.Order = append(f.Order, s.Index)
			varStmt[n.Name] = s.Index
			return s.Index

		case *ast.Literal:
			if idx, ok := litStmt[n.Text]; ok {
				return idx
			}
			sym := tbl.LookupLiteral(n.Value, n.Text)
			s := f.newStatement(OpLoadLit)
			s.Symbol = sym
			f.Order = append(f.Order, s.Index)
			litStmt[n.Text] = s.Index
			return s.Index

		case *ast.Unary:
			operand := lower(n.Operand)
			s := f.newStatement(OpNeg)
			s.Args = []StmtIndex{operand}
			f.Order = append(f.Order, s.Index)
			return s.Index

		case *ast.Binary:
			left := lower(n.Left)
			right := lower(n.Right)
			s := f.newStatement(fromBinOp(n.Op))
			s.Args = []StmtIndex{left, right}
			f.Order = append(f.Order, s.Index)
			return s.Index

		case *ast.Call:
			args := make([]StmtIndex, len(n.Args))
			for i, a := range n.Args {
				args[i] = lower(a)
			}
			s := f.newStatement(OpCall)
			s.Args = args
			s.CallName = n.Name
			f.Order = append(f.Order, s.Index)
			return s.Index

		default:
			panic(fmt.Sprintf("unhandled ast node %T", e))
		}
	}
	lower(expr)
	return f
}

// ComputeLiveRanges computes a [start, end) live interval for every
// statement in Order, in forward passes over Order: a statement's range
// starts at its own defining position and widens to cover the
// position of its last use. A statement that is never used past its
// own definition (true of the final statement, the function result)
// gets the half-open range [def, def+1).
func (f *Function) ComputeLiveRanges() {
	pos := make(map[StmtIndex]int, len(f.Order))
	for i, idx := range f.Order {
		pos[idx] = i
		s := f.Stmt(idx)
		s.LiveStart = i
		s.LiveEnd = i + 1
	}
	for i, idx := range f.Order {
		s := f.Stmt(idx)
		for _, argIdx := range s.Args {
			arg := f.Stmt(argIdx)
			if i+1 > arg.LiveEnd {
				arg.LiveEnd = i + 1
			}
		}
	}
}

// Result returns the index of the statement computing the function's
// final value: the last entry in Order.
func (f *Function) Result() StmtIndex {
	return f.Order[len(f.Order)-1]
}
