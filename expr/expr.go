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

// Package expr is the end-to-end façade: it takes expression source
// text and produces a compiled, directly callable evaluator backed by
// real JIT'd x86-64 machine code, running entirely in-process with no
// external toolchain.
package expr

import (
	"fmt"

	"github.com/ebitengine/purego"

	"github.com/mathexpr/mathexpr/internal/abi"
	"github.com/mathexpr/mathexpr/internal/ast"
	"github.com/mathexpr/mathexpr/internal/codegen"
	"github.com/mathexpr/mathexpr/internal/execmem"
	"github.com/mathexpr/mathexpr/internal/mathlib"
	"github.com/mathexpr/mathexpr/internal/regalloc"
	"github.com/mathexpr/mathexpr/internal/ssa"
	"github.com/mathexpr/mathexpr/internal/symtab"
)

// ErrArity reports a function call with the wrong number of
// arguments for the name it invokes.
type ErrArity struct {
	Name     string
	Got      int
	Expected int
}

func (e *ErrArity) Error() string {
	return fmt.Sprintf("%s expects %d argument(s), got %d", e.Name, e.Expected, e.Got)
}

// ErrUnknownFunction reports a call to a name this compiler does not
// recognize as a math intrinsic at all.
type ErrUnknownFunction struct {
	Name string
}

func (e *ErrUnknownFunction) Error() string {
	return fmt.Sprintf("unknown function: %s", e.Name)
}

// Expr is a compiled expression: a live, callable JIT artifact plus
// enough bookkeeping to marshal named variables into the flat array
// layout its machine code expects.
type Expr struct {
	source    string
	page      *execmem.Page
	call      func(vars, literals *float64) float64
	varIndex  map[string]int
	nvars     int
	literals  []float64
	asmText   []string
	machCode  []byte
}

// Disassembly returns the textual assembly listing produced alongside
// the machine code, in emission order.
func (e *Expr) Disassembly() []string { return e.asmText }

// MachineCode returns the raw bytes written into the executable page.
func (e *Expr) MachineCode() []byte { return e.machCode }

func validateCalls(expr ast.Expr) error {
	var walk func(ast.Expr) error
	walk = func(e ast.Expr) error {
		switch n := e.(type) {
		case *ast.Call:
			if !mathlib.IsKnown(n.Name) {
				return &ErrUnknownFunction{Name: n.Name}
			}
			if want := mathlib.Arity(n.Name); want != len(n.Args) {
				return &ErrArity{Name: n.Name, Got: len(n.Args), Expected: want}
			}
			for _, a := range n.Args {
				if err := walk(a); err != nil {
					return err
				}
			}
		case *ast.Unary:
			return walk(n.Operand)
		case *ast.Binary:
			if err := walk(n.Left); err != nil {
				return err
			}
			return walk(n.Right)
		}
		return nil
	}
	return walk(expr)
}

// Compile parses, compiles, and JIT-assembles source into a callable
// Expr. It returns a *lexer.LexError, *ast.ParseError, *ErrArity,
// *ErrUnknownFunction, *abi.ErrUnsupportedPlatform/ErrUnsupportedISA,
// or *codegen.ErrUnknownSymbol depending on where compilation fails.
func Compile(source string) (*Expr, error) {
	tree, err := ast.Parse(source)
	if err != nil {
		return nil, err
	}
	if err := validateCalls(tree); err != nil {
		return nil, err
	}

	tbl := symtab.Collect(tree)
	fn := ssa.Build(tree, tbl)
	fn.ComputeLiveRanges()

	desc, err := abi.Host()
	if err != nil {
		return nil, err
	}

	alloc := regalloc.Allocate(fn, desc)
	instrs := codegen.Select(fn, alloc, desc)
	emitter := codegen.Emit(instrs, alloc.NumSlots, desc)

	registry, err := mathlib.Open()
	if err != nil {
		return nil, fmt.Errorf("expr: opening math runtime: %w", err)
	}

	page, err := execmem.New(len(emitter.Code))
	if err != nil {
		return nil, fmt.Errorf("expr: allocating executable memory: %w", err)
	}

	if err := codegen.Relocate(emitter.Code, emitter.Relocs, page.Addr(), registry.Symbols()); err != nil {
		page.Close()
		return nil, err
	}
	if err := page.Write(emitter.Code); err != nil {
		page.Close()
		return nil, err
	}
	if err := page.Lock(); err != nil {
		page.Close()
		return nil, err
	}

	var callFn func(vars, literals *float64) float64
	purego.RegisterFunc(&callFn, page.Addr())

	varIndex := make(map[string]int, len(tbl.Variables))
	for _, v := range tbl.Variables {
		varIndex[v.Name] = v.Index
	}
	literals := make([]float64, len(tbl.Literals))
	for _, l := range tbl.Literals {
		literals[l.Index] = l.Value
	}

	return &Expr{
		source:   source,
		page:     page,
		call:     callFn,
		varIndex: varIndex,
		nvars:    len(tbl.Variables),
		literals: literals,
		asmText:  emitter.Text,
		machCode: emitter.Code,
	}, nil
}

// Eval evaluates the compiled expression with the given variable
// bindings. A variable referenced by the expression but absent from
// vars evaluates as 0, matching the zero value its slot is allocated
// with.
func (e *Expr) Eval(vars map[string]float64) float64 {
	values := make([]float64, e.nvars)
	for name, idx := range e.varIndex {
		if v, ok := vars[name]; ok {
			values[idx] = v
		}
	}
	varsPtr := (*float64)(nil)
	litsPtr := (*float64)(nil)
	if len(values) > 0 {
		varsPtr = &values[0]
	}
	if len(e.literals) > 0 {
		litsPtr = &e.literals[0]
	}
	return e.call(varsPtr, litsPtr)
}

// Close releases the executable page backing this Expr. After Close,
// calling Eval is undefined; callers should not retain an Expr past
// Close.
func (e *Expr) Close() error {
	return e.page.Close()
}
