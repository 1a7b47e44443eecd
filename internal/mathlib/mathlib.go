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

// Package mathlib resolves transcendental math function names to the
// host libm's real, callable addresses using purego's dynamic loader,
// so the JIT-compiled code can call straight into native code with no
// cgo and no hand-written assembly trampoline.
package mathlib

import (
	"fmt"
	"runtime"

	"github.com/ebitengine/purego"
)

// Names lists every scalar_fp -> scalar_fp / scalar_fp x scalar_fp ->
// scalar_fp transcendental function this compiler recognizes as a
// call target, keyed by the call-facing name an expression actually
// uses. This is a superset of the seven functions spec.md's
// end-to-end scenarios exercise (see SPEC_FULL.md §10).
var Names = []string{
	"sin", "cos", "tan", "asin", "acos", "atan", "atan2",
	"sqrt", "cbrt", "pow", "exp", "log", "log2", "log10",
	"abs", "floor", "ceil", "round",
}

// libmSymbol maps a call-facing name in Names to the symbol it is
// actually exported under in libm, for the names where the two
// differ. "abs" has no libm entry point of its own; it resolves to
// the libm absolute-value symbol "fabs". Every other name here is
// already its own libm symbol.
var libmSymbol = map[string]string{"abs": "fabs"}

// binaryFuncs lists the two functions in Names that take two
// arguments; every other name takes exactly one.
var binaryFuncs = map[string]bool{"atan2": true, "pow": true}

// Arity returns the number of arguments name expects, or 0 if name is
// not a recognized function.
func Arity(name string) int {
	for _, n := range Names {
		if n == name {
			if binaryFuncs[name] {
				return 2
			}
			return 1
		}
	}
	return 0
}

// IsKnown reports whether name is a recognized function, regardless
// of whether libm on this host actually exports it.
func IsKnown(name string) bool { return Arity(name) > 0 }

// Registry maps a recognized function name to its resolved native
// address, ready to be handed to a relocation symbol table.
type Registry struct {
	addrs map[string]uintptr
}

func libmPath() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/lib/libSystem.B.dylib", nil
	case "linux":
		return "libm.so.6", nil
	default:
		return "", fmt.Errorf("mathlib: no known libm path for GOOS %q", runtime.GOOS)
	}
}

// Open dlopen's the host's libm and resolves every name in Names that
// the library actually exports; a name libm doesn't have is simply
// omitted, not an error (it becomes UnknownSymbol later if a call
// site asks for it — see internal/codegen's relocation pass).
func Open() (*Registry, error) {
	path, err := libmPath()
	if err != nil {
		return nil, err
	}
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("mathlib: dlopen %s: %w", path, err)
	}

	reg := &Registry{addrs: make(map[string]uintptr)}
	for _, name := range Names {
		libmName := name
		if alias, ok := libmSymbol[name]; ok {
			libmName = alias
		}
		if sym, err := purego.Dlsym(handle, libmName); err == nil {
			reg.addrs[name] = sym
		}
	}
	return reg, nil
}

// Lookup returns the resolved address for name, and whether it was
// found.
func (r *Registry) Lookup(name string) (uintptr, bool) {
	addr, ok := r.addrs[name]
	return addr, ok
}

// Symbols returns the full name -> address table, suitable for
// passing directly to codegen.Relocate.
func (r *Registry) Symbols() map[string]uintptr {
	return r.addrs
}
