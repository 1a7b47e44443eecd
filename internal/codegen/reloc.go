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
	"math"
)

// ErrUnknownSymbol is returned when a relocation names a symbol the
// caller's address table has no entry for.
type ErrUnknownSymbol struct {
	Symbol string
}

func (e *ErrUnknownSymbol) Error() string {
	return fmt.Sprintf("unknown symbol: %s", e.Symbol)
}

// ErrRelocationOutOfRange is returned for a Rel32 relocation whose
// target does not fit in a signed 32-bit displacement from the patch
// site. This implementation only ever emits Abs64 relocations for
// calls (see select.go), so this applies only to Rel32 entries a
// caller constructs directly.
type ErrRelocationOutOfRange struct {
	Symbol string
	Delta  int64
}

func (e *ErrRelocationOutOfRange) Error() string {
	return fmt.Sprintf("relocation for %s out of range: delta %d does not fit in 32 bits", e.Symbol, e.Delta)
}

// Relocate patches every deferred relocation in code in place, given
// the code's own final load address (base) and a table mapping each
// relocation's symbol name to its resolved absolute address. It is
// idempotent: applying it twice with the same inputs produces the
// same bytes, since each patch is computed from base/symbols, not
// from the code's current (possibly already-patched) contents.
func Relocate(code []byte, relocs []Reloc, base uintptr, symbols map[string]uintptr) error {
	for _, r := range relocs {
		addr, ok := symbols[r.Symbol]
		if !ok {
			return &ErrUnknownSymbol{Symbol: r.Symbol}
		}
		switch r.Kind {
		case RelocAbs64:
			binary.LittleEndian.PutUint64(code[r.Offset:r.Offset+8], uint64(addr))
		case RelocRel32:
			siteEnd := int64(base) + int64(r.Offset) + 4 + r.Addend
			delta := int64(addr) - siteEnd
			if delta < math.MinInt32 || delta > math.MaxInt32 {
				return &ErrRelocationOutOfRange{Symbol: r.Symbol, Delta: delta}
			}
			binary.LittleEndian.PutUint32(code[r.Offset:r.Offset+4], uint32(int32(delta)))
		default:
			return fmt.Errorf("unknown relocation kind %d", r.Kind)
		}
	}
	return nil
}
