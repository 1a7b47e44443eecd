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

// Package regalloc assigns each SSA statement that produces a value
// held in a register (everything except variable/literal loads, which
// are folded directly into memory operands at their use sites) either
// an xmm register or a stack slot, using a HotSpot-style linear-scan
// allocator over the straight-line live ranges ssa.ComputeLiveRanges
// produces.
//
// Three passes run in order:
//  1. a commutative-operand swap that moves an operand whose interval
//     dies at this statement into Args[0];
//  2. a forced-spill pass pinning to the stack any value that must
//     survive across a call (every xmm register is caller-saved, so
//     nothing can stay resident in one across a call boundary);
//  3. linear-scan register assignment over everything left, spilling
//     the interval with the longest remaining lifetime (ties broken
//     LIFO, the most recently activated interval) whenever demand
//     exceeds the register budget.
package regalloc

import (
	"sort"

	"github.com/mathexpr/mathexpr/internal/abi"
	"github.com/mathexpr/mathexpr/internal/ssa"
)

type LocKind int

const (
	LocRegister LocKind = iota
	LocStack
)

type Location struct {
	Kind LocKind
	Reg  abi.XMM
	Slot int // stack slot index, valid when Kind == LocStack
}

// Allocation is the result of register allocation: a location for
// every non-leaf SSA statement, plus the number of 8-byte stack slots
// the function's prologue must reserve.
type Allocation struct {
	Loc      map[ssa.StmtIndex]Location
	NumSlots int
}

func needsLocation(s *ssa.Statement) bool { return !s.IsLeaf() }

func isCommutative(op ssa.Op) bool { return op == ssa.OpAdd || op == ssa.OpMul }

// swapCommutativeOperands reorders the operands of commutative binary
// statements so that, when possible, the operand whose live range
// ends at this statement (and so can be clobbered) is Args[0]. An
// operand's live range still covers the statement that consumes it,
// so linearScan never gives a statement the register of one of its
// own operands; codegen therefore always copies Args[0] into the
// destination register, and this swap does not remove that move.
func swapCommutativeOperands(fn *ssa.Function) {
	for _, idx := range fn.Order {
		s := fn.Stmt(idx)
		if !isCommutative(s.Op) || len(s.Args) != 2 {
			continue
		}
		left, right := fn.Stmt(s.Args[0]), fn.Stmt(s.Args[1])
		if left.IsLeaf() || right.IsLeaf() {
			continue // leaves fold into memory operands; no register to reuse
		}
		pos := s.LiveStart
		leftDies := left.LiveEnd == pos+1
		rightDies := right.LiveEnd == pos+1
		if rightDies && !leftDies {
			s.Args[0], s.Args[1] = s.Args[1], s.Args[0]
		}
	}
}

// crossesCall reports whether the interval [start, end) must survive
// past at least one call instruction at a position strictly inside
// it — i.e. the value is live both before and after some call, so it
// cannot be left in any xmm register across that call.
func crossesCall(start, end int, callPositions []int) bool {
	for _, p := range callPositions {
		if start < p && end > p+1 {
			return true
		}
	}
	return false
}

type interval struct {
	idx        ssa.StmtIndex
	start, end int
}

// linearScan assigns each interval a resource index in [0, capacity),
// spilling whenever demand exceeds capacity. The spill victim is
// whichever of the colliding interval and the longest-still-active
// interval has the larger end position (the one blocking allocation
// for longer); ties are broken LIFO, favoring eviction of the most
// recently activated interval.
func linearScan(items []interval, capacity int) (assign map[ssa.StmtIndex]int, spilled map[ssa.StmtIndex]bool) {
	assign = make(map[ssa.StmtIndex]int)
	spilled = make(map[ssa.StmtIndex]bool)

	sorted := make([]interval, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })

	var active []interval // ordered oldest-activated to newest, i.e. append order is activation order
	free := make([]int, capacity)
	for i := range free {
		free[i] = capacity - 1 - i // pop from the end; order is arbitrary but deterministic
	}

	expire := func(at int) {
		kept := active[:0]
		for _, a := range active {
			if a.end <= at {
				free = append(free, assign[a.idx])
			} else {
				kept = append(kept, a)
			}
		}
		active = kept
	}

	for _, iv := range sorted {
		expire(iv.start)

		if len(free) > 0 {
			slot := free[len(free)-1]
			free = free[:len(free)-1]
			assign[iv.idx] = slot
			active = append(active, iv)
			continue
		}

		// No free resource: find the active interval with the
		// largest end, preferring the most recently activated one
		// (later in `active`) on ties.
		victimPos := -1
		for i, a := range active {
			if victimPos == -1 || a.end >= active[victimPos].end {
				victimPos = i
			}
		}
		if victimPos == -1 {
			// capacity is 0: nothing can ever be assigned.
			spilled[iv.idx] = true
			continue
		}
		victim := active[victimPos]
		if victim.end > iv.end {
			slot := assign[victim.idx]
			delete(assign, victim.idx)
			spilled[victim.idx] = true
			assign[iv.idx] = slot
			active[victimPos] = iv
		} else {
			spilled[iv.idx] = true
		}
	}
	return assign, spilled
}

// Allocate runs the full multi-pass allocator over fn, which must
// already have live ranges computed (ssa.Function.ComputeLiveRanges).
func Allocate(fn *ssa.Function, desc *abi.Descriptor) *Allocation {
	swapCommutativeOperands(fn)

	var callPositions []int
	for i, idx := range fn.Order {
		if fn.Stmt(idx).Op == ssa.OpCall {
			callPositions = append(callPositions, i)
		}
	}

	var candidates []interval
	forced := make(map[ssa.StmtIndex]bool)
	for _, idx := range fn.Order {
		s := fn.Stmt(idx)
		if !needsLocation(s) {
			continue
		}
		if crossesCall(s.LiveStart, s.LiveEnd, callPositions) {
			forced[idx] = true
			continue
		}
		candidates = append(candidates, interval{idx: idx, start: s.LiveStart, end: s.LiveEnd})
	}

	regAssign, spilled := linearScan(candidates, len(desc.ScratchXMM))

	alloc := &Allocation{Loc: make(map[ssa.StmtIndex]Location)}
	nextSlot := 0

	// Forced spills and linear-scan overflow spills can still reuse
	// slots across non-overlapping lifetimes: run the same scan
	// machinery again with one slot per interval available, so it never
	// spills, purely to pack slots tightly.
	var spillIntervals []interval
	for idx := range forced {
		s := fn.Stmt(idx)
		spillIntervals = append(spillIntervals, interval{idx: idx, start: s.LiveStart, end: s.LiveEnd})
	}
	for idx := range spilled {
		s := fn.Stmt(idx)
		spillIntervals = append(spillIntervals, interval{idx: idx, start: s.LiveStart, end: s.LiveEnd})
	}
	slotAssign, _ := linearScan(spillIntervals, len(spillIntervals))
	for idx, slot := range slotAssign {
		alloc.Loc[idx] = Location{Kind: LocStack, Slot: slot}
		if slot+1 > nextSlot {
			nextSlot = slot + 1
		}
	}

	for idx, reg := range regAssign {
		alloc.Loc[idx] = Location{Kind: LocRegister, Reg: desc.ScratchXMM[reg]}
	}

	alloc.NumSlots = nextSlot
	return alloc
}
