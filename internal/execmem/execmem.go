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

// Package execmem hands out anonymous, page-aligned memory that can
// be written once and then locked executable: a Page starts
// read-write, accepts Writes until it is locked, and then transitions
// permanently to read-execute via Lock. Writing to a locked page is a
// typed error, never undefined behavior.
//
// The actual mapping primitives (mmapExec/mprotectExec/munmapExec)
// are platform-specific: execmem_unix.go backs them with
// golang.org/x/sys/unix's Mmap/Mprotect/Munmap, execmem_windows.go
// with golang.org/x/sys/windows's VirtualAlloc/VirtualProtect/
// VirtualFree.
package execmem

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ErrWriteToLocked is returned by Write once a Page has been Locked.
type ErrWriteToLocked struct{}

func (e *ErrWriteToLocked) Error() string {
	return "write to a page that has already been locked executable"
}

// Page is one mapped region, initially read-write.
type Page struct {
	mem    []byte
	locked int32 // atomic bool
}

// New allocates a page-aligned, zero-filled anonymous mapping of at
// least size bytes.
func New(size int) (*Page, error) {
	if size <= 0 {
		size = 1
	}
	mem, err := mmapExec(pageAlign(size))
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Page{mem: mem}, nil
}

func pageAlign(n int) int {
	const pageSize = 4096
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// Write copies code into the start of the page. It succeeds only
// before Lock; each call overwrites the start of the page again.
func (p *Page) Write(code []byte) error {
	if atomic.LoadInt32(&p.locked) != 0 {
		return &ErrWriteToLocked{}
	}
	if len(code) > len(p.mem) {
		return fmt.Errorf("code of %d bytes does not fit in a %d byte page", len(code), len(p.mem))
	}
	copy(p.mem, code)
	return nil
}

// Lock transitions the page from read-write to read-execute. After
// Lock, Write always fails and the page's contents are immutable.
func (p *Page) Lock() error {
	if err := mprotectExec(p.mem); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}
	atomic.StoreInt32(&p.locked, 1)
	return nil
}

// Addr returns the base address of the page's backing memory. Valid
// to call at any time, but only safe to jump into after Lock.
func (p *Page) Addr() uintptr {
	return uintptr(unsafe.Pointer(&p.mem[0]))
}

// Close releases the mapping. The Page must not be used afterward.
func (p *Page) Close() error {
	return munmapExec(p.mem)
}
