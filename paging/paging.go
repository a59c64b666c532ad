// Package paging walks x86-64 4-level page tables in software.
package paging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/snapfuzz/backend"
)

var (
	ErrNotCanonical  = errors.New("non canonical address")
	ErrNotPresent    = errors.New("page not present")
	ErrNotWritable   = errors.New("page not writable")
	ErrNotExecutable = errors.New("page not executable")
)

// Page table entry bits.
const (
	PtePresent  = 1
	PteRW       = 1 << 1
	PteUser     = 1 << 2
	PteAccessed = 1 << 5
	PteDirty    = 1 << 6
	PtePS       = 1 << 7
	PteNX       = 1 << 63

	pteAddrMask = 0x000f_ffff_ffff_f000
)

// Page sizes a walk can end on.
const (
	Size4K = 1 << 12
	Size2M = 1 << 21
	Size1G = 1 << 30
)

// Translation is the result of a successful walk.
type Translation struct {
	Gpa        backend.Gpa
	PageSize   uint64
	Writable   bool
	User       bool
	Executable bool
}

// Canonical reports whether the upper 17 bits of gva are all equal.
func Canonical(gva backend.Gva) bool {
	top := uint64(gva) >> 47

	return top == 0 || top == 0x1ffff
}

// Walk translates gva through the tables rooted at cr3, reading table
// entries from mem, which is indexed by guest physical address.
func Walk(mem io.ReaderAt, cr3 uint64, gva backend.Gva) (Translation, error) {
	if !Canonical(gva) {
		return Translation{}, fmt.Errorf("%v: %w", gva, ErrNotCanonical)
	}

	t := Translation{Writable: true, User: true, Executable: true}
	table := cr3 & pteAddrMask

	// Shift of the index field at each level: PML4, PDPT, PD, PT.
	for level, shift := range []uint{39, 30, 21, 12} {
		idx := (uint64(gva) >> shift) & 0x1ff

		pte, err := readEntry(mem, table+idx*8)
		if err != nil {
			return Translation{}, fmt.Errorf("%v level %d: %w", gva, 4-level, err)
		}

		if pte&PtePresent == 0 {
			return Translation{}, fmt.Errorf("%v level %d: %w", gva, 4-level, ErrNotPresent)
		}

		t.Writable = t.Writable && pte&PteRW != 0
		t.User = t.User && pte&PteUser != 0
		t.Executable = t.Executable && pte&PteNX == 0

		leaf := shift == 12 || (pte&PtePS != 0 && (shift == 30 || shift == 21))
		if leaf {
			size := uint64(1) << shift
			base := pte & pteAddrMask &^ (size - 1)
			t.Gpa = backend.Gpa(base | uint64(gva)&(size-1))
			t.PageSize = size

			return t, nil
		}

		table = pte & pteAddrMask
	}

	// The PT level is always a leaf.
	panic("unreachable")
}

// Translate walks gva and checks the walk permits the access v asks for.
func Translate(mem io.ReaderAt, cr3 uint64, gva backend.Gva, v backend.MemoryValidate) (backend.Gpa, error) {
	t, err := Walk(mem, cr3, gva)
	if err != nil {
		return 0, err
	}

	if v&backend.ValidateWrite != 0 && !t.Writable {
		return 0, fmt.Errorf("%v: %w", gva, ErrNotWritable)
	}

	if v&backend.ValidateExecute != 0 && !t.Executable {
		return 0, fmt.Errorf("%v: %w", gva, ErrNotExecutable)
	}

	return t.Gpa, nil
}

func readEntry(mem io.ReaderAt, gpa uint64) (uint64, error) {
	var b [8]byte
	if _, err := mem.ReadAt(b[:], int64(gpa)); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}
