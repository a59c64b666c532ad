package memory

import (
	"errors"
	"fmt"
)

var errAddrSpaceOccupied = errors.New("address space occupied")

// AddressSpace is a named guest physical range with non-overlapping
// children.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

func (a *AddressSpace) End() uint64 {
	return a.Start + a.Size
}

func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) || !a.IsFree(addr) {
		return fmt.Errorf("%s [%#x, %#x): %w", addr.Name, addr.Start, addr.End(), errAddrSpaceOccupied)
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// InRange reports whether addr lies inside a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return addr.Start >= a.Start && addr.End() <= a.End()
}

// IsFree reports whether ad overlaps none of a's children.
func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	for _, addr := range a.Addresses {
		if ad.Start < addr.End() && addr.Start < ad.End() {
			return false
		}
	}

	return true
}

// Find returns the child holding gpa.
func (a *AddressSpace) Find(gpa uint64) (*AddressSpace, bool) {
	for _, addr := range a.Addresses {
		if gpa >= addr.Start && gpa < addr.End() {
			return addr, true
		}
	}

	return nil, false
}
