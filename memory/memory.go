// Package memory is the guest physical memory image both backends run on.
package memory

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errNoSlotsAvail = errors.New("maximal numbers of slots exhausted")
	errSlotNotFound = errors.New("unable to find MemorySlot")

	// ErrOutOfRange is an access outside every slot.
	ErrOutOfRange = errors.New("guest physical address out of range")
)

const (
	// Poison fills memory the snapshot does not cover so a guest running
	// off into it exits instead of sliding down a field of zeros.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	PageSize = 0x1000

	// HoleStart and HoleEnd bound the MMIO window below 4GiB. RAM that
	// would fall into it is relocated above HoleEnd.
	HoleStart = 0xC000_0000
	HoleEnd   = 0x1_0000_0000
)

type Memory struct {
	Slots    []*MemorySlot
	MaxSlots uint32
	AS       *AddressSpace
}

type MemorySlot struct {
	Addr     uint64
	Size     int
	Slot     uint32
	Flags    uint32
	HostAddr uint64
	Buf      []byte
}

// Layout splits size bytes of RAM around the MMIO hole.
func Layout(size uint64) *AddressSpace {
	as := NewAddressSpace("phys", 0, HoleEnd+size)

	low := size
	if low > HoleStart {
		low = HoleStart
	}

	// Errors are impossible here: the two ranges never overlap.
	_ = as.AddAddress(NewAddressSpace("ram-low", 0, low))

	if size > low {
		_ = as.AddAddress(NewAddressSpace("ram-high", HoleEnd, size-low))
	}

	return as
}

// New maps size bytes of guest RAM, poisoned, in at most maxSlots slots.
func New(size int, maxSlots uint32) (*Memory, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("memory size %#x: %w", size, ErrOutOfRange)
	}

	m := &Memory{MaxSlots: maxSlots, AS: Layout(uint64(size))}

	for _, r := range m.AS.Addresses {
		if err := m.NewMemorySlot(r.Start, int(r.Size), 0); err != nil {
			m.Close()

			return nil, err
		}
	}

	return m, nil
}

func (m *Memory) NewMemorySlot(addr uint64, size int, flags uint32) error {
	if len(m.Slots) >= int(m.MaxSlots) {
		return errNoSlotsAvail
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("mmap %#x bytes: %w", size, err)
	}

	for i := 0; i < len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	m.Slots = append(m.Slots, &MemorySlot{
		Addr:     addr,
		Size:     size,
		Slot:     uint32(len(m.Slots)),
		Flags:    flags,
		HostAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		Buf:      buf,
	})

	return nil
}

// Size is the amount of RAM, holes excluded.
func (m *Memory) Size() uint64 {
	var n uint64

	for _, s := range m.Slots {
		n += uint64(s.Size)
	}

	return n
}

func (m *Memory) FindSlot(gpa uint64) (*MemorySlot, error) {
	for _, slot := range m.Slots {
		if gpa >= slot.Addr && gpa < slot.Addr+uint64(slot.Size) {
			return slot, nil
		}
	}

	return nil, fmt.Errorf("%#x: %w", gpa, errSlotNotFound)
}

// Page returns the host view of the page holding gpa.
func (m *Memory) Page(gpa uint64) ([]byte, error) {
	slot, err := m.FindSlot(gpa)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrOutOfRange)
	}

	off := (gpa &^ (PageSize - 1)) - slot.Addr

	return slot.Buf[off : off+PageSize], nil
}

// ReadAt reads guest physical memory at off.
func (m *Memory) ReadAt(b []byte, off int64) (int, error) {
	return m.access(b, off, false)
}

// WriteAt writes guest physical memory at off.
func (m *Memory) WriteAt(b []byte, off int64) (int, error) {
	return m.access(b, off, true)
}

func (m *Memory) access(b []byte, off int64, write bool) (int, error) {
	n := 0

	for n < len(b) {
		gpa := uint64(off) + uint64(n)

		slot, err := m.FindSlot(gpa)
		if err != nil {
			return n, fmt.Errorf("%v: %w", err, ErrOutOfRange)
		}

		host := slot.Buf[gpa-slot.Addr:]
		if write {
			n += copy(host, b[n:])
		} else {
			n += copy(b[n:], host)
		}
	}

	return n, nil
}

// Load copies a flat physical dump into memory: file offset is the guest
// physical address. Dump bytes that fall into the MMIO hole are skipped,
// and memory the dump does not reach keeps its poison.
func (m *Memory) Load(r io.ReaderAt, size int64) error {
	for _, slot := range m.Slots {
		if int64(slot.Addr) >= size {
			continue
		}

		n := int64(slot.Size)
		if rest := size - int64(slot.Addr); rest < n {
			n = rest
		}

		if _, err := r.ReadAt(slot.Buf[:n], int64(slot.Addr)); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("loading slot %d: %w", slot.Slot, err)
		}
	}

	return nil
}

// LoadFile loads a flat physical dump from path.
func (m *Memory) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	return m.Load(f, fi.Size())
}

// Close unmaps every slot.
func (m *Memory) Close() error {
	var errs []error

	for _, s := range m.Slots {
		errs = append(errs, unix.Munmap(s.Buf))
	}

	m.Slots = nil

	return errors.Join(errs...)
}
