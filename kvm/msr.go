package kvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// ErrMSRNotSet is KVM accepting fewer MSRs than it was handed.
var ErrMSRNotSet = errors.New("msr not set")

type MSRList struct {
	NMSRs    uint32
	Indicies [1000]uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	list.NMSRs = uint32(len(list.Indicies))

	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(list.NMSRs)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// Supported reports whether index is in the list.
func (l *MSRList) Supported(index uint32) bool {
	for _, i := range l.Indicies[:l.NMSRs] {
		if i == index {
			return true
		}
	}

	return false
}

type MSREntry struct {
	Index   uint32
	Padding uint32
	Data    uint64
}

// MSRS is struct kvm_msrs with its flexible array of entries.
type MSRS struct {
	NMSRs   uint32
	Padding uint32
	Entries []MSREntry
}

// NewMSRSFrom builds the request for the given index/value pairs.
func NewMSRSFrom(entries ...MSREntry) *MSRS {
	return &MSRS{NMSRs: uint32(len(entries)), Entries: entries}
}

// Bytes is the wire image of m.
func (m *MSRS) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, m.NMSRs); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, m.Padding); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, m.Entries); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// NewMSRS decodes a wire image.
func NewMSRS(data []byte) (*MSRS, error) {
	m := MSRS{}
	r := bytes.NewReader(data)

	if err := binary.Read(r, binary.LittleEndian, &m.NMSRs); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.LittleEndian, &m.Padding); err != nil {
		return nil, err
	}

	m.Entries = make([]MSREntry, m.NMSRs)
	if err := binary.Read(r, binary.LittleEndian, &m.Entries); err != nil {
		return nil, err
	}

	return &m, nil
}

// SetMSRs writes every entry of msrs to the vcpu.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	data, err := msrs.Bytes()
	if err != nil {
		return err
	}

	n, err := Ioctl(vcpuFd, IIOW(kvmSetMSRS, 8), uintptr(unsafe.Pointer(&data[0])))
	if err != nil {
		return err
	}

	if int(n) < len(msrs.Entries) {
		return fmt.Errorf("msr %#x: %w", msrs.Entries[n].Index, ErrMSRNotSet)
	}

	return nil
}

// GetMSRs fills the Data of every entry of msrs from the vcpu.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	data, err := msrs.Bytes()
	if err != nil {
		return err
	}

	if _, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRS, 8), uintptr(unsafe.Pointer(&data[0]))); err != nil {
		return err
	}

	m, err := NewMSRS(data)
	if err != nil {
		return err
	}

	*msrs = *m

	return nil
}
