// Package nt holds the bits of the Windows kernel ABI the hooks read.
package nt

import (
	"math/bits"

	"github.com/bobuhiro11/snapfuzz/backend"
)

// KTrapFrameRip is the offset of Rip in a KTRAP_FRAME.
const KTrapFrameRip = 0x168

// IDTEntry is a 64-bit interrupt gate descriptor.
type IDTEntry struct {
	Low        uint16
	Selector   uint16
	Ist        uint8
	Attributes uint8
	Middle     uint16
	High       uint32
	Reserved   uint32
}

// Handler assembles the gate's target address.
func (e IDTEntry) Handler() backend.Gva {
	return backend.Gva(uint64(e.High)<<32 | uint64(e.Middle)<<16 | uint64(e.Low))
}

// ReadIDTEntryHandler reads gate vector of the IDT at idtBase.
func ReadIDTEntryHandler(b backend.Backend, idtBase uint64, vector int) (backend.Gva, bool) {
	var e IDTEntry

	if !backend.VirtReadStruct(b, backend.Gva(idtBase+uint64(vector)*16), &e) {
		return 0, false
	}

	return e.Handler(), true
}

// DecodePointer undoes RtlEncodePointer given the process cookie.
func DecodePointer(cookie, value uint64) backend.Gva {
	return backend.Gva(bits.RotateLeft64(value, -int(64-(cookie&0x3f))) ^ cookie)
}

// EncodePointer is the inverse of DecodePointer.
func EncodePointer(cookie uint64, ptr backend.Gva) uint64 {
	return bits.RotateLeft64(uint64(ptr)^cookie, int(64-(cookie&0x3f)))
}
