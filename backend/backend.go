// Package backend defines the narrow execution-backend surface the crash
// detector, the coverage resolver and the campaign driver run against.
package backend

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Gva is a guest virtual address.
type Gva uint64

// Gpa is a guest physical address.
type Gpa uint64

func (g Gva) String() string { return fmt.Sprintf("%#x", uint64(g)) }

func (g Gpa) String() string { return fmt.Sprintf("%#x", uint64(g)) }

// Align returns the page-aligned guest physical address.
func (g Gpa) Align() Gpa { return g &^ 0xfff }

// Offset returns the offset of the address inside its page.
func (g Gpa) Offset() uint64 { return uint64(g) & 0xfff }

// MemoryValidate is the access a translation has to permit.
type MemoryValidate uint8

const (
	ValidateRead MemoryValidate = 1 << iota
	ValidateWrite
	ValidateExecute

	ValidateReadWrite   = ValidateRead | ValidateWrite
	ValidateReadExecute = ValidateRead | ValidateExecute
)

// Reg names a general purpose register for GetReg.
type Reg int

const (
	Rax Reg = iota
	Rbx
	Rcx
	Rdx
	Rsi
	Rdi
	Rsp
	Rbp
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	Rip
	Rflags
	Cr3
)

var regNames = [...]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags", "cr3",
}

func (r Reg) String() string {
	if r < 0 || int(r) >= len(regNames) {
		return fmt.Sprintf("Reg(%d)", int(r))
	}

	return regNames[r]
}

// ArgRegs are the Microsoft x64 integer argument registers.
var ArgRegs = [4]Reg{Rcx, Rdx, R8, R9}

// BreakpointHandler runs synchronously when the guest hits a breakpoint.
// The guest is paused while it runs.
type BreakpointHandler func(b Backend)

// Backend is what the guest-monitoring layer needs from a VM or emulator.
type Backend interface {
	// SetBreakpoint resolves symbol and arms a breakpoint there.
	SetBreakpoint(symbol string, h BreakpointHandler) bool
	// SetCrashBreakpoint arms a breakpoint that reports a crash when hit.
	SetCrashBreakpoint(symbol string) bool

	// GetArgGva returns the idx-th argument of the current call.
	GetArgGva(idx int) Gva
	VirtRead(gva Gva, buf []byte) bool
	// VirtReadGva reads one pointer-sized value at gva.
	VirtReadGva(gva Gva) (Gva, bool)
	VirtTranslate(gva Gva, gpa *Gpa, v MemoryValidate) bool

	Rsp() uint64
	Rcx() uint64
	Rip() uint64
	GetReg(r Reg) uint64

	// Stop ends the current test case with the given reason.
	Stop(reason StopReason)
	// SaveCrash records a crash at gva and stops the test case.
	SaveCrash(gva Gva, code uint32) bool
}

// VirtReadStruct reads a little-endian fixed-layout value of type T at gva.
func VirtReadStruct[T any](b Backend, gva Gva, v *T) bool {
	n := binary.Size(v)
	if n <= 0 {
		return false
	}

	buf := make([]byte, n)
	if !b.VirtRead(gva, buf) {
		return false
	}

	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v) == nil
}
