// Package backendtest provides an in-memory backend for exercising hooks
// and resolvers without a VM.
package backendtest

import (
	"encoding/binary"

	"github.com/bobuhiro11/snapfuzz/backend"
)

// Fake is a scripted backend.Backend. Memory is a sparse byte map keyed by
// guest virtual address; translations are explicit.
type Fake struct {
	Regs         map[backend.Reg]uint64
	Symbols      map[string]backend.Gva
	Translations map[backend.Gva]backend.Gpa
	// RejectSymbols makes SetBreakpoint fail for the named symbols.
	RejectSymbols map[string]bool

	mem      map[backend.Gva]byte
	handlers map[string]backend.BreakpointHandler
	crashBps map[string]bool

	Stops   []backend.StopReason
	Crashes []backend.CrashReport
}

var _ backend.Backend = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Regs:          make(map[backend.Reg]uint64),
		Symbols:       make(map[string]backend.Gva),
		Translations:  make(map[backend.Gva]backend.Gpa),
		RejectSymbols: make(map[string]bool),
		mem:           make(map[backend.Gva]byte),
		handlers:      make(map[string]backend.BreakpointHandler),
		crashBps:      make(map[string]bool),
	}
}

// Write places buf in guest memory at gva.
func (f *Fake) Write(gva backend.Gva, buf []byte) {
	for i, b := range buf {
		f.mem[gva+backend.Gva(i)] = b
	}
}

// WriteGva places a little-endian pointer at gva.
func (f *Fake) WriteGva(gva, value backend.Gva) {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], uint64(value))
	f.Write(gva, b[:])
}

// Armed reports whether a handler breakpoint is set on symbol.
func (f *Fake) Armed(symbol string) bool {
	_, ok := f.handlers[symbol]

	return ok
}

// CrashArmed reports whether a crash breakpoint is set on symbol.
func (f *Fake) CrashArmed(symbol string) bool {
	return f.crashBps[symbol]
}

// Hit runs the handler registered on symbol, as if the guest reached it.
func (f *Fake) Hit(symbol string) bool {
	h, ok := f.handlers[symbol]
	if !ok {
		return false
	}

	f.Regs[backend.Rip] = uint64(f.Symbols[symbol])
	h(f)

	return true
}

// HitCrash simulates the guest reaching a crash breakpoint.
func (f *Fake) HitCrash(symbol string) bool {
	if !f.crashBps[symbol] {
		return false
	}

	f.Regs[backend.Rip] = uint64(f.Symbols[symbol])
	backend.StopOnCrash(f)

	return true
}

func (f *Fake) SetBreakpoint(symbol string, h backend.BreakpointHandler) bool {
	if f.RejectSymbols[symbol] {
		return false
	}

	if _, ok := f.Symbols[symbol]; !ok {
		return false
	}

	f.handlers[symbol] = h

	return true
}

func (f *Fake) SetCrashBreakpoint(symbol string) bool {
	if f.RejectSymbols[symbol] {
		return false
	}

	if _, ok := f.Symbols[symbol]; !ok {
		return false
	}

	f.crashBps[symbol] = true

	return true
}

func (f *Fake) GetArgGva(idx int) backend.Gva {
	if idx < len(backend.ArgRegs) {
		return backend.Gva(f.Regs[backend.ArgRegs[idx]])
	}

	// Stack arguments sit above the return address and the home space.
	gva, _ := f.VirtReadGva(backend.Gva(f.Regs[backend.Rsp] + 8 + uint64(idx)*8))

	return gva
}

func (f *Fake) VirtRead(gva backend.Gva, buf []byte) bool {
	for i := range buf {
		b, ok := f.mem[gva+backend.Gva(i)]
		if !ok {
			return false
		}

		buf[i] = b
	}

	return true
}

func (f *Fake) VirtReadGva(gva backend.Gva) (backend.Gva, bool) {
	var b [8]byte
	if !f.VirtRead(gva, b[:]) {
		return 0, false
	}

	return backend.Gva(binary.LittleEndian.Uint64(b[:])), true
}

func (f *Fake) VirtTranslate(gva backend.Gva, gpa *backend.Gpa, _ backend.MemoryValidate) bool {
	p, ok := f.Translations[gva]
	if !ok {
		return false
	}

	*gpa = p

	return true
}

func (f *Fake) Rsp() uint64 { return f.Regs[backend.Rsp] }

func (f *Fake) Rcx() uint64 { return f.Regs[backend.Rcx] }

func (f *Fake) Rip() uint64 { return f.Regs[backend.Rip] }

func (f *Fake) GetReg(r backend.Reg) uint64 { return f.Regs[r] }

func (f *Fake) Stop(reason backend.StopReason) {
	f.Stops = append(f.Stops, reason)
}

func (f *Fake) SaveCrash(gva backend.Gva, code uint32) bool {
	r := backend.CrashReport{Address: gva, Code: code}
	f.Crashes = append(f.Crashes, r)
	f.Stop(backend.Crash{Name: backend.CrashName(r)})

	return true
}
