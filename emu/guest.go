package emu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/log"
	"github.com/bobuhiro11/snapfuzz/paging"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"golang.org/x/arch/x86/x86asm"
)

// ErrBadRegister indicates a register unicorn cannot read.
var ErrBadRegister = errors.New("bad register")

//nolint:gochecknoglobals
var ucRegs = map[backend.Reg]int{
	backend.Rax:    uc.X86_REG_RAX,
	backend.Rbx:    uc.X86_REG_RBX,
	backend.Rcx:    uc.X86_REG_RCX,
	backend.Rdx:    uc.X86_REG_RDX,
	backend.Rsi:    uc.X86_REG_RSI,
	backend.Rdi:    uc.X86_REG_RDI,
	backend.Rsp:    uc.X86_REG_RSP,
	backend.Rbp:    uc.X86_REG_RBP,
	backend.R8:     uc.X86_REG_R8,
	backend.R9:     uc.X86_REG_R9,
	backend.R10:    uc.X86_REG_R10,
	backend.R11:    uc.X86_REG_R11,
	backend.R12:    uc.X86_REG_R12,
	backend.R13:    uc.X86_REG_R13,
	backend.R14:    uc.X86_REG_R14,
	backend.R15:    uc.X86_REG_R15,
	backend.Rip:    uc.X86_REG_RIP,
	backend.Rflags: uc.X86_REG_EFLAGS,
	backend.Cr3:    uc.X86_REG_CR3,
}

func (e *Emulator) GetReg(r backend.Reg) uint64 {
	v, err := e.reg(r)
	if err != nil {
		log.Warn(log.Emu, "GetReg", "reg", r.String(), "err", err)

		return 0
	}

	return v
}

func (e *Emulator) reg(r backend.Reg) (uint64, error) {
	id, ok := ucRegs[r]
	if !ok {
		return 0, fmt.Errorf("%v: %w", r, ErrBadRegister)
	}

	return e.mu.RegRead(id)
}

func (e *Emulator) Rsp() uint64 { return e.GetReg(backend.Rsp) }

func (e *Emulator) Rcx() uint64 { return e.GetReg(backend.Rcx) }

func (e *Emulator) Rip() uint64 { return e.GetReg(backend.Rip) }

func (e *Emulator) GetArgGva(idx int) backend.Gva {
	if idx < len(backend.ArgRegs) {
		return backend.Gva(e.GetReg(backend.ArgRegs[idx]))
	}

	gva, _ := e.VirtReadGva(backend.Gva(e.Rsp() + 8 + uint64(idx)*8))

	return gva
}

// translate walks the guest page tables the way the MMU would. Unicorn
// has no API to translate an address for us.
func (e *Emulator) translate(gva backend.Gva, v backend.MemoryValidate) (backend.Gpa, error) {
	return paging.Translate(e.mem, e.GetReg(backend.Cr3), gva, v)
}

func (e *Emulator) VirtTranslate(gva backend.Gva, gpa *backend.Gpa, v backend.MemoryValidate) bool {
	p, err := e.translate(gva, v)
	if err != nil {
		log.Trace(log.Emu, "translation failed", "gva", gva, "err", err)

		return false
	}

	*gpa = p

	return true
}

func (e *Emulator) VirtRead(gva backend.Gva, buf []byte) bool {
	for n := 0; n < len(buf); {
		gpa, err := e.translate(gva+backend.Gva(n), backend.ValidateRead)
		if err != nil {
			log.Trace(log.Emu, "guest read failed", "gva", gva, "err", err)

			return false
		}

		chunk := min(len(buf)-n, int(paging.Size4K-gpa.Offset()))
		if _, err := e.mem.ReadAt(buf[n:n+chunk], int64(gpa)); err != nil {
			return false
		}

		n += chunk
	}

	return true
}

func (e *Emulator) VirtReadGva(gva backend.Gva) (backend.Gva, bool) {
	var b [8]byte
	if !e.VirtRead(gva, b[:]) {
		return 0, false
	}

	return backend.Gva(binary.LittleEndian.Uint64(b[:])), true
}

// Inst decodes the instruction at rip. It returns the instruction and its
// GNU syntax.
func (e *Emulator) Inst() (*x86asm.Inst, string, error) {
	pc := e.Rip()

	insn := make([]byte, 16)
	if !e.VirtRead(backend.Gva(pc), insn) {
		return nil, "", fmt.Errorf("reading PC at %#x: %w", pc, paging.ErrNotPresent)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, "", fmt.Errorf("decoding %#02x:%w", insn, err)
	}

	return &d, x86asm.GNUSyntax(d, pc, nil), nil
}

func (e *Emulator) instString() string {
	_, s, err := e.Inst()
	if err != nil {
		return err.Error()
	}

	return s
}
