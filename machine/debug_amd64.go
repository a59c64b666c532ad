package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/kvm"
	"github.com/bobuhiro11/snapfuzz/log"
	"github.com/bobuhiro11/snapfuzz/paging"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrBadRegister indicates a bad register was used.
	ErrBadRegister = errors.New("bad register")

	errNoTranslation = errors.New("no translation")
)

// VtoP asks KVM to translate vaddr with the vCPU's current page tables.
func (m *Machine) VtoP(vaddr backend.Gva) (backend.Gpa, error) {
	t := &kvm.Translation{LinearAddress: uint64(vaddr)}
	if err := kvm.Translate(m.vcpuFd, t); err != nil {
		return 0, fmt.Errorf("translate %#x: %w", uint64(vaddr), err)
	}

	if t.Valid == 0 {
		return 0, fmt.Errorf("%#x: %w", uint64(vaddr), errNoTranslation)
	}

	return backend.Gpa(t.PhysicalAddress), nil
}

// translate walks the snapshot's page tables in guest memory and checks
// the mapping permits v.
func (m *Machine) translate(gva backend.Gva, v backend.MemoryValidate) (backend.Gpa, error) {
	if m.sregs == nil {
		return 0, errNoVCPUState
	}

	return paging.Translate(m.mem, m.sregs.CR3, gva, v)
}

func (m *Machine) VirtTranslate(gva backend.Gva, gpa *backend.Gpa, v backend.MemoryValidate) bool {
	p, err := m.translate(gva, v)
	if err != nil {
		log.Trace(log.KVM, "translation failed", "gva", gva, "err", err)

		return false
	}

	*gpa = p

	return true
}

func (m *Machine) VirtRead(gva backend.Gva, buf []byte) bool {
	for n := 0; n < len(buf); {
		gpa, err := m.translate(gva+backend.Gva(n), backend.ValidateRead)
		if err != nil {
			log.Trace(log.KVM, "guest read failed", "gva", gva, "err", err)

			return false
		}

		chunk := min(len(buf)-n, int(paging.Size4K-gpa.Offset()))
		if _, err := m.mem.ReadAt(buf[n:n+chunk], int64(gpa)); err != nil {
			return false
		}

		n += chunk
	}

	return true
}

func (m *Machine) VirtReadGva(gva backend.Gva) (backend.Gva, bool) {
	var b [8]byte
	if !m.VirtRead(gva, b[:]) {
		return 0, false
	}

	return backend.Gva(binary.LittleEndian.Uint64(b[:])), true
}

func (m *Machine) GetArgGva(idx int) backend.Gva {
	if idx < len(backend.ArgRegs) {
		return backend.Gva(m.GetReg(backend.ArgRegs[idx]))
	}

	gva, _ := m.VirtReadGva(backend.Gva(m.Rsp() + 8 + uint64(idx)*8))

	return gva
}

func (m *Machine) Rsp() uint64 { return m.GetReg(backend.Rsp) }

func (m *Machine) Rcx() uint64 { return m.GetReg(backend.Rcx) }

func (m *Machine) Rip() uint64 { return m.GetReg(backend.Rip) }

// GetReg reads the register cache, refreshed at every guest exit.
func (m *Machine) GetReg(r backend.Reg) uint64 {
	if m.regs == nil {
		return 0
	}

	if r == backend.Cr3 {
		return m.sregs.CR3
	}

	v, err := gpr(m.regs, r)
	if err != nil {
		log.Warn(log.KVM, "GetReg", "reg", r.String(), "err", err)

		return 0
	}

	return *v
}

func gpr(r *kvm.Regs, reg backend.Reg) (*uint64, error) {
	switch reg {
	case backend.Rax:
		return &r.RAX, nil
	case backend.Rbx:
		return &r.RBX, nil
	case backend.Rcx:
		return &r.RCX, nil
	case backend.Rdx:
		return &r.RDX, nil
	case backend.Rsi:
		return &r.RSI, nil
	case backend.Rdi:
		return &r.RDI, nil
	case backend.Rsp:
		return &r.RSP, nil
	case backend.Rbp:
		return &r.RBP, nil
	case backend.R8:
		return &r.R8, nil
	case backend.R9:
		return &r.R9, nil
	case backend.R10:
		return &r.R10, nil
	case backend.R11:
		return &r.R11, nil
	case backend.R12:
		return &r.R12, nil
	case backend.R13:
		return &r.R13, nil
	case backend.R14:
		return &r.R14, nil
	case backend.R15:
		return &r.R15, nil
	case backend.Rip:
		return &r.RIP, nil
	case backend.Rflags:
		return &r.RFLAGS, nil
	}

	return nil, fmt.Errorf("%v: %w", reg, ErrBadRegister)
}

// Inst retrieves an instruction from the guest, at RIP.
// It returns an x86asm.Inst, a string in GNU syntax, and an error.
func (m *Machine) Inst() (*x86asm.Inst, string, error) {
	if m.regs == nil {
		return nil, "", errNoVCPUState
	}

	pc := m.regs.RIP

	// We know the PC; grab a bunch of bytes there, then decode and print
	insn := make([]byte, 16)
	if !m.VirtRead(backend.Gva(pc), insn) {
		return nil, "", fmt.Errorf("reading PC at %#x: %w", pc, paging.ErrNotPresent)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, "", fmt.Errorf("decoding %#02x:%w", insn, err)
	}

	return &d, x86asm.GNUSyntax(d, pc, nil), nil
}

func (m *Machine) instString() string {
	_, s, err := m.Inst()
	if err != nil {
		return err.Error()
	}

	return s
}
