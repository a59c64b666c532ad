package emu

import (
	"fmt"

	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/log"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// LoadCPUState writes s into the emulated CPU. s is expected to be
// sanitized. Paging is switched on last, once the tables it points at are
// in place.
func (e *Emulator) LoadCPUState(s *cpustate.CPUState) error {
	if err := e.mu.RegWriteX86Msr(cpustate.MSREFER, s.Efer); err != nil {
		return fmt.Errorf("write efer: %w", err)
	}

	for _, cr := range []struct {
		reg int
		val uint64
	}{
		{uc.X86_REG_CR4, s.Cr4},
		{uc.X86_REG_CR3, s.Cr3},
		{uc.X86_REG_CR0, s.Cr0},
		{uc.X86_REG_CR2, s.Cr2},
		{uc.X86_REG_CR8, s.Cr8},
	} {
		if err := e.mu.RegWrite(cr.reg, cr.val); err != nil {
			return fmt.Errorf("write control register %d: %w", cr.reg, err)
		}
	}

	if err := e.loadSegments(s); err != nil {
		return err
	}

	e.loadMSRs(s)

	if err := e.mu.RegWriteBatch(gprs(s)); err != nil {
		return fmt.Errorf("write general purpose registers: %w", err)
	}

	if err := e.loadFPU(s); err != nil {
		return err
	}

	dregs := []int{uc.X86_REG_DR0, uc.X86_REG_DR1, uc.X86_REG_DR2, uc.X86_REG_DR3, uc.X86_REG_DR6, uc.X86_REG_DR7}
	if err := e.mu.RegWriteBatch(dregs, []uint64{s.Dr0, s.Dr1, s.Dr2, s.Dr3, uint64(s.Dr6), uint64(s.Dr7)}); err != nil {
		return fmt.Errorf("write debug registers: %w", err)
	}

	if s.Xcr0 != 0 {
		log.Debug(log.Emu, "xcr0 is not restored", "xcr0", fmt.Sprintf("%#x", s.Xcr0))
	}

	e.loaded = true

	return nil
}

func gprs(s *cpustate.CPUState) ([]int, []uint64) {
	return []int{
			uc.X86_REG_RAX, uc.X86_REG_RBX, uc.X86_REG_RCX, uc.X86_REG_RDX,
			uc.X86_REG_RSI, uc.X86_REG_RDI, uc.X86_REG_RSP, uc.X86_REG_RBP,
			uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
			uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
			uc.X86_REG_RIP, uc.X86_REG_EFLAGS,
		}, []uint64{
			s.Rax, s.Rbx, s.Rcx, s.Rdx,
			s.Rsi, s.Rdi, s.Rsp, s.Rbp,
			s.R8, s.R9, s.R10, s.R11,
			s.R12, s.R13, s.R14, s.R15,
			s.Rip, s.Rflags,
		}
}

// mmr converts a segment into the descriptor cache unicorn keeps: the
// high dword of the descriptor, whose bits 8-23 are the access rights.
func mmr(s cpustate.Segment) *uc.X86Mmr {
	return &uc.X86Mmr{
		Selector: s.Selector,
		Base:     s.Base,
		Limit:    s.Limit,
		Flags:    uint32(s.Attr) << 8,
	}
}

func (e *Emulator) loadSegments(s *cpustate.CPUState) error {
	for _, t := range []struct {
		reg int
		val cpustate.GlobalSegment
	}{
		{uc.X86_REG_GDTR, s.Gdtr},
		{uc.X86_REG_IDTR, s.Idtr},
	} {
		if err := e.mu.RegWriteMmr(t.reg, &uc.X86Mmr{Base: t.val.Base, Limit: uint32(t.val.Limit)}); err != nil {
			return fmt.Errorf("write descriptor table %d: %w", t.reg, err)
		}
	}

	for _, t := range []struct {
		reg int
		val cpustate.Segment
	}{
		{uc.X86_REG_TR, s.Tr},
		{uc.X86_REG_LDTR, s.Ldtr},
	} {
		if err := e.mu.RegWriteMmr(t.reg, mmr(t.val)); err != nil {
			return fmt.Errorf("write system segment %d: %w", t.reg, err)
		}
	}

	// Selector writes go through the GDT. The hidden parts unicorn starts
	// with already describe a flat 64-bit segment, so a failure is not fatal.
	for _, t := range []struct {
		name string
		reg  int
		val  cpustate.Segment
	}{
		{"cs", uc.X86_REG_CS, s.Cs},
		{"ss", uc.X86_REG_SS, s.Ss},
		{"ds", uc.X86_REG_DS, s.Ds},
		{"es", uc.X86_REG_ES, s.Es},
		{"fs", uc.X86_REG_FS, s.Fs},
		{"gs", uc.X86_REG_GS, s.Gs},
	} {
		if err := e.mu.RegWrite(t.reg, uint64(t.val.Selector)); err != nil {
			log.Warn(log.Emu, "cannot load segment selector", "segment", t.name,
				"selector", fmt.Sprintf("%#x", t.val.Selector), "err", err)
		}
	}

	if err := e.mu.RegWriteBatch([]int{uc.X86_REG_FS_BASE, uc.X86_REG_GS_BASE}, []uint64{s.Fs.Base, s.Gs.Base}); err != nil {
		return fmt.Errorf("write fs and gs base: %w", err)
	}

	return nil
}

// loadMSRs writes what unicorn emulates. It has no CET.
func (e *Emulator) loadMSRs(s *cpustate.CPUState) {
	for _, msr := range s.MSRs() {
		if msr.CET {
			if *msr.Value != 0 {
				log.Warn(log.Emu, "dropping cet msr", "msr", fmt.Sprintf("%#x", msr.Index), "value", fmt.Sprintf("%#x", *msr.Value))
			}

			continue
		}

		if err := e.mu.RegWriteX86Msr(uint64(msr.Index), *msr.Value); err != nil {
			log.Warn(log.Emu, "cannot write msr", "msr", fmt.Sprintf("%#x", msr.Index), "err", err)
		}
	}
}

func (e *Emulator) loadFPU(s *cpustate.CPUState) error {
	regs := []int{uc.X86_REG_FPCW, uc.X86_REG_FPSW, uc.X86_REG_FPTAG, uc.X86_REG_MXCSR}
	vals := []uint64{uint64(s.Fpcw), uint64(s.Fpsw), uint64(s.Fptw.Value), uint64(s.Mxcsr)}

	if err := e.mu.RegWriteBatch(regs, vals); err != nil {
		return fmt.Errorf("write fpu control registers: %w", err)
	}

	for i, st := range s.Fpst {
		if st != (cpustate.Fpst{}) {
			log.Debug(log.Emu, "x87 stack is not restored", "st", i)

			break
		}
	}

	return nil
}
