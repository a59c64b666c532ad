package machine

// state.go: moving a cpustate.CPUState in and out of the vCPU.

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/snapfuzz/cpuid"
	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/kvm"
	"github.com/bobuhiro11/snapfuzz/log"
)

// LoadCPUState writes s into the vCPU. s is expected to be sanitized.
func (m *Machine) LoadCPUState(s *cpustate.CPUState) error {
	if missing := cpuid.Missing(m.cpuid, cpuid.Demanded(s)); len(missing) > 0 {
		log.Warn(log.KVM, "snapshot relies on cpu features the vcpu lacks", "features", fmt.Sprint(missing))
	}

	regs := toRegs(s)
	if err := kvm.SetRegs(m.vcpuFd, regs); err != nil {
		return fmt.Errorf("SetRegs cpu0: %w", err)
	}

	sregs := toSregs(s)
	if err := kvm.SetSregs(m.vcpuFd, sregs); err != nil {
		return fmt.Errorf("SetSregs cpu0: %w", err)
	}

	fpu := toFPU(s)
	if err := kvm.SetFPU(m.vcpuFd, fpu); err != nil {
		return fmt.Errorf("SetFPU cpu0: %w", err)
	}

	if s.MxcsrMask != cpustate.DefaultMxcsrMask {
		log.Debug(log.KVM, "kvm_fpu has no mxcsr_mask, using the host's", "mxcsr_mask", fmt.Sprintf("%#x", s.MxcsrMask))
	}

	if s.Xcr0 != 0 {
		xcrs := &kvm.XCRS{NrXCRS: 1}
		xcrs.XCRS[0] = kvm.XCR{XCR: 0, Value: s.Xcr0}

		if err := kvm.SetXCRS(m.vcpuFd, xcrs); err != nil {
			return fmt.Errorf("SetXCRS cpu0: %w", err)
		}
	}

	dregs := &kvm.DebugRegs{
		DB:  [4]uint64{s.Dr0, s.Dr1, s.Dr2, s.Dr3},
		DR6: uint64(s.Dr6),
		DR7: uint64(s.Dr7),
	}
	if err := kvm.SetDebugRegs(m.vcpuFd, dregs); err != nil {
		return fmt.Errorf("SetDebugRegs cpu0: %w", err)
	}

	if err := kvm.SetMSRs(m.vcpuFd, kvm.NewMSRSFrom(m.msrEntries(s)...)); err != nil {
		return fmt.Errorf("SetMSRs cpu0: %w", err)
	}

	if s.Ssp != 0 {
		log.Debug(log.KVM, "ssp is not restored", "ssp", fmt.Sprintf("%#x", s.Ssp))
	}

	m.regs, m.sregs = regs, sregs
	m.step = nil

	return nil
}

// msrEntries keeps the MSRs this KVM can take. CET state is dropped when
// the vCPU has no CET.
func (m *Machine) msrEntries(s *cpustate.CPUState) []kvm.MSREntry {
	cet := cpuid.CET(m.cpuid)

	var out []kvm.MSREntry

	for _, msr := range s.MSRs() {
		if (msr.CET && !cet) || !m.msrList.Supported(msr.Index) {
			if *msr.Value != 0 {
				log.Warn(log.KVM, "dropping msr the vcpu does not support",
					"msr", fmt.Sprintf("%#x", msr.Index), "value", fmt.Sprintf("%#x", *msr.Value))
			}

			continue
		}

		out = append(out, kvm.MSREntry{Index: msr.Index, Data: *msr.Value})
	}

	return out
}

// SaveCPUState reads the vCPU back into a CPUState.
func (m *Machine) SaveCPUState() (*cpustate.CPUState, error) {
	regs, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		return nil, fmt.Errorf("GetRegs cpu0: %w", err)
	}

	sregs, err := kvm.GetSregs(m.vcpuFd)
	if err != nil {
		return nil, fmt.Errorf("GetSregs cpu0: %w", err)
	}

	s := &cpustate.CPUState{}
	fromRegs(s, regs)
	fromSregs(s, sregs)

	fpu := &kvm.FPU{}
	if err := kvm.GetFPU(m.vcpuFd, fpu); err != nil {
		return nil, fmt.Errorf("GetFPU cpu0: %w", err)
	}

	fromFPU(s, fpu)

	xcrs := &kvm.XCRS{}
	if err := kvm.GetXCRS(m.vcpuFd, xcrs); err != nil {
		return nil, fmt.Errorf("GetXCRS cpu0: %w", err)
	}

	for _, x := range xcrs.XCRS[:xcrs.NrXCRS] {
		if x.XCR == 0 {
			s.Xcr0 = x.Value
		}
	}

	dregs := &kvm.DebugRegs{}
	if err := kvm.GetDebugRegs(m.vcpuFd, dregs); err != nil {
		return nil, fmt.Errorf("GetDebugRegs cpu0: %w", err)
	}

	s.Dr0, s.Dr1, s.Dr2, s.Dr3 = dregs.DB[0], dregs.DB[1], dregs.DB[2], dregs.DB[3]
	s.Dr6, s.Dr7 = uint32(dregs.DR6), uint32(dregs.DR7)

	msrs := kvm.NewMSRSFrom(m.msrEntries(s)...)
	if err := kvm.GetMSRs(m.vcpuFd, msrs); err != nil {
		return nil, fmt.Errorf("GetMSRs cpu0: %w", err)
	}

	fields := s.MSRs()
	for _, e := range msrs.Entries {
		for _, msr := range fields {
			if msr.Index == e.Index {
				*msr.Value = e.Data
			}
		}
	}

	return s, nil
}

func toRegs(s *cpustate.CPUState) *kvm.Regs {
	return &kvm.Regs{
		RAX: s.Rax, RBX: s.Rbx, RCX: s.Rcx, RDX: s.Rdx,
		RSI: s.Rsi, RDI: s.Rdi, RSP: s.Rsp, RBP: s.Rbp,
		R8: s.R8, R9: s.R9, R10: s.R10, R11: s.R11,
		R12: s.R12, R13: s.R13, R14: s.R14, R15: s.R15,
		RIP: s.Rip, RFLAGS: s.Rflags,
	}
}

func fromRegs(s *cpustate.CPUState, r *kvm.Regs) {
	s.Rax, s.Rbx, s.Rcx, s.Rdx = r.RAX, r.RBX, r.RCX, r.RDX
	s.Rsi, s.Rdi, s.Rsp, s.Rbp = r.RSI, r.RDI, r.RSP, r.RBP
	s.R8, s.R9, s.R10, s.R11 = r.R8, r.R9, r.R10, r.R11
	s.R12, s.R13, s.R14, s.R15 = r.R12, r.R13, r.R14, r.R15
	s.Rip, s.Rflags = r.RIP, r.RFLAGS
}

func b2u(b bool) uint8 {
	if b {
		return 1
	}

	return 0
}

func toSegment(s cpustate.Segment) kvm.Segment {
	return kvm.Segment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Typ:      s.Type(),
		Present:  b2u(s.P()),
		DPL:      s.DPL(),
		DB:       b2u(s.DB()),
		S:        b2u(s.S()),
		L:        b2u(s.L()),
		G:        b2u(s.G()),
		AVL:      b2u(s.AVL()),
		Unusable: b2u(!s.Present),
	}
}

func fromSegment(k kvm.Segment) cpustate.Segment {
	attr := uint16(k.Typ&0xf) |
		uint16(k.S&1)<<4 |
		uint16(k.DPL&3)<<5 |
		uint16(k.Present&1)<<7 |
		uint16((k.Limit>>16)&0xf)<<8 |
		uint16(k.AVL&1)<<12 |
		uint16(k.L&1)<<13 |
		uint16(k.DB&1)<<14 |
		uint16(k.G&1)<<15

	return cpustate.Segment{
		Present:  k.Unusable == 0,
		Selector: k.Selector,
		Base:     k.Base,
		Limit:    k.Limit,
		Attr:     attr,
	}
}

func toSregs(s *cpustate.CPUState) *kvm.Sregs {
	return &kvm.Sregs{
		CS:       toSegment(s.Cs),
		DS:       toSegment(s.Ds),
		ES:       toSegment(s.Es),
		FS:       toSegment(s.Fs),
		GS:       toSegment(s.Gs),
		SS:       toSegment(s.Ss),
		TR:       toSegment(s.Tr),
		LDT:      toSegment(s.Ldtr),
		GDT:      kvm.Descriptor{Base: s.Gdtr.Base, Limit: s.Gdtr.Limit},
		IDT:      kvm.Descriptor{Base: s.Idtr.Base, Limit: s.Idtr.Limit},
		CR0:      s.Cr0,
		CR2:      s.Cr2,
		CR3:      s.Cr3,
		CR4:      s.Cr4,
		CR8:      s.Cr8,
		EFER:     s.Efer,
		ApicBase: s.ApicBase,
	}
}

func fromSregs(s *cpustate.CPUState, r *kvm.Sregs) {
	s.Cs, s.Ds, s.Es = fromSegment(r.CS), fromSegment(r.DS), fromSegment(r.ES)
	s.Fs, s.Gs, s.Ss = fromSegment(r.FS), fromSegment(r.GS), fromSegment(r.SS)
	s.Tr, s.Ldtr = fromSegment(r.TR), fromSegment(r.LDT)
	s.Gdtr = cpustate.GlobalSegment{Base: r.GDT.Base, Limit: r.GDT.Limit}
	s.Idtr = cpustate.GlobalSegment{Base: r.IDT.Base, Limit: r.IDT.Limit}
	s.Cr0, s.Cr2, s.Cr3, s.Cr4, s.Cr8 = r.CR0, r.CR2, r.CR3, r.CR4, r.CR8
	s.Efer, s.ApicBase = r.EFER, r.ApicBase
}

// toFPU lays the x87 stack out the way FXSAVE does: ST(i) in FPR[i],
// 64-bit significand then 16-bit sign and exponent.
func toFPU(s *cpustate.CPUState) *kvm.FPU {
	fpu := &kvm.FPU{
		FCW:        s.Fpcw,
		FSW:        s.Fpsw,
		FTWX:       s.Fptw.Abridged(),
		LastOpcode: s.Fpop,
		MXCSR:      s.Mxcsr,
	}

	for i, st := range s.Fpst {
		binary.LittleEndian.PutUint64(fpu.FPR[i][0:8], st.Fraction)
		binary.LittleEndian.PutUint16(fpu.FPR[i][8:10], st.Exp)
	}

	return fpu
}

func fromFPU(s *cpustate.CPUState, fpu *kvm.FPU) {
	s.Fpcw, s.Fpsw, s.Fpop, s.Mxcsr = fpu.FCW, fpu.FSW, fpu.LastOpcode, fpu.MXCSR

	for i := range s.Fpst {
		s.Fpst[i] = cpustate.Fpst{
			Fraction: binary.LittleEndian.Uint64(fpu.FPR[i][0:8]),
			Exp:      binary.LittleEndian.Uint16(fpu.FPR[i][8:10]),
		}
	}

	s.Fptw = cpustate.FromAbridged(fpu.FTWX, fpu.FSW, s.Fpst)
}
