// Package cpuid reads feature bits out of the CPUID table KVM reports and
// matches them against what a register snapshot relies on.
package cpuid

import (
	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/kvm"
)

const (
	cr4PCIDE    = 1 << 17
	cr4FSGSBASE = 1 << 16
	cr4OSXSAVE  = 1 << 18
	cr4SMEP     = 1 << 20
	cr4SMAP     = 1 << 21
	cr4UMIP     = 1 << 11
	cr4PKE      = 1 << 22
	cr4CET      = 1 << 23

	eferNXE = 1 << 11

	cetShstkEn = 1 << 0
	cetIBTEn   = 1 << 2
)

// Lookup returns the entry for function/index.
func Lookup(ids *kvm.CPUID, function, index uint32) (kvm.CPUIDEntry2, bool) {
	for _, e := range ids.Entries[:ids.Nent] {
		if e.Function == function && e.Index == index {
			return e, true
		}
	}

	return kvm.CPUIDEntry2{}, false
}

// Supported reports whether f is set in ids.
func Supported(ids *kvm.CPUID, f Feature) bool {
	e, ok := Lookup(ids, f.Function, f.Index)
	if !ok {
		return false
	}

	var reg uint32

	switch f.Reg {
	case EAX:
		reg = e.Eax
	case EBX:
		reg = e.Ebx
	case ECX:
		reg = e.Ecx
	case EDX:
		reg = e.Edx
	}

	return reg&(1<<f.Bit) != 0
}

// Missing returns the features of want that ids does not offer.
func Missing(ids *kvm.CPUID, want []Feature) []Feature {
	var out []Feature

	for _, f := range want {
		if !Supported(ids, f) {
			out = append(out, f)
		}
	}

	return out
}

// Demanded returns the features s has switched on in its control and
// model-specific registers, on top of Baseline.
func Demanded(s *cpustate.CPUState) []Feature {
	out := append([]Feature{}, Baseline...)

	add := func(cond bool, f ...Feature) {
		if cond {
			out = append(out, f...)
		}
	}

	add(s.Cr4&cr4PCIDE != 0, PCID)
	add(s.Cr4&cr4FSGSBASE != 0, FSGSBASE)
	add(s.Cr4&cr4OSXSAVE != 0, XSAVE)
	add(s.Cr4&cr4SMEP != 0, SMEP)
	add(s.Cr4&cr4SMAP != 0, SMAP)
	add(s.Cr4&cr4UMIP != 0, UMIP)
	add(s.Cr4&cr4PKE != 0, PKU)
	add(s.Efer&eferNXE != 0, NX)
	add(s.Cr4&cr4CET != 0 && (s.CetControlU|s.CetControlS)&cetShstkEn != 0, SHSTK)
	add(s.Cr4&cr4CET != 0 && (s.CetControlU|s.CetControlS)&cetIBTEn != 0, IBT)

	return out
}

// CET reports whether ids offers either control-flow enforcement feature.
func CET(ids *kvm.CPUID) bool {
	return Supported(ids, SHSTK) || Supported(ids, IBT)
}

// Split partitions features into those ids sets and those it does not.
func Split(ids *kvm.CPUID, features []Feature) (enabled, disabled []Feature) {
	for _, f := range features {
		if Supported(ids, f) {
			enabled = append(enabled, f)
		} else {
			disabled = append(disabled, f)
		}
	}

	return enabled, disabled
}
