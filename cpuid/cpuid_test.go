package cpuid_test

import (
	"testing"

	"github.com/bobuhiro11/snapfuzz/cpuid"
	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/kvm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func table(entries ...kvm.CPUIDEntry2) *kvm.CPUID {
	ids := &kvm.CPUID{Nent: uint32(len(entries))}
	copy(ids.Entries[:], entries)

	return ids
}

// baseline sets every bit cpuid.Baseline asks for.
func baseline() []kvm.CPUIDEntry2 {
	return []kvm.CPUIDEntry2{
		{Function: 1, Edx: 1<<0 | 1<<6 | 1<<16 | 1<<24 | 1<<25 | 1<<26},
		{Function: 0x80000001, Edx: 1<<11 | 1<<20 | 1<<29},
	}
}

func TestSupported(t *testing.T) {
	t.Parallel()

	ids := table(append(baseline(), kvm.CPUIDEntry2{Function: 7, Ecx: 1 << 7})...)

	for _, tt := range []struct {
		f    cpuid.Feature
		want bool
	}{
		{cpuid.FPU, true},
		{cpuid.LM, true},
		{cpuid.SHSTK, true},
		{cpuid.IBT, false},
		{cpuid.XSAVE, false},
		{cpuid.GBPAGES, false},
	} {
		tt := tt
		t.Run(tt.f.String(), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, cpuid.Supported(ids, tt.f))
		})
	}

	assert.True(t, cpuid.CET(ids))
	assert.False(t, cpuid.CET(table(baseline()...)))
}

func TestLookupIgnoresEntriesPastNent(t *testing.T) {
	t.Parallel()

	ids := table(baseline()...)
	ids.Entries[5] = kvm.CPUIDEntry2{Function: 7, Edx: 1 << 20}

	_, ok := cpuid.Lookup(ids, 7, 0)
	assert.False(t, ok)
	assert.False(t, cpuid.Supported(ids, cpuid.IBT))
}

func TestMissing(t *testing.T) {
	t.Parallel()

	ids := table(baseline()...)
	require.Empty(t, cpuid.Missing(ids, cpuid.Baseline))

	s := &cpustate.CPUState{
		Cr4:         1<<18 | 1<<20 | 1<<23,
		CetControlS: 1 << 2,
	}

	missing := cpuid.Missing(ids, cpuid.Demanded(s))
	assert.Equal(t, []cpuid.Feature{cpuid.XSAVE, cpuid.SMEP, cpuid.IBT}, missing)
}

func TestDemandedWithoutCR4CET(t *testing.T) {
	t.Parallel()

	// The CET MSRs are dormant while CR4.CET is clear.
	s := &cpustate.CPUState{CetControlU: 1, CetControlS: 1 << 2}
	assert.Equal(t, cpuid.Baseline, cpuid.Demanded(s))
}

func TestSplit(t *testing.T) {
	t.Parallel()

	enabled, disabled := cpuid.Split(table(baseline()...), cpuid.All)
	assert.Equal(t, cpuid.Baseline, enabled)
	assert.Len(t, disabled, len(cpuid.All)-len(cpuid.Baseline))
}
