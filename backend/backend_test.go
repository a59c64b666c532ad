package backend_test

import (
	"testing"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/backend/backendtest"
	"github.com/bobuhiro11/snapfuzz/exception"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct {
	A uint32
	B uint16
	C uint16
	D uint64
}

func TestVirtReadStruct(t *testing.T) {
	t.Parallel()

	f := backendtest.New()
	f.Write(0x1000, []byte{
		0x78, 0x56, 0x34, 0x12,
		0x01, 0x00,
		0x02, 0x00,
		0xef, 0xcd, 0xab, 0x89, 0x67, 0x45, 0x23, 0x01,
	})

	var p pair

	require.True(t, backend.VirtReadStruct(f, 0x1000, &p))
	assert.Equal(t, pair{A: 0x12345678, B: 1, C: 2, D: 0x0123456789abcdef}, p)

	require.False(t, backend.VirtReadStruct(f, 0x1001, &p), "short read must fail")
}

func TestCrashName(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		report backend.CrashReport
		want   string
	}{
		{
			name:   "read av",
			report: backend.CrashReport{Address: 0xfffff80312345678, Code: exception.AccessViolationRead},
			want:   "crash-EXCEPTION_ACCESS_VIOLATION_READ-0xfffff80312345678",
		},
		{
			name:   "unknown",
			report: backend.CrashReport{Address: 0x7ff6, Code: 0xDEADBEEF},
			want:   "crash-UNKNOWN-0x7ff6",
		},
		{
			name:   "stack buffer overrun",
			report: backend.CrashReport{Address: 0x1234, Code: 0xC0000409},
			want:   "crash-EXCEPTION_STACK_BUFFER_OVERRUN-0x1234",
		},
		{
			name:   "heap corruption",
			report: backend.CrashReport{Address: 0x10, Code: 0xC0000374},
			want:   "crash-STATUS_HEAP_CORRUPTION-0x10",
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.want, backend.CrashName(test.report))
		})
	}

	assert.Equal(t, "crash-0xdead", backend.BreakpointCrashName(0xdead))
}

func TestBreakpoints(t *testing.T) {
	t.Parallel()

	bps := backend.NewBreakpoints()
	hits := 0

	require.True(t, bps.Add(0x2000, func(backend.Backend) { hits++ }))
	require.False(t, bps.Add(0x2000, func(backend.Backend) {}), "double registration")

	bps.AddCoverage(0x1000, 0x5000)
	bps.AddCoverage(0x2000, 0x6000)

	assert.Equal(t, []backend.Gva{0x1000, 0x2000}, bps.Addresses())
	assert.Equal(t, 2, bps.PendingCoverage())

	assert.True(t, bps.Covered(0x2000))
	assert.False(t, bps.Covered(0x2000), "coverage breakpoints are one-shot")
	assert.True(t, bps.Armed(0x2000), "handler survives coverage hit")

	h, ok := bps.Lookup(0x2000)
	require.True(t, ok)
	h(nil)
	assert.Equal(t, 1, hits)

	assert.True(t, bps.Covered(0x1000))
	assert.False(t, bps.Armed(0x1000))
	assert.Equal(t, 0, bps.PendingCoverage())
}

func TestRegString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "rcx", backend.Rcx.String())
	assert.Equal(t, "cr3", backend.Cr3.String())
	assert.Equal(t, "Reg(99)", backend.Reg(99).String())
}
