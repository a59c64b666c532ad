package cpustate_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T) *cpustate.CPUState {
	t.Helper()

	s, err := cpustate.LoadFile(filepath.Join("testdata", "regs.json"))
	require.NoError(t, err)

	return s
}

func TestSanitizeCr8(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		rip  uint64
		cr8  uint64
		want uint64
	}{
		{name: "user mode", rip: 0x00007FF612340000, cr8: 0xf, want: 0},
		{name: "just below limit", rip: 0x7FFFFFFEFFFF, cr8: 2, want: 0},
		{name: "at limit", rip: 0x7FFFFFFF0000, cr8: 2, want: 2},
		{name: "kernel", rip: 0xfffff80226c12180, cr8: 0xf, want: 0xf},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			s := load(t)
			s.Rip, s.Cr8 = test.rip, test.cr8

			require.NoError(t, cpustate.Sanitize(s))
			assert.Equal(t, test.want, s.Cr8)
		})
	}
}

func TestSanitizeDebugRegisters(t *testing.T) {
	t.Parallel()

	s := load(t)
	s.Dr0, s.Dr1, s.Dr2, s.Dr3 = 0x1000, 0x2000, 0x3000, 0x4000

	require.NoError(t, cpustate.Sanitize(s))

	for i, v := range []uint64{s.Dr0, s.Dr1, s.Dr2, s.Dr3} {
		assert.Zero(t, v, "dr%d", i)
	}

	assert.Zero(t, s.Dr6, "fixture carries a non-zero dr6")
	assert.Zero(t, s.Dr7, "fixture carries a non-zero dr7")
}

func TestSanitizeMxcsrMask(t *testing.T) {
	t.Parallel()

	s := load(t)
	s.MxcsrMask = 0

	require.NoError(t, cpustate.Sanitize(s))
	assert.Equal(t, uint32(0xFFBF), s.MxcsrMask)

	s.MxcsrMask = 0xffff
	require.NoError(t, cpustate.Sanitize(s))
	assert.Equal(t, uint32(0xffff), s.MxcsrMask)
}

func TestSanitizeInvalidSegment(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"es", "cs", "ss", "ds", "fs", "gs", "tr", "ldtr"} {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := load(t)

			for _, seg := range s.Segments() {
				if seg.Name == name {
					// Reserved nibble 0x4 against limit bits 16-19 of 0x1.
					seg.Seg.Attr = 0x4f3
					seg.Seg.Limit = 0x1ffff
				}
			}

			err := cpustate.Sanitize(s)
			require.ErrorIs(t, err, cpustate.ErrInvalidSegment)
			assert.Contains(t, err.Error(), name+" selector")
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	t.Parallel()

	s := load(t)
	s.Dr2 = 0xdead
	s.MxcsrMask = 0

	require.NoError(t, cpustate.Sanitize(s))
	once := *s

	require.NoError(t, cpustate.Sanitize(s))
	assert.Equal(t, once, *s)
	assert.Equal(t, digest.Blake3HexDigest(once.Bytes()), digest.Blake3HexDigest(s.Bytes()))
}

func TestSegmentAttributes(t *testing.T) {
	t.Parallel()

	s := load(t)

	assert.Equal(t, uint8(0xb), s.Cs.Type())
	assert.True(t, s.Cs.S())
	assert.Equal(t, uint8(3), s.Cs.DPL())
	assert.True(t, s.Cs.P())
	assert.True(t, s.Cs.L())
	assert.False(t, s.Cs.DB())
	assert.False(t, s.Cs.G())

	assert.True(t, s.Ds.G())
	assert.True(t, s.Ds.DB())
	assert.Equal(t, uint16(0xf), s.Ds.Reserved())
	assert.True(t, s.Ds.Valid())

	assert.False(t, s.Tr.S(), "tss is a system segment")
	assert.False(t, s.Ldtr.AVL())
}

func TestDump(t *testing.T) {
	t.Parallel()

	var sb strings.Builder

	load(t).Dump(&sb)
	assert.Contains(t, sb.String(), "rip=00007ff6a7d21000")
	assert.Contains(t, sb.String(), "cs   sel=0033")
}
