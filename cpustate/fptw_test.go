package cpustate_test

import (
	"testing"

	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/stretchr/testify/assert"
)

var one = cpustate.Fpst{Fraction: 1 << 63, Exp: 0x3fff}

func TestFromAbridged(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name     string
		abridged uint8
		fpsw     uint16
		st       [8]cpustate.Fpst
		want     uint16
	}{
		{name: "all empty", abridged: 0, want: 0xffff},
		{name: "all zero", abridged: 0xff, want: 0x5555},
		{name: "st0 valid", abridged: 0x01, st: [8]cpustate.Fpst{one}, want: 0xfffc},
		{
			name:     "top 7 maps r7 to st0",
			abridged: 0x80,
			fpsw:     7 << 11,
			st:       [8]cpustate.Fpst{one},
			want:     0x3fff,
		},
		{
			name:     "top 1 maps r0 to st7",
			abridged: 0x01,
			fpsw:     1 << 11,
			st:       [8]cpustate.Fpst{7: one},
			want:     0xfffc,
		},
		{
			name:     "specials",
			abridged: 0x07,
			st: [8]cpustate.Fpst{
				{Fraction: 1 << 63, Exp: 0x7fff},
				{Fraction: 1, Exp: 0},
				{Fraction: 1, Exp: 1},
			},
			want: 0xffea,
		},
		{
			name:     "sign bit ignored",
			abridged: 0x01,
			st:       [8]cpustate.Fpst{{Fraction: 1 << 63, Exp: 0xbfff}},
			want:     0xfffc,
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got := cpustate.FromAbridged(test.abridged, test.fpsw, test.st)
			assert.Equal(t, test.want, got.Value, "got %#x", got.Value)
			assert.Equal(t, test.abridged, got.Abridged())
		})
	}
}

func TestFptwTag(t *testing.T) {
	t.Parallel()

	w := cpustate.Fptw{Value: 0xffe4}
	assert.Equal(t, uint8(cpustate.TagValid), w.Tag(0))
	assert.Equal(t, uint8(cpustate.TagZero), w.Tag(1))
	assert.Equal(t, uint8(cpustate.TagSpecial), w.Tag(2))
	assert.Equal(t, uint8(cpustate.TagEmpty), w.Tag(3))
	assert.Equal(t, 7, cpustate.Top(0x3800))
}
