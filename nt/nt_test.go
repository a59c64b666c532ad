package nt_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/backend/backendtest"
	"github.com/bobuhiro11/snapfuzz/nt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePointer(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		cookie uint64
		value  uint64
		want   backend.Gva
	}{
		// cookie&0x3f == 0: rotate right by 64 is the identity.
		{name: "no rotation", cookie: 0x1000, value: 0x1234, want: 0x1234 ^ 0x1000},
		// cookie&0x3f == 0x3f: rotate right by 1.
		{name: "rotate by one", cookie: 0x3f, value: 0x2, want: 0x1 ^ 0x3f},
		// cookie&0x3f == 0x3e: rotate right by 2, low bit wraps to bit 62.
		{name: "wrap", cookie: 0x3e, value: 0x1, want: (1 << 62) ^ 0x3e},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.want, nt.DecodePointer(test.cookie, test.value))
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, cookie := range []uint64{0, 1, 0x3f, 0xdeadbeefcafe1234, 0xffffffffffffffc1} {
		ptr := backend.Gva(0xfffff80412345678)
		assert.Equal(t, ptr, nt.DecodePointer(cookie, nt.EncodePointer(cookie, ptr)), "cookie %#x", cookie)
	}
}

func TestReadIDTEntryHandler(t *testing.T) {
	t.Parallel()

	f := backendtest.New()
	idt := backend.Gva(0xfffff80000010000)

	// Vector 0xe: KiPageFault at 0xfffff80412345678.
	var buf bytes.Buffer

	require.NoError(t, binary.Write(&buf, binary.LittleEndian, nt.IDTEntry{
		Low:        0x5678,
		Selector:   0x10,
		Attributes: 0x8e,
		Middle:     0x1234,
		High:       0xfffff804,
	}))
	require.Equal(t, 16, buf.Len())
	f.Write(idt+0xe*16, buf.Bytes())

	h, ok := nt.ReadIDTEntryHandler(f, uint64(idt), 0xe)
	require.True(t, ok)
	assert.Equal(t, backend.Gva(0xfffff80412345678), h)

	_, ok = nt.ReadIDTEntryHandler(f, uint64(idt), 0xd)
	assert.False(t, ok)
}
