package symbols_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/snapfuzz/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	s, err := symbols.Parse([]byte(`{
		"nt!KeBugCheck2": "0xfffff80412345678",
		"nt": "0xfffff80400000000",
		"Verifier": 140737488355328,
		"ntdll!RtlDispatchException": "0x7ffd00001000"
	}`))
	require.NoError(t, err)

	assert.Equal(t, 4, s.Len())
	assert.Equal(t, uint64(0xfffff80400000000), s.GetModuleBase("nt"))
	assert.Equal(t, uint64(0x800000000000), s.GetModuleBase("verifier"), "module names are case insensitive")
	assert.Equal(t, uint64(0), s.GetModuleBase("hevd"))

	addr, ok := s.GetSymbol("nt!KeBugCheck2")
	require.True(t, ok)
	assert.Equal(t, uint64(0xfffff80412345678), addr)

	_, ok = s.GetSymbol("nt!Missing")
	assert.False(t, ok)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		in   string
	}{
		{name: "not an object", in: `[]`},
		{name: "bad hex", in: `{"nt": "0xzz"}`},
		{name: "negative", in: `{"nt": -1}`},
		{name: "bool", in: `{"nt": true}`},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := symbols.Parse([]byte(test.in))
			require.Error(t, err)
		})
	}

	_, err := symbols.Parse([]byte(`{"nt": "0xzz"}`))
	require.ErrorIs(t, err, symbols.ErrBadAddress)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "symbol-store.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hevd": "0x1000"}`), 0o600))

	s, err := symbols.Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), s.GetModuleBase("hevd"))

	_, err = symbols.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
