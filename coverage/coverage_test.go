package coverage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/backend/backendtest"
	"github.com/bobuhiro11/snapfuzz/coverage"
	"github.com/bobuhiro11/snapfuzz/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = 0xfffff80226a00000

func resolver() *symbols.Store {
	s := symbols.New()
	s.Add("nt", base)

	return s
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}

	return dir
}

func TestParseDir(t *testing.T) {
	t.Parallel()

	dir := writeFiles(t, map[string]string{
		"nt.cov":     `{"name": "nt", "addresses": [16, 4096, 8192]}`,
		"notes.txt":  `not json`,
		"nt.cov.bak": `not json`,
	})

	fake := backendtest.New()
	fake.Translations[base+16] = 0x1010
	fake.Translations[base+4096] = 0x2000

	r, err := coverage.ParseDir(dir, resolver(), fake)
	require.NoError(t, err)
	assert.Equal(t, coverage.Breakpoints{base + 16: 0x1010, base + 4096: 0x2000}, r.Breakpoints)
	assert.Equal(t, []backend.Gva{base + 8192}, r.Skipped)
	assert.Empty(t, r.Warnings)
	assert.Equal(t, []backend.Gva{base + 16, base + 4096}, r.Breakpoints.Addresses())
}

func TestParseDirEmpty(t *testing.T) {
	t.Parallel()

	for name, files := range map[string]map[string]string{
		"no files":         {},
		"no cov files":     {"readme.md": "# coverage"},
		"nothing resolves": {"nt.cov": `{"name": "nt", "addresses": [1]}`},
	} {
		files := files
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r, err := coverage.ParseDir(writeFiles(t, files), resolver(), backendtest.New())
			require.NoError(t, err)
			assert.Empty(t, r.Breakpoints)
			assert.Equal(t, []string{coverage.NoBreakpointsWarning}, r.Warnings)
		})
	}
}

func TestParseDirUnknownModule(t *testing.T) {
	t.Parallel()

	dir := writeFiles(t, map[string]string{
		"a.cov": `{"name": "nt", "addresses": [16]}`,
		"b.cov": `{"name": "win32k", "addresses": [16]}`,
	})

	fake := backendtest.New()
	fake.Translations[base+16] = 0x1010

	r, err := coverage.ParseDir(dir, resolver(), fake)
	require.ErrorIs(t, err, coverage.ErrModuleNotFound)
	assert.Contains(t, err.Error(), "win32k")
	assert.Nil(t, r)
}

func TestParseDirMalformed(t *testing.T) {
	t.Parallel()

	dir := writeFiles(t, map[string]string{"bad.cov": `{"name": "nt", "addresses": [`})

	_, err := coverage.ParseDir(dir, resolver(), backendtest.New())
	require.ErrorIs(t, err, coverage.ErrMalformed)
	assert.Contains(t, err.Error(), "bad.cov")
}

func TestParseDirMissing(t *testing.T) {
	t.Parallel()

	_, err := coverage.ParseDir(filepath.Join(t.TempDir(), "nope"), resolver(), backendtest.New())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseSortsFiles(t *testing.T) {
	t.Parallel()

	files := []coverage.File{
		{Name: "nt", Path: "c.cov", Addresses: []uint64{1}},
		{Name: "win32k", Path: "b.cov", Addresses: []uint64{1}},
		{Name: "hal", Path: "a.cov", Addresses: []uint64{1}},
	}

	// The first unresolved module in name order is the one reported.
	_, err := coverage.Parse(files, resolver(), backendtest.New())
	require.ErrorIs(t, err, coverage.ErrModuleNotFound)
	assert.Contains(t, err.Error(), "a.cov")
	assert.Contains(t, err.Error(), `"hal"`)
}
