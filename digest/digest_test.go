package digest_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/bobuhiro11/snapfuzz/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

// swapNibbles turns a conventional hex string into the low-nibble-first form.
func swapNibbles(s string) string {
	b := []byte(s)
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}

	return string(b)
}

func TestBlake3HexDigest(t *testing.T) {
	t.Parallel()

	for _, in := range [][]byte{nil, []byte("abc"), bytes.Repeat([]byte{0x90}, 4096)} {
		sum := blake3.Sum256(in)
		want := swapNibbles(hex.EncodeToString(sum[:digest.Size]))

		got := digest.Blake3HexDigest(in)
		assert.Len(t, got, 32)
		assert.Equal(t, want, got)
		assert.Equal(t, got, digest.Blake3HexDigest(in), "stable across calls")
	}
}

func TestBlake3HexDigestEmpty(t *testing.T) {
	t.Parallel()

	// BLAKE3("") begins af1349b9f5f9a1a6; each byte is printed low nibble first.
	assert.Equal(t, "fa31949b5f9f1a6a", digest.Blake3HexDigest(nil)[:16])
}

func TestBlake3HexDigestSensitivity(t *testing.T) {
	t.Parallel()

	buf := bytes.Repeat([]byte{0x41}, 512)
	base := digest.Blake3HexDigest(buf)

	for _, i := range []int{0, 255, 511} {
		mutated := append([]byte(nil), buf...)
		mutated[i] ^= 1
		assert.NotEqual(t, base, digest.Blake3HexDigest(mutated), "byte %d", i)
	}
}

func TestHexdump(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	require.NoError(t, digest.Hexdump(&out, 0x1000, []byte("hello, world!\x00\x01\x02abc")))

	lines := bytes.Split(bytes.TrimRight(out.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "0000000000001000: 68 65 6c 6c 6f")
	assert.Contains(t, string(lines[0]), "|hello, world!...|")
	assert.Contains(t, string(lines[1]), "0000000000001010: 61 62 63")
	assert.Contains(t, string(lines[1]), "|abc|")
}
