// Package digest has the byte-level helpers used when reporting state.
package digest

import (
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Size is the number of digest bytes Blake3HexDigest keeps.
const Size = 16

const hexDigits = "0123456789abcdef"

// Blake3HexDigest returns the first 16 bytes of the BLAKE3 hash of data
// as 32 hex characters, each byte written low nibble first.
func Blake3HexDigest(data []byte) string {
	h := blake3.New()
	_, _ = h.Write(data)
	sum := h.Sum(nil)[:Size]

	var sb strings.Builder

	sb.Grow(Size * 2)

	for _, b := range sum {
		sb.WriteByte(hexDigits[b&0xf])
		sb.WriteByte(hexDigits[b>>4])
	}

	return sb.String()
}

// Hexdump writes buf 16 bytes per row, prefixed by the address of the row.
func Hexdump(w io.Writer, addr uint64, buf []byte) error {
	for off := 0; off < len(buf); off += 16 {
		end := off + 16
		if end > len(buf) {
			end = len(buf)
		}

		row := buf[off:end]

		var hex, ascii strings.Builder

		for i := 0; i < 16; i++ {
			if i < len(row) {
				fmt.Fprintf(&hex, "%02x ", row[i])
			} else {
				hex.WriteString("   ")
			}
		}

		for _, c := range row {
			if c >= 0x20 && c < 0x7f {
				ascii.WriteByte(c)
			} else {
				ascii.WriteByte('.')
			}
		}

		if _, err := fmt.Fprintf(w, "%016x: %s|%s|\n", addr+uint64(off), hex.String(), ascii.String()); err != nil {
			return err
		}
	}

	return nil
}
