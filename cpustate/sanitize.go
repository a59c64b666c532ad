package cpustate

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/snapfuzz/log"
)

// ErrInvalidSegment is a segment whose reserved attribute nibble disagrees
// with bits 16-19 of its limit.
var ErrInvalidSegment = errors.New("invalid segment")

// UserModeLimit is the lowest address considered kernel for the CR8 rule.
const UserModeLimit = 0x7FFFFFFF0000

// DefaultMxcsrMask is used when the snapshot carries a zero mask.
const DefaultMxcsrMask = 0xFFBF

// Sanitize rewrites s into a state the backends can resume. It clears CR8
// for user-mode snapshots, clears the debug registers, defaults the MXCSR
// mask and rejects malformed segments. Applying it twice is the same as
// applying it once.
func Sanitize(s *CPUState) error {
	if s.Rip < UserModeLimit && s.Cr8 != 0 {
		log.Info(log.CPUState, "forcing cr8 to 0 as rip is in user mode", "rip", fmt.Sprintf("%#x", s.Rip), "cr8", s.Cr8)
		s.Cr8 = 0
	}

	for i, dr := range []*uint64{&s.Dr0, &s.Dr1, &s.Dr2, &s.Dr3} {
		if *dr != 0 {
			log.Info(log.CPUState, "clearing hardware breakpoint", "dr", i, "value", fmt.Sprintf("%#x", *dr))
			*dr = 0
		}
	}

	for name, dr := range map[string]*uint32{"dr6": &s.Dr6, "dr7": &s.Dr7} {
		if *dr != 0 {
			log.Info(log.CPUState, "clearing debug status register", "reg", name, "value", fmt.Sprintf("%#x", *dr))
			*dr = 0
		}
	}

	for _, seg := range s.Segments() {
		if !seg.Seg.Valid() {
			return fmt.Errorf("%s selector %#x attr %#x limit %#x: %w",
				seg.Name, seg.Seg.Selector, seg.Seg.Attr, seg.Seg.Limit, ErrInvalidSegment)
		}
	}

	if s.MxcsrMask == 0 {
		log.Info(log.CPUState, "defaulting mxcsr_mask", "mask", fmt.Sprintf("%#x", DefaultMxcsrMask))
		s.MxcsrMask = DefaultMxcsrMask
	}

	return nil
}
