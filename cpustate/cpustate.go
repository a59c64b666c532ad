// Package cpustate loads, sanitizes and describes the x86-64 register file
// a snapshot resumes from.
package cpustate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Segment is a segment register in the VMX access-rights layout: Attr holds
// type, S, DPL and P in bits 0-7, the reserved nibble in bits 8-11 and
// AVL, L, D/B and G in bits 12-15.
type Segment struct {
	Present  bool
	Selector uint16
	Base     uint64
	Limit    uint32
	Attr     uint16
}

// Reserved returns bits 8-11 of Attr.
func (s Segment) Reserved() uint16 {
	return (s.Attr >> 8) & 0xf
}

// Valid reports whether the reserved nibble mirrors bits 16-19 of Limit.
func (s Segment) Valid() bool {
	return uint32(s.Reserved()) == (s.Limit>>16)&0xf
}

func (s Segment) Type() uint8 { return uint8(s.Attr & 0xf) }

// S is set for code and data segments, clear for system segments.
func (s Segment) S() bool { return s.Attr&(1<<4) != 0 }

func (s Segment) DPL() uint8 { return uint8(s.Attr>>5) & 3 }

func (s Segment) P() bool { return s.Attr&(1<<7) != 0 }

func (s Segment) AVL() bool { return s.Attr&(1<<12) != 0 }

func (s Segment) L() bool { return s.Attr&(1<<13) != 0 }

func (s Segment) DB() bool { return s.Attr&(1<<14) != 0 }

func (s Segment) G() bool { return s.Attr&(1<<15) != 0 }

// GlobalSegment is GDTR or IDTR.
type GlobalSegment struct {
	Base  uint64
	Limit uint16
}

// Fpst is one 80-bit x87 register.
type Fpst struct {
	Fraction uint64
	Exp      uint16
}

// CPUState is the register file of one virtual CPU.
type CPUState struct {
	Rax, Rbx, Rcx, Rdx, Rsi, Rdi, Rip, Rsp, Rbp uint64
	R8, R9, R10, R11, R12, R13, R14, R15        uint64
	Rflags                                      uint64

	Es, Cs, Ss, Ds, Fs, Gs, Tr, Ldtr Segment
	Gdtr, Idtr                       GlobalSegment

	Cr0, Cr2, Cr3, Cr4, Cr8 uint64
	Efer                    uint64
	Xcr0                    uint64

	Star, Lstar, Cstar, Sfmask uint64
	KernelGsBase               uint64
	Tsc, TscAux                uint64
	ApicBase                   uint64
	SysenterCs                 uint64
	SysenterEsp, SysenterEip   uint64
	Pat                        uint64

	Dr0, Dr1, Dr2, Dr3 uint64
	Dr6, Dr7           uint32

	Mxcsr, MxcsrMask uint32

	Fpcw, Fpsw, Fpop uint16
	Fptw             Fptw
	Fpst             [8]Fpst

	CetControlU, CetControlS       uint64
	Pl0Ssp, Pl1Ssp, Pl2Ssp, Pl3Ssp uint64
	InterruptSspTable              uint64
	Ssp                            uint64
}

// NamedSegment pairs a segment register with its snapshot name.
type NamedSegment struct {
	Name string
	Seg  *Segment
}

// Segments returns the eight segment registers in snapshot order.
func (s *CPUState) Segments() []NamedSegment {
	return []NamedSegment{
		{"es", &s.Es}, {"cs", &s.Cs}, {"ss", &s.Ss}, {"ds", &s.Ds},
		{"fs", &s.Fs}, {"gs", &s.Gs}, {"tr", &s.Tr}, {"ldtr", &s.Ldtr},
	}
}

// Bytes is the little-endian image of the state, used for digests.
func (s *CPUState) Bytes() []byte {
	var buf bytes.Buffer

	// Writing a fixed-size struct into a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, s)

	return buf.Bytes()
}

// Dump prints the state the way a debugger register window would.
func (s *CPUState) Dump(w io.Writer) {
	fmt.Fprintf(w, "rax=%016x rbx=%016x rcx=%016x\n", s.Rax, s.Rbx, s.Rcx)
	fmt.Fprintf(w, "rdx=%016x rsi=%016x rdi=%016x\n", s.Rdx, s.Rsi, s.Rdi)
	fmt.Fprintf(w, "rip=%016x rsp=%016x rbp=%016x\n", s.Rip, s.Rsp, s.Rbp)
	fmt.Fprintf(w, " r8=%016x  r9=%016x r10=%016x\n", s.R8, s.R9, s.R10)
	fmt.Fprintf(w, "r11=%016x r12=%016x r13=%016x\n", s.R11, s.R12, s.R13)
	fmt.Fprintf(w, "r14=%016x r15=%016x rflags=%08x\n", s.R14, s.R15, s.Rflags)
	fmt.Fprintf(w, "cr0=%08x cr3=%016x cr4=%08x cr8=%x efer=%x\n", s.Cr0, s.Cr3, s.Cr4, s.Cr8, s.Efer)

	for _, seg := range s.Segments() {
		fmt.Fprintf(w, "%-4s sel=%04x base=%016x limit=%08x attr=%04x\n",
			seg.Name, seg.Seg.Selector, seg.Seg.Base, seg.Seg.Limit, seg.Seg.Attr)
	}

	fmt.Fprintf(w, "gdtr=%016x:%04x idtr=%016x:%04x\n", s.Gdtr.Base, s.Gdtr.Limit, s.Idtr.Base, s.Idtr.Limit)
	fmt.Fprintf(w, "fpcw=%04x fpsw=%04x fptw=%04x mxcsr=%08x\n", s.Fpcw, s.Fpsw, s.Fptw.Value, s.Mxcsr)
}
