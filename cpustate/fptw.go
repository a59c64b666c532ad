package cpustate

// x87 tag values, two bits per physical register.
const (
	TagValid   = 0
	TagZero    = 1
	TagSpecial = 2
	TagEmpty   = 3
)

// Fptw is the full sixteen-bit x87 tag word.
type Fptw struct {
	Value uint16
}

// Tag returns the tag of physical register r.
func (t Fptw) Tag(r int) uint8 {
	return uint8(t.Value>>(2*r)) & 3
}

// Abridged returns the FXSAVE form: one bit per physical register, set when
// the register is not empty.
func (t Fptw) Abridged() uint8 {
	var a uint8

	for r := 0; r < 8; r++ {
		if t.Tag(r) != TagEmpty {
			a |= 1 << r
		}
	}

	return a
}

// Top returns the x87 top-of-stack field of a status word.
func Top(fpsw uint16) int {
	return int(fpsw>>11) & 7
}

// FromAbridged expands an FXSAVE abridged tag byte into the full tag word.
// Bit r of abridged describes physical register r, which is ST((r-TOP)&7)
// in the stack-ordered st array.
func FromAbridged(abridged uint8, fpsw uint16, st [8]Fpst) Fptw {
	var v uint16

	top := Top(fpsw)

	for r := 0; r < 8; r++ {
		tag := uint16(TagEmpty)
		if abridged&(1<<r) != 0 {
			tag = uint16(classify(st[(r-top)&7]))
		}

		v |= tag << (2 * r)
	}

	return Fptw{Value: v}
}

func classify(f Fpst) uint8 {
	switch exp := f.Exp & 0x7fff; {
	case exp == 0x7fff:
		return TagSpecial
	case exp == 0:
		if f.Fraction == 0 {
			return TagZero
		}

		return TagSpecial
	case f.Fraction&(1<<63) != 0:
		return TagValid
	default:
		return TagSpecial
	}
}
