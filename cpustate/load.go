package cpustate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bobuhiro11/snapfuzz/log"
)

var (
	// ErrMissingField is a required snapshot key that is absent.
	ErrMissingField = errors.New("missing field")

	// ErrMalformed is a value that does not parse as an unsigned integer.
	ErrMalformed = errors.New("malformed value")

	// ErrOversized is a value wider than its register under RejectOversized.
	ErrOversized = errors.New("value does not fit register")

	// ErrUnsupportedFpst is an fpst string other than the empty sentinel.
	ErrUnsupportedFpst = errors.New("unsupported fpst encoding")

	// ErrUnknownFormat is a format_version marker this loader does not know.
	ErrUnknownFormat = errors.New("unknown snapshot format")
)

// NarrowingPolicy says what happens to a value wider than its register.
type NarrowingPolicy int

const (
	// TruncateOversized keeps the low bits.
	TruncateOversized NarrowingPolicy = iota
	// RejectOversized fails the load with ErrOversized.
	RejectOversized
)

func (p NarrowingPolicy) String() string {
	switch p {
	case TruncateOversized:
		return "truncate"
	case RejectOversized:
		return "reject"
	}

	return fmt.Sprintf("NarrowingPolicy(%d)", int(p))
}

// Snapshot format markers.
const (
	FormatLegacy  = "1"
	FormatCurrent = "2"
)

const fpstSentinel = "Infinity"

// Option configures Load.
type Option func(*decoder)

// WithNarrowing selects the narrowing policy. The default truncates.
func WithNarrowing(p NarrowingPolicy) Option {
	return func(d *decoder) {
		d.policy = p
	}
}

// LoadFile reads and decodes a snapshot file.
func LoadFile(path string, opts ...Option) (*CPUState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s, err := Load(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return s, nil
}

// Load decodes a snapshot register file.
func Load(data []byte, opts ...Option) (*CPUState, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("cpu state: %w", err)
	}

	d := &decoder{policy: TruncateOversized}
	for _, o := range opts {
		o(d)
	}

	s := &CPUState{}

	if err := d.registers(obj, s); err != nil {
		return nil, err
	}

	for _, seg := range s.Segments() {
		if err := d.segment(obj, seg.Name, seg.Seg); err != nil {
			return nil, err
		}
	}

	if err := d.globalSegment(obj, "gdtr", &s.Gdtr); err != nil {
		return nil, err
	}

	if err := d.globalSegment(obj, "idtr", &s.Idtr); err != nil {
		return nil, err
	}

	sentinel, err := d.fpst(obj, s)
	if err != nil {
		return nil, err
	}

	legacy, err := legacyFormat(obj, sentinel)
	if err != nil {
		return nil, err
	}

	if legacy {
		s.Fptw = FromAbridged(uint8(s.Fptw.Value), s.Fpsw, s.Fpst)
		log.Info(log.CPUState, "expanded abridged fptw of a legacy snapshot", "fptw", fmt.Sprintf("%#x", s.Fptw.Value))
	}

	return s, nil
}

func legacyFormat(obj map[string]json.RawMessage, sentinel bool) (bool, error) {
	raw, ok := obj["format_version"]
	if !ok {
		return sentinel, nil
	}

	var marker string
	if err := json.Unmarshal(raw, &marker); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return false, fmt.Errorf("format_version %s: %w", raw, ErrUnknownFormat)
		}

		marker = n.String()
	}

	switch marker {
	case FormatLegacy:
		return true, nil
	case FormatCurrent:
		return false, nil
	}

	return false, fmt.Errorf("format_version %q: %w", marker, ErrUnknownFormat)
}

type decoder struct {
	policy NarrowingPolicy
}

// value parses one scalar and narrows it to bits.
func (d *decoder) value(key string, raw json.RawMessage, bits int) (uint64, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("%s=%s: %w", key, raw, ErrMalformed)
		}

		str = n.String()
	}

	v, err := strconv.ParseUint(strings.TrimSpace(str), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, str, ErrMalformed)
	}

	if bits < 64 && v>>bits != 0 {
		if d.policy == RejectOversized {
			return 0, fmt.Errorf("%s=%#x wider than %d bits: %w", key, v, bits, ErrOversized)
		}

		v &= 1<<bits - 1
	}

	return v, nil
}

func (d *decoder) required(obj map[string]json.RawMessage, key string, bits int) (uint64, error) {
	raw, ok := obj[key]
	if !ok {
		return 0, fmt.Errorf("%s: %w", key, ErrMissingField)
	}

	return d.value(key, raw, bits)
}

func (d *decoder) registers(obj map[string]json.RawMessage, s *CPUState) error {
	u64 := []struct {
		key string
		dst *uint64
	}{
		{"rax", &s.Rax}, {"rbx", &s.Rbx}, {"rcx", &s.Rcx}, {"rdx", &s.Rdx},
		{"rsi", &s.Rsi}, {"rdi", &s.Rdi}, {"rip", &s.Rip}, {"rsp", &s.Rsp},
		{"rbp", &s.Rbp}, {"r8", &s.R8}, {"r9", &s.R9}, {"r10", &s.R10},
		{"r11", &s.R11}, {"r12", &s.R12}, {"r13", &s.R13}, {"r14", &s.R14},
		{"r15", &s.R15}, {"rflags", &s.Rflags},
		{"tsc", &s.Tsc}, {"apic_base", &s.ApicBase},
		{"sysenter_cs", &s.SysenterCs}, {"sysenter_esp", &s.SysenterEsp},
		{"sysenter_eip", &s.SysenterEip}, {"pat", &s.Pat}, {"efer", &s.Efer},
		{"star", &s.Star}, {"lstar", &s.Lstar}, {"cstar", &s.Cstar},
		{"sfmask", &s.Sfmask}, {"kernel_gs_base", &s.KernelGsBase},
		{"tsc_aux", &s.TscAux},
		{"cr0", &s.Cr0}, {"cr2", &s.Cr2}, {"cr3", &s.Cr3}, {"cr4", &s.Cr4},
		{"cr8", &s.Cr8}, {"xcr0", &s.Xcr0},
		{"dr0", &s.Dr0}, {"dr1", &s.Dr1}, {"dr2", &s.Dr2}, {"dr3", &s.Dr3},
	}

	for _, r := range u64 {
		v, err := d.required(obj, r.key, 64)
		if err != nil {
			return err
		}

		*r.dst = v
	}

	u32 := []struct {
		key string
		dst *uint32
	}{
		{"dr6", &s.Dr6}, {"dr7", &s.Dr7}, {"mxcsr", &s.Mxcsr}, {"mxcsr_mask", &s.MxcsrMask},
	}

	for _, r := range u32 {
		v, err := d.required(obj, r.key, 32)
		if err != nil {
			return err
		}

		*r.dst = uint32(v)
	}

	u16 := []struct {
		key string
		dst *uint16
	}{
		{"fpcw", &s.Fpcw}, {"fpsw", &s.Fpsw}, {"fptw", &s.Fptw.Value}, {"fpop", &s.Fpop},
	}

	for _, r := range u16 {
		v, err := d.required(obj, r.key, 16)
		if err != nil {
			return err
		}

		*r.dst = uint16(v)
	}

	cet := []struct {
		key string
		dst *uint64
	}{
		{"cet_control_u", &s.CetControlU}, {"cet_control_s", &s.CetControlS},
		{"pl0_ssp", &s.Pl0Ssp}, {"pl1_ssp", &s.Pl1Ssp},
		{"pl2_ssp", &s.Pl2Ssp}, {"pl3_ssp", &s.Pl3Ssp},
		{"interrupt_ssp_table", &s.InterruptSspTable}, {"ssp", &s.Ssp},
	}

	for _, r := range cet {
		raw, ok := obj[r.key]
		if !ok {
			log.Debug(log.CPUState, "snapshot predates cet, defaulting to 0", "field", r.key)

			continue
		}

		v, err := d.value(r.key, raw, 64)
		if err != nil {
			return err
		}

		*r.dst = v
	}

	return nil
}

func (d *decoder) object(obj map[string]json.RawMessage, key string) (map[string]json.RawMessage, error) {
	raw, ok := obj[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrMissingField)
	}

	var sub map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%s: %w", key, ErrMalformed)
	}

	return sub, nil
}

func (d *decoder) segment(obj map[string]json.RawMessage, name string, seg *Segment) error {
	sub, err := d.object(obj, name)
	if err != nil {
		return err
	}

	raw, ok := sub["present"]
	if !ok {
		return fmt.Errorf("%s.present: %w", name, ErrMissingField)
	}

	if err := json.Unmarshal(raw, &seg.Present); err != nil {
		return fmt.Errorf("%s.present=%s: %w", name, raw, ErrMalformed)
	}

	fields := []struct {
		key  string
		bits int
		set  func(uint64)
	}{
		{"selector", 16, func(v uint64) { seg.Selector = uint16(v) }},
		{"base", 64, func(v uint64) { seg.Base = v }},
		{"limit", 32, func(v uint64) { seg.Limit = uint32(v) }},
		{"attr", 16, func(v uint64) { seg.Attr = uint16(v) }},
	}

	for _, f := range fields {
		v, err := d.required(sub, f.key, f.bits)
		if err != nil {
			return fmt.Errorf("%s.%w", name, err)
		}

		f.set(v)
	}

	return nil
}

func (d *decoder) globalSegment(obj map[string]json.RawMessage, name string, gs *GlobalSegment) error {
	sub, err := d.object(obj, name)
	if err != nil {
		return err
	}

	base, err := d.required(sub, "base", 64)
	if err != nil {
		return fmt.Errorf("%s.%w", name, err)
	}

	limit, err := d.required(sub, "limit", 16)
	if err != nil {
		return fmt.Errorf("%s.%w", name, err)
	}

	gs.Base, gs.Limit = base, uint16(limit)

	return nil
}

// fpst decodes the eight x87 registers and reports whether any of them used
// the legacy empty sentinel.
func (d *decoder) fpst(obj map[string]json.RawMessage, s *CPUState) (bool, error) {
	raw, ok := obj["fpst"]
	if !ok {
		return false, fmt.Errorf("fpst: %w", ErrMissingField)
	}

	var slots []json.RawMessage
	if err := json.Unmarshal(raw, &slots); err != nil {
		return false, fmt.Errorf("fpst: %w", ErrMalformed)
	}

	if len(slots) < len(s.Fpst) {
		return false, fmt.Errorf("fpst[%d]: %w", len(slots), ErrMissingField)
	}

	sentinel := false

	for i := range s.Fpst {
		key := fmt.Sprintf("fpst[%d]", i)

		var str string
		if err := json.Unmarshal(slots[i], &str); err == nil {
			if !strings.Contains(str, fpstSentinel) {
				return false, fmt.Errorf("%s=%q: %w", key, str, ErrUnsupportedFpst)
			}

			sentinel = true
			s.Fpst[i] = Fpst{}

			continue
		}

		var slot map[string]json.RawMessage
		if err := json.Unmarshal(slots[i], &slot); err != nil {
			return false, fmt.Errorf("%s: %w", key, ErrMalformed)
		}

		fraction, err := d.required(slot, "fraction", 64)
		if err != nil {
			return false, fmt.Errorf("%s.%w", key, err)
		}

		exp, err := d.required(slot, "exp", 16)
		if err != nil {
			return false, fmt.Errorf("%s.%w", key, err)
		}

		s.Fpst[i] = Fpst{Fraction: fraction, Exp: uint16(exp)}
	}

	return sentinel, nil
}
