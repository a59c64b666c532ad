package machine

import (
	"fmt"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/exception"
	"github.com/bobuhiro11/snapfuzz/kvm"
	"github.com/bobuhiro11/snapfuzz/log"
)

func (m *Machine) SetBreakpoint(symbol string, h backend.BreakpointHandler) bool {
	addr, ok := m.syms.GetSymbol(symbol)
	if !ok {
		log.Warn(log.KVM, "cannot resolve breakpoint symbol", "symbol", symbol)

		return false
	}

	return m.AddBreakpoint(backend.Gva(addr), h)
}

func (m *Machine) SetCrashBreakpoint(symbol string) bool {
	return m.SetBreakpoint(symbol, backend.StopOnCrash)
}

// AddBreakpoint arms h at gva. The breakpoint stays armed after it is hit.
func (m *Machine) AddBreakpoint(gva backend.Gva, h backend.BreakpointHandler) bool {
	if _, ok := m.bps.Lookup(gva); ok {
		log.Warn(log.KVM, "breakpoint already set", "gva", gva)

		return false
	}

	gpa, err := m.translate(gva, backend.ValidateExecute)
	if err != nil {
		log.Warn(log.KVM, "cannot arm breakpoint", "gva", gva, "err", err)

		return false
	}

	if err := m.arm(gva, gpa); err != nil {
		log.Warn(log.KVM, "cannot arm breakpoint", "gva", gva, "err", err)

		return false
	}

	return m.bps.Add(gva, h)
}

// AddCoverage arms a one-shot breakpoint at gva, whose code lives at gpa.
func (m *Machine) AddCoverage(gva backend.Gva, gpa backend.Gpa) bool {
	if err := m.arm(gva, gpa); err != nil {
		log.Warn(log.KVM, "cannot arm coverage breakpoint", "gva", gva, "err", err)

		return false
	}

	m.bps.AddCoverage(gva, gpa)

	return true
}

// Breakpoints is the set of armed breakpoints.
func (m *Machine) Breakpoints() *backend.Breakpoints {
	return m.bps
}

func (m *Machine) arm(gva backend.Gva, gpa backend.Gpa) error {
	if _, ok := m.sw[gva]; ok {
		return nil
	}

	var orig [1]byte
	if _, err := m.mem.ReadAt(orig[:], int64(gpa)); err != nil {
		return err
	}

	if err := m.poke(gpa, int3); err != nil {
		return err
	}

	m.sw[gva] = swBreakpoint{gpa: gpa, orig: orig[0]}

	return nil
}

func (m *Machine) poke(gpa backend.Gpa, b byte) error {
	_, err := m.mem.WriteAt([]byte{b}, int64(gpa))

	return err
}

// syncGuestDebug tells KVM which debug events to exit on, when that
// changed since the last run.
func (m *Machine) syncGuestDebug() error {
	var control uint32

	if len(m.sw) > 0 {
		control |= kvm.GuestDebugEnable | kvm.GuestDebugUseSWBP
	}

	if m.step != nil {
		control |= kvm.GuestDebugEnable | kvm.GuestDebugSingleStep
	}

	if control == m.control {
		return nil
	}

	if err := kvm.SetGuestDebug(m.vcpuFd, &kvm.GuestDebug{Control: control}); err != nil {
		return fmt.Errorf("SetGuestDebug(%#x): %w", control, err)
	}

	m.control = control

	return nil
}

func (m *Machine) handleDebug() error {
	if err := m.refresh(); err != nil {
		return err
	}

	vector, pc := m.run.Debug()

	switch vector {
	case dbVector:
		if m.step == nil {
			log.Debug(log.KVM, "stray single step", "pc", fmt.Sprintf("%#x", pc))

			return nil
		}

		gva := *m.step
		m.step = nil

		if bp, ok := m.sw[gva]; ok {
			return m.poke(bp.gpa, int3)
		}

		return nil
	case bpVector:
		return m.hit(backend.Gva(pc))
	default:
		return fmt.Errorf("%w: vector %d at %#x", kvm.ErrDebug, vector, pc)
	}
}

// hit runs whatever sits at gva. Handlers keep their breakpoint armed by
// stepping over the original instruction; coverage breakpoints go away.
func (m *Machine) hit(gva backend.Gva) error {
	bp, ok := m.sw[gva]
	if !ok {
		// The guest's own int3.
		m.SaveCrash(gva, exception.Breakpoint)

		return nil
	}

	if m.bps.Covered(gva) {
		log.Trace(log.KVM, "new coverage", "gva", gva)
		m.covered = append(m.covered, gva)
	}

	h, persistent := m.bps.Lookup(gva)
	if persistent {
		h(m)

		if m.stop != nil {
			return nil
		}
	}

	if err := m.poke(bp.gpa, bp.orig); err != nil {
		return err
	}

	if !persistent {
		delete(m.sw, gva)

		return nil
	}

	m.step = &gva

	return nil
}

// Covered returns the coverage breakpoints hit so far, in hit order.
func (m *Machine) Covered() []backend.Gva {
	return m.covered
}
