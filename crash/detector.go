// Package crash detects guest crashes by breaking on the Windows kernel's
// exception paths and turning each into a normalized crash report.
package crash

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/exception"
	"github.com/bobuhiro11/snapfuzz/log"
	"github.com/bobuhiro11/snapfuzz/nt"
	"github.com/bobuhiro11/snapfuzz/symbols"
)

// ErrInstall is a hook that could not be armed. It is fatal to a campaign.
var ErrInstall = errors.New("cannot install crash hook")

// verifierModule gates VerifierStop.
const verifierModule = "verifier"

// ReadFailurePolicy is what a hook does when it cannot read guest memory.
type ReadFailurePolicy int

const (
	// AbortProcess logs at crit level and exits.
	AbortProcess ReadFailurePolicy = iota
	// StopTestcase ends the test case with backend.ReadFailure.
	StopTestcase
)

func (p ReadFailurePolicy) String() string {
	switch p {
	case AbortProcess:
		return "abort"
	case StopTestcase:
		return "stop"
	}

	return fmt.Sprintf("ReadFailurePolicy(%d)", int(p))
}

// ParseReadFailurePolicy is the inverse of ReadFailurePolicy.String.
func ParseReadFailurePolicy(s string) (ReadFailurePolicy, error) {
	for _, p := range []ReadFailurePolicy{AbortProcess, StopTestcase} {
		if p.String() == s {
			return p, nil
		}
	}

	return 0, fmt.Errorf("unknown read failure policy %q", s)
}

// handler runs on the backend's execution goroutine with the guest paused.
type handler func(d *Detector, b backend.Backend)

type Detector struct {
	policy   ReadFailurePolicy
	handlers map[HookID]handler
	stats    map[HookID]uint64

	// abort is log.Crit outside of tests.
	abort func(module, msg string, ctx ...interface{})
}

type Option func(*Detector)

// WithReadFailurePolicy picks what hooks do on a failed guest read.
func WithReadFailurePolicy(p ReadFailurePolicy) Option {
	return func(d *Detector) {
		d.policy = p
	}
}

func New(opts ...Option) *Detector {
	d := &Detector{
		policy: AbortProcess,
		handlers: map[HookID]handler{
			SwapContext:       swapContext,
			DispatchException: dispatchException,
			FastFailDispatch:  fastFailDispatch,
			ControlProtection: controlProtection,
			VerifierStop:      verifierStop,
		},
		stats: make(map[HookID]uint64),
		abort: log.Crit,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Install arms every hook on b. The first hook that fails to arm fails
// the install.
func (d *Detector) Install(b backend.Backend, syms symbols.Resolver) error {
	if !b.SetCrashBreakpoint(BugCheck.Symbol()) {
		return fmt.Errorf("%s: %w", BugCheck.Symbol(), ErrInstall)
	}

	hooks := []HookID{SwapContext, DispatchException, FastFailDispatch, ControlProtection}
	if syms.GetModuleBase(verifierModule) > 0 {
		hooks = append(hooks, VerifierStop)
	}

	for _, id := range hooks {
		id := id
		if !b.SetBreakpoint(id.Symbol(), func(b backend.Backend) { d.dispatch(id, b) }) {
			return fmt.Errorf("%s: %w", id.Symbol(), ErrInstall)
		}
	}

	log.Debug(log.Crash, "crash hooks installed", "hooks", len(hooks)+1, "policy", d.policy.String())

	return nil
}

// dispatch is the trampoline every hook breakpoint goes through.
func (d *Detector) dispatch(id HookID, b backend.Backend) {
	d.stats[id]++

	h, ok := d.handlers[id]
	if !ok {
		log.Error(log.Crash, "no handler for hook", "hook", id.String())

		return
	}

	h(d, b)
}

// Stats returns how many times each hook fired. Crash breakpoints stop
// the test case without going through the detector and are not counted.
func (d *Detector) Stats() map[HookID]uint64 {
	out := make(map[HookID]uint64, len(d.stats))
	for id, n := range d.stats {
		out[id] = n
	}

	return out
}

func (d *Detector) readFailure(b backend.Backend, gva backend.Gva, what string) {
	switch d.policy {
	case StopTestcase:
		log.Warn(log.Crash, "cannot read guest memory, stopping test case", "what", what, "gva", gva)
		b.Stop(backend.ReadFailure{Gva: gva})
	default:
		d.abort(log.Crash, "cannot read guest memory", "what", what, "gva", gva, "rip", fmt.Sprintf("%#x", b.Rip()))
	}
}

func swapContext(_ *Detector, b backend.Backend) {
	log.Trace(log.Crash, "nt!SwapContext")
	b.Stop(backend.Cr3Change{})
}

// dispatchException inspects RtlDispatchException(ExceptionRecord, Context).
func dispatchException(d *Detector, b backend.Backend) {
	ptr := b.GetArgGva(0)

	var rec exception.Record
	if !backend.VirtReadStruct(b, ptr, &rec) {
		d.readFailure(b, ptr, "exception record")

		return
	}

	ev := rec.Event()

	// C++ throws and debug prints.
	if exception.IsBenign(ev.Code) {
		log.Trace(log.Crash, "ignoring benign exception", "code", fmt.Sprintf("%#x", ev.Code))

		return
	}

	code := ev.Code
	if code == exception.AccessViolation && rec.NumberParameters > 1 {
		code = exception.Refine(code, ev.Parameters)
	}

	log.Debug(log.Crash, "RtlDispatchException triggered", "code", string(exception.Classify(code)),
		"address", fmt.Sprintf("%#x", ev.Address))
	b.SaveCrash(backend.Gva(ev.Address), code)
}

// fastFailDispatch reads the address __fastfail was raised from off the
// top of the stack.
func fastFailDispatch(d *Detector, b backend.Backend) {
	rsp := backend.Gva(b.Rsp())

	gva, ok := b.VirtReadGva(rsp)
	if !ok {
		d.readFailure(b, rsp, "fast fail return address")

		return
	}

	log.Debug(log.Crash, "KiRaiseSecurityCheckFailure triggered", "address", gva)
	b.SaveCrash(gva, exception.StatusStackBufferOverrun)
}

// controlProtection reads the faulting rip out of the KTRAP_FRAME in rcx.
func controlProtection(d *Detector, b backend.Backend) {
	ripGva := backend.Gva(b.Rcx() + nt.KTrapFrameRip)

	gva, ok := b.VirtReadGva(ripGva)
	if !ok {
		d.readFailure(b, ripGva, "trap frame rip")

		return
	}

	log.Debug(log.Crash, "CET violation detected", "address", gva)
	b.SaveCrash(gva, exception.StatusStackBufferOverrun)
}

// verifierStop has no faulting address to report. rsp tells stops apart.
func verifierStop(_ *Detector, b backend.Backend) {
	unique := backend.Gva(b.Rsp())

	log.Debug(log.Crash, "VerifierStopMessage", "rsp", unique)
	b.SaveCrash(unique, exception.StatusHeapCorruption)
}
