package crash

import "fmt"

// HookID names a guest function the detector breaks on.
type HookID int

const (
	// BugCheck is a crash breakpoint: a bugcheck is always a crash.
	BugCheck HookID = iota
	SwapContext
	DispatchException
	FastFailDispatch
	ControlProtection
	// VerifierStop is only installed when the verifier module is loaded.
	VerifierStop
)

//nolint:gochecknoglobals
var hookSymbols = [...]string{
	BugCheck:          "nt!KeBugCheck2",
	SwapContext:       "nt!SwapContext",
	DispatchException: "ntdll!RtlDispatchException",
	FastFailDispatch:  "nt!KiFastFailDispatch",
	ControlProtection: "nt!KiProcessControlProtection",
	VerifierStop:      "verifier!VerifierStopMessage",
}

//nolint:gochecknoglobals
var hookNames = [...]string{
	BugCheck:          "BugCheck",
	SwapContext:       "SwapContext",
	DispatchException: "DispatchException",
	FastFailDispatch:  "FastFailDispatch",
	ControlProtection: "ControlProtection",
	VerifierStop:      "VerifierStop",
}

func (h HookID) valid() bool {
	return h >= 0 && int(h) < len(hookNames)
}

func (h HookID) String() string {
	if !h.valid() {
		return fmt.Sprintf("HookID(%d)", int(h))
	}

	return hookNames[h]
}

// Symbol is the guest function h breaks on.
func (h HookID) Symbol() string {
	if !h.valid() {
		return ""
	}

	return hookSymbols[h]
}
