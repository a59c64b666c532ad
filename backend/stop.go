package backend

import (
	"fmt"

	"github.com/bobuhiro11/snapfuzz/exception"
)

// StopReason says why a test case ended.
type StopReason interface {
	fmt.Stringer
	stopReason()
}

// Ok means the test case ran to its end.
type Ok struct{}

// Timeout means the test case ran out of its instruction or time budget.
type Timeout struct{}

// Cr3Change means the guest switched address space.
type Cr3Change struct{}

// Crash means the guest crashed; Name identifies the crash.
type Crash struct {
	Name string
}

// ReadFailure means a hook could not read guest memory it depended on.
type ReadFailure struct {
	Gva Gva
}

func (Ok) stopReason()          {}
func (Timeout) stopReason()     {}
func (Cr3Change) stopReason()   {}
func (Crash) stopReason()       {}
func (ReadFailure) stopReason() {}

func (Ok) String() string            { return "ok" }
func (Timeout) String() string       { return "timeout" }
func (Cr3Change) String() string     { return "cr3 change" }
func (c Crash) String() string       { return "crash " + c.Name }
func (r ReadFailure) String() string { return "read failure at " + r.Gva.String() }

// CrashReport is a crash as seen by the detector.
type CrashReport struct {
	Address Gva
	Code    uint32
}

// CrashName is the file-name friendly identifier of a crash.
func CrashName(r CrashReport) string {
	return fmt.Sprintf("crash-%s-%#x", exception.Classify(r.Code), uint64(r.Address))
}

// BreakpointCrashName names a crash reported by a crash breakpoint.
func BreakpointCrashName(rip Gva) string {
	return fmt.Sprintf("crash-%#x", uint64(rip))
}

// StopOnCrash is the handler a crash breakpoint runs: it ends the test case
// with a crash named after the breakpoint address.
func StopOnCrash(b Backend) {
	b.Stop(Crash{Name: BreakpointCrashName(Gva(b.Rip()))})
}
