package vmm

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/crash"
	"github.com/bobuhiro11/snapfuzz/exception"
)

// Report is the outcome of one test case.
type Report struct {
	Reason  backend.StopReason
	Elapsed time.Duration
	Crashes []backend.CrashReport
	Covered []backend.Gva
	Hooks   map[crash.HookID]uint64
}

func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "stop: %s (%s)\n", r.Reason, r.Elapsed)

	for _, c := range r.Crashes {
		fmt.Fprintf(w, "crash: %s %s\n", exception.Classify(c.Code), c.Address)
	}

	fmt.Fprintf(w, "coverage: %d new\n", len(r.Covered))

	ids := make([]crash.HookID, 0, len(r.Hooks))
	for id := range r.Hooks {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		fmt.Fprintf(w, "hook %s: %d\n", id, r.Hooks[id])
	}
}
