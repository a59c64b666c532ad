package backend

import "sort"

// Breakpoints is the bookkeeping both reference backends share: which
// guest addresses carry a breakpoint and what to run when one is hit.
type Breakpoints struct {
	handlers map[Gva]BreakpointHandler
	coverage map[Gva]Gpa
}

func NewBreakpoints() *Breakpoints {
	return &Breakpoints{
		handlers: make(map[Gva]BreakpointHandler),
		coverage: make(map[Gva]Gpa),
	}
}

// Add registers h at gva. It reports false if gva already has a handler.
func (b *Breakpoints) Add(gva Gva, h BreakpointHandler) bool {
	if _, ok := b.handlers[gva]; ok {
		return false
	}

	b.handlers[gva] = h

	return true
}

// AddCoverage registers a one-shot coverage breakpoint.
func (b *Breakpoints) AddCoverage(gva Gva, gpa Gpa) {
	b.coverage[gva] = gpa
}

// Lookup returns the handler at gva.
func (b *Breakpoints) Lookup(gva Gva) (BreakpointHandler, bool) {
	h, ok := b.handlers[gva]

	return h, ok
}

// Covered removes the coverage breakpoint at gva and reports whether there
// was one. Handlers at the same address stay armed.
func (b *Breakpoints) Covered(gva Gva) bool {
	if _, ok := b.coverage[gva]; !ok {
		return false
	}

	delete(b.coverage, gva)

	return true
}

// Armed reports whether any breakpoint sits at gva.
func (b *Breakpoints) Armed(gva Gva) bool {
	_, h := b.handlers[gva]
	_, c := b.coverage[gva]

	return h || c
}

// Addresses returns every armed address in ascending order.
func (b *Breakpoints) Addresses() []Gva {
	seen := make(map[Gva]struct{}, len(b.handlers)+len(b.coverage))
	for gva := range b.handlers {
		seen[gva] = struct{}{}
	}

	for gva := range b.coverage {
		seen[gva] = struct{}{}
	}

	out := make([]Gva, 0, len(seen))
	for gva := range seen {
		out = append(out, gva)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// PendingCoverage is the number of coverage breakpoints not hit yet.
func (b *Breakpoints) PendingCoverage() int {
	return len(b.coverage)
}
