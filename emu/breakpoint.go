package emu

import (
	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/log"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

func (e *Emulator) SetBreakpoint(symbol string, h backend.BreakpointHandler) bool {
	addr, ok := e.syms.GetSymbol(symbol)
	if !ok {
		log.Warn(log.Emu, "cannot resolve breakpoint symbol", "symbol", symbol)

		return false
	}

	return e.AddBreakpoint(backend.Gva(addr), h)
}

func (e *Emulator) SetCrashBreakpoint(symbol string) bool {
	return e.SetBreakpoint(symbol, backend.StopOnCrash)
}

// AddBreakpoint runs h every time the guest is about to execute gva.
func (e *Emulator) AddBreakpoint(gva backend.Gva, h backend.BreakpointHandler) bool {
	if !e.bps.Add(gva, h) {
		log.Warn(log.Emu, "breakpoint already set", "gva", gva)

		return false
	}

	if err := e.hook(gva); err != nil {
		log.Warn(log.Emu, "cannot arm breakpoint", "gva", gva, "err", err)

		return false
	}

	return true
}

// AddCoverage arms a one-shot breakpoint at gva. Unicorn hooks on virtual
// addresses so gpa is only bookkeeping.
func (e *Emulator) AddCoverage(gva backend.Gva, gpa backend.Gpa) bool {
	if err := e.hook(gva); err != nil {
		log.Warn(log.Emu, "cannot arm coverage breakpoint", "gva", gva, "err", err)

		return false
	}

	e.bps.AddCoverage(gva, gpa)

	return true
}

func (e *Emulator) hook(gva backend.Gva) error {
	if _, ok := e.hooks[gva]; ok {
		return nil
	}

	h, err := e.mu.HookAdd(uc.HOOK_CODE, e.onCode, uint64(gva), uint64(gva))
	if err != nil {
		return err
	}

	e.hooks[gva] = h

	return nil
}

func (e *Emulator) unhook(gva backend.Gva) {
	h, ok := e.hooks[gva]
	if !ok {
		return
	}

	if err := e.mu.HookDel(h); err != nil {
		log.Warn(log.Emu, "cannot remove breakpoint", "gva", gva, "err", err)
	}

	delete(e.hooks, gva)
}

func (e *Emulator) onCode(_ uc.Unicorn, addr uint64, _ uint32) {
	e.hit(backend.Gva(addr))
}

// hit runs whatever sits at gva. Coverage breakpoints go away once hit.
func (e *Emulator) hit(gva backend.Gva) {
	if e.bps.Covered(gva) {
		log.Trace(log.Emu, "new coverage", "gva", gva)
		e.covered = append(e.covered, gva)
	}

	h, ok := e.bps.Lookup(gva)
	if !ok {
		e.unhook(gva)

		return
	}

	h(e)
}
