// Package emu is the unicorn-engine backend. It runs the same snapshot and
// guest memory image as the KVM backend, without hardware virtualization.
package emu

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/exception"
	"github.com/bobuhiro11/snapfuzz/log"
	"github.com/bobuhiro11/snapfuzz/memory"
	"github.com/bobuhiro11/snapfuzz/symbols"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// maxSlots bounds the memory regions handed to unicorn.
const maxSlots = 8

var errNoState = errors.New("cpu state not loaded")

type Emulator struct {
	mu   uc.Unicorn
	mem  *memory.Memory
	syms symbols.Resolver

	bps   *backend.Breakpoints
	hooks map[backend.Gva]uc.Hook

	loaded  bool
	stop    backend.StopReason
	crashes []backend.CrashReport
	covered []backend.Gva
	kicked  atomic.Bool
}

var _ backend.Backend = (*Emulator)(nil)

// New creates an x86-64 emulator with memSize bytes of guest RAM.
func New(memSize int, syms symbols.Resolver) (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	e := &Emulator{
		mu:    mu,
		syms:  syms,
		bps:   backend.NewBreakpoints(),
		hooks: make(map[backend.Gva]uc.Hook),
	}

	if err := e.init(memSize); err != nil {
		e.Close()

		return nil, err
	}

	return e, nil
}

func (e *Emulator) init(memSize int) error {
	var err error

	if e.mem, err = memory.New(memSize, maxSlots); err != nil {
		return err
	}

	for _, s := range e.mem.Slots {
		if err := e.mu.MemMapPtr(s.Addr, uint64(s.Size), uc.PROT_ALL, unsafe.Pointer(&s.Buf[0])); err != nil {
			return fmt.Errorf("map slot %d at %#x: %w", s.Slot, s.Addr, err)
		}
	}

	if _, err := e.mu.HookAdd(uc.HOOK_INTR, e.onInterrupt, 1, 0); err != nil {
		return fmt.Errorf("add interrupt hook: %w", err)
	}

	unmapped := uc.HOOK_MEM_READ_UNMAPPED | uc.HOOK_MEM_WRITE_UNMAPPED | uc.HOOK_MEM_FETCH_UNMAPPED
	if _, err := e.mu.HookAdd(unmapped, e.onUnmapped, 1, 0); err != nil {
		return fmt.Errorf("add unmapped memory hook: %w", err)
	}

	return nil
}

// Memory is the guest physical memory, for loading the snapshot image.
func (e *Emulator) Memory() *memory.Memory {
	return e.mem
}

// Crashes returns every crash saved since the emulator was created.
func (e *Emulator) Crashes() []backend.CrashReport {
	return e.crashes
}

// Covered returns the coverage breakpoints hit so far, in hit order.
func (e *Emulator) Covered() []backend.Gva {
	return e.covered
}

// Breakpoints is the set of armed breakpoints.
func (e *Emulator) Breakpoints() *backend.Breakpoints {
	return e.bps
}

// Close releases the engine, then guest memory it was running on.
func (e *Emulator) Close() error {
	var errs []error

	if e.mu != nil {
		errs = append(errs, e.mu.Close())
	}

	if e.mem != nil {
		errs = append(errs, e.mem.Close())
	}

	return errors.Join(errs...)
}

// Run resumes the guest at its rip until a hook stops the test case, the
// guest halts, or ctx is done.
func (e *Emulator) Run(ctx context.Context) (backend.StopReason, error) {
	if !e.loaded {
		return nil, errNoState
	}

	e.stop = nil
	e.kicked.Store(false)

	opts := &uc.UcOptions{}

	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return backend.Timeout{}, nil
		}

		opts.Timeout = uint64(left.Microseconds())
	}

	release := context.AfterFunc(ctx, func() {
		e.kicked.Store(true)
		_ = e.mu.Stop()
	})
	defer release()

	rip := e.Rip()

	err := e.mu.StartWithOptions(rip, 0, opts)

	switch {
	case e.stop != nil:
		return e.stop, nil
	case err != nil:
		return nil, fmt.Errorf("emulation from %#x stopped at %#x: %w", rip, e.Rip(), err)
	case e.kicked.Load() || ctx.Err() != nil:
		return backend.Timeout{}, nil
	}

	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return backend.Timeout{}, nil
	}

	log.Debug(log.Emu, "guest halted", "rip", fmt.Sprintf("%#x", e.Rip()))

	return backend.Ok{}, nil
}

// Stop ends the current test case. The first reason given wins.
func (e *Emulator) Stop(reason backend.StopReason) {
	if e.stop != nil {
		return
	}

	log.Debug(log.Emu, "stopping test case", "reason", reason.String())
	e.stop = reason

	if err := e.mu.Stop(); err != nil {
		log.Warn(log.Emu, "cannot stop emulation", "err", err)
	}
}

func (e *Emulator) SaveCrash(gva backend.Gva, code uint32) bool {
	r := backend.CrashReport{Address: gva, Code: code}
	e.crashes = append(e.crashes, r)

	name := backend.CrashName(r)
	log.Info(log.Emu, "crash", "name", name, "rip", fmt.Sprintf("%#x", e.Rip()), "inst", e.instString())
	e.Stop(backend.Crash{Name: name})

	return true
}

// onInterrupt turns a guest exception into a crash. Unicorn leaves rip
// past an int3, at the faulting instruction otherwise.
func (e *Emulator) onInterrupt(_ uc.Unicorn, intno uint32) {
	gva := backend.Gva(e.Rip())

	code := exception.FromVector(intno)
	if code == exception.Breakpoint {
		gva--
	}

	log.Debug(log.Emu, "guest exception", "vector", intno, "rip", gva)
	e.SaveCrash(gva, code)
}

func (e *Emulator) onUnmapped(_ uc.Unicorn, access int, addr uint64, size int, _ int64) bool {
	code := exception.AccessViolationRead

	switch access {
	case uc.MEM_WRITE_UNMAPPED:
		code = exception.AccessViolationWrite
	case uc.MEM_FETCH_UNMAPPED:
		code = exception.AccessViolationExecute
	}

	log.Debug(log.Emu, "unmapped access", "addr", fmt.Sprintf("%#x", addr), "size", size)
	e.SaveCrash(backend.Gva(e.Rip()), code)

	return false
}
