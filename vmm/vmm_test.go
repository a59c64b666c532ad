package vmm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/backend/backendtest"
	"github.com/bobuhiro11/snapfuzz/coverage"
	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/crash"
	"github.com/bobuhiro11/snapfuzz/memory"
	"github.com/bobuhiro11/snapfuzz/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const halBase = 0xfffff80226a00000

// fakeRunner drives the detector through backendtest.Fake. Run hits the
// symbol in hit, if any, and reports the first stop. With block set it
// spins until ctx is done.
type fakeRunner struct {
	*backendtest.Fake

	mem     *memory.Memory
	state   *cpustate.CPUState
	cov     map[backend.Gva]backend.Gpa
	covered []backend.Gva
	hit     string
	block   bool
	closed  bool
}

func (r *fakeRunner) LoadCPUState(s *cpustate.CPUState) error {
	r.state = s
	r.Regs[backend.Rip] = s.Rip
	r.Regs[backend.Rsp] = s.Rsp
	r.Regs[backend.Rcx] = s.Rcx

	return nil
}

func (r *fakeRunner) AddCoverage(gva backend.Gva, gpa backend.Gpa) bool {
	r.cov[gva] = gpa

	return true
}

func (r *fakeRunner) Run(ctx context.Context) (backend.StopReason, error) {
	if r.hit != "" {
		r.Hit(r.hit)
	}

	for gva := range r.cov {
		r.covered = append(r.covered, gva)
	}

	if len(r.Stops) > 0 {
		return r.Stops[0], nil
	}

	if r.block {
		<-ctx.Done()

		return backend.Timeout{}, nil
	}

	return backend.Ok{}, nil
}

func (r *fakeRunner) Crashes() []backend.CrashReport { return r.Fake.Crashes }

func (r *fakeRunner) Covered() []backend.Gva { return r.covered }

func (r *fakeRunner) Memory() *memory.Memory { return r.mem }

func (r *fakeRunner) Close() error {
	if r.closed {
		return nil
	}

	r.closed = true

	return r.mem.Close()
}

type fixture struct {
	cfg    Config
	runner *fakeRunner
}

func newFixture(t *testing.T, cov map[string]string) *fixture {
	t.Helper()

	dir := t.TempDir()

	regs, err := os.ReadFile(filepath.Join("..", "cpustate", "testdata", "regs.json"))
	require.NoError(t, err)

	write := func(name, data string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

		return path
	}

	state := write("regs.json", string(regs))
	syms := write("symbols.json", `{
		"hal": "0xfffff80226a00000",
		"nt!KeBugCheck2": "0xfffff80226c00000",
		"nt!SwapContext": "0xfffff80226c00100",
		"ntdll!RtlDispatchException": "0x7ffb6c4f0000",
		"nt!KiFastFailDispatch": "0xfffff80226c00200",
		"nt!KiProcessControlProtection": "0xfffff80226c00300"
	}`)

	covDir := ""

	if cov != nil {
		covDir = filepath.Join(dir, "cov")
		require.NoError(t, os.Mkdir(covDir, 0o700))

		for name, data := range cov {
			require.NoError(t, os.WriteFile(filepath.Join(covDir, name), []byte(data), 0o600))
		}
	}

	mem, err := memory.New(1<<20, 1)
	require.NoError(t, err)

	f := backendtest.New()

	store, err := symbols.Load(syms)
	require.NoError(t, err)

	for _, id := range []crash.HookID{crash.BugCheck, crash.SwapContext, crash.DispatchException, crash.FastFailDispatch, crash.ControlProtection} {
		addr, ok := store.GetSymbol(id.Symbol())
		require.True(t, ok)

		f.Symbols[id.Symbol()] = backend.Gva(addr)
	}

	f.Translations[halBase+0x1000] = 0x5000
	f.Translations[halBase+0x1010] = 0x5010

	return &fixture{
		cfg: Config{
			Backend: "fake",
			MemSize: 1 << 20,
			State:   state,
			Symbols: syms,
			CovDir:  covDir,
		},
		runner: &fakeRunner{Fake: f, mem: mem, cov: make(map[backend.Gva]backend.Gpa)},
	}
}

func (fx *fixture) vmm(t *testing.T) *VMM {
	t.Helper()

	v := New(fx.cfg)
	v.open = func(c Config, _ symbols.Resolver) (Runner, error) {
		assert.Equal(t, "fake", c.Backend)

		return fx.runner, nil
	}

	t.Cleanup(func() { v.Close() })

	return v
}

func TestSetupAndRun(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]string{
		"hal.cov": `{"name": "hal", "addresses": [4096, 4112, 8192]}`,
	})
	fx.runner.hit = "nt!SwapContext"

	v := fx.vmm(t)
	require.NoError(t, v.Init())
	require.NoError(t, v.Setup())

	assert.Equal(t, uint64(0x7ff6a7d21000), fx.runner.state.Rip)
	assert.Same(t, v.CPUState(), fx.runner.state)
	assert.True(t, fx.runner.CrashArmed("nt!KeBugCheck2"))
	assert.True(t, fx.runner.Armed("ntdll!RtlDispatchException"))

	assert.Equal(t, map[backend.Gva]backend.Gpa{halBase + 0x1000: 0x5000, halBase + 0x1010: 0x5010}, fx.runner.cov)
	assert.Equal(t, []backend.Gva{halBase + 0x2000}, v.Coverage().Skipped)

	r, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.Cr3Change{}, r.Reason)
	assert.Len(t, r.Covered, 2)
	assert.Equal(t, map[crash.HookID]uint64{crash.SwapContext: 1}, r.Hooks)

	var buf bytes.Buffer

	r.Print(&buf)
	assert.Contains(t, buf.String(), "stop: cr3 change")
	assert.Contains(t, buf.String(), "hook SwapContext: 1\n")

	require.NoError(t, v.Close())
	assert.True(t, fx.runner.closed)
}

func TestRunCrash(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.runner.hit = "nt!KiFastFailDispatch"
	fx.runner.WriteGva(0xd2a5affb78, 0x7ff6a7d21337)

	v := fx.vmm(t)
	require.NoError(t, v.Init())
	require.NoError(t, v.Setup())
	assert.Nil(t, v.Coverage())

	r, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.Crash{Name: "crash-EXCEPTION_STACK_BUFFER_OVERRUN-0x7ff6a7d21337"}, r.Reason)
	require.Len(t, r.Crashes, 1)

	var buf bytes.Buffer

	r.Print(&buf)
	assert.Contains(t, buf.String(), "crash: EXCEPTION_STACK_BUFFER_OVERRUN 0x7ff6a7d21337\n")
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.cfg.Timeout = 10 * time.Millisecond
	fx.runner.block = true

	v := fx.vmm(t)
	require.NoError(t, v.Init())
	require.NoError(t, v.Setup())

	r, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.Timeout{}, r.Reason)
}

func TestSetupUnknownModule(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, map[string]string{
		"win32k.cov": `{"name": "win32k", "addresses": [4096]}`,
	})

	v := fx.vmm(t)
	require.NoError(t, v.Init())
	assert.ErrorIs(t, v.Setup(), coverage.ErrModuleNotFound)
}

func TestSetupInstallFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.runner.RejectSymbols["nt!SwapContext"] = true

	v := fx.vmm(t)
	require.NoError(t, v.Init())
	assert.ErrorIs(t, v.Setup(), crash.ErrInstall)
}

func TestNotInitialized(t *testing.T) {
	t.Parallel()

	v := New(Config{})
	assert.ErrorIs(t, v.Setup(), errNotInitialized)

	_, err := v.Run(context.Background())
	assert.ErrorIs(t, err, errNotInitialized)
	assert.NoError(t, v.Close())
}

func TestOpenUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Backend: "qemu"}, symbols.New())
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
