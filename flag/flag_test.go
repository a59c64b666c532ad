package flag_test

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/crash"
	"github.com/bobuhiro11/snapfuzz/flag"
	"github.com/bobuhiro11/snapfuzz/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		in, unit string
		want     int
	}{
		{in: "1G", want: 1 << 30},
		{in: "4g", want: 4 << 30},
		{in: "512M", want: 512 << 20},
		{in: "64k", want: 64 << 10},
		{in: "2", unit: "g", want: 2 << 30},
		{in: "0x10", unit: "m", want: 16 << 20},
		{in: "4096", want: 4096},
	} {
		test := test
		t.Run(test.in, func(t *testing.T) {
			t.Parallel()

			got, err := flag.ParseSize(test.in, test.unit)
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestParseSizeErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "G", "1T", "-1G", "abcK"} {
		_, err := flag.ParseSize(in, "")
		assert.Error(t, err, in)
	}

	_, err := flag.ParseSize("G", "")
	assert.ErrorIs(t, err, strconv.ErrSyntax)
}

func parse(t *testing.T, args ...string) (*flag.CLI, string) {
	t.Helper()

	var cli flag.CLI

	parser, err := kong.New(&cli, kong.Name("snapfuzz"))
	require.NoError(t, err)

	ctx, err := parser.Parse(args)
	require.NoError(t, err)

	return &cli, ctx.Command()
}

func TestRunFlags(t *testing.T) {
	t.Parallel()

	cli, cmd := parse(t, "run", "-s", "regs.json", "-y", "symbols.json", "-b", "emu",
		"-m", "512M", "-c", "cov", "-t", "3s", "--read-failure", "stop")
	assert.Equal(t, "run", cmd)
	assert.True(t, filepath.IsAbs(cli.Run.CovDir), "paths are made absolute")
	assert.Equal(t, "cov", filepath.Base(cli.Run.CovDir))
	assert.Equal(t, 3*time.Second, cli.Run.Timeout)

	cfg, err := cli.Run.Config()
	require.NoError(t, err)
	assert.Equal(t, vmm.Config{
		Dev:         "/dev/kvm",
		Backend:     vmm.BackendEmu,
		MemSize:     512 << 20,
		State:       cli.Run.State,
		Symbols:     cli.Run.Symbols,
		Narrowing:   cpustate.TruncateOversized,
		ReadFailure: crash.StopTestcase,
	}, cfg)
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cli, cmd := parse(t, "cov", "-s", "regs.json", "-y", "symbols.json", "-c", "cov", "--narrowing", "reject")
	assert.Equal(t, "cov", cmd)
	assert.Equal(t, "info", cli.LogLevel)
	assert.Equal(t, "none", cli.Profile)

	cfg, err := cli.Cov.Config()
	require.NoError(t, err)
	assert.Equal(t, vmm.BackendKVM, cfg.Backend)
	assert.Equal(t, 4<<30, cfg.MemSize)
	assert.Equal(t, cpustate.RejectOversized, cfg.Narrowing)
	assert.Equal(t, crash.AbortProcess, cfg.ReadFailure)
}

func TestBadMemSize(t *testing.T) {
	t.Parallel()

	cli, _ := parse(t, "run", "-s", "regs.json", "-y", "symbols.json", "-m", "lots")

	_, err := cli.Run.Config()
	assert.Error(t, err)
}

func TestRejectedFlags(t *testing.T) {
	t.Parallel()

	for name, args := range map[string][]string{
		"backend":   {"run", "-s", "a", "-y", "b", "-b", "qemu"},
		"no state":  {"run", "-y", "b"},
		"no covdir": {"cov", "-s", "a", "-y", "b"},
		"profile":   {"--profile", "block", "probe"},
	} {
		var cli flag.CLI

		parser, err := kong.New(&cli)
		require.NoError(t, err)

		_, err = parser.Parse(args)
		assert.Error(t, err, name)
	}
}

func TestParseSizeUnits(t *testing.T) {
	t.Parallel()

	// A multi-letter suffix is not a unit.
	_, err := flag.ParseSize("1MK", "")
	assert.ErrorIs(t, err, strconv.ErrSyntax)

	_, err = flag.ParseSize("1", "t")
	assert.ErrorIs(t, err, strconv.ErrSyntax)
}
