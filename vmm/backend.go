package vmm

import (
	"fmt"

	"github.com/bobuhiro11/snapfuzz/emu"
	"github.com/bobuhiro11/snapfuzz/machine"
	"github.com/bobuhiro11/snapfuzz/symbols"
)

// Backend names.
const (
	BackendKVM = "kvm"
	BackendEmu = "emu"
)

// Open creates the backend c.Backend names.
func Open(c Config, syms symbols.Resolver) (Runner, error) {
	switch c.Backend {
	case BackendKVM:
		m, err := machine.New(c.Dev, c.MemSize, syms)
		if err != nil {
			return nil, err
		}

		return m, nil
	case BackendEmu:
		e, err := emu.New(c.MemSize, syms)
		if err != nil {
			return nil, err
		}

		return e, nil
	}

	return nil, fmt.Errorf("%q: %w", c.Backend, ErrUnknownBackend)
}
