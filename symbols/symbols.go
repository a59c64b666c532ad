// Package symbols is a flat symbol store: "module!name" keys map to guest
// virtual addresses, bare "module" keys to module bases.
package symbols

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrBadAddress is returned for a store entry that is not a number.
var ErrBadAddress = errors.New("bad symbol address")

// Resolver answers the two questions the monitoring layer asks.
type Resolver interface {
	// GetModuleBase returns 0 when the module is unknown.
	GetModuleBase(name string) uint64
	GetSymbol(name string) (uint64, bool)
}

// Store is an in-memory Resolver.
type Store struct {
	symbols map[string]uint64
	modules map[string]uint64
}

var _ Resolver = (*Store)(nil)

func New() *Store {
	return &Store{
		symbols: make(map[string]uint64),
		modules: make(map[string]uint64),
	}
}

// Add records an entry. Names containing '!' are symbols, the rest modules.
func (s *Store) Add(name string, addr uint64) {
	if strings.Contains(name, "!") {
		s.symbols[name] = addr
	} else {
		s.modules[strings.ToLower(name)] = addr
	}
}

func (s *Store) GetModuleBase(name string) uint64 {
	return s.modules[strings.ToLower(name)]
}

func (s *Store) GetSymbol(name string) (uint64, bool) {
	addr, ok := s.symbols[name]

	return addr, ok
}

// Len is the number of symbols and modules.
func (s *Store) Len() int {
	return len(s.symbols) + len(s.modules)
}

// Parse decodes a JSON object of names to addresses. Addresses are strings
// in any base strconv accepts with base 0, or JSON numbers.
func Parse(data []byte) (*Store, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("symbol store: %w", err)
	}

	s := New()

	for name, v := range raw {
		addr, err := parseAddress(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", name, err)
		}

		s.Add(name, addr)
	}

	return s, nil
}

// Load reads a symbol store file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

func parseAddress(v json.RawMessage) (uint64, error) {
	var str string
	if err := json.Unmarshal(v, &str); err != nil {
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return 0, fmt.Errorf("%s:%w", v, ErrBadAddress)
		}

		str = n.String()
	}

	addr, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s:%w", str, ErrBadAddress)
	}

	return addr, nil
}
