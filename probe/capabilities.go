// Package probe reports what the host KVM offers, for checking a machine
// before pointing a campaign at it.
package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/snapfuzz/kvm"
)

// Capability is the answer KVM gave for one capability.
type Capability struct {
	Cap      kvm.Capability
	Value    int
	Required bool
}

// KVMCapabilities checks every known capability on dev.
func KVMCapabilities(dev string) ([]Capability, error) {
	kvmFile, err := os.Open(dev)
	if err != nil {
		return nil, err
	}
	defer kvmFile.Close()

	kvmfd := kvmFile.Fd()

	required := make(map[kvm.Capability]bool, len(kvm.Required))
	for _, c := range kvm.Required {
		required[c] = true
	}

	var out []Capability

	for _, c := range kvm.Known() {
		res, err := kvm.CheckExtension(kvmfd, c)
		if err != nil {
			return nil, fmt.Errorf("CheckExtension(%s): %w", c, err)
		}

		out = append(out, Capability{Cap: c, Value: res, Required: required[c]})
	}

	return out, nil
}

// PrintCapabilities writes one line per capability. Required ones the host
// lacks are flagged.
func PrintCapabilities(w io.Writer, caps []Capability) {
	for _, c := range caps {
		mark := ""
		if c.Required {
			mark = " (required)"
			if c.Value == 0 {
				mark = " (required, MISSING)"
			}
		}

		fmt.Fprintf(w, "%-30s: %t%s\n", c.Cap, c.Value != 0, mark)
	}
}
