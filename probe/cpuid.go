package probe

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bobuhiro11/snapfuzz/cpuid"
	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/kvm"
)

// CPUID calls KVM_GET_SUPPORTED_CPUID on dev.
func CPUID(dev string) (*kvm.CPUID, error) {
	kvmFile, err := os.Open(dev)
	if err != nil {
		return nil, err
	}
	defer kvmFile.Close()

	ids := &kvm.CPUID{}
	ids.Nent = uint32(len(ids.Entries))

	if err := kvm.GetSupportedCPUID(kvmFile.Fd(), ids); err != nil {
		return nil, fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	return ids, nil
}

// PrintCPUID lists which known features ids offers.
func PrintCPUID(w io.Writer, ids *kvm.CPUID) {
	enabled, disabled := cpuid.Split(ids, cpuid.All)
	printFeatures(w, "Enabled", enabled)
	printFeatures(w, "Disabled", disabled)
}

// PrintSnapshotFit lists the features s relies on that ids lacks. It
// returns false when there is at least one.
func PrintSnapshotFit(w io.Writer, ids *kvm.CPUID, s *cpustate.CPUState) bool {
	missing := cpuid.Missing(ids, cpuid.Demanded(s))
	if len(missing) == 0 {
		fmt.Fprintln(w, "* Snapshot: all demanded features offered")

		return true
	}

	printFeatures(w, "Snapshot needs", missing)

	return false
}

func printFeatures(w io.Writer, title string, features []cpuid.Feature) {
	names := make([]string, len(features))
	for i, f := range features {
		names[i] = f.String()
	}

	fmt.Fprintf(w, "* %s: %s\n", title, strings.Join(names, " "))
}
