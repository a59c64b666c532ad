package kvm_test

import (
	"testing"

	"github.com/bobuhiro11/snapfuzz/kvm"
)

func TestCapabilityStringer(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value kvm.Capability
		want  string
	}{
		{
			name:  "SuccessBelow5",
			value: kvm.CapIRQChip,
			want:  "CapIRQChip",
		},
		{
			name:  "SuccessAbove4Below17",
			value: kvm.CapMPState,
			want:  "CapMPState",
		},
		{
			name:  "Success18",
			value: kvm.CapIOMMU,
			want:  "CapIOMMU",
		},
		{
			name:  "SuccessGuestDebug",
			value: kvm.CapSetGuestDebug,
			want:  "CapSetGuestDebug",
		},
		{
			name:  "SuccessRest",
			value: kvm.CapKVMClockCtrl,
			want:  "CapKVMClockCtrl",
		},
		{
			name:  "FailTest",
			value: kvm.Capability(255),
			want:  "Capability(255)",
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if test.value.String() != test.want {
				t.Errorf("have: %s, want: %s", test.value.String(), test.want)
			}
		})
	}
}

func TestExitTypeStringer(t *testing.T) {
	t.Parallel()

	if got := kvm.EXITDEBUG.String(); got != "EXITDEBUG" {
		t.Errorf("have: %s, want: EXITDEBUG", got)
	}

	if got := kvm.ExitType(99).String(); got != "ExitType(99)" {
		t.Errorf("have: %s, want: ExitType(99)", got)
	}
}

func TestKnownCapabilities(t *testing.T) {
	t.Parallel()

	known := kvm.Known()

	for i := 1; i < len(known); i++ {
		if known[i-1] >= known[i] {
			t.Errorf("%s listed before %s", known[i-1], known[i])
		}
	}

	for _, c := range kvm.Required {
		found := false

		for _, k := range known {
			found = found || k == c
		}

		if !found {
			t.Errorf("required %s is not known", c)
		}
	}
}
