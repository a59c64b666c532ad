package kvm

import (
	"sort"
	"strconv"
)

// Capability is a KVM_CHECK_EXTENSION argument.
type Capability uint8

const (
	CapIRQChip             Capability = 0
	CapHLT                 Capability = 1
	CapUserMemory          Capability = 3
	CapSetTSSAddr          Capability = 4
	CapEXTCPUID            Capability = 7
	CapNRVCPUS             Capability = 9
	CapNRMemSlots          Capability = 10
	CapMPState             Capability = 14
	CapSyncMMU             Capability = 16
	CapIOMMU               Capability = 18
	CapSetGuestDebug       Capability = 23
	CapIRQRouting          Capability = 25
	CapSetIdentityMapAddr  Capability = 37
	CapVCPUEvents          Capability = 41
	CapDebugRegs           Capability = 50
	CapX86RobustSinglestep Capability = 51
	CapXSave               Capability = 55
	CapXCRS                Capability = 56
	CapTSCControl          Capability = 60
	CapKVMClockCtrl        Capability = 76
	CapReadOnlyMEM         Capability = 81
	CapImmediateExit       Capability = 136
	CapGETMSRFeatures      Capability = 153
	CapX86UserSpaceMSR     Capability = 188
	CapSREGS2              Capability = 200
)

var capNames = map[Capability]string{
	CapIRQChip:             "CapIRQChip",
	CapHLT:                 "CapHLT",
	CapUserMemory:          "CapUserMemory",
	CapSetTSSAddr:          "CapSetTSSAddr",
	CapEXTCPUID:            "CapEXTCPUID",
	CapNRVCPUS:             "CapNRVCPUS",
	CapNRMemSlots:          "CapNRMemSlots",
	CapMPState:             "CapMPState",
	CapSyncMMU:             "CapSyncMMU",
	CapIOMMU:               "CapIOMMU",
	CapSetGuestDebug:       "CapSetGuestDebug",
	CapIRQRouting:          "CapIRQRouting",
	CapSetIdentityMapAddr:  "CapSetIdentityMapAddr",
	CapVCPUEvents:          "CapVCPUEvents",
	CapDebugRegs:           "CapDebugRegs",
	CapX86RobustSinglestep: "CapX86RobustSinglestep",
	CapXSave:               "CapXSave",
	CapXCRS:                "CapXCRS",
	CapTSCControl:          "CapTSCControl",
	CapKVMClockCtrl:        "CapKVMClockCtrl",
	CapReadOnlyMEM:         "CapReadOnlyMEM",
	CapImmediateExit:       "CapImmediateExit",
	CapGETMSRFeatures:      "CapGETMSRFeatures",
	CapX86UserSpaceMSR:     "CapX86UserSpaceMSR",
	CapSREGS2:              "CapSREGS2",
}

func (c Capability) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return "Capability(" + strconv.Itoa(int(c)) + ")"
}

// Required are the capabilities the KVM backend cannot run without.
var Required = []Capability{
	CapUserMemory,
	CapIRQChip,
	CapSetTSSAddr,
	CapSetIdentityMapAddr,
	CapSetGuestDebug,
	CapDebugRegs,
	CapXCRS,
	CapNRMemSlots,
}

// Known returns every capability with a name, in numeric order.
func Known() []Capability {
	out := make([]Capability, 0, len(capNames))
	for c := range capNames {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
