package cpustate

// Architectural MSR indices.
const (
	MSRTSC             = 0x00000010
	MSRApicBase        = 0x0000001b
	MSRSysenterCS      = 0x00000174
	MSRSysenterESP     = 0x00000175
	MSRSysenterEIP     = 0x00000176
	MSRPAT             = 0x00000277
	MSRUCet            = 0x000006a0
	MSRSCet            = 0x000006a2
	MSRPl0Ssp          = 0x000006a4
	MSRPl1Ssp          = 0x000006a5
	MSRPl2Ssp          = 0x000006a6
	MSRPl3Ssp          = 0x000006a7
	MSRInterruptSspTbl = 0x000006a8
	MSREFER            = 0xc0000080
	MSRSTAR            = 0xc0000081
	MSRLSTAR           = 0xc0000082
	MSRCSTAR           = 0xc0000083
	MSRSFMASK          = 0xc0000084
	MSRFSBase          = 0xc0000100
	MSRGSBase          = 0xc0000101
	MSRKernelGSBase    = 0xc0000102
	MSRTSCAux          = 0xc0000103
)

// MSR is a field of the state that a backend restores with WRMSR.
type MSR struct {
	Index uint32
	Value *uint64
	// CET marks the shadow stack and indirect branch tracking MSRs.
	CET bool
}

// MSRs returns the MSR-backed fields of s, pointing into s. EFER and the
// APIC base are not in the list: backends load them with the control
// registers.
func (s *CPUState) MSRs() []MSR {
	return []MSR{
		{MSRTSC, &s.Tsc, false},
		{MSRSysenterCS, &s.SysenterCs, false},
		{MSRSysenterESP, &s.SysenterEsp, false},
		{MSRSysenterEIP, &s.SysenterEip, false},
		{MSRPAT, &s.Pat, false},
		{MSRSTAR, &s.Star, false},
		{MSRLSTAR, &s.Lstar, false},
		{MSRCSTAR, &s.Cstar, false},
		{MSRSFMASK, &s.Sfmask, false},
		{MSRKernelGSBase, &s.KernelGsBase, false},
		{MSRTSCAux, &s.TscAux, false},
		{MSRUCet, &s.CetControlU, true},
		{MSRSCet, &s.CetControlS, true},
		{MSRPl0Ssp, &s.Pl0Ssp, true},
		{MSRPl1Ssp, &s.Pl1Ssp, true},
		{MSRPl2Ssp, &s.Pl2Ssp, true},
		{MSRPl3Ssp, &s.Pl3Ssp, true},
		{MSRInterruptSspTbl, &s.InterruptSspTable, true},
	}
}
