package cpuid

// The CPUID bit positions follow arch/x86/include/asm/cpufeatures.h [1] in
// Linux; KVM reports the subset it can virtualize through
// KVM_GET_SUPPORTED_CPUID [2].
//
// [1] https://github.com/torvalds/linux/blob/v6.1/arch/x86/include/asm/cpufeatures.h
// [2] https://github.com/torvalds/linux/blob/v6.1/arch/x86/kvm/cpuid.c

// Reg is the output register of a CPUID leaf.
type Reg uint8

const (
	EAX Reg = iota
	EBX
	ECX
	EDX
)

// Feature is one CPUID feature bit.
type Feature struct {
	Name     string
	Function uint32
	Index    uint32
	Reg      Reg
	Bit      uint8
}

func (f Feature) String() string { return f.Name }

//nolint:gochecknoglobals
var (
	FPU   = Feature{"fpu", 1, 0, EDX, 0}   /* Onboard FPU */
	PAE   = Feature{"pae", 1, 0, EDX, 6}   /* Physical Address Extensions */
	PGE   = Feature{"pge", 1, 0, EDX, 13}  /* Page Global Enable */
	PAT   = Feature{"pat", 1, 0, EDX, 16}  /* Page Attribute Table */
	FXSR  = Feature{"fxsr", 1, 0, EDX, 24} /* FXSAVE/FXRSTOR, CR4.OSFXSR */
	XMM   = Feature{"sse", 1, 0, EDX, 25}
	XMM2  = Feature{"sse2", 1, 0, EDX, 26}
	PCID  = Feature{"pcid", 1, 0, ECX, 17}  /* Process Context Identifiers */
	XSAVE = Feature{"xsave", 1, 0, ECX, 26} /* XSAVE/XRSTOR/XSETBV/XGETBV */

	FSGSBASE = Feature{"fsgsbase", 7, 0, EBX, 0} /* RDFSBASE, WRFSBASE, RDGSBASE, WRGSBASE */
	SMEP     = Feature{"smep", 7, 0, EBX, 7}     /* Supervisor Mode Execution Protection */
	SMAP     = Feature{"smap", 7, 0, EBX, 20}    /* Supervisor Mode Access Prevention */
	UMIP     = Feature{"umip", 7, 0, ECX, 2}     /* User Mode Instruction Protection */
	PKU      = Feature{"pku", 7, 0, ECX, 3}      /* Protection Keys for Userspace */
	SHSTK    = Feature{"shstk", 7, 0, ECX, 7}    /* Shadow stack */
	IBT      = Feature{"ibt", 7, 0, EDX, 20}     /* Indirect Branch Tracking */

	SYSCALL = Feature{"syscall", 0x80000001, 0, EDX, 11} /* SYSCALL/SYSRET */
	NX      = Feature{"nx", 0x80000001, 0, EDX, 20}      /* Execute Disable */
	GBPAGES = Feature{"pdpe1gb", 0x80000001, 0, EDX, 26} /* 1GB pages */
	RDTSCP  = Feature{"rdtscp", 0x80000001, 0, EDX, 27}  /* RDTSCP */
	LM      = Feature{"lm", 0x80000001, 0, EDX, 29}      /* Long Mode (x86-64, 64-bit support) */
)

// All lists every feature the package knows, in leaf order.
//
//nolint:gochecknoglobals
var All = []Feature{
	FPU, PAE, PGE, PAT, FXSR, XMM, XMM2, PCID, XSAVE,
	FSGSBASE, SMEP, SMAP, UMIP, PKU, SHSTK, IBT,
	SYSCALL, NX, GBPAGES, RDTSCP, LM,
}

// Baseline is what any x86-64 Windows snapshot runs on.
//
//nolint:gochecknoglobals
var Baseline = []Feature{FPU, PAE, PAT, FXSR, XMM, XMM2, SYSCALL, NX, LM}
