package machine

const (
	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xPAE = (1 << 5)

	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
)

const (
	// Exception vectors KVM reports in a debug exit.
	dbVector = 1
	bpVector = 3

	// int3 is the software breakpoint opcode.
	int3 = 0xcc
)
