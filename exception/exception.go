// Package exception classifies Windows exception codes and decodes the
// guest's EXCEPTION_RECORD64.
package exception

// Windows exception and status codes the detector cares about.
const (
	AccessViolation          uint32 = 0xC0000005
	ArrayBoundsExceeded      uint32 = 0xC000008C
	Breakpoint               uint32 = 0x80000003
	DatatypeMisalignment     uint32 = 0x80000002
	FltDenormalOperand       uint32 = 0xC000008D
	FltDivideByZero          uint32 = 0xC000008E
	FltInexactResult         uint32 = 0xC000008F
	FltInvalidOperation      uint32 = 0xC0000090
	FltOverflow              uint32 = 0xC0000091
	FltStackCheck            uint32 = 0xC0000092
	FltUnderflow             uint32 = 0xC0000093
	IllegalInstruction       uint32 = 0xC000001D
	InPageError              uint32 = 0xC0000006
	IntDivideByZero          uint32 = 0xC0000094
	IntOverflow              uint32 = 0xC0000095
	InvalidDisposition       uint32 = 0xC0000026
	NoncontinuableException  uint32 = 0xC0000025
	PrivInstruction          uint32 = 0xC0000096
	SingleStep               uint32 = 0x80000004
	StackOverflow            uint32 = 0xC00000FD
	StatusStackBufferOverrun uint32 = 0xC0000409
	StatusHeapCorruption     uint32 = 0xC0000374

	CppException          uint32 = 0xE06D7363
	DbgPrintExceptionC    uint32 = 0x40010006
	DbgPrintExceptionWide uint32 = 0x4001000A
)

// Access violations refined by their access kind. These are not Windows
// codes; they only need to be distinct from every code above.
const (
	AccessViolationRead    uint32 = 0xC00A0005
	AccessViolationWrite   uint32 = 0xC00B0005
	AccessViolationExecute uint32 = 0xC00C0005
)

// First EXCEPTION_RECORD64 ExceptionInformation slot of an access violation.
const (
	avRead    = 0
	avWrite   = 1
	avExecute = 8
)

// Tag is the printable name of an exception code.
type Tag string

// Unknown is the tag of every code Classify does not know.
const Unknown Tag = "UNKNOWN"

var tags = map[uint32]Tag{
	AccessViolation:          "EXCEPTION_ACCESS_VIOLATION",
	ArrayBoundsExceeded:      "EXCEPTION_ARRAY_BOUNDS_EXCEEDED",
	Breakpoint:               "EXCEPTION_BREAKPOINT",
	DatatypeMisalignment:     "EXCEPTION_DATATYPE_MISALIGNMENT",
	FltDenormalOperand:       "EXCEPTION_FLT_DENORMAL_OPERAND",
	FltDivideByZero:          "EXCEPTION_FLT_DIVIDE_BY_ZERO",
	FltInexactResult:         "EXCEPTION_FLT_INEXACT_RESULT",
	FltInvalidOperation:      "EXCEPTION_FLT_INVALID_OPERATION",
	FltOverflow:              "EXCEPTION_FLT_OVERFLOW",
	FltStackCheck:            "EXCEPTION_FLT_STACK_CHECK",
	FltUnderflow:             "EXCEPTION_FLT_UNDERFLOW",
	IllegalInstruction:       "EXCEPTION_ILLEGAL_INSTRUCTION",
	InPageError:              "EXCEPTION_IN_PAGE_ERROR",
	IntDivideByZero:          "EXCEPTION_INT_DIVIDE_BY_ZERO",
	IntOverflow:              "EXCEPTION_INT_OVERFLOW",
	InvalidDisposition:       "EXCEPTION_INVALID_DISPOSITION",
	NoncontinuableException:  "EXCEPTION_NONCONTINUABLE_EXCEPTION",
	PrivInstruction:          "EXCEPTION_PRIV_INSTRUCTION",
	SingleStep:               "EXCEPTION_SINGLE_STEP",
	StackOverflow:            "EXCEPTION_STACK_OVERFLOW",
	StatusStackBufferOverrun: "EXCEPTION_STACK_BUFFER_OVERRUN",
	StatusHeapCorruption:     "STATUS_HEAP_CORRUPTION",
	AccessViolationRead:      "EXCEPTION_ACCESS_VIOLATION_READ",
	AccessViolationWrite:     "EXCEPTION_ACCESS_VIOLATION_WRITE",
	AccessViolationExecute:   "EXCEPTION_ACCESS_VIOLATION_EXECUTE",
}

// Classify maps a code to its tag. It is total.
func Classify(code uint32) Tag {
	if t, ok := tags[code]; ok {
		return t
	}

	return Unknown
}

// Refine turns a plain access violation into its read, write or execute
// variant using the first exception parameter. Any other input is returned
// unchanged.
func Refine(code uint32, params []uint64) uint32 {
	if code != AccessViolation || len(params) == 0 {
		return code
	}

	switch params[0] {
	case avRead:
		return AccessViolationRead
	case avWrite:
		return AccessViolationWrite
	case avExecute:
		return AccessViolationExecute
	}

	return code
}

func ClassifyWith(code uint32, params []uint64) Tag {
	return Classify(Refine(code, params))
}

// IsBenign reports whether code is raised in normal operation: C++ throws
// and debug prints.
func IsBenign(code uint32) bool {
	switch code {
	case CppException, DbgPrintExceptionC, DbgPrintExceptionWide:
		return true
	}

	return false
}

// FromVector maps an x86 exception vector to the code Windows raises for
// it. Vectors with no user-visible code map to AccessViolation.
func FromVector(vector uint32) uint32 {
	switch vector {
	case 0:
		return IntDivideByZero
	case 1:
		return SingleStep
	case 3:
		return Breakpoint
	case 4:
		return IntOverflow
	case 5:
		return ArrayBoundsExceeded
	case 6:
		return IllegalInstruction
	case 16, 19:
		return FltInvalidOperation
	case 17:
		return DatatypeMisalignment
	}

	return AccessViolation
}
