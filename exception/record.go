package exception

// MaxParameters is EXCEPTION_MAXIMUM_PARAMETERS.
const MaxParameters = 15

// Record is the guest EXCEPTION_RECORD64, 0x98 bytes.
type Record struct {
	Code             uint32
	Flags            uint32
	Record           uint64
	Address          uint64
	NumberParameters uint32
	_                uint32
	Information      [MaxParameters]uint64
}

// Event is the normalized view of a Record.
type Event struct {
	Code       uint32
	Address    uint64
	Parameters []uint64
}

// Event returns the record's code, faulting address and parameters, with
// the parameter count clamped to MaxParameters.
func (r *Record) Event() Event {
	n := r.NumberParameters
	if n > MaxParameters {
		n = MaxParameters
	}

	params := make([]uint64, n)
	copy(params, r.Information[:n])

	return Event{Code: r.Code, Address: r.Address, Parameters: params}
}
