package smmtt

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when mttp holds a mode the hart does not
	// implement.
	ErrConfiguration = errors.New("smmtt: unrecognized mttp mode")

	// ErrMalformedEntry is returned for reserved bits, unknown entry types and
	// unassigned permission codes.
	ErrMalformedEntry = errors.New("smmtt: malformed table entry")

	// ErrMemoryFault is returned when a table entry cannot be read.
	ErrMemoryFault = errors.New("smmtt: table entry read fault")

	// ErrAddressRange is returned for physical addresses wider than the
	// configured mode covers.
	ErrAddressRange = errors.New("smmtt: address outside tracked range")

	// ErrWalkBound is returned when a walk runs out of levels without reaching
	// a terminal entry.
	ErrWalkBound = errors.New("smmtt: walk did not terminate")

	// ErrUnrepresentable is returned by the builder for privilege sets the
	// table variant cannot encode.
	ErrUnrepresentable = errors.New("smmtt: privileges not representable")
)

// WalkError describes where a walk failed.
type WalkError struct {
	Level  int    // table level being decoded, 0 when decoding mttp
	Addr   uint64 // address of the entry, or the mttp value for Level 0
	Entry  uint64 // raw entry, if it was read
	Reason string
	Err    error
}

func (e *WalkError) Error() string {
	if e.Level == 0 {
		return fmt.Sprintf("%v: mttp=0x%016x: %s", e.Err, e.Addr, e.Reason)
	}
	return fmt.Sprintf("%v: level %d entry at 0x%x (0x%016x): %s", e.Err, e.Level, e.Addr, e.Entry, e.Reason)
}

func (e *WalkError) Unwrap() error {
	return e.Err
}

// malformed builds the error returned by the entry decoders. The walker fills
// in the location.
func malformed(format string, args ...any) error {
	return &WalkError{Err: ErrMalformedEntry, Reason: fmt.Sprintf(format, args...)}
}
