package worker

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCapacity is the one "error" that is not a failure: the backend cannot
// accept the dispatch right now and the caller should try again later.
var ErrCapacity = errors.New("worker backend at capacity")

// IsCapacity reports whether err signals submit-side backpressure.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrCapacity)
}

// ProtocolFault is a backend contract violation: unknown or reused tickets,
// mismatched completions, malformed protocol envelopes.
type ProtocolFault struct {
	Reason string
}

func (e *ProtocolFault) Error() string {
	return fmt.Sprintf("worker protocol fault: %s", e.Reason)
}

// Faultf builds a ProtocolFault.
func Faultf(format string, args ...any) error {
	return &ProtocolFault{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolFault reports whether err is a backend contract violation.
func IsProtocolFault(err error) bool {
	var pf *ProtocolFault
	return errors.As(err, &pf)
}
