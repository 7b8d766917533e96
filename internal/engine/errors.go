package engine

import (
	"errors"
	"fmt"
)

// Rejection reasons returned to clients when validation fails. These are part
// of the wire contract; renaming one breaks deployed launchers.
const (
	ReasonExpired        = "expired"
	ReasonLocked         = "locked"
	ReasonRevoked        = "revoked"
	ReasonHWIDNotAllowed = "hwid_not_allowed"
	ReasonIPNotAllowed   = "ip_not_allowed"
	ReasonMaxDevices     = "max_devices_reached"
)

// ErrContention is returned when the per-license lock cannot be acquired
// within the configured timeout. Callers should surface it as a retryable
// condition, not as a license rejection.
var ErrContention = errors.New("license is busy, try again")

// RejectError is a definitive validation rejection. The license exists and
// was evaluated; Reason says why it cannot activate.
type RejectError struct {
	Reason  string
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("validation rejected: %s", e.Reason)
	}
	return fmt.Sprintf("validation rejected: %s (%s)", e.Reason, e.Message)
}

// AsReject unwraps err into a RejectError, or returns nil.
func AsReject(err error) *RejectError {
	var re *RejectError
	if errors.As(err, &re) {
		return re
	}
	return nil
}
