package license

import "errors"

// Sentinel errors for activation operations. Each maps to a stable error
// kind surfaced to the caller; they are business outcomes, not failures,
// and are never collapsed into a generic error.
var (
	// ErrInvalidCode indicates the code does not exist in the store.
	ErrInvalidCode = errors.New("invalid activation code")

	// ErrExpiredCode indicates the code's expiry timestamp has passed.
	ErrExpiredCode = errors.New("activation code expired")

	// ErrRevokedCode indicates the code was administratively revoked.
	ErrRevokedCode = errors.New("activation code revoked")

	// ErrLimitExceeded indicates all activation slots are in use.
	ErrLimitExceeded = errors.New("activation limit exceeded")

	// ErrDeviceNotBound indicates no active binding exists for the device.
	ErrDeviceNotBound = errors.New("device not bound")

	// ErrGenerationExhausted indicates the generator hit its collision
	// retry budget without producing a unique code.
	ErrGenerationExhausted = errors.New("code generation exhausted")
)
