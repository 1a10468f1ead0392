package interfaces

import "errors"

// Error taxonomy shared by every component. Callers wrap these with
// fmt.Errorf("%w: ...") to add context and match them with errors.Is.
var (
	// ErrValidation is returned for bad input. It is the caller's fault and never retried.
	ErrValidation = errors.New("validation error")

	// ErrDecryption is returned for any authenticated-decryption failure. Wrong keys,
	// tampered ciphertext and tampered IVs are deliberately indistinguishable.
	ErrDecryption = errors.New("decryption failed")

	// ErrIntegrity is returned when a signed record no longer matches its signature.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrKeyDerivation is returned when the key derivation function itself fails.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an operation would violate an invariant,
	// for example a second active handover process for the same owner.
	ErrConflict = errors.New("conflict")

	// ErrLockHeld is returned when a per-owner lock is held by someone else.
	ErrLockHeld = errors.New("lock held")
)
