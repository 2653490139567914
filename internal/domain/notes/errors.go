package notes

import "errors"

// Error kinds returned by the engine. Services wrap these with fmt.Errorf and
// %w so callers can match with errors.Is and map them to transport codes.
var (
	// ErrNotFound means the note, version, signature event, or amendment
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation means structurally invalid input, such as an empty
	// fieldsChanged set or a missing revocation reason.
	ErrValidation = errors.New("invalid input")

	// ErrInvalidState means the operation is not permitted from the note's
	// current status, e.g. cosigning a DRAFT.
	ErrInvalidState = errors.New("operation not allowed in current status")

	// ErrConflict means an optimistic-concurrency or uniqueness check lost
	// a race with a concurrent writer. The caller should re-fetch state
	// before retrying; the engine never retries internally.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrDuplicateSignature means a non-revoked signature of the same type
	// already exists for the version.
	ErrDuplicateSignature = errors.New("signature already recorded for this version")

	// ErrSelfCosign means the author attempted to cosign their own note.
	ErrSelfCosign = errors.New("author cannot cosign own note")

	// ErrAlreadyRevoked means the signature event was revoked previously.
	// Revocation is deliberately not idempotent so stale clients notice.
	ErrAlreadyRevoked = errors.New("signature already revoked")
)
