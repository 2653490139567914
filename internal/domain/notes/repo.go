package notes

import (
	"context"

	"github.com/google/uuid"
)

// NoteRepository persists clinical note headers. UpdateHeader is the single
// mutation path for status/current_version and must be a compare-and-swap on
// the expected version and status so racing transitions serialize per note.
type NoteRepository interface {
	Create(ctx context.Context, n *ClinicalNote) error
	GetByID(ctx context.Context, id uuid.UUID) (*ClinicalNote, error)
	// UpdateHeader writes status, current_version, and revision_count,
	// guarded by the previously observed version and status. Returns
	// ErrConflict when the guard fails.
	UpdateHeader(ctx context.Context, n *ClinicalNote, expectedVersion int, expectedStatus string) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error)
	ListByAuthor(ctx context.Context, authorID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error)
	ListPendingCosign(ctx context.Context, cosignerID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error)
}

// VersionRepository is the append-only version store. There is deliberately
// no update or delete for committed snapshots; ReplaceContent is restricted by
// the service to unsigned drafts and Annotate only touches review metadata.
type VersionRepository interface {
	// Create inserts a new snapshot. Returns ErrConflict when the
	// (note_id, version_number) pair already exists.
	Create(ctx context.Context, v *NoteVersion) error
	GetByNumber(ctx context.Context, noteID uuid.UUID, version int) (*NoteVersion, error)
	ListByNote(ctx context.Context, noteID uuid.UUID) ([]*NoteVersion, error)
	// ReplaceContent rewrites the snapshot of a draft version in place.
	ReplaceContent(ctx context.Context, noteID uuid.UUID, version int, content map[string]interface{}) error
	// Annotate records reviewer notes against an existing version without
	// touching its content.
	Annotate(ctx context.Context, noteID uuid.UUID, version int, reviewedBy uuid.UUID, notes string) error
}

// SignatureRepository is the append-only signature ledger.
type SignatureRepository interface {
	// Append inserts a signature event. The duplicate check and insert are
	// atomic; a live duplicate returns ErrDuplicateSignature.
	Append(ctx context.Context, e *SignatureEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*SignatureEvent, error)
	// Revoke is a conditional single-row update (revoked=false -> true).
	// Returns ErrNotFound for a missing event and ErrAlreadyRevoked when a
	// concurrent or earlier call won the flip.
	Revoke(ctx context.Context, id uuid.UUID, revokedBy uuid.UUID, reason string) (*SignatureEvent, error)
	ListByNote(ctx context.Context, noteID uuid.UUID) ([]*SignatureEvent, error)
	HasValid(ctx context.Context, noteID uuid.UUID, version int, signatureType string) (bool, error)
}

// AmendmentRepository persists amendment proposals.
type AmendmentRepository interface {
	Create(ctx context.Context, a *Amendment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Amendment, error)
	// Finalize conditionally moves PENDING_SIGNATURE -> FINALIZED and
	// stamps finalized_at. Returns ErrConflict when the amendment is no
	// longer pending.
	Finalize(ctx context.Context, id uuid.UUID) (*Amendment, error)
	ListByNote(ctx context.Context, noteID uuid.UUID) ([]*Amendment, error)
}

// TxRunner executes fn inside one transaction; repository calls made with the
// ctx it passes to fn share that transaction. Multi-write transitions (sign,
// finalize, resubmit) rely on it for all-or-nothing semantics.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxRunnerFunc adapts a function to the TxRunner interface.
type TxRunnerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f TxRunnerFunc) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}
