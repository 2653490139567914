package notes

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// minReviewNotesLen is the shortest acceptable reviewer comment on a
// return-for-revision. Supervisors must tell the author what to fix.
const minReviewNotesLen = 10

// Service is the note lifecycle state machine. It exclusively owns mutation
// of the note header (status, current_version); every other table it touches
// is append-only. Multi-write transitions run inside the TxRunner so they are
// all-or-nothing, and the header update is a compare-and-swap on the version
// and status observed at the start of the call.
type Service struct {
	notes      NoteRepository
	versions   VersionRepository
	signatures SignatureRepository
	amendments AmendmentRepository
	tx         TxRunner
}

func NewService(notes NoteRepository, versions VersionRepository, signatures SignatureRepository, amendments AmendmentRepository, tx TxRunner) *Service {
	return &Service{notes: notes, versions: versions, signatures: signatures, amendments: amendments, tx: tx}
}

// -- Draft management --

// CreateDraft creates the note header together with version 1 (ORIGINAL).
func (s *Service) CreateDraft(ctx context.Context, n *ClinicalNote, content map[string]interface{}) error {
	if n.ClientID == uuid.Nil {
		return fmt.Errorf("client_id is required: %w", ErrValidation)
	}
	if n.AuthorID == uuid.Nil {
		return fmt.Errorf("author_id is required: %w", ErrValidation)
	}
	if !validNoteTypes[n.NoteType] {
		return fmt.Errorf("unknown note_type %q: %w", n.NoteType, ErrValidation)
	}
	if len(content) == 0 {
		return fmt.Errorf("content is required: %w", ErrValidation)
	}
	if n.RequiresCosign && n.CosignerID == nil {
		return fmt.Errorf("cosigner_id is required when cosign is required: %w", ErrValidation)
	}
	if n.CosignerID != nil && *n.CosignerID == n.AuthorID {
		return fmt.Errorf("cosigner must differ from author: %w", ErrValidation)
	}

	n.Status = StatusDraft
	n.CurrentVersion = 1
	n.RevisionCount = 0

	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.notes.Create(ctx, n); err != nil {
			return fmt.Errorf("create note: %w", err)
		}
		v := &NoteVersion{
			NoteID:        n.ID,
			VersionNumber: 1,
			Content:       content,
			Origin:        OriginOriginal,
			CreatedBy:     n.AuthorID,
		}
		if err := s.versions.Create(ctx, v); err != nil {
			return fmt.Errorf("create original version: %w", err)
		}
		return nil
	})
}

func (s *Service) GetNote(ctx context.Context, id uuid.UUID) (*ClinicalNote, error) {
	return s.notes.GetByID(ctx, id)
}

func (s *Service) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	return s.notes.ListByClient(ctx, clientID, limit, offset)
}

func (s *Service) ListByAuthor(ctx context.Context, authorID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	return s.notes.ListByAuthor(ctx, authorID, limit, offset)
}

// ListPendingCosign returns the cosign queue for a supervisor.
func (s *Service) ListPendingCosign(ctx context.Context, cosignerID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	return s.notes.ListPendingCosign(ctx, cosignerID, limit, offset)
}

// UpdateDraft replaces the current snapshot of an unsigned draft in place.
// Once the note leaves DRAFT the snapshot is frozen and content only changes
// through resubmit or amendment.
func (s *Service) UpdateDraft(ctx context.Context, noteID uuid.UUID, content map[string]interface{}) (*ClinicalNote, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("content is required: %w", ErrValidation)
	}
	n, err := s.notes.GetByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if !n.Editable() {
		return nil, fmt.Errorf("cannot edit note in status %s: %w", n.Status, ErrInvalidState)
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.versions.ReplaceContent(ctx, n.ID, n.CurrentVersion, content); err != nil {
			return fmt.Errorf("replace draft content: %w", err)
		}
		// Same status and version; the CAS still bumps updated_at and
		// rejects edits racing a concurrent sign.
		if err := s.notes.UpdateHeader(ctx, n, n.CurrentVersion, n.Status); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// DeleteDraft removes an unsigned draft and its versions. Anything past
// DRAFT is part of the legal record and cannot be deleted.
func (s *Service) DeleteDraft(ctx context.Context, noteID uuid.UUID) error {
	n, err := s.notes.GetByID(ctx, noteID)
	if err != nil {
		return err
	}
	if n.Status != StatusDraft {
		return fmt.Errorf("only drafts can be deleted, note is %s: %w", n.Status, ErrInvalidState)
	}
	return s.notes.Delete(ctx, noteID)
}

// -- Signing transitions --

// Sign applies the author signature to the note's current version. Valid only
// from DRAFT. The result status is PENDING_COSIGN when requiresCosign is set,
// LOCKED otherwise. The caller decides requiresCosign (supervision policy is
// external); the engine records the decision on the header.
func (s *Service) Sign(ctx context.Context, noteID, signerID uuid.UUID, requiresCosign bool, sig SignatureContext) (*ClinicalNote, error) {
	n, err := s.notes.GetByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusDraft {
		return nil, fmt.Errorf("cannot sign note in status %s: %w", n.Status, ErrInvalidState)
	}
	if requiresCosign && n.CosignerID == nil {
		return nil, fmt.Errorf("cosigner_id is required when cosign is required: %w", ErrValidation)
	}

	expectedVersion, expectedStatus := n.CurrentVersion, n.Status
	n.RequiresCosign = requiresCosign
	if requiresCosign {
		n.Status = StatusPendingCosign
	} else {
		n.Status = StatusLocked
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.signatures.Append(ctx, newEvent(n, n.CurrentVersion, signerID, SignatureAuthor, sig)); err != nil {
			return fmt.Errorf("append author signature: %w", err)
		}
		return s.notes.UpdateHeader(ctx, n, expectedVersion, expectedStatus)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Cosign applies the supervisory signature. Valid only from PENDING_COSIGN.
// The self-cosign check is defense in depth; whether this signer is the
// assigned cosigner is authorization policy enforced by the caller.
func (s *Service) Cosign(ctx context.Context, noteID, cosignerID uuid.UUID, sig SignatureContext) (*ClinicalNote, error) {
	n, err := s.notes.GetByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusPendingCosign {
		return nil, fmt.Errorf("cannot cosign note in status %s: %w", n.Status, ErrInvalidState)
	}
	if cosignerID == n.AuthorID {
		return nil, fmt.Errorf("signer %s authored this note: %w", cosignerID, ErrSelfCosign)
	}

	expectedVersion, expectedStatus := n.CurrentVersion, n.Status
	n.Status = StatusLocked

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.signatures.Append(ctx, newEvent(n, n.CurrentVersion, cosignerID, SignatureCosign, sig)); err != nil {
			return fmt.Errorf("append cosign signature: %w", err)
		}
		return s.notes.UpdateHeader(ctx, n, expectedVersion, expectedStatus)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ReturnForRevision sends a PENDING_COSIGN note back to its author. No new
// version is created; the reviewer notes are recorded as metadata on the
// existing version since nothing was changed yet.
func (s *Service) ReturnForRevision(ctx context.Context, noteID, reviewerID uuid.UUID, reviewNotes string) (*ClinicalNote, error) {
	if len(strings.TrimSpace(reviewNotes)) < minReviewNotesLen {
		return nil, fmt.Errorf("review notes must be at least %d characters: %w", minReviewNotesLen, ErrValidation)
	}
	n, err := s.notes.GetByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusPendingCosign {
		return nil, fmt.Errorf("cannot return note in status %s: %w", n.Status, ErrInvalidState)
	}

	expectedVersion, expectedStatus := n.CurrentVersion, n.Status
	n.Status = StatusRevisionRequested
	n.RevisionCount++

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.versions.Annotate(ctx, n.ID, n.CurrentVersion, reviewerID, reviewNotes); err != nil {
			return fmt.Errorf("annotate version: %w", err)
		}
		return s.notes.UpdateHeader(ctx, n, expectedVersion, expectedStatus)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Resubmit records the author's revised content as a new REVISION version,
// advances the header to it, and resets the lifecycle to DRAFT for a fresh
// signing cycle. Signature events on the superseded version stay in the
// ledger untouched.
func (s *Service) Resubmit(ctx context.Context, noteID, authorID uuid.UUID, content map[string]interface{}) (*ClinicalNote, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("content is required: %w", ErrValidation)
	}
	n, err := s.notes.GetByID(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusRevisionRequested {
		return nil, fmt.Errorf("cannot resubmit note in status %s: %w", n.Status, ErrInvalidState)
	}

	expectedVersion, expectedStatus := n.CurrentVersion, n.Status
	n.CurrentVersion = expectedVersion + 1
	n.Status = StatusDraft

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		v := &NoteVersion{
			NoteID:        n.ID,
			VersionNumber: n.CurrentVersion,
			Content:       content,
			Origin:        OriginRevision,
			CreatedBy:     authorID,
		}
		if err := s.versions.Create(ctx, v); err != nil {
			return fmt.Errorf("create revision version: %w", err)
		}
		return s.notes.UpdateHeader(ctx, n, expectedVersion, expectedStatus)
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// -- Version history --

// ListVersions returns the full version history of a note, oldest first.
func (s *Service) ListVersions(ctx context.Context, noteID uuid.UUID) ([]*NoteVersion, error) {
	if _, err := s.notes.GetByID(ctx, noteID); err != nil {
		return nil, err
	}
	return s.versions.ListByNote(ctx, noteID)
}

// GetVersion returns a single version snapshot.
func (s *Service) GetVersion(ctx context.Context, noteID uuid.UUID, version int) (*NoteVersion, error) {
	return s.versions.GetByNumber(ctx, noteID, version)
}

func newEvent(n *ClinicalNote, version int, signerID uuid.UUID, signatureType string, sig SignatureContext) *SignatureEvent {
	e := &SignatureEvent{
		NoteID:        n.ID,
		VersionNumber: version,
		SignerID:      signerID,
		SignatureType: signatureType,
		AuthMethod:    sig.AuthMethod,
		Attestation:   sig.Attestation,
	}
	if sig.IPAddress != "" {
		ip := sig.IPAddress
		e.IPAddress = &ip
	}
	if sig.UserAgent != "" {
		ua := sig.UserAgent
		e.UserAgent = &ua
	}
	return e
}
