package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// -- Amendments --

// ProposeAmendment records post-lock corrected content as a new AMENDMENT
// version at currentVersion+1 and an amendment record in PENDING_SIGNATURE.
// The note header does not move yet: the viewed version stays the locked one
// until the amendment is signed, so a proposal abandoned mid-flight never
// changes what the record shows.
func (s *Service) ProposeAmendment(ctx context.Context, a *Amendment, content map[string]interface{}) error {
	if strings.TrimSpace(a.Reason) == "" {
		return fmt.Errorf("amendment reason is required: %w", ErrValidation)
	}
	if len(a.FieldsChanged) == 0 {
		return fmt.Errorf("fields_changed is required: %w", ErrValidation)
	}
	if len(content) == 0 {
		return fmt.Errorf("content is required: %w", ErrValidation)
	}
	n, err := s.notes.GetByID(ctx, a.NoteID)
	if err != nil {
		return err
	}
	if n.Status != StatusLocked {
		return fmt.Errorf("cannot amend note in status %s: %w", n.Status, ErrInvalidState)
	}

	a.ProposedVersion = n.CurrentVersion + 1
	a.Status = AmendmentPendingSignature

	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		v := &NoteVersion{
			NoteID:        n.ID,
			VersionNumber: a.ProposedVersion,
			Content:       content,
			Origin:        OriginAmendment,
			CreatedBy:     a.AmendedBy,
		}
		// Two concurrent proposals race for the same version number; the
		// unique constraint lets exactly one through.
		if err := s.versions.Create(ctx, v); err != nil {
			return fmt.Errorf("create amendment version: %w", err)
		}
		if err := s.amendments.Create(ctx, a); err != nil {
			return fmt.Errorf("create amendment: %w", err)
		}
		return nil
	})
}

// FinalizeAmendment signs a pending amendment and makes its version current.
// The AMENDMENT signature, the amendment status flip, and the header advance
// commit together or not at all. The note stays LOCKED throughout.
func (s *Service) FinalizeAmendment(ctx context.Context, amendmentID, signerID uuid.UUID, sig SignatureContext) (*Amendment, error) {
	a, err := s.amendments.GetByID(ctx, amendmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != AmendmentPendingSignature {
		return nil, fmt.Errorf("cannot finalize amendment in status %s: %w", a.Status, ErrInvalidState)
	}
	n, err := s.notes.GetByID(ctx, a.NoteID)
	if err != nil {
		return nil, err
	}

	expectedVersion, expectedStatus := n.CurrentVersion, n.Status
	n.CurrentVersion = a.ProposedVersion

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		ev := newEvent(n, a.ProposedVersion, signerID, SignatureAmendment, sig)
		if err := s.signatures.Append(ctx, ev); err != nil {
			// A duplicate amendment signature means another finalize of
			// this version already won.
			if errors.Is(err, ErrDuplicateSignature) {
				return fmt.Errorf("amendment version %d already signed: %w", a.ProposedVersion, ErrConflict)
			}
			return fmt.Errorf("append amendment signature: %w", err)
		}
		fa, err := s.amendments.Finalize(ctx, a.ID)
		if err != nil {
			return err
		}
		a = fa
		return s.notes.UpdateHeader(ctx, n, expectedVersion, expectedStatus)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAmendments returns the amendments proposed against a note, oldest
// first.
func (s *Service) ListAmendments(ctx context.Context, noteID uuid.UUID) ([]*Amendment, error) {
	if _, err := s.notes.GetByID(ctx, noteID); err != nil {
		return nil, err
	}
	return s.amendments.ListByNote(ctx, noteID)
}
