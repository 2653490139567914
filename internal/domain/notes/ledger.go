package notes

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// -- Signature ledger --

// ListSignatures returns every signature event ever recorded for the note,
// revoked ones included, in the order they were appended.
func (s *Service) ListSignatures(ctx context.Context, noteID uuid.UUID) ([]*SignatureEvent, error) {
	if _, err := s.notes.GetByID(ctx, noteID); err != nil {
		return nil, err
	}
	return s.signatures.ListByNote(ctx, noteID)
}

// HasValidSignature reports whether a non-revoked signature of the given type
// exists for the note's version.
func (s *Service) HasValidSignature(ctx context.Context, noteID uuid.UUID, version int, signatureType string) (bool, error) {
	if signatureType != SignatureAuthor && signatureType != SignatureCosign && signatureType != SignatureAmendment {
		return false, fmt.Errorf("unknown signature type %q: %w", signatureType, ErrValidation)
	}
	return s.signatures.HasValid(ctx, noteID, version, signatureType)
}

// RevokeSignature marks a signature event as revoked. The event stays in the
// ledger; only its revoked flag and revocation metadata change. The note
// header is not touched, so a LOCKED note with a revoked signature surfaces
// as an integrity finding for compliance review rather than silently
// reopening. Revoking twice fails.
func (s *Service) RevokeSignature(ctx context.Context, signatureID, revokedBy uuid.UUID, reason string) (*SignatureEvent, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("revocation reason is required: %w", ErrValidation)
	}
	return s.signatures.Revoke(ctx, signatureID, revokedBy, reason)
}
