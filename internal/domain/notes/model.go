package notes

import (
	"time"

	"github.com/google/uuid"
)

// Note lifecycle statuses.
const (
	StatusDraft             = "DRAFT"
	StatusPendingCosign     = "PENDING_COSIGN"
	StatusLocked            = "LOCKED"
	StatusRevisionRequested = "REVISION_REQUESTED"
)

// Version origins.
const (
	OriginOriginal  = "ORIGINAL"
	OriginAmendment = "AMENDMENT"
	OriginRevision  = "REVISION"
)

// Signature types.
const (
	SignatureAuthor    = "AUTHOR"
	SignatureCosign    = "COSIGN"
	SignatureAmendment = "AMENDMENT"
)

// Amendment statuses.
const (
	AmendmentPendingSignature = "PENDING_SIGNATURE"
	AmendmentFinalized        = "FINALIZED"
)

var validNoteStatuses = map[string]bool{
	StatusDraft: true, StatusPendingCosign: true,
	StatusLocked: true, StatusRevisionRequested: true,
}

var validNoteTypes = map[string]bool{
	"intake_assessment":  true,
	"progress_note":      true,
	"treatment_plan":     true,
	"psychotherapy_note": true,
	"contact_note":       true,
	"consultation_note":  true,
	"cancellation_note":  true,
	"discharge_summary":  true,
}

// ClinicalNote maps to the clinical_note table. It is the mutable header of a
// note; all content lives in immutable note_version rows, and current_version
// doubles as the optimistic-concurrency token for every state transition.
type ClinicalNote struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ClientID       uuid.UUID  `db:"client_id" json:"client_id"`
	AuthorID       uuid.UUID  `db:"author_id" json:"author_id"`
	NoteType       string     `db:"note_type" json:"note_type"`
	Title          *string    `db:"title" json:"title,omitempty"`
	Status         string     `db:"status" json:"status"`
	CurrentVersion int        `db:"current_version" json:"current_version"`
	RequiresCosign bool       `db:"requires_cosign" json:"requires_cosign"`
	CosignerID     *uuid.UUID `db:"cosigner_id" json:"cosigner_id,omitempty"`
	RevisionCount  int        `db:"revision_count" json:"revision_count"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Editable reports whether the note's content may still be changed in place.
// Once a note leaves DRAFT its snapshots only change through resubmit or
// amendment, never direct edits.
func (n *ClinicalNote) Editable() bool {
	return n.Status == StatusDraft
}

// NoteVersion maps to the note_version table. Rows are append-only: the
// content snapshot is never updated or deleted once written. The only columns
// touched after insert are the review annotation set by return-for-revision.
type NoteVersion struct {
	ID            uuid.UUID              `db:"id" json:"id"`
	NoteID        uuid.UUID              `db:"note_id" json:"note_id"`
	VersionNumber int                    `db:"version_number" json:"version_number"`
	Content       map[string]interface{} `db:"content" json:"content"`
	Origin        string                 `db:"origin" json:"origin"`
	ReviewNotes   *string                `db:"review_notes" json:"review_notes,omitempty"`
	ReviewedBy    *uuid.UUID             `db:"reviewed_by" json:"reviewed_by,omitempty"`
	CreatedBy     uuid.UUID              `db:"created_by" json:"created_by"`
	CreatedAt     time.Time              `db:"created_at" json:"created_at"`
}

// SignatureEvent maps to the signature_event table. Append-only: the single
// permitted mutation is flipping the revoked flag, which preserves the row for
// audit. At most one non-revoked event may exist per
// (note_id, version_number, signature_type).
type SignatureEvent struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	NoteID        uuid.UUID  `db:"note_id" json:"note_id"`
	VersionNumber int        `db:"version_number" json:"version_number"`
	SignerID      uuid.UUID  `db:"signer_id" json:"signer_id"`
	SignatureType string     `db:"signature_type" json:"signature_type"`
	AuthMethod    string     `db:"auth_method" json:"auth_method"`
	Attestation   *string    `db:"attestation" json:"attestation,omitempty"`
	IPAddress     *string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent     *string    `db:"user_agent" json:"user_agent,omitempty"`
	SignedAt      time.Time  `db:"signed_at" json:"signed_at"`
	Revoked       bool       `db:"revoked" json:"revoked"`
	RevokedBy     *uuid.UUID `db:"revoked_by" json:"revoked_by,omitempty"`
	RevokedReason *string    `db:"revoked_reason" json:"revoked_reason,omitempty"`
	RevokedAt     *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// Amendment maps to the note_amendment table. It references the AMENDMENT
// version it proposes; finalizing it is what advances the note header to that
// version.
type Amendment struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	NoteID          uuid.UUID  `db:"note_id" json:"note_id"`
	AmendedBy       uuid.UUID  `db:"amended_by" json:"amended_by"`
	Reason          string     `db:"reason" json:"reason"`
	FieldsChanged   []string   `db:"fields_changed" json:"fields_changed"`
	ChangeSummary   *string    `db:"change_summary" json:"change_summary,omitempty"`
	ProposedVersion int        `db:"proposed_version" json:"proposed_version"`
	Status          string     `db:"status" json:"status"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	FinalizedAt     *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
}

// SignatureContext carries the attribution metadata recorded verbatim on every
// signature event. AuthMethod and Attestation are opaque pass-through values
// supplied by external collaborators; the engine never interprets them.
type SignatureContext struct {
	AuthMethod  string  `json:"auth_method"`
	Attestation *string `json:"attestation,omitempty"`
	IPAddress   string  `json:"ip_address"`
	UserAgent   string  `json:"user_agent"`
}
