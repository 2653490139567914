package notes

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// CreateDraft
// ---------------------------------------------------------------------------

func TestCreateDraft_CreatesHeaderAndOriginalVersion(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()

	n := env.mustCreateDraft(t, author, nil)

	if n.Status != StatusDraft {
		t.Fatalf("expected status DRAFT, got %s", n.Status)
	}
	if n.CurrentVersion != 1 {
		t.Fatalf("expected current_version=1, got %d", n.CurrentVersion)
	}
	if n.RevisionCount != 0 {
		t.Fatalf("expected revision_count=0, got %d", n.RevisionCount)
	}

	v, err := env.versions.GetByNumber(context.Background(), n.ID, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Origin != OriginOriginal {
		t.Fatalf("expected origin ORIGINAL, got %s", v.Origin)
	}
	if v.CreatedBy != author {
		t.Fatalf("expected created_by=%s, got %s", author, v.CreatedBy)
	}
}

func TestCreateDraft_Validation(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()

	tests := []struct {
		name    string
		note    *ClinicalNote
		content map[string]interface{}
	}{
		{
			name:    "missing client",
			note:    &ClinicalNote{AuthorID: author, NoteType: "progress_note"},
			content: testContent(),
		},
		{
			name:    "missing author",
			note:    &ClinicalNote{ClientID: uuid.New(), NoteType: "progress_note"},
			content: testContent(),
		},
		{
			name:    "unknown note type",
			note:    &ClinicalNote{ClientID: uuid.New(), AuthorID: author, NoteType: "grocery_list"},
			content: testContent(),
		},
		{
			name:    "empty content",
			note:    &ClinicalNote{ClientID: uuid.New(), AuthorID: author, NoteType: "progress_note"},
			content: nil,
		},
		{
			name:    "cosign required without cosigner",
			note:    &ClinicalNote{ClientID: uuid.New(), AuthorID: author, NoteType: "progress_note", RequiresCosign: true},
			content: testContent(),
		},
		{
			name:    "cosigner equals author",
			note:    &ClinicalNote{ClientID: uuid.New(), AuthorID: author, NoteType: "progress_note", CosignerID: &author},
			content: testContent(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.svc.CreateDraft(context.Background(), tt.note, tt.content)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// UpdateDraft / DeleteDraft
// ---------------------------------------------------------------------------

func TestUpdateDraft_ReplacesContentInPlace(t *testing.T) {
	env := newTestEnv()
	n := env.mustCreateDraft(t, uuid.New(), nil)

	newContent := map[string]interface{}{"subjective": "revised draft text"}
	if _, err := env.svc.UpdateDraft(context.Background(), n.ID, newContent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, err := env.versions.GetByNumber(context.Background(), n.ID, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Content["subjective"] != "revised draft text" {
		t.Fatalf("expected replaced content, got %v", v.Content)
	}

	// Still a single version: draft edits never append.
	versions, _ := env.versions.ListByNote(context.Background(), n.ID)
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}
}

func TestUpdateDraft_RejectsSignedNote(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	n := env.mustCreateDraft(t, author, nil)

	if _, err := env.svc.Sign(context.Background(), n.ID, author, false, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := env.svc.UpdateDraft(context.Background(), n.ID, testContent())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDeleteDraft_OnlyDrafts(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()

	draft := env.mustCreateDraft(t, author, nil)
	if err := env.svc.DeleteDraft(context.Background(), draft.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.GetNote(context.Background(), draft.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	locked := env.mustCreateDraft(t, author, nil)
	if _, err := env.svc.Sign(context.Background(), locked.ID, author, false, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.svc.DeleteDraft(context.Background(), locked.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Sign
// ---------------------------------------------------------------------------

func TestSign_WithoutCosign_Locks(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	n := env.mustCreateDraft(t, author, nil)

	signed, err := env.svc.Sign(context.Background(), n.ID, author, false, testSig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signed.Status != StatusLocked {
		t.Fatalf("expected status LOCKED, got %s", signed.Status)
	}

	has, err := env.svc.HasValidSignature(context.Background(), n.ID, 1, SignatureAuthor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has {
		t.Fatal("expected a live AUTHOR signature on version 1")
	}
}

func TestSign_WithCosign_MovesToPendingCosign(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	cosigner := uuid.New()
	n := env.mustCreateDraft(t, author, &cosigner)

	signed, err := env.svc.Sign(context.Background(), n.ID, author, true, testSig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signed.Status != StatusPendingCosign {
		t.Fatalf("expected status PENDING_COSIGN, got %s", signed.Status)
	}
	if !signed.RequiresCosign {
		t.Fatal("expected requires_cosign to be recorded on the header")
	}
}

func TestSign_NonDraft_InvalidState(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	n := env.mustCreateDraft(t, author, nil)

	if _, err := env.svc.Sign(context.Background(), n.ID, author, false, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := env.svc.Sign(context.Background(), n.ID, author, false, testSig())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestSign_CosignRequiredWithoutCosigner_Validation(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	n := env.mustCreateDraft(t, author, nil)

	_, err := env.svc.Sign(context.Background(), n.ID, author, true, testSig())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSign_RecordsSignatureMetadata(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	n := env.mustCreateDraft(t, author, nil)

	attestation := "I attest this note is accurate and complete."
	sig := SignatureContext{
		AuthMethod:  "mfa",
		Attestation: &attestation,
		IPAddress:   "198.51.100.4",
		UserAgent:   "notes-web/2.1",
	}
	if _, err := env.svc.Sign(context.Background(), n.ID, author, false, sig); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := env.svc.ListSignatures(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 signature event, got %d", len(events))
	}
	e := events[0]
	if e.SignerID != author || e.SignatureType != SignatureAuthor || e.VersionNumber != 1 {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.AuthMethod != "mfa" {
		t.Fatalf("expected auth_method=mfa, got %s", e.AuthMethod)
	}
	if e.Attestation == nil || *e.Attestation != attestation {
		t.Fatalf("expected attestation recorded verbatim, got %v", e.Attestation)
	}
	if e.IPAddress == nil || *e.IPAddress != "198.51.100.4" {
		t.Fatalf("expected ip_address recorded, got %v", e.IPAddress)
	}
	if e.SignedAt.IsZero() {
		t.Fatal("expected signed_at to be set")
	}
}

// ---------------------------------------------------------------------------
// Cosign
// ---------------------------------------------------------------------------

func TestCosign_Locks(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	cosigner := uuid.New()
	n := env.mustCreateDraft(t, author, &cosigner)

	if _, err := env.svc.Sign(context.Background(), n.ID, author, true, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cosigned, err := env.svc.Cosign(context.Background(), n.ID, cosigner, testSig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cosigned.Status != StatusLocked {
		t.Fatalf("expected status LOCKED, got %s", cosigned.Status)
	}

	events, _ := env.svc.ListSignatures(context.Background(), n.ID)
	if len(events) != 2 {
		t.Fatalf("expected 2 signature events, got %d", len(events))
	}
}

func TestCosign_SelfCosignRejected(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	cosigner := uuid.New()
	n := env.mustCreateDraft(t, author, &cosigner)

	if _, err := env.svc.Sign(context.Background(), n.ID, author, true, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := env.svc.Cosign(context.Background(), n.ID, author, testSig())
	if !errors.Is(err, ErrSelfCosign) {
		t.Fatalf("expected ErrSelfCosign, got %v", err)
	}
}

func TestCosign_FromDraft_InvalidState(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	cosigner := uuid.New()
	n := env.mustCreateDraft(t, author, &cosigner)

	_, err := env.svc.Cosign(context.Background(), n.ID, cosigner, testSig())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// ReturnForRevision / Resubmit
// ---------------------------------------------------------------------------

func TestReturnForRevision_AnnotatesExistingVersion(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	cosigner := uuid.New()
	n := env.mustCreateDraft(t, author, &cosigner)

	if _, err := env.svc.Sign(context.Background(), n.ID, author, true, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	returned, err := env.svc.ReturnForRevision(context.Background(), n.ID, cosigner, "Expand the risk assessment section.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if returned.Status != StatusRevisionRequested {
		t.Fatalf("expected status REVISION_REQUESTED, got %s", returned.Status)
	}
	if returned.RevisionCount != 1 {
		t.Fatalf("expected revision_count=1, got %d", returned.RevisionCount)
	}

	// No new version is created; the reviewer notes annotate version 1.
	versions, _ := env.versions.ListByNote(context.Background(), n.ID)
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}
	v := versions[0]
	if v.ReviewNotes == nil || *v.ReviewNotes != "Expand the risk assessment section." {
		t.Fatalf("expected review notes on version 1, got %v", v.ReviewNotes)
	}
	if v.ReviewedBy == nil || *v.ReviewedBy != cosigner {
		t.Fatalf("expected reviewed_by=%s, got %v", cosigner, v.ReviewedBy)
	}
}

func TestReturnForRevision_ShortNotes_Validation(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	cosigner := uuid.New()
	n := env.mustCreateDraft(t, author, &cosigner)

	if _, err := env.svc.Sign(context.Background(), n.ID, author, true, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := env.svc.ReturnForRevision(context.Background(), n.ID, cosigner, "  too short  ")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestReturnForRevision_FromLocked_InvalidState(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	n := env.mustCreateDraft(t, author, nil)

	if _, err := env.svc.Sign(context.Background(), n.ID, author, false, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := env.svc.ReturnForRevision(context.Background(), n.ID, uuid.New(), "This note needs more detail everywhere.")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestResubmit_CreatesRevisionAndResetsToDraft(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	cosigner := uuid.New()
	n := env.mustCreateDraft(t, author, &cosigner)

	if _, err := env.svc.Sign(context.Background(), n.ID, author, true, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.ReturnForRevision(context.Background(), n.ID, cosigner, "Expand the risk assessment section."); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	revised := map[string]interface{}{"subjective": "revised after supervisor feedback"}
	resubmitted, err := env.svc.Resubmit(context.Background(), n.ID, author, revised)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resubmitted.Status != StatusDraft {
		t.Fatalf("expected status DRAFT, got %s", resubmitted.Status)
	}
	if resubmitted.CurrentVersion != 2 {
		t.Fatalf("expected current_version=2, got %d", resubmitted.CurrentVersion)
	}

	v2, err := env.versions.GetByNumber(context.Background(), n.ID, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v2.Origin != OriginRevision {
		t.Fatalf("expected origin REVISION, got %s", v2.Origin)
	}

	// The superseded signature stays in the ledger untouched.
	events, _ := env.svc.ListSignatures(context.Background(), n.ID)
	if len(events) != 1 || events[0].VersionNumber != 1 || events[0].Revoked {
		t.Fatalf("expected intact v1 signature, got %+v", events)
	}
}

func TestResubmit_WrongState(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	n := env.mustCreateDraft(t, author, nil)

	_, err := env.svc.Resubmit(context.Background(), n.ID, author, testContent())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Header CAS conflict propagation
// ---------------------------------------------------------------------------

// conflictingNoteRepo fails every header update, simulating a CAS loss
// against a concurrent writer.
type conflictingNoteRepo struct {
	NoteRepository
}

func (r *conflictingNoteRepo) UpdateHeader(ctx context.Context, n *ClinicalNote, expectedVersion int, expectedStatus string) error {
	return ErrConflict
}

func TestSign_SurfacesHeaderConflict(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	n := env.mustCreateDraft(t, author, nil)

	svc := NewService(&conflictingNoteRepo{env.notes}, env.versions, env.signatures, env.amendments, passthroughTx)
	_, err := svc.Sign(context.Background(), n.ID, author, false, testSig())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Version history
// ---------------------------------------------------------------------------

func TestListVersions_OrderedOldestFirst(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	cosigner := uuid.New()
	n := env.mustCreateDraft(t, author, &cosigner)

	if _, err := env.svc.Sign(context.Background(), n.ID, author, true, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.ReturnForRevision(context.Background(), n.ID, cosigner, "Expand the risk assessment section."); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.Resubmit(context.Background(), n.ID, author, testContent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	versions, err := env.svc.ListVersions(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].VersionNumber != 1 || versions[1].VersionNumber != 2 {
		t.Fatalf("expected versions in ascending order, got %d then %d",
			versions[0].VersionNumber, versions[1].VersionNumber)
	}
}

func TestListVersions_UnknownNote(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.ListVersions(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPendingCosign_OnlyPendingForCosigner(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	cosigner := uuid.New()

	pending := env.mustCreateDraft(t, author, &cosigner)
	if _, err := env.svc.Sign(context.Background(), pending.ID, author, true, testSig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A second note still in draft must not appear in the queue.
	env.mustCreateDraft(t, author, &cosigner)

	items, total, err := env.svc.ListPendingCosign(context.Background(), cosigner, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("expected 1 pending note, got total=%d len=%d", total, len(items))
	}
	if items[0].ID != pending.ID {
		t.Fatalf("expected note %s, got %s", pending.ID, items[0].ID)
	}
}

func TestSign_ConcurrentSignersExactlyOneWinner(t *testing.T) {
	env := newTestEnv()
	author := uuid.New()
	n := env.mustCreateDraft(t, author, nil)

	const signers = 16
	var wg sync.WaitGroup
	errs := make([]error, signers)
	for i := 0; i < signers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Sign(context.Background(), n.ID, author, false, testSig())
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrDuplicateSignature), errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		default:
			t.Fatalf("signer %d: unexpected error: %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning sign, got %d", winners)
	}

	got, err := env.svc.GetNote(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusLocked || got.CurrentVersion != 1 {
		t.Fatalf("expected LOCKED at version 1, got %s at %d", got.Status, got.CurrentVersion)
	}
	events, err := env.svc.ListSignatures(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	live := 0
	for _, e := range events {
		if !e.Revoked && e.SignatureType == SignatureAuthor {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live author signature, got %d", live)
	}
}
