package notes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory repositories used across the package tests. They mirror the
// constraints the Postgres schema enforces: the version unique key, the
// live-signature partial index, and the conditional header update.

type memNoteRepo struct {
	mu    sync.Mutex
	notes map[uuid.UUID]*ClinicalNote
}

func newMemNoteRepo() *memNoteRepo {
	return &memNoteRepo{notes: make(map[uuid.UUID]*ClinicalNote)}
}

func cloneNote(n *ClinicalNote) *ClinicalNote {
	cp := *n
	return &cp
}

func (r *memNoteRepo) Create(ctx context.Context, n *ClinicalNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()
	n.UpdatedAt = n.CreatedAt
	r.notes[n.ID] = cloneNote(n)
	return nil
}

func (r *memNoteRepo) GetByID(ctx context.Context, id uuid.UUID) (*ClinicalNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok {
		return nil, fmt.Errorf("clinical note: %w", ErrNotFound)
	}
	return cloneNote(n), nil
}

func (r *memNoteRepo) UpdateHeader(ctx context.Context, n *ClinicalNote, expectedVersion int, expectedStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.notes[n.ID]
	if !ok || stored.CurrentVersion != expectedVersion || stored.Status != expectedStatus {
		return fmt.Errorf("note %s at version %d/%s: %w", n.ID, expectedVersion, expectedStatus, ErrConflict)
	}
	stored.Status = n.Status
	stored.CurrentVersion = n.CurrentVersion
	stored.RevisionCount = n.RevisionCount
	stored.RequiresCosign = n.RequiresCosign
	stored.UpdatedAt = time.Now()
	return nil
}

func (r *memNoteRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.notes[id]; !ok {
		return fmt.Errorf("clinical note %s: %w", id, ErrNotFound)
	}
	delete(r.notes, id)
	return nil
}

func (r *memNoteRepo) listWhere(match func(*ClinicalNote) bool, limit, offset int) ([]*ClinicalNote, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*ClinicalNote
	for _, n := range r.notes {
		if match(n) {
			all = append(all, cloneNote(n))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memNoteRepo) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	return r.listWhere(func(n *ClinicalNote) bool { return n.ClientID == clientID }, limit, offset)
}

func (r *memNoteRepo) ListByAuthor(ctx context.Context, authorID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	return r.listWhere(func(n *ClinicalNote) bool { return n.AuthorID == authorID }, limit, offset)
}

func (r *memNoteRepo) ListPendingCosign(ctx context.Context, cosignerID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	return r.listWhere(func(n *ClinicalNote) bool {
		return n.CosignerID != nil && *n.CosignerID == cosignerID && n.Status == StatusPendingCosign
	}, limit, offset)
}

type versionKey struct {
	noteID  uuid.UUID
	version int
}

type memVersionRepo struct {
	mu       sync.Mutex
	versions map[versionKey]*NoteVersion
}

func newMemVersionRepo() *memVersionRepo {
	return &memVersionRepo{versions: make(map[versionKey]*NoteVersion)}
}

func cloneVersion(v *NoteVersion) *NoteVersion {
	cp := *v
	return &cp
}

func (r *memVersionRepo) Create(ctx context.Context, v *NoteVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := versionKey{v.NoteID, v.VersionNumber}
	if _, exists := r.versions[key]; exists {
		return fmt.Errorf("version %d of note %s already exists: %w", v.VersionNumber, v.NoteID, ErrConflict)
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = time.Now()
	r.versions[key] = cloneVersion(v)
	return nil
}

func (r *memVersionRepo) GetByNumber(ctx context.Context, noteID uuid.UUID, version int) (*NoteVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[versionKey{noteID, version}]
	if !ok {
		return nil, fmt.Errorf("note version: %w", ErrNotFound)
	}
	return cloneVersion(v), nil
}

func (r *memVersionRepo) ListByNote(ctx context.Context, noteID uuid.UUID) ([]*NoteVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*NoteVersion
	for key, v := range r.versions {
		if key.noteID == noteID {
			items = append(items, cloneVersion(v))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].VersionNumber < items[j].VersionNumber })
	return items, nil
}

func (r *memVersionRepo) ReplaceContent(ctx context.Context, noteID uuid.UUID, version int, content map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[versionKey{noteID, version}]
	if !ok {
		return fmt.Errorf("version %d of note %s: %w", version, noteID, ErrNotFound)
	}
	v.Content = content
	return nil
}

func (r *memVersionRepo) Annotate(ctx context.Context, noteID uuid.UUID, version int, reviewedBy uuid.UUID, notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[versionKey{noteID, version}]
	if !ok {
		return fmt.Errorf("version %d of note %s: %w", version, noteID, ErrNotFound)
	}
	v.ReviewNotes = &notes
	rb := reviewedBy
	v.ReviewedBy = &rb
	return nil
}

type memSignatureRepo struct {
	mu     sync.Mutex
	events []*SignatureEvent
}

func newMemSignatureRepo() *memSignatureRepo {
	return &memSignatureRepo{}
}

func cloneEvent(e *SignatureEvent) *SignatureEvent {
	cp := *e
	return &cp
}

func (r *memSignatureRepo) Append(ctx context.Context, e *SignatureEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.events {
		if !existing.Revoked && existing.NoteID == e.NoteID &&
			existing.VersionNumber == e.VersionNumber && existing.SignatureType == e.SignatureType {
			return fmt.Errorf("%s signature for version %d of note %s: %w",
				e.SignatureType, e.VersionNumber, e.NoteID, ErrDuplicateSignature)
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.SignedAt = time.Now()
	r.events = append(r.events, cloneEvent(e))
	return nil
}

func (r *memSignatureRepo) GetByID(ctx context.Context, id uuid.UUID) (*SignatureEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			return cloneEvent(e), nil
		}
	}
	return nil, fmt.Errorf("signature event: %w", ErrNotFound)
}

func (r *memSignatureRepo) Revoke(ctx context.Context, id uuid.UUID, revokedBy uuid.UUID, reason string) (*SignatureEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID != id {
			continue
		}
		if e.Revoked {
			return nil, fmt.Errorf("signature event %s: %w", id, ErrAlreadyRevoked)
		}
		now := time.Now()
		rb := revokedBy
		rr := reason
		e.Revoked = true
		e.RevokedBy = &rb
		e.RevokedReason = &rr
		e.RevokedAt = &now
		return cloneEvent(e), nil
	}
	return nil, fmt.Errorf("signature event: %w", ErrNotFound)
}

func (r *memSignatureRepo) ListByNote(ctx context.Context, noteID uuid.UUID) ([]*SignatureEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*SignatureEvent
	for _, e := range r.events {
		if e.NoteID == noteID {
			items = append(items, cloneEvent(e))
		}
	}
	return items, nil
}

func (r *memSignatureRepo) HasValid(ctx context.Context, noteID uuid.UUID, version int, signatureType string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if !e.Revoked && e.NoteID == noteID && e.VersionNumber == version && e.SignatureType == signatureType {
			return true, nil
		}
	}
	return false, nil
}

type memAmendmentRepo struct {
	mu         sync.Mutex
	amendments map[uuid.UUID]*Amendment
}

func newMemAmendmentRepo() *memAmendmentRepo {
	return &memAmendmentRepo{amendments: make(map[uuid.UUID]*Amendment)}
}

func cloneAmendment(a *Amendment) *Amendment {
	cp := *a
	return &cp
}

func (r *memAmendmentRepo) Create(ctx context.Context, a *Amendment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	r.amendments[a.ID] = cloneAmendment(a)
	return nil
}

func (r *memAmendmentRepo) GetByID(ctx context.Context, id uuid.UUID) (*Amendment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.amendments[id]
	if !ok {
		return nil, fmt.Errorf("amendment: %w", ErrNotFound)
	}
	return cloneAmendment(a), nil
}

func (r *memAmendmentRepo) Finalize(ctx context.Context, id uuid.UUID) (*Amendment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.amendments[id]
	if !ok {
		return nil, fmt.Errorf("amendment: %w", ErrNotFound)
	}
	if a.Status != AmendmentPendingSignature {
		return nil, fmt.Errorf("amendment %s already finalized: %w", id, ErrConflict)
	}
	now := time.Now()
	a.Status = AmendmentFinalized
	a.FinalizedAt = &now
	return cloneAmendment(a), nil
}

func (r *memAmendmentRepo) ListByNote(ctx context.Context, noteID uuid.UUID) ([]*Amendment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*Amendment
	for _, a := range r.amendments {
		if a.NoteID == noteID {
			items = append(items, cloneAmendment(a))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// passthroughTx runs the function directly; the in-memory repositories have
// no transactional state to join.
var passthroughTx = TxRunnerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})

type testEnv struct {
	svc        *Service
	notes      *memNoteRepo
	versions   *memVersionRepo
	signatures *memSignatureRepo
	amendments *memAmendmentRepo
}

func newTestEnv() *testEnv {
	notes := newMemNoteRepo()
	versions := newMemVersionRepo()
	signatures := newMemSignatureRepo()
	amendments := newMemAmendmentRepo()
	return &testEnv{
		svc:        NewService(notes, versions, signatures, amendments, passthroughTx),
		notes:      notes,
		versions:   versions,
		signatures: signatures,
		amendments: amendments,
	}
}

func testContent() map[string]interface{} {
	return map[string]interface{}{
		"subjective": "Client reports improved sleep.",
		"objective":  "Calm affect, engaged in session.",
		"assessment": "Progress toward treatment goals.",
		"plan":       "Continue weekly sessions.",
	}
}

func testSig() SignatureContext {
	return SignatureContext{AuthMethod: "password", IPAddress: "203.0.113.7", UserAgent: "test-client"}
}

// mustCreateDraft creates a draft note for authorID. When cosignerID is
// non-nil the note is set up for the cosign flow.
func (env *testEnv) mustCreateDraft(t testingT, authorID uuid.UUID, cosignerID *uuid.UUID) *ClinicalNote {
	t.Helper()
	n := &ClinicalNote{
		ClientID:   uuid.New(),
		AuthorID:   authorID,
		NoteType:   "progress_note",
		CosignerID: cosignerID,
	}
	if cosignerID != nil {
		n.RequiresCosign = true
	}
	if err := env.svc.CreateDraft(context.Background(), n, testContent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return n
}

// testingT is the subset of *testing.T the helpers need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}
