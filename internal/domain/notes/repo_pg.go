package notes

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MentalSpaceTherapy1/mentalspace-ehr-v2-sub014/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Unique constraints that back the engine's invariants. Violations are
// translated into domain error kinds instead of leaking pgconn errors.
const (
	versionUniqueConstraint  = "note_version_note_id_version_number_key"
	liveSignatureUniqueIndex = "signature_event_live_role_idx"
)

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return constraint == "" || pgErr.ConstraintName == constraint
	}
	return false
}

// =========== ClinicalNote Repository ===========

type noteRepoPG struct{ pool *pgxpool.Pool }

func NewNoteRepoPG(pool *pgxpool.Pool) NoteRepository { return &noteRepoPG{pool: pool} }

func (r *noteRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const noteCols = `id, client_id, author_id, note_type, title, status, current_version,
	requires_cosign, cosigner_id, revision_count, created_at, updated_at`

func (r *noteRepoPG) scanNote(row pgx.Row) (*ClinicalNote, error) {
	var n ClinicalNote
	err := row.Scan(&n.ID, &n.ClientID, &n.AuthorID, &n.NoteType, &n.Title, &n.Status, &n.CurrentVersion,
		&n.RequiresCosign, &n.CosignerID, &n.RevisionCount, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("clinical note: %w", ErrNotFound)
	}
	return &n, err
}

func (r *noteRepoPG) Create(ctx context.Context, n *ClinicalNote) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_note (id, client_id, author_id, note_type, title, status,
			current_version, requires_cosign, cosigner_id, revision_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		n.ID, n.ClientID, n.AuthorID, n.NoteType, n.Title, n.Status,
		n.CurrentVersion, n.RequiresCosign, n.CosignerID, n.RevisionCount)
	return err
}

func (r *noteRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ClinicalNote, error) {
	return r.scanNote(r.conn(ctx).QueryRow(ctx, `SELECT `+noteCols+` FROM clinical_note WHERE id = $1`, id))
}

func (r *noteRepoPG) UpdateHeader(ctx context.Context, n *ClinicalNote, expectedVersion int, expectedStatus string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_note SET status=$2, current_version=$3, revision_count=$4,
			requires_cosign=$5, updated_at=NOW()
		WHERE id = $1 AND current_version = $6 AND status = $7`,
		n.ID, n.Status, n.CurrentVersion, n.RevisionCount, n.RequiresCosign, expectedVersion, expectedStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("note %s at version %d/%s: %w", n.ID, expectedVersion, expectedStatus, ErrConflict)
	}
	return nil
}

func (r *noteRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM clinical_note WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("clinical note %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *noteRepoPG) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	return r.list(ctx, `client_id = $1`, clientID, limit, offset)
}

func (r *noteRepoPG) ListByAuthor(ctx context.Context, authorID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	return r.list(ctx, `author_id = $1`, authorID, limit, offset)
}

func (r *noteRepoPG) ListPendingCosign(ctx context.Context, cosignerID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	return r.list(ctx, `cosigner_id = $1 AND status = 'PENDING_COSIGN'`, cosignerID, limit, offset)
}

func (r *noteRepoPG) list(ctx context.Context, where string, arg interface{}, limit, offset int) ([]*ClinicalNote, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM clinical_note WHERE `+where, arg).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+noteCols+` FROM clinical_note WHERE `+where+` ORDER BY created_at DESC LIMIT $2 OFFSET $3`, arg, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ClinicalNote
	for rows.Next() {
		n, err := r.scanNote(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

// =========== NoteVersion Repository ===========

type versionRepoPG struct{ pool *pgxpool.Pool }

func NewVersionRepoPG(pool *pgxpool.Pool) VersionRepository { return &versionRepoPG{pool: pool} }

func (r *versionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const versionCols = `id, note_id, version_number, content, origin, review_notes, reviewed_by, created_by, created_at`

func (r *versionRepoPG) scanVersion(row pgx.Row) (*NoteVersion, error) {
	var v NoteVersion
	err := row.Scan(&v.ID, &v.NoteID, &v.VersionNumber, &v.Content, &v.Origin,
		&v.ReviewNotes, &v.ReviewedBy, &v.CreatedBy, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("note version: %w", ErrNotFound)
	}
	return &v, err
}

func (r *versionRepoPG) Create(ctx context.Context, v *NoteVersion) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO note_version (id, note_id, version_number, content, origin, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		v.ID, v.NoteID, v.VersionNumber, v.Content, v.Origin, v.CreatedBy)
	if isUniqueViolation(err, versionUniqueConstraint) {
		return fmt.Errorf("version %d of note %s already exists: %w", v.VersionNumber, v.NoteID, ErrConflict)
	}
	return err
}

func (r *versionRepoPG) GetByNumber(ctx context.Context, noteID uuid.UUID, version int) (*NoteVersion, error) {
	return r.scanVersion(r.conn(ctx).QueryRow(ctx,
		`SELECT `+versionCols+` FROM note_version WHERE note_id = $1 AND version_number = $2`, noteID, version))
}

func (r *versionRepoPG) ListByNote(ctx context.Context, noteID uuid.UUID) ([]*NoteVersion, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+versionCols+` FROM note_version WHERE note_id = $1 ORDER BY version_number ASC`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*NoteVersion
	for rows.Next() {
		v, err := r.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *versionRepoPG) ReplaceContent(ctx context.Context, noteID uuid.UUID, version int, content map[string]interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE note_version SET content = $3 WHERE note_id = $1 AND version_number = $2`,
		noteID, version, content)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %d of note %s: %w", version, noteID, ErrNotFound)
	}
	return nil
}

func (r *versionRepoPG) Annotate(ctx context.Context, noteID uuid.UUID, version int, reviewedBy uuid.UUID, notes string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE note_version SET review_notes = $3, reviewed_by = $4 WHERE note_id = $1 AND version_number = $2`,
		noteID, version, notes, reviewedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %d of note %s: %w", version, noteID, ErrNotFound)
	}
	return nil
}

// =========== SignatureEvent Repository ===========

type signatureRepoPG struct{ pool *pgxpool.Pool }

func NewSignatureRepoPG(pool *pgxpool.Pool) SignatureRepository { return &signatureRepoPG{pool: pool} }

func (r *signatureRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const signatureCols = `id, note_id, version_number, signer_id, signature_type, auth_method,
	attestation, ip_address, user_agent, signed_at,
	revoked, revoked_by, revoked_reason, revoked_at`

func (r *signatureRepoPG) scanEvent(row pgx.Row) (*SignatureEvent, error) {
	var e SignatureEvent
	err := row.Scan(&e.ID, &e.NoteID, &e.VersionNumber, &e.SignerID, &e.SignatureType, &e.AuthMethod,
		&e.Attestation, &e.IPAddress, &e.UserAgent, &e.SignedAt,
		&e.Revoked, &e.RevokedBy, &e.RevokedReason, &e.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("signature event: %w", ErrNotFound)
	}
	return &e, err
}

func (r *signatureRepoPG) Append(ctx context.Context, e *SignatureEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	// The partial unique index makes the duplicate check and the insert a
	// single atomic step: concurrent appends for the same live role cannot
	// both succeed.
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO signature_event (id, note_id, version_number, signer_id, signature_type,
			auth_method, attestation, ip_address, user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING signed_at`,
		e.ID, e.NoteID, e.VersionNumber, e.SignerID, e.SignatureType,
		e.AuthMethod, e.Attestation, e.IPAddress, e.UserAgent).Scan(&e.SignedAt)
	if isUniqueViolation(err, liveSignatureUniqueIndex) {
		return fmt.Errorf("%s signature for version %d of note %s: %w",
			e.SignatureType, e.VersionNumber, e.NoteID, ErrDuplicateSignature)
	}
	return err
}

func (r *signatureRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*SignatureEvent, error) {
	return r.scanEvent(r.conn(ctx).QueryRow(ctx,
		`SELECT `+signatureCols+` FROM signature_event WHERE id = $1`, id))
}

func (r *signatureRepoPG) Revoke(ctx context.Context, id uuid.UUID, revokedBy uuid.UUID, reason string) (*SignatureEvent, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE signature_event
		SET revoked = TRUE, revoked_by = $2, revoked_reason = $3, revoked_at = NOW()
		WHERE id = $1 AND revoked = FALSE
		RETURNING `+signatureCols,
		id, revokedBy, reason)
	e, err := r.scanEvent(row)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	// The conditional update matched nothing: distinguish a missing event
	// from one that lost the revoke race.
	existing, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing.Revoked {
		return nil, fmt.Errorf("signature event %s: %w", id, ErrAlreadyRevoked)
	}
	return nil, err
}

func (r *signatureRepoPG) ListByNote(ctx context.Context, noteID uuid.UUID) ([]*SignatureEvent, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+signatureCols+` FROM signature_event WHERE note_id = $1 ORDER BY signed_at ASC, id ASC`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*SignatureEvent
	for rows.Next() {
		e, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *signatureRepoPG) HasValid(ctx context.Context, noteID uuid.UUID, version int, signatureType string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM signature_event
			WHERE note_id = $1 AND version_number = $2 AND signature_type = $3 AND revoked = FALSE
		)`, noteID, version, signatureType).Scan(&exists)
	return exists, err
}

// =========== Amendment Repository ===========

type amendmentRepoPG struct{ pool *pgxpool.Pool }

func NewAmendmentRepoPG(pool *pgxpool.Pool) AmendmentRepository { return &amendmentRepoPG{pool: pool} }

func (r *amendmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const amendmentCols = `id, note_id, amended_by, reason, fields_changed, change_summary,
	proposed_version, status, created_at, finalized_at`

func (r *amendmentRepoPG) scanAmendment(row pgx.Row) (*Amendment, error) {
	var a Amendment
	err := row.Scan(&a.ID, &a.NoteID, &a.AmendedBy, &a.Reason, &a.FieldsChanged, &a.ChangeSummary,
		&a.ProposedVersion, &a.Status, &a.CreatedAt, &a.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("amendment: %w", ErrNotFound)
	}
	return &a, err
}

func (r *amendmentRepoPG) Create(ctx context.Context, a *Amendment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO note_amendment (id, note_id, amended_by, reason, fields_changed,
			change_summary, proposed_version, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.NoteID, a.AmendedBy, a.Reason, a.FieldsChanged,
		a.ChangeSummary, a.ProposedVersion, a.Status)
	return err
}

func (r *amendmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Amendment, error) {
	return r.scanAmendment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+amendmentCols+` FROM note_amendment WHERE id = $1`, id))
}

func (r *amendmentRepoPG) Finalize(ctx context.Context, id uuid.UUID) (*Amendment, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE note_amendment
		SET status = 'FINALIZED', finalized_at = NOW()
		WHERE id = $1 AND status = 'PENDING_SIGNATURE'
		RETURNING `+amendmentCols, id)
	a, err := r.scanAmendment(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	existing, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing.Status == AmendmentFinalized {
		return nil, fmt.Errorf("amendment %s already finalized: %w", id, ErrConflict)
	}
	return nil, err
}

func (r *amendmentRepoPG) ListByNote(ctx context.Context, noteID uuid.UUID) ([]*Amendment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+amendmentCols+` FROM note_amendment WHERE note_id = $1 ORDER BY created_at ASC, id ASC`, noteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Amendment
	for rows.Next() {
		a, err := r.scanAmendment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
