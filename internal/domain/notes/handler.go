package notes

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/MentalSpaceTherapy1/mentalspace-ehr-v2-sub014/internal/platform/auth"
	"github.com/MentalSpaceTherapy1/mentalspace-ehr-v2-sub014/pkg/pagination"
)

// OperationRecorder counts completed note lifecycle operations, keyed by
// note type and verb. Satisfied by telemetry.TelemetryProvider.
type OperationRecorder interface {
	NoteOperationCounter(noteType, operation string)
}

type Handler struct {
	svc     *Service
	metrics OperationRecorder
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// WithMetrics attaches an operation recorder. Handlers work without one.
func (h *Handler) WithMetrics(rec OperationRecorder) *Handler {
	h.metrics = rec
	return h
}

func (h *Handler) countOp(noteType, operation string) {
	if h.metrics != nil {
		h.metrics.NoteOperationCounter(noteType, operation)
	}
}

// countOpByNote is countOp for handlers that only hold a note id. The extra
// read happens only when a recorder is attached.
func (h *Handler) countOpByNote(c echo.Context, noteID uuid.UUID, operation string) {
	if h.metrics == nil {
		return
	}
	n, err := h.svc.GetNote(c.Request().Context(), noteID)
	if err != nil {
		return
	}
	h.metrics.NoteOperationCounter(n.NoteType, operation)
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, therapist, supervisor
	readGroup := api.Group("", auth.RequireRole("admin", "therapist", "supervisor"))
	readGroup.GET("/clinical-notes", h.ListNotes)
	readGroup.GET("/clinical-notes/pending-cosign", h.ListPendingCosign)
	readGroup.GET("/clinical-notes/:id", h.GetNote)
	readGroup.GET("/clinical-notes/:id/versions", h.ListVersions)
	readGroup.GET("/clinical-notes/:id/versions/compare", h.CompareVersions)
	readGroup.GET("/clinical-notes/:id/versions/:version", h.GetVersion)
	readGroup.GET("/clinical-notes/:id/signatures", h.ListSignatures)
	readGroup.GET("/clinical-notes/:id/amendments", h.ListAmendments)

	// Write endpoints – admin, therapist, supervisor
	writeGroup := api.Group("", auth.RequireRole("admin", "therapist", "supervisor"))
	writeGroup.POST("/clinical-notes", h.CreateDraft)
	writeGroup.PUT("/clinical-notes/:id", h.UpdateDraft)
	writeGroup.DELETE("/clinical-notes/:id", h.DeleteDraft)
	writeGroup.POST("/clinical-notes/:id/sign", h.Sign)
	writeGroup.POST("/clinical-notes/:id/cosign", h.Cosign)
	writeGroup.POST("/clinical-notes/:id/return", h.ReturnForRevision)
	writeGroup.POST("/clinical-notes/:id/resubmit", h.Resubmit)
	writeGroup.POST("/clinical-notes/:id/amendments", h.ProposeAmendment)
	writeGroup.POST("/amendments/:id/finalize", h.FinalizeAmendment)

	// Revocation is a compliance action
	revokeGroup := api.Group("", auth.RequireRole("admin", "supervisor"))
	revokeGroup.POST("/signatures/:id/revoke", h.RevokeSignature)
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSelfCosign):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateSignature), errors.Is(err, ErrAlreadyRevoked):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// actorID resolves the authenticated user performing the request.
func actorID(c echo.Context) (uuid.UUID, error) {
	uid, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "authenticated user id is not a valid uuid")
	}
	return uid, nil
}

func signatureContext(c echo.Context, authMethod string, attestation *string) SignatureContext {
	return SignatureContext{
		AuthMethod:  authMethod,
		Attestation: attestation,
		IPAddress:   c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
	}
}

// -- Draft Handlers --

type createNoteRequest struct {
	ClientID       uuid.UUID              `json:"client_id"`
	NoteType       string                 `json:"note_type"`
	Title          *string                `json:"title,omitempty"`
	RequiresCosign bool                   `json:"requires_cosign"`
	CosignerID     *uuid.UUID             `json:"cosigner_id,omitempty"`
	Content        map[string]interface{} `json:"content"`
}

func (h *Handler) CreateDraft(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var req createNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n := &ClinicalNote{
		ClientID:       req.ClientID,
		AuthorID:       actor,
		NoteType:       req.NoteType,
		Title:          req.Title,
		RequiresCosign: req.RequiresCosign,
		CosignerID:     req.CosignerID,
	}
	if err := h.svc.CreateDraft(c.Request().Context(), n, req.Content); err != nil {
		return httpError(err)
	}
	h.countOp(n.NoteType, "create")
	return c.JSON(http.StatusCreated, n)
}

func (h *Handler) GetNote(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.svc.GetNote(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) ListNotes(c echo.Context) error {
	pg := pagination.FromContext(c)
	if clientID := c.QueryParam("client_id"); clientID != "" {
		cid, err := uuid.Parse(clientID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid client_id")
		}
		items, total, err := h.svc.ListByClient(c.Request().Context(), cid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	if authorID := c.QueryParam("author_id"); authorID != "" {
		aid, err := uuid.Parse(authorID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid author_id")
		}
		items, total, err := h.svc.ListByAuthor(c.Request().Context(), aid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	return echo.NewHTTPError(http.StatusBadRequest, "client_id or author_id is required")
}

func (h *Handler) ListPendingCosign(c echo.Context) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPendingCosign(c.Request().Context(), actor, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type updateDraftRequest struct {
	Content map[string]interface{} `json:"content"`
}

func (h *Handler) UpdateDraft(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var req updateDraftRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.requireAuthor(c, id, actor); err != nil {
		return err
	}
	n, err := h.svc.UpdateDraft(c.Request().Context(), id, req.Content)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) DeleteDraft(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	if err := h.requireAuthor(c, id, actor); err != nil {
		return err
	}
	if err := h.svc.DeleteDraft(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Signing Handlers --

type signRequest struct {
	RequiresCosign bool    `json:"requires_cosign"`
	AuthMethod     string  `json:"auth_method"`
	Attestation    *string `json:"attestation,omitempty"`
}

func (h *Handler) Sign(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var req signRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.requireAuthor(c, id, actor); err != nil {
		return err
	}
	n, err := h.svc.Sign(c.Request().Context(), id, actor, req.RequiresCosign, signatureContext(c, req.AuthMethod, req.Attestation))
	if err != nil {
		return httpError(err)
	}
	h.countOp(n.NoteType, "sign")
	return c.JSON(http.StatusOK, n)
}

type cosignRequest struct {
	AuthMethod  string  `json:"auth_method"`
	Attestation *string `json:"attestation,omitempty"`
}

func (h *Handler) Cosign(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var req cosignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.requireAssignedCosigner(c, id, actor); err != nil {
		return err
	}
	n, err := h.svc.Cosign(c.Request().Context(), id, actor, signatureContext(c, req.AuthMethod, req.Attestation))
	if err != nil {
		return httpError(err)
	}
	h.countOp(n.NoteType, "cosign")
	return c.JSON(http.StatusOK, n)
}

type returnRequest struct {
	ReviewNotes string `json:"review_notes"`
}

func (h *Handler) ReturnForRevision(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var req returnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.requireAssignedCosigner(c, id, actor); err != nil {
		return err
	}
	n, err := h.svc.ReturnForRevision(c.Request().Context(), id, actor, req.ReviewNotes)
	if err != nil {
		return httpError(err)
	}
	h.countOp(n.NoteType, "return")
	return c.JSON(http.StatusOK, n)
}

type resubmitRequest struct {
	Content map[string]interface{} `json:"content"`
}

func (h *Handler) Resubmit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var req resubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.requireAuthor(c, id, actor); err != nil {
		return err
	}
	n, err := h.svc.Resubmit(c.Request().Context(), id, actor, req.Content)
	if err != nil {
		return httpError(err)
	}
	h.countOp(n.NoteType, "resubmit")
	return c.JSON(http.StatusOK, n)
}

// -- Signature Ledger Handlers --

func (h *Handler) ListSignatures(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	events, err := h.svc.ListSignatures(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, events)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RevokeSignature(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var req revokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := h.svc.RevokeSignature(c.Request().Context(), id, actor, req.Reason)
	if err != nil {
		return httpError(err)
	}
	h.countOpByNote(c, ev.NoteID, "revoke")
	return c.JSON(http.StatusOK, ev)
}

// -- Amendment Handlers --

type proposeAmendmentRequest struct {
	Reason        string                 `json:"reason"`
	FieldsChanged []string               `json:"fields_changed"`
	ChangeSummary *string                `json:"change_summary,omitempty"`
	Content       map[string]interface{} `json:"content"`
}

func (h *Handler) ProposeAmendment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var req proposeAmendmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a := &Amendment{
		NoteID:        id,
		AmendedBy:     actor,
		Reason:        req.Reason,
		FieldsChanged: req.FieldsChanged,
		ChangeSummary: req.ChangeSummary,
	}
	if err := h.svc.ProposeAmendment(c.Request().Context(), a, req.Content); err != nil {
		return httpError(err)
	}
	h.countOpByNote(c, a.NoteID, "amend")
	return c.JSON(http.StatusCreated, a)
}

type finalizeAmendmentRequest struct {
	AuthMethod  string  `json:"auth_method"`
	Attestation *string `json:"attestation,omitempty"`
}

func (h *Handler) FinalizeAmendment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := actorID(c)
	if err != nil {
		return err
	}
	var req finalizeAmendmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.FinalizeAmendment(c.Request().Context(), id, actor, signatureContext(c, req.AuthMethod, req.Attestation))
	if err != nil {
		return httpError(err)
	}
	h.countOpByNote(c, a.NoteID, "finalize")
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAmendments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListAmendments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Version Handlers --

func (h *Handler) ListVersions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.ListVersions(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetVersion(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version number")
	}
	v, err := h.svc.GetVersion(c.Request().Context(), id, version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CompareVersions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	from, err := strconv.Atoi(c.QueryParam("from"))
	if err != nil || from < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from version")
	}
	to, err := strconv.Atoi(c.QueryParam("to"))
	if err != nil || to < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to version")
	}
	d, err := h.svc.CompareVersions(c.Request().Context(), id, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Policy checks --

// requireAuthor rejects author-only actions from anyone but the note's
// author. Admins are exempt.
func (h *Handler) requireAuthor(c echo.Context, noteID, actor uuid.UUID) error {
	if isAdmin(c) {
		return nil
	}
	n, err := h.svc.GetNote(c.Request().Context(), noteID)
	if err != nil {
		return httpError(err)
	}
	if n.AuthorID != actor {
		return echo.NewHTTPError(http.StatusForbidden, "only the note author may perform this action")
	}
	return nil
}

// requireAssignedCosigner rejects cosigner actions from anyone but the
// assigned cosigner when one is set. Admins are exempt.
func (h *Handler) requireAssignedCosigner(c echo.Context, noteID, actor uuid.UUID) error {
	if isAdmin(c) {
		return nil
	}
	n, err := h.svc.GetNote(c.Request().Context(), noteID)
	if err != nil {
		return httpError(err)
	}
	if n.CosignerID != nil && *n.CosignerID != actor {
		return echo.NewHTTPError(http.StatusForbidden, "only the assigned cosigner may perform this action")
	}
	return nil
}

func isAdmin(c echo.Context) bool {
	for _, r := range auth.RolesFromContext(c.Request().Context()) {
		if r == "admin" {
			return true
		}
	}
	return false
}
