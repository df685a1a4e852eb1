package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"keygate/internal/abuse"
	"keygate/internal/audit"
	"keygate/internal/authz"
	apierrors "keygate/internal/errors"
	"keygate/internal/license"
	"keygate/internal/services"
)

// RoleHeader carries the caller's role, set by the fronting auth proxy
const RoleHeader = "X-Keygate-Role"

// AdminHandler handles the administrative surface: batch generation,
// blacklist management, audit queries, revocation and binding maintenance
type AdminHandler struct {
	service   services.ActivationService
	codes     license.CodeStore
	registry  *license.BindingRegistry
	blacklist *abuse.BlacklistStore
	auditLog  *audit.Log
	policy    authz.Policy
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewAdminHandler creates the admin handler
func NewAdminHandler(
	service services.ActivationService,
	codes license.CodeStore,
	registry *license.BindingRegistry,
	blacklist *abuse.BlacklistStore,
	auditLog *audit.Log,
	policy authz.Policy,
	logger *slog.Logger,
) *AdminHandler {
	if policy == nil {
		policy = authz.DefaultPolicy
	}
	return &AdminHandler{
		service:   service,
		codes:     codes,
		registry:  registry,
		blacklist: blacklist,
		auditLog:  auditLog,
		policy:    policy,
		validate:  validator.New(),
		logger:    logger.With(slog.String("handler", "admin")),
	}
}

// CreateBatchRequest describes a batch of codes to generate. An
// ExpiresInDays of 0 produces codes that never expire.
type CreateBatchRequest struct {
	Name           string `json:"name" validate:"required,max=128"`
	SoftwareID     string `json:"software_id" validate:"required,max=64"`
	LicenseType    string `json:"license_type" validate:"required,oneof=TRIAL STANDARD PREMIUM ENTERPRISE LIFETIME"`
	Count          int    `json:"count" validate:"required,min=1,max=10000"`
	MaxActivations int    `json:"max_activations" validate:"required,min=1,max=100"`
	ExpiresInDays  int    `json:"expires_in_days" validate:"min=0,max=36500"`
}

// CreateBatchResponse returns the batch and its generated codes
type CreateBatchResponse struct {
	Batch *license.CodeBatch        `json:"batch"`
	Codes []*license.ActivationCode `json:"codes"`
}

// BlacklistRequest adds a blacklist entry
type BlacklistRequest struct {
	SubjectType  string `json:"subject_type" validate:"required,oneof=IP CODE"`
	SubjectValue string `json:"subject_value" validate:"required,max=256"`
	Reason       string `json:"reason" validate:"required,max=512"`
	TTLHours     int    `json:"ttl_hours" validate:"min=0,max=87600"`
}

// RevokeRequest revokes an activation code
type RevokeRequest struct {
	Code   string `json:"code" validate:"required,min=8"`
	Reason string `json:"reason" validate:"required,max=512"`
}

// SweepRequest triggers a stale binding sweep
type SweepRequest struct {
	MaxAgeDays int `json:"max_age_days" validate:"required,min=1,max=3650"`
}

// Routes returns a chi router for admin endpoints
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/batches", h.require(authz.ResourceBatches, authz.ActionWrite, h.CreateBatch))
	r.Get("/batches/{batchID}", h.require(authz.ResourceBatches, authz.ActionRead, h.GetBatch))

	r.Get("/codes/{code}", h.require(authz.ResourceCodes, authz.ActionRead, h.GetCode))
	r.Post("/codes/revoke", h.require(authz.ResourceCodes, authz.ActionWrite, h.RevokeCode))

	r.Get("/blacklist", h.require(authz.ResourceBlacklist, authz.ActionRead, h.ListBlacklist))
	r.Post("/blacklist", h.require(authz.ResourceBlacklist, authz.ActionWrite, h.AddBlacklist))
	r.Delete("/blacklist", h.require(authz.ResourceBlacklist, authz.ActionWrite, h.RemoveBlacklist))

	r.Get("/audit", h.require(authz.ResourceAudit, authz.ActionRead, h.QueryAudit))

	r.Post("/bindings/sweep", h.require(authz.ResourceBindings, authz.ActionWrite, h.SweepBindings))

	return r
}

// require wraps a handler with a policy check on the caller's role
func (h *AdminHandler) require(resource authz.Resource, action authz.ActionVerb, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := authz.Role(r.Header.Get(RoleHeader))
		if !h.policy(role, resource, action) {
			h.logger.WarnContext(r.Context(), "admin access denied",
				slog.String("role", string(role)),
				slog.String("resource", string(resource)),
				slog.String("action", string(action)),
				slog.String("path", r.URL.Path),
			)
			render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrForbidden))
			return
		}
		next(w, r)
	}
}

// CreateBatch handles POST /api/admin/batches
func (h *AdminHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateBatchRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(validationError(err)))
		return
	}

	batch, codes, err := h.service.GenerateBatch(ctx, license.BatchSpec{
		Name:           req.Name,
		SoftwareID:     req.SoftwareID,
		LicenseType:    license.Type(req.LicenseType),
		Count:          req.Count,
		MaxActivations: req.MaxActivations,
		ExpiresIn:      time.Duration(req.ExpiresInDays) * 24 * time.Hour,
	})
	if err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(mapServiceError(err)))
		return
	}

	h.logger.InfoContext(ctx, "batch generated",
		slog.String("batch_id", batch.ID.String()),
		slog.Int("count", len(codes)),
		slog.String("license_type", req.LicenseType),
	)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, CreateBatchResponse{Batch: batch, Codes: codes})
}

// GetBatch handles GET /api/admin/batches/{batchID}
func (h *AdminHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrValidation("batchID", "must be a valid UUID")))
		return
	}

	batch, err := h.codes.GetBatch(ctx, batchID)
	if err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.NotFoundError("batch")))
		return
	}

	codes, err := h.codes.ListByBatch(ctx, batch.ID)
	if err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrInternalServer))
		return
	}

	render.JSON(w, r, CreateBatchResponse{Batch: batch, Codes: codes})
}

// GetCode handles GET /api/admin/codes/{code}
func (h *AdminHandler) GetCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code, err := h.codes.GetByCode(ctx, license.NormalizeCode(chi.URLParam(r, "code")))
	if err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.NotFoundError("code")))
		return
	}

	bindings := h.registry.List(code.ID)
	render.JSON(w, r, map[string]any{
		"code":     code,
		"bindings": bindings,
	})
}

// RevokeCode handles POST /api/admin/codes/revoke
func (h *AdminHandler) RevokeCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RevokeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(validationError(err)))
		return
	}

	actor := r.Header.Get(RoleHeader)
	if err := h.service.RevokeCode(ctx, req.Code, actor, req.Reason); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(mapServiceError(err)))
		return
	}

	render.JSON(w, r, map[string]any{"success": true})
}

// ListBlacklist handles GET /api/admin/blacklist
func (h *AdminHandler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.blacklist.List(r.Context())
	if err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrInternalServer))
		return
	}
	render.JSON(w, r, map[string]any{"entries": entries})
}

// AddBlacklist handles POST /api/admin/blacklist
func (h *AdminHandler) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BlacklistRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(validationError(err)))
		return
	}

	entry := abuse.BlacklistEntry{
		SubjectType:  abuse.SubjectType(req.SubjectType),
		SubjectValue: req.SubjectValue,
		Reason:       req.Reason,
	}
	if req.TTLHours > 0 {
		expires := time.Now().Add(time.Duration(req.TTLHours) * time.Hour)
		entry.ExpiresAt = &expires
	}

	if err := h.blacklist.Add(ctx, entry); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrInternalServer))
		return
	}

	h.auditLog.Append(ctx, audit.Entry{
		Actor:   r.Header.Get(RoleHeader),
		Action:  audit.ActionBlacklist,
		Target:  req.SubjectValue,
		Success: true,
		Metadata: map[string]any{
			"subject_type": req.SubjectType,
			"reason":       req.Reason,
		},
	})

	h.logger.WarnContext(ctx, "blacklist entry added",
		slog.String("subject_type", req.SubjectType),
		slog.String("subject_value", req.SubjectValue),
		slog.String("reason", req.Reason),
	)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{"success": true})
}

// RemoveBlacklist handles DELETE /api/admin/blacklist
func (h *AdminHandler) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subjectType := abuse.SubjectType(r.URL.Query().Get("subject_type"))
	subjectValue := r.URL.Query().Get("subject_value")
	if (subjectType != abuse.SubjectIP && subjectType != abuse.SubjectCode) || subjectValue == "" {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrValidation("subject_type", "subject_type must be IP or CODE and subject_value is required")))
		return
	}

	removed, err := h.blacklist.Remove(ctx, subjectType, subjectValue)
	if err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrInternalServer))
		return
	}
	if !removed {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.NotFoundError("blacklist entry")))
		return
	}

	render.JSON(w, r, map[string]any{"success": true})
}

// QueryAudit handles GET /api/admin/audit. Supports after_seq and limit
// for cursor-style pagination, or target for per-code history.
func (h *AdminHandler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrValidation("limit", "limit must be between 1 and 1000")))
			return
		}
		limit = n
	}

	if target := q.Get("target"); target != "" {
		render.JSON(w, r, map[string]any{"entries": h.auditLog.QueryByTarget(target, limit)})
		return
	}

	var afterSeq uint64
	if raw := q.Get("after_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrValidation("after_seq", "after_seq must be a non-negative integer")))
			return
		}
		afterSeq = n
	}

	render.JSON(w, r, map[string]any{"entries": h.auditLog.Query(afterSeq, limit)})
}

// SweepBindings handles POST /api/admin/bindings/sweep
func (h *AdminHandler) SweepBindings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SweepRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.InvalidRequestWithError(err)))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(validationError(err)))
		return
	}

	swept := h.service.SweepStaleBindings(ctx, time.Duration(req.MaxAgeDays)*24*time.Hour)

	h.logger.InfoContext(ctx, "stale bindings swept",
		slog.Int("swept", swept),
		slog.Int("max_age_days", req.MaxAgeDays),
	)

	render.JSON(w, r, map[string]any{"success": true, "swept": swept})
}
