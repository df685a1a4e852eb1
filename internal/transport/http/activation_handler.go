// Package http contains the chi HTTP handlers for the activation API.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keygate/internal/abuse"
	apierrors "keygate/internal/errors"
	"keygate/internal/license"
	"keygate/internal/middleware"
	"keygate/internal/services"
	"keygate/internal/token"
)

// ActivationHandler handles the public activation endpoints
type ActivationHandler struct {
	service  services.ActivationService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewActivationHandler creates the activation handler
func NewActivationHandler(service services.ActivationService, logger *slog.Logger) *ActivationHandler {
	return &ActivationHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "activation")),
	}
}

// ActivateRequest is the activation request payload
type ActivateRequest struct {
	Code              string `json:"code" validate:"required,min=8"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required,min=8,max=128"`
	DeviceName        string `json:"device_name" validate:"max=128"`
}

// DeactivateRequest is the deactivation request payload
type DeactivateRequest struct {
	Code              string `json:"code" validate:"required,min=8"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required,min=8,max=128"`
}

// IssueTokenRequest asks for an offline validation token
type IssueTokenRequest struct {
	Code              string `json:"code" validate:"required,min=8"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required,min=8,max=128"`
	TTLHours          int    `json:"ttl_hours" validate:"min=0,max=720"`
}

// ValidateTokenRequest carries a token to verify
type ValidateTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// ActivateResponse is the activation response payload
type ActivateResponse struct {
	Success              bool           `json:"success"`
	Status               license.Status `json:"status"`
	RemainingActivations int            `json:"remaining_activations"`
	AlreadyBound         bool           `json:"already_bound,omitempty"`
	Timestamp            time.Time      `json:"timestamp"`
}

// Routes returns a chi router for the public activation endpoints
func (h *ActivationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/issue-offline-token", h.IssueOfflineToken)
	r.Post("/validate-offline", h.ValidateOffline)
	return r
}

// Activate handles POST /api/license/activate
func (h *ActivationHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("activation-handler")
	ctx, span := tracer.Start(ctx, "activation_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/activate"),
		),
	)
	defer span.End()

	var req ActivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.renderError(w, r, validationError(err))
		return
	}

	result, err := h.service.Activate(ctx, services.ActivateRequest{
		Code:              req.Code,
		DeviceFingerprint: req.DeviceFingerprint,
		DeviceName:        req.DeviceName,
		IP:                clientIP(r),
	})
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r, mapServiceError(err))
		return
	}

	span.SetAttributes(
		attribute.Int("activation.remaining", result.RemainingActivations),
		attribute.Bool("activation.already_bound", result.AlreadyBound),
	)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ActivateResponse{
		Success:              true,
		Status:               result.Status,
		RemainingActivations: result.RemainingActivations,
		AlreadyBound:         result.AlreadyBound,
		Timestamp:            time.Now(),
	})
}

// Deactivate handles POST /api/license/deactivate
func (h *ActivationHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("activation-handler")
	ctx, span := tracer.Start(ctx, "activation_handler.deactivate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/deactivate"),
		),
	)
	defer span.End()

	var req DeactivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.renderError(w, r, validationError(err))
		return
	}

	result, err := h.service.Deactivate(ctx, services.DeactivateRequest{
		Code:              req.Code,
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                clientIP(r),
	})
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r, mapServiceError(err))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ActivateResponse{
		Success:              true,
		Status:               result.Status,
		RemainingActivations: result.RemainingActivations,
		Timestamp:            time.Now(),
	})
}

// IssueOfflineToken handles POST /api/license/issue-offline-token
func (h *ActivationHandler) IssueOfflineToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("activation-handler")
	ctx, span := tracer.Start(ctx, "activation_handler.issue_offline_token",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/issue-offline-token"),
		),
	)
	defer span.End()

	var req IssueTokenRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.renderError(w, r, validationError(err))
		return
	}

	result, err := h.service.IssueOfflineToken(ctx, services.IssueTokenRequest{
		Code:              req.Code,
		DeviceFingerprint: req.DeviceFingerprint,
		TTL:               time.Duration(req.TTLHours) * time.Hour,
		IP:                clientIP(r),
	})
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r, mapServiceError(err))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// ValidateOffline handles POST /api/license/validate-offline. This is the
// online counterpart of client-side token verification and additionally
// consults the revocation list.
func (h *ActivationHandler) ValidateOffline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("activation-handler")
	ctx, span := tracer.Start(ctx, "activation_handler.validate_offline",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/validate-offline"),
		),
	)
	defer span.End()

	var req ValidateTokenRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.renderError(w, r, validationError(err))
		return
	}

	validation, err := h.service.ValidateOffline(ctx, req.Token)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r, mapServiceError(err))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, validation)
}

// renderError writes an APIError response and logs at the right level
func (h *ActivationHandler) renderError(w http.ResponseWriter, r *http.Request, apiErr *apierrors.APIError) {
	if apiErr.StatusCode >= 500 {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error_code", apiErr.ErrorCode),
			slog.String("error", apiErr.Message),
		)
	} else {
		h.logger.InfoContext(r.Context(), "request rejected",
			slog.String("path", r.URL.Path),
			slog.String("error_code", apiErr.ErrorCode),
		)
	}
	render.Render(w, r, apierrors.NewErrorResponse(apiErr))
}

// clientIP returns the remote address without the port
func clientIP(r *http.Request) string {
	return middleware.GetClientIP(r)
}

// validationError converts validator failures into a field-level response
func validationError(err error) *apierrors.APIError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apierrors.InvalidRequestWithError(err)
	}
	fields := make([]apierrors.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apierrors.ValidationError{
			Field:   fe.Field(),
			Message: "failed validation rule: " + fe.Tag(),
		})
	}
	return apierrors.NewValidationErrors(fields)
}

// mapServiceError translates business sentinels into API errors. Business
// errors keep their distinct kind; only genuinely unknown failures become
// an internal server error.
func mapServiceError(err error) *apierrors.APIError {
	switch {
	case errors.Is(err, license.ErrInvalidCode):
		return apierrors.ErrInvalidCode
	case errors.Is(err, license.ErrExpiredCode):
		return apierrors.ErrExpiredCode
	case errors.Is(err, license.ErrRevokedCode):
		return apierrors.ErrRevokedCode
	case errors.Is(err, license.ErrLimitExceeded):
		return apierrors.ErrLimitExceeded
	case errors.Is(err, license.ErrDeviceNotBound):
		return apierrors.ErrDeviceNotBound
	case errors.Is(err, license.ErrGenerationExhausted):
		return apierrors.ErrGenerationExhausted
	case errors.Is(err, abuse.ErrBlacklisted):
		return apierrors.ErrBlacklisted
	case errors.Is(err, abuse.ErrRiskBlocked):
		return apierrors.ErrRiskBlocked
	case errors.Is(err, abuse.ErrStepUpRequired):
		return apierrors.ErrStepUpRequired
	case errors.Is(err, abuse.ErrRiskCheckUnavailable):
		return apierrors.ErrServiceUnavailable
	case errors.Is(err, token.ErrSignatureInvalid):
		return apierrors.ErrSignatureInvalid
	case errors.Is(err, token.ErrTokenExpired):
		return apierrors.ErrTokenExpired
	case errors.Is(err, token.ErrTokenRevoked):
		return apierrors.ErrTokenRevoked
	default:
		return apierrors.ErrInternalServer
	}
}
