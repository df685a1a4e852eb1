package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keygate/internal/abuse"
	"keygate/internal/audit"
	"keygate/internal/license"
	"keygate/internal/token"
)

// ActivationService is the business-logic boundary consumed by the HTTP
// layer. It owns the request control flow: risk gate first, then the
// state machine, then audit, then optional token issuance.
type ActivationService interface {
	Activate(ctx context.Context, req ActivateRequest) (*license.ActivationResult, error)
	Deactivate(ctx context.Context, req DeactivateRequest) (*license.ActivationResult, error)
	IssueOfflineToken(ctx context.Context, req IssueTokenRequest) (*IssueTokenResult, error)
	ValidateOffline(ctx context.Context, tokenString string) (*token.Validation, error)

	GenerateBatch(ctx context.Context, spec license.BatchSpec) (*license.CodeBatch, []*license.ActivationCode, error)
	RevokeCode(ctx context.Context, code, actor, reason string) error
	SweepStaleBindings(ctx context.Context, maxAge time.Duration) int
}

// ActivateRequest carries one activation attempt
type ActivateRequest struct {
	Code              string
	DeviceFingerprint string
	DeviceName        string
	IP                string
	User              string
}

// DeactivateRequest carries one deactivation attempt
type DeactivateRequest struct {
	Code              string
	DeviceFingerprint string
	IP                string
	User              string
}

// IssueTokenRequest asks for an offline validation token
type IssueTokenRequest struct {
	Code              string
	DeviceFingerprint string
	TTL               time.Duration
	IP                string
}

// IssueTokenResult carries the signed token and its metadata
type IssueTokenResult struct {
	Token      string            `json:"token"`
	Validation *token.Validation `json:"validation"`
}

// activationService wires the risk gate, state machine, abuse engine,
// token service and audit log together
type activationService struct {
	gate      *abuse.Gate
	engine    *abuse.Engine
	machine   *license.StateMachine
	registry  *license.BindingRegistry
	generator *license.Generator
	tokens    *token.Service
	auditLog  *audit.Log
	logger    *slog.Logger
	metrics   *Metrics
}

// NewActivationService creates the activation service
func NewActivationService(
	gate *abuse.Gate,
	engine *abuse.Engine,
	machine *license.StateMachine,
	registry *license.BindingRegistry,
	generator *license.Generator,
	tokens *token.Service,
	auditLog *audit.Log,
	logger *slog.Logger,
	metrics *Metrics,
) ActivationService {
	if logger == nil {
		logger = slog.Default()
	}
	// A zero Metrics value leaves every instrument nil, which count and
	// the direct Record calls treat as disabled.
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &activationService{
		gate:      gate,
		engine:    engine,
		machine:   machine,
		registry:  registry,
		generator: generator,
		tokens:    tokens,
		auditLog:  auditLog,
		logger:    logger.With(slog.String("service", "activation")),
		metrics:   metrics,
	}
}

// Activate runs the full activation flow. The risk gate (and with it the
// blacklist) is consulted before the state machine touches anything, so a
// blacklisted source produces zero mutation.
func (s *activationService) Activate(ctx context.Context, req ActivateRequest) (*license.ActivationResult, error) {
	start := time.Now()
	s.count(ctx, s.metrics.ActivationAttempts)

	rc := abuse.RequestContext{
		IP:       req.IP,
		Code:     license.NormalizeCode(req.Code),
		DeviceFP: req.DeviceFingerprint,
		User:     req.User,
	}
	if err := s.checkGate(ctx, rc); err != nil {
		s.count(ctx, s.metrics.ActivationFailures, attribute.String("reason", "risk_gate"))
		return nil, err
	}

	result, err := s.machine.Activate(ctx, req.Code, req.DeviceFingerprint, req.DeviceName)
	if err != nil {
		// Failed attempts feed the burst signal so brute-force guessing
		// drives the subject's score up.
		s.engine.RecordFailure(rc)
		s.count(ctx, s.metrics.ActivationFailures, attribute.String("reason", errorReason(err)))
		return nil, err
	}

	s.count(ctx, s.metrics.ActivationSuccess)
	if s.metrics.ActivationDuration != nil {
		s.metrics.ActivationDuration.Record(ctx, time.Since(start).Seconds())
	}
	return result, nil
}

// Deactivate releases the device's activation slot
func (s *activationService) Deactivate(ctx context.Context, req DeactivateRequest) (*license.ActivationResult, error) {
	rc := abuse.RequestContext{
		IP:       req.IP,
		Code:     license.NormalizeCode(req.Code),
		DeviceFP: req.DeviceFingerprint,
		User:     req.User,
	}
	if err := s.checkGate(ctx, rc); err != nil {
		return nil, err
	}

	result, err := s.machine.Deactivate(ctx, req.Code, req.DeviceFingerprint)
	if err != nil {
		s.engine.RecordFailure(rc)
		return nil, err
	}

	s.count(ctx, s.metrics.DeactivationTotal)
	return result, nil
}

// IssueOfflineToken signs a validation token for a code that is currently
// activated on the requesting device
func (s *activationService) IssueOfflineToken(ctx context.Context, req IssueTokenRequest) (*IssueTokenResult, error) {
	code, err := s.machine.ActivatedFor(ctx, req.Code, req.DeviceFingerprint)
	if err != nil {
		s.count(ctx, s.metrics.TokenFailures, attribute.String("reason", errorReason(err)))
		return nil, err
	}

	signed, validation, err := s.tokens.Issue(ctx, code.Code, req.DeviceFingerprint, license.Features(code.LicenseType), req.TTL)
	if err != nil {
		return nil, err
	}

	s.count(ctx, s.metrics.TokensIssued)
	s.auditLog.Append(ctx, audit.Entry{
		Actor:   "token_service",
		Action:  audit.ActionIssueToken,
		Target:  code.Code,
		Success: true,
		Metadata: map[string]any{
			"token_id":           validation.TokenID,
			"device_fingerprint": req.DeviceFingerprint,
			"expires_at":         validation.ExpiresAt,
		},
	})

	return &IssueTokenResult{Token: signed, Validation: validation}, nil
}

// ValidateOffline verifies a token. The server-side path is network
// connected, so the revocation list is consulted.
func (s *activationService) ValidateOffline(ctx context.Context, tokenString string) (*token.Validation, error) {
	validation, err := s.tokens.Verify(ctx, tokenString, true)
	if err != nil {
		s.count(ctx, s.metrics.TokenFailures, attribute.String("reason", errorReason(err)))
		return nil, err
	}
	s.count(ctx, s.metrics.TokensVerified)
	return validation, nil
}

// GenerateBatch produces a new batch of activation codes
func (s *activationService) GenerateBatch(ctx context.Context, spec license.BatchSpec) (*license.CodeBatch, []*license.ActivationCode, error) {
	batch, codes, err := s.generator.Generate(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	if s.metrics.CodesGenerated != nil {
		s.metrics.CodesGenerated.Add(ctx, int64(len(codes)))
	}
	return batch, codes, nil
}

// RevokeCode administratively revokes a code
func (s *activationService) RevokeCode(ctx context.Context, code, actor, reason string) error {
	if err := s.machine.Revoke(ctx, code, actor, reason); err != nil {
		return err
	}
	s.count(ctx, s.metrics.RevocationsTotal)
	return nil
}

// SweepStaleBindings reclaims bindings unseen for longer than maxAge
func (s *activationService) SweepStaleBindings(ctx context.Context, maxAge time.Duration) int {
	swept := s.registry.SweepStale(ctx, maxAge)
	s.auditLog.Append(ctx, audit.Entry{
		Actor:   "maintenance",
		Action:  audit.ActionSweep,
		Target:  "bindings",
		Success: true,
		Metadata: map[string]any{
			"swept":   swept,
			"max_age": maxAge.String(),
		},
	})
	return swept
}

// checkGate runs the risk gate and records the assessment outcome
func (s *activationService) checkGate(ctx context.Context, rc abuse.RequestContext) error {
	assessment, err := s.gate.Check(ctx, rc)
	s.count(ctx, s.metrics.RiskAssessments)
	if assessment != nil && s.metrics.RiskScore != nil {
		s.metrics.RiskScore.Record(ctx, assessment.Score)
	}
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, abuse.ErrStepUpRequired):
		s.count(ctx, s.metrics.RiskStepUps)
	case errors.Is(err, abuse.ErrBlacklisted), errors.Is(err, abuse.ErrRiskBlocked):
		s.count(ctx, s.metrics.RiskBlocked)
	}

	if assessment != nil {
		s.auditLog.Append(ctx, audit.Entry{
			Actor:   "risk_gate",
			Action:  audit.ActionRiskAssess,
			Target:  rc.Code,
			Success: false,
			Metadata: map[string]any{
				"ip":      rc.IP,
				"score":   assessment.Score,
				"action":  string(assessment.Action),
				"reasons": assessment.Reasons,
			},
		})
	}
	return err
}

// count adds 1 to a counter when the instrument is wired
func (s *activationService) count(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// errorReason maps an error to a low-cardinality metric label
func errorReason(err error) string {
	switch {
	case errors.Is(err, license.ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, license.ErrExpiredCode):
		return "expired"
	case errors.Is(err, license.ErrRevokedCode):
		return "revoked"
	case errors.Is(err, license.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, license.ErrDeviceNotBound):
		return "device_not_bound"
	case errors.Is(err, token.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, token.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, token.ErrTokenRevoked):
		return "token_revoked"
	default:
		return "internal"
	}
}
