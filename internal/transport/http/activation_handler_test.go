package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/abuse"
	"keygate/internal/audit"
	"keygate/internal/config"
	"keygate/internal/license"
	"keygate/internal/services"
	"keygate/internal/shared/testutil"
	"keygate/internal/token"
)

type handlerFixture struct {
	handler   *ActivationHandler
	store     license.CodeStore
	registry  *license.BindingRegistry
	blacklist *abuse.BlacklistStore
	auditLog  *audit.Log
	service   services.ActivationService
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	logger, _ := testutil.NewTestLogger(t)

	store := license.NewMemoryCodeStore()
	registry := license.NewBindingRegistry()
	auditLog := audit.NewLog(256, logger)
	t.Cleanup(auditLog.Close)

	machine := license.NewStateMachine(store, registry, auditLog, logger)
	generator := license.NewGenerator(store, config.CodesConfig{GroupCount: 5, GroupLength: 5, MaxRetries: 10}, logger)

	blacklist := abuse.NewBlacklistStore()
	engine := abuse.NewEngine(blacklist, config.AbuseConfig{
		VelocityLimit:       100,
		VelocityWindow:      time.Minute,
		ChurnLimit:          50,
		ChurnWindow:         time.Hour,
		FailedAttemptLimit:  50,
		FailedAttemptWindow: time.Hour,
		GeoJumpWindow:       time.Hour,
		GeoJumpDistanceKM:   500,
	}, logger)
	gate := abuse.NewGate(engine, config.RiskConfig{StepUpThreshold: 50, BlockThreshold: 80, FailOpen: true}, logger)

	tokens, err := token.NewService(config.TokenConfig{
		Issuer:     "keygate-test",
		DefaultTTL: 72 * time.Hour,
		MaxTTL:     720 * time.Hour,
	}, logger)
	require.NoError(t, err)

	service := services.NewActivationService(gate, engine, machine, registry, generator, tokens, auditLog, logger, nil)

	return &handlerFixture{
		handler:   NewActivationHandler(service, logger),
		store:     store,
		registry:  registry,
		blacklist: blacklist,
		auditLog:  auditLog,
		service:   service,
	}
}

func (f *handlerFixture) seedCode(t *testing.T, value string, maxActivations int) *license.ActivationCode {
	t.Helper()
	return testutil.SeedCode(t, f.store, value, maxActivations)
}

func (f *handlerFixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Success bool `json:"success"`
		Error   struct {
			ErrorCode string `json:"error_code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.False(t, envelope.Success)
	return envelope.Error.ErrorCode
}

func TestActivate_Success(t *testing.T) {
	f := newHandlerFixture(t)
	code := f.seedCode(t, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 2)

	rec := f.post(t, "/activate", ActivateRequest{
		Code:              code.Code,
		DeviceFingerprint: "device-fp-0001",
		DeviceName:        "office laptop",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ActivateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, license.StatusActivated, resp.Status)
	assert.Equal(t, 1, resp.RemainingActivations)
	assert.False(t, resp.AlreadyBound)
}

func TestActivate_IdempotentRepeat(t *testing.T) {
	f := newHandlerFixture(t)
	code := f.seedCode(t, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	first := f.post(t, "/activate", ActivateRequest{
		Code: code.Code, DeviceFingerprint: "device-fp-0001",
	})
	require.Equal(t, http.StatusOK, first.Code)

	second := f.post(t, "/activate", ActivateRequest{
		Code: code.Code, DeviceFingerprint: "device-fp-0001",
	})
	require.Equal(t, http.StatusOK, second.Code)

	var resp ActivateResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.True(t, resp.AlreadyBound)
	assert.Equal(t, 0, resp.RemainingActivations)
}

func TestActivate_MalformedBody(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/activate", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))
}

func TestActivate_ValidationFailure(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.post(t, "/activate", ActivateRequest{
		Code:              "short",
		DeviceFingerprint: "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, rec))
}

func TestActivate_UnknownCode(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.post(t, "/activate", ActivateRequest{
		Code:              "ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ",
		DeviceFingerprint: "device-fp-0001",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CODE", errorCode(t, rec))
}

func TestActivate_ExpiredCode(t *testing.T) {
	f := newHandlerFixture(t)
	code := testutil.SeedExpiredCode(t, f.store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE")

	rec := f.post(t, "/activate", ActivateRequest{
		Code:              code.Code,
		DeviceFingerprint: "device-fp-0001",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "EXPIRED_CODE", errorCode(t, rec))
}

func TestActivate_LimitExceeded(t *testing.T) {
	f := newHandlerFixture(t)
	code := f.seedCode(t, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	rec := f.post(t, "/activate", ActivateRequest{
		Code: code.Code, DeviceFingerprint: "device-fp-0001",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(t, "/activate", ActivateRequest{
		Code: code.Code, DeviceFingerprint: "device-fp-0002",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "LIMIT_EXCEEDED", errorCode(t, rec))
}

func TestActivate_BlacklistedIP(t *testing.T) {
	f := newHandlerFixture(t)
	code := f.seedCode(t, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	// httptest requests arrive from 192.0.2.1.
	require.NoError(t, f.blacklist.Add(context.Background(), abuse.BlacklistEntry{
		SubjectType:  abuse.SubjectIP,
		SubjectValue: "192.0.2.1",
		Reason:       "abuse",
	}))

	rec := f.post(t, "/activate", ActivateRequest{
		Code: code.Code, DeviceFingerprint: "device-fp-0001",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "BLACKLISTED", errorCode(t, rec))
}

func TestDeactivate_DeviceNotBound(t *testing.T) {
	f := newHandlerFixture(t)
	code := f.seedCode(t, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	rec := f.post(t, "/deactivate", DeactivateRequest{
		Code: code.Code, DeviceFingerprint: "device-fp-0001",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DEVICE_NOT_BOUND", errorCode(t, rec))
}

func TestIssueAndValidateOfflineToken(t *testing.T) {
	f := newHandlerFixture(t)
	code := f.seedCode(t, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	rec := f.post(t, "/activate", ActivateRequest{
		Code: code.Code, DeviceFingerprint: "device-fp-0001",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.post(t, "/issue-offline-token", IssueTokenRequest{
		Code:              code.Code,
		DeviceFingerprint: "device-fp-0001",
		TTLHours:          24,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var issued struct {
		Token      string            `json:"token"`
		Validation *token.Validation `json:"validation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	require.NotEmpty(t, issued.Token)
	require.NotNil(t, issued.Validation)

	rec = f.post(t, "/validate-offline", ValidateTokenRequest{Token: issued.Token})
	require.Equal(t, http.StatusOK, rec.Code)

	var validation token.Validation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &validation))
	assert.True(t, validation.Valid)
	assert.Equal(t, code.Code, validation.Code)
	assert.Equal(t, "device-fp-0001", validation.DeviceFingerprint)
}

func TestIssueToken_WithoutActivation(t *testing.T) {
	f := newHandlerFixture(t)
	code := f.seedCode(t, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	rec := f.post(t, "/issue-offline-token", IssueTokenRequest{
		Code:              code.Code,
		DeviceFingerprint: "device-fp-0001",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DEVICE_NOT_BOUND", errorCode(t, rec))
}

func TestValidateOffline_Garbage(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.post(t, "/validate-offline", ValidateTokenRequest{Token: "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "SIGNATURE_INVALID", errorCode(t, rec))
}
