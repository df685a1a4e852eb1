package license

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"keygate/internal/audit"
)

// ActivationResult reports the outcome of a successful activate or
// deactivate call
type ActivationResult struct {
	CodeID               uuid.UUID `json:"code_id"`
	Status               Status    `json:"status"`
	RemainingActivations int       `json:"remaining_activations"`
	AlreadyBound         bool      `json:"already_bound"`
}

// StateMachine owns the activation code lifecycle and the activation-count
// invariant: at no point may the number of active bindings for a code
// exceed its MaxActivations. All mutating operations on one code are
// serialized through a per-code mutex; operations on different codes
// proceed in parallel.
type StateMachine struct {
	store    CodeStore
	registry *BindingRegistry
	auditLog *audit.Log
	logger   *slog.Logger
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewStateMachine creates a state machine over the given collaborators
func NewStateMachine(store CodeStore, registry *BindingRegistry, auditLog *audit.Log, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		store:    store,
		registry: registry,
		auditLog: auditLog,
		logger:   logger.With(slog.String("component", "state_machine")),
		now:      time.Now,
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetClock overrides the clock, used in expiry tests
func (m *StateMachine) SetClock(now func() time.Time) {
	m.now = now
}

// codeLock returns the mutex serializing mutations for one code
func (m *StateMachine) codeLock(id uuid.UUID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// Activate binds a device to a code. The call is idempotent for an
// already-bound device: it refreshes last_seen_at and succeeds without
// consuming a slot. Otherwise the limit check and the bind happen under
// the per-code lock, so two racing calls can never both pass
// bound_count < max_activations. A failed call leaves no partial state.
func (m *StateMachine) Activate(ctx context.Context, codeValue, fingerprint, deviceName string) (*ActivationResult, error) {
	code, err := m.lookup(ctx, codeValue)
	if err != nil {
		return nil, err
	}

	lock := m.codeLock(code.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: another caller may have transitioned the
	// code while we waited.
	code, err = m.store.GetByID(ctx, code.ID)
	if err != nil {
		return nil, err
	}
	if err := m.checkUsable(ctx, code); err != nil {
		m.recordAudit(ctx, audit.ActionActivate, code.Code, false, map[string]any{
			"device_fingerprint": fingerprint,
			"error":              err.Error(),
		})
		return nil, err
	}

	// Idempotent repeat activation for a bound device.
	if m.registry.IsBound(code.ID, fingerprint) {
		m.registry.Touch(code.ID, fingerprint)
		result := &ActivationResult{
			CodeID:               code.ID,
			Status:               code.Status,
			RemainingActivations: code.MaxActivations - m.registry.BoundCount(code.ID),
			AlreadyBound:         true,
		}
		m.recordAudit(ctx, audit.ActionActivate, code.Code, true, map[string]any{
			"device_fingerprint": fingerprint,
			"idempotent":         true,
		})
		return result, nil
	}

	if m.registry.BoundCount(code.ID) >= code.MaxActivations {
		m.recordAudit(ctx, audit.ActionActivate, code.Code, false, map[string]any{
			"device_fingerprint": fingerprint,
			"error":              ErrLimitExceeded.Error(),
		})
		return nil, ErrLimitExceeded
	}

	// Last cancellation point before mutation: after this the bind and the
	// status update land together.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.registry.Bind(code.ID, fingerprint, deviceName)
	if code.Status != StatusActivated {
		code.Status = StatusActivated
		if err := m.store.Put(ctx, code); err != nil {
			// Roll the bind back so no partial state survives.
			m.registry.Unbind(code.ID, fingerprint)
			return nil, fmt.Errorf("failed to persist activation: %w", err)
		}
	}

	result := &ActivationResult{
		CodeID:               code.ID,
		Status:               StatusActivated,
		RemainingActivations: code.MaxActivations - m.registry.BoundCount(code.ID),
	}

	m.recordAudit(ctx, audit.ActionActivate, code.Code, true, map[string]any{
		"device_fingerprint": fingerprint,
		"device_name":        deviceName,
		"remaining":          result.RemainingActivations,
	})

	m.logger.InfoContext(ctx, "code activated",
		slog.String("code_id", code.ID.String()),
		slog.Int("remaining_activations", result.RemainingActivations),
	)

	return result, nil
}

// Deactivate soft-removes the device's binding. Status returns to
// DEACTIVATED only when no active bindings remain; DEACTIVATED codes can
// be activated again.
func (m *StateMachine) Deactivate(ctx context.Context, codeValue, fingerprint string) (*ActivationResult, error) {
	code, err := m.lookup(ctx, codeValue)
	if err != nil {
		return nil, err
	}

	lock := m.codeLock(code.ID)
	lock.Lock()
	defer lock.Unlock()

	code, err = m.store.GetByID(ctx, code.ID)
	if err != nil {
		return nil, err
	}

	if !m.registry.Unbind(code.ID, fingerprint) {
		m.recordAudit(ctx, audit.ActionDeactivate, code.Code, false, map[string]any{
			"device_fingerprint": fingerprint,
			"error":              ErrDeviceNotBound.Error(),
		})
		return nil, ErrDeviceNotBound
	}

	bound := m.registry.BoundCount(code.ID)
	if bound == 0 && code.Status == StatusActivated {
		code.Status = StatusDeactivated
		if err := m.store.Put(ctx, code); err != nil {
			return nil, fmt.Errorf("failed to persist deactivation: %w", err)
		}
	}

	result := &ActivationResult{
		CodeID:               code.ID,
		Status:               code.Status,
		RemainingActivations: code.MaxActivations - bound,
	}

	m.recordAudit(ctx, audit.ActionDeactivate, code.Code, true, map[string]any{
		"device_fingerprint": fingerprint,
		"remaining":          result.RemainingActivations,
	})

	return result, nil
}

// Revoke is administrative and terminal: all bindings are soft-removed and
// further activations fail with ErrRevokedCode
func (m *StateMachine) Revoke(ctx context.Context, codeValue, actor, reason string) error {
	code, err := m.lookup(ctx, codeValue)
	if err != nil {
		return err
	}

	lock := m.codeLock(code.ID)
	lock.Lock()
	defer lock.Unlock()

	code, err = m.store.GetByID(ctx, code.ID)
	if err != nil {
		return err
	}
	if code.Status == StatusRevoked {
		return ErrRevokedCode
	}

	removed := m.registry.UnbindAll(code.ID)
	code.Status = StatusRevoked
	code.RevokedReason = reason
	if err := m.store.Put(ctx, code); err != nil {
		return fmt.Errorf("failed to persist revocation: %w", err)
	}

	m.recordAudit(ctx, audit.ActionRevoke, code.Code, true, map[string]any{
		"actor":            actor,
		"reason":           reason,
		"bindings_removed": removed,
	})

	m.logger.WarnContext(ctx, "code revoked",
		slog.String("code_id", code.ID.String()),
		slog.String("actor", actor),
		slog.String("reason", reason),
		slog.Int("bindings_removed", removed),
	)

	return nil
}

// ActivatedFor returns the code when it is currently ACTIVATED with an
// active binding for the given device. Used as the issuance gate for
// offline validation tokens.
func (m *StateMachine) ActivatedFor(ctx context.Context, codeValue, fingerprint string) (*ActivationCode, error) {
	code, err := m.lookup(ctx, codeValue)
	if err != nil {
		return nil, err
	}
	if err := m.checkUsable(ctx, code); err != nil {
		return nil, err
	}
	if code.Status != StatusActivated || !m.registry.IsBound(code.ID, fingerprint) {
		return nil, ErrDeviceNotBound
	}
	return code, nil
}

// Remaining returns the unconsumed activation slots for a code
func (m *StateMachine) Remaining(ctx context.Context, codeValue string) (int, error) {
	code, err := m.lookup(ctx, codeValue)
	if err != nil {
		return 0, err
	}
	return code.MaxActivations - m.registry.BoundCount(code.ID), nil
}

// lookup fetches the code by normalized value
func (m *StateMachine) lookup(ctx context.Context, codeValue string) (*ActivationCode, error) {
	return m.store.GetByCode(ctx, NormalizeCode(codeValue))
}

// checkUsable applies the lazy expiry check and rejects terminal states.
// An expired code is persisted as EXPIRED on first observation so later
// reads agree with what the caller was told.
func (m *StateMachine) checkUsable(ctx context.Context, code *ActivationCode) error {
	switch code.EffectiveStatus(m.now()) {
	case StatusRevoked:
		return ErrRevokedCode
	case StatusExpired:
		if code.Status != StatusExpired {
			code.Status = StatusExpired
			if err := m.store.Put(ctx, code); err != nil {
				m.logger.ErrorContext(ctx, "failed to persist lazy expiry",
					slog.String("code_id", code.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
		return ErrExpiredCode
	}
	return nil
}

// recordAudit emits exactly one entry per attempted transition, after the
// mutation commits. Audit failures are logged inside the audit package and
// never roll back the business transaction.
func (m *StateMachine) recordAudit(ctx context.Context, action audit.Action, target string, success bool, metadata map[string]any) {
	if m.auditLog == nil {
		return
	}
	m.auditLog.Append(ctx, audit.Entry{
		Actor:    "state_machine",
		Action:   action,
		Target:   target,
		Success:  success,
		Metadata: metadata,
	})
}
