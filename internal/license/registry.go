package license

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BindingRegistry tracks which device fingerprints are bound to which
// code. Pure bookkeeping: limit enforcement and lifecycle decisions live
// in the StateMachine, which is the only mutating caller.
type BindingRegistry struct {
	mu       sync.RWMutex
	bindings map[bindingKey]*DeviceBinding
	now      func() time.Time
}

type bindingKey struct {
	codeID      uuid.UUID
	fingerprint string
}

// NewBindingRegistry creates an empty registry
func NewBindingRegistry() *BindingRegistry {
	return &BindingRegistry{
		bindings: make(map[bindingKey]*DeviceBinding),
		now:      time.Now,
	}
}

// IsBound reports whether the device holds an active binding for the code
func (r *BindingRegistry) IsBound(codeID uuid.UUID, fingerprint string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[bindingKey{codeID, fingerprint}]
	return ok && b.Active()
}

// BoundCount returns the number of active bindings for the code
func (r *BindingRegistry) BoundCount(codeID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for key, b := range r.bindings {
		if key.codeID == codeID && b.Active() {
			count++
		}
	}
	return count
}

// Bind creates an active binding, or revives and refreshes an existing
// one for the same (code, fingerprint) pair
func (r *BindingRegistry) Bind(codeID uuid.UUID, fingerprint, deviceName string) *DeviceBinding {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := bindingKey{codeID, fingerprint}
	if b, ok := r.bindings[key]; ok {
		b.RevokedAt = nil
		b.DeviceName = deviceName
		b.LastSeenAt = now
		return copyBinding(b)
	}

	b := &DeviceBinding{
		CodeID:            codeID,
		DeviceFingerprint: fingerprint,
		DeviceName:        deviceName,
		ActivatedAt:       now,
		LastSeenAt:        now,
	}
	r.bindings[key] = b
	return copyBinding(b)
}

// Touch refreshes LastSeenAt on an active binding and reports whether one
// existed
func (r *BindingRegistry) Touch(codeID uuid.UUID, fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[bindingKey{codeID, fingerprint}]
	if !ok || !b.Active() {
		return false
	}
	b.LastSeenAt = r.now()
	return true
}

// Unbind soft-removes the binding by setting RevokedAt. Reports whether an
// active binding existed.
func (r *BindingRegistry) Unbind(codeID uuid.UUID, fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[bindingKey{codeID, fingerprint}]
	if !ok || !b.Active() {
		return false
	}
	now := r.now()
	b.RevokedAt = &now
	return true
}

// UnbindAll soft-removes every active binding for the code and returns
// how many were removed
func (r *BindingRegistry) UnbindAll(codeID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, b := range r.bindings {
		if key.codeID == codeID && b.Active() {
			b.RevokedAt = &now
			removed++
		}
	}
	return removed
}

// List returns all bindings (active and revoked) for the code
func (r *BindingRegistry) List(codeID uuid.UUID) []*DeviceBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*DeviceBinding
	for key, b := range r.bindings {
		if key.codeID == codeID {
			out = append(out, copyBinding(b))
		}
	}
	return out
}

// SweepStale soft-removes active bindings whose LastSeenAt is older than
// maxAge. This is an explicit administrative maintenance operation; it is
// never run implicitly during activate/deactivate so capacity does not
// change surprisingly mid-request.
func (r *BindingRegistry) SweepStale(ctx context.Context, maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-maxAge)
	swept := 0
	for _, b := range r.bindings {
		if b.Active() && b.LastSeenAt.Before(cutoff) {
			revokedAt := now
			b.RevokedAt = &revokedAt
			swept++
		}
	}
	return swept
}

func copyBinding(b *DeviceBinding) *DeviceBinding {
	cp := *b
	if b.RevokedAt != nil {
		t := *b.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
