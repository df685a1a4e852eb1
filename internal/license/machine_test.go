package license

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T) (*StateMachine, CodeStore, *BindingRegistry) {
	t.Helper()
	store := NewMemoryCodeStore()
	registry := NewBindingRegistry()
	machine := NewStateMachine(store, registry, nil, nil)
	return machine, store, registry
}

func seedCode(t *testing.T, store CodeStore, value string, maxActivations int) *ActivationCode {
	t.Helper()
	code := &ActivationCode{
		ID:             uuid.New(),
		Code:           value,
		BatchID:        uuid.New(),
		SoftwareID:     "test-app",
		LicenseType:    TypeStandard,
		MaxActivations: maxActivations,
		Status:         StatusIssued,
		ExpiresAt:      time.Now().Add(365 * 24 * time.Hour),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.Put(context.Background(), code))
	return code
}

func TestActivate_Success(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 3)

	result, err := machine.Activate(context.Background(), "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", "device-1", "laptop")
	require.NoError(t, err)

	assert.Equal(t, StatusActivated, result.Status)
	assert.Equal(t, 2, result.RemainingActivations)
	assert.False(t, result.AlreadyBound)

	stored, err := store.GetByCode(context.Background(), "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE")
	require.NoError(t, err)
	assert.Equal(t, StatusActivated, stored.Status)
}

func TestActivate_NormalizesInput(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	// Lowercase with stray spaces should resolve to the same code.
	result, err := machine.Activate(context.Background(), "  aaaaa-bbbbb-ccccc-ddddd-eeeee ", "device-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusActivated, result.Status)
}

func TestActivate_UnknownCode(t *testing.T) {
	machine, _, _ := newTestMachine(t)

	_, err := machine.Activate(context.Background(), "XXXXX-XXXXX-XXXXX-XXXXX-XXXXX", "device-1", "")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestActivate_Idempotent(t *testing.T) {
	machine, store, registry := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	_, err := machine.Activate(context.Background(), code.Code, "device-1", "laptop")
	require.NoError(t, err)

	// Same device again: succeeds without consuming another slot.
	result, err := machine.Activate(context.Background(), code.Code, "device-1", "laptop")
	require.NoError(t, err)
	assert.True(t, result.AlreadyBound)
	assert.Equal(t, 0, result.RemainingActivations)
	assert.Equal(t, 1, registry.BoundCount(code.ID))
}

func TestActivate_LimitExceeded(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 2)

	_, err := machine.Activate(context.Background(), code.Code, "device-1", "")
	require.NoError(t, err)
	_, err = machine.Activate(context.Background(), code.Code, "device-2", "")
	require.NoError(t, err)

	_, err = machine.Activate(context.Background(), code.Code, "device-3", "")
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestActivate_ConcurrentNeverExceedsLimit(t *testing.T) {
	machine, store, registry := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	const attempts = 10
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)
	failures := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := machine.Activate(context.Background(), code.Code, fmt.Sprintf("device-%d", n), "")
			if err != nil {
				failures <- err
				return
			}
			successes <- struct{}{}
		}(i)
	}
	wg.Wait()
	close(successes)
	close(failures)

	assert.Len(t, successes, 1, "exactly one activation may win")
	assert.Equal(t, 1, registry.BoundCount(code.ID))
	for err := range failures {
		assert.ErrorIs(t, err, ErrLimitExceeded)
	}
}

func TestActivate_ExpiredCode(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	// Move the clock past the expiry.
	machine.SetClock(func() time.Time { return code.ExpiresAt.Add(time.Hour) })

	_, err := machine.Activate(context.Background(), code.Code, "device-1", "")
	assert.ErrorIs(t, err, ErrExpiredCode)

	// Lazy expiry persists the terminal status.
	stored, err := store.GetByID(context.Background(), code.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
}

func TestActivate_ExpiryBeatsStoredActiveStatus(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 2)

	_, err := machine.Activate(context.Background(), code.Code, "device-1", "")
	require.NoError(t, err)

	machine.SetClock(func() time.Time { return code.ExpiresAt.Add(time.Minute) })

	// Stored status is ACTIVATED but the expiry check wins on read.
	_, err = machine.Activate(context.Background(), code.Code, "device-2", "")
	assert.ErrorIs(t, err, ErrExpiredCode)
}

func TestActivate_NeverExpiringCode(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	// Zero ExpiresAt marks a non-expiring code; even a clock decades
	// ahead must not trip the lazy expiry check.
	code.ExpiresAt = time.Time{}
	require.NoError(t, store.Put(context.Background(), code))
	machine.SetClock(func() time.Time { return time.Now().Add(50 * 365 * 24 * time.Hour) })

	result, err := machine.Activate(context.Background(), code.Code, "device-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusActivated, result.Status)
}

func TestDeactivate_ReleasesSlot(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	_, err := machine.Activate(context.Background(), code.Code, "device-1", "")
	require.NoError(t, err)

	result, err := machine.Deactivate(context.Background(), code.Code, "device-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeactivated, result.Status)

	// The freed slot can be consumed by another device.
	_, err = machine.Activate(context.Background(), code.Code, "device-2", "")
	require.NoError(t, err)
}

func TestDeactivate_DeviceNotBound(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	_, err := machine.Deactivate(context.Background(), code.Code, "device-1")
	assert.ErrorIs(t, err, ErrDeviceNotBound)

	// Deactivating twice fails the second time.
	_, err = machine.Activate(context.Background(), code.Code, "device-1", "")
	require.NoError(t, err)
	_, err = machine.Deactivate(context.Background(), code.Code, "device-1")
	require.NoError(t, err)
	_, err = machine.Deactivate(context.Background(), code.Code, "device-1")
	assert.ErrorIs(t, err, ErrDeviceNotBound)
}

func TestRevoke_TerminalAndUnbindsAll(t *testing.T) {
	machine, store, registry := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 3)

	_, err := machine.Activate(context.Background(), code.Code, "device-1", "")
	require.NoError(t, err)
	_, err = machine.Activate(context.Background(), code.Code, "device-2", "")
	require.NoError(t, err)

	require.NoError(t, machine.Revoke(context.Background(), code.Code, "admin", "fraud"))
	assert.Equal(t, 0, registry.BoundCount(code.ID))

	stored, err := store.GetByID(context.Background(), code.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, stored.Status)
	assert.Equal(t, "fraud", stored.RevokedReason)

	// Revoked is terminal.
	_, err = machine.Activate(context.Background(), code.Code, "device-3", "")
	assert.ErrorIs(t, err, ErrRevokedCode)
	err = machine.Revoke(context.Background(), code.Code, "admin", "again")
	assert.ErrorIs(t, err, ErrRevokedCode)
}

func TestActivatedFor(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 1)

	_, err := machine.ActivatedFor(context.Background(), code.Code, "device-1")
	assert.ErrorIs(t, err, ErrDeviceNotBound)

	_, err = machine.Activate(context.Background(), code.Code, "device-1", "")
	require.NoError(t, err)

	got, err := machine.ActivatedFor(context.Background(), code.Code, "device-1")
	require.NoError(t, err)
	assert.Equal(t, code.ID, got.ID)

	// Another device cannot obtain tokens for the same code.
	_, err = machine.ActivatedFor(context.Background(), code.Code, "device-2")
	assert.ErrorIs(t, err, ErrDeviceNotBound)
}

func TestRemaining(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	code := seedCode(t, store, "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 3)

	remaining, err := machine.Remaining(context.Background(), code.Code)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	_, err = machine.Activate(context.Background(), code.Code, "device-1", "")
	require.NoError(t, err)

	remaining, err = machine.Remaining(context.Background(), code.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}
