package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"keygate/internal/license"
)

// SeedCode inserts an ISSUED activation code into the store and returns it
func SeedCode(t *testing.T, store license.CodeStore, value string, maxActivations int) *license.ActivationCode {
	t.Helper()

	code := &license.ActivationCode{
		ID:             uuid.New(),
		Code:           value,
		BatchID:        uuid.New(),
		SoftwareID:     "test-app",
		LicenseType:    license.TypeStandard,
		MaxActivations: maxActivations,
		Status:         license.StatusIssued,
		ExpiresAt:      time.Now().Add(365 * 24 * time.Hour),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.Put(context.Background(), code))
	return code
}

// SeedExpiredCode inserts a code whose expiry is already in the past
func SeedExpiredCode(t *testing.T, store license.CodeStore, value string) *license.ActivationCode {
	t.Helper()

	code := &license.ActivationCode{
		ID:             uuid.New(),
		Code:           value,
		BatchID:        uuid.New(),
		SoftwareID:     "test-app",
		LicenseType:    license.TypeTrial,
		MaxActivations: 1,
		Status:         license.StatusIssued,
		ExpiresAt:      time.Now().Add(-time.Hour),
		CreatedAt:      time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, store.Put(context.Background(), code))
	return code
}
