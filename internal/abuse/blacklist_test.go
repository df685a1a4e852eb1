package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlacklist_AddAndMatch(t *testing.T) {
	s := NewBlacklistStore()

	entry, err := s.Match(context.Background(), SubjectIP, "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, s.Add(context.Background(), BlacklistEntry{
		SubjectType:  SubjectIP,
		SubjectValue: "10.0.0.1",
		Reason:       "credential stuffing",
	}))

	entry, err = s.Match(context.Background(), SubjectIP, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "credential stuffing", entry.Reason)
	assert.False(t, entry.CreatedAt.IsZero())

	// Subject types are independent namespaces.
	entry, err = s.Match(context.Background(), SubjectCode, "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestBlacklist_Remove(t *testing.T) {
	s := NewBlacklistStore()
	require.NoError(t, s.Add(context.Background(), BlacklistEntry{
		SubjectType:  SubjectCode,
		SubjectValue: "BAD-CODE",
		Reason:       "leaked",
	}))

	removed, err := s.Remove(context.Background(), SubjectCode, "BAD-CODE")
	require.NoError(t, err)
	assert.True(t, removed)

	entry, err := s.Match(context.Background(), SubjectCode, "BAD-CODE")
	require.NoError(t, err)
	assert.Nil(t, entry)

	removed, err = s.Remove(context.Background(), SubjectCode, "BAD-CODE")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestBlacklist_TemporaryEntryLapses(t *testing.T) {
	s := NewBlacklistStore()
	base := time.Now()
	s.now = func() time.Time { return base }

	expires := base.Add(time.Hour)
	require.NoError(t, s.Add(context.Background(), BlacklistEntry{
		SubjectType:  SubjectIP,
		SubjectValue: "10.0.0.2",
		Reason:       "temporary block",
		ExpiresAt:    &expires,
	}))

	entry, err := s.Match(context.Background(), SubjectIP, "10.0.0.2")
	require.NoError(t, err)
	require.NotNil(t, entry)

	// After expiry the entry reads as absent and is purged.
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	entry, err = s.Match(context.Background(), SubjectIP, "10.0.0.2")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBlacklist_List(t *testing.T) {
	s := NewBlacklistStore()
	require.NoError(t, s.Add(context.Background(), BlacklistEntry{SubjectType: SubjectIP, SubjectValue: "10.0.0.1", Reason: "a"}))
	require.NoError(t, s.Add(context.Background(), BlacklistEntry{SubjectType: SubjectCode, SubjectValue: "CODE-X", Reason: "b"}))

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestBlacklist_MatchReturnsCopy(t *testing.T) {
	s := NewBlacklistStore()
	require.NoError(t, s.Add(context.Background(), BlacklistEntry{SubjectType: SubjectIP, SubjectValue: "10.0.0.3", Reason: "original"}))

	entry, err := s.Match(context.Background(), SubjectIP, "10.0.0.3")
	require.NoError(t, err)
	entry.Reason = "mutated"

	again, err := s.Match(context.Background(), SubjectIP, "10.0.0.3")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Reason)
}
