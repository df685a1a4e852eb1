package abuse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/config"
)

func testAbuseConfig() config.AbuseConfig {
	return config.AbuseConfig{
		VelocityLimit:       5,
		VelocityWindow:      time.Minute,
		ChurnLimit:          3,
		ChurnWindow:         time.Hour,
		FailedAttemptLimit:  3,
		FailedAttemptWindow: time.Hour,
		GeoJumpWindow:       time.Hour,
		GeoJumpDistanceKM:   500,
	}
}

func TestAssess_CleanRequestScoresZero(t *testing.T) {
	e := NewEngine(NewBlacklistStore(), testAbuseConfig(), nil)

	a, err := e.Assess(context.Background(), RequestContext{IP: "10.0.0.1", Code: "CODE-A", DeviceFP: "dev-1"})
	require.NoError(t, err)
	assert.Zero(t, a.Score)
	assert.Empty(t, a.Reasons)
	assert.False(t, a.Blacklisted)
}

func TestAssess_BlacklistShortCircuits(t *testing.T) {
	bl := NewBlacklistStore()
	require.NoError(t, bl.Add(context.Background(), BlacklistEntry{
		SubjectType:  SubjectIP,
		SubjectValue: "10.0.0.66",
		Reason:       "abuse reports",
	}))
	e := NewEngine(bl, testAbuseConfig(), nil)

	a, err := e.Assess(context.Background(), RequestContext{IP: "10.0.0.66", Code: "CODE-A"})
	require.NoError(t, err)
	assert.Equal(t, MaxScore, a.Score)
	assert.True(t, a.Blacklisted)
	require.Len(t, a.Reasons, 1)
	assert.Contains(t, a.Reasons[0], "blacklisted")
}

func TestAssess_BlacklistedCode(t *testing.T) {
	bl := NewBlacklistStore()
	require.NoError(t, bl.Add(context.Background(), BlacklistEntry{
		SubjectType:  SubjectCode,
		SubjectValue: "LEAKED-CODE",
		Reason:       "posted publicly",
	}))
	e := NewEngine(bl, testAbuseConfig(), nil)

	a, err := e.Assess(context.Background(), RequestContext{IP: "10.0.0.1", Code: "LEAKED-CODE"})
	require.NoError(t, err)
	assert.True(t, a.Blacklisted)
	assert.Equal(t, MaxScore, a.Score)
}

func TestAssess_VelocitySignal(t *testing.T) {
	e := NewEngine(NewBlacklistStore(), testAbuseConfig(), nil)
	rc := RequestContext{IP: "10.0.0.2"}

	var last *Assessment
	for i := 0; i < 10; i++ {
		a, err := e.Assess(context.Background(), rc)
		require.NoError(t, err)
		last = a
	}

	assert.Greater(t, last.Score, 0.0)
	require.NotEmpty(t, last.Reasons)
	assert.Contains(t, last.Reasons[0], "requests from")
}

func TestAssess_DeviceChurnSignal(t *testing.T) {
	e := NewEngine(NewBlacklistStore(), testAbuseConfig(), nil)

	var last *Assessment
	for i := 0; i < 6; i++ {
		a, err := e.Assess(context.Background(), RequestContext{
			IP:       "10.0.0.3",
			Code:     "CODE-CHURN",
			DeviceFP: fmt.Sprintf("device-%d", i),
		})
		require.NoError(t, err)
		last = a
	}

	assert.Greater(t, last.Score, 0.0)
	require.NotEmpty(t, last.Reasons)
	assert.Contains(t, last.Reasons[len(last.Reasons)-1], "distinct devices")
}

func TestAssess_FailedAttemptsSignal(t *testing.T) {
	e := NewEngine(NewBlacklistStore(), testAbuseConfig(), nil)
	rc := RequestContext{IP: "10.0.0.4", Code: "CODE-FAIL"}

	for i := 0; i < 5; i++ {
		e.RecordFailure(rc)
	}

	a, err := e.Assess(context.Background(), rc)
	require.NoError(t, err)
	assert.Greater(t, a.Score, 0.0)
	require.NotEmpty(t, a.Reasons)
	assert.Contains(t, a.Reasons[len(a.Reasons)-1], "failed attempts")
}

func TestAssess_ScoreMonotonicWithSignals(t *testing.T) {
	// A subject with failed attempts on top of churn must never score
	// lower than the same subject with churn alone.
	cfg := testAbuseConfig()

	churnOnly := NewEngine(NewBlacklistStore(), cfg, nil)
	churnAndFailures := NewEngine(NewBlacklistStore(), cfg, nil)

	for i := 0; i < 6; i++ {
		rc := RequestContext{Code: "CODE-M", DeviceFP: fmt.Sprintf("device-%d", i)}
		_, err := churnOnly.Assess(context.Background(), rc)
		require.NoError(t, err)
		_, err = churnAndFailures.Assess(context.Background(), rc)
		require.NoError(t, err)
	}
	for i := 0; i < 6; i++ {
		churnAndFailures.RecordFailure(RequestContext{Code: "CODE-M"})
	}

	a1, err := churnOnly.Assess(context.Background(), RequestContext{Code: "CODE-M", DeviceFP: "device-0"})
	require.NoError(t, err)
	a2, err := churnAndFailures.Assess(context.Background(), RequestContext{Code: "CODE-M", DeviceFP: "device-0"})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, a2.Score, a1.Score)
}

func TestAssess_GeoJump(t *testing.T) {
	e := NewEngine(NewBlacklistStore(), testAbuseConfig(), nil)

	// Baghdad, then London moments later.
	_, err := e.Assess(context.Background(), RequestContext{
		Code: "CODE-GEO", Lat: 33.31, Lon: 44.36, HasLocation: true,
	})
	require.NoError(t, err)

	a, err := e.Assess(context.Background(), RequestContext{
		Code: "CODE-GEO", Lat: 51.50, Lon: -0.12, HasLocation: true,
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, a.Score, penaltyGeoJump)
	require.NotEmpty(t, a.Reasons)
	assert.Contains(t, a.Reasons[0], "implausible travel")
}

func TestAssess_NoGeoPenaltyForShortHop(t *testing.T) {
	e := NewEngine(NewBlacklistStore(), testAbuseConfig(), nil)

	_, err := e.Assess(context.Background(), RequestContext{
		Code: "CODE-HOP", Lat: 33.31, Lon: 44.36, HasLocation: true,
	})
	require.NoError(t, err)

	// Baghdad to Fallujah, around 60km.
	a, err := e.Assess(context.Background(), RequestContext{
		Code: "CODE-HOP", Lat: 33.35, Lon: 43.78, HasLocation: true,
	})
	require.NoError(t, err)
	assert.Zero(t, a.Score)
}

func TestAssess_FailuresAgeOutOfWindow(t *testing.T) {
	now := time.Now()
	e := NewEngine(NewBlacklistStore(), testAbuseConfig(), nil)
	e.SetClock(func() time.Time { return now })

	rc := RequestContext{Code: "CODE-AGE"}
	for i := 0; i < 6; i++ {
		e.RecordFailure(rc)
	}

	a, err := e.Assess(context.Background(), rc)
	require.NoError(t, err)
	assert.Greater(t, a.Score, 0.0)

	// Once the window has passed the failures no longer count.
	now = now.Add(testAbuseConfig().FailedAttemptWindow + time.Minute)

	a, err = e.Assess(context.Background(), rc)
	require.NoError(t, err)
	assert.Zero(t, a.Score)
}

func TestAssess_NoGeoPenaltyOutsideWindow(t *testing.T) {
	now := time.Now()
	e := NewEngine(NewBlacklistStore(), testAbuseConfig(), nil)
	e.SetClock(func() time.Time { return now })

	_, err := e.Assess(context.Background(), RequestContext{
		Code: "CODE-SLOW", Lat: 33.31, Lon: 44.36, HasLocation: true,
	})
	require.NoError(t, err)

	// Baghdad to London is fine when the trip took longer than the
	// jump window.
	now = now.Add(testAbuseConfig().GeoJumpWindow + time.Minute)

	a, err := e.Assess(context.Background(), RequestContext{
		Code: "CODE-SLOW", Lat: 51.50, Lon: -0.12, HasLocation: true,
	})
	require.NoError(t, err)
	assert.Zero(t, a.Score)
}

func TestAssess_ScoreCappedAtMax(t *testing.T) {
	e := NewEngine(NewBlacklistStore(), testAbuseConfig(), nil)

	// Pile every signal onto one subject.
	rc := RequestContext{IP: "10.0.0.9", Code: "CODE-ALL", DeviceFP: "device-x"}
	for i := 0; i < 50; i++ {
		e.RecordFailure(rc)
	}
	var last *Assessment
	for i := 0; i < 50; i++ {
		a, err := e.Assess(context.Background(), RequestContext{
			IP:       "10.0.0.9",
			Code:     "CODE-ALL",
			DeviceFP: fmt.Sprintf("device-%d", i),
		})
		require.NoError(t, err)
		last = a
	}

	assert.LessOrEqual(t, last.Score, MaxScore)
	assert.Greater(t, last.Score, 50.0)
}

func TestHaversine(t *testing.T) {
	// Baghdad to London is roughly 4100km.
	d := haversineKM(33.31, 44.36, 51.50, -0.12)
	assert.InDelta(t, 4100, d, 200)

	assert.Zero(t, haversineKM(10, 10, 10, 10))
}
