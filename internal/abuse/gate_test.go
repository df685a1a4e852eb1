package abuse

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/config"
)

func testRiskConfig(failOpen bool) config.RiskConfig {
	return config.RiskConfig{
		StepUpThreshold: 50,
		BlockThreshold:  80,
		FailOpen:        failOpen,
	}
}

// stubAssessor returns a fixed assessment or error
type stubAssessor struct {
	assessment *Assessment
	err        error
}

func (s *stubAssessor) Assess(ctx context.Context, rc RequestContext) (*Assessment, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.assessment
	return &cp, nil
}

func TestGate_Decide(t *testing.T) {
	g := NewGate(nil, testRiskConfig(true), nil)

	tests := []struct {
		score float64
		want  Action
	}{
		{0, ActionAllow},
		{49.9, ActionAllow},
		{50, ActionStepUp},
		{79.9, ActionStepUp},
		{80, ActionBlock},
		{100, ActionBlock},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.Decide(&Assessment{Score: tt.score}), "score %g", tt.score)
	}
}

func TestGate_AllowBelowThreshold(t *testing.T) {
	g := NewGate(&stubAssessor{assessment: &Assessment{Score: 10}}, testRiskConfig(true), nil)

	a, err := g.Check(context.Background(), RequestContext{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, a.Action)
}

func TestGate_StepUp(t *testing.T) {
	g := NewGate(&stubAssessor{assessment: &Assessment{Score: 60}}, testRiskConfig(true), nil)

	a, err := g.Check(context.Background(), RequestContext{})
	assert.ErrorIs(t, err, ErrStepUpRequired)
	require.NotNil(t, a)
	assert.Equal(t, ActionStepUp, a.Action)
}

func TestGate_Block(t *testing.T) {
	g := NewGate(&stubAssessor{assessment: &Assessment{Score: 95}}, testRiskConfig(true), nil)

	a, err := g.Check(context.Background(), RequestContext{})
	assert.ErrorIs(t, err, ErrRiskBlocked)
	require.NotNil(t, a)
	assert.Equal(t, ActionBlock, a.Action)
}

func TestGate_BlacklistedBlockIsDistinct(t *testing.T) {
	g := NewGate(&stubAssessor{assessment: &Assessment{Score: MaxScore, Blacklisted: true}}, testRiskConfig(true), nil)

	_, err := g.Check(context.Background(), RequestContext{})
	assert.ErrorIs(t, err, ErrBlacklisted)
	assert.NotErrorIs(t, err, ErrRiskBlocked)
}

func TestGate_FailOpen(t *testing.T) {
	g := NewGate(&stubAssessor{err: errors.New("engine down")}, testRiskConfig(true), nil)

	a, err := g.Check(context.Background(), RequestContext{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, a.Action)
	require.NotEmpty(t, a.Reasons)
	assert.Contains(t, a.Reasons[0], "fail-open")
}

func TestGate_FailClosed(t *testing.T) {
	g := NewGate(&stubAssessor{err: errors.New("engine down")}, testRiskConfig(false), nil)

	a, err := g.Check(context.Background(), RequestContext{IP: "10.0.0.1"})
	assert.ErrorIs(t, err, ErrRiskCheckUnavailable)
	assert.Nil(t, a)
}
