package abuse

import (
	"context"
	"errors"
	"log/slog"

	"keygate/internal/config"
)

// Sentinel errors surfaced by the gate
var (
	// ErrBlacklisted indicates a blacklist hit blocked the operation.
	ErrBlacklisted = errors.New("subject is blacklisted")

	// ErrRiskBlocked indicates the risk score crossed the block threshold.
	ErrRiskBlocked = errors.New("operation blocked by risk policy")

	// ErrStepUpRequired indicates the caller must satisfy a second factor
	// before the protected operation proceeds.
	ErrStepUpRequired = errors.New("step-up verification required")

	// ErrRiskCheckUnavailable indicates the detection engine itself failed
	// and the gate is configured fail-closed.
	ErrRiskCheckUnavailable = errors.New("risk check unavailable")
)

// Assessor is the engine interface the gate consumes
type Assessor interface {
	Assess(ctx context.Context, rc RequestContext) (*Assessment, error)
}

// Gate converts a risk assessment into an allow / step-up / block action.
// Thresholds arrive as explicit configuration at construction, never from
// ambient global state. When the engine itself errors the gate applies
// the configured failure policy: fail-open allows the operation and logs
// the failure at high severity, fail-closed refuses it.
type Gate struct {
	assessor Assessor
	cfg      config.RiskConfig
	logger   *slog.Logger
}

// NewGate creates a risk gate
func NewGate(assessor Assessor, cfg config.RiskConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		assessor: assessor,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "risk_gate")),
	}
}

// Decide maps a score to an action using the configured thresholds
func (g *Gate) Decide(assessment *Assessment) Action {
	switch {
	case assessment.Score >= g.cfg.BlockThreshold:
		return ActionBlock
	case assessment.Score >= g.cfg.StepUpThreshold:
		return ActionStepUp
	default:
		return ActionAllow
	}
}

// Check assesses the request and returns the completed assessment. The
// returned error is one of the gate sentinels for refused operations; a
// nil error means the operation may proceed (possibly after the engine
// failed and fail-open applied).
func (g *Gate) Check(ctx context.Context, rc RequestContext) (*Assessment, error) {
	assessment, err := g.assessor.Assess(ctx, rc)
	if err != nil {
		// Deliberate, configurable policy: licensing availability is
		// prioritized over strict enforcement unless fail-closed is set.
		g.logger.ErrorContext(ctx, "risk check unavailable",
			slog.String("ip", rc.IP),
			slog.Bool("fail_open", g.cfg.FailOpen),
			slog.String("error", err.Error()),
		)
		if g.cfg.FailOpen {
			return &Assessment{
				Action:  ActionAllow,
				Reasons: []string{"risk check unavailable, fail-open policy applied"},
			}, nil
		}
		return nil, ErrRiskCheckUnavailable
	}

	assessment.Action = g.Decide(assessment)

	switch assessment.Action {
	case ActionBlock:
		g.logger.WarnContext(ctx, "operation blocked by risk gate",
			slog.Float64("score", assessment.Score),
			slog.Any("reasons", assessment.Reasons),
			slog.String("ip", rc.IP),
		)
		if assessment.Blacklisted {
			return assessment, ErrBlacklisted
		}
		return assessment, ErrRiskBlocked
	case ActionStepUp:
		g.logger.InfoContext(ctx, "step-up required by risk gate",
			slog.Float64("score", assessment.Score),
			slog.Any("reasons", assessment.Reasons),
		)
		return assessment, ErrStepUpRequired
	default:
		return assessment, nil
	}
}
