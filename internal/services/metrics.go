package services

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const MeterName = "activation-service"

// Metrics holds the OpenTelemetry instruments for the activation service
type Metrics struct {
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	DeactivationTotal metric.Int64Counter
	RevocationsTotal  metric.Int64Counter

	RiskAssessments metric.Int64Counter
	RiskBlocked     metric.Int64Counter
	RiskStepUps     metric.Int64Counter
	RiskScore       metric.Float64Histogram

	TokensIssued   metric.Int64Counter
	TokensVerified metric.Int64Counter
	TokenFailures  metric.Int64Counter

	CodesGenerated metric.Int64Counter
}

// InitializeMetrics creates all activation service instruments
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.ActivationAttempts, err = meter.Int64Counter(
		"activation_attempts_total",
		metric.WithDescription("Total number of activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.ActivationSuccess, err = meter.Int64Counter(
		"activation_success_total",
		metric.WithDescription("Total number of successful activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}

	m.ActivationFailures, err = meter.Int64Counter(
		"activation_failures_total",
		metric.WithDescription("Total number of failed activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"activation_duration_seconds",
		metric.WithDescription("Activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	m.DeactivationTotal, err = meter.Int64Counter(
		"deactivations_total",
		metric.WithDescription("Total number of deactivations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deactivation counter: %w", err)
	}

	m.RevocationsTotal, err = meter.Int64Counter(
		"revocations_total",
		metric.WithDescription("Total number of administrative revocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create revocation counter: %w", err)
	}

	m.RiskAssessments, err = meter.Int64Counter(
		"risk_assessments_total",
		metric.WithDescription("Total number of risk assessments"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk assessments counter: %w", err)
	}

	m.RiskBlocked, err = meter.Int64Counter(
		"risk_blocked_total",
		metric.WithDescription("Total number of operations blocked by the risk gate"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk blocked counter: %w", err)
	}

	m.RiskStepUps, err = meter.Int64Counter(
		"risk_step_ups_total",
		metric.WithDescription("Total number of step-up decisions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk step-up counter: %w", err)
	}

	m.RiskScore, err = meter.Float64Histogram(
		"risk_score",
		metric.WithDescription("Distribution of computed risk scores"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk score histogram: %w", err)
	}

	m.TokensIssued, err = meter.Int64Counter(
		"offline_tokens_issued_total",
		metric.WithDescription("Total number of offline validation tokens issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens issued counter: %w", err)
	}

	m.TokensVerified, err = meter.Int64Counter(
		"offline_tokens_verified_total",
		metric.WithDescription("Total number of offline validation tokens verified"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens verified counter: %w", err)
	}

	m.TokenFailures, err = meter.Int64Counter(
		"offline_token_failures_total",
		metric.WithDescription("Total number of token verification failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token failures counter: %w", err)
	}

	m.CodesGenerated, err = meter.Int64Counter(
		"codes_generated_total",
		metric.WithDescription("Total number of activation codes generated"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes generated counter: %w", err)
	}

	return m, nil
}
