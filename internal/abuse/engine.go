package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"keygate/internal/config"
)

// MaxScore is the score assigned on a blacklist hit; it short-circuits
// every other signal.
const MaxScore = 100.0

// Signal weights, scaled to the 0-100 score space. A triggered signal
// contributes proportionally to how far past its limit the subject is,
// capped at its weight.
const (
	weightVelocity = 30.0
	weightChurn    = 40.0
	weightFailed   = 50.0
	penaltyGeoJump = 30.0
)

// Action is the gate decision derived from a risk score
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionStepUp Action = "STEP_UP"
	ActionBlock  Action = "BLOCK"
)

// Assessment is computed fresh per request and never cached or persisted;
// windowed counters age out on their own so a one-time burst does not
// penalize a subject forever.
type Assessment struct {
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons"`
	Action      Action   `json:"action"`
	Blacklisted bool     `json:"blacklisted"`
}

// RequestContext carries the observable facts about one inbound request
type RequestContext struct {
	IP          string
	Code        string
	DeviceFP    string
	User        string
	Lat, Lon    float64
	HasLocation bool
}

// subject returns the best available stable identity for windowed
// tracking: user when known, else code, else IP
func (rc RequestContext) subject() string {
	switch {
	case rc.User != "":
		return "user:" + rc.User
	case rc.Code != "":
		return "code:" + rc.Code
	default:
		return "ip:" + rc.IP
	}
}

// Engine computes a weighted risk score from independently evaluated
// signals: blacklist hits, request velocity, device churn, failed-attempt
// bursts and geographic jumps
type Engine struct {
	blacklist BlacklistChecker
	cfg       config.AbuseConfig
	logger    *slog.Logger

	requests  *windowCounter
	failures  *windowCounter
	devices   *distinctCounter
	sightings *lastSeen
	now       func() time.Time
}

// NewEngine creates a detection engine over the given blacklist
func NewEngine(blacklist BlacklistChecker, cfg config.AbuseConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		blacklist: blacklist,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "abuse_engine")),
		requests:  newWindowCounter(cfg.VelocityWindow),
		failures:  newWindowCounter(cfg.FailedAttemptWindow),
		devices:   newDistinctCounter(cfg.ChurnWindow),
		sightings: newLastSeen(),
		now:       time.Now,
	}
}

// SetClock overrides the clock for the engine and all of its windowed
// counters, used in window-aging tests
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.requests.now = now
	e.failures.now = now
	e.devices.now = now
	e.sightings.now = now
}

// RecordFailure feeds a failed activation back into the failed-attempt
// window for the request's subject and IP
func (e *Engine) RecordFailure(rc RequestContext) {
	e.failures.Record(rc.subject())
	if rc.IP != "" {
		e.failures.Record("ip:" + rc.IP)
	}
}

// Assess evaluates all signals for the request and returns a fresh
// assessment. The request itself is recorded into the velocity and churn
// windows before evaluation. A blacklist hit sets the score to MaxScore
// and skips the remaining signals.
func (e *Engine) Assess(ctx context.Context, rc RequestContext) (*Assessment, error) {
	// Blacklist first: it gates the operation before any other work.
	if rc.IP != "" {
		entry, err := e.blacklist.Match(ctx, SubjectIP, rc.IP)
		if err != nil {
			return nil, fmt.Errorf("blacklist lookup failed: %w", err)
		}
		if entry != nil {
			return &Assessment{
				Score:       MaxScore,
				Blacklisted: true,
				Reasons:     []string{fmt.Sprintf("IP %s is blacklisted: %s", rc.IP, entry.Reason)},
			}, nil
		}
	}
	if rc.Code != "" {
		entry, err := e.blacklist.Match(ctx, SubjectCode, rc.Code)
		if err != nil {
			return nil, fmt.Errorf("blacklist lookup failed: %w", err)
		}
		if entry != nil {
			return &Assessment{
				Score:       MaxScore,
				Blacklisted: true,
				Reasons:     []string{fmt.Sprintf("code is blacklisted: %s", entry.Reason)},
			}, nil
		}
	}

	assessment := &Assessment{}

	// Request velocity per IP.
	if rc.IP != "" {
		e.requests.Record("ip:" + rc.IP)
		if count := e.requests.Count("ip:" + rc.IP); count > e.cfg.VelocityLimit {
			excess := float64(count-e.cfg.VelocityLimit) / float64(e.cfg.VelocityLimit)
			assessment.Score += math.Min(weightVelocity, weightVelocity*excess)
			assessment.Reasons = append(assessment.Reasons,
				fmt.Sprintf("%d requests from %s within %s (limit %d)", count, rc.IP, e.cfg.VelocityWindow, e.cfg.VelocityLimit))
		}
	}

	// Device churn per code/user.
	if rc.DeviceFP != "" {
		subject := rc.subject()
		e.devices.Record(subject, rc.DeviceFP)
		if count := e.devices.Count(subject); count > e.cfg.ChurnLimit {
			excess := float64(count-e.cfg.ChurnLimit) / float64(e.cfg.ChurnLimit)
			assessment.Score += math.Min(weightChurn, weightChurn*excess)
			assessment.Reasons = append(assessment.Reasons,
				fmt.Sprintf("%d distinct devices within %s (limit %d)", count, e.cfg.ChurnWindow, e.cfg.ChurnLimit))
		}
	}

	// Failed-attempt burst.
	if count := e.failures.Count(rc.subject()); count > e.cfg.FailedAttemptLimit {
		excess := float64(count-e.cfg.FailedAttemptLimit) / float64(e.cfg.FailedAttemptLimit)
		assessment.Score += math.Min(weightFailed, weightFailed*excess)
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("%d failed attempts within %s (limit %d)", count, e.cfg.FailedAttemptWindow, e.cfg.FailedAttemptLimit))
	}

	// Geographic jump: implausible distance between consecutive requests
	// inside a short interval earns a fixed penalty.
	if rc.HasLocation {
		prev, ok := e.sightings.Swap(rc.subject(), rc.IP, rc.Lat, rc.Lon, true)
		if ok && prev.geo {
			interval := e.now().Sub(prev.at)
			if interval < e.cfg.GeoJumpWindow {
				distance := haversineKM(prev.lat, prev.lon, rc.Lat, rc.Lon)
				if distance > e.cfg.GeoJumpDistanceKM {
					assessment.Score += penaltyGeoJump
					assessment.Reasons = append(assessment.Reasons,
						fmt.Sprintf("implausible travel: %.0fkm in %s", distance, interval.Round(time.Second)))
				}
			}
		}
	}

	if assessment.Score > MaxScore {
		assessment.Score = MaxScore
	}

	if len(assessment.Reasons) > 0 {
		e.logger.InfoContext(ctx, "abuse signals triggered",
			slog.Float64("score", assessment.Score),
			slog.Any("reasons", assessment.Reasons),
			slog.String("ip", rc.IP),
		)
	}

	return assessment, nil
}

// haversineKM returns the great-circle distance between two coordinates
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
