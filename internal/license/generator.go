package license

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"keygate/internal/config"
)

// codeCharset excludes confusable characters (I, O, 0, 1) so codes
// survive being read over the phone or typed from a printed card.
const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Generator produces unique human-readable activation codes in batches.
// Randomness comes from crypto/rand in production; tests may inject a
// deterministic reader without weakening the production path.
type Generator struct {
	store       CodeStore
	groupCount  int
	groupLength int
	maxRetries  int
	random      io.Reader
	logger      *slog.Logger
	now         func() time.Time
}

// GeneratorOption customizes a Generator
type GeneratorOption func(*Generator)

// WithRandom injects a random source, used for test reproducibility
func WithRandom(r io.Reader) GeneratorOption {
	return func(g *Generator) { g.random = r }
}

// WithClock injects a clock, used in tests
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a code generator backed by the given store
func NewGenerator(store CodeStore, cfg config.CodesConfig, logger *slog.Logger, opts ...GeneratorOption) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{
		store:       store,
		groupCount:  cfg.GroupCount,
		groupLength: cfg.GroupLength,
		maxRetries:  cfg.MaxRetries,
		random:      rand.Reader,
		logger:      logger.With(slog.String("component", "code_generator")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces spec.Count codes, persists them and the batch record,
// and returns the created codes. Each candidate is checked against the
// store; a collision triggers regeneration up to the retry budget, after
// which ErrGenerationExhausted is returned. The bounded retry turns a
// vanishingly rare collision into an observable error instead of a silent
// retry loop.
func (g *Generator) Generate(ctx context.Context, spec BatchSpec) (*CodeBatch, []*ActivationCode, error) {
	if spec.Count < 1 {
		return nil, nil, fmt.Errorf("batch count must be at least 1, got %d", spec.Count)
	}
	if spec.MaxActivations < 1 {
		return nil, nil, fmt.Errorf("max_activations must be at least 1, got %d", spec.MaxActivations)
	}
	if spec.ExpiresIn < 0 {
		return nil, nil, fmt.Errorf("expires_in must not be negative, got %s", spec.ExpiresIn)
	}

	now := g.now()

	// Zero ExpiresIn produces non-expiring codes, used for lifetime
	// licenses.
	var expiresAt time.Time
	if spec.ExpiresIn > 0 {
		expiresAt = now.Add(spec.ExpiresIn)
	}
	batch := &CodeBatch{
		ID:          uuid.New(),
		Name:        spec.Name,
		SoftwareID:  spec.SoftwareID,
		LicenseType: spec.LicenseType,
		Count:       spec.Count,
		CreatedAt:   now,
	}

	codes := make([]*ActivationCode, 0, spec.Count)
	for i := 0; i < spec.Count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		value, err := g.uniqueCode(ctx)
		if err != nil {
			return nil, nil, err
		}

		code := &ActivationCode{
			ID:             uuid.New(),
			Code:           value,
			BatchID:        batch.ID,
			SoftwareID:     spec.SoftwareID,
			LicenseType:    spec.LicenseType,
			MaxActivations: spec.MaxActivations,
			Status:         StatusIssued,
			ExpiresAt:      expiresAt,
			CreatedAt:      now,
		}
		if err := g.store.Put(ctx, code); err != nil {
			return nil, nil, fmt.Errorf("failed to persist code: %w", err)
		}
		codes = append(codes, code)
	}

	if err := g.store.PutBatch(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	g.logger.InfoContext(ctx, "code batch generated",
		slog.String("batch_id", batch.ID.String()),
		slog.String("license_type", string(spec.LicenseType)),
		slog.Int("count", spec.Count),
		slog.Int("max_activations", spec.MaxActivations),
	)

	return batch, codes, nil
}

// uniqueCode draws candidates until one is absent from the store or the
// retry budget runs out
func (g *Generator) uniqueCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		candidate, err := g.randomCode()
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}

		exists, err := g.store.Exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("uniqueness check failed: %w", err)
		}
		if !exists {
			return candidate, nil
		}

		g.logger.WarnContext(ctx, "code collision, regenerating",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", g.maxRetries),
		)
	}
	return "", ErrGenerationExhausted
}

// randomCode produces one formatted candidate, e.g. XXXXX-XXXXX-XXXXX-XXXXX-XXXXX
func (g *Generator) randomCode() (string, error) {
	total := g.groupCount * g.groupLength
	buf := make([]byte, total)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", err
	}

	var sb strings.Builder
	for i, b := range buf {
		if i > 0 && i%g.groupLength == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(codeCharset[int(b)%len(codeCharset)])
	}
	return sb.String(), nil
}

// NormalizeCode uppercases a user-supplied code and strips spaces so
// lookups tolerate how people actually type scratch codes
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(code, " ", "")))
}
