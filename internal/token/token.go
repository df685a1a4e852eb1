// Package token implements offline license validation: signed, time-boxed
// tokens that a disconnected client can verify with nothing but the
// issuer's public key.
package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"keygate/internal/config"
)

// Sentinel errors for token verification
var (
	// ErrSignatureInvalid indicates the token failed signature checks;
	// any mutated byte lands here.
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrTokenExpired indicates the token's expiry has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked indicates the token ID is on the revocation list.
	ErrTokenRevoked = errors.New("token revoked")
)

// Claims carries the licensed identity inside a validation token. The
// feature bitset is opaque to the token layer.
type Claims struct {
	Code              string `json:"code"`
	DeviceFingerprint string `json:"dfp"`
	Features          uint64 `json:"fts"`
	jwt.RegisteredClaims
}

// Validation is the result of a successful verify
type Validation struct {
	Valid             bool      `json:"valid"`
	TokenID           string    `json:"token_id"`
	Code              string    `json:"code"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	Features          uint64    `json:"features"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Service issues and verifies Ed25519-signed validation tokens. The
// private key never leaves the issuing service; verification needs only
// the public key. When network-connected, verify additionally consults an
// in-process revocation list keyed by token ID; offline verification is
// signature + expiry alone, trading revocation latency for availability.
type Service struct {
	cfg     config.TokenConfig
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	logger  *slog.Logger
	now     func() time.Time

	revokedMu sync.RWMutex
	revoked   map[string]time.Time
}

// NewService creates a token service. With no configured signing key file
// an ephemeral key pair is generated, which means issued tokens do not
// survive a process restart.
func NewService(cfg config.TokenConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var private ed25519.PrivateKey
	if cfg.SigningKeyFile != "" {
		key, err := loadSigningKey(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		private = key
	} else {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		private = key
		logger.Warn("no signing key configured, using ephemeral key; tokens will not survive restart")
	}

	return &Service{
		cfg:     cfg,
		private: private,
		public:  private.Public().(ed25519.PublicKey),
		logger:  logger.With(slog.String("component", "token_service")),
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}, nil
}

// SetClock overrides the clock, used in expiry tests
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// PublicKey returns the verification key for distribution to clients
func (s *Service) PublicKey() ed25519.PublicKey {
	return s.public
}

// Issue signs a validation token for the given code and device. TTL is
// clamped to the configured maximum; zero means the configured default.
// Callers are responsible for ensuring the code is currently activated
// for the device before issuing.
func (s *Service) Issue(ctx context.Context, code, deviceFP string, features uint64, ttl time.Duration) (string, *Validation, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}

	now := s.now()
	tokenID := uuid.New().String()
	claims := Claims{
		Code:              code,
		DeviceFingerprint: deviceFP,
		Features:          features,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.private)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	s.logger.InfoContext(ctx, "offline token issued",
		slog.String("token_id", tokenID),
		slog.String("device_fingerprint", deviceFP),
		slog.Duration("ttl", ttl),
	)

	return signed, &Validation{
		Valid:             true,
		TokenID:           tokenID,
		Code:              code,
		DeviceFingerprint: deviceFP,
		Features:          features,
		ExpiresAt:         now.Add(ttl),
	}, nil
}

// Verify checks signature integrity and expiry, and consults the
// revocation list when checkRevocation is set. Signature failures and
// expiry are reported as distinct errors so clients can react
// appropriately.
func (s *Service) Verify(ctx context.Context, tokenString string, checkRevocation bool) (*Validation, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.public, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.cfg.Issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrSignatureInvalid
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrSignatureInvalid
	}

	if checkRevocation && s.isRevoked(claims.ID) {
		return nil, ErrTokenRevoked
	}

	return &Validation{
		Valid:             true,
		TokenID:           claims.ID,
		Code:              claims.Code,
		DeviceFingerprint: claims.DeviceFingerprint,
		Features:          claims.Features,
		ExpiresAt:         claims.ExpiresAt.Time,
	}, nil
}

// Revoke puts a token ID on the revocation list. Offline verifiers will
// keep accepting the token until it expires; that latency is the price of
// offline availability.
func (s *Service) Revoke(tokenID string) {
	s.revokedMu.Lock()
	defer s.revokedMu.Unlock()
	s.revoked[tokenID] = s.now()
}

func (s *Service) isRevoked(tokenID string) bool {
	s.revokedMu.RLock()
	defer s.revokedMu.RUnlock()
	_, ok := s.revoked[tokenID]
	return ok
}

// loadSigningKey reads a PEM encoded PKCS#8 Ed25519 private key
func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in signing key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("signing key is not an Ed25519 private key")
	}
	return key, nil
}
