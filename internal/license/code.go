package license

import (
	"time"

	"github.com/google/uuid"
)

// Status is the authoritative lifecycle field of an activation code.
// Transitions happen only through the StateMachine.
type Status string

const (
	StatusIssued      Status = "ISSUED"
	StatusActivated   Status = "ACTIVATED"
	StatusDeactivated Status = "DEACTIVATED"
	StatusExpired     Status = "EXPIRED"
	StatusRevoked     Status = "REVOKED"
)

// Terminal reports whether the status permits no further transitions
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// Type classifies the license grant carried by a code
type Type string

const (
	TypeTrial      Type = "TRIAL"
	TypeStandard   Type = "STANDARD"
	TypePremium    Type = "PREMIUM"
	TypeEnterprise Type = "ENTERPRISE"
	TypeLifetime   Type = "LIFETIME"
)

// ActivationCode is a human-readable secret redeemable on up to
// MaxActivations devices. Relationships to bindings are by ID, never by
// nested pointers. A zero ExpiresAt means the code never expires.
type ActivationCode struct {
	ID             uuid.UUID `json:"id"`
	Code           string    `json:"code"`
	BatchID        uuid.UUID `json:"batch_id"`
	SoftwareID     string    `json:"software_id"`
	LicenseType    Type      `json:"license_type"`
	MaxActivations int       `json:"max_activations"`
	Status         Status    `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	RevokedReason  string    `json:"revoked_reason,omitempty"`
}

// ExpiredAt reports whether the code's expiry has passed at the given
// instant. Stored status is irrelevant: expiry is checked lazily on every
// read so a stale ACTIVATED row still reads as expired. Codes with a zero
// ExpiresAt never expire.
func (c *ActivationCode) ExpiredAt(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// EffectiveStatus returns the status after the lazy expiry check
func (c *ActivationCode) EffectiveStatus(now time.Time) Status {
	if c.Status != StatusRevoked && c.ExpiredAt(now) {
		return StatusExpired
	}
	return c.Status
}

// CodeBatch records a generation request. Created once, immutable after.
type CodeBatch struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	SoftwareID  string    `json:"software_id"`
	LicenseType Type      `json:"license_type"`
	Count       int       `json:"count"`
	CreatedAt   time.Time `json:"created_at"`
}

// BatchSpec describes a batch to generate
type BatchSpec struct {
	Name           string
	SoftwareID     string
	LicenseType    Type
	Count          int
	MaxActivations int
	ExpiresIn      time.Duration
}

// DeviceBinding associates an activation code with a device fingerprint.
// A binding with RevokedAt set is soft-removed and does not count against
// the activation limit.
type DeviceBinding struct {
	CodeID            uuid.UUID  `json:"code_id"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	DeviceName        string     `json:"device_name"`
	ActivatedAt       time.Time  `json:"activated_at"`
	LastSeenAt        time.Time  `json:"last_seen_at"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the binding still occupies an activation slot
func (b *DeviceBinding) Active() bool {
	return b.RevokedAt == nil
}
