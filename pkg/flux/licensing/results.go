package licensing

import (
	"errors"
	"fmt"

	"github.com/mikepea/flux/pkg/flux/apperrors"
	"github.com/mikepea/flux/pkg/flux/models"
)

// Reason explains why a license check did not succeed
type Reason string

const (
	ReasonUnknownKey    Reason = "unknown key"
	ReasonRevoked       Reason = "revoked"
	ReasonExpired       Reason = "expired"
	ReasonNotActivated  Reason = "not activated"
	ReasonLimitExceeded Reason = "limit exceeded"
)

// ErrInvalidLicense is matched by Err() of any failed result other than a
// full activation limit.
var ErrInvalidLicense = errors.New("invalid license")

// reasonErr converts a result reason into an error
func reasonErr(reason Reason) error {
	switch reason {
	case "":
		return nil
	case ReasonLimitExceeded:
		return apperrors.ErrLimitExceeded
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLicense, reason)
	}
}

// ValidationResult is the outcome of Validate
type ValidationResult struct {
	Valid                bool
	Reason               Reason
	Key                  *models.LicenseKey
	RemainingActivations int
}

// Err returns nil for a valid license and an error describing the reason otherwise
func (r *ValidationResult) Err() error { return reasonErr(r.Reason) }

// ActivationResult is the outcome of Activate
type ActivationResult struct {
	Activated            bool
	Reason               Reason
	Key                  *models.LicenseKey
	Activation           *models.Activation
	RemainingActivations int
	// AlreadyActive is set when the fingerprint was bound before this call
	AlreadyActive bool
}

// Err returns nil on success, apperrors.ErrLimitExceeded when the key is full,
// and an ErrInvalidLicense error otherwise.
func (r *ActivationResult) Err() error { return reasonErr(r.Reason) }

// DeactivationResult is the outcome of Deactivate
type DeactivationResult struct {
	Deactivated bool
	Reason      Reason
	// Removed is false when the fingerprint had no activation to remove
	Removed bool
}

// Err returns nil on success and an ErrInvalidLicense error otherwise
func (r *DeactivationResult) Err() error { return reasonErr(r.Reason) }

// KeySummary is a license key together with its current activation count
type KeySummary struct {
	models.LicenseKey
	ActiveCount int64 `json:"active_count"`
}

// remaining returns the free activation slots, never negative
func remaining(maxActivations int, active int64) int {
	left := maxActivations - int(active)
	if left < 0 {
		return 0
	}
	return left
}
