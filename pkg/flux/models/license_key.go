package models

import (
	"time"

	"gorm.io/gorm"
)

// KeyStatus is the lifecycle status of a license key
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
)

// LicenseKey is an issued license. Deleting a key only sets DeletedAt, so the
// row keeps its KeyValue in the unique index and the value is never handed out
// again.
type LicenseKey struct {
	ID             uint           `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	KeyValue       string         `gorm:"uniqueIndex;not null;size:64" json:"key"`
	Owner          string         `json:"owner"`
	Status         KeyStatus      `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	MaxActivations int            `gorm:"not null;default:1" json:"max_activations"`
	ExpiresAt      *time.Time     `json:"expires_at"`
}

// IsRevoked reports whether the key has been revoked
func (k *LicenseKey) IsRevoked() bool {
	return k.Status == KeyStatusRevoked
}

// IsExpired reports whether the key has an expiry that lies before now
func (k *LicenseKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
