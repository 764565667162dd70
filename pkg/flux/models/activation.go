package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Activation binds a license key to one device fingerprint
type Activation struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	KeyID       uint      `gorm:"not null;uniqueIndex:idx_activation_key_fingerprint" json:"key_id"`
	Fingerprint string    `gorm:"not null;size:255;uniqueIndex:idx_activation_key_fingerprint" json:"fingerprint"`
	ActivatedAt time.Time `gorm:"not null" json:"activated_at"`
	LastSeenAt  time.Time `gorm:"not null" json:"last_seen_at"`

	// Relationships
	Key LicenseKey `gorm:"foreignKey:KeyID;constraint:OnDelete:CASCADE" json:"-"`
}

// BeforeCreate assigns a random ID and timestamps when they are unset
func (a *Activation) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.ActivatedAt.IsZero() {
		a.ActivatedAt = now
	}
	if a.LastSeenAt.IsZero() {
		a.LastSeenAt = a.ActivatedAt
	}
	return nil
}
