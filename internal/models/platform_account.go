package models

import (
	"time"

	"github.com/google/uuid"
)

// PlatformAccount holds the credentials for one external trading-platform
// account. A fresh adapter is built from each enabled row every
// reconciliation cycle.
type PlatformAccount struct {
	ID        uuid.UUID `json:"id"`
	Platform  string    `json:"platform"`
	Label     string    `json:"label"`
	APIKey    string    `json:"-"`
	APISecret string    `json:"-"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
