package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PayerStatusActive   = "active"
	PayerStatusDisabled = "disabled"
)

// Payer is a staff member who completes payment for assigned trades.
// ClockedIn and the shift state are owned by the shift-tracking subsystem;
// the reconciliation engine only reads them.
type Payer struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Status      string    `json:"status"`
	ClockedIn   bool      `json:"clocked_in"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
