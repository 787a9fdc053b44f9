package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ShiftStatusActive  = "ACTIVE"
	ShiftStatusOnBreak = "ON_BREAK"
	ShiftStatusEnded   = "ENDED"
)

type Shift struct {
	ID        uuid.UUID  `json:"id"`
	PayerID   uuid.UUID  `json:"payer_id"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
