package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/paydesk/backend/internal/models"
)

// PayerSource lists active clocked-in payers, ordered by creation time.
type PayerSource interface {
	ListClockedIn(ctx context.Context) ([]*models.Payer, error)
}

// ShiftSource reports which payers currently have an ACTIVE shift.
type ShiftSource interface {
	ActivePayerIDs(ctx context.Context) (map[uuid.UUID]bool, error)
}

// AssignmentSource reports which payers already hold an ASSIGNED trade.
type AssignmentSource interface {
	AssignedPayerIDs(ctx context.Context) (map[uuid.UUID]bool, error)
}

// Availability resolves which payers can receive a new assignment right
// now. Clock state and shift state live in different tables and can
// transiently disagree; a payer must satisfy both before they count.
type Availability struct {
	payers PayerSource
	shifts ShiftSource
	ledger AssignmentSource
}

func NewAvailability(payers PayerSource, shifts ShiftSource, ledger AssignmentSource) *Availability {
	return &Availability{payers: payers, shifts: shifts, ledger: ledger}
}

// AvailablePayers returns eligible payers ordered by account creation time
// ascending: clocked in, on an ACTIVE shift, and not holding an assigned
// trade.
func (a *Availability) AvailablePayers(ctx context.Context) ([]*models.Payer, error) {
	clockedIn, err := a.payers.ListClockedIn(ctx)
	if err != nil {
		return nil, err
	}
	if len(clockedIn) == 0 {
		return nil, nil
	}
	onShift, err := a.shifts.ActivePayerIDs(ctx)
	if err != nil {
		return nil, err
	}
	holding, err := a.ledger.AssignedPayerIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Payer
	for _, p := range clockedIn {
		if !onShift[p.ID] || holding[p.ID] {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// EligiblePayers is AvailablePayers without the assignment exclusion; the
// reassignment round-robin needs the full roster to find "the next payer
// after the current one" even when that payer is busy.
func (a *Availability) EligiblePayers(ctx context.Context) ([]*models.Payer, error) {
	clockedIn, err := a.payers.ListClockedIn(ctx)
	if err != nil {
		return nil, err
	}
	if len(clockedIn) == 0 {
		return nil, nil
	}
	onShift, err := a.shifts.ActivePayerIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Payer
	for _, p := range clockedIn {
		if onShift[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}
