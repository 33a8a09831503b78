// Package scheduler talks to the interview slot store.
package scheduler

import (
	"context"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

// Scheduler lists bookable slots and reserves them.
type Scheduler interface {
	// Slots returns the available slots for a vacancy ordered by start time.
	Slots(ctx context.Context, vacancyID string) ([]domain.Slot, error)

	// Book reserves slotID for the candidate. It fails with
	// domain.ErrBookingConflict when the slot is already full.
	Book(ctx context.Context, slotID, candidateID string) (domain.Booking, error)
}
