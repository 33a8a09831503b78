package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

// Memory is an in-process scheduler with per-slot capacity.
type Memory struct {
	mu       sync.Mutex
	slots    map[string]domain.Slot
	capacity map[string]int
	bookings map[string][]domain.Booking
	calls    []string
}

// NewMemory creates an empty in-memory scheduler.
func NewMemory() *Memory {
	return &Memory{
		slots:    make(map[string]domain.Slot),
		capacity: make(map[string]int),
		bookings: make(map[string][]domain.Booking),
	}
}

// AddSlot registers a slot that can be booked capacity times.
func (m *Memory) AddSlot(slot domain.Slot, capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slot.ID] = slot
	m.capacity[slot.ID] = capacity
}

// Slots returns slots with free capacity ordered by start time.
func (m *Memory) Slots(_ context.Context, vacancyID string) ([]domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Slot
	for id, s := range m.slots {
		if s.VacancyID != vacancyID {
			continue
		}
		if len(m.bookings[id]) >= m.capacity[id] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartAt.Before(out[j].StartAt)
	})
	return out, nil
}

// Book reserves one unit of the slot's capacity.
func (m *Memory) Book(_ context.Context, slotID, candidateID string) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, slotID)
	if _, ok := m.slots[slotID]; !ok {
		return domain.Booking{}, fmt.Errorf("slot %s not found", slotID)
	}
	if len(m.bookings[slotID]) >= m.capacity[slotID] {
		return domain.Booking{}, fmt.Errorf("slot %s is full: %w", slotID, domain.ErrBookingConflict)
	}

	id := uuid.NewString()
	b := domain.Booking{
		ID:          id,
		SlotID:      slotID,
		CandidateID: candidateID,
		Code:        "S-" + strings.ToUpper(strings.ReplaceAll(id, "-", "")[:8]),
	}
	m.bookings[slotID] = append(m.bookings[slotID], b)
	return b, nil
}

// Fill consumes all remaining capacity of a slot.
func (m *Memory) Fill(slotID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.bookings[slotID]) < m.capacity[slotID] {
		m.bookings[slotID] = append(m.bookings[slotID], domain.Booking{SlotID: slotID})
	}
}

// BookCalls returns the slot ids passed to Book in call order.
func (m *Memory) BookCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
