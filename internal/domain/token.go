package domain

import (
	"time"
)

// Subject is the candidate/vacancy pair an invitation is issued for.
type Subject struct {
	CandidateID string `json:"candidate_id"`
	VacancyID   string `json:"vacancy_id"`
	Phone       string `json:"phone,omitempty"`
}

// InvitationToken gates access to the prescreen flow.
type InvitationToken struct {
	JTI          string
	Subject      Subject
	IssuedAt     time.Time
	ExpiresAt    time.Time
	ConsumedAt   *time.Time
	AutocalledAt *time.Time
}

// Consumed reports whether the token has already been used.
func (t *InvitationToken) Consumed() bool {
	return t.ConsumedAt != nil
}

// ExpiredAt reports whether the token is past its TTL at now.
func (t *InvitationToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
