// Package events publishes best-effort notifications about restriction and
// override changes. Delivery is never guaranteed; consumers reconcile from
// the store.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	SubjectRestrictionApplied = "kbudget.restriction.applied"
	SubjectRestrictionCleared = "kbudget.restriction.cleared"
	SubjectOverrideGranted    = "kbudget.override.granted"
)

// Publisher sends events to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, event Event) error
	Close() error
}

// Event is the envelope every notification is sent in.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Resource   string    `json:"resource"`
	Name       string    `json:"name,omitempty"`
	Trigger    string    `json:"trigger,omitempty"`
	Restricted bool      `json:"restricted"`
	Reason     string    `json:"reason,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
}

// New returns an envelope with a fresh ID.
func New(resource string, at time.Time) Event {
	return Event{
		ID:       uuid.NewString(),
		Time:     at.UTC(),
		Resource: resource,
	}
}

// RestrictionSubject returns the subject for a restriction flag change.
func RestrictionSubject(restricted bool) string {
	if restricted {
		return SubjectRestrictionApplied
	}
	return SubjectRestrictionCleared
}
