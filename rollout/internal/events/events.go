// Package events publishes rollout lifecycle notifications to downstream
// consumers (reporting, billing reconciliation, audit archive).
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/OptiInfra/Platform/rollout/internal/models"
)

type Type string

const (
	TypeSubmitted      Type = "rollout.submitted"
	TypeTransitioned   Type = "rollout.transitioned"
	TypePhaseCompleted Type = "rollout.phase_completed"
	TypeRolledBack     Type = "rollout.rolled_back"
	TypeFinished       Type = "rollout.finished"
)

// Event is one lifecycle notification. Detail carries a type-specific payload
// (the transition, the phase result, the rollback outcomes).
type Event struct {
	ID         uuid.UUID             `json:"id"`
	Type       Type                  `json:"type"`
	WorkflowID uuid.UUID             `json:"workflowId"`
	CustomerID string                `json:"customerId"`
	Status     models.WorkflowStatus `json:"status"`
	Detail     json.RawMessage       `json:"detail,omitempty"`
	OccurredAt time.Time             `json:"occurredAt"`
}

// New builds an event for the workflow's current state. A detail value that
// fails to marshal is logged and dropped rather than blocking the event.
func New(t Type, st *models.WorkflowState, detail interface{}) Event {
	ev := Event{
		ID:         uuid.New(),
		Type:       t,
		WorkflowID: st.ID,
		CustomerID: st.CustomerID,
		Status:     st.Status,
		OccurredAt: time.Now().UTC(),
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			log.Printf("[events] marshal detail for %s: %v", t, err)
		} else {
			ev.Detail = raw
		}
	}
	return ev
}

// Sink delivers events to a transport.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
	Close() error
}

// NoopSink discards events. Used in dev mode when no broker is configured.
type NoopSink struct{}

func (NoopSink) Deliver(ctx context.Context, ev Event) error { return nil }
func (NoopSink) Close() error                                { return nil }
