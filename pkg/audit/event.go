// Package audit records device transactions and lost updates to an
// append-only trail.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event is one auditable engine action on a gateway node.
type Event struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Node       string        `json:"node"`
	Type       EventType     `json:"type"`
	TxID       string        `json:"tx_id,omitempty"`
	Entity     string        `json:"entity,omitempty"`
	Operations []string      `json:"operations,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// EventType categorizes audit events
type EventType string

const (
	EventTypeTransaction EventType = "transaction"
	EventTypeLostUpdate  EventType = "lost-update"
	EventTypeReconcile   EventType = "reconcile"
	EventTypeDisconnect  EventType = "disconnect"
)

// Filter defines criteria for querying audit events
type Filter struct {
	Node        string
	Type        EventType
	TxID        string
	Entity      string // "type:key" or a bare key; see matchesEntity
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
	Last        int // keep only the most recent matches
}

// NewEvent creates a new audit event
func NewEvent(node string, typ EventType) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Node:      node,
		Type:      typ,
	}
}

// WithTransaction sets the device transaction id
func (e *Event) WithTransaction(txID string) *Event {
	e.TxID = txID
	return e
}

// WithEntity names the entity the event concerns
func (e *Event) WithEntity(entity string) *Event {
	e.Entity = entity
	return e
}

// WithOperations sets the operations sent to the device
func (e *Event) WithOperations(ops []string) *Event {
	e.Operations = ops
	return e
}

// WithReason sets why the event happened
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}
