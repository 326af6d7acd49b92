package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const SchemaVersion = "1.0"

const DefaultMaxAttempts = 3

type EventType string

const (
	ConversationCardsComplete EventType = "conversation.cards_complete"

	BriefAssembled        EventType = "brief.assembled"
	BriefValidationFailed EventType = "brief.validation_failed"

	PaymentSessionCreated EventType = "payment.session_created"
	PaymentConfirmed      EventType = "payment.confirmed"
	PaymentFailed         EventType = "payment.failed"

	OrderCreated      EventType = "order.created"
	OrderTransitioned EventType = "order.transitioned"
	OrderRefunded     EventType = "order.refunded"

	ProductionStarted  EventType = "production.started"
	ProductionProgress EventType = "production.progress"
	ProductionComplete EventType = "production.complete"
	ProductionFailed   EventType = "production.failed"

	DeliveryReady     EventType = "delivery.ready"
	DeliveryCompleted EventType = "delivery.completed"

	ResurrectionTriggered EventType = "resurrection.triggered"
	ResurrectionAbandoned EventType = "resurrection.abandoned"

	DeadLetterCreated  EventType = "deadletter.created"
	DeadLetterReplayed EventType = "deadletter.replayed"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Payload is implemented by every typed event body.
type Payload interface {
	EventType() EventType
}

// Envelope is the wire form of every event on the bus. Payload stays raw
// until a consumer decodes it into the struct registered for Type.
type Envelope struct {
	ID            string          `json:"event_id"`
	Type          EventType       `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	Source        string          `json:"source"`
	Priority      Priority        `json:"priority"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	Replayed      bool            `json:"replayed,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func New(source, correlationID string, payload Payload) (*Envelope, error) {
	if payload == nil {
		return nil, errors.New("nil event payload")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", payload.EventType(), err)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Type:          payload.EventType(),
		Version:       SchemaVersion,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Source:        source,
		Priority:      defaultPriority(payload.EventType()),
		MaxAttempts:   DefaultMaxAttempts,
		Payload:       body,
	}, nil
}

// Child builds the next event in the same causal chain.
func (e *Envelope) Child(source string, payload Payload) (*Envelope, error) {
	child, err := New(source, e.CorrelationID, payload)
	if err != nil {
		return nil, err
	}
	child.CausationID = e.ID
	return child, nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errors.New("event envelope without event_type")
	}
	return &env, nil
}

// Decode parses the payload into the struct registered for the event type.
func (e *Envelope) Decode() (Payload, error) {
	factory, ok := registry[e.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	p := factory()
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// DecodeAs decodes the payload and asserts its concrete type.
func DecodeAs[T Payload](e *Envelope) (T, error) {
	var zero T
	p, err := e.Decode()
	if err != nil {
		return zero, err
	}
	typed, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("event %s carries %T, not %T", e.Type, p, zero)
	}
	return typed, nil
}

func defaultPriority(t EventType) Priority {
	switch t {
	case PaymentConfirmed, ProductionFailed, ResurrectionAbandoned, DeadLetterCreated:
		return PriorityHigh
	case ProductionProgress, OrderTransitioned:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
