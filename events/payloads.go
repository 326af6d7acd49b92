package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/malwarebo/reelpipe/models"
)

var registry = map[EventType]func() Payload{
	ConversationCardsComplete: func() Payload { return &CardsComplete{} },
	BriefAssembled:            func() Payload { return &BriefAssembledPayload{} },
	BriefValidationFailed:     func() Payload { return &BriefValidationFailedPayload{} },
	PaymentSessionCreated:     func() Payload { return &PaymentSessionCreatedPayload{} },
	PaymentConfirmed:          func() Payload { return &PaymentConfirmedPayload{} },
	PaymentFailed:             func() Payload { return &PaymentFailedPayload{} },
	OrderCreated:              func() Payload { return &OrderCreatedPayload{} },
	OrderTransitioned:         func() Payload { return &OrderTransitionedPayload{} },
	OrderRefunded:             func() Payload { return &OrderRefundedPayload{} },
	ProductionStarted:         func() Payload { return &ProductionStartedPayload{} },
	ProductionProgress:        func() Payload { return &ProductionProgressPayload{} },
	ProductionComplete:        func() Payload { return &ProductionCompletePayload{} },
	ProductionFailed:          func() Payload { return &ProductionFailedPayload{} },
	DeliveryReady:             func() Payload { return &DeliveryReadyPayload{} },
	DeliveryCompleted:         func() Payload { return &DeliveryCompletedPayload{} },
	ResurrectionTriggered:     func() Payload { return &ResurrectionTriggeredPayload{} },
	ResurrectionAbandoned:     func() Payload { return &ResurrectionAbandonedPayload{} },
	DeadLetterCreated:         func() Payload { return &DeadLetterCreatedPayload{} },
	DeadLetterReplayed:        func() Payload { return &DeadLetterReplayedPayload{} },
}

func Known(t EventType) bool {
	_, ok := registry[t]
	return ok
}

// CardsComplete is the single inbound event from the conversation layer.
// Cards stay raw so each one can be validated and reported on its own.
type CardsComplete struct {
	SessionID      string          `json:"session_id"`
	UserEmail      string          `json:"user_email,omitempty"`
	BusinessName   string          `json:"business_name,omitempty"`
	Tier           string          `json:"tier,omitempty"`
	PersonaCard    json.RawMessage `json:"persona_card,omitempty"`
	CompetitorCard json.RawMessage `json:"competitor_card,omitempty"`
	ScriptCard     json.RawMessage `json:"script_card,omitempty"`
	ROICard        json.RawMessage `json:"roi_card,omitempty"`
}

func (CardsComplete) EventType() EventType { return ConversationCardsComplete }

type BriefCards struct {
	Persona    *PersonaCard
	Competitor *CompetitorCard
	Script     *ScriptCard
	ROI        *ROICard
}

type CardProblem struct {
	Card    models.CardType `json:"card"`
	Missing bool            `json:"missing"`
	Reason  string          `json:"reason"`
}

// ParseCards decodes and validates the four required cards. Cards are
// returned only when there are no problems.
func (p *CardsComplete) ParseCards() (*BriefCards, []CardProblem) {
	cards := &BriefCards{
		Persona:    &PersonaCard{},
		Competitor: &CompetitorCard{},
		Script:     &ScriptCard{},
		ROI:        &ROICard{},
	}

	inputs := []struct {
		kind models.CardType
		raw  json.RawMessage
		into Card
	}{
		{models.CardPersona, p.PersonaCard, cards.Persona},
		{models.CardCompetitor, p.CompetitorCard, cards.Competitor},
		{models.CardScript, p.ScriptCard, cards.Script},
		{models.CardROI, p.ROICard, cards.ROI},
	}

	var problems []CardProblem
	for _, in := range inputs {
		raw := bytes.TrimSpace(in.raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			problems = append(problems, CardProblem{Card: in.kind, Missing: true, Reason: "card missing"})
			continue
		}
		if err := json.Unmarshal(raw, in.into); err != nil {
			problems = append(problems, CardProblem{Card: in.kind, Reason: fmt.Sprintf("malformed card: %v", err)})
			continue
		}
		if err := in.into.Validate(); err != nil {
			problems = append(problems, CardProblem{Card: in.kind, Reason: err.Error()})
		}
	}

	if len(problems) > 0 {
		return nil, problems
	}
	return cards, nil
}

type BriefAssembledPayload struct {
	BriefID       string  `json:"brief_id"`
	SessionID     string  `json:"session_id"`
	Version       int     `json:"version"`
	ParentBriefID string  `json:"parent_brief_id,omitempty"`
	Score         float64 `json:"score"`
	Grade         string  `json:"grade"`
	Tier          string  `json:"tier,omitempty"`
	ContactEmail  string  `json:"contact_email,omitempty"`
}

func (BriefAssembledPayload) EventType() EventType { return BriefAssembled }

type BriefValidationFailedPayload struct {
	SessionID string        `json:"session_id"`
	Problems  []CardProblem `json:"problems"`
}

func (BriefValidationFailedPayload) EventType() EventType { return BriefValidationFailed }

type PaymentSessionCreatedPayload struct {
	OrderID           string    `json:"order_id"`
	BriefID           string    `json:"brief_id"`
	Provider          string    `json:"provider"`
	ProviderSessionID string    `json:"provider_session_id"`
	CheckoutURL       string    `json:"checkout_url"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	ExpiresAt         time.Time `json:"expires_at"`
}

func (PaymentSessionCreatedPayload) EventType() EventType { return PaymentSessionCreated }

type PaymentConfirmedPayload struct {
	OrderID           string `json:"order_id"`
	Provider          string `json:"provider"`
	ProviderEventID   string `json:"provider_event_id"`
	ProviderPaymentID string `json:"provider_payment_id,omitempty"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
}

func (PaymentConfirmedPayload) EventType() EventType { return PaymentConfirmed }

type PaymentFailedPayload struct {
	OrderID         string `json:"order_id"`
	Provider        string `json:"provider"`
	ProviderEventID string `json:"provider_event_id"`
	Reason          string `json:"reason"`
	Expired         bool   `json:"expired,omitempty"`
}

func (PaymentFailedPayload) EventType() EventType { return PaymentFailed }

type OrderCreatedPayload struct {
	OrderID   string `json:"order_id"`
	BriefID   string `json:"brief_id"`
	SessionID string `json:"session_id"`
	Tier      string `json:"tier"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

func (OrderCreatedPayload) EventType() EventType { return OrderCreated }

type OrderTransitionedPayload struct {
	OrderID    string             `json:"order_id"`
	From       models.OrderStatus `json:"old_status"`
	To         models.OrderStatus `json:"new_status"`
	Version    int64              `json:"version"`
	RetryCount int                `json:"retry_count"`
	Reason     string             `json:"reason,omitempty"`
}

func (OrderTransitionedPayload) EventType() EventType { return OrderTransitioned }

type OrderRefundedPayload struct {
	OrderID         string `json:"order_id"`
	Provider        string `json:"provider"`
	ProviderEventID string `json:"provider_event_id"`
	Amount          int64  `json:"amount"`
}

func (OrderRefundedPayload) EventType() EventType { return OrderRefunded }

type ProductionStartedPayload struct {
	OrderID string `json:"order_id"`
	JobID   string `json:"job_id"`
}

func (ProductionStartedPayload) EventType() EventType { return ProductionStarted }

type ProductionProgressPayload struct {
	OrderID string `json:"order_id"`
	JobID   string `json:"job_id,omitempty"`
	Percent int    `json:"percent"`
	Phase   string `json:"phase"`
}

func (ProductionProgressPayload) EventType() EventType { return ProductionProgress }

type ProductionCompletePayload struct {
	OrderID         string `json:"order_id"`
	JobID           string `json:"job_id,omitempty"`
	AssetURL        string `json:"asset_url"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

func (ProductionCompletePayload) EventType() EventType { return ProductionComplete }

type ProductionFailedPayload struct {
	OrderID   string `json:"order_id"`
	JobID     string `json:"job_id,omitempty"`
	Error     string `json:"error"`
	Retryable *bool  `json:"retryable,omitempty"`
}

func (ProductionFailedPayload) EventType() EventType { return ProductionFailed }

// DeliveryReadyPayload never carries the raw token; only its id.
type DeliveryReadyPayload struct {
	OrderID      string    `json:"order_id"`
	TokenID      string    `json:"token_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	MaxDownloads int       `json:"max_downloads"`
	Email        string    `json:"email,omitempty"`
	Reissued     bool      `json:"reissued,omitempty"`
}

func (DeliveryReadyPayload) EventType() EventType { return DeliveryReady }

type DeliveryCompletedPayload struct {
	OrderID       string `json:"order_id"`
	TokenID       string `json:"token_id"`
	DownloadCount int    `json:"download_count"`
	Remaining     int    `json:"remaining"`
}

func (DeliveryCompletedPayload) EventType() EventType { return DeliveryCompleted }

type ResurrectionTriggeredPayload struct {
	OrderID      string             `json:"order_id"`
	Status       models.OrderStatus `json:"status"`
	StuckMinutes int                `json:"stuck_minutes"`
	Attempt      int                `json:"attempt"`
	Action       string             `json:"action"`
	Manual       bool               `json:"manual,omitempty"`
}

func (ResurrectionTriggeredPayload) EventType() EventType { return ResurrectionTriggered }

type ResurrectionAbandonedPayload struct {
	OrderID                    string             `json:"order_id"`
	Status                     models.OrderStatus `json:"status"`
	Attempts                   int                `json:"attempts"`
	RequiresManualIntervention bool               `json:"requires_manual_intervention"`
}

func (ResurrectionAbandonedPayload) EventType() EventType { return ResurrectionAbandoned }

type DeadLetterCreatedPayload struct {
	DeadLetterID  string    `json:"dead_letter_id"`
	OriginalType  EventType `json:"original_event_type"`
	OriginalEvent string    `json:"original_event_id"`
	Error         string    `json:"error"`
	Attempts      int       `json:"attempts"`
}

func (DeadLetterCreatedPayload) EventType() EventType { return DeadLetterCreated }

type DeadLetterReplayedPayload struct {
	DeadLetterID  string    `json:"dead_letter_id"`
	OriginalType  EventType `json:"original_event_type"`
	OriginalEvent string    `json:"original_event_id"`
	ReplayEventID string    `json:"replay_event_id"`
}

func (DeadLetterReplayedPayload) EventType() EventType { return DeadLetterReplayed }

// OrderID extracts the order reference from payloads that carry one.
func OrderID(p Payload) string {
	switch v := p.(type) {
	case *PaymentSessionCreatedPayload:
		return v.OrderID
	case *PaymentConfirmedPayload:
		return v.OrderID
	case *PaymentFailedPayload:
		return v.OrderID
	case *OrderCreatedPayload:
		return v.OrderID
	case *OrderTransitionedPayload:
		return v.OrderID
	case *OrderRefundedPayload:
		return v.OrderID
	case *ProductionStartedPayload:
		return v.OrderID
	case *ProductionProgressPayload:
		return v.OrderID
	case *ProductionCompletePayload:
		return v.OrderID
	case *ProductionFailedPayload:
		return v.OrderID
	case *DeliveryReadyPayload:
		return v.OrderID
	case *DeliveryCompletedPayload:
		return v.OrderID
	case *ResurrectionTriggeredPayload:
		return v.OrderID
	case *ResurrectionAbandonedPayload:
		return v.OrderID
	}
	return ""
}

// SessionID extracts the conversation session from payloads that carry one.
func SessionID(p Payload) string {
	switch v := p.(type) {
	case *CardsComplete:
		return v.SessionID
	case *BriefAssembledPayload:
		return v.SessionID
	case *BriefValidationFailedPayload:
		return v.SessionID
	case *OrderCreatedPayload:
		return v.SessionID
	}
	return ""
}
