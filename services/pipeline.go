package services

import (
	"context"
	"errors"
	"time"

	"github.com/malwarebo/reelpipe/cache"
	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/providers"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
)

type PipelineConfig struct {
	RetryCeiling int
	KeyTTL       time.Duration
	Gateway      GatewayConfig
	Dispatcher   DispatcherConfig
	Delivery     DeliveryConfig
	Resurrection ResurrectionConfig
}

type PipelineDeps struct {
	Stores   *stores.Stores
	Bus      events.Publisher
	Router   *providers.Router
	Worker   JobSubmitter
	Progress cache.ProgressStore
	Hasher   *security.TokenHasher
	Notifier Notifier
}

// Pipeline holds every component of the order pipeline over one set of
// stores and one bus.
type Pipeline struct {
	Stores       *stores.Stores
	Emitter      *Emitter
	Machine      *OrderMachine
	Assembler    *BriefAssembler
	Gateway      *PaymentGateway
	Dispatcher   *ProductionDispatcher
	Delivery     *DeliveryAgent
	Resurrection *ResurrectionLoop
	DeadLetters  *DeadLetterHandler
	Sessions     *SessionTracker
}

func NewPipeline(cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	st := deps.Stores
	if cfg.Gateway.KeyTTL <= 0 {
		cfg.Gateway.KeyTTL = cfg.KeyTTL
	}
	if cfg.Dispatcher.KeyTTL <= 0 {
		cfg.Dispatcher.KeyTTL = cfg.KeyTTL
	}
	if cfg.Delivery.KeyTTL <= 0 {
		cfg.Delivery.KeyTTL = cfg.KeyTTL
	}

	emitter := NewEmitter(st.Events, deps.Bus)
	machine := NewOrderMachine(st.Orders, st.DeadLetters, emitter, cfg.RetryCeiling)
	dispatcher := NewProductionDispatcher(cfg.Dispatcher, st.Orders, st.Briefs, st.Idempotency, machine, deps.Worker, deps.Progress, emitter)
	delivery := NewDeliveryAgent(cfg.Delivery, st.Orders, st.Deliveries, st.Idempotency, machine, deps.Hasher, emitter, deps.Notifier)

	return &Pipeline{
		Stores:       st,
		Emitter:      emitter,
		Machine:      machine,
		Assembler:    NewBriefAssembler(st.Briefs, st.Sessions, st.Idempotency, emitter, cfg.KeyTTL),
		Gateway:      NewPaymentGateway(cfg.Gateway, deps.Router, st.Orders, st.Briefs, st.Deliveries, st.Idempotency, machine, emitter),
		Dispatcher:   dispatcher,
		Delivery:     delivery,
		Resurrection: NewResurrectionLoop(cfg.Resurrection, st.Orders, st.Events, st.Idempotency, dispatcher, delivery, emitter),
		DeadLetters:  NewDeadLetterHandler(st.DeadLetters, emitter),
		Sessions:     NewSessionTracker(st.Sessions, st.Orders),
	}
}

// Subscribe registers one consumer group per component.
func (p *Pipeline) Subscribe(bus events.Bus) error {
	subscriptions := []struct {
		consumer string
		types    []events.EventType
		handler  events.Handler
	}{
		{briefAssemblerAgent, []events.EventType{events.ConversationCardsComplete}, p.Assembler.HandleCardsComplete},
		{paymentGatewayAgent, []events.EventType{events.BriefAssembled}, p.Gateway.HandleBriefAssembled},
		{productionDispatcherAgent, []events.EventType{events.PaymentConfirmed}, p.Dispatcher.HandlePaymentConfirmed},
		{"production_callbacks", []events.EventType{
			events.ProductionStarted,
			events.ProductionProgress,
			events.ProductionComplete,
			events.ProductionFailed,
		}, p.handleProductionCallback},
		{deliveryAgentAgent, []events.EventType{events.ProductionComplete, events.OrderTransitioned}, p.handleDelivery},
		{sessionTrackerAgent, sessionStageEvents, p.Sessions.Handle},
	}

	for _, sub := range subscriptions {
		if err := bus.Subscribe(sub.consumer, sub.types, sub.handler); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) handleProductionCallback(ctx context.Context, env *events.Envelope) error {
	switch env.Type {
	case events.ProductionStarted:
		return p.Dispatcher.HandleStarted(ctx, env)
	case events.ProductionProgress:
		return p.Dispatcher.HandleProgress(ctx, env)
	case events.ProductionComplete:
		return p.Dispatcher.HandleComplete(ctx, env)
	case events.ProductionFailed:
		return p.Dispatcher.HandleFailed(ctx, env)
	}
	return nil
}

func (p *Pipeline) handleDelivery(ctx context.Context, env *events.Envelope) error {
	if env.Type == events.ProductionComplete {
		return p.Delivery.HandleProductionComplete(ctx, env)
	}
	return p.Delivery.HandleOrderTransitioned(ctx, env)
}

const sessionTrackerAgent = "session_tracker"

var sessionStageEvents = []events.EventType{
	events.BriefAssembled,
	events.OrderCreated,
	events.PaymentConfirmed,
	events.ProductionStarted,
	events.DeliveryReady,
	events.DeliveryCompleted,
}

// SessionTracker moves the conversation stage forward as the order
// progresses. Stages never move backwards.
type SessionTracker struct {
	sessions *stores.SessionStore
	orders   *stores.OrderStore
}

func NewSessionTracker(sessions *stores.SessionStore, orders *stores.OrderStore) *SessionTracker {
	return &SessionTracker{sessions: sessions, orders: orders}
}

func (t *SessionTracker) Handle(ctx context.Context, env *events.Envelope) error {
	stage, ok := stageFor(env.Type)
	if !ok {
		return nil
	}
	payload, err := env.Decode()
	if err != nil {
		return utils.Validation("decode "+string(env.Type), err)
	}

	sessionID := events.SessionID(payload)
	if sessionID == "" {
		orderID := events.OrderID(payload)
		if orderID == "" {
			return nil
		}
		order, err := t.orders.GetByID(ctx, orderID)
		if errors.Is(err, stores.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sessionID = order.SessionID
	}

	if _, err := t.sessions.Ensure(ctx, sessionID); err != nil {
		return err
	}
	moved, err := t.sessions.Advance(ctx, sessionID, stage)
	if err != nil {
		return err
	}
	if moved {
		utils.Debug(ctx, "session advanced", map[string]interface{}{
			"session_id": sessionID,
			"stage":      string(stage),
			"event_type": string(env.Type),
		})
	}
	return nil
}

func stageFor(t events.EventType) (models.SessionStage, bool) {
	switch t {
	case events.BriefAssembled:
		return models.StageCardReview, true
	case events.OrderCreated:
		return models.StageCheckout, true
	case events.PaymentConfirmed:
		return models.StagePayment, true
	case events.ProductionStarted:
		return models.StageGenerating, true
	case events.DeliveryReady:
		return models.StageDelivered, true
	case events.DeliveryCompleted:
		return models.StageCompleted, true
	}
	return "", false
}
