package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/malwarebo/reelpipe/config"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/resilience"
	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/utils"
)

type AlertLevel int

const (
	Info AlertLevel = iota
	Warning
	Critical
	Emergency
)

func (al AlertLevel) String() string {
	switch al {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	case Emergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

const (
	MetricDeadLetters  = "dead_letters_failed"
	MetricStuckOrders  = "orders_stuck"
	MetricOpenCircuits = "circuits_open"
	MetricAbandoned    = "resurrections_abandoned_24h"
)

const (
	EventAlertRaised   = "pipeline.alert"
	EventAlertResolved = "pipeline.alert_resolved"
)

const maxHistory = 200

type Alert struct {
	ID         string                 `json:"id"`
	RuleID     string                 `json:"rule_id"`
	Level      AlertLevel             `json:"level"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Source     string                 `json:"source"`
	Timestamp  time.Time              `json:"timestamp"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type AlertRule struct {
	ID        string
	Name      string
	Condition func(metrics map[string]float64) bool
	Message   func(metrics map[string]float64) string
	Level     AlertLevel
	// Cooldown is the minimum gap between two notifications for a rule
	// that stays firing.
	Cooldown      time.Duration
	LastTriggered time.Time
	Enabled       bool
}

type AlertChannel interface {
	Send(ctx context.Context, alert *Alert) error
}

// Collector takes one snapshot of pipeline health figures.
type Collector func(ctx context.Context) (map[string]float64, error)

type DeadLetterCounter interface {
	CountByStatus(ctx context.Context, status models.DeadLetterStatus) (int64, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (*services.ResurrectionStats, error)
}

type BreakerStates interface {
	States() map[string]string
}

// PipelineCollector reads failed dead letters, stuck orders, abandoned
// resurrections and open circuit breakers.
func PipelineCollector(letters DeadLetterCounter, stats StatsSource, breakers BreakerStates) Collector {
	return func(ctx context.Context) (map[string]float64, error) {
		failed, err := letters.CountByStatus(ctx, models.DeadLetterStatusFailed)
		if err != nil {
			return nil, fmt.Errorf("count dead letters: %w", err)
		}
		s, err := stats.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("resurrection stats: %w", err)
		}
		var stuck int64
		for _, n := range s.Stuck {
			stuck += n
		}
		open := 0
		for _, state := range breakers.States() {
			if state == resilience.CircuitOpen.String() {
				open++
			}
		}
		return map[string]float64{
			MetricDeadLetters:  float64(failed),
			MetricStuckOrders:  float64(stuck),
			MetricOpenCircuits: float64(open),
			MetricAbandoned:    float64(s.Abandoned24h),
		}, nil
	}
}

// DefaultRules builds the standard rule set from cfg. Rules whose
// threshold is negative are left out.
func DefaultRules(cfg config.AlertConfig) []*AlertRule {
	var rules []*AlertRule
	add := func(id, name, metric string, threshold int, level AlertLevel, format string) {
		if threshold < 0 {
			return
		}
		rules = append(rules, &AlertRule{
			ID:   id,
			Name: name,
			Condition: func(m map[string]float64) bool {
				return m[metric] >= float64(threshold)
			},
			Message: func(m map[string]float64) string {
				return fmt.Sprintf(format, int64(m[metric]))
			},
			Level:    level,
			Cooldown: cfg.Cooldown,
			Enabled:  true,
		})
	}

	add("dead_letters", "Dead letters waiting", MetricDeadLetters, cfg.DeadLetterThreshold, Warning, "%d events are dead-lettered and need replay")
	add("stuck_orders", "Orders stuck", MetricStuckOrders, cfg.StuckThreshold, Critical, "%d paid orders have not progressed past the stuck threshold")
	add("abandoned", "Resurrection abandoned", MetricAbandoned, cfg.AbandonedThreshold, Critical, "%d orders were abandoned by resurrection in the last 24h")
	add("open_circuits", "Provider circuit open", MetricOpenCircuits, 1, Emergency, "%d provider circuit breakers are open")
	return rules
}

// AlertManager evaluates its rules against a fresh snapshot on every
// Evaluate call. A rule that keeps firing is re-sent once per cooldown and
// resolved the first time its condition clears.
type AlertManager struct {
	collect  Collector
	rules    map[string]*AlertRule
	active   map[string]*Alert
	history  []*Alert
	channels []AlertChannel
	mu       sync.RWMutex
	now      func() time.Time
}

func NewAlertManager(collect Collector, channels ...AlertChannel) *AlertManager {
	if len(channels) == 0 {
		channels = []AlertChannel{LogAlertChannel{}}
	}
	return &AlertManager{
		collect:  collect,
		rules:    make(map[string]*AlertRule),
		active:   make(map[string]*Alert),
		channels: channels,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (am *AlertManager) AddRule(rule *AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules[rule.ID] = rule
}

func (am *AlertManager) RemoveRule(ruleID string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	delete(am.rules, ruleID)
	delete(am.active, ruleID)
}

func (am *AlertManager) AddChannel(channel AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, channel)
}

// Evaluate collects one snapshot and returns the alerts it raised or
// resolved.
func (am *AlertManager) Evaluate(ctx context.Context) ([]*Alert, error) {
	metrics, err := am.collect(ctx)
	if err != nil {
		return nil, err
	}

	am.mu.Lock()
	ids := make([]string, 0, len(am.rules))
	for id, rule := range am.rules {
		if rule.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	now := am.now()
	var changed []*Alert
	for _, id := range ids {
		rule := am.rules[id]
		current, firing := am.active[id]

		if !rule.Condition(metrics) {
			if firing {
				current.Resolved = true
				current.ResolvedAt = &now
				delete(am.active, id)
				changed = append(changed, current)
			}
			continue
		}

		if firing && now.Sub(rule.LastTriggered) < rule.Cooldown {
			continue
		}
		rule.LastTriggered = now

		message := fmt.Sprintf("Rule %s triggered", rule.Name)
		if rule.Message != nil {
			message = rule.Message(metrics)
		}
		if firing {
			current.Message = message
			current.Metadata["metrics"] = metrics
			changed = append(changed, current)
			continue
		}
		alert := &Alert{
			ID:        uuid.NewString(),
			RuleID:    id,
			Level:     rule.Level,
			Title:     rule.Name,
			Message:   message,
			Source:    "monitoring",
			Timestamp: now,
			Metadata: map[string]interface{}{
				"metrics": metrics,
			},
		}
		am.active[id] = alert
		am.history = append(am.history, alert)
		if len(am.history) > maxHistory {
			am.history = am.history[len(am.history)-maxHistory:]
		}
		changed = append(changed, alert)
	}
	channels := append([]AlertChannel(nil), am.channels...)
	am.mu.Unlock()

	for _, alert := range changed {
		am.dispatch(ctx, channels, alert)
	}
	return changed, nil
}

func (am *AlertManager) dispatch(ctx context.Context, channels []AlertChannel, alert *Alert) {
	for _, ch := range channels {
		if err := ch.Send(ctx, alert); err != nil {
			utils.Warn(ctx, "alert delivery failed", map[string]interface{}{
				"alert_id": alert.ID,
				"rule_id":  alert.RuleID,
				"error":    err.Error(),
			})
		}
	}
	labels := map[string]string{"rule": alert.RuleID, "resolved": fmt.Sprint(alert.Resolved)}
	utils.IncrementCounter("pipeline_alerts_total", labels)
}

func (am *AlertManager) ResolveAlert(alertID string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	for ruleID, alert := range am.active {
		if alert.ID == alertID {
			now := am.now()
			alert.Resolved = true
			alert.ResolvedAt = &now
			delete(am.active, ruleID)
			return nil
		}
	}
	return fmt.Errorf("alert not found: %s", alertID)
}

func (am *AlertManager) GetAlerts(level AlertLevel, resolved bool) []*Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	var alerts []*Alert
	for _, alert := range am.history {
		if alert.Level == level && alert.Resolved == resolved {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// Active returns the currently firing alerts ordered by rule.
func (am *AlertManager) Active() []*Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	out := make([]*Alert, 0, len(am.active))
	for _, alert := range am.active {
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// LogAlertChannel writes alerts to the structured log.
type LogAlertChannel struct{}

func (LogAlertChannel) Send(ctx context.Context, alert *Alert) error {
	fields := map[string]interface{}{
		"alert_id": alert.ID,
		"rule_id":  alert.RuleID,
		"level":    alert.Level.String(),
		"message":  alert.Message,
	}
	switch {
	case alert.Resolved:
		utils.Info(ctx, "alert resolved: "+alert.Title, fields)
	case alert.Level >= Critical:
		utils.Error(ctx, "alert: "+alert.Title, fields)
	default:
		utils.Warn(ctx, "alert: "+alert.Title, fields)
	}
	return nil
}

// NotifierAlertChannel forwards alerts to the outbound webhook notifier.
type NotifierAlertChannel struct {
	Notifier services.Notifier
}

func (n NotifierAlertChannel) Send(ctx context.Context, alert *Alert) error {
	eventType := EventAlertRaised
	if alert.Resolved {
		eventType = EventAlertResolved
	}
	return n.Notifier.Notify(ctx, eventType, map[string]interface{}{
		"alert_id": alert.ID,
		"rule_id":  alert.RuleID,
		"level":    alert.Level.String(),
		"title":    alert.Title,
		"message":  alert.Message,
		"raised":   alert.Timestamp,
	}, "monitoring")
}
