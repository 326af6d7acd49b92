package testutil

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens a file-backed sqlite database with every model migrated.
// A single connection keeps sqlite writers serialized, so code under test
// must use the transaction carried in its context.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "reelpipe.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func float(v float64) *float64 {
	return &v
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return b
}

func PersonaCard() *events.PersonaCard {
	return &events.PersonaCard{
		PersonaName:     "Operations Olivia",
		Title:           "VP Operations",
		CompanyType:     "Mid-market logistics",
		AgeRange:        "35-45",
		PainPoints:      []events.PainPoint{{Title: "Manual dispatch", Severity: "high", Description: "Routes planned in spreadsheets"}},
		Goals:           []string{"Cut dispatch time"},
		Objections:      []string{"Integration effort"},
		DecisionDrivers: []string{"ROI within a quarter"},
		BuyingTimeline:  "Q3",
		ConfidenceScore: float(0.95),
	}
}

func CompetitorCard() *events.CompetitorCard {
	return &events.CompetitorCard{
		CompetitorName:  "RouteCo",
		Stats:           []events.CompetitorStat{{Metric: "Setup time", OurValue: "1 day", TheirValue: "6 weeks", Advantage: "us"}},
		KillShot:        events.KillShot{Headline: "Live in a day", Detail: "No consultants needed", ProofPoint: "40 customers onboarded"},
		Sources:         []string{"g2.com"},
		ConfidenceScore: float(0.9),
	}
}

func ScriptCard() *events.ScriptCard {
	return &events.ScriptCard{
		Title:           "Stop planning routes by hand",
		Format:          "explainer",
		Tone:            "confident",
		Sections:        []events.ScriptSection{{SectionType: "hook", Content: "Still routing in spreadsheets?", DurationSeconds: 5}},
		FullScript:      "Still routing in spreadsheets? There is a faster way.",
		WordCount:       9,
		TargetPersona:   "Operations Olivia",
		TargetPlatform:  "linkedin",
		ConfidenceScore: float(0.92),
	}
}

func ROICard() *events.ROICard {
	return &events.ROICard{
		Projections:         []events.ROIProjection{{MetricName: "Dispatch hours", CurrentValue: 40, ProjectedValue: 10, ImprovementPercent: 75, Timeframe: "monthly"}},
		TotalSavings:        120000,
		SavingsCurrency:     "USD",
		PaybackPeriodMonths: float(3),
		FormulaDescription:  "hours saved x loaded rate",
		CTAAction:           "book_demo",
		ConfidenceScore:     float(0.88),
	}
}

// CardsComplete returns a conversation.cards_complete payload with all four
// cards valid.
func CardsComplete(t *testing.T, sessionID string) *events.CardsComplete {
	t.Helper()
	return &events.CardsComplete{
		SessionID:      sessionID,
		UserEmail:      "olivia@example.com",
		BusinessName:   "Fleetly",
		Tier:           string(models.TierProfessional),
		PersonaCard:    mustJSON(t, PersonaCard()),
		CompetitorCard: mustJSON(t, CompetitorCard()),
		ScriptCard:     mustJSON(t, ScriptCard()),
		ROICard:        mustJSON(t, ROICard()),
	}
}

// CreateOrder inserts an order in the given status. mutate runs before the
// insert.
func CreateOrder(t *testing.T, db *gorm.DB, status models.OrderStatus, mutate ...func(*models.Order)) *models.Order {
	t.Helper()

	order := &models.Order{
		ID:            uuid.NewString(),
		SessionID:     uuid.NewString(),
		BriefID:       uuid.NewString(),
		Status:        status,
		Tier:          string(models.TierProfessional),
		Amount:        500000,
		Currency:      "USD",
		ProviderName:  "stripe",
		DeliveryEmail: "olivia@example.com",
		Version:       1,
	}
	order.ProviderSessionID = "cs_" + order.ID
	for _, fn := range mutate {
		fn(order)
	}

	if err := db.Create(order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

// Backdate moves the order's updated_at into the past without touching its version.
func Backdate(t *testing.T, db *gorm.DB, orderID string, age time.Duration) {
	t.Helper()
	err := db.Model(&models.Order{}).
		Where("id = ?", orderID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-age)).Error
	if err != nil {
		t.Fatalf("backdate order: %v", err)
	}
}
