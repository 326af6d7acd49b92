package events

import (
	"errors"
	"fmt"
	"strings"
)

type PainPoint struct {
	Title       string `json:"title"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

type PersonaCard struct {
	PersonaName     string      `json:"persona_name"`
	Title           string      `json:"title"`
	CompanyType     string      `json:"company_type"`
	AgeRange        string      `json:"age_range,omitempty"`
	IncomeRange     string      `json:"income_range,omitempty"`
	PainPoints      []PainPoint `json:"pain_points"`
	Goals           []string    `json:"goals,omitempty"`
	Objections      []string    `json:"objections,omitempty"`
	DecisionDrivers []string    `json:"decision_drivers,omitempty"`
	BudgetAuthority string      `json:"budget_authority,omitempty"`
	BuyingTimeline  string      `json:"buying_timeline,omitempty"`
	ConfidenceScore *float64    `json:"confidence_score,omitempty"`
}

type CompetitorStat struct {
	Metric       string   `json:"metric"`
	OurValue     string   `json:"our_value"`
	TheirValue   string   `json:"their_value"`
	Advantage    string   `json:"advantage"`
	DeltaPercent *float64 `json:"delta_percent,omitempty"`
}

type KillShot struct {
	Headline   string `json:"headline"`
	Detail     string `json:"detail"`
	ProofPoint string `json:"proof_point,omitempty"`
}

type CompetitorCard struct {
	Title           string           `json:"title,omitempty"`
	CompetitorName  string           `json:"competitor_name"`
	Stats           []CompetitorStat `json:"stats"`
	KillShot        KillShot         `json:"kill_shot"`
	DataFreshness   string           `json:"data_freshness,omitempty"`
	Sources         []string         `json:"sources,omitempty"`
	ConfidenceScore *float64         `json:"confidence_score,omitempty"`
}

type ScriptSection struct {
	SectionType     string `json:"section_type"`
	Content         string `json:"content"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

type ScriptCard struct {
	Title            string          `json:"title"`
	Format           string          `json:"format"`
	Tone             string          `json:"tone"`
	Sections         []ScriptSection `json:"sections"`
	FullScript       string          `json:"full_script"`
	WordCount        int             `json:"word_count,omitempty"`
	EstimatedSeconds int             `json:"estimated_duration_seconds,omitempty"`
	TargetPersona    string          `json:"target_persona,omitempty"`
	TargetPlatform   string          `json:"target_platform,omitempty"`
	Status           string          `json:"status,omitempty"`
	ConfidenceScore  *float64        `json:"confidence_score,omitempty"`
}

type ROIProjection struct {
	MetricName         string  `json:"metric_name"`
	CurrentValue       float64 `json:"current_value"`
	ProjectedValue     float64 `json:"projected_value"`
	ImprovementPercent float64 `json:"improvement_percent"`
	Timeframe          string  `json:"timeframe"`
}

type ROICard struct {
	Title               string          `json:"title,omitempty"`
	Projections         []ROIProjection `json:"projections"`
	TotalSavings        float64         `json:"total_savings"`
	SavingsCurrency     string          `json:"savings_currency,omitempty"`
	PaybackPeriodMonths *float64        `json:"payback_period_months,omitempty"`
	FormulaDescription  string          `json:"formula_description,omitempty"`
	CTAAction           string          `json:"cta_action,omitempty"`
	ConfidenceScore     *float64        `json:"confidence_score,omitempty"`
}

// Card is implemented by the four required brief cards.
type Card interface {
	Validate() error
	// Completeness is the share of optional fields that carry a value.
	Completeness() float64
	// Confidence falls back to Completeness when the producer sent none.
	Confidence() float64
}

func confidenceOr(score *float64, fallback float64) float64 {
	if score == nil {
		return fallback
	}
	return *score
}

func validConfidence(score *float64) error {
	if score != nil && (*score < 0 || *score > 1) {
		return fmt.Errorf("confidence_score %.2f out of range [0,1]", *score)
	}
	return nil
}

func ratio(filled ...bool) float64 {
	if len(filled) == 0 {
		return 1
	}
	n := 0
	for _, f := range filled {
		if f {
			n++
		}
	}
	return float64(n) / float64(len(filled))
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func (c *PersonaCard) Validate() error {
	var errs []error
	if blank(c.PersonaName) {
		errs = append(errs, errors.New("persona_name is required"))
	}
	if blank(c.Title) {
		errs = append(errs, errors.New("title is required"))
	}
	if len(c.PainPoints) == 0 {
		errs = append(errs, errors.New("at least one pain point is required"))
	}
	if err := validConfidence(c.ConfidenceScore); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *PersonaCard) Completeness() float64 {
	return ratio(!blank(c.CompanyType), !blank(c.AgeRange), len(c.Goals) > 0, len(c.Objections) > 0,
		len(c.DecisionDrivers) > 0, !blank(c.BuyingTimeline))
}

func (c *PersonaCard) Confidence() float64 {
	return confidenceOr(c.ConfidenceScore, c.Completeness())
}

func (c *CompetitorCard) Validate() error {
	var errs []error
	if blank(c.CompetitorName) {
		errs = append(errs, errors.New("competitor_name is required"))
	}
	if blank(c.KillShot.Headline) {
		errs = append(errs, errors.New("kill_shot.headline is required"))
	}
	if err := validConfidence(c.ConfidenceScore); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *CompetitorCard) Completeness() float64 {
	return ratio(len(c.Stats) > 0, !blank(c.KillShot.Detail), !blank(c.KillShot.ProofPoint), len(c.Sources) > 0)
}

func (c *CompetitorCard) Confidence() float64 {
	return confidenceOr(c.ConfidenceScore, c.Completeness())
}

func (c *ScriptCard) Validate() error {
	var errs []error
	if blank(c.Title) {
		errs = append(errs, errors.New("title is required"))
	}
	if blank(c.FullScript) {
		errs = append(errs, errors.New("full_script is required"))
	}
	if len(c.Sections) == 0 {
		errs = append(errs, errors.New("at least one section is required"))
	}
	if err := validConfidence(c.ConfidenceScore); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *ScriptCard) Completeness() float64 {
	return ratio(!blank(c.Format), !blank(c.Tone), c.WordCount > 0, !blank(c.TargetPlatform), !blank(c.TargetPersona))
}

func (c *ScriptCard) Confidence() float64 {
	return confidenceOr(c.ConfidenceScore, c.Completeness())
}

func (c *ROICard) Validate() error {
	var errs []error
	if len(c.Projections) == 0 {
		errs = append(errs, errors.New("at least one projection is required"))
	}
	if c.TotalSavings < 0 {
		errs = append(errs, errors.New("total_savings must not be negative"))
	}
	if err := validConfidence(c.ConfidenceScore); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *ROICard) Completeness() float64 {
	return ratio(c.PaybackPeriodMonths != nil, !blank(c.FormulaDescription), !blank(c.SavingsCurrency), !blank(c.CTAAction))
}

func (c *ROICard) Confidence() float64 {
	return confidenceOr(c.ConfidenceScore, c.Completeness())
}
