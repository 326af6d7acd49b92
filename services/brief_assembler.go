package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
	"gorm.io/datatypes"
)

const briefAssemblerAgent = "brief_assembler"

var cardWeights = map[models.CardType]float64{
	models.CardPersona:    0.25,
	models.CardCompetitor: 0.25,
	models.CardScript:     0.30,
	models.CardROI:        0.20,
}

// IncompleteBriefError lists every card that is missing or failed its
// structural checks.
type IncompleteBriefError struct {
	SessionID string
	Problems  []events.CardProblem
}

func (e *IncompleteBriefError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%s: %s", p.Card, p.Reason))
	}
	return fmt.Sprintf("brief for session %s is incomplete: %s", e.SessionID, strings.Join(parts, "; "))
}

func (e *IncompleteBriefError) ErrorKind() utils.ErrorKind {
	return utils.KindValidation
}

type BriefAssembler struct {
	briefs      *stores.BriefStore
	sessions    *stores.SessionStore
	idempotency *stores.IdempotencyStore
	emitter     *Emitter
	defaultTier models.Tier
	keyTTL      time.Duration
}

func NewBriefAssembler(briefs *stores.BriefStore, sessions *stores.SessionStore, idempotency *stores.IdempotencyStore, emitter *Emitter, keyTTL time.Duration) *BriefAssembler {
	if keyTTL <= 0 {
		keyTTL = 24 * time.Hour
	}
	return &BriefAssembler{
		briefs:      briefs,
		sessions:    sessions,
		idempotency: idempotency,
		emitter:     emitter,
		defaultTier: models.TierProfessional,
		keyTTL:      keyTTL,
	}
}

// HandleCardsComplete consumes conversation.cards_complete. An incomplete
// set of cards is reported with brief.validation_failed and acknowledged, so
// the bus never redelivers it.
func (a *BriefAssembler) HandleCardsComplete(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodeAs[*events.CardsComplete](env)
	if err != nil {
		return utils.Validation("decode cards_complete", err)
	}

	_, _, err = a.idempotency.Run(ctx, "cards_complete:"+env.ID, a.keyTTL, func(ctx context.Context) (interface{}, error) {
		brief, err := a.assemble(ctx, env.CorrelationID, env.ID, payload, nil)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"brief_id": brief.ID, "version": brief.Version}, nil
	})

	var incomplete *IncompleteBriefError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &incomplete):
		return a.reportIncomplete(ctx, env, incomplete)
	case errors.Is(err, stores.ErrAlreadyProcessing):
		return utils.Transient("assemble brief", err)
	default:
		return err
	}
}

func (a *BriefAssembler) reportIncomplete(ctx context.Context, env *events.Envelope, incomplete *IncompleteBriefError) error {
	utils.Warn(ctx, "brief rejected", map[string]interface{}{
		"session_id": incomplete.SessionID,
		"event_id":   env.ID,
		"problems":   len(incomplete.Problems),
		"error":      incomplete.Error(),
	})

	failed, err := env.Child(briefAssemblerAgent, &events.BriefValidationFailedPayload{
		SessionID: incomplete.SessionID,
		Problems:  incomplete.Problems,
	})
	if err != nil {
		return err
	}
	return a.emitter.Emit(ctx, failed, models.SeverityWarn)
}

// Assemble validates the cards and stores them as the next brief version
// for the session.
func (a *BriefAssembler) Assemble(ctx context.Context, correlationID string, payload events.CardsComplete) (*models.Brief, error) {
	return a.assemble(ctx, correlationID, "", &payload, nil)
}

// Revise stores a corrected brief as a new version pointing at parentBriefID.
// The parent row is never touched.
func (a *BriefAssembler) Revise(ctx context.Context, parentBriefID string, payload events.CardsComplete) (*models.Brief, error) {
	parent, err := a.briefs.GetByID(ctx, parentBriefID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, utils.Validation("revise brief", fmt.Errorf("brief %s: %w", parentBriefID, err))
		}
		return nil, err
	}
	if payload.SessionID == "" {
		payload.SessionID = parent.SessionID
	}
	if payload.SessionID != parent.SessionID {
		return nil, utils.Validation("revise brief", fmt.Errorf("brief %s belongs to session %s, not %s", parent.ID, parent.SessionID, payload.SessionID))
	}
	return a.assemble(ctx, parent.CorrelationID, "", &payload, parent)
}

func (a *BriefAssembler) assemble(ctx context.Context, correlationID, causationID string, payload *events.CardsComplete, parent *models.Brief) (*models.Brief, error) {
	started := time.Now()

	if strings.TrimSpace(payload.SessionID) == "" {
		return nil, utils.Validation("assemble brief", errors.New("session_id is required"))
	}

	cards, problems := payload.ParseCards()
	if len(problems) > 0 {
		return nil, &IncompleteBriefError{SessionID: payload.SessionID, Problems: problems}
	}

	score, grade, notes := Score(cards)

	tier := models.Tier(payload.Tier)
	if _, ok := models.LookupTier(string(tier)); !ok {
		if payload.Tier != "" {
			notes = append(notes, fmt.Sprintf("unknown tier %q, using %s", payload.Tier, a.defaultTier))
		}
		tier = a.defaultTier
	}

	notesJSON, err := json.Marshal(notes)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	brief := &models.Brief{
		SessionID:        payload.SessionID,
		CorrelationID:    correlationID,
		CompanyName:      payload.BusinessName,
		Tagline:          cards.Script.Title,
		USP:              cards.Competitor.KillShot.Headline,
		Tone:             cards.Script.Tone,
		TargetAudience:   audience(cards.Persona),
		ContactEmail:     payload.UserEmail,
		Tier:             string(tier),
		ValidationPassed: true,
		ValidationScore:  score,
		QualityGrade:     grade,
		ValidationNotes:  datatypes.JSON(notesJSON),
		Payload:          datatypes.JSON(raw),
	}
	if brief.CorrelationID == "" {
		brief.CorrelationID = utils.GetCorrelationID(ctx)
	}
	if parent != nil {
		parentID := parent.ID
		brief.ParentBriefID = &parentID
	}

	rows := []*models.Card{
		{CardType: models.CardPersona, Confidence: cards.Persona.Confidence(), Payload: datatypes.JSON(payload.PersonaCard)},
		{CardType: models.CardCompetitor, Confidence: cards.Competitor.Confidence(), Payload: datatypes.JSON(payload.CompetitorCard)},
		{CardType: models.CardScript, Confidence: cards.Script.Confidence(), Payload: datatypes.JSON(payload.ScriptCard)},
		{CardType: models.CardROI, Confidence: cards.ROI.Confidence(), Payload: datatypes.JSON(payload.ROICard)},
	}

	var env *events.Envelope
	err = a.briefs.WithTransaction(ctx, func(txCtx context.Context) error {
		if _, err := a.sessions.Ensure(txCtx, payload.SessionID); err != nil {
			return err
		}
		if err := a.briefs.CreateVersion(txCtx, brief, rows); err != nil {
			return err
		}

		assembled := &events.BriefAssembledPayload{
			BriefID:      brief.ID,
			SessionID:    brief.SessionID,
			Version:      brief.Version,
			Score:        score,
			Grade:        grade,
			Tier:         brief.Tier,
			ContactEmail: brief.ContactEmail,
		}
		if brief.ParentBriefID != nil {
			assembled.ParentBriefID = *brief.ParentBriefID
		}

		var err error
		env, err = events.New(briefAssemblerAgent, brief.CorrelationID, assembled)
		if err != nil {
			return err
		}
		env.CausationID = causationID
		return a.emitter.Record(txCtx, env, models.SeverityInfo, time.Since(started))
	})
	if err != nil {
		return nil, err
	}

	utils.Info(ctx, "brief assembled", map[string]interface{}{
		"brief_id":   brief.ID,
		"session_id": brief.SessionID,
		"version":    brief.Version,
		"score":      score,
		"grade":      grade,
	})

	if err := a.emitter.Publish(ctx, env); err != nil {
		return nil, err
	}
	return brief, nil
}

func audience(p *events.PersonaCard) string {
	role := p.Title
	if !blankString(p.CompanyType) {
		role += " at " + p.CompanyType
	}
	return fmt.Sprintf("%s (%s)", p.PersonaName, role)
}

func blankString(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Score weights the per-card confidences and scales the result by how many
// optional fields the cards fill. Grades: A >= 0.9, B >= 0.75, C >= 0.6.
func Score(cards *events.BriefCards) (float64, string, []string) {
	entries := []struct {
		kind models.CardType
		card events.Card
	}{
		{models.CardPersona, cards.Persona},
		{models.CardCompetitor, cards.Competitor},
		{models.CardScript, cards.Script},
		{models.CardROI, cards.ROI},
	}

	var weighted, completeness float64
	var notes []string
	for _, e := range entries {
		confidence := e.card.Confidence()
		filled := e.card.Completeness()
		weighted += cardWeights[e.kind] * confidence
		completeness += filled

		if confidence < 0.6 {
			notes = append(notes, fmt.Sprintf("%s card has low confidence (%.2f)", e.kind, confidence))
		}
		if filled < 1 {
			notes = append(notes, fmt.Sprintf("%s card fills %.0f%% of optional fields", e.kind, filled*100))
		}
	}
	completeness /= float64(len(entries))

	score := weighted * (0.75 + 0.25*completeness)
	score = math.Round(score*10000) / 10000
	return score, Grade(score), notes
}

func Grade(score float64) string {
	switch {
	case score >= 0.9:
		return "A"
	case score >= 0.75:
		return "B"
	case score >= 0.6:
		return "C"
	default:
		return "D"
	}
}
