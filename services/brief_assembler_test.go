package services

import (
	"context"
	"errors"
	"testing"

	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/testutil"
	"github.com/malwarebo/reelpipe/utils"
)

func TestBriefAssembler_Assemble(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	brief, err := h.p.Assembler.Assemble(ctx, "corr-1", *testutil.CardsComplete(t, "session-1"))
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if brief.Version != 1 {
		t.Errorf("Version = %d, want 1", brief.Version)
	}
	if brief.QualityGrade != "A" {
		t.Errorf("QualityGrade = %q, want A", brief.QualityGrade)
	}
	if brief.ValidationScore != 0.9145 {
		t.Errorf("ValidationScore = %v, want 0.9145", brief.ValidationScore)
	}
	if brief.Tagline != testutil.ScriptCard().Title {
		t.Errorf("Tagline = %q, want %q", brief.Tagline, testutil.ScriptCard().Title)
	}
	if brief.USP != "Live in a day" {
		t.Errorf("USP = %q, want %q", brief.USP, "Live in a day")
	}
	if brief.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", brief.CorrelationID)
	}

	cards, err := h.stores.Briefs.ListCards(ctx, brief.ID)
	if err != nil {
		t.Fatalf("ListCards() error = %v", err)
	}
	if len(cards) != 4 {
		t.Errorf("cards = %d, want 4", len(cards))
	}

	if _, err := h.stores.Sessions.GetByID(ctx, "session-1"); err != nil {
		t.Errorf("session not created: %v", err)
	}
	if n := h.countEvents(events.BriefAssembled, ""); n != 1 {
		t.Errorf("brief.assembled count = %d, want 1", n)
	}
}

func TestBriefAssembler_Revise(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first := h.createBrief("session-rev")

	payload := *testutil.CardsComplete(t, "")
	payload.BusinessName = "Fleetly Inc"
	second, err := h.p.Assembler.Revise(ctx, first.ID, payload)
	if err != nil {
		t.Fatalf("Revise() error = %v", err)
	}

	if second.Version != 2 {
		t.Errorf("Version = %d, want 2", second.Version)
	}
	if second.ParentBriefID == nil || *second.ParentBriefID != first.ID {
		t.Errorf("ParentBriefID = %v, want %s", second.ParentBriefID, first.ID)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("SessionID = %q, want %q", second.SessionID, first.SessionID)
	}

	stored, err := h.stores.Briefs.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.CompanyName != "Fleetly" {
		t.Errorf("parent CompanyName = %q, want unchanged Fleetly", stored.CompanyName)
	}

	other := *testutil.CardsComplete(t, "another-session")
	if _, err := h.p.Assembler.Revise(ctx, first.ID, other); utils.KindOf(err) != utils.KindValidation {
		t.Errorf("Revise() across sessions error = %v, want validation", err)
	}
}

func TestBriefAssembler_Incomplete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	payload := testutil.CardsComplete(t, "session-partial")
	payload.ROICard = nil

	_, err := h.p.Assembler.Assemble(ctx, "corr-partial", *payload)
	var incomplete *IncompleteBriefError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Assemble() error = %v, want IncompleteBriefError", err)
	}
	if len(incomplete.Problems) != 1 {
		t.Errorf("Problems = %d, want 1", len(incomplete.Problems))
	}
	if utils.KindOf(err) != utils.KindValidation {
		t.Errorf("KindOf() = %v, want %v", utils.KindOf(err), utils.KindValidation)
	}

	if _, err := h.stores.Briefs.GetLatest(ctx, "session-partial"); err == nil {
		t.Errorf("GetLatest() found a brief for an incomplete card set")
	}
}

func TestBriefAssembler_HandleCardsComplete(t *testing.T) {
	t.Run("duplicate delivery assembles once", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx := context.Background()
		env := envelope(t, "conversation", "corr-dup", testutil.CardsComplete(t, "session-dup"))

		for i := 0; i < 2; i++ {
			if err := h.p.Assembler.HandleCardsComplete(ctx, env); err != nil {
				t.Fatalf("HandleCardsComplete() #%d error = %v", i+1, err)
			}
		}

		versions, err := h.stores.Briefs.ListVersions(ctx, "session-dup")
		if err != nil {
			t.Fatalf("ListVersions() error = %v", err)
		}
		if len(versions) != 1 {
			t.Errorf("versions = %d, want 1", len(versions))
		}
	})

	t.Run("incomplete cards are acknowledged and reported", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx := context.Background()
		payload := testutil.CardsComplete(t, "session-bad")
		payload.ScriptCard = []byte(`{"title":""}`)
		env := envelope(t, "conversation", "corr-bad", payload)

		if err := h.p.Assembler.HandleCardsComplete(ctx, env); err != nil {
			t.Fatalf("HandleCardsComplete() error = %v, want nil", err)
		}
		if n := h.countEvents(events.BriefValidationFailed, ""); n != 1 {
			t.Errorf("brief.validation_failed count = %d, want 1", n)
		}
		if n := h.countEvents(events.BriefAssembled, ""); n != 0 {
			t.Errorf("brief.assembled count = %d, want 0", n)
		}
	})
}

func TestScore(t *testing.T) {
	full := func() *events.BriefCards {
		return &events.BriefCards{
			Persona:    testutil.PersonaCard(),
			Competitor: testutil.CompetitorCard(),
			Script:     testutil.ScriptCard(),
			ROI:        testutil.ROICard(),
		}
	}

	tests := []struct {
		name      string
		mutate    func(*events.BriefCards)
		wantGrade string
		wantNotes bool
	}{
		{"complete cards", func(*events.BriefCards) {}, "A", false},
		{"low confidence script", func(c *events.BriefCards) {
			low := 0.3
			c.Script.ConfidenceScore = &low
		}, "C", true},
		{"everything weak", func(c *events.BriefCards) {
			low := 0.2
			c.Script.ConfidenceScore = &low
			c.Persona.ConfidenceScore = &low
			c.Competitor.ConfidenceScore = &low
			c.ROI.ConfidenceScore = &low
		}, "D", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cards := full()
			tt.mutate(cards)
			score, grade, notes := Score(cards)
			if grade != tt.wantGrade {
				t.Errorf("Score() grade = %q (score %v), want %q", grade, score, tt.wantGrade)
			}
			if (len(notes) > 0) != tt.wantNotes {
				t.Errorf("Score() notes = %v, want notes %v", notes, tt.wantNotes)
			}
		})
	}
}

func TestGrade(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.95, "A"},
		{0.9, "A"},
		{0.89, "B"},
		{0.75, "B"},
		{0.6, "C"},
		{0.59, "D"},
		{0, "D"},
	}
	for _, tt := range tests {
		if got := Grade(tt.score); got != tt.want {
			t.Errorf("Grade(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}
