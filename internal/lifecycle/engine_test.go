package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/events"
	"github.com/aegisshield/lifecycle-engine/internal/metrics"
	"github.com/aegisshield/lifecycle-engine/internal/models"
	"github.com/aegisshield/lifecycle-engine/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const day = 24 * time.Hour

type fixture struct {
	engine   *Engine
	stores   *store.Stores
	clock    *testClock
	registry *prometheus.Registry
	events   []events.Event
}

func setupEngine(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:    &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		registry: prometheus.NewRegistry(),
	}
	f.stores = store.New(store.WithClock(f.clock.Now))

	var mu sync.Mutex
	bus := events.NewBus(events.PublisherFunc(func(_ context.Context, evt events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		f.events = append(f.events, evt)
		return nil
	}), zap.NewNop(), nil)

	base := []Option{
		WithClock(f.clock.Now),
		WithEvents(bus),
		WithMetrics(metrics.NewCollector(f.registry, f.registry)),
	}
	f.engine = NewEngine(f.stores.Cycles, f.stores.Transitions, zap.NewNop(), append(base, opts...)...)
	return f
}

func (f *fixture) create(t *testing.T, premium float64) *models.CycleVie {
	t.Helper()
	c, err := f.engine.Create(context.Background(), models.CreateCycleVieRequest{
		AssureID:     "assure-1",
		ContratID:    "contrat-1",
		Subscription: &models.SubscriptionData{Product: "auto", Premium: premium},
		CreatedBy:    "agent-1",
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) move(t *testing.T, id string, to models.Stage, docs ...string) (*models.CycleVie, *models.CycleVieTransition) {
	t.Helper()
	c, tr, err := f.engine.Transition(context.Background(), Request{
		CycleVieID:  id,
		TargetStage: to,
		ActorID:     "agent-1",
		Documents:   docs,
	})
	require.NoError(t, err)
	return c, tr
}

func requireInvalid(t *testing.T, err error) *apperr.InvalidTransitionError {
	t.Helper()
	var invalid *apperr.InvalidTransitionError
	require.True(t, errors.As(err, &invalid), "expected InvalidTransitionError, got %v", err)
	return invalid
}

func assertSingleOpenEntry(t *testing.T, c *models.CycleVie) {
	t.Helper()
	open := 0
	for _, e := range c.StageHistory {
		if e.ExitedAt == nil {
			open++
		}
	}
	assert.Equal(t, 1, open, "exactly one open history entry")
	last := c.StageHistory[len(c.StageHistory)-1]
	assert.Nil(t, last.ExitedAt)
	assert.Equal(t, c.CurrentStage, last.Stage, "open entry matches current stage")
}

func TestEngineTransition(t *testing.T) {
	t.Run("Full Forward Path", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 1200)
		assert.Equal(t, 25, c.Progression)
		assertSingleOpenEntry(t, c)

		f.clock.Advance(10 * day)
		c, tr := f.move(t, c.ID, models.StageVieContrat, "contrat_signe", "piece_identite")
		require.NotNil(t, tr)
		assert.Equal(t, models.StageSouscription, tr.FromStage)
		assert.Equal(t, models.StageVieContrat, tr.ToStage)
		assert.False(t, tr.ValidationRequired, "automatic rule")
		assert.Empty(t, c.MissingDocuments)
		assert.Equal(t, 50, c.Progression)
		require.NotNil(t, c.StageHistory[0].Duration)
		assert.Equal(t, 10, *c.StageHistory[0].Duration)
		require.NotNil(t, c.StageData.VieContrat)
		assertSingleOpenEntry(t, c)

		f.clock.Advance(20 * day)
		c, _ = f.move(t, c.ID, models.StageSinistrePaiement, "declaration_sinistre", "justificatifs")
		assert.Equal(t, 75, c.Progression)
		assert.Equal(t, 1, c.Metrics.Claims)
		require.NotNil(t, c.StageData.SinistrePaiement)
		assertSingleOpenEntry(t, c)

		f.clock.Advance(5 * day)
		c, _ = f.move(t, c.ID, models.StageResiliation, "lettre_resiliation")
		assert.Equal(t, 100, c.Progression)
		assert.Equal(t, models.CycleCompleted, c.Status)
		assert.Equal(t, 3, c.Metrics.Modifications)
		assert.Equal(t, 35, c.Metrics.TotalDays)
		assert.Equal(t, 0, c.Metrics.CurrentStageDays)
		assert.Len(t, c.StageHistory, 4)
		assertSingleOpenEntry(t, c)

		history, err := f.engine.History(context.Background(), c.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, models.StageResiliation, history[2].ToStage)
		assert.Equal(t, 3, testutil.CollectAndCount(f.registry, "lifecycle_engine_stage_transitions_total"))
	})

	t.Run("Skipping Vie Contrat To Resiliation", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)
		c, _ = f.move(t, c.ID, models.StageVieContrat)
		c, tr := f.move(t, c.ID, models.StageResiliation)
		assert.Equal(t, models.StageResiliation, c.CurrentStage)
		assert.Equal(t, 0, c.Metrics.Claims)
		assert.True(t, tr.ValidationRequired)
	})

	t.Run("Backward Move Rejected", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)
		c, _ = f.move(t, c.ID, models.StageVieContrat)

		_, _, err := f.engine.Transition(context.Background(), Request{CycleVieID: c.ID, TargetStage: models.StageSouscription})
		invalid := requireInvalid(t, err)
		assert.Equal(t, "backward transition", invalid.Reason)
		assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(err))

		stored, err := f.stores.Cycles.Get(context.Background(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StageVieContrat, stored.CurrentStage, "rejected transition leaves the record untouched")
		assert.Len(t, stored.StageHistory, 2)
	})

	t.Run("Terminal Stage Rejected", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)
		f.move(t, c.ID, models.StageVieContrat)
		f.move(t, c.ID, models.StageResiliation)

		_, _, err := f.engine.Transition(context.Background(), Request{CycleVieID: c.ID, TargetStage: models.StageSinistrePaiement})
		invalid := requireInvalid(t, err)
		assert.Equal(t, "terminal stage", invalid.Reason)
	})

	t.Run("Self Transition Is A No-Op", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)
		c, _ = f.move(t, c.ID, models.StageVieContrat)
		f.clock.Advance(3 * day)

		got, tr, err := f.engine.Transition(context.Background(), Request{CycleVieID: c.ID, TargetStage: models.StageVieContrat})
		require.NoError(t, err)
		assert.Nil(t, tr)
		assert.Equal(t, c.StageHistory, got.StageHistory)
		assert.Equal(t, c.Metrics, got.Metrics)
		assert.Equal(t, c.Metadata.Version, got.Metadata.Version)
		assert.Equal(t, c.Metadata.UpdatedAt, got.Metadata.UpdatedAt)

		history, err := f.engine.History(context.Background(), c.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("Pair Without Rule Rejected", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)

		_, _, err := f.engine.Transition(context.Background(), Request{CycleVieID: c.ID, TargetStage: models.StageSinistrePaiement})
		invalid := requireInvalid(t, err)
		assert.Equal(t, "no rule", invalid.Reason)
		assert.Equal(t, 1, testutil.CollectAndCount(f.registry, "lifecycle_engine_stage_transitions_rejected_total"))
	})

	t.Run("Unmet Condition Rejected", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)
		suspended := models.CycleSuspended
		_, err := f.stores.Cycles.Update(context.Background(), c.ID, models.CycleViePatch{Status: &suspended})
		require.NoError(t, err)

		_, _, err = f.engine.Transition(context.Background(), Request{CycleVieID: c.ID, TargetStage: models.StageVieContrat})
		invalid := requireInvalid(t, err)
		assert.Contains(t, invalid.Reason, "condition not met")
	})

	t.Run("Missing Documents And Validation Flag", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)
		c, _ = f.move(t, c.ID, models.StageVieContrat, "contrat_signe")
		assert.Equal(t, []string{"piece_identite"}, c.MissingDocuments)
		assert.False(t, c.ValidationRequired)

		c, tr := f.move(t, c.ID, models.StageSinistrePaiement, "declaration_sinistre")
		assert.Equal(t, []string{"justificatifs"}, c.MissingDocuments)
		assert.Equal(t, []string{"justificatifs"}, tr.MissingDocuments)
		assert.True(t, c.ValidationRequired)
		assert.True(t, tr.ValidationRequired)
		assert.Equal(t, models.StageSinistrePaiement, c.CurrentStage, "transition executes despite pending validation")
	})

	t.Run("Claim Data From Context", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)
		f.move(t, c.ID, models.StageVieContrat)

		got, _, err := f.engine.Transition(context.Background(), Request{
			CycleVieID:  c.ID,
			TargetStage: models.StageSinistrePaiement,
			Context:     map[string]any{"reference_sinistre": "SIN-42", "montant_declare": 1500},
		})
		require.NoError(t, err)
		require.NotNil(t, got.StageData.SinistrePaiement)
		assert.Equal(t, "SIN-42", got.StageData.SinistrePaiement.ClaimRef)
		assert.Equal(t, 1500.0, got.StageData.SinistrePaiement.AmountClaimed)
	})

	t.Run("Validation Errors", func(t *testing.T) {
		f := setupEngine(t)

		_, _, err := f.engine.Transition(context.Background(), Request{TargetStage: models.StageVieContrat})
		var verr *apperr.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "cycle_vie_id", verr.Field)

		_, _, err = f.engine.Transition(context.Background(), Request{CycleVieID: "x", TargetStage: "paiement"})
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "target_stage", verr.Field)

		_, _, err = f.engine.Transition(context.Background(), Request{CycleVieID: "missing", TargetStage: models.StageVieContrat})
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("Events Emitted", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)
		f.move(t, c.ID, models.StageVieContrat)

		require.Len(t, f.events, 2)
		assert.Equal(t, events.CycleVieCreated, f.events[0].Type)
		assert.Equal(t, events.StageTransition, f.events[1].Type)
		assert.Equal(t, c.ID, f.events[1].Key)
		assert.Equal(t, "agent-1", f.events[1].Actor)
	})
}

func TestEngineConditions(t *testing.T) {
	rules, err := NewRuleSet([]models.StageRule{{
		FromStage: models.StageSouscription,
		ToStage:   models.StageVieContrat,
		Conditions: []models.RuleCondition{
			{Field: "donnees_etapes.souscription.produit", Operator: models.OperatorEquals, Value: "auto"},
			{Field: "underwriting_approved", Operator: models.OperatorEquals, Value: true},
			{Field: "status", Operator: models.OperatorNotEquals, Value: "cancelled"},
		},
		AutomaticTransition: true,
	}})
	require.NoError(t, err)

	t.Run("Context And Record Fields", func(t *testing.T) {
		f := setupEngine(t, WithRules(rules))
		c := f.create(t, 0)

		_, _, err := f.engine.Transition(context.Background(), Request{CycleVieID: c.ID, TargetStage: models.StageVieContrat})
		invalid := requireInvalid(t, err)
		assert.Contains(t, invalid.Reason, "underwriting_approved")

		_, tr, err := f.engine.Transition(context.Background(), Request{
			CycleVieID:  c.ID,
			TargetStage: models.StageVieContrat,
			Context:     map[string]any{"underwriting_approved": true},
		})
		require.NoError(t, err)
		assert.NotNil(t, tr)
	})

	t.Run("Rule Set Validation", func(t *testing.T) {
		_, err := NewRuleSet([]models.StageRule{{FromStage: models.StageVieContrat, ToStage: models.StageSouscription}})
		assert.Error(t, err, "backward rule")

		_, err = NewRuleSet([]models.StageRule{{FromStage: "unknown", ToStage: models.StageVieContrat}})
		assert.Error(t, err, "unknown stage")

		dup := models.StageRule{FromStage: models.StageSouscription, ToStage: models.StageVieContrat}
		_, err = NewRuleSet([]models.StageRule{dup, dup})
		assert.Error(t, err, "duplicate rule")

		_, err = NewRuleSet([]models.StageRule{{
			FromStage:  models.StageSouscription,
			ToStage:    models.StageVieContrat,
			Conditions: []models.RuleCondition{{Field: "status", Operator: "greater_than", Value: 1}},
		}})
		assert.Error(t, err, "unsupported operator")
	})

	t.Run("Default Rules", func(t *testing.T) {
		rs, err := NewRuleSet(DefaultRules())
		require.NoError(t, err)
		assert.Len(t, rs.All(), 4)

		rule, ok := rs.Find(models.StageVieContrat, models.StageSinistrePaiement)
		require.True(t, ok)
		assert.False(t, rule.AutomaticTransition)
		assert.Equal(t, []string{"gestionnaire_sinistre"}, rule.RequiredValidations)

		_, ok = rs.Find(models.StageSouscription, models.StageResiliation)
		assert.False(t, ok)
	})
}

func TestEngineFinancials(t *testing.T) {
	t.Run("Loss Ratio", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 1000)
		assert.Equal(t, 1000.0, c.Metrics.TotalPremiums)
		assert.Equal(t, 0.0, c.Metrics.LossRatio)

		c, err := f.engine.RecordIndemnity(context.Background(), c.ID, 250, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, 25.0, c.Metrics.LossRatio)

		c, err = f.engine.RecordPremium(context.Background(), c.ID, 500, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, 1500.0, c.Metrics.TotalPremiums)
		assert.Equal(t, 16.67, c.Metrics.LossRatio)
		assert.Equal(t, 0, c.Metrics.Modifications, "amounts are not stage modifications")
	})

	t.Run("Zero Premiums", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)
		c, err := f.engine.RecordIndemnity(context.Background(), c.ID, 300, "")
		require.NoError(t, err)
		assert.Equal(t, 0.0, c.Metrics.LossRatio)
	})

	t.Run("Rejects Non Positive Amounts", func(t *testing.T) {
		f := setupEngine(t)
		c := f.create(t, 0)
		_, err := f.engine.RecordPremium(context.Background(), c.ID, -5, "")
		var verr *apperr.ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "amount", verr.Field)
	})
}
