// Package lifecycle moves CycleVie records between stages according to a
// static rule table and keeps their stage history and metrics consistent.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/events"
	"github.com/aegisshield/lifecycle-engine/internal/metrics"
	"github.com/aegisshield/lifecycle-engine/internal/models"
	"github.com/aegisshield/lifecycle-engine/internal/store"
)

// CycleRepository is the subset of the lifecycle store the engine needs.
type CycleRepository interface {
	Get(ctx context.Context, id string) (*models.CycleVie, error)
	Create(ctx context.Context, req models.CreateCycleVieRequest) (*models.CycleVie, error)
	Mutate(ctx context.Context, id string, fn func(*models.CycleVie) error) (*models.CycleVie, error)
}

// TransitionLog is the append-only transition audit trail.
type TransitionLog interface {
	Append(ctx context.Context, t *models.CycleVieTransition) *models.CycleVieTransition
	List(ctx context.Context, filter models.TransitionFilter) ([]*models.CycleVieTransition, error)
}

// Request asks for one stage change.
type Request struct {
	CycleVieID  string         `json:"cycle_vie_id" validate:"required"`
	TargetStage models.Stage   `json:"target_stage" validate:"required,oneof=souscription vie_contrat sinistre_paiement resiliation"`
	ActorID     string         `json:"actor_id"`
	Documents   []string       `json:"documents"`
	Context     map[string]any `json:"context"`
	Notes       string         `json:"notes"`
}

// Engine applies stage transitions.
type Engine struct {
	cycles      CycleRepository
	transitions TransitionLog
	rules       *RuleSet
	bus         *events.Bus
	metrics     *metrics.Collector
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithEvents sets the event bus.
func WithEvents(bus *events.Bus) Option { return func(e *Engine) { e.bus = bus } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }

// WithRules replaces the default rule table.
func WithRules(rs *RuleSet) Option { return func(e *Engine) { e.rules = rs } }

// NewEngine creates a transition engine using DefaultRules unless WithRules
// is given.
func NewEngine(cycles CycleRepository, transitions TransitionLog, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		cycles:      cycles,
		transitions: transitions,
		logger:      logger.Named("lifecycle"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rules == nil {
		rs, err := NewRuleSet(DefaultRules())
		if err != nil {
			panic(err)
		}
		e.rules = rs
	}
	return e
}

// Rules returns the active rule table.
func (e *Engine) Rules() []models.StageRule {
	return e.rules.All()
}

// Create opens a new lifecycle at souscription.
func (e *Engine) Create(ctx context.Context, req models.CreateCycleVieRequest) (*models.CycleVie, error) {
	c, err := e.cycles.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Lifecycle created",
		zap.String("cycle_vie_id", c.ID),
		zap.String("contrat_id", c.ContratID))
	e.bus.Emit(ctx, events.CycleVieCreated, c.ID, req.CreatedBy, c)
	return c, nil
}

// Transition moves a lifecycle to req.TargetStage. A request for the current
// stage is a no-op and returns the record unchanged with a nil transition.
// The transition executes immediately even when its rule is not automatic;
// the audit record and the lifecycle are then flagged as requiring
// validation.
func (e *Engine) Transition(ctx context.Context, req Request) (*models.CycleVie, *models.CycleVieTransition, error) {
	if err := apperr.Validate(req); err != nil {
		return nil, nil, err
	}
	actor := req.ActorID
	if actor == "" {
		actor = "system"
	}

	var pending *models.CycleVieTransition
	updated, err := e.cycles.Mutate(ctx, req.CycleVieID, func(c *models.CycleVie) error {
		t, err := e.apply(c, req, actor)
		if err != nil {
			return err
		}
		pending = t
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return updated, nil, nil
	}
	if err != nil {
		var invalid *apperr.InvalidTransitionError
		if errors.As(err, &invalid) {
			e.metrics.TransitionRejected(invalid.Reason)
			e.logger.Info("Transition rejected",
				zap.String("cycle_vie_id", req.CycleVieID),
				zap.String("from", invalid.From),
				zap.String("to", invalid.To),
				zap.String("reason", invalid.Reason))
		}
		return nil, nil, err
	}

	recorded := e.transitions.Append(ctx, pending)
	e.metrics.TransitionApplied(string(recorded.FromStage), string(recorded.ToStage), recorded.ValidationRequired)
	e.logger.Info("Stage transition applied",
		zap.String("cycle_vie_id", updated.ID),
		zap.String("from", string(recorded.FromStage)),
		zap.String("to", string(recorded.ToStage)),
		zap.String("actor", actor),
		zap.Bool("validation_required", recorded.ValidationRequired),
		zap.Strings("missing_documents", recorded.MissingDocuments))
	e.bus.Emit(ctx, events.StageTransition, updated.ID, actor, recorded)

	return updated, recorded, nil
}

// apply checks the request against c and mutates c in place.
func (e *Engine) apply(c *models.CycleVie, req Request, actor string) (*models.CycleVieTransition, error) {
	from, to := c.CurrentStage, req.TargetStage
	if from == to {
		return nil, store.ErrNoChange
	}
	reject := func(reason string) error {
		return &apperr.InvalidTransitionError{Entity: "cycle_vie", From: string(from), To: string(to), Reason: reason}
	}
	if from.IsTerminal() {
		return nil, reject("terminal stage")
	}
	if to.Index() < from.Index() {
		return nil, reject("backward transition")
	}
	rule, ok := e.rules.Find(from, to)
	if !ok {
		return nil, reject("no rule")
	}

	record, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode lifecycle: %w", err)
	}
	env := conditionEnv{context: req.Context, record: record}
	if cond, unmet := env.firstUnmet(rule.Conditions); unmet {
		return nil, reject(fmt.Sprintf("condition not met: %s %s %v", cond.Field, cond.Operator, cond.Value))
	}

	now := e.now()
	if i := c.OpenEntry(); i >= 0 {
		exited := now
		days := models.WholeDays(c.StageHistory[i].EnteredAt, now)
		c.StageHistory[i].ExitedAt = &exited
		c.StageHistory[i].Duration = &days
	}
	c.StageHistory = append(c.StageHistory, models.StageHistoryEntry{
		Stage:       to,
		EnteredAt:   now,
		TriggeredBy: actor,
	})
	c.CurrentStage = to
	c.Progression = to.Progression()
	c.MissingDocuments = missingDocuments(rule.RequiredDocuments, req.Documents)
	c.ValidationRequired = !rule.AutomaticTransition
	initStageData(c, to, now, req.Context)

	switch to {
	case models.StageSinistrePaiement:
		c.Metrics.Claims++
	case models.StageResiliation:
		c.Status = models.CycleCompleted
	}
	c.Metrics.Modifications++
	c.RecomputeMetrics(now)

	return &models.CycleVieTransition{
		CycleVieID:         c.ID,
		FromStage:          from,
		ToStage:            to,
		TriggeredBy:        actor,
		Documents:          req.Documents,
		MissingDocuments:   c.MissingDocuments,
		ValidationRequired: !rule.AutomaticTransition,
		Notes:              req.Notes,
		CreatedAt:          now,
	}, nil
}

// RecordPremium adds a collected premium to the lifecycle totals.
func (e *Engine) RecordPremium(ctx context.Context, id string, amount float64, actor string) (*models.CycleVie, error) {
	return e.recordAmount(ctx, id, amount, actor, func(m *models.Metrics) { m.TotalPremiums += amount })
}

// RecordIndemnity adds a paid indemnity to the lifecycle totals.
func (e *Engine) RecordIndemnity(ctx context.Context, id string, amount float64, actor string) (*models.CycleVie, error) {
	return e.recordAmount(ctx, id, amount, actor, func(m *models.Metrics) { m.TotalIndemnities += amount })
}

func (e *Engine) recordAmount(ctx context.Context, id string, amount float64, actor string, add func(*models.Metrics)) (*models.CycleVie, error) {
	if amount <= 0 {
		return nil, apperr.NewValidation("amount", "must be positive")
	}
	updated, err := e.cycles.Mutate(ctx, id, func(c *models.CycleVie) error {
		add(&c.Metrics)
		c.RecomputeMetrics(e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.bus.Emit(ctx, events.CycleVieUpdated, updated.ID, actor, updated.Metrics)
	return updated, nil
}

// History lists the transitions of one lifecycle, oldest first.
func (e *Engine) History(ctx context.Context, id string) ([]*models.CycleVieTransition, error) {
	if _, err := e.cycles.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.transitions.List(ctx, models.TransitionFilter{CycleVieID: &id})
}

func missingDocuments(required, supplied []string) []string {
	have := make(map[string]struct{}, len(supplied))
	for _, d := range supplied {
		have[d] = struct{}{}
	}
	missing := []string{}
	for _, d := range required {
		if _, ok := have[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}

func initStageData(c *models.CycleVie, stage models.Stage, now time.Time, ctxValues map[string]any) {
	switch stage {
	case models.StageVieContrat:
		if c.StageData.VieContrat == nil {
			c.StageData.VieContrat = &models.ContractLifeData{EffectiveAt: now}
		}
	case models.StageSinistrePaiement:
		if c.StageData.SinistrePaiement == nil {
			c.StageData.SinistrePaiement = &models.ClaimData{
				OpenedAt:      now,
				ClaimRef:      stringValue(ctxValues, "reference_sinistre"),
				AmountClaimed: floatValue(ctxValues, "montant_declare"),
			}
		}
	case models.StageResiliation:
		if c.StageData.Resiliation == nil {
			c.StageData.Resiliation = &models.TerminationData{
				TerminatedAt: now,
				Reason:       stringValue(ctxValues, "motif"),
			}
		}
	}
}

func stringValue(values map[string]any, key string) string {
	if s, ok := values[key].(string); ok {
		return s
	}
	return ""
}

func floatValue(values map[string]any, key string) float64 {
	if f, ok := normalize(values[key]).(float64); ok {
		return f
	}
	return 0
}
