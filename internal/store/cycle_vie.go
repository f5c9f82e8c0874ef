package store

import (
	"context"
	"time"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/models"
)

const entityCycleVie = "cycle_vie"

// CycleVieStore holds lifecycle records. Records are never removed; stage
// changes go through the lifecycle engine via Mutate.
type CycleVieStore struct {
	table *table[*models.CycleVie]
	now   func() time.Time
	newID func() string
}

func newCycleVieStore(o *options) *CycleVieStore {
	return &CycleVieStore{
		table: newTable[*models.CycleVie](CollectionCycles, entityCycleVie, o),
		now:   o.now,
		newID: o.newID,
	}
}

// List returns the lifecycles matching filter in creation order.
func (s *CycleVieStore) List(_ context.Context, filter models.CycleVieFilter) ([]*models.CycleVie, error) {
	return s.table.list(func(c *models.CycleVie) bool { return filter.Match(c) }), nil
}

// Get returns one lifecycle.
func (s *CycleVieStore) Get(_ context.Context, id string) (*models.CycleVie, error) {
	return s.table.get(id)
}

// Create opens a lifecycle at souscription with a single open history entry.
func (s *CycleVieStore) Create(ctx context.Context, req models.CreateCycleVieRequest) (*models.CycleVie, error) {
	if err := apperr.Validate(req); err != nil {
		return nil, err
	}

	now := s.now()
	author := req.CreatedBy
	if author == "" {
		author = "system"
	}

	subscription := &models.SubscriptionData{}
	if req.Subscription != nil {
		*subscription = *req.Subscription
	}
	if subscription.SubscribedAt.IsZero() {
		subscription.SubscribedAt = now
	}

	c := &models.CycleVie{
		ID:           s.newID(),
		AssureID:     req.AssureID,
		ContratID:    req.ContratID,
		CurrentStage: models.StageSouscription,
		Status:       models.CycleActive,
		Progression:  models.StageSouscription.Progression(),
		StageData:    models.StageData{Souscription: subscription},
		StageHistory: []models.StageHistoryEntry{{
			Stage:       models.StageSouscription,
			EnteredAt:   now,
			TriggeredBy: author,
		}},
		Related:          models.RelatedIDs{DemandeIDs: req.DemandeIDs},
		MissingDocuments: []string{},
		Metadata:         models.Metadata{CreatedBy: author, Tags: req.Tags, Extra: req.Extra},
	}
	c.Metrics.TotalPremiums = subscription.Premium
	c.RecomputeMetrics(now)
	c.Metadata.Stamp(now)

	s.table.insert(ctx, c)
	return c.Clone(), nil
}

// Update merges patch into the stored lifecycle and bumps its version.
// Operators may only move between active and suspended, or cancel.
func (s *CycleVieStore) Update(ctx context.Context, id string, patch models.CycleViePatch) (*models.CycleVie, error) {
	if err := apperr.Validate(patch); err != nil {
		return nil, err
	}
	return s.table.modify(ctx, id, func(c *models.CycleVie) error {
		if next := patch.Status; next != nil && *next != c.Status && !c.Status.CanMoveTo(*next) {
			return &apperr.InvalidTransitionError{
				Entity: "cycle_vie",
				From:   string(c.Status),
				To:     string(*next),
				Reason: "status change not allowed",
			}
		}
		patch.Apply(c)
		c.Metadata.Touch(s.now())
		return nil
	})
}

// Mutate runs fn against the stored lifecycle under the store lock and bumps
// its version when fn succeeds. An error from fn leaves the record untouched.
func (s *CycleVieStore) Mutate(ctx context.Context, id string, fn func(*models.CycleVie) error) (*models.CycleVie, error) {
	return s.table.modify(ctx, id, func(c *models.CycleVie) error {
		if err := fn(c); err != nil {
			return err
		}
		c.Metadata.Touch(s.now())
		return nil
	})
}

// LinkAlert records an anomaly alert id on the lifecycle without touching
// its version.
func (s *CycleVieStore) LinkAlert(ctx context.Context, id, alertID string) error {
	_, err := s.table.modify(ctx, id, func(c *models.CycleVie) error {
		c.Related.AlerteIDs = models.AppendUnique(c.Related.AlerteIDs, alertID)
		return nil
	})
	return err
}
