package store

import (
	"context"
	"time"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/models"
)

const (
	entityAlert = "alert"
	entityCase  = "case"
)

// AlertStore holds fraud alerts.
type AlertStore struct {
	table *table[*models.Alert]
	now   func() time.Time
	newID func() string
}

func newAlertStore(o *options) *AlertStore {
	return &AlertStore{
		table: newTable[*models.Alert](CollectionAlerts, entityAlert, o),
		now:   o.now,
		newID: o.newID,
	}
}

// List returns the alerts matching filter in creation order.
func (s *AlertStore) List(_ context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	return s.table.list(func(a *models.Alert) bool { return filter.Match(a) }), nil
}

// Get returns one alert.
func (s *AlertStore) Get(_ context.Context, id string) (*models.Alert, error) {
	return s.table.get(id)
}

// Create stores a new alert in status new.
func (s *AlertStore) Create(ctx context.Context, req models.CreateAlertRequest) (*models.Alert, error) {
	if err := apperr.Validate(req); err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	a := &models.Alert{
		ID:          s.newID(),
		Title:       req.Title,
		Description: req.Description,
		Status:      models.AlertNew,
		Severity:    req.Severity,
		Priority:    priority,
		Source:      req.Source,
		Score:       req.Score,
		Amount:      req.Amount,
		AssignedTo:  req.AssignedTo,
		DemandeID:   req.DemandeID,
		CycleVieID:  req.CycleVieID,
		Metadata:    models.Metadata{CreatedBy: req.CreatedBy, Tags: req.Tags, Extra: req.Extra},
	}
	a.Metadata.Stamp(s.now())

	s.table.insert(ctx, a)
	return a.Clone(), nil
}

// Update merges patch into the stored alert and bumps its version.
func (s *AlertStore) Update(ctx context.Context, id string, patch models.AlertPatch) (*models.Alert, error) {
	if err := apperr.Validate(patch); err != nil {
		return nil, err
	}
	return s.table.modify(ctx, id, func(a *models.Alert) error {
		patch.Apply(a)
		a.Metadata.Touch(s.now())
		return nil
	})
}

// CaseStore holds fraud cases.
type CaseStore struct {
	table *table[*models.Case]
	now   func() time.Time
	newID func() string
}

func newCaseStore(o *options) *CaseStore {
	return &CaseStore{
		table: newTable[*models.Case](CollectionCases, entityCase, o),
		now:   o.now,
		newID: o.newID,
	}
}

// List returns the cases matching filter in creation order.
func (s *CaseStore) List(_ context.Context, filter models.CaseFilter) ([]*models.Case, error) {
	return s.table.list(func(c *models.Case) bool { return filter.Match(c) }), nil
}

// Get returns one case.
func (s *CaseStore) Get(_ context.Context, id string) (*models.Case, error) {
	return s.table.get(id)
}

// Create stores a new case in status open.
func (s *CaseStore) Create(ctx context.Context, req models.CreateCaseRequest) (*models.Case, error) {
	if err := apperr.Validate(req); err != nil {
		return nil, err
	}
	now := s.now()
	author := req.CreatedBy
	if author == "" {
		author = "system"
	}
	c := &models.Case{
		ID:           s.newID(),
		Title:        req.Title,
		Description:  req.Description,
		Status:       models.CaseOpen,
		Priority:     req.Priority,
		AssignedTo:   req.AssignedTo,
		AlertIDs:     req.AlertIDs,
		AmountAtRisk: req.AmountAtRisk,
		Timeline: []models.TraitementEntry{{
			Date:     now,
			Action:   "create",
			Author:   author,
			ToStatus: string(models.CaseOpen),
		}},
		Metadata: models.Metadata{CreatedBy: author, Tags: req.Tags, Extra: req.Extra},
	}
	c.Metadata.Stamp(now)

	s.table.insert(ctx, c)
	return c.Clone(), nil
}

// Update merges patch into the stored case and bumps its version.
func (s *CaseStore) Update(ctx context.Context, id string, patch models.CasePatch) (*models.Case, error) {
	if err := apperr.Validate(patch); err != nil {
		return nil, err
	}
	return s.table.modify(ctx, id, func(c *models.Case) error {
		patch.Apply(c)
		c.Metadata.Touch(s.now())
		return nil
	})
}

// Mutate runs fn against the stored case under the store lock and bumps its
// version when fn succeeds.
func (s *CaseStore) Mutate(ctx context.Context, id string, fn func(*models.Case) error) (*models.Case, error) {
	return s.table.modify(ctx, id, func(c *models.Case) error {
		if err := fn(c); err != nil {
			return err
		}
		c.Metadata.Touch(s.now())
		return nil
	})
}
