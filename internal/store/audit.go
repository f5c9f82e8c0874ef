package store

import (
	"context"
	"sync"
	"time"

	"github.com/aegisshield/lifecycle-engine/internal/models"
)

// TransitionStore is the append-only log of stage transitions.
type TransitionStore struct {
	table *table[*models.CycleVieTransition]
	now   func() time.Time
	newID func() string
}

func newTransitionStore(o *options) *TransitionStore {
	return &TransitionStore{
		table: newTable[*models.CycleVieTransition](CollectionTransitions, "cycle_vie_transition", o),
		now:   o.now,
		newID: o.newID,
	}
}

// Append assigns an id, and a timestamp when missing, then stores t.
func (s *TransitionStore) Append(ctx context.Context, t *models.CycleVieTransition) *models.CycleVieTransition {
	rec := t.Clone()
	rec.ID = s.newID()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.table.insert(ctx, rec)
	return rec.Clone()
}

// List returns the transitions matching filter in append order.
func (s *TransitionStore) List(_ context.Context, filter models.TransitionFilter) ([]*models.CycleVieTransition, error) {
	return s.table.list(func(t *models.CycleVieTransition) bool { return filter.Match(t) }), nil
}

// AnomalyStore is the append-only log of lifecycle anomaly alerts. Alerts are
// never mutated once written.
type AnomalyStore struct {
	table *table[*models.CycleVieAlert]
	now   func() time.Time
	newID func() string

	latestMu sync.RWMutex
	latest   map[anomalyKey]*models.CycleVieAlert
}

type anomalyKey struct {
	cycleVieID string
	typ        models.AnomalyType
}

func newAnomalyStore(o *options) *AnomalyStore {
	return &AnomalyStore{
		table:  newTable[*models.CycleVieAlert](CollectionAnomalies, "cycle_vie_alert", o),
		now:    o.now,
		newID:  o.newID,
		latest: make(map[anomalyKey]*models.CycleVieAlert),
	}
}

// Append assigns an id, and a timestamp when missing, then stores a.
func (s *AnomalyStore) Append(ctx context.Context, a *models.CycleVieAlert) *models.CycleVieAlert {
	rec := a.Clone()
	rec.ID = s.newID()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.table.insert(ctx, rec)

	s.latestMu.Lock()
	s.index(rec.Clone())
	s.latestMu.Unlock()
	return rec.Clone()
}

// index records a as the latest alert of its key unless a newer one is
// already known. Callers hold latestMu.
func (s *AnomalyStore) index(a *models.CycleVieAlert) {
	key := anomalyKey{cycleVieID: a.CycleVieID, typ: a.Type}
	if cur, ok := s.latest[key]; ok && a.CreatedAt.Before(cur.CreatedAt) {
		return
	}
	s.latest[key] = a
}

// List returns the alerts matching filter in append order.
func (s *AnomalyStore) List(_ context.Context, filter models.CycleVieAlertFilter) ([]*models.CycleVieAlert, error) {
	return s.table.list(func(a *models.CycleVieAlert) bool { return filter.Match(a) }), nil
}

// Latest returns the most recent alert for (cycleVieID, typ), or nil.
func (s *AnomalyStore) Latest(_ context.Context, cycleVieID string, typ models.AnomalyType) *models.CycleVieAlert {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	a, ok := s.latest[anomalyKey{cycleVieID: cycleVieID, typ: typ}]
	if !ok {
		return nil
	}
	return a.Clone()
}

// hydrate reloads the log and rebuilds the latest-alert index from it.
func (s *AnomalyStore) hydrate(ctx context.Context) (int, error) {
	n, err := s.table.hydrate(ctx)
	if err != nil {
		return n, err
	}
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	s.latest = make(map[anomalyKey]*models.CycleVieAlert)
	for _, a := range s.table.list(nil) {
		s.index(a)
	}
	return n, nil
}
