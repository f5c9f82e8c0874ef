// Package store holds the in-memory entity collections. Stores are built once
// at start-up and injected into the components that need them; they are safe
// for concurrent use.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/sla"
)

// Collection names used as persistence keys.
const (
	CollectionDemandes    = "demandes"
	CollectionCycles      = "cycles_vie"
	CollectionTransitions = "cycle_vie_transitions"
	CollectionAnomalies   = "cycle_vie_alerts"
	CollectionAlerts      = "alerts"
	CollectionCases       = "cases"
)

type options struct {
	now       func() time.Time
	newID     func() string
	persister Persister
	logger    *zap.Logger
	sla       *sla.Calculator
}

// Option configures the stores.
type Option func(*options)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithPersister enables snapshot persistence.
func WithPersister(p Persister) Option {
	return func(o *options) { o.persister = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSLACalculator sets the calculator used when creating requests.
func WithSLACalculator(c *sla.Calculator) Option {
	return func(o *options) { o.sla = c }
}

func buildOptions(opts []Option) *options {
	o := &options{
		now:    time.Now,
		newID:  uuid.NewString,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sla == nil {
		o.sla = sla.NewCalculator(nil)
	}
	o.logger = o.logger.Named("store")
	return o
}

// Stores groups every collection of the service.
type Stores struct {
	Demandes    *DemandeStore
	Cycles      *CycleVieStore
	Transitions *TransitionStore
	Anomalies   *AnomalyStore
	Alerts      *AlertStore
	Cases       *CaseStore

	logger *zap.Logger
}

// New builds all stores sharing the same options.
func New(opts ...Option) *Stores {
	o := buildOptions(opts)
	return &Stores{
		Demandes:    newDemandeStore(o),
		Cycles:      newCycleVieStore(o),
		Transitions: newTransitionStore(o),
		Anomalies:   newAnomalyStore(o),
		Alerts:      newAlertStore(o),
		Cases:       newCaseStore(o),
		logger:      o.logger,
	}
}

// Hydrate reloads every collection from the persister. Collections whose load
// was superseded keep their current contents.
func (s *Stores) Hydrate(ctx context.Context) error {
	loaders := []struct {
		name string
		load func(context.Context) (int, error)
	}{
		{CollectionDemandes, s.Demandes.hydrate},
		{CollectionCycles, s.Cycles.table.hydrate},
		{CollectionTransitions, s.Transitions.table.hydrate},
		{CollectionAnomalies, s.Anomalies.hydrate},
		{CollectionAlerts, s.Alerts.table.hydrate},
		{CollectionCases, s.Cases.table.hydrate},
	}
	for _, l := range loaders {
		n, err := l.load(ctx)
		if errors.Is(err, ErrStaleLoad) {
			s.logger.Info("Discarded stale load", zap.String("collection", l.name))
			continue
		}
		if err != nil {
			return err
		}
		s.logger.Info("Hydrated collection", zap.String("collection", l.name), zap.Int("records", n))
	}
	return nil
}
