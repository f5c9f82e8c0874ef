// Package workflow applies user actions (approve, reject, escalate, archive
// and the intermediate processing steps) to requests and fraud cases.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/events"
	"github.com/aegisshield/lifecycle-engine/internal/metrics"
	"github.com/aegisshield/lifecycle-engine/internal/models"
	"github.com/aegisshield/lifecycle-engine/internal/sla"
)

// ActionKind names a workflow action.
type ActionKind string

const (
	ActionApprove           ActionKind = "approve"
	ActionReject            ActionKind = "reject"
	ActionArchive           ActionKind = "archive"
	ActionEscalate          ActionKind = "escalate"
	ActionAcknowledge       ActionKind = "acknowledge"
	ActionStart             ActionKind = "start"
	ActionRequestInfo       ActionKind = "request_info"
	ActionRequestValidation ActionKind = "request_validation"
	ActionCancel            ActionKind = "cancel"
)

// Action is one workflow command against a record.
type Action struct {
	ID    string     `json:"id" validate:"required"`
	Kind  ActionKind `json:"action" validate:"required"`
	Notes string     `json:"notes"`
	Actor string     `json:"actor"`
}

// DemandeRepository is the subset of the request store the dispatcher needs.
type DemandeRepository interface {
	Get(ctx context.Context, id string) (*models.Demande, error)
	Mutate(ctx context.Context, id string, fn func(*models.Demande) error) (*models.Demande, error)
}

// CaseRepository is the subset of the case store the dispatcher needs.
type CaseRepository interface {
	Get(ctx context.Context, id string) (*models.Case, error)
	Mutate(ctx context.Context, id string, fn func(*models.Case) error) (*models.Case, error)
}

// Archiver converts a completed request into a Historique and returns its id.
// A request is archived at most once.
type Archiver interface {
	Archive(ctx context.Context, d *models.Demande) (string, error)
}

// Discarder is implemented by archivers that can drop a Historique whose
// request could not be marked archived.
type Discarder interface {
	Discard(ctx context.Context, historiqueID string) error
}

// Dispatcher routes workflow actions to their effects.
type Dispatcher struct {
	demandes DemandeRepository
	cases    CaseRepository
	archiver Archiver
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time

	archivingMu sync.Mutex
	archiving   map[string]struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithEvents sets the event bus.
func WithEvents(bus *events.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(d *Dispatcher) { d.metrics = m } }

// NewDispatcher creates a dispatcher.
func NewDispatcher(demandes DemandeRepository, cases CaseRepository, archiver Archiver, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		demandes:  demandes,
		cases:     cases,
		archiver:  archiver,
		logger:    logger.Named("workflow"),
		now:       time.Now,
		archiving: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// demandeStep describes the status change of one request action.
type demandeStep struct {
	target  models.DemandeStatus
	step    string
	allowed func(models.DemandeStatus) bool
}

func notTerminal(s models.DemandeStatus) bool { return !s.IsTerminal() }

var demandeSteps = map[ActionKind]demandeStep{
	ActionApprove:           {target: models.StatusCompleted, step: "decision", allowed: notTerminal},
	ActionReject:            {target: models.StatusRejected, step: "decision", allowed: notTerminal},
	ActionEscalate:          {target: models.StatusEscalated, step: "escalade", allowed: notTerminal},
	ActionAcknowledge:       {target: models.StatusReceived, step: "qualification", allowed: notTerminal},
	ActionStart:             {target: models.StatusInProgress, step: "traitement", allowed: notTerminal},
	ActionRequestInfo:       {target: models.StatusPendingInfo, step: "attente_information", allowed: notTerminal},
	ActionRequestValidation: {target: models.StatusPendingValidation, step: "validation", allowed: notTerminal},
	ActionCancel:            {target: models.StatusCancelled, step: "cloture", allowed: notTerminal},
	ActionArchive: {
		target:  models.StatusArchived,
		step:    "archivage",
		allowed: func(s models.DemandeStatus) bool { return s == models.StatusCompleted },
	},
}

// Process applies a to the request a.ID. Every successful action appends
// exactly one treatment entry and bumps the record version.
func (d *Dispatcher) Process(ctx context.Context, a Action) (updated *models.Demande, err error) {
	defer func() { d.metrics.WorkflowAction("demande", string(a.Kind), err) }()

	if err := apperr.Validate(a); err != nil {
		return nil, err
	}
	step, ok := demandeSteps[a.Kind]
	if !ok {
		return nil, &apperr.UnsupportedActionError{Action: string(a.Kind)}
	}
	actor := actorOf(a)

	if a.Kind == ActionArchive {
		return d.archive(ctx, a, step, actor)
	}

	updated, err = d.demandes.Mutate(ctx, a.ID, func(dm *models.Demande) error {
		if !step.allowed(dm.Status) {
			return demandeRejected(dm.Status, step.target)
		}
		now := d.now()
		entry := models.TraitementEntry{
			Date:       now,
			Action:     string(a.Kind),
			Author:     actor,
			Comment:    a.Notes,
			FromStatus: string(dm.Status),
			ToStatus:   string(step.target),
		}

		switch a.Kind {
		case ActionApprove, ActionReject:
			decision := models.DecisionAccepted
			if a.Kind == ActionReject {
				decision = models.DecisionRefused
			}
			dm.Decision = &models.Decision{Type: decision, Reason: a.Notes, DecidedAt: now, DecidedBy: actor}
			dm.SLA.TreatedAt = &now
		case ActionEscalate:
			dm.Priority = models.PriorityUrgent
			note := a.Notes
			if note == "" {
				note = fmt.Sprintf("Escalated by %s", actor)
			}
			dm.Notes = append(dm.Notes, note)
		}

		dm.Status = step.target
		dm.Workflow.CurrentStep = step.step
		dm.AppendTreatment(entry)
		sla.Refresh(dm, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("Workflow action applied",
		zap.String("demande_id", updated.ID),
		zap.String("action", string(a.Kind)),
		zap.String("status", string(updated.Status)),
		zap.String("actor", actor))
	d.bus.Emit(ctx, events.DemandeWorkflow, updated.ID, actor, updated)
	return updated, nil
}

// archive snapshots the request through the archiver before marking it
// archived. The archiver is called outside the store lock, so the request is
// reserved first and a concurrent archive of the same id is rejected. The
// status is checked again before the record is updated.
func (d *Dispatcher) archive(ctx context.Context, a Action, step demandeStep, actor string) (*models.Demande, error) {
	if d.archiver == nil {
		return nil, errors.New("no archiver configured")
	}
	if !d.reserve(a.ID) {
		return nil, &apperr.InvalidTransitionError{
			Entity: "demande",
			From:   string(models.StatusCompleted),
			To:     string(step.target),
			Reason: "archive already in progress",
		}
	}
	defer d.release(a.ID)

	current, err := d.demandes.Get(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if !step.allowed(current.Status) {
		return nil, demandeRejected(current.Status, step.target)
	}

	now := d.now()
	entry := models.TraitementEntry{
		Date:       now,
		Action:     string(a.Kind),
		Author:     actor,
		Comment:    a.Notes,
		FromStatus: string(current.Status),
		ToStatus:   string(step.target),
	}
	snapshot := current.Clone()
	snapshot.AppendTreatment(entry)

	historiqueID, err := d.archiver.Archive(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to archive demande %s: %w", a.ID, err)
	}

	updated, err := d.demandes.Mutate(ctx, a.ID, func(dm *models.Demande) error {
		if !step.allowed(dm.Status) {
			return demandeRejected(dm.Status, step.target)
		}
		dm.Status = step.target
		dm.Workflow.CurrentStep = step.step
		dm.HistoriqueID = &historiqueID
		dm.AppendTreatment(entry)
		return nil
	})
	if err != nil {
		d.logger.Warn("Request changed while archiving",
			zap.String("demande_id", a.ID),
			zap.String("historique_id", historiqueID),
			zap.Error(err))
		d.discard(ctx, historiqueID)
		return nil, err
	}

	d.logger.Info("Request archived",
		zap.String("demande_id", updated.ID),
		zap.String("historique_id", historiqueID),
		zap.String("actor", actor))
	d.bus.Emit(ctx, events.DemandeArchived, updated.ID, actor, map[string]string{
		"demande_id":    updated.ID,
		"historique_id": historiqueID,
	})
	return updated, nil
}

func (d *Dispatcher) reserve(id string) bool {
	d.archivingMu.Lock()
	defer d.archivingMu.Unlock()
	if _, busy := d.archiving[id]; busy {
		return false
	}
	d.archiving[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.archivingMu.Lock()
	delete(d.archiving, id)
	d.archivingMu.Unlock()
}

// discard drops an orphaned Historique when the archiver supports it.
func (d *Dispatcher) discard(ctx context.Context, historiqueID string) {
	discarder, ok := d.archiver.(Discarder)
	if !ok {
		return
	}
	if err := discarder.Discard(ctx, historiqueID); err != nil {
		d.logger.Error("Failed to discard orphaned historique",
			zap.String("historique_id", historiqueID),
			zap.Error(err))
	}
}

// caseStep describes the status change of one case action.
type caseStep struct {
	target  models.CaseStatus
	allowed func(models.CaseStatus) bool
}

func caseOpen(s models.CaseStatus) bool { return !s.IsClosed() }

var caseSteps = map[ActionKind]caseStep{
	ActionApprove:  {target: models.CaseResolved, allowed: caseOpen},
	ActionReject:   {target: models.CaseDismissed, allowed: caseOpen},
	ActionEscalate: {target: models.CaseEscalated, allowed: caseOpen},
	ActionStart:    {target: models.CaseInProgress, allowed: caseOpen},
	ActionArchive: {
		target: models.CaseArchived,
		allowed: func(s models.CaseStatus) bool {
			return s == models.CaseResolved || s == models.CaseDismissed
		},
	},
}

// ProcessCase applies a to the fraud case a.ID: approve resolves it, reject
// dismisses it, escalate raises it to urgent and archive files a closed case.
func (d *Dispatcher) ProcessCase(ctx context.Context, a Action) (updated *models.Case, err error) {
	defer func() { d.metrics.WorkflowAction("case", string(a.Kind), err) }()

	if err := apperr.Validate(a); err != nil {
		return nil, err
	}
	step, ok := caseSteps[a.Kind]
	if !ok {
		return nil, &apperr.UnsupportedActionError{Action: string(a.Kind)}
	}
	actor := actorOf(a)

	updated, err = d.cases.Mutate(ctx, a.ID, func(c *models.Case) error {
		if !step.allowed(c.Status) {
			return &apperr.InvalidTransitionError{
				Entity: "case",
				From:   string(c.Status),
				To:     string(step.target),
				Reason: "action not allowed from current status",
			}
		}
		now := d.now()

		switch a.Kind {
		case ActionApprove, ActionReject:
			decision := models.DecisionAccepted
			if a.Kind == ActionReject {
				decision = models.DecisionRefused
			}
			c.Decision = &models.Decision{Type: decision, Reason: a.Notes, DecidedAt: now, DecidedBy: actor}
			c.ClosedAt = &now
		case ActionEscalate:
			c.Priority = models.PriorityUrgent
			if a.Notes != "" {
				c.Notes = append(c.Notes, a.Notes)
			}
		}

		c.Timeline = append(c.Timeline, models.TraitementEntry{
			Date:       now,
			Action:     string(a.Kind),
			Author:     actor,
			Comment:    a.Notes,
			FromStatus: string(c.Status),
			ToStatus:   string(step.target),
		})
		c.Status = step.target
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("Case workflow action applied",
		zap.String("case_id", updated.ID),
		zap.String("action", string(a.Kind)),
		zap.String("status", string(updated.Status)),
		zap.String("actor", actor))
	d.bus.Emit(ctx, events.CaseWorkflow, updated.ID, actor, updated)
	return updated, nil
}

func actorOf(a Action) string {
	if a.Actor == "" {
		return "system"
	}
	return a.Actor
}

func demandeRejected(from, to models.DemandeStatus) error {
	reason := "action not allowed from current status"
	if to == models.StatusArchived {
		reason = "only completed requests can be archived"
	}
	return &apperr.InvalidTransitionError{Entity: "demande", From: string(from), To: string(to), Reason: reason}
}
