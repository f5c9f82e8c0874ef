package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/models"
	"github.com/aegisshield/lifecycle-engine/internal/sla"
)

const entityDemande = "demande"

// DemandeStore holds requests. Requests are never removed.
type DemandeStore struct {
	table *table[*models.Demande]
	now   func() time.Time
	newID func() string
	sla   *sla.Calculator

	seqMu sync.Mutex
	seq   int
}

func newDemandeStore(o *options) *DemandeStore {
	return &DemandeStore{
		table: newTable[*models.Demande](CollectionDemandes, entityDemande, o),
		now:   o.now,
		newID: o.newID,
		sla:   o.sla,
	}
}

// List returns the requests matching filter in creation order, with the SLA
// compliance flag evaluated as of now.
func (s *DemandeStore) List(_ context.Context, filter models.DemandeFilter) ([]*models.Demande, error) {
	items := s.table.list(func(d *models.Demande) bool { return filter.Match(d) })
	now := s.now()
	for _, d := range items {
		sla.Refresh(d, now)
	}
	return items, nil
}

// Get returns one request.
func (s *DemandeStore) Get(_ context.Context, id string) (*models.Demande, error) {
	d, err := s.table.get(id)
	if err != nil {
		return nil, err
	}
	sla.Refresh(d, s.now())
	return d, nil
}

// Create validates the payload, computes the SLA block and stores a new
// request in status new.
func (s *DemandeStore) Create(ctx context.Context, req models.CreateDemandeRequest) (*models.Demande, error) {
	if err := apperr.Validate(req); err != nil {
		return nil, err
	}

	now := s.now()
	receivedAt := now
	if req.ReceivedAt != nil {
		receivedAt = *req.ReceivedAt
	}
	category := req.Category
	if category == "" {
		category = models.CategoryFor(req.Type)
	}
	author := req.CreatedBy
	if author == "" {
		author = "system"
	}

	id := s.newID()
	reference := req.Reference
	if reference == "" {
		short := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
		if len(short) > 8 {
			short = short[:8]
		}
		reference = "REF-" + short
	}

	res := s.sla.Compute(req.Type, req.Priority, receivedAt)
	d := &models.Demande{
		ID:             id,
		Reference:      reference,
		TrackingNumber: s.nextTrackingNumber(receivedAt),
		Type:           req.Type,
		Category:       category,
		Status:         models.StatusNew,
		Priority:       req.Priority,
		Channel:        req.Channel,
		Origin:         req.Origin,
		Subject:        req.Subject,
		Description:    req.Description,
		Requester:      req.Requester,
		SLA: models.SLABlock{
			ReceivedAt:      receivedAt,
			CommercialDelay: res.DelaiCommercial,
			DueDate:         res.DateEcheance,
			Respected:       res.RespectSLA,
		},
		Workflow: models.WorkflowBlock{
			CurrentStep:         "reception",
			RequiredValidations: req.RequiredValidations,
			EscalationRules:     req.EscalationRules,
		},
		Treatments: []models.TraitementEntry{{
			Date:     now,
			Action:   "create",
			Author:   author,
			ToStatus: string(models.StatusNew),
		}},
		Relations: models.DemandeRelations{
			ContratIDs:  req.ContratIDs,
			CycleVieIDs: req.CycleVieIDs,
		},
		Metadata: models.Metadata{CreatedBy: author, Tags: req.Tags, Extra: req.Extra},
	}
	d.Metadata.Stamp(now)

	s.table.insert(ctx, d)
	return d.Clone(), nil
}

// Update merges patch into the stored request and bumps its version.
func (s *DemandeStore) Update(ctx context.Context, id string, patch models.DemandePatch) (*models.Demande, error) {
	return s.table.modify(ctx, id, func(d *models.Demande) error {
		patch.Apply(d)
		d.Metadata.Touch(s.now())
		return nil
	})
}

// Mutate runs fn against the stored request under the store lock and bumps
// its version when fn succeeds. An error from fn leaves the record untouched.
func (s *DemandeStore) Mutate(ctx context.Context, id string, fn func(*models.Demande) error) (*models.Demande, error) {
	return s.table.modify(ctx, id, func(d *models.Demande) error {
		if err := fn(d); err != nil {
			return err
		}
		d.Metadata.Touch(s.now())
		return nil
	})
}

// Count returns the number of stored requests.
func (s *DemandeStore) Count() int { return s.table.len() }

func (s *DemandeStore) nextTrackingNumber(receivedAt time.Time) string {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq++
	return fmt.Sprintf("DEM-%d-%06d", receivedAt.Year(), s.seq)
}

func (s *DemandeStore) hydrate(ctx context.Context) (int, error) {
	n, err := s.table.hydrate(ctx)
	if err != nil {
		return n, err
	}
	maxSeq := 0
	for _, d := range s.table.list(nil) {
		if seq := trackingSequence(d.TrackingNumber); seq > maxSeq {
			maxSeq = seq
		}
	}
	s.seqMu.Lock()
	if maxSeq > s.seq {
		s.seq = maxSeq
	}
	s.seqMu.Unlock()
	return n, nil
}

func trackingSequence(number string) int {
	i := strings.LastIndex(number, "-")
	if i < 0 {
		return 0
	}
	seq, err := strconv.Atoi(number[i+1:])
	if err != nil {
		return 0
	}
	return seq
}
