package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/models"
)

// MemoryArchiver keeps Historique records in memory. It is used when no
// database is configured.
type MemoryArchiver struct {
	mu        sync.RWMutex
	records   map[string]*models.Historique
	byDemande map[string]string
	now       func() time.Time
}

// NewMemoryArchiver creates an empty archive.
func NewMemoryArchiver(now func() time.Time) *MemoryArchiver {
	if now == nil {
		now = time.Now
	}
	return &MemoryArchiver{
		records:   make(map[string]*models.Historique),
		byDemande: make(map[string]string),
		now:       now,
	}
}

// Archive stores a snapshot of d and returns the new Historique id. A request
// that already has a Historique is rejected.
func (m *MemoryArchiver) Archive(_ context.Context, d *models.Demande) (string, error) {
	h := models.NewHistorique(uuid.NewString(), d, m.now())
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byDemande[d.ID]; ok {
		return "", &apperr.InvalidTransitionError{
			Entity: "demande",
			From:   string(d.Status),
			To:     string(models.StatusArchived),
			Reason: "already archived as " + existing,
		}
	}
	m.records[h.ID] = h
	m.byDemande[d.ID] = h.ID
	return h.ID, nil
}

// Discard removes a Historique.
func (m *MemoryArchiver) Discard(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.records[id]
	if !ok {
		return apperr.NewNotFound("historique", id)
	}
	delete(m.records, id)
	delete(m.byDemande, h.DemandeID)
	return nil
}

// Len returns the number of stored records.
func (m *MemoryArchiver) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Get returns an archived record.
func (m *MemoryArchiver) Get(_ context.Context, id string) (*models.Historique, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.records[id]
	if !ok {
		return nil, apperr.NewNotFound("historique", id)
	}
	out := *h
	out.Snapshot = h.Snapshot.Clone()
	return &out, nil
}
