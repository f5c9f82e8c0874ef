package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/lifecycle-engine/internal/apperr"
	"github.com/aegisshield/lifecycle-engine/internal/models"
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

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func setupStores(t *testing.T, extra ...Option) (*Stores, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts := append([]Option{WithClock(clock.Now), WithIDGenerator(sequentialIDs("id"))}, extra...)
	return New(opts...), clock
}

func sampleDemande() models.CreateDemandeRequest {
	return models.CreateDemandeRequest{
		Type:      models.TypeDeclarationSinistre,
		Priority:  models.PriorityUrgent,
		Channel:   models.ChannelEmail,
		Origin:    models.OriginClient,
		Subject:   "Dégât des eaux",
		Requester: models.Requester{Name: "Jeanne Martin", Email: "j.martin@example.com"},
		CreatedBy: "agent-1",
	}
}

func TestDemandeStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Create Assigns Identity And SLA", func(t *testing.T) {
		s, _ := setupStores(t)
		d, err := s.Demandes.Create(ctx, sampleDemande())
		require.NoError(t, err)

		assert.Equal(t, "id-1", d.ID)
		assert.Equal(t, "DEM-2024-000001", d.TrackingNumber)
		assert.Equal(t, "REF-ID1", d.Reference)
		assert.Equal(t, models.StatusNew, d.Status)
		assert.Equal(t, models.CategorySinistre, d.Category)
		assert.Equal(t, 1, d.SLA.CommercialDelay)
		assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), d.SLA.DueDate)
		assert.True(t, d.SLA.Respected)
		assert.Equal(t, 1, d.Metadata.Version)
		require.Len(t, d.Treatments, 1)
		assert.Equal(t, "agent-1", d.Treatments[0].Author)

		second, err := s.Demandes.Create(ctx, sampleDemande())
		require.NoError(t, err)
		assert.Equal(t, "DEM-2024-000002", second.TrackingNumber)
	})

	t.Run("Create Requires Subject", func(t *testing.T) {
		s, _ := setupStores(t)
		req := sampleDemande()
		req.Subject = ""
		_, err := s.Demandes.Create(ctx, req)

		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "objet", ve.Field)
	})

	t.Run("Unknown Type Is Accepted", func(t *testing.T) {
		s, _ := setupStores(t)
		req := sampleDemande()
		req.Type = "nouveau_type"
		req.Priority = models.PriorityMedium
		d, err := s.Demandes.Create(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, models.CategoryAutre, d.Category)
		assert.Equal(t, 5, d.SLA.CommercialDelay)
	})

	t.Run("Get Unknown Returns NotFound", func(t *testing.T) {
		s, _ := setupStores(t)
		_, err := s.Demandes.Get(ctx, "missing")
		assert.True(t, apperr.IsNotFound(err))
	})

	t.Run("Get Refreshes SLA Flag", func(t *testing.T) {
		s, clock := setupStores(t)
		d, err := s.Demandes.Create(ctx, sampleDemande())
		require.NoError(t, err)

		clock.Advance(48 * time.Hour)
		got, err := s.Demandes.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.False(t, got.SLA.Respected)
	})

	t.Run("Update Merges Extra And Bumps Version", func(t *testing.T) {
		s, clock := setupStores(t)
		req := sampleDemande()
		req.Extra = map[string]any{"source": "portail", "score": 3}
		d, err := s.Demandes.Create(ctx, req)
		require.NoError(t, err)

		clock.Advance(time.Hour)
		subject := "Dégât des eaux, cuisine"
		updated, err := s.Demandes.Update(ctx, d.ID, models.DemandePatch{
			Subject: &subject,
			Extra:   map[string]any{"score": 5},
		})
		require.NoError(t, err)

		assert.Equal(t, subject, updated.Subject)
		assert.Equal(t, map[string]any{"source": "portail", "score": 5}, updated.Metadata.Extra)
		assert.Equal(t, 2, updated.Metadata.Version)
		assert.Equal(t, clock.Now(), updated.Metadata.UpdatedAt)
		assert.Equal(t, d.Metadata.CreatedAt, updated.Metadata.CreatedAt)
	})

	t.Run("Returned Records Do Not Alias Store State", func(t *testing.T) {
		s, _ := setupStores(t)
		d, err := s.Demandes.Create(ctx, sampleDemande())
		require.NoError(t, err)

		d.Status = models.StatusArchived
		d.Treatments[0].Action = "tampered"

		got, err := s.Demandes.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusNew, got.Status)
		assert.Equal(t, "create", got.Treatments[0].Action)
	})

	t.Run("List Filters", func(t *testing.T) {
		s, _ := setupStores(t)
		_, err := s.Demandes.Create(ctx, sampleDemande())
		require.NoError(t, err)
		other := sampleDemande()
		other.Type = models.TypeReclamation
		other.Channel = models.ChannelTelephone
		_, err = s.Demandes.Create(ctx, other)
		require.NoError(t, err)

		all, err := s.Demandes.List(ctx, models.DemandeFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		phone, err := s.Demandes.List(ctx, models.DemandeFilter{Channels: []models.Channel{models.ChannelTelephone}})
		require.NoError(t, err)
		require.Len(t, phone, 1)
		assert.Equal(t, models.TypeReclamation, phone[0].Type)

		none, err := s.Demandes.List(ctx, models.DemandeFilter{
			Types:    []models.DemandeType{models.TypeReclamation},
			Channels: []models.Channel{models.ChannelEmail},
		})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Mutate Error Leaves Record Untouched", func(t *testing.T) {
		s, _ := setupStores(t)
		d, err := s.Demandes.Create(ctx, sampleDemande())
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.Demandes.Mutate(ctx, d.ID, func(d *models.Demande) error {
			d.Status = models.StatusRejected
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.Demandes.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusNew, got.Status)
		assert.Equal(t, 1, got.Metadata.Version)
	})
}

func TestCycleVieStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Create Opens Souscription", func(t *testing.T) {
		s, _ := setupStores(t)
		c, err := s.Cycles.Create(ctx, models.CreateCycleVieRequest{
			AssureID:     "assure-1",
			ContratID:    "contrat-1",
			Subscription: &models.SubscriptionData{Product: "habitation", Premium: 480},
		})
		require.NoError(t, err)

		assert.Equal(t, models.StageSouscription, c.CurrentStage)
		assert.Equal(t, models.CycleActive, c.Status)
		assert.Equal(t, 25, c.Progression)
		require.Len(t, c.StageHistory, 1)
		assert.Nil(t, c.StageHistory[0].ExitedAt)
		assert.Equal(t, 480.0, c.Metrics.TotalPremiums)
	})

	t.Run("Create Requires Ids", func(t *testing.T) {
		s, _ := setupStores(t)
		_, err := s.Cycles.Create(ctx, models.CreateCycleVieRequest{AssureID: "assure-1"})
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "contrat_id", ve.Field)
	})

	t.Run("ErrNoChange Keeps Version", func(t *testing.T) {
		s, _ := setupStores(t)
		c, err := s.Cycles.Create(ctx, models.CreateCycleVieRequest{AssureID: "a", ContratID: "c"})
		require.NoError(t, err)

		got, err := s.Cycles.Mutate(ctx, c.ID, func(*models.CycleVie) error { return ErrNoChange })
		require.ErrorIs(t, err, ErrNoChange)
		assert.Equal(t, c, got)
	})

	t.Run("Status Changes", func(t *testing.T) {
		status := func(st models.CycleStatus) models.CycleViePatch { return models.CycleViePatch{Status: &st} }
		s, _ := setupStores(t)
		c, err := s.Cycles.Create(ctx, models.CreateCycleVieRequest{AssureID: "a", ContratID: "c"})
		require.NoError(t, err)

		var ite *apperr.InvalidTransitionError
		_, err = s.Cycles.Update(ctx, c.ID, status(models.CycleCompleted))
		require.ErrorAs(t, err, &ite, "completed is only set by the engine")

		suspended, err := s.Cycles.Update(ctx, c.ID, status(models.CycleSuspended))
		require.NoError(t, err)
		assert.Equal(t, models.CycleSuspended, suspended.Status)

		active, err := s.Cycles.Update(ctx, c.ID, status(models.CycleActive))
		require.NoError(t, err)
		assert.Equal(t, models.CycleActive, active.Status)

		_, err = s.Cycles.Update(ctx, c.ID, status(models.CycleCancelled))
		require.NoError(t, err)

		_, err = s.Cycles.Update(ctx, c.ID, status(models.CycleActive))
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, "cancelled", ite.From)

		got, err := s.Cycles.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CycleCancelled, got.Status)
		assert.Equal(t, 4, got.Metadata.Version, "rejected changes do not bump the version")
	})

	t.Run("Completed Lifecycle Is Final", func(t *testing.T) {
		s, _ := setupStores(t)
		c, err := s.Cycles.Create(ctx, models.CreateCycleVieRequest{AssureID: "a", ContratID: "c"})
		require.NoError(t, err)
		_, err = s.Cycles.Mutate(ctx, c.ID, func(cv *models.CycleVie) error {
			cv.Status = models.CycleCompleted
			return nil
		})
		require.NoError(t, err)

		active := models.CycleActive
		_, err = s.Cycles.Update(ctx, c.ID, models.CycleViePatch{Status: &active})
		var ite *apperr.InvalidTransitionError
		require.ErrorAs(t, err, &ite)

		tags, err := s.Cycles.Update(ctx, c.ID, models.CycleViePatch{Tags: []string{"audit"}})
		require.NoError(t, err, "non-status fields stay editable")
		assert.Equal(t, models.CycleCompleted, tags.Status)
	})

	t.Run("Supplied Documents And Validation", func(t *testing.T) {
		s, _ := setupStores(t)
		c, err := s.Cycles.Create(ctx, models.CreateCycleVieRequest{AssureID: "a", ContratID: "c"})
		require.NoError(t, err)
		_, err = s.Cycles.Mutate(ctx, c.ID, func(cv *models.CycleVie) error {
			cv.MissingDocuments = []string{"rib", "attestation_assurance"}
			cv.ValidationRequired = true
			return nil
		})
		require.NoError(t, err)

		got, err := s.Cycles.Update(ctx, c.ID, models.CycleViePatch{SuppliedDocuments: []string{"rib", "unrelated"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"attestation_assurance"}, got.MissingDocuments)
		assert.True(t, got.ValidationRequired)

		got, err = s.Cycles.Update(ctx, c.ID, models.CycleViePatch{
			SuppliedDocuments: []string{"attestation_assurance"},
			Validated:         true,
		})
		require.NoError(t, err)
		assert.Empty(t, got.MissingDocuments)
		assert.False(t, got.ValidationRequired)
	})

	t.Run("LinkAlert Is Idempotent", func(t *testing.T) {
		s, _ := setupStores(t)
		c, err := s.Cycles.Create(ctx, models.CreateCycleVieRequest{AssureID: "a", ContratID: "c"})
		require.NoError(t, err)

		require.NoError(t, s.Cycles.LinkAlert(ctx, c.ID, "alert-1"))
		require.NoError(t, s.Cycles.LinkAlert(ctx, c.ID, "alert-1"))

		got, err := s.Cycles.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"alert-1"}, got.Related.AlerteIDs)
		assert.Equal(t, 1, got.Metadata.Version)
	})
}

func TestAnomalyStoreLatest(t *testing.T) {
	ctx := context.Background()
	s, clock := setupStores(t)

	first := s.Anomalies.Append(ctx, &models.CycleVieAlert{CycleVieID: "c1", Type: models.AnomalyStagnation})
	clock.Advance(time.Hour)
	second := s.Anomalies.Append(ctx, &models.CycleVieAlert{CycleVieID: "c1", Type: models.AnomalyStagnation})
	s.Anomalies.Append(ctx, &models.CycleVieAlert{CycleVieID: "c1", Type: models.AnomalyDocumentMissing})

	assert.NotEqual(t, first.ID, second.ID)
	latest := s.Anomalies.Latest(ctx, "c1", models.AnomalyStagnation)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.Nil(t, s.Anomalies.Latest(ctx, "c2", models.AnomalyStagnation))
}

func TestAnomalyStoreLatestIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("Older Alert Does Not Replace Newer", func(t *testing.T) {
		s, clock := setupStores(t)
		newer := s.Anomalies.Append(ctx, &models.CycleVieAlert{CycleVieID: "c1", Type: models.AnomalyStagnation})
		s.Anomalies.Append(ctx, &models.CycleVieAlert{
			CycleVieID: "c1",
			Type:       models.AnomalyStagnation,
			CreatedAt:  clock.Now().Add(-48 * time.Hour),
		})

		latest := s.Anomalies.Latest(ctx, "c1", models.AnomalyStagnation)
		require.NotNil(t, latest)
		assert.Equal(t, newer.ID, latest.ID)
	})

	t.Run("Rebuilt After Hydrate", func(t *testing.T) {
		p := NewMemoryPersister()
		s, clock := setupStores(t, WithPersister(p))
		s.Anomalies.Append(ctx, &models.CycleVieAlert{CycleVieID: "c1", Type: models.AnomalyValidationRequired})
		clock.Advance(time.Hour)
		second := s.Anomalies.Append(ctx, &models.CycleVieAlert{CycleVieID: "c1", Type: models.AnomalyValidationRequired})

		restored, _ := setupStores(t, WithPersister(p))
		assert.Nil(t, restored.Anomalies.Latest(ctx, "c1", models.AnomalyValidationRequired))
		require.NoError(t, restored.Hydrate(ctx))

		latest := restored.Anomalies.Latest(ctx, "c1", models.AnomalyValidationRequired)
		require.NotNil(t, latest)
		assert.Equal(t, second.ID, latest.ID)
	})
}

func TestCaseAndAlertStores(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStores(t)

	alert, err := s.Alerts.Create(ctx, models.CreateAlertRequest{Title: "Sinistre suspect", Severity: models.SeverityHigh, Amount: 12000})
	require.NoError(t, err)
	assert.Equal(t, models.AlertNew, alert.Status)
	assert.Equal(t, models.PriorityMedium, alert.Priority)

	_, err = s.Alerts.Create(ctx, models.CreateAlertRequest{Title: "x", Severity: "extreme"})
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "severity", ve.Field)

	c, err := s.Cases.Create(ctx, models.CreateCaseRequest{Title: "Dossier 1", Priority: models.PriorityHigh, AlertIDs: []string{alert.ID}})
	require.NoError(t, err)
	assert.Equal(t, models.CaseOpen, c.Status)

	caseID := c.ID
	linked, err := s.Alerts.Update(ctx, alert.ID, models.AlertPatch{CaseID: &caseID})
	require.NoError(t, err)
	assert.Equal(t, caseID, linked.CaseID)

	byCase, err := s.Alerts.List(ctx, models.AlertFilter{CaseID: &caseID})
	require.NoError(t, err)
	assert.Len(t, byCase, 1)

	resolved := models.CaseResolved
	_, err = s.Cases.Update(ctx, c.ID, models.CasePatch{Status: &resolved})
	assert.ErrorAs(t, err, &ve, "closing statuses go through the workflow dispatcher")
}

func TestHydrate(t *testing.T) {
	ctx := context.Background()

	t.Run("Round Trip Through Persister", func(t *testing.T) {
		p := NewMemoryPersister()
		s, _ := setupStores(t, WithPersister(p))
		d, err := s.Demandes.Create(ctx, sampleDemande())
		require.NoError(t, err)
		c, err := s.Cycles.Create(ctx, models.CreateCycleVieRequest{AssureID: "a", ContratID: "c"})
		require.NoError(t, err)

		restored, _ := setupStores(t, WithPersister(p), WithIDGenerator(sequentialIDs("next")))
		require.NoError(t, restored.Hydrate(ctx))

		got, err := restored.Demandes.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.TrackingNumber, got.TrackingNumber)
		_, err = restored.Cycles.Get(ctx, c.ID)
		require.NoError(t, err)

		next, err := restored.Demandes.Create(ctx, sampleDemande())
		require.NoError(t, err)
		assert.Equal(t, "DEM-2024-000002", next.TrackingNumber, "sequence resumes after hydrate")
	})

	t.Run("Stale Load Is Discarded", func(t *testing.T) {
		p := &blockingPersister{MemoryPersister: NewMemoryPersister(), release: make(chan struct{}), loading: make(chan struct{})}
		seed, _ := setupStores(t, WithPersister(p.MemoryPersister))
		_, err := seed.Demandes.Create(ctx, sampleDemande())
		require.NoError(t, err)

		s, _ := setupStores(t, WithPersister(p), WithIDGenerator(sequentialIDs("live")))

		done := make(chan error, 1)
		go func() {
			_, err := s.Demandes.hydrate(ctx)
			done <- err
		}()

		<-p.loading
		live, err := s.Demandes.Create(ctx, sampleDemande())
		require.NoError(t, err)
		close(p.release)

		require.ErrorIs(t, <-done, ErrStaleLoad)
		items, err := s.Demandes.List(ctx, models.DemandeFilter{})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, live.ID, items[0].ID)
	})

	t.Run("Cancelled Load", func(t *testing.T) {
		p := NewMemoryPersister()
		s, _ := setupStores(t, WithPersister(p))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, s.Hydrate(cctx), context.Canceled)
	})
}

// blockingPersister holds Load of the demandes collection until released.
type blockingPersister struct {
	*MemoryPersister
	loading chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPersister) Load(ctx context.Context, collection string) ([]byte, error) {
	if collection == CollectionDemandes {
		p.once.Do(func() { close(p.loading) })
		<-p.release
	}
	return p.MemoryPersister.Load(ctx, collection)
}
