// Package stats computes the dashboard KPIs. Every call recomputes from the
// stores; nothing is cached.
package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aegisshield/lifecycle-engine/internal/metrics"
	"github.com/aegisshield/lifecycle-engine/internal/models"
	"github.com/aegisshield/lifecycle-engine/internal/sla"
)

// DemandeLister lists requests.
type DemandeLister interface {
	List(ctx context.Context, filter models.DemandeFilter) ([]*models.Demande, error)
}

// CycleLister lists lifecycles.
type CycleLister interface {
	List(ctx context.Context, filter models.CycleVieFilter) ([]*models.CycleVie, error)
}

// AnomalyLister lists lifecycle anomaly alerts.
type AnomalyLister interface {
	List(ctx context.Context, filter models.CycleVieAlertFilter) ([]*models.CycleVieAlert, error)
}

// AlertLister lists fraud alerts.
type AlertLister interface {
	List(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error)
}

// CaseLister lists fraud cases.
type CaseLister interface {
	List(ctx context.Context, filter models.CaseFilter) ([]*models.Case, error)
}

// Sources are the read sides of the stores.
type Sources struct {
	Demandes  DemandeLister
	Cycles    CycleLister
	Anomalies AnomalyLister
	Alerts    AlertLister
	Cases     CaseLister
}

// DemandeStats aggregates requests.
type DemandeStats struct {
	Total              int            `json:"total"`
	ByType             map[string]int `json:"by_type"`
	ByCategory         map[string]int `json:"by_category"`
	ByStatus           map[string]int `json:"by_status"`
	ByPriority         map[string]int `json:"by_priority"`
	ByChannel          map[string]int `json:"by_channel"`
	ByOrigin           map[string]int `json:"by_origin"`
	SLACompliance      float64        `json:"sla_compliance"`
	Treated            int            `json:"treated"`
	MeanTreatmentHours float64        `json:"mean_treatment_hours"`
	Overdue            int            `json:"overdue"`
}

// CycleVieStats aggregates lifecycles and their anomalies.
type CycleVieStats struct {
	Total                int            `json:"total"`
	ByStage              map[string]int `json:"by_stage"`
	ByStatus             map[string]int `json:"by_status"`
	TotalPremiums        float64        `json:"total_premiums"`
	TotalIndemnities     float64        `json:"total_indemnities"`
	LossRatio            float64        `json:"loss_ratio"`
	MeanCurrentStageDays float64        `json:"mean_current_stage_days"`
	PendingValidation    int            `json:"pending_validation"`
	MissingDocuments     int            `json:"missing_documents"`
	AnomaliesByType      map[string]int `json:"anomalies_by_type"`
}

// FraudStats aggregates fraud alerts and cases.
type FraudStats struct {
	Alerts            int            `json:"alerts"`
	AlertsByStatus    map[string]int `json:"alerts_by_status"`
	AlertsBySeverity  map[string]int `json:"alerts_by_severity"`
	FalsePositiveRate float64        `json:"false_positive_rate"`
	Cases             int            `json:"cases"`
	CasesByStatus     map[string]int `json:"cases_by_status"`
	ResolutionRate    float64        `json:"resolution_rate"`
	AmountAtRisk      float64        `json:"amount_at_risk"`
	AmountRecovered   float64        `json:"amount_recovered"`
	RecoveryRate      float64        `json:"recovery_rate"`
}

// Overview is the full dashboard payload.
type Overview struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Demandes    DemandeStats  `json:"demandes"`
	Cycles      CycleVieStats `json:"cycles_vie"`
	Fraud       FraudStats    `json:"fraud"`
}

// Aggregator computes KPIs on demand.
type Aggregator struct {
	src     Sources
	metrics *metrics.Collector
	now     func() time.Time
}

// NewAggregator creates an aggregator. m may be nil.
func NewAggregator(src Sources, m *metrics.Collector, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{src: src, metrics: m, now: now}
}

// Demandes aggregates the requests matching filter. Compliance is evaluated
// as of now rather than read from the stored flag.
func (a *Aggregator) Demandes(ctx context.Context, filter models.DemandeFilter) (DemandeStats, error) {
	items, err := a.src.Demandes.List(ctx, filter)
	if err != nil {
		return DemandeStats{}, fmt.Errorf("failed to list demandes: %w", err)
	}
	return computeDemandes(items, a.now()), nil
}

func computeDemandes(items []*models.Demande, now time.Time) DemandeStats {
	s := DemandeStats{
		Total:      len(items),
		ByType:     map[string]int{},
		ByCategory: map[string]int{},
		ByStatus:   map[string]int{},
		ByPriority: map[string]int{},
		ByChannel:  map[string]int{},
		ByOrigin:   map[string]int{},
	}
	respected := 0
	var treatmentHours float64
	for _, d := range items {
		s.ByType[string(d.Type)]++
		s.ByCategory[string(d.Category)]++
		s.ByStatus[string(d.Status)]++
		s.ByPriority[string(d.Priority)]++
		s.ByChannel[string(d.Channel)]++
		s.ByOrigin[string(d.Origin)]++

		if sla.IsRespected(d, now) {
			respected++
		}
		if sla.IsOverdue(d, now) {
			s.Overdue++
		}
		if d.SLA.TreatedAt != nil {
			s.Treated++
			treatmentHours += d.SLA.TreatedAt.Sub(d.SLA.ReceivedAt).Hours()
		}
	}
	s.SLACompliance = percent(float64(respected), float64(s.Total))
	if s.Treated > 0 {
		s.MeanTreatmentHours = round2(treatmentHours / float64(s.Treated))
	}
	return s
}

// Cycles aggregates the lifecycles matching filter together with all
// recorded anomaly alerts.
func (a *Aggregator) Cycles(ctx context.Context, filter models.CycleVieFilter) (CycleVieStats, error) {
	cycles, err := a.src.Cycles.List(ctx, filter)
	if err != nil {
		return CycleVieStats{}, fmt.Errorf("failed to list lifecycles: %w", err)
	}
	anomalies, err := a.src.Anomalies.List(ctx, models.CycleVieAlertFilter{})
	if err != nil {
		return CycleVieStats{}, fmt.Errorf("failed to list anomalies: %w", err)
	}

	now := a.now()
	s := CycleVieStats{
		Total:           len(cycles),
		ByStage:         map[string]int{},
		ByStatus:        map[string]int{},
		AnomaliesByType: map[string]int{},
	}
	var stageDays int
	for _, c := range cycles {
		c.RecomputeMetrics(now)
		s.ByStage[string(c.CurrentStage)]++
		s.ByStatus[string(c.Status)]++
		s.TotalPremiums += c.Metrics.TotalPremiums
		s.TotalIndemnities += c.Metrics.TotalIndemnities
		stageDays += c.Metrics.CurrentStageDays
		if c.ValidationRequired {
			s.PendingValidation++
		}
		if len(c.MissingDocuments) > 0 {
			s.MissingDocuments++
		}
	}
	for _, al := range anomalies {
		s.AnomaliesByType[string(al.Type)]++
	}
	s.LossRatio = models.LossRatio(s.TotalIndemnities, s.TotalPremiums)
	if s.Total > 0 {
		s.MeanCurrentStageDays = round2(float64(stageDays) / float64(s.Total))
	}
	return s, nil
}

// Fraud aggregates every alert and case.
func (a *Aggregator) Fraud(ctx context.Context) (FraudStats, error) {
	alerts, err := a.src.Alerts.List(ctx, models.AlertFilter{})
	if err != nil {
		return FraudStats{}, fmt.Errorf("failed to list alerts: %w", err)
	}
	cases, err := a.src.Cases.List(ctx, models.CaseFilter{})
	if err != nil {
		return FraudStats{}, fmt.Errorf("failed to list cases: %w", err)
	}

	s := FraudStats{
		Alerts:           len(alerts),
		AlertsByStatus:   map[string]int{},
		AlertsBySeverity: map[string]int{},
		Cases:            len(cases),
		CasesByStatus:    map[string]int{},
	}
	for _, al := range alerts {
		s.AlertsByStatus[string(al.Status)]++
		s.AlertsBySeverity[string(al.Severity)]++
	}
	falsePositives := s.AlertsByStatus[string(models.AlertFalsePositive)]
	closedAlerts := falsePositives + s.AlertsByStatus[string(models.AlertResolved)]
	s.FalsePositiveRate = percent(float64(falsePositives), float64(closedAlerts))

	closedCases := 0
	for _, c := range cases {
		s.CasesByStatus[string(c.Status)]++
		s.AmountAtRisk += c.AmountAtRisk
		s.AmountRecovered += c.AmountRecovered
		if c.Status.IsClosed() {
			closedCases++
		}
	}
	s.ResolutionRate = percent(float64(closedCases), float64(s.Cases))
	s.RecoveryRate = percent(s.AmountRecovered, s.AmountAtRisk)
	return s, nil
}

// Overview computes every aggregate and exports the request KPIs as gauges.
func (a *Aggregator) Overview(ctx context.Context) (*Overview, error) {
	demandes, err := a.Demandes(ctx, models.DemandeFilter{})
	if err != nil {
		return nil, err
	}
	cycles, err := a.Cycles(ctx, models.CycleVieFilter{})
	if err != nil {
		return nil, err
	}
	fraud, err := a.Fraud(ctx)
	if err != nil {
		return nil, err
	}
	a.metrics.SetDemandeKPIs(demandes.SLACompliance/100, demandes.Overdue)

	return &Overview{
		GeneratedAt: a.now(),
		Demandes:    demandes,
		Cycles:      cycles,
		Fraud:       fraud,
	}, nil
}

// percent returns part/total*100 rounded to two decimals, 0 when total is 0.
func percent(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return round2(part / total * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
