// Package anomaly sweeps active lifecycles for stagnation, suspicious speed,
// missing documents and pending validations.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/lifecycle-engine/internal/config"
	"github.com/aegisshield/lifecycle-engine/internal/events"
	"github.com/aegisshield/lifecycle-engine/internal/metrics"
	"github.com/aegisshield/lifecycle-engine/internal/models"
)

// Default thresholds.
const (
	DefaultStagnationDays       = 90
	DefaultRapidProgressionDays = 1
	DefaultCooldown             = 24 * time.Hour
)

// CycleSource lists lifecycles and records the alerts raised against them.
type CycleSource interface {
	List(ctx context.Context, filter models.CycleVieFilter) ([]*models.CycleVie, error)
	LinkAlert(ctx context.Context, id, alertID string) error
}

// AlertLog is the write-once anomaly alert log.
type AlertLog interface {
	Append(ctx context.Context, a *models.CycleVieAlert) *models.CycleVieAlert
	Latest(ctx context.Context, cycleVieID string, typ models.AnomalyType) *models.CycleVieAlert
}

// Detector runs anomaly sweeps. It holds no state between sweeps other than
// what the alert log records.
type Detector struct {
	cycles  CycleSource
	alerts  AlertLog
	cfg     config.AnomalyConfig
	bus     *events.Bus
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// WithEvents sets the event bus.
func WithEvents(bus *events.Bus) Option { return func(d *Detector) { d.bus = bus } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(d *Detector) { d.metrics = m } }

// NewDetector creates a detector. Zero thresholds fall back to the defaults.
func NewDetector(cycles CycleSource, alerts AlertLog, cfg config.AnomalyConfig, logger *zap.Logger, opts ...Option) *Detector {
	if cfg.StagnationDays <= 0 {
		cfg.StagnationDays = DefaultStagnationDays
	}
	if cfg.RapidProgressionDays <= 0 {
		cfg.RapidProgressionDays = DefaultRapidProgressionDays
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	d := &Detector{
		cycles: cycles,
		alerts: alerts,
		cfg:    cfg,
		logger: logger.Named("anomaly"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// finding is one check that fired for a lifecycle.
type finding struct {
	typ      models.AnomalyType
	severity models.Severity
	message  string
	details  map[string]any
}

// Detect sweeps every active lifecycle and returns the alerts created by
// this sweep. A finding whose (lifecycle, type) key already produced an
// alert within the cooldown window is suppressed.
func (d *Detector) Detect(ctx context.Context) ([]*models.CycleVieAlert, error) {
	start := time.Now()
	defer func() { d.metrics.ObserveSweep(time.Since(start)) }()

	cycles, err := d.cycles.List(ctx, models.CycleVieFilter{Statuses: []models.CycleStatus{models.CycleActive}})
	if err != nil {
		return nil, fmt.Errorf("failed to list lifecycles: %w", err)
	}

	now := d.now()
	created := []*models.CycleVieAlert{}
	suppressed := 0
	for _, c := range cycles {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		c.RecomputeMetrics(now)

		for _, f := range d.check(c) {
			if last := d.alerts.Latest(ctx, c.ID, f.typ); last != nil && now.Sub(last.CreatedAt) < d.cfg.Cooldown {
				suppressed++
				d.metrics.AnomalySuppressed(string(f.typ))
				continue
			}

			alert := d.alerts.Append(ctx, &models.CycleVieAlert{
				CycleVieID: c.ID,
				Type:       f.typ,
				Severity:   f.severity,
				Message:    f.message,
				Details:    f.details,
				CreatedAt:  now,
			})
			if err := d.cycles.LinkAlert(ctx, c.ID, alert.ID); err != nil {
				d.logger.Warn("Failed to link alert to lifecycle",
					zap.String("cycle_vie_id", c.ID),
					zap.String("alert_id", alert.ID),
					zap.Error(err))
			}
			d.metrics.AnomalyEmitted(string(alert.Type), string(alert.Severity))
			d.bus.Emit(ctx, events.AnomalyDetected, c.ID, "system", alert)
			created = append(created, alert)
		}
	}

	d.logger.Info("Anomaly sweep completed",
		zap.Int("cycles_scanned", len(cycles)),
		zap.Int("alerts_created", len(created)),
		zap.Int("alerts_suppressed", suppressed))

	return created, nil
}

// check runs every rule against c. Rules are independent; several may fire.
func (d *Detector) check(c *models.CycleVie) []finding {
	var out []finding
	days := c.Metrics.CurrentStageDays

	if days > d.cfg.StagnationDays {
		out = append(out, finding{
			typ:      models.AnomalyStagnation,
			severity: models.SeverityMedium,
			message:  fmt.Sprintf("Lifecycle stuck in %s for %d days", c.CurrentStage, days),
			details:  map[string]any{"stage": string(c.CurrentStage), "days": days, "threshold": d.cfg.StagnationDays},
		})
	}
	if days < d.cfg.RapidProgressionDays && c.CurrentStage != models.StageSouscription {
		out = append(out, finding{
			typ:      models.AnomalyRapidProgression,
			severity: models.SeverityLow,
			message:  fmt.Sprintf("Lifecycle reached %s unusually fast", c.CurrentStage),
			details:  map[string]any{"stage": string(c.CurrentStage), "days": days, "threshold": d.cfg.RapidProgressionDays},
		})
	}
	if len(c.MissingDocuments) > 0 {
		out = append(out, finding{
			typ:      models.AnomalyDocumentMissing,
			severity: models.SeverityMedium,
			message:  fmt.Sprintf("%d required document(s) missing", len(c.MissingDocuments)),
			details:  map[string]any{"documents": append([]string(nil), c.MissingDocuments...)},
		})
	}
	if c.ValidationRequired {
		out = append(out, finding{
			typ:      models.AnomalyValidationRequired,
			severity: models.SeverityHigh,
			message:  fmt.Sprintf("Transition to %s awaits validation", c.CurrentStage),
			details:  map[string]any{"stage": string(c.CurrentStage)},
		})
	}
	return out
}
