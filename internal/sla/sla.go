// Package sla derives commercial delays, due dates and compliance flags for
// requests.
package sla

import (
	"time"

	"github.com/aegisshield/lifecycle-engine/internal/models"
)

// DefaultBaseDays applies to any request type without an explicit entry.
const DefaultBaseDays = 5

var defaultBase = map[models.DemandeType]int{
	models.TypeDeclarationSinistre:       3,
	models.TypeReclamation:               7,
	models.TypeDemandeInformation:        2,
	models.TypeContestationIndemnisation: 10,
	models.TypeResiliationContrat:        10,
	models.TypeAttestation:               1,
	models.TypeDuplicataDocument:         2,
	models.TypeChangementAdresse:         3,
	models.TypeChangementRIB:             3,
	models.TypeRachatTotal:               10,
	models.TypeSignalementFraude:         2,
}

// Result is the SLA block derived at reception time.
type Result struct {
	DelaiCommercial int
	DateEcheance    time.Time
	RespectSLA      bool
}

// Calculator computes SLA figures from a type -> base duration table.
type Calculator struct {
	base map[models.DemandeType]int
}

// NewCalculator returns a calculator using the default table with overrides
// applied on top. Non-positive overrides are ignored.
func NewCalculator(overrides map[string]int) *Calculator {
	base := make(map[models.DemandeType]int, len(defaultBase)+len(overrides))
	for t, d := range defaultBase {
		base[t] = d
	}
	for t, d := range overrides {
		if d > 0 {
			base[models.DemandeType(t)] = d
		}
	}
	return &Calculator{base: base}
}

var defaultCalculator = NewCalculator(nil)

// Compute uses the default table.
func Compute(t models.DemandeType, p models.Priority, receivedAt time.Time) Result {
	return defaultCalculator.Compute(t, p, receivedAt)
}

// BaseDays returns the base duration for t.
func (c *Calculator) BaseDays(t models.DemandeType) int {
	if d, ok := c.base[t]; ok {
		return d
	}
	return DefaultBaseDays
}

// Delay applies the priority adjustment to the base duration of t.
func (c *Calculator) Delay(t models.DemandeType, p models.Priority) int {
	base := c.BaseDays(t)
	switch p {
	case models.PriorityUrgent, models.PriorityCritical:
		return 1
	case models.PriorityHigh:
		return max(1, base/2)
	case models.PriorityMedium:
		return base
	case models.PriorityLow:
		return base * 2
	default:
		return DefaultBaseDays
	}
}

// Compute derives the delay and due date. RespectSLA is true at reception.
func (c *Calculator) Compute(t models.DemandeType, p models.Priority, receivedAt time.Time) Result {
	delay := c.Delay(t, p)
	return Result{
		DelaiCommercial: delay,
		DateEcheance:    DueDate(receivedAt, delay),
		RespectSLA:      true,
	}
}

// DueDate adds days calendar days to receivedAt.
func DueDate(receivedAt time.Time, days int) time.Time {
	return receivedAt.AddDate(0, 0, days)
}

// IsRespected evaluates compliance of d as of now. A terminal request is
// judged on its treatment date; any other request is compliant while now has
// not passed the due date.
func IsRespected(d *models.Demande, now time.Time) bool {
	due := d.SLA.DueDate
	if d.Status.IsTerminal() && d.SLA.TreatedAt != nil {
		return !d.SLA.TreatedAt.After(due)
	}
	return !now.After(due)
}

// IsOverdue reports a non-terminal request past its due date.
func IsOverdue(d *models.Demande, now time.Time) bool {
	return !d.Status.IsTerminal() && now.After(d.SLA.DueDate)
}

// Refresh recomputes the compliance flag of d in place.
func Refresh(d *models.Demande, now time.Time) {
	d.SLA.Respected = IsRespected(d, now)
}
