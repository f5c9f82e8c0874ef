package models

import "time"

// Filters below follow the same conventions: a non-empty slice means "is one
// of", a non-nil pointer means equality, From/To pairs are inclusive ranges,
// and all set predicates must hold.

// DemandeFilter selects requests.
type DemandeFilter struct {
	Types        []DemandeType
	Categories   []DemandeCategory
	Statuses     []DemandeStatus
	Priorities   []Priority
	Channels     []Channel
	Origins      []Origin
	ContratID    *string
	CycleVieID   *string
	ReceivedFrom *time.Time
	ReceivedTo   *time.Time
}

// Match reports whether d satisfies every predicate of f.
func (f DemandeFilter) Match(d *Demande) bool {
	return oneOf(f.Types, d.Type) &&
		oneOf(f.Categories, d.Category) &&
		oneOf(f.Statuses, d.Status) &&
		oneOf(f.Priorities, d.Priority) &&
		oneOf(f.Channels, d.Channel) &&
		oneOf(f.Origins, d.Origin) &&
		(f.ContratID == nil || contains(d.Relations.ContratIDs, *f.ContratID)) &&
		(f.CycleVieID == nil || contains(d.Relations.CycleVieIDs, *f.CycleVieID)) &&
		inRange(d.SLA.ReceivedAt, f.ReceivedFrom, f.ReceivedTo)
}

// CycleVieFilter selects lifecycle records.
type CycleVieFilter struct {
	Stages      []Stage
	Statuses    []CycleStatus
	AssureID    *string
	ContratID   *string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// Match reports whether c satisfies every predicate of f.
func (f CycleVieFilter) Match(c *CycleVie) bool {
	return oneOf(f.Stages, c.CurrentStage) &&
		oneOf(f.Statuses, c.Status) &&
		(f.AssureID == nil || c.AssureID == *f.AssureID) &&
		(f.ContratID == nil || c.ContratID == *f.ContratID) &&
		inRange(c.Metadata.CreatedAt, f.CreatedFrom, f.CreatedTo)
}

// CycleVieAlertFilter selects anomaly alerts.
type CycleVieAlertFilter struct {
	CycleVieID  *string
	Types       []AnomalyType
	Severities  []Severity
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// Match reports whether a satisfies every predicate of f.
func (f CycleVieAlertFilter) Match(a *CycleVieAlert) bool {
	return (f.CycleVieID == nil || a.CycleVieID == *f.CycleVieID) &&
		oneOf(f.Types, a.Type) &&
		oneOf(f.Severities, a.Severity) &&
		inRange(a.CreatedAt, f.CreatedFrom, f.CreatedTo)
}

// TransitionFilter selects transition audit records.
type TransitionFilter struct {
	CycleVieID *string
	ToStages   []Stage
}

// Match reports whether t satisfies every predicate of f.
func (f TransitionFilter) Match(t *CycleVieTransition) bool {
	return (f.CycleVieID == nil || t.CycleVieID == *f.CycleVieID) &&
		oneOf(f.ToStages, t.ToStage)
}

// AlertFilter selects fraud alerts.
type AlertFilter struct {
	Statuses   []AlertStatus
	Severities []Severity
	Priorities []Priority
	AssignedTo *string
	CaseID     *string
}

// Match reports whether a satisfies every predicate of f.
func (f AlertFilter) Match(a *Alert) bool {
	return oneOf(f.Statuses, a.Status) &&
		oneOf(f.Severities, a.Severity) &&
		oneOf(f.Priorities, a.Priority) &&
		(f.AssignedTo == nil || a.AssignedTo == *f.AssignedTo) &&
		(f.CaseID == nil || a.CaseID == *f.CaseID)
}

// CaseFilter selects fraud cases.
type CaseFilter struct {
	Statuses   []CaseStatus
	Priorities []Priority
	AssignedTo *string
}

// Match reports whether c satisfies every predicate of f.
func (f CaseFilter) Match(c *Case) bool {
	return oneOf(f.Statuses, c.Status) &&
		oneOf(f.Priorities, c.Priority) &&
		(f.AssignedTo == nil || c.AssignedTo == *f.AssignedTo)
}

func oneOf[T comparable](set []T, v T) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}
