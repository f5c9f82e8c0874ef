package models

import "time"

// Metadata carries bookkeeping shared by every stored record. Version is
// incremented on each write but is not checked against concurrent writers.
type Metadata struct {
	Version   int            `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	CreatedBy string         `json:"created_by,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Stamp initialises metadata for a freshly created record.
func (m *Metadata) Stamp(now time.Time) {
	m.Version = 1
	m.CreatedAt = now
	m.UpdatedAt = now
}

// Touch records a write.
func (m *Metadata) Touch(now time.Time) {
	m.Version++
	m.UpdatedAt = now
}

// Merge applies a metadata patch one level deep: tags are replaced when
// provided, extra keys are merged rather than replaced.
func (m *Metadata) Merge(tags []string, extra map[string]any) {
	if tags != nil {
		m.Tags = cloneStrings(tags)
	}
	if len(extra) > 0 {
		if m.Extra == nil {
			m.Extra = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			m.Extra[k] = v
		}
	}
}

func (m Metadata) clone() Metadata {
	m.Tags = cloneStrings(m.Tags)
	m.Extra = cloneMap(m.Extra)
	return m
}

// TraitementEntry is one line of a treatment history. Entries are only ever
// appended.
type TraitementEntry struct {
	Date       time.Time `json:"date"`
	Action     string    `json:"action"`
	Author     string    `json:"auteur"`
	Comment    string    `json:"commentaire,omitempty"`
	FromStatus string    `json:"statut_precedent,omitempty"`
	ToStatus   string    `json:"nouveau_statut,omitempty"`
}

// DecisionType is the outcome recorded by approve/reject actions.
type DecisionType string

const (
	DecisionAccepted DecisionType = "accepte"
	DecisionRefused  DecisionType = "refuse"
)

// Decision records who decided what, and when.
type Decision struct {
	Type      DecisionType `json:"type"`
	Reason    string       `json:"motif,omitempty"`
	DecidedAt time.Time    `json:"date_decision"`
	DecidedBy string       `json:"decideur"`
}

// Severity grades alerts of both kinds.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneDecision(d *Decision) *Decision {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func cloneTreatments(in []TraitementEntry) []TraitementEntry {
	if in == nil {
		return nil
	}
	out := make([]TraitementEntry, len(in))
	copy(out, in)
	return out
}

// AppendUnique appends id to ids unless it is already present.
func AppendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
