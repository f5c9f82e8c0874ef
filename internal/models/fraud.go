package models

import "time"

// AlertStatus is the triage state of a fraud alert.
type AlertStatus string

const (
	AlertNew           AlertStatus = "new"
	AlertInvestigating AlertStatus = "investigating"
	AlertEscalated     AlertStatus = "escalated"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// Alert is a fraud-operations alert raised on a contract, claim or request.
type Alert struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Status      AlertStatus `json:"status"`
	Severity    Severity    `json:"severity"`
	Priority    Priority    `json:"priority"`
	Source      string      `json:"source,omitempty"`
	Score       float64     `json:"score"`
	Amount      float64     `json:"amount"`
	AssignedTo  string      `json:"assigned_to,omitempty"`
	DemandeID   string      `json:"demande_id,omitempty"`
	CycleVieID  string      `json:"cycle_vie_id,omitempty"`
	CaseID      string      `json:"case_id,omitempty"`
	Metadata    Metadata    `json:"metadata"`
}

// GetID returns the record id.
func (a *Alert) GetID() string { return a.ID }

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	c := *a
	c.Metadata = a.Metadata.clone()
	return &c
}

// CreateAlertRequest is the payload accepted by AlertStore.Create.
type CreateAlertRequest struct {
	Title       string         `json:"title" validate:"required,max=255"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity" validate:"required,oneof=low medium high critical"`
	Priority    Priority       `json:"priority" validate:"omitempty,oneof=low medium high urgent critical"`
	Source      string         `json:"source"`
	Score       float64        `json:"score" validate:"gte=0"`
	Amount      float64        `json:"amount" validate:"gte=0"`
	AssignedTo  string         `json:"assigned_to"`
	DemandeID   string         `json:"demande_id"`
	CycleVieID  string         `json:"cycle_vie_id"`
	Tags        []string       `json:"tags"`
	Extra       map[string]any `json:"extra"`
	CreatedBy   string         `json:"-"`
}

// AlertPatch is a partial update of an alert.
type AlertPatch struct {
	Status     *AlertStatus   `json:"status" validate:"omitempty,oneof=new investigating escalated resolved false_positive"`
	Priority   *Priority      `json:"priority" validate:"omitempty,oneof=low medium high urgent critical"`
	AssignedTo *string        `json:"assigned_to"`
	CaseID     *string        `json:"case_id"`
	Tags       []string       `json:"tags"`
	Extra      map[string]any `json:"extra"`
}

// Apply merges the patch into a.
func (p AlertPatch) Apply(a *Alert) {
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Priority != nil {
		a.Priority = *p.Priority
	}
	if p.AssignedTo != nil {
		a.AssignedTo = *p.AssignedTo
	}
	if p.CaseID != nil {
		a.CaseID = *p.CaseID
	}
	a.Metadata.Merge(p.Tags, p.Extra)
}

// CaseStatus is the investigation state of a fraud case.
type CaseStatus string

const (
	CaseOpen       CaseStatus = "open"
	CaseInProgress CaseStatus = "in_progress"
	CaseEscalated  CaseStatus = "escalated"
	CaseResolved   CaseStatus = "resolved"
	CaseDismissed  CaseStatus = "dismissed"
	CaseArchived   CaseStatus = "archived"
)

// IsClosed reports whether the case has reached a decision.
func (s CaseStatus) IsClosed() bool {
	switch s {
	case CaseResolved, CaseDismissed, CaseArchived:
		return true
	}
	return false
}

// Case is a fraud investigation grouping one or more alerts.
type Case struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Status          CaseStatus        `json:"status"`
	Priority        Priority          `json:"priority"`
	AssignedTo      string            `json:"assigned_to,omitempty"`
	AlertIDs        []string          `json:"alert_ids,omitempty"`
	AmountAtRisk    float64           `json:"amount_at_risk"`
	AmountRecovered float64           `json:"amount_recovered"`
	Timeline        []TraitementEntry `json:"timeline"`
	Decision        *Decision         `json:"decision,omitempty"`
	Notes           []string          `json:"notes,omitempty"`
	ClosedAt        *time.Time        `json:"closed_at,omitempty"`
	Metadata        Metadata          `json:"metadata"`
}

// GetID returns the record id.
func (c *Case) GetID() string { return c.ID }

// Clone returns a deep copy.
func (c *Case) Clone() *Case {
	out := *c
	out.AlertIDs = cloneStrings(c.AlertIDs)
	out.Timeline = cloneTreatments(c.Timeline)
	out.Decision = cloneDecision(c.Decision)
	out.Notes = cloneStrings(c.Notes)
	out.ClosedAt = cloneTime(c.ClosedAt)
	out.Metadata = c.Metadata.clone()
	return &out
}

// CreateCaseRequest is the payload accepted by CaseStore.Create.
type CreateCaseRequest struct {
	Title        string         `json:"title" validate:"required,max=255"`
	Description  string         `json:"description"`
	Priority     Priority       `json:"priority" validate:"required,oneof=low medium high urgent critical"`
	AssignedTo   string         `json:"assigned_to"`
	AlertIDs     []string       `json:"alert_ids"`
	AmountAtRisk float64        `json:"amount_at_risk" validate:"gte=0"`
	Tags         []string       `json:"tags"`
	Extra        map[string]any `json:"extra"`
	CreatedBy    string         `json:"-"`
}

// CasePatch is a partial update of a case.
type CasePatch struct {
	Title           *string        `json:"title"`
	Description     *string        `json:"description"`
	Status          *CaseStatus    `json:"status" validate:"omitempty,oneof=open in_progress"`
	AssignedTo      *string        `json:"assigned_to"`
	AlertIDs        []string       `json:"alert_ids"`
	AmountRecovered *float64       `json:"amount_recovered" validate:"omitempty,gte=0"`
	Tags            []string       `json:"tags"`
	Extra           map[string]any `json:"extra"`
}

// Apply merges the patch into c.
func (p CasePatch) Apply(c *Case) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.AssignedTo != nil {
		c.AssignedTo = *p.AssignedTo
	}
	for _, id := range p.AlertIDs {
		c.AlertIDs = AppendUnique(c.AlertIDs, id)
	}
	if p.AmountRecovered != nil {
		c.AmountRecovered = *p.AmountRecovered
	}
	c.Metadata.Merge(p.Tags, p.Extra)
}
