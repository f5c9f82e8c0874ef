package models

import (
	"math"
	"time"
)

// Stage is one of the four ordered phases of a CycleVie.
type Stage string

const (
	StageSouscription     Stage = "souscription"
	StageVieContrat       Stage = "vie_contrat"
	StageSinistrePaiement Stage = "sinistre_paiement"
	StageResiliation      Stage = "resiliation"
)

// StageOrder is the canonical forward order of stages.
var StageOrder = []Stage{StageSouscription, StageVieContrat, StageSinistrePaiement, StageResiliation}

// Index returns the position of s in StageOrder, or -1 when s is unknown.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// IsTerminal reports whether no outgoing transition exists from s.
func (s Stage) IsTerminal() bool { return s == StageResiliation }

// Progression is the completion percentage shown for a stage.
func (s Stage) Progression() int {
	idx := s.Index()
	if idx < 0 {
		return 0
	}
	return (idx + 1) * 100 / len(StageOrder)
}

// CycleStatus is the overall state of a lifecycle record.
type CycleStatus string

const (
	CycleActive    CycleStatus = "active"
	CycleCompleted CycleStatus = "completed"
	CycleSuspended CycleStatus = "suspended"
	CycleCancelled CycleStatus = "cancelled"
)

// CanMoveTo reports whether an operator may change the status from s to
// next. completed is set by the engine on entering resiliation; completed
// and cancelled are final.
func (s CycleStatus) CanMoveTo(next CycleStatus) bool {
	switch s {
	case CycleActive:
		return next == CycleSuspended || next == CycleCancelled
	case CycleSuspended:
		return next == CycleActive || next == CycleCancelled
	}
	return false
}

// SubscriptionData is populated while the contract is being subscribed.
type SubscriptionData struct {
	SubscribedAt time.Time `json:"date_souscription"`
	Product      string    `json:"produit,omitempty"`
	Premium      float64   `json:"prime,omitempty"`
	Channel      string    `json:"canal,omitempty"`
}

// ContractLifeData is populated once the contract is in force.
type ContractLifeData struct {
	EffectiveAt  time.Time  `json:"date_effet"`
	Amendments   int        `json:"nombre_avenants"`
	LastReviewAt *time.Time `json:"date_derniere_revision,omitempty"`
}

// ClaimData is populated when the lifecycle enters the claim stage.
type ClaimData struct {
	OpenedAt      time.Time `json:"date_ouverture"`
	ClaimRef      string    `json:"reference_sinistre,omitempty"`
	AmountClaimed float64   `json:"montant_declare,omitempty"`
	AmountPaid    float64   `json:"montant_regle,omitempty"`
}

// TerminationData is populated when the contract is terminated.
type TerminationData struct {
	TerminatedAt time.Time `json:"date_resiliation"`
	Reason       string    `json:"motif,omitempty"`
}

// StageData holds the per-stage payloads. Only the payloads of the current
// and passed stages are set.
type StageData struct {
	Souscription     *SubscriptionData `json:"souscription,omitempty"`
	VieContrat       *ContractLifeData `json:"vie_contrat,omitempty"`
	SinistrePaiement *ClaimData        `json:"sinistre_paiement,omitempty"`
	Resiliation      *TerminationData  `json:"resiliation,omitempty"`
}

// Metrics are derived figures recomputed on every transition.
type Metrics struct {
	CurrentStageDays int     `json:"duree_etape_actuelle"`
	TotalDays        int     `json:"duree_totale"`
	Modifications    int     `json:"nombre_modifications"`
	Claims           int     `json:"nombre_sinistres"`
	TotalPremiums    float64 `json:"total_primes"`
	TotalIndemnities float64 `json:"total_indemnites"`
	LossRatio        float64 `json:"ratio_sinistralite"`
}

// LossRatio returns indemnities/premiums*100, or 0 without premiums.
func LossRatio(indemnities, premiums float64) float64 {
	if premiums <= 0 {
		return 0
	}
	return math.Round(indemnities/premiums*10000) / 100
}

// StageHistoryEntry records one stay in a stage. ExitedAt is nil only for the
// current stage.
type StageHistoryEntry struct {
	Stage       Stage      `json:"stage"`
	EnteredAt   time.Time  `json:"entered_at"`
	ExitedAt    *time.Time `json:"exited_at,omitempty"`
	Duration    *int       `json:"duration,omitempty"`
	TriggeredBy string     `json:"triggered_by"`
}

// RelatedIDs are foreign keys only; nothing cascades.
type RelatedIDs struct {
	HistoriqueIDs []string `json:"historique_ids,omitempty"`
	RisqueIDs     []string `json:"risque_ids,omitempty"`
	DemandeIDs    []string `json:"demande_ids,omitempty"`
	AlerteIDs     []string `json:"alerte_ids,omitempty"`
	DossierIDs    []string `json:"dossier_ids,omitempty"`
}

func (r RelatedIDs) clone() RelatedIDs {
	return RelatedIDs{
		HistoriqueIDs: cloneStrings(r.HistoriqueIDs),
		RisqueIDs:     cloneStrings(r.RisqueIDs),
		DemandeIDs:    cloneStrings(r.DemandeIDs),
		AlerteIDs:     cloneStrings(r.AlerteIDs),
		DossierIDs:    cloneStrings(r.DossierIDs),
	}
}

// CycleVie tracks one insured's contract through its four stages.
type CycleVie struct {
	ID                 string              `json:"id"`
	AssureID           string              `json:"assure_id"`
	ContratID          string              `json:"contrat_id"`
	CurrentStage       Stage               `json:"current_stage"`
	Status             CycleStatus         `json:"status"`
	Progression        int                 `json:"progression"`
	StageData          StageData           `json:"donnees_etapes"`
	Metrics            Metrics             `json:"metriques"`
	StageHistory       []StageHistoryEntry `json:"stage_history"`
	Related            RelatedIDs          `json:"related"`
	MissingDocuments   []string            `json:"documents_manquants"`
	ValidationRequired bool                `json:"validation_requise"`
	Metadata           Metadata            `json:"metadata"`
}

// GetID returns the record id.
func (c *CycleVie) GetID() string { return c.ID }

// OpenEntry returns the index of the history entry without an exit date, or
// -1 when there is none.
func (c *CycleVie) OpenEntry() int {
	for i := len(c.StageHistory) - 1; i >= 0; i-- {
		if c.StageHistory[i].ExitedAt == nil {
			return i
		}
	}
	return -1
}

// RecomputeMetrics refreshes the duration figures and loss ratio from the
// stage history as of now.
func (c *CycleVie) RecomputeMetrics(now time.Time) {
	if len(c.StageHistory) > 0 {
		c.Metrics.TotalDays = WholeDays(c.StageHistory[0].EnteredAt, now)
		if i := c.OpenEntry(); i >= 0 {
			c.Metrics.CurrentStageDays = WholeDays(c.StageHistory[i].EnteredAt, now)
		} else {
			c.Metrics.CurrentStageDays = 0
		}
	}
	c.Metrics.LossRatio = LossRatio(c.Metrics.TotalIndemnities, c.Metrics.TotalPremiums)
}

// Clone returns a deep copy.
func (c *CycleVie) Clone() *CycleVie {
	out := *c
	if c.StageData.Souscription != nil {
		v := *c.StageData.Souscription
		out.StageData.Souscription = &v
	}
	if c.StageData.VieContrat != nil {
		v := *c.StageData.VieContrat
		v.LastReviewAt = cloneTime(v.LastReviewAt)
		out.StageData.VieContrat = &v
	}
	if c.StageData.SinistrePaiement != nil {
		v := *c.StageData.SinistrePaiement
		out.StageData.SinistrePaiement = &v
	}
	if c.StageData.Resiliation != nil {
		v := *c.StageData.Resiliation
		out.StageData.Resiliation = &v
	}
	if c.StageHistory != nil {
		out.StageHistory = make([]StageHistoryEntry, len(c.StageHistory))
		for i, e := range c.StageHistory {
			e.ExitedAt = cloneTime(e.ExitedAt)
			if e.Duration != nil {
				d := *e.Duration
				e.Duration = &d
			}
			out.StageHistory[i] = e
		}
	}
	out.Related = c.Related.clone()
	out.MissingDocuments = cloneStrings(c.MissingDocuments)
	out.Metadata = c.Metadata.clone()
	return &out
}

// WholeDays returns the number of complete 24h periods between from and to,
// never negative.
func WholeDays(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// ConditionOperator is the comparison applied by a RuleCondition.
type ConditionOperator string

const (
	OperatorEquals    ConditionOperator = "equals"
	OperatorNotEquals ConditionOperator = "not_equals"
)

// RuleCondition compares one field of the lifecycle or request context.
type RuleCondition struct {
	Field    string            `json:"field" mapstructure:"field"`
	Operator ConditionOperator `json:"operator" mapstructure:"operator"`
	Value    any               `json:"value" mapstructure:"value"`
}

// StageRule permits moving a CycleVie from one stage to another.
type StageRule struct {
	FromStage           Stage           `json:"from_stage" mapstructure:"from_stage"`
	ToStage             Stage           `json:"to_stage" mapstructure:"to_stage"`
	Conditions          []RuleCondition `json:"conditions" mapstructure:"conditions"`
	AutomaticTransition bool            `json:"automatic_transition" mapstructure:"automatic_transition"`
	RequiredDocuments   []string        `json:"required_documents" mapstructure:"required_documents"`
	RequiredValidations []string        `json:"required_validations" mapstructure:"required_validations"`
	EstimatedDuration   int             `json:"estimated_duration" mapstructure:"estimated_duration"`
}

// CycleVieTransition is the audit record of one stage change.
type CycleVieTransition struct {
	ID                 string    `json:"id"`
	CycleVieID         string    `json:"cycle_vie_id"`
	FromStage          Stage     `json:"from_stage"`
	ToStage            Stage     `json:"to_stage"`
	TriggeredBy        string    `json:"triggered_by"`
	Documents          []string  `json:"documents,omitempty"`
	MissingDocuments   []string  `json:"documents_manquants,omitempty"`
	ValidationRequired bool      `json:"validation_required"`
	Notes              string    `json:"notes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// GetID returns the record id.
func (t *CycleVieTransition) GetID() string { return t.ID }

// Clone returns a deep copy.
func (t *CycleVieTransition) Clone() *CycleVieTransition {
	c := *t
	c.Documents = cloneStrings(t.Documents)
	c.MissingDocuments = cloneStrings(t.MissingDocuments)
	return &c
}

// AnomalyType classifies a lifecycle anomaly.
type AnomalyType string

const (
	AnomalyStagnation         AnomalyType = "stagnation"
	AnomalyRapidProgression   AnomalyType = "rapid_progression"
	AnomalyDocumentMissing    AnomalyType = "document_missing"
	AnomalyValidationRequired AnomalyType = "validation_required"
)

// CycleVieAlert is an anomaly notice. It is written once and never mutated.
type CycleVieAlert struct {
	ID         string         `json:"id"`
	CycleVieID string         `json:"cycle_vie_id"`
	Type       AnomalyType    `json:"type"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// GetID returns the record id.
func (a *CycleVieAlert) GetID() string { return a.ID }

// Clone returns a copy with its own details map.
func (a *CycleVieAlert) Clone() *CycleVieAlert {
	c := *a
	c.Details = cloneMap(a.Details)
	return &c
}

// CreateCycleVieRequest opens a new lifecycle at souscription.
type CreateCycleVieRequest struct {
	AssureID     string            `json:"assure_id" validate:"required"`
	ContratID    string            `json:"contrat_id" validate:"required"`
	Subscription *SubscriptionData `json:"souscription"`
	DemandeIDs   []string          `json:"demande_ids"`
	Tags         []string          `json:"tags"`
	Extra        map[string]any    `json:"extra"`
	CreatedBy    string            `json:"-"`
}

// CycleViePatch is a partial update of the non-derived fields of a
// lifecycle. Stage and history only change through transitions.
// SuppliedDocuments removes entries from the missing documents of the
// current stage and Validated clears its pending validation.
type CycleViePatch struct {
	Status            *CycleStatus   `json:"status" validate:"omitempty,oneof=active completed suspended cancelled"`
	DemandeIDs        []string       `json:"demande_ids"`
	RisqueIDs         []string       `json:"risque_ids"`
	DossierIDs        []string       `json:"dossier_ids"`
	SuppliedDocuments []string       `json:"documents_fournis"`
	Validated         bool           `json:"validation_effectuee"`
	Tags              []string       `json:"tags"`
	Extra             map[string]any `json:"extra"`
}

// Apply merges the patch into c. Status changes must be checked with
// CanMoveTo first.
func (p CycleViePatch) Apply(c *CycleVie) {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if len(p.SuppliedDocuments) > 0 {
		missing := make([]string, 0, len(c.MissingDocuments))
		for _, d := range c.MissingDocuments {
			if !contains(p.SuppliedDocuments, d) {
				missing = append(missing, d)
			}
		}
		c.MissingDocuments = missing
	}
	if p.Validated {
		c.ValidationRequired = false
	}
	for _, id := range p.DemandeIDs {
		c.Related.DemandeIDs = AppendUnique(c.Related.DemandeIDs, id)
	}
	for _, id := range p.RisqueIDs {
		c.Related.RisqueIDs = AppendUnique(c.Related.RisqueIDs, id)
	}
	for _, id := range p.DossierIDs {
		c.Related.DossierIDs = AppendUnique(c.Related.DossierIDs, id)
	}
	c.Metadata.Merge(p.Tags, p.Extra)
}
