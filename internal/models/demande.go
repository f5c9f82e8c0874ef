package models

import "time"

// DemandeType enumerates the request types handled by the back office.
type DemandeType string

const (
	TypeDeclarationSinistre       DemandeType = "declaration_sinistre"
	TypeReclamation               DemandeType = "reclamation"
	TypeDemandeInformation        DemandeType = "demande_information"
	TypeModificationContrat       DemandeType = "modification_contrat"
	TypeResiliationContrat        DemandeType = "resiliation_contrat"
	TypeSouscription              DemandeType = "souscription"
	TypeAttestation               DemandeType = "attestation"
	TypeChangementAdresse         DemandeType = "changement_adresse"
	TypeChangementRIB             DemandeType = "changement_rib"
	TypeChangementBeneficiaire    DemandeType = "changement_beneficiaire"
	TypeAvenant                   DemandeType = "avenant"
	TypeRachatPartiel             DemandeType = "rachat_partiel"
	TypeRachatTotal               DemandeType = "rachat_total"
	TypeArbitrage                 DemandeType = "arbitrage"
	TypeVersementLibre            DemandeType = "versement_libre"
	TypeSuspensionGarantie        DemandeType = "suspension_garantie"
	TypeRemiseEnVigueur           DemandeType = "remise_en_vigueur"
	TypeDuplicataDocument         DemandeType = "duplicata_document"
	TypeDemandeDevis              DemandeType = "demande_devis"
	TypeContestationIndemnisation DemandeType = "contestation_indemnisation"
	TypeExpertise                 DemandeType = "expertise"
	TypeRecours                   DemandeType = "recours"
	TypePriseEnCharge             DemandeType = "prise_en_charge"
	TypeRemboursement             DemandeType = "remboursement"
	TypeTransfertContrat          DemandeType = "transfert_contrat"
	TypeMiseAJourKYC              DemandeType = "mise_a_jour_kyc"
	TypeOppositionPrelevement     DemandeType = "opposition_prelevement"
	TypeDemandeEcheancier         DemandeType = "demande_echeancier"
	TypeSignalementFraude         DemandeType = "signalement_fraude"
	TypeAutre                     DemandeType = "autre"
)

// DemandeCategory groups request types for reporting.
type DemandeCategory string

const (
	CategorySinistre      DemandeCategory = "sinistre"
	CategoryContrat       DemandeCategory = "contrat"
	CategoryInformation   DemandeCategory = "information"
	CategoryReclamation   DemandeCategory = "reclamation"
	CategoryAdministratif DemandeCategory = "administratif"
	CategoryFinancier     DemandeCategory = "financier"
	CategoryFraude        DemandeCategory = "fraude"
	CategoryAutre         DemandeCategory = "autre"
)

var categoryByType = map[DemandeType]DemandeCategory{
	TypeDeclarationSinistre:       CategorySinistre,
	TypeContestationIndemnisation: CategorySinistre,
	TypeExpertise:                 CategorySinistre,
	TypeRecours:                   CategorySinistre,
	TypePriseEnCharge:             CategorySinistre,
	TypeReclamation:               CategoryReclamation,
	TypeDemandeInformation:        CategoryInformation,
	TypeDemandeDevis:              CategoryInformation,
	TypeModificationContrat:       CategoryContrat,
	TypeResiliationContrat:        CategoryContrat,
	TypeSouscription:              CategoryContrat,
	TypeAvenant:                   CategoryContrat,
	TypeSuspensionGarantie:        CategoryContrat,
	TypeRemiseEnVigueur:           CategoryContrat,
	TypeTransfertContrat:          CategoryContrat,
	TypeAttestation:               CategoryAdministratif,
	TypeChangementAdresse:         CategoryAdministratif,
	TypeChangementBeneficiaire:    CategoryAdministratif,
	TypeDuplicataDocument:         CategoryAdministratif,
	TypeMiseAJourKYC:              CategoryAdministratif,
	TypeChangementRIB:             CategoryFinancier,
	TypeRachatPartiel:             CategoryFinancier,
	TypeRachatTotal:               CategoryFinancier,
	TypeArbitrage:                 CategoryFinancier,
	TypeVersementLibre:            CategoryFinancier,
	TypeRemboursement:             CategoryFinancier,
	TypeOppositionPrelevement:     CategoryFinancier,
	TypeDemandeEcheancier:         CategoryFinancier,
	TypeSignalementFraude:         CategoryFraude,
}

// CategoryFor returns the default category of a request type; unknown types
// land in CategoryAutre.
func CategoryFor(t DemandeType) DemandeCategory {
	if c, ok := categoryByType[t]; ok {
		return c
	}
	return CategoryAutre
}

// DemandeStatus is the processing state of a request.
type DemandeStatus string

const (
	StatusNew               DemandeStatus = "new"
	StatusReceived          DemandeStatus = "received"
	StatusInProgress        DemandeStatus = "in_progress"
	StatusPendingInfo       DemandeStatus = "pending_info"
	StatusPendingValidation DemandeStatus = "pending_validation"
	StatusEscalated         DemandeStatus = "escalated"
	StatusCompleted         DemandeStatus = "completed"
	StatusRejected          DemandeStatus = "rejected"
	StatusArchived          DemandeStatus = "archived"
	StatusCancelled         DemandeStatus = "cancelled"
)

// IsTerminal reports whether no further processing is expected.
func (s DemandeStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusArchived, StatusCancelled:
		return true
	}
	return false
}

// Priority is shared by requests, fraud alerts and cases.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Channel is how a request reached the insurer.
type Channel string

const (
	ChannelEmail      Channel = "email"
	ChannelTelephone  Channel = "telephone"
	ChannelCourrier   Channel = "courrier"
	ChannelAgence     Channel = "agence"
	ChannelPortailWeb Channel = "portail_web"
	ChannelMobile     Channel = "application_mobile"
	ChannelAPI        Channel = "api_partenaire"
)

// Origin is who initiated a request.
type Origin string

const (
	OriginClient     Origin = "client"
	OriginPartenaire Origin = "partenaire"
	OriginInterne    Origin = "interne"
	OriginSysteme    Origin = "systeme"
)

// Requester is a snapshot of the requester's identity at reception time.
type Requester struct {
	Name          string `json:"nom"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"telephone,omitempty"`
	Authenticated bool   `json:"authentifie"`
}

// SLABlock holds the service-level commitment of a request. DueDate is
// always ReceivedAt + CommercialDelay days.
type SLABlock struct {
	ReceivedAt      time.Time  `json:"date_reception"`
	CommercialDelay int        `json:"delai_commercial"`
	DueDate         time.Time  `json:"date_echeance"`
	TreatedAt       *time.Time `json:"date_traitement,omitempty"`
	Respected       bool       `json:"respect_sla"`
}

// RequiredValidation is a sign-off expected from a role before a deadline.
type RequiredValidation struct {
	Role        string     `json:"role_validateur"`
	Deadline    time.Time  `json:"date_limite"`
	Validated   bool       `json:"valide"`
	ValidatedBy string     `json:"valide_par,omitempty"`
	ValidatedAt *time.Time `json:"valide_le,omitempty"`
}

// EscalationRule describes who gets pulled in once a request has waited too
// long.
type EscalationRule struct {
	AfterHours int      `json:"apres_heures"`
	EscalateTo string   `json:"escalader_vers"`
	Notify     []string `json:"notifier,omitempty"`
}

// WorkflowBlock tracks where a request is in its processing workflow.
type WorkflowBlock struct {
	CurrentStep         string               `json:"etape_courante"`
	RequiredValidations []RequiredValidation `json:"validations_requises,omitempty"`
	EscalationRules     []EscalationRule     `json:"regles_escalade,omitempty"`
}

// DemandeRelations links a request to other records by id only.
type DemandeRelations struct {
	ContratIDs      []string `json:"contrat_ids,omitempty"`
	CycleVieIDs     []string `json:"cycle_vie_ids,omitempty"`
	RelatedDemandes []string `json:"demandes_liees,omitempty"`
}

// Demande is an inbound request from a customer, partner or internal system.
// Requests are never deleted; archiving converts them into a Historique.
type Demande struct {
	ID             string            `json:"id"`
	Reference      string            `json:"reference"`
	TrackingNumber string            `json:"numero_suivi"`
	Type           DemandeType       `json:"type"`
	Category       DemandeCategory   `json:"categorie"`
	Status         DemandeStatus     `json:"statut"`
	Priority       Priority          `json:"priorite"`
	Channel        Channel           `json:"canal"`
	Origin         Origin            `json:"origine"`
	Subject        string            `json:"objet"`
	Description    string            `json:"description,omitempty"`
	Requester      Requester         `json:"demandeur"`
	SLA            SLABlock          `json:"sla"`
	Workflow       WorkflowBlock     `json:"workflow"`
	Treatments     []TraitementEntry `json:"historique_traitement"`
	Decision       *Decision         `json:"decision,omitempty"`
	Relations      DemandeRelations  `json:"relations"`
	HistoriqueID   *string           `json:"historique_id,omitempty"`
	Notes          []string          `json:"notes,omitempty"`
	Metadata       Metadata          `json:"metadata"`
}

// GetID returns the record id.
func (d *Demande) GetID() string { return d.ID }

// Clone returns a deep copy so that callers never alias store state.
func (d *Demande) Clone() *Demande {
	c := *d
	c.SLA.TreatedAt = cloneTime(d.SLA.TreatedAt)
	if d.Workflow.RequiredValidations != nil {
		c.Workflow.RequiredValidations = make([]RequiredValidation, len(d.Workflow.RequiredValidations))
		for i, v := range d.Workflow.RequiredValidations {
			v.ValidatedAt = cloneTime(v.ValidatedAt)
			c.Workflow.RequiredValidations[i] = v
		}
	}
	if d.Workflow.EscalationRules != nil {
		c.Workflow.EscalationRules = make([]EscalationRule, len(d.Workflow.EscalationRules))
		for i, r := range d.Workflow.EscalationRules {
			r.Notify = cloneStrings(r.Notify)
			c.Workflow.EscalationRules[i] = r
		}
	}
	c.Treatments = cloneTreatments(d.Treatments)
	c.Decision = cloneDecision(d.Decision)
	c.Relations = DemandeRelations{
		ContratIDs:      cloneStrings(d.Relations.ContratIDs),
		CycleVieIDs:     cloneStrings(d.Relations.CycleVieIDs),
		RelatedDemandes: cloneStrings(d.Relations.RelatedDemandes),
	}
	c.HistoriqueID = cloneString(d.HistoriqueID)
	c.Notes = cloneStrings(d.Notes)
	c.Metadata = d.Metadata.clone()
	return &c
}

// AppendTreatment appends one entry to the treatment history.
func (d *Demande) AppendTreatment(entry TraitementEntry) {
	d.Treatments = append(d.Treatments, entry)
}

// CreateDemandeRequest is the payload accepted by DemandeStore.Create.
type CreateDemandeRequest struct {
	Reference           string               `json:"reference"`
	Type                DemandeType          `json:"type" validate:"required"`
	Category            DemandeCategory      `json:"categorie"`
	Priority            Priority             `json:"priorite" validate:"required"`
	Channel             Channel              `json:"canal" validate:"required"`
	Origin              Origin               `json:"origine" validate:"required"`
	Subject             string               `json:"objet" validate:"required,max=255"`
	Description         string               `json:"description"`
	Requester           Requester            `json:"demandeur"`
	ReceivedAt          *time.Time           `json:"date_reception"`
	ContratIDs          []string             `json:"contrat_ids"`
	CycleVieIDs         []string             `json:"cycle_vie_ids"`
	RequiredValidations []RequiredValidation `json:"validations_requises"`
	EscalationRules     []EscalationRule     `json:"regles_escalade"`
	Tags                []string             `json:"tags"`
	Extra               map[string]any       `json:"extra"`
	CreatedBy           string               `json:"-"`
}

// DemandePatch is a partial update. Nil fields are left untouched; Extra is
// merged key by key into Metadata.Extra.
type DemandePatch struct {
	Subject         *string          `json:"objet"`
	Description     *string          `json:"description"`
	Category        *DemandeCategory `json:"categorie"`
	Channel         *Channel         `json:"canal"`
	CurrentStep     *string          `json:"etape_courante"`
	Requester       *Requester       `json:"demandeur"`
	ContratIDs      []string         `json:"contrat_ids"`
	CycleVieIDs     []string         `json:"cycle_vie_ids"`
	RelatedDemandes []string         `json:"demandes_liees"`
	Tags            []string         `json:"tags"`
	Extra           map[string]any   `json:"extra"`
}

// Apply merges the patch into d.
func (p DemandePatch) Apply(d *Demande) {
	if p.Subject != nil {
		d.Subject = *p.Subject
	}
	if p.Description != nil {
		d.Description = *p.Description
	}
	if p.Category != nil {
		d.Category = *p.Category
	}
	if p.Channel != nil {
		d.Channel = *p.Channel
	}
	if p.CurrentStep != nil {
		d.Workflow.CurrentStep = *p.CurrentStep
	}
	if p.Requester != nil {
		d.Requester = *p.Requester
	}
	for _, id := range p.ContratIDs {
		d.Relations.ContratIDs = AppendUnique(d.Relations.ContratIDs, id)
	}
	for _, id := range p.CycleVieIDs {
		d.Relations.CycleVieIDs = AppendUnique(d.Relations.CycleVieIDs, id)
	}
	for _, id := range p.RelatedDemandes {
		d.Relations.RelatedDemandes = AppendUnique(d.Relations.RelatedDemandes, id)
	}
	d.Metadata.Merge(p.Tags, p.Extra)
}

// Historique is the immutable archive of a processed request.
type Historique struct {
	ID             string        `json:"id"`
	DemandeID      string        `json:"demande_id"`
	Reference      string        `json:"reference"`
	TrackingNumber string        `json:"numero_suivi"`
	Type           DemandeType   `json:"type"`
	FinalStatus    DemandeStatus `json:"statut_final"`
	Decision       *Decision     `json:"decision,omitempty"`
	ArchivedAt     time.Time     `json:"date_archivage"`
	ArchivedBy     string        `json:"archive_par"`
	Snapshot       *Demande      `json:"snapshot"`
}

// NewHistorique snapshots d. The archiving author is taken from the last
// treatment entry of d.
func NewHistorique(id string, d *Demande, archivedAt time.Time) *Historique {
	h := &Historique{
		ID:             id,
		DemandeID:      d.ID,
		Reference:      d.Reference,
		TrackingNumber: d.TrackingNumber,
		Type:           d.Type,
		FinalStatus:    d.Status,
		Decision:       cloneDecision(d.Decision),
		ArchivedAt:     archivedAt,
		Snapshot:       d.Clone(),
	}
	if n := len(d.Treatments); n > 0 {
		h.ArchivedBy = d.Treatments[n-1].Author
	}
	return h
}
