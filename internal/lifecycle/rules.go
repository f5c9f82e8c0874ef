package lifecycle

import (
	"fmt"

	"github.com/aegisshield/lifecycle-engine/internal/models"
)

var activeOnly = []models.RuleCondition{
	{Field: "status", Operator: models.OperatorEquals, Value: string(models.CycleActive)},
}

// DefaultRules is the stage rule table used when none is configured.
func DefaultRules() []models.StageRule {
	return []models.StageRule{
		{
			FromStage:           models.StageSouscription,
			ToStage:             models.StageVieContrat,
			Conditions:          activeOnly,
			AutomaticTransition: true,
			RequiredDocuments:   []string{"contrat_signe", "piece_identite"},
			EstimatedDuration:   15,
		},
		{
			FromStage:           models.StageVieContrat,
			ToStage:             models.StageSinistrePaiement,
			Conditions:          activeOnly,
			RequiredDocuments:   []string{"declaration_sinistre", "justificatifs"},
			RequiredValidations: []string{"gestionnaire_sinistre"},
			EstimatedDuration:   30,
		},
		{
			FromStage:           models.StageSinistrePaiement,
			ToStage:             models.StageResiliation,
			Conditions:          activeOnly,
			RequiredDocuments:   []string{"lettre_resiliation"},
			RequiredValidations: []string{"responsable_contrat"},
			EstimatedDuration:   30,
		},
		{
			FromStage:           models.StageVieContrat,
			ToStage:             models.StageResiliation,
			Conditions:          activeOnly,
			RequiredDocuments:   []string{"lettre_resiliation"},
			RequiredValidations: []string{"responsable_contrat"},
			EstimatedDuration:   30,
		},
	}
}

// RuleSet indexes stage rules by (from, to).
type RuleSet struct {
	rules []models.StageRule
	index map[[2]models.Stage]int
}

// NewRuleSet validates rules and builds the lookup index. Rules must name
// known stages, move forward and be unique per (from, to).
func NewRuleSet(rules []models.StageRule) (*RuleSet, error) {
	rs := &RuleSet{index: make(map[[2]models.Stage]int, len(rules))}
	for i, r := range rules {
		if !r.FromStage.Valid() || !r.ToStage.Valid() {
			return nil, fmt.Errorf("rule %d: unknown stage %q -> %q", i, r.FromStage, r.ToStage)
		}
		if r.ToStage.Index() <= r.FromStage.Index() {
			return nil, fmt.Errorf("rule %d: %s -> %s does not move forward", i, r.FromStage, r.ToStage)
		}
		for _, c := range r.Conditions {
			if c.Operator != models.OperatorEquals && c.Operator != models.OperatorNotEquals {
				return nil, fmt.Errorf("rule %d: unsupported operator %q", i, c.Operator)
			}
		}
		key := [2]models.Stage{r.FromStage, r.ToStage}
		if _, dup := rs.index[key]; dup {
			return nil, fmt.Errorf("rule %d: duplicate rule %s -> %s", i, r.FromStage, r.ToStage)
		}
		rs.index[key] = len(rs.rules)
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

// Find returns the rule for (from, to).
func (rs *RuleSet) Find(from, to models.Stage) (models.StageRule, bool) {
	i, ok := rs.index[[2]models.Stage{from, to}]
	if !ok {
		return models.StageRule{}, false
	}
	return rs.rules[i], true
}

// All returns a copy of the rules in declaration order.
func (rs *RuleSet) All() []models.StageRule {
	out := make([]models.StageRule, len(rs.rules))
	copy(out, rs.rules)
	return out
}
