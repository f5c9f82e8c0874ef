package lifecycle

import (
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"

	"github.com/aegisshield/lifecycle-engine/internal/models"
)

// conditionEnv resolves condition fields, first from the caller supplied
// context, then as a gjson path over the JSON form of the lifecycle.
type conditionEnv struct {
	context map[string]any
	record  []byte
}

func (e conditionEnv) lookup(field string) (any, bool) {
	if v, ok := e.context[field]; ok {
		return v, true
	}
	res := gjson.GetBytes(e.record, field)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// evaluate reports whether c holds. A missing field never equals anything.
func (e conditionEnv) evaluate(c models.RuleCondition) bool {
	actual, found := e.lookup(c.Field)
	equal := found && normalize(actual) == normalize(c.Value)
	switch c.Operator {
	case models.OperatorEquals:
		return equal
	case models.OperatorNotEquals:
		return !equal
	default:
		return false
	}
}

// firstUnmet returns the first condition that does not hold.
func (e conditionEnv) firstUnmet(conds []models.RuleCondition) (models.RuleCondition, bool) {
	for _, c := range conds {
		if !e.evaluate(c) {
			return c, true
		}
	}
	return models.RuleCondition{}, false
}

// normalize maps values onto comparable scalars: all numbers become float64
// and named string types become plain strings.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	}
	return fmt.Sprint(v)
}
