package action

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	pkgerrors "pulse/pkg/errors"
	"pulse/pkg/metrics"
)

// MatchInput is everything the matcher may consult for one event. Person
// fields are zero when no person was resolved; Elements is the parsed chain
// from the $elements property.
type MatchInput struct {
	TenantID   int64
	EventName  string
	Properties map[string]interface{}
	PersonID   *int64
	PersonProp map[string]interface{}
	Elements   []Element
}

// Matcher evaluates events against the tenant's cached actions. Malformed
// tenant-supplied patterns (regex, selector) make the step fail to match;
// only an unparseable cohort id is a hard error.
type Matcher struct {
	cache *Cache
	repo  Repository
}

func NewMatcher(cache *Cache, repo Repository) *Matcher {
	return &Matcher{cache: cache, repo: repo}
}

// Match returns the subset of the tenant's actions matched by the event. An
// action matches when any of its steps does.
func (m *Matcher) Match(ctx context.Context, in *MatchInput) ([]*Action, error) {
	start := time.Now()

	var matched []*Action
	for _, a := range m.cache.ForTenant(in.TenantID) {
		ok, err := m.actionMatches(ctx, a, in)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, a)
		}
	}

	metrics.ObserveActionMatching(time.Since(start), len(matched))
	return matched, nil
}

func (m *Matcher) actionMatches(ctx context.Context, a *Action, in *MatchInput) (bool, error) {
	for i := range a.Steps {
		ok, err := m.stepMatches(ctx, &a.Steps[i], in)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// stepMatches requires every configured constraint to pass; unset
// constraints are vacuously true.
func (m *Matcher) stepMatches(ctx context.Context, step *ActionStep, in *MatchInput) (bool, error) {
	if step.EventName != "" && step.EventName != in.EventName {
		return false, nil
	}

	if step.URL != "" {
		current, ok := in.Properties["$current_url"].(string)
		if !ok {
			return false, nil
		}
		if !MatchURL(step.URLMatching, step.URL, current) {
			return false, nil
		}
	}

	if !stepElementsMatch(step, in.Elements) {
		return false, nil
	}

	for i := range step.Properties {
		ok, err := m.filterMatches(ctx, &step.Properties[i], in)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// stepElementsMatch checks the step's element constraint: when any of
// href/tag/text is set, one element must satisfy all of the set fields at
// once; a selector additionally has to match on its own.
func stepElementsMatch(step *ActionStep, elements []Element) bool {
	if step.Href != "" || step.TagName != "" || step.Text != "" {
		found := false
		for i := range elements {
			el := &elements[i]
			if step.Href != "" && el.Href != step.Href {
				continue
			}
			if step.TagName != "" && el.TagName != strings.ToLower(step.TagName) {
				continue
			}
			if step.Text != "" && el.Text != step.Text {
				continue
			}
			found = true
			break
		}
		if !found {
			return false
		}
	}

	if step.Selector != "" && !MatchSelector(step.Selector, elements) {
		return false
	}
	return true
}

func (m *Matcher) filterMatches(ctx context.Context, f *PropertyFilter, in *MatchInput) (bool, error) {
	switch f.Kind {
	case FilterKindEvent, "":
		val, ok := in.Properties[f.Key]
		return operatorMatches(f.Operator, f.Value, val, ok), nil

	case FilterKindPerson:
		if in.PersonProp == nil {
			return false, nil
		}
		val, ok := in.PersonProp[f.Key]
		return operatorMatches(f.Operator, f.Value, val, ok), nil

	case FilterKindElement:
		return elementFilterMatches(f, in.Elements), nil

	case FilterKindCohort:
		cohortID, err := toCohortID(f.Value)
		if err != nil {
			return false, pkgerrors.ErrValidation.WithCause(err).
				WithDetail("message", "invalid cohort id in action filter")
		}
		if in.PersonID == nil {
			return false, nil
		}
		return m.repo.IsPersonInCohort(ctx, cohortID, *in.PersonID)
	}
	return false, nil
}

func elementFilterMatches(f *PropertyFilter, elements []Element) bool {
	if f.Key == "selector" {
		for _, v := range anyOf(f.Value) {
			if sel, ok := v.(string); ok && MatchSelector(sel, elements) {
				return true
			}
		}
		return false
	}

	for i := range elements {
		val, ok := elements[i].attribute(f.Key)
		if operatorMatches(f.Operator, f.Value, val, ok) {
			return true
		}
	}
	// is_not_set over an empty chain still passes
	return len(elements) == 0 && operatorMatches(f.Operator, f.Value, nil, false)
}

// operatorMatches applies one operator; a list filter value passes when any
// of its elements does.
func operatorMatches(op Operator, filterValue, actual interface{}, exists bool) bool {
	switch op {
	case OperatorIsSet:
		return exists
	case OperatorIsNotSet:
		return !exists
	}

	if !exists {
		return op == OperatorIsNot || op == OperatorNotIContains || op == OperatorNotRegex
	}

	values := anyOf(filterValue)
	switch op {
	case OperatorExact, "":
		for _, v := range values {
			if looseEqual(v, actual) {
				return true
			}
		}
		return false
	case OperatorIsNot:
		for _, v := range values {
			if looseEqual(v, actual) {
				return false
			}
		}
		return true
	case OperatorIContains:
		subject := strings.ToLower(toString(actual))
		for _, v := range values {
			if strings.Contains(subject, strings.ToLower(toString(v))) {
				return true
			}
		}
		return false
	case OperatorNotIContains:
		subject := strings.ToLower(toString(actual))
		for _, v := range values {
			if strings.Contains(subject, strings.ToLower(toString(v))) {
				return false
			}
		}
		return true
	case OperatorRegex:
		subject := toString(actual)
		for _, v := range values {
			re, err := regexp.Compile(toString(v))
			if err == nil && re.MatchString(subject) {
				return true
			}
		}
		return false
	case OperatorNotRegex:
		subject := toString(actual)
		for _, v := range values {
			re, err := regexp.Compile(toString(v))
			if err == nil && re.MatchString(subject) {
				return false
			}
		}
		return true
	case OperatorGT:
		subject, ok := toFloat(actual)
		if !ok {
			return false
		}
		for _, v := range values {
			if threshold, ok := toFloat(v); ok && subject > threshold {
				return true
			}
		}
		return false
	case OperatorLT:
		subject, ok := toFloat(actual)
		if !ok {
			return false
		}
		for _, v := range values {
			if threshold, ok := toFloat(v); ok && subject < threshold {
				return true
			}
		}
		return false
	}
	return false
}

func anyOf(value interface{}) []interface{} {
	if list, ok := value.([]interface{}); ok {
		return list
	}
	return []interface{}{value}
}

func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toCohortID(value interface{}) (int64, error) {
	switch v := value.(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cohort id %q is not numeric", v)
		}
		return id, nil
	}
	return 0, fmt.Errorf("cohort id has unsupported type %T", value)
}
