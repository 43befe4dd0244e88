package action

// FilterKind selects which record a property filter reads from.
type FilterKind string

const (
	FilterKindEvent   FilterKind = "event"
	FilterKindPerson  FilterKind = "person"
	FilterKindElement FilterKind = "element"
	FilterKindCohort  FilterKind = "cohort"
)

type Operator string

const (
	OperatorExact        Operator = "exact"
	OperatorIsNot        Operator = "is_not"
	OperatorIContains    Operator = "icontains"
	OperatorNotIContains Operator = "not_icontains"
	OperatorRegex        Operator = "regex"
	OperatorNotRegex     Operator = "not_regex"
	OperatorGT           Operator = "gt"
	OperatorLT           Operator = "lt"
	OperatorIsSet        Operator = "is_set"
	OperatorIsNotSet     Operator = "is_not_set"
)

type URLMatching string

const (
	URLContains URLMatching = "contains"
	URLRegex    URLMatching = "regex"
	URLExact    URLMatching = "exact"
)

// PropertyFilter is one predicate inside a step. Value may be a scalar or a
// list; with a list, any element satisfying the operator counts as a match.
type PropertyFilter struct {
	Kind     FilterKind  `json:"type"`
	Key      string      `json:"key"`
	Value    interface{} `json:"value"`
	Operator Operator    `json:"operator"`
}

// ActionStep is one match group. A step matches when every configured
// constraint passes; unset constraints are skipped.
type ActionStep struct {
	ID          int64
	ActionID    int64
	EventName   string
	TagName     string
	Text        string
	Href        string
	Selector    string
	URL         string
	URLMatching URLMatching
	Properties  []PropertyFilter
}

// Action is a tenant-defined matching rule. An event matches the action when
// any of its steps matches.
type Action struct {
	ID          int64
	TenantID    int64
	Name        string
	PostToSlack bool
	Deleted     bool
	Steps       []ActionStep
}
