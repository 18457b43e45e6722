// Package automation evaluates user-authored rules against current download
// state and fires their actions, at most once per cooldown window per rule.
package automation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/torboard/torboard/internal/debrid"
)

// ItemView is what predicates see: the live observation plus trend fields
// reconstructed from recent speed samples.
type ItemView struct {
	debrid.Item
	AccountID  string
	AvgDLSpeed float64
	AvgULSpeed float64
}

type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Node is one vertex of the condition tree: a group or a typed leaf, one
// leaf variant per column-type family.
type Node interface{ isNode() }

type Group struct {
	Logic Logic
	Nodes []Node
}

// NumericCond compares a numeric field. Value has already been converted to
// the field's stored units at parse time.
type NumericCond struct {
	Field string
	Op    string
	Value float64
}

type TextCond struct {
	Field string
	Op    string
	Value string
}

// TimeCond compares a timestamp field's age against now.
type TimeCond struct {
	Field string
	Op    string
	Age   time.Duration
}

type BoolCond struct {
	Field string
	Value bool
}

// MultiCond matches a label field against a set of values.
type MultiCond struct {
	Field  string
	Op     string
	Values []string
}

// invalidCond is a leaf that failed to parse. It never matches, so a
// malformed predicate cannot fire a rule or abort the pass.
type invalidCond struct{ Reason string }

func (*Group) isNode()       {}
func (*NumericCond) isNode() {}
func (*TextCond) isNode()    {}
func (*TimeCond) isNode()    {}
func (*BoolCond) isNode()    {}
func (*MultiCond) isNode()   {}
func (*invalidCond) isNode() {}

type fieldKind int

const (
	kindNumeric fieldKind = iota
	kindText
	kindTime
	kindBool
	kindMulti
)

type unitFamily int

const (
	unitNone unitFamily = iota
	unitPercent
	unitBytes
)

type fieldSpec struct {
	kind  fieldKind
	units unitFamily
}

// fieldRegistry names every column a rule may reference and its type
// family, which selects the leaf variant at parse time.
var fieldRegistry = map[string]fieldSpec{
	"name":         {kind: kindText},
	"hash":         {kind: kindText},
	"kind":         {kind: kindText},
	"state":        {kind: kindMulti},
	"progress":     {kind: kindNumeric, units: unitPercent},
	"size":         {kind: kindNumeric, units: unitBytes},
	"downloaded":   {kind: kindNumeric, units: unitBytes},
	"uploaded":     {kind: kindNumeric, units: unitBytes},
	"dl_speed":     {kind: kindNumeric, units: unitBytes},
	"ul_speed":     {kind: kindNumeric, units: unitBytes},
	"avg_dl_speed": {kind: kindNumeric, units: unitBytes},
	"avg_ul_speed": {kind: kindNumeric, units: unitBytes},
	"seeds":        {kind: kindNumeric},
	"peers":        {kind: kindNumeric},
	"ratio":        {kind: kindNumeric},
	"added_at":     {kind: kindTime},
	"active":       {kind: kindBool},
}

var byteMultipliers = map[string]float64{
	"":   1,
	"b":  1,
	"kb": 1024,
	"mb": 1024 * 1024,
	"gb": 1024 * 1024 * 1024,
	"tb": 1024 * 1024 * 1024 * 1024,
}

var ageUnits = map[string]time.Duration{
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

type rawCondition struct {
	Logic      string          `json:"logic,omitempty"`
	Conditions []rawCondition  `json:"conditions,omitempty"`
	Field      string          `json:"field,omitempty"`
	Operator   string          `json:"operator,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Values     []string        `json:"values,omitempty"`
	Unit       string          `json:"unit,omitempty"`
}

// ParseConditions decodes a rule's condition tree. The tree as a whole must
// be valid JSON; individual malformed leaves degrade to never-matching
// nodes instead of failing the parse.
func ParseConditions(data []byte) (*Group, error) {
	if len(data) == 0 {
		return &Group{Logic: LogicAnd}, nil
	}

	var raw rawCondition
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse conditions: %w", err)
	}
	return parseGroup(&raw), nil
}

func parseGroup(raw *rawCondition) *Group {
	logic := LogicAnd
	if strings.EqualFold(raw.Logic, string(LogicOr)) {
		logic = LogicOr
	}

	group := &Group{Logic: logic}
	for i := range raw.Conditions {
		group.Nodes = append(group.Nodes, parseNode(&raw.Conditions[i]))
	}
	return group
}

func parseNode(raw *rawCondition) Node {
	if raw.Logic != "" || len(raw.Conditions) > 0 {
		return parseGroup(raw)
	}
	return parseLeaf(raw)
}

func parseLeaf(raw *rawCondition) Node {
	spec, ok := fieldRegistry[raw.Field]
	if !ok {
		return invalid("unknown field %q", raw.Field)
	}

	switch spec.kind {
	case kindNumeric:
		return parseNumericLeaf(raw, spec)
	case kindText:
		return parseTextLeaf(raw)
	case kindTime:
		return parseTimeLeaf(raw)
	case kindBool:
		return parseBoolLeaf(raw)
	case kindMulti:
		return parseMultiLeaf(raw)
	}
	return invalid("unhandled field kind for %q", raw.Field)
}

func parseNumericLeaf(raw *rawCondition, spec fieldSpec) Node {
	switch raw.Operator {
	case "eq", "neq", "gt", "gte", "lt", "lte":
	default:
		return invalid("numeric field %q: unsupported operator %q", raw.Field, raw.Operator)
	}

	var value float64
	if err := json.Unmarshal(raw.Value, &value); err != nil {
		return invalid("numeric field %q: bad value: %v", raw.Field, err)
	}

	// Convert authored units into stored units.
	switch spec.units {
	case unitPercent:
		value /= 100
	case unitBytes:
		unit := strings.ToLower(strings.TrimSuffix(raw.Unit, "/s"))
		mult, ok := byteMultipliers[unit]
		if !ok {
			return invalid("numeric field %q: unknown unit %q", raw.Field, raw.Unit)
		}
		value *= mult
	}

	return &NumericCond{Field: raw.Field, Op: raw.Operator, Value: value}
}

func parseTextLeaf(raw *rawCondition) Node {
	switch raw.Operator {
	case "eq", "neq", "contains", "not_contains", "starts_with", "ends_with", "matches", "not_matches":
	default:
		return invalid("text field %q: unsupported operator %q", raw.Field, raw.Operator)
	}

	var value string
	if err := json.Unmarshal(raw.Value, &value); err != nil {
		return invalid("text field %q: bad value: %v", raw.Field, err)
	}
	return &TextCond{Field: raw.Field, Op: raw.Operator, Value: value}
}

func parseTimeLeaf(raw *rawCondition) Node {
	switch raw.Operator {
	case "older_than", "newer_than":
	default:
		return invalid("time field %q: unsupported operator %q", raw.Field, raw.Operator)
	}

	var amount float64
	if err := json.Unmarshal(raw.Value, &amount); err != nil {
		return invalid("time field %q: bad value: %v", raw.Field, err)
	}

	unit, ok := ageUnits[strings.ToLower(raw.Unit)]
	if !ok {
		return invalid("time field %q: unknown unit %q", raw.Field, raw.Unit)
	}
	return &TimeCond{Field: raw.Field, Op: raw.Operator, Age: time.Duration(amount * float64(unit))}
}

func parseBoolLeaf(raw *rawCondition) Node {
	var value bool
	if err := json.Unmarshal(raw.Value, &value); err != nil {
		return invalid("bool field %q: bad value: %v", raw.Field, err)
	}
	return &BoolCond{Field: raw.Field, Value: value}
}

func parseMultiLeaf(raw *rawCondition) Node {
	switch raw.Operator {
	case "any_of", "none_of":
	default:
		return invalid("multi field %q: unsupported operator %q", raw.Field, raw.Operator)
	}
	if len(raw.Values) == 0 {
		return invalid("multi field %q: empty value set", raw.Field)
	}
	return &MultiCond{Field: raw.Field, Op: raw.Operator, Values: raw.Values}
}

func invalid(format string, args ...interface{}) Node {
	reason := fmt.Sprintf(format, args...)
	slog.Warn("Invalid rule predicate", "reason", reason)
	return &invalidCond{Reason: reason}
}

// Eval walks the tree. An empty group matches everything; an invalid leaf
// matches nothing.
func Eval(node Node, item ItemView, now time.Time) bool {
	switch n := node.(type) {
	case *Group:
		if len(n.Nodes) == 0 {
			return true
		}
		for _, child := range n.Nodes {
			matched := Eval(child, item, now)
			if n.Logic == LogicOr && matched {
				return true
			}
			if n.Logic != LogicOr && !matched {
				return false
			}
		}
		return n.Logic != LogicOr

	case *NumericCond:
		value, ok := item.numericField(n.Field)
		if !ok {
			return false
		}
		return compareNumeric(value, n.Op, n.Value)

	case *TextCond:
		value, ok := item.textField(n.Field)
		if !ok {
			return false
		}
		return compareText(value, n.Op, n.Value)

	case *TimeCond:
		ts, ok := item.timeField(n.Field)
		if !ok || ts.IsZero() {
			return false
		}
		age := now.Sub(ts)
		if n.Op == "older_than" {
			return age > n.Age
		}
		return age < n.Age

	case *BoolCond:
		value, ok := item.boolField(n.Field)
		return ok && value == n.Value

	case *MultiCond:
		value, ok := item.textField(n.Field)
		if !ok {
			return false
		}
		found := false
		for _, candidate := range n.Values {
			if strings.EqualFold(candidate, value) {
				found = true
				break
			}
		}
		if n.Op == "none_of" {
			return !found
		}
		return found

	case *invalidCond:
		return false
	}
	return false
}

func compareNumeric(value float64, op string, target float64) bool {
	switch op {
	case "eq":
		return value == target
	case "neq":
		return value != target
	case "gt":
		return value > target
	case "gte":
		return value >= target
	case "lt":
		return value < target
	case "lte":
		return value <= target
	}
	return false
}

func compareText(value, op, target string) bool {
	v := strings.ToLower(value)
	t := strings.ToLower(target)

	switch op {
	case "eq":
		return v == t
	case "neq":
		return v != t
	case "contains":
		return strings.Contains(v, t)
	case "not_contains":
		return !strings.Contains(v, t)
	case "starts_with":
		return strings.HasPrefix(v, t)
	case "ends_with":
		return strings.HasSuffix(v, t)
	case "matches", "not_matches":
		re, err := regexp.Compile("(?i)" + target)
		if err != nil {
			// Fail closed: an unparseable pattern matches nothing, and for
			// the negated form still refuses to fire.
			slog.Warn("Invalid rule pattern", "pattern", target, "error", err)
			return false
		}
		if op == "matches" {
			return re.MatchString(value)
		}
		return !re.MatchString(value)
	}
	return false
}

func (v ItemView) numericField(name string) (float64, bool) {
	switch name {
	case "progress":
		return v.Progress, true
	case "size":
		return float64(v.Size), true
	case "downloaded":
		return float64(v.Downloaded), true
	case "uploaded":
		return float64(v.Uploaded), true
	case "dl_speed":
		return float64(v.DownloadSpeed), true
	case "ul_speed":
		return float64(v.UploadSpeed), true
	case "avg_dl_speed":
		return v.AvgDLSpeed, true
	case "avg_ul_speed":
		return v.AvgULSpeed, true
	case "seeds":
		return float64(v.Seeds), true
	case "peers":
		return float64(v.Peers), true
	case "ratio":
		return v.Ratio, true
	}
	return 0, false
}

func (v ItemView) textField(name string) (string, bool) {
	switch name {
	case "name":
		return v.Name, true
	case "hash":
		return v.Hash, true
	case "kind":
		return v.Kind, true
	case "state":
		return v.State, true
	}
	return "", false
}

func (v ItemView) timeField(name string) (time.Time, bool) {
	if name == "added_at" {
		return v.AddedAt, true
	}
	return time.Time{}, false
}

func (v ItemView) boolField(name string) (bool, bool) {
	if name == "active" {
		return debrid.ActiveState(v.State), true
	}
	return false, false
}
