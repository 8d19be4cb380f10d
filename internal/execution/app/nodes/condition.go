package nodes

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
)

type ConditionRule struct {
	Left     interface{} `mapstructure:"left"`
	Operator string      `mapstructure:"operator"`
	Right    interface{} `mapstructure:"right"`
	Output   string      `mapstructure:"output"`
}

type ConditionConfig struct {
	Conditions    []ConditionRule `mapstructure:"conditions"`
	DefaultOutput string          `mapstructure:"default_output"`
}

// ConditionProcessor picks the output label of the first matching rule, or the default.
type ConditionProcessor struct{}

func NewConditionProcessor() *ConditionProcessor { return &ConditionProcessor{} }

func (p *ConditionProcessor) Type() string { return workflow.NodeTypeCondition }

func (p *ConditionProcessor) Validate(config map[string]interface{}) error {
	if err := requireKeys(config, "conditions", "default_output"); err != nil {
		return err
	}
	var cfg ConditionConfig
	if err := decode(config, &cfg); err != nil {
		return err
	}
	if len(cfg.Conditions) == 0 {
		return fmt.Errorf("at least one condition is required")
	}
	for i, rule := range cfg.Conditions {
		if !knownOperator(rule.Operator) {
			return fmt.Errorf("condition %d: unknown operator %q", i, rule.Operator)
		}
		if rule.Output == "" {
			return fmt.Errorf("condition %d: output is required", i)
		}
	}
	return nil
}

func (p *ConditionProcessor) Execute(ctx context.Context, req *Request) (*Result, error) {
	var cfg ConditionConfig
	if err := req.Decode(&cfg); err != nil {
		return nil, err
	}
	for i, rule := range cfg.Conditions {
		ok, err := Compare(rule.Left, rule.Operator, rule.Right)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		if ok {
			return &Result{
				Output: output("branch", rule.Output, "matched", true, "condition_index", i),
				Branch: rule.Output,
			}, nil
		}
	}
	return &Result{
		Output: output("branch", cfg.DefaultOutput, "matched", false, "condition_index", -1),
		Branch: cfg.DefaultOutput,
	}, nil
}

var operators = map[string]string{
	"equals": "eq", "==": "eq", "eq": "eq",
	"not_equals": "ne", "!=": "ne", "ne": "ne",
	">": "gt", "gt": "gt", "greater_than": "gt",
	">=": "gte", "gte": "gte",
	"<": "lt", "lt": "lt", "less_than": "lt",
	"<=": "lte", "lte": "lte",
	"contains":     "contains",
	"not_contains": "not_contains",
	"starts_with":  "starts_with",
	"ends_with":    "ends_with",
	"is_empty":     "is_empty",
	"is_not_empty": "is_not_empty",
	"in":           "in",
	"matches":      "matches",
}

func knownOperator(op string) bool {
	_, ok := operators[op]
	return ok
}

// Compare evaluates left <op> right.
func Compare(left interface{}, op string, right interface{}) (bool, error) {
	canonical, ok := operators[op]
	if !ok {
		return false, fmt.Errorf("unknown operator %q", op)
	}
	switch canonical {
	case "eq":
		return equal(left, right), nil
	case "ne":
		return !equal(left, right), nil
	case "gt", "gte", "lt", "lte":
		l, lok := toFloat(left)
		r, rok := toFloat(right)
		if !lok || !rok {
			return false, fmt.Errorf("operator %s needs numbers, got %T and %T", op, left, right)
		}
		switch canonical {
		case "gt":
			return l > r, nil
		case "gte":
			return l >= r, nil
		case "lt":
			return l < r, nil
		default:
			return l <= r, nil
		}
	case "contains":
		return contains(left, right), nil
	case "not_contains":
		return !contains(left, right), nil
	case "starts_with":
		return strings.HasPrefix(toString(left), toString(right)), nil
	case "ends_with":
		return strings.HasSuffix(toString(left), toString(right)), nil
	case "is_empty":
		return isEmpty(left), nil
	case "is_not_empty":
		return !isEmpty(left), nil
	case "in":
		return contains(right, left), nil
	case "matches":
		re, err := regexp.Compile(toString(right))
		if err != nil {
			return false, fmt.Errorf("invalid pattern: %w", err)
		}
		return re.MatchString(toString(left)), nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func equal(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return toString(a) == toString(b)
}

// contains handles substring on strings and membership on lists and map keys.
func contains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, toString(needle))
	case []interface{}:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		_, ok := h[toString(needle)]
		return ok
	case nil:
		return false
	}
	return strings.Contains(toString(haystack), toString(needle))
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
