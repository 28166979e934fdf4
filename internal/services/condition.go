package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/keephq/keep-sub006/internal/database"
)

// Condition is a boolean predicate over alert fields. A leaf condition
// compares one field against a value; a group combines sub-conditions
// with "and" / "or". An empty condition matches every alert.
//
// Example rule condition JSON:
//
//	{"op": "and", "conditions": [
//	    {"field": "severity", "operator": "in", "value": ["critical", "high"]},
//	    {"field": "labels.env", "operator": "eq", "value": "prod"}
//	]}
type Condition struct {
	Op         string      `json:"op,omitempty"` // "and" or "or" for groups
	Conditions []Condition `json:"conditions,omitempty"`

	Field    string      `json:"field,omitempty"`
	Operator string      `json:"operator,omitempty"` // eq, ne, contains, matches, in, exists, gt, lt
	Value    interface{} `json:"value,omitempty"`
}

// ParseCondition decodes a stored rule condition. A nil or empty JSONB
// yields a match-all condition.
func ParseCondition(raw database.JSONB) (*Condition, error) {
	if len(raw) == 0 {
		return &Condition{}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: encode condition: %v", ErrConfiguration, err)
	}
	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode condition: %v", ErrConfiguration, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Condition) validate() error {
	if c.isGroup() {
		if c.Op != "and" && c.Op != "or" {
			return fmt.Errorf("%w: unknown combinator %q", ErrConfiguration, c.Op)
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].validate(); err != nil {
				return err
			}
		}
		return nil
	}
	if c.Field == "" && c.Operator == "" {
		return nil // match-all
	}
	switch c.Operator {
	case "eq", "ne", "contains", "matches", "in", "exists", "gt", "lt":
		if c.Field == "" {
			return fmt.Errorf("%w: condition operator %q without field", ErrConfiguration, c.Operator)
		}
		if c.Operator == "matches" {
			pattern, ok := c.Value.(string)
			if !ok {
				return fmt.Errorf("%w: matches operator needs a string pattern", ErrConfiguration)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("%w: bad pattern %q: %v", ErrConfiguration, pattern, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrConfiguration, c.Operator)
	}
}

func (c *Condition) isGroup() bool {
	return len(c.Conditions) > 0 || c.Op != ""
}

// Eval evaluates the condition against the alert
func (c *Condition) Eval(alert *IncomingAlert) (bool, error) {
	if c.isGroup() {
		for i := range c.Conditions {
			ok, err := c.Conditions[i].Eval(alert)
			if err != nil {
				return false, err
			}
			if c.Op == "or" && ok {
				return true, nil
			}
			if c.Op != "or" && !ok {
				return false, nil
			}
		}
		return c.Op != "or" || len(c.Conditions) == 0, nil
	}
	if c.Field == "" {
		return true, nil
	}

	val, present := alertField(alert, c.Field)
	switch c.Operator {
	case "exists":
		return present, nil
	case "eq":
		return present && val == toString(c.Value), nil
	case "ne":
		return !present || val != toString(c.Value), nil
	case "contains":
		return present && strings.Contains(val, toString(c.Value)), nil
	case "matches":
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("%w: matches operator needs a string pattern", ErrConfiguration)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("%w: bad pattern %q: %v", ErrConfiguration, pattern, err)
		}
		return present && re.MatchString(val), nil
	case "in":
		items, ok := c.Value.([]interface{})
		if !ok {
			return false, fmt.Errorf("%w: in operator needs a list value", ErrConfiguration)
		}
		for _, item := range items {
			if present && val == toString(item) {
				return true, nil
			}
		}
		return false, nil
	case "gt", "lt":
		if !present {
			return false, nil
		}
		left, err1 := strconv.ParseFloat(val, 64)
		right, err2 := strconv.ParseFloat(toString(c.Value), 64)
		if err1 != nil || err2 != nil {
			return false, nil
		}
		if c.Operator == "gt" {
			return left > right, nil
		}
		return left < right, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrConfiguration, c.Operator)
	}
}

// alertField resolves a field path against the alert. The top-level
// fields name, severity, status and source are addressable directly;
// anything else is looked up in the payload with dot notation.
func alertField(alert *IncomingAlert, path string) (string, bool) {
	switch path {
	case "name":
		return alert.Name, true
	case "severity":
		return string(alert.Severity), true
	case "status":
		return string(alert.Status), true
	case "source":
		return alert.Source, true
	}

	current := interface{}(alert.Payload)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		current, ok = m[part]
		if !ok || current == nil {
			return "", false
		}
	}
	return toString(current), true
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
