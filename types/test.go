// Package types contains shared types used across the synthetics orchestrator
package types

import (
	"fmt"
	"strings"
)

// TestType represents the kind of synthetic test
type TestType string

// TestType enum values
const (
	TestTypeAPI     TestType = "api"
	TestTypeBrowser TestType = "browser"
	TestTypeMobile  TestType = "mobile"
)

// String implements the Stringer interface for TestType
func (t TestType) String() string {
	return string(t)
}

// ExecutionRule controls whether a failing test affects the CI outcome
type ExecutionRule string

const (
	ExecutionRuleBlocking    ExecutionRule = "blocking"
	ExecutionRuleNonBlocking ExecutionRule = "non_blocking"
	ExecutionRuleSkipped     ExecutionRule = "skipped"
)

// ruleStrictness orders rules so that the more permissive one wins when merging.
var ruleStrictness = map[ExecutionRule]int{
	ExecutionRuleBlocking:    0,
	ExecutionRuleNonBlocking: 1,
	ExecutionRuleSkipped:     2,
}

// ParseExecutionRule parses a rule name; the empty string yields an empty rule.
func ParseExecutionRule(s string) (ExecutionRule, error) {
	rule := ExecutionRule(strings.ToLower(strings.TrimSpace(s)))
	if rule == "" {
		return "", nil
	}
	if _, ok := ruleStrictness[rule]; !ok {
		return "", fmt.Errorf("invalid execution rule %q: must be one of %s, %s, %s",
			s, ExecutionRuleBlocking, ExecutionRuleNonBlocking, ExecutionRuleSkipped)
	}
	return rule, nil
}

// ResolveExecutionRule merges the rule from the test definition with the per-run override.
// skipped wins over non_blocking, which wins over blocking. Unset rules default to blocking.
func ResolveExecutionRule(definition, override ExecutionRule) ExecutionRule {
	rule := ExecutionRuleBlocking
	for _, candidate := range []ExecutionRule{definition, override} {
		if candidate == "" {
			continue
		}
		if ruleStrictness[candidate] > ruleStrictness[rule] {
			rule = candidate
		}
	}
	return rule
}

// TestOptions holds the definition-level options relevant to CI runs
type TestOptions struct {
	DeviceIDs     []string      `json:"device_ids,omitempty"`
	ExecutionRule ExecutionRule `json:"execution_rule,omitempty"`
}

// TestDefinition is the immutable description of a test as stored on the backend
type TestDefinition struct {
	PublicID string      `json:"public_id"`
	Name     string      `json:"name"`
	Type     TestType    `json:"type"`
	SubType  string      `json:"subtype,omitempty"`
	Suite    string      `json:"suite,omitempty"`
	Tags     []string    `json:"tags,omitempty"`
	Options  TestOptions `json:"options"`
}

// DisplayName returns the name used by reporters
func (t TestDefinition) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.PublicID
}

// Overrides are the per-run values applied on top of a test definition
type Overrides struct {
	ExecutionRule ExecutionRule     `yaml:"executionRule,omitempty" json:"-"`
	StartURL      string            `yaml:"startUrl,omitempty" json:"startUrl,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Variables     map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	DeviceIDs     []string          `yaml:"deviceIds,omitempty" json:"deviceIds,omitempty"`
	Locations     []string          `yaml:"locations,omitempty" json:"locations,omitempty"`
	RetryCount    *int              `yaml:"retryCount,omitempty" json:"retryCount,omitempty"`
	Timeout       *int              `yaml:"testTimeout,omitempty" json:"testTimeout,omitempty"`
}

// TriggerConfig is a test id plus the overrides for one invocation
type TriggerConfig struct {
	ID     string    `yaml:"id"`
	Suite  string    `yaml:"suite,omitempty"`
	Config Overrides `yaml:"config,omitempty"`
}

// TunnelInfo is sent with each triggered test so runners target the tunnel's virtual host
type TunnelInfo struct {
	Host string `json:"host"`
	ID   string `json:"id"`
}
