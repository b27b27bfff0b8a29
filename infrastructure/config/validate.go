package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	hosterrors "github.com/shellhost/shellhost/infrastructure/errors"
)

// Issue is one validation finding.
type Issue struct {
	Key     string
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Key, i.Message)
}

// Result aggregates validation findings for a section.
type Result struct {
	Errors   []Issue
	Warnings []Issue
}

// Valid reports whether the section passed validation.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// Err converts the result into an error when invalid.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	messages := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		messages[i] = issue.String()
	}
	return hosterrors.Join(hosterrors.ErrValidationFailed,
		hosterrors.New(strings.Join(messages, "; ")))
}

// Rule is one composable validation check applied to a section. Rules are
// values assembled into a pipeline; they run in declaration order.
type Rule interface {
	Apply(section *Section) []Issue
}

// Validatable is implemented by schema types that declare their rules.
type Validatable interface {
	Rules() []Rule
}

// CrossValidator is an optional hook for cross-field checks, run after the
// per-key rules.
type CrossValidator interface {
	ValidateExtra(section *Section) []Issue
}

// Validate applies the schema's rules to the section at prefix.
func (s *Store) Validate(prefix string, schema Validatable) Result {
	section := s.Section(prefix)
	var result Result
	for _, rule := range schema.Rules() {
		result.Errors = append(result.Errors, rule.Apply(section)...)
	}
	if cross, ok := schema.(CrossValidator); ok {
		result.Errors = append(result.Errors, cross.ValidateExtra(section)...)
	}
	return result
}

// =============================================================================
// Built-in rules
// =============================================================================

type requiredRule struct{ key string }

// Required fails when the key is absent or empty.
func Required(key string) Rule { return requiredRule{key: key} }

func (r requiredRule) Apply(section *Section) []Issue {
	value, ok := section.Get(r.key)
	if !ok || strings.TrimSpace(value) == "" {
		return []Issue{{Key: section.Key(r.key), Message: "required value is missing"}}
	}
	return nil
}

type intRule struct {
	key      string
	min, max int
	bounded  bool
}

// Int fails when a present value does not parse as an integer.
func Int(key string) Rule { return intRule{key: key} }

// IntRange fails when a present value is not an integer within [min, max].
func IntRange(key string, min, max int) Rule {
	return intRule{key: key, min: min, max: max, bounded: true}
}

func (r intRule) Apply(section *Section) []Issue {
	value, ok := section.Get(r.key)
	if !ok || value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return []Issue{{Key: section.Key(r.key), Message: fmt.Sprintf("not an integer: %q", value)}}
	}
	if r.bounded && (parsed < r.min || parsed > r.max) {
		return []Issue{{
			Key:     section.Key(r.key),
			Message: fmt.Sprintf("value %d outside range [%d, %d]", parsed, r.min, r.max),
		}}
	}
	return nil
}

type boolRule struct{ key string }

// Bool fails when a present value does not parse as a boolean.
func Bool(key string) Rule { return boolRule{key: key} }

func (r boolRule) Apply(section *Section) []Issue {
	value, ok := section.Get(r.key)
	if !ok || value == "" {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "y", "on", "false", "0", "no", "n", "off":
		return nil
	}
	return []Issue{{Key: section.Key(r.key), Message: fmt.Sprintf("not a boolean: %q", value)}}
}

type durationRule struct{ key string }

// Duration fails when a present value does not parse as a duration.
func Duration(key string) Rule { return durationRule{key: key} }

func (r durationRule) Apply(section *Section) []Issue {
	value, ok := section.Get(r.key)
	if !ok || value == "" {
		return nil
	}
	trimmed := strings.TrimSpace(value)
	if _, err := time.ParseDuration(trimmed); err == nil {
		return nil
	}
	if _, err := strconv.Atoi(trimmed); err == nil {
		return nil
	}
	return []Issue{{Key: section.Key(r.key), Message: fmt.Sprintf("not a duration: %q", value)}}
}

type patternRule struct {
	key string
	re  *regexp.Regexp
}

// Pattern fails when a present value does not match the regular expression.
func Pattern(key, expr string) Rule {
	return patternRule{key: key, re: regexp.MustCompile(expr)}
}

func (r patternRule) Apply(section *Section) []Issue {
	value, ok := section.Get(r.key)
	if !ok || value == "" {
		return nil
	}
	if !r.re.MatchString(value) {
		return []Issue{{
			Key:     section.Key(r.key),
			Message: fmt.Sprintf("value %q does not match %s", value, r.re.String()),
		}}
	}
	return nil
}

type enumRule struct {
	key     string
	allowed []string
}

// OneOf fails when a present value is not in the allowed set
// (case-insensitive).
func OneOf(key string, allowed ...string) Rule {
	return enumRule{key: key, allowed: allowed}
}

func (r enumRule) Apply(section *Section) []Issue {
	value, ok := section.Get(r.key)
	if !ok || value == "" {
		return nil
	}
	for _, candidate := range r.allowed {
		if strings.EqualFold(candidate, value) {
			return nil
		}
	}
	return []Issue{{
		Key:     section.Key(r.key),
		Message: fmt.Sprintf("value %q not one of %v", value, r.allowed),
	}}
}

type customRule struct {
	fn func(section *Section) []Issue
}

// Custom wraps an arbitrary check as a rule.
func Custom(fn func(section *Section) []Issue) Rule { return customRule{fn: fn} }

func (r customRule) Apply(section *Section) []Issue { return r.fn(section) }
