package policy

import (
	"time"

	"github.com/openfroyo/p4converge/pkg/engine"
)

// Severity is the severity of a violation.
type Severity string

const (
	// SeverityInfo is reported only.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported and does not block a run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run before any mutation.
	SeverityError Severity = "error"
)

// Blocking reports whether violations of this severity abort a run.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy is a named Rego module producing a deny set. Each deny element is
// either a message string or an object with "message" and optionally
// "severity" and "unit".
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Source      string   `json:"source,omitempty"`
}

// Input is the document policies evaluate.
type Input struct {
	Family      string        `json:"family"`
	Entrypoints []string      `json:"entrypoints"`
	Units       []engine.Unit `json:"units"`
}

// Violation is a single deny element.
type Violation struct {
	Policy   string   `json:"policy"`
	Unit     string   `json:"unit,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Blocking returns the violations that abort a run.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}
