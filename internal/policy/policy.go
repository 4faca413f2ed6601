// Package policy implements the dependency policy gate: given a set of
// resolved artifacts and the rules loaded from a job's .concord/policy.json,
// it classifies each artifact as allowed, warned about, or denied.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Status is the verdict produced for a single artifact against a single
// rule.
type Status string

const (
	Allow Status = "ALLOW"
	Warn  Status = "WARN"
	Deny  Status = "DENY"
)

// Artifact is the minimal shape the policy engine needs from a resolved
// dependency: its Maven coordinates, used to match rules.
type Artifact struct {
	Group    string
	Name     string
	Version  string
	Path     string
}

// Rule is one line of policy.json: a group:artifact:version glob pattern
// and the status to apply when an artifact matches it.
type Rule struct {
	Pattern string `json:"pattern"`
	Status  Status `json:"status"`
	Msg     string `json:"msg,omitempty"`
}

// Policy is the parsed contents of a job's .concord/policy.json.
type Policy struct {
	Rules []Rule `json:"rules"`
}

// Verdict pairs an artifact with the rule that decided its status, if any.
type Verdict struct {
	Artifact Artifact
	Rule     *Rule
	Status   Status
}

// Result is the outcome of evaluating a full artifact set against a Policy.
type Result struct {
	Allow []Verdict
	Warn  []Verdict
	Deny  []Verdict
}

// Engine is the policy-gate collaborator contract.
type Engine interface {
	Evaluate(pol *Policy, artifacts []Artifact) (Result, error)
}

// Default is the stdlib-path.Match-based Engine implementation. No
// ecosystem glob library appears in the example pack as a lightweight
// general-purpose string-glob matcher (konveyor-analyzer-lsp's gval is a
// full expression evaluator, too heavyweight for a 3-field glob), so this
// one concern is implemented directly on path.Match.
type Default struct{}

// Evaluate matches every artifact against every rule in order, keeping the
// first match. Artifacts with no matching rule default to Allow.
func (Default) Evaluate(pol *Policy, artifacts []Artifact) (Result, error) {
	var res Result

	for _, a := range artifacts {
		status, rule, err := matchRules(pol, a)
		if err != nil {
			return Result{}, fmt.Errorf("evaluating policy for %s:%s:%s: %w", a.Group, a.Name, a.Version, err)
		}

		v := Verdict{Artifact: a, Rule: rule, Status: status}
		switch status {
		case Deny:
			res.Deny = append(res.Deny, v)
		case Warn:
			res.Warn = append(res.Warn, v)
		default:
			res.Allow = append(res.Allow, v)
		}
	}

	return res, nil
}

func matchRules(pol *Policy, a Artifact) (Status, *Rule, error) {
	if pol == nil {
		return Allow, nil, nil
	}

	subject := a.Group + ":" + a.Name + ":" + a.Version

	for i := range pol.Rules {
		rule := &pol.Rules[i]
		ok, err := matchPattern(rule.Pattern, subject)
		if err != nil {
			return "", nil, err
		}
		if ok {
			return rule.Status, rule, nil
		}
	}

	return Allow, nil, nil
}

// matchPattern matches subject (group:name:version) against pattern
// field-by-field using path.Match, so a `*` in one field never bleeds into
// the next (path.Match stops at `/`; we substitute `/` for `:` to reuse
// that behaviour for colon-separated fields).
func matchPattern(pattern, subject string) (bool, error) {
	p := strings.ReplaceAll(pattern, ":", "/")
	s := strings.ReplaceAll(subject, ":", "/")
	return path.Match(p, s)
}

// Load reads and parses <payloadDir>/.concord/policy.json. A missing file
// is not an error: it returns (nil, nil), meaning "no policy, allow all".
func Load(payloadDir string) (*Policy, error) {
	policyPath := filepath.Join(payloadDir, ".concord", "policy.json")

	data, err := os.ReadFile(policyPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", policyPath, err)
	}

	var pol Policy
	if err := json.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", policyPath, err)
	}

	return &pol, nil
}
