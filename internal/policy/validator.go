// Package policy decides whether a shell command may run.
//
// A Validator evaluates a command against a compiled rule set in three
// stages: dangerous rules (block, risk 1.0), heuristics that add risk, and a
// per-category baseline. Validation is pure: it never writes to the audit log
// or touches shared state, so the same command can be revalidated freely and
// always yields the same verdict for a given policy version.
package policy

import (
	"errors"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
)

// ErrEmptyCommand is returned for a zero-length command.
var ErrEmptyCommand = errors.New("policy: empty command")

// Decision is the outcome of validation.
type Decision string

const (
	Allow Decision = "allow"
	Block Decision = "block"
)

// Verdict reasons.
const (
	ReasonAllowed       = "allowed"
	ReasonDangerous     = "dangerous-pattern"
	ReasonRiskThreshold = "risk-threshold"
	ReasonRateLimited   = "rate-limited"
)

// RuleControlInput names the verdict for writes that carry only control
// bytes (Ctrl-C, arrow keys, Enter).
const RuleControlInput = "control-input"

// RuleNestingLimit blocks command lines nested deeper than maxNesting shells.
const RuleNestingLimit = "nesting-limit"

const maxNesting = 4

// Verdict is the immutable result of validating one command.
type Verdict struct {
	Decision      Decision `json:"verdict"`
	Risk          float64  `json:"risk"`
	Rule          string   `json:"rule,omitempty"`
	Reason        string   `json:"reason"`
	Detail        string   `json:"detail,omitempty"`
	Category      string   `json:"category,omitempty"`
	PolicyVersion string   `json:"policyVersion"`
}

// Allowed reports whether the command may run.
func (v Verdict) Allowed() bool { return v.Decision == Allow }

// Context is the caller-supplied context of a command.
type Context struct {
	SessionID   string
	ClientID    string
	AIGenerated bool
}

// Validator evaluates commands against the current rule set. The rule set
// can be replaced at runtime with Swap; in-flight validations finish against
// the rules they started with.
type Validator struct {
	rules     atomic.Pointer[Rules]
	threshold float64
}

// NewValidator returns a Validator using rules. A threshold > 0 overrides the
// rule set's block_threshold.
func NewValidator(rules *Rules, threshold float64) *Validator {
	v := &Validator{threshold: threshold}
	v.rules.Store(rules)
	return v
}

// Swap installs a new rule set and returns the previous one.
func (v *Validator) Swap(rules *Rules) *Rules {
	return v.rules.Swap(rules)
}

// Version returns the version of the active rule set.
func (v *Validator) Version() string {
	return v.rules.Load().Version()
}

// Threshold returns the effective block threshold.
func (v *Validator) Threshold() float64 {
	if v.threshold > 0 {
		return v.threshold
	}
	return v.rules.Load().Threshold()
}

var escapeSeq = regexp.MustCompile(`\x1b(\[[0-9;?]*[ -/]*[@-~]|O[A-Z]|[@-Z\\-_])`)

// Validate classifies command.
func (v *Validator) Validate(command string, c Context) (Verdict, error) {
	if command == "" {
		return Verdict{}, ErrEmptyCommand
	}
	rules := v.rules.Load()
	threshold := v.threshold
	if threshold <= 0 {
		threshold = rules.threshold
	}

	if controlOnly(command) {
		return Verdict{
			Decision:      Allow,
			Rule:          RuleControlInput,
			Reason:        ReasonAllowed,
			PolicyVersion: rules.version,
		}, nil
	}

	risk, cat, hits, stop := assess(rules, strings.TrimRight(command, "\r\n"), 0)
	if stop != nil {
		return *stop, nil
	}
	if c.AIGenerated && rules.aiWeight > 0 {
		risk += rules.aiWeight
		hits = append(hits, "ai-generated")
	}

	verdict := Verdict{
		Decision:      Allow,
		Risk:          roundRisk(risk),
		Rule:          cat,
		Reason:        ReasonAllowed,
		Category:      cat,
		PolicyVersion: rules.version,
	}
	if verdict.Rule == "" {
		verdict.Rule = "default"
	}
	if len(hits) > 0 {
		sort.Strings(hits)
		verdict.Detail = strings.Join(slices.Compact(hits), ",")
	}
	if verdict.Risk >= threshold {
		verdict.Decision = Block
		verdict.Reason = ReasonRiskThreshold
	}
	return verdict, nil
}

// assess scores one command line. Lines handed to a nested shell (sh -c,
// eval) are assessed too and the highest risk wins. A non-nil stop is a
// dangerous-pattern block.
func assess(rules *Rules, line string, depth int) (risk float64, cat string, hits []string, stop *Verdict) {
	if depth > maxNesting {
		v := blocked(rules, RuleNestingLimit, "depth")
		return 0, "", nil, &v
	}
	tokens, complete := Tokenize(line)
	canonical := Canonical(tokens)
	raw := strings.Join(strings.Fields(line), " ")
	programs := Programs(tokens, rules.wrappers)

	for _, d := range rules.dangerous {
		if d.pattern != nil && (d.pattern.MatchString(canonical) || d.pattern.MatchString(raw)) {
			v := blocked(rules, d.name, "pattern")
			return 0, "", nil, &v
		}
		for _, p := range programs {
			if d.programs[p] {
				v := blocked(rules, d.name, p)
				return 0, "", nil, &v
			}
		}
	}

	// Each program scores its highest category baseline, or the default
	// baseline when it is in none; the line scores its riskiest program.
	if len(programs) == 0 {
		risk = rules.baseline
	}
	for i, p := range programs {
		pr, pc := rules.baseline, ""
		for _, cg := range rules.categories {
			if cg.programs[p] && (pc == "" || cg.baseline > pr) {
				pr, pc = cg.baseline, cg.name
			}
		}
		if i == 0 || pr > risk {
			risk, cat = pr, pc
		}
	}

	for _, h := range rules.heuristics {
		n := 0
		switch {
		case h.operators != nil:
			for _, t := range tokens {
				if t.Kind == TokOperator && h.operators[t.Text] {
					n++
				}
			}
		case h.pattern != nil:
			if h.pattern.MatchString(canonical) || h.pattern.MatchString(raw) {
				n = 1
			}
		case h.signal == SignalUnterminatedQuote:
			if !complete {
				n = 1
			}
		case h.signal == SignalDynamicProgram:
			if dynamicProgram(tokens) {
				n = 1
			}
		}
		if n == 0 {
			continue
		}
		if n > h.maxCount {
			n = h.maxCount
		}
		risk += h.weight * float64(n)
		hits = append(hits, h.name)
	}

	for _, nested := range NestedLines(tokens, rules.wrappers) {
		nr, nc, nh, ns := assess(rules, nested, depth+1)
		if ns != nil {
			return 0, "", nil, ns
		}
		if nr > risk {
			risk, cat = nr, nc
		}
		hits = append(hits, nh...)
	}
	return risk, cat, hits, nil
}

func blocked(rules *Rules, name, match string) Verdict {
	return Verdict{
		Decision:      Block,
		Risk:          1.0,
		Rule:          name,
		Reason:        ReasonDangerous,
		Detail:        "matched " + match,
		PolicyVersion: rules.version,
	}
}

// controlOnly reports whether s carries no printable command text once
// terminal escape sequences are removed.
func controlOnly(s string) bool {
	s = escapeSeq.ReplaceAllString(s, "")
	for _, r := range s {
		if !unicode.IsControl(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// dynamicProgram reports whether any simple command takes its program name
// from a variable or a command substitution.
func dynamicProgram(tokens []Token) bool {
	atStart := true
	for _, t := range tokens {
		if t.Kind == TokOperator {
			switch {
			case atStart && (t.Text == OpSubst || t.Text == OpBacktick):
				return true
			case t.Text == OpClose:
				atStart = false
			case isSegmentBoundary(t.Text):
				atStart = true
			}
			continue
		}
		if !atStart || t.Text == "" || isAssignment(t.Text) {
			continue
		}
		if strings.HasPrefix(t.Text, "$") {
			return true
		}
		atStart = false
	}
	return false
}

func roundRisk(r float64) float64 {
	r = math.Max(0, math.Min(1, r))
	return math.Round(r*1000) / 1000
}
