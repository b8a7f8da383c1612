package policy

import (
	"crypto/sha256"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed rules/default.yaml
var defaultRules []byte

// Heuristic signals computed from the token stream rather than matched by
// pattern.
const (
	SignalUnterminatedQuote = "unterminated-quote"
	SignalDynamicProgram    = "dynamic-program"
)

// RuleSet is the on-disk (YAML) form of a command policy.
type RuleSet struct {
	Version         string          `yaml:"version"`
	BlockThreshold  float64         `yaml:"block_threshold"`
	DefaultBaseline float64         `yaml:"default_baseline"`
	AIWeight        float64         `yaml:"ai_weight"`
	Wrappers        []string        `yaml:"wrappers"`
	Dangerous       []DangerousRule `yaml:"dangerous"`
	Heuristics      []Heuristic     `yaml:"heuristics"`
	Categories      []Category      `yaml:"categories"`
}

// DangerousRule blocks a command outright. It matches when Pattern matches
// the canonical or raw command text, or when any simple command runs one of
// Programs.
type DangerousRule struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Pattern     string   `yaml:"pattern"`
	Programs    []string `yaml:"programs"`
}

// Heuristic raises the risk score. Exactly one of Operators, Pattern and
// Signal is set. Operator heuristics add Weight per occurrence, up to
// MaxCount occurrences (default 1).
type Heuristic struct {
	Name      string   `yaml:"name"`
	Operators []string `yaml:"operators"`
	Pattern   string   `yaml:"pattern"`
	Signal    string   `yaml:"signal"`
	Weight    float64  `yaml:"weight"`
	MaxCount  int      `yaml:"max_count"`
}

// Category assigns a baseline risk to a family of programs.
type Category struct {
	Name     string   `yaml:"name"`
	Baseline float64  `yaml:"baseline"`
	Programs []string `yaml:"programs"`
}

// Rules is a compiled, immutable RuleSet.
type Rules struct {
	version   string
	threshold float64
	baseline  float64
	aiWeight  float64
	wrappers  map[string]bool

	dangerous  []dangerousRule
	heuristics []heuristic
	categories []category
}

type dangerousRule struct {
	name     string
	pattern  *regexp.Regexp
	programs map[string]bool
}

type heuristic struct {
	name      string
	operators map[string]bool
	pattern   *regexp.Regexp
	signal    string
	weight    float64
	maxCount  int
}

type category struct {
	name     string
	baseline float64
	programs map[string]bool
}

// Version identifies the rule set: the declared version plus a digest of
// the source, so two different files never share a version string.
func (r *Rules) Version() string { return r.version }

// Threshold is the risk at or above which commands are blocked.
func (r *Rules) Threshold() float64 { return r.threshold }

// DefaultRules compiles the embedded default rule set.
func DefaultRules() (*Rules, error) {
	return Compile(defaultRules)
}

// LoadRuleFile reads and compiles a YAML rule file.
func LoadRuleFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	r, err := Compile(data)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return r, nil
}

// Load returns the rules at path, or the embedded defaults when path is empty.
func Load(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	return LoadRuleFile(path)
}

// Compile parses and validates YAML rule source.
func Compile(data []byte) (*Rules, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("policy: parse rules: %w", err)
	}
	if rs.Version == "" {
		return nil, errors.New("policy: rules: version is required")
	}
	if rs.BlockThreshold <= 0 || rs.BlockThreshold > 1 {
		return nil, fmt.Errorf("policy: rules: block_threshold must be in (0, 1], got %g", rs.BlockThreshold)
	}

	sum := sha256.Sum256(data)
	r := &Rules{
		version:   fmt.Sprintf("%s@%x", rs.Version, sum[:6]),
		threshold: rs.BlockThreshold,
		baseline:  rs.DefaultBaseline,
		aiWeight:  rs.AIWeight,
		wrappers:  toSet(rs.Wrappers),
	}

	var errs []error
	seen := make(map[string]bool)
	checkName := func(kind, name string) {
		if name == "" {
			errs = append(errs, fmt.Errorf("%s rule without a name", kind))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate rule name %q", name))
		}
		seen[name] = true
	}

	for _, d := range rs.Dangerous {
		checkName("dangerous", d.Name)
		if d.Pattern == "" && len(d.Programs) == 0 {
			errs = append(errs, fmt.Errorf("dangerous rule %q needs a pattern or programs", d.Name))
			continue
		}
		dr := dangerousRule{name: d.Name, programs: toSet(d.Programs)}
		if d.Pattern != "" {
			re, err := regexp.Compile(d.Pattern)
			if err != nil {
				errs = append(errs, fmt.Errorf("dangerous rule %q: %w", d.Name, err))
				continue
			}
			dr.pattern = re
		}
		r.dangerous = append(r.dangerous, dr)
	}

	for _, h := range rs.Heuristics {
		checkName("heuristic", h.Name)
		set := 0
		if len(h.Operators) > 0 {
			set++
		}
		if h.Pattern != "" {
			set++
		}
		if h.Signal != "" {
			set++
		}
		if set != 1 {
			errs = append(errs, fmt.Errorf("heuristic %q must set exactly one of operators, pattern, signal", h.Name))
			continue
		}
		if h.Weight < 0 || h.Weight > 1 {
			errs = append(errs, fmt.Errorf("heuristic %q: weight must be in [0, 1], got %g", h.Name, h.Weight))
			continue
		}
		hr := heuristic{name: h.Name, signal: h.Signal, weight: h.Weight, maxCount: h.MaxCount}
		if hr.maxCount < 1 {
			hr.maxCount = 1
		}
		switch {
		case len(h.Operators) > 0:
			hr.operators = toSet(h.Operators)
		case h.Pattern != "":
			re, err := regexp.Compile(h.Pattern)
			if err != nil {
				errs = append(errs, fmt.Errorf("heuristic %q: %w", h.Name, err))
				continue
			}
			hr.pattern = re
		default:
			if h.Signal != SignalUnterminatedQuote && h.Signal != SignalDynamicProgram {
				errs = append(errs, fmt.Errorf("heuristic %q: unknown signal %q", h.Name, h.Signal))
				continue
			}
		}
		r.heuristics = append(r.heuristics, hr)
	}

	for _, c := range rs.Categories {
		if c.Baseline < 0 || c.Baseline > 1 {
			errs = append(errs, fmt.Errorf("category %q: baseline must be in [0, 1], got %g", c.Name, c.Baseline))
			continue
		}
		r.categories = append(r.categories, category{name: c.Name, baseline: c.Baseline, programs: toSet(c.Programs)})
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("policy: rules: %w", errors.Join(errs...))
	}
	return r, nil
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[s] = true
	}
	return m
}
