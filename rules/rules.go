// Package rules evaluates parsed signals against an externally configured,
// ordered rule set to classify message intent. The rule file is YAML with a
// dictionary_version tag, a defaults map and a rules list; predicates are a
// closed set of operations so evaluation stays total and testable.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Op enumerates every predicate the dictionary can express.
type Op int

const (
	OpAlways Op = iota
	OpExists
	OpNotExists
	OpEq
	OpNeq
	OpGte
	OpLte
	OpIsIn
	OpContains
	OpContainsAny
	OpContainsWordAny
)

func (o Op) String() string {
	switch o {
	case OpAlways:
		return "always"
	case OpExists:
		return "exists"
	case OpNotExists:
		return "not_exists"
	case OpEq:
		return "eq"
	case OpNeq:
		return "neq"
	case OpGte:
		return "gte"
	case OpLte:
		return "lte"
	case OpIsIn:
		return "is_in"
	case OpContains:
		return "contains"
	case OpContainsAny:
		return "contains_any"
	case OpContainsWordAny:
		return "contains_word_any"
	default:
		return "unknown"
	}
}

// Predicate is one condition against a fact field.
type Predicate struct {
	Op     Op
	Field  string
	Exists bool  // OpExists only
	Value  any   // OpEq, OpNeq, OpGte, OpLte, OpContains
	Values []any // OpIsIn, OpContainsAny, OpContainsWordAny
}

// Rule is one declarative intent classifier. A rule matches iff all when_all
// predicates hold, at least one when_any predicate holds (an omitted when_any
// defaults to always-true), and no when_not predicate holds.
type Rule struct {
	ID             string
	Intent         string
	Priority       int
	Disabled       bool
	RequireEnvTrue []string
	WhenAll        []Predicate
	WhenAny        []Predicate
	WhenNot        []Predicate
}

// IgnoreRules short-circuits processing for messages containing any of the
// listed phrases. Consulted only when the host enables the ignore gate.
type IgnoreRules struct {
	Contains []string
}

// MatchIgnore returns the first matching phrase, if any.
func (ir IgnoreRules) MatchIgnore(text string) (string, bool) {
	tlow := strings.ToLower(text)
	for _, phrase := range ir.Contains {
		p := strings.TrimSpace(phrase)
		if p == "" {
			continue
		}
		if strings.Contains(tlow, strings.ToLower(p)) {
			return phrase, true
		}
	}
	return "", false
}

// Dictionary is the loaded rule configuration. It is read-only after load.
type Dictionary struct {
	Version  string
	Defaults map[string]any
	Rules    []Rule
	Ignore   IgnoreRules
}

// Empty reports whether the dictionary carries no rules at all.
func (d Dictionary) Empty() bool { return len(d.Rules) == 0 }

type rawPredicate struct {
	Always          *bool    `yaml:"always"`
	Field           string   `yaml:"field"`
	Exists          *bool    `yaml:"exists"`
	NotExists       *bool    `yaml:"not_exists"`
	IsIn            []any    `yaml:"is_in"`
	Eq              any      `yaml:"eq"`
	Neq             any      `yaml:"neq"`
	Gte             *float64 `yaml:"gte"`
	Lte             *float64 `yaml:"lte"`
	Contains        *string  `yaml:"contains"`
	ContainsAny     []string `yaml:"contains_any"`
	ContainsWordAny []string `yaml:"contains_word_any"`
}

type rawRule struct {
	ID             string         `yaml:"id"`
	Intent         string         `yaml:"intent"`
	Priority       int            `yaml:"priority"`
	Enabled        *bool          `yaml:"enabled"`
	RequireEnvTrue []string       `yaml:"require_env_true"`
	WhenAll        []rawPredicate `yaml:"when_all"`
	WhenAny        []rawPredicate `yaml:"when_any"`
	WhenNot        []rawPredicate `yaml:"when_not"`
}

type rawDictionary struct {
	DictionaryVersion string         `yaml:"dictionary_version"`
	Defaults          map[string]any `yaml:"defaults"`
	Rules             []rawRule      `yaml:"rules"`
	IgnoreRules       struct {
		Contains []string `yaml:"contains"`
	} `yaml:"ignore_rules"`
}

// Load reads and compiles a dictionary from disk. Rules containing an
// unrecognised predicate are reported in errs and dropped; the remaining
// rules still load.
func Load(path string) (Dictionary, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dictionary{}, nil, fmt.Errorf("read dictionary %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a dictionary from raw YAML.
func Parse(data []byte) (Dictionary, []error, error) {
	var raw rawDictionary
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Dictionary{}, nil, fmt.Errorf("decode dictionary: %w", err)
	}

	d := Dictionary{
		Version:  raw.DictionaryVersion,
		Defaults: raw.Defaults,
		Ignore:   IgnoreRules{Contains: raw.IgnoreRules.Contains},
	}
	if d.Version == "" {
		d.Version = "NA"
	}

	var errs []error
	for _, rr := range raw.Rules {
		r, err := compileRule(rr)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rr.ID, err))
			continue
		}
		d.Rules = append(d.Rules, r)
	}
	return d, errs, nil
}

func compileRule(rr rawRule) (Rule, error) {
	r := Rule{
		ID:             rr.ID,
		Intent:         rr.Intent,
		Priority:       rr.Priority,
		Disabled:       rr.Enabled != nil && !*rr.Enabled,
		RequireEnvTrue: rr.RequireEnvTrue,
	}
	var err error
	if r.WhenAll, err = compilePredicates(rr.WhenAll); err != nil {
		return Rule{}, fmt.Errorf("when_all: %w", err)
	}
	if r.WhenAny, err = compilePredicates(rr.WhenAny); err != nil {
		return Rule{}, fmt.Errorf("when_any: %w", err)
	}
	if r.WhenNot, err = compilePredicates(rr.WhenNot); err != nil {
		return Rule{}, fmt.Errorf("when_not: %w", err)
	}
	return r, nil
}

func compilePredicates(raws []rawPredicate) ([]Predicate, error) {
	out := make([]Predicate, 0, len(raws))
	for i, rp := range raws {
		p, err := compilePredicate(rp)
		if err != nil {
			return nil, fmt.Errorf("predicate %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func compilePredicate(rp rawPredicate) (Predicate, error) {
	switch {
	case rp.Always != nil && *rp.Always:
		return Predicate{Op: OpAlways}, nil
	case rp.Exists != nil:
		return Predicate{Op: OpExists, Field: rp.Field, Exists: *rp.Exists}, nil
	case rp.NotExists != nil:
		return Predicate{Op: OpNotExists, Field: rp.Field}, nil
	case rp.IsIn != nil:
		return Predicate{Op: OpIsIn, Field: rp.Field, Values: rp.IsIn}, nil
	case rp.Eq != nil:
		return Predicate{Op: OpEq, Field: rp.Field, Value: rp.Eq}, nil
	case rp.Neq != nil:
		return Predicate{Op: OpNeq, Field: rp.Field, Value: rp.Neq}, nil
	case rp.Gte != nil:
		return Predicate{Op: OpGte, Field: rp.Field, Value: *rp.Gte}, nil
	case rp.Lte != nil:
		return Predicate{Op: OpLte, Field: rp.Field, Value: *rp.Lte}, nil
	case rp.Contains != nil:
		return Predicate{Op: OpContains, Field: rp.Field, Value: *rp.Contains}, nil
	case rp.ContainsAny != nil:
		return Predicate{Op: OpContainsAny, Field: rp.Field, Values: toAnySlice(rp.ContainsAny)}, nil
	case rp.ContainsWordAny != nil:
		return Predicate{Op: OpContainsWordAny, Field: rp.Field, Values: toAnySlice(rp.ContainsWordAny)}, nil
	default:
		return Predicate{}, fmt.Errorf("no recognised operation")
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

var wordRE = regexp.MustCompile(`[A-Za-z0-9+]+`)

// splitWords tokenizes for whole-word matching: lowercase alphanumeric runs,
// punctuation ignored. "Move to BE!" becomes ["move","to","be"], so "be"
// never matches inside "better".
func splitWords(s string) map[string]struct{} {
	toks := wordRE.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

// Eval applies a single predicate to the facts. Unresolvable fields evaluate
// to nil, which only OpNotExists and a false OpExists accept.
func (p Predicate) Eval(f *Facts) bool {
	if p.Op == OpAlways {
		return true
	}
	val, _ := f.Get(p.Field)

	switch p.Op {
	case OpExists:
		return (val != nil) == p.Exists
	case OpNotExists:
		return val == nil
	case OpIsIn:
		for _, want := range p.Values {
			if looseEqual(val, want) {
				return true
			}
		}
		return false
	case OpEq:
		return looseEqual(val, p.Value)
	case OpNeq:
		return !looseEqual(val, p.Value)
	case OpGte:
		a, aok := toFloat(val)
		b, bok := toFloat(p.Value)
		return aok && bok && a >= b
	case OpLte:
		a, aok := toFloat(val)
		b, bok := toFloat(p.Value)
		return aok && bok && a <= b
	case OpContains:
		return strings.Contains(toString(val), toString(p.Value))
	case OpContainsAny:
		s := toString(val)
		for _, tok := range p.Values {
			if strings.Contains(s, toString(tok)) {
				return true
			}
		}
		return false
	case OpContainsWordAny:
		words := splitWords(toString(val))
		for _, tok := range p.Values {
			if _, ok := words[strings.ToLower(toString(tok))]; ok {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Matches evaluates the full predicate tree of the rule.
func (r Rule) Matches(f *Facts) bool {
	for _, p := range r.WhenAll {
		if !p.Eval(f) {
			return false
		}
	}
	if len(r.WhenAny) > 0 {
		anyHit := false
		for _, p := range r.WhenAny {
			if p.Eval(f) {
				anyHit = true
				break
			}
		}
		if !anyHit {
			return false
		}
	}
	for _, p := range r.WhenNot {
		if p.Eval(f) {
			return false
		}
	}
	return true
}

func (r Rule) enabled() bool {
	if r.Disabled {
		return false
	}
	for _, key := range r.RequireEnvTrue {
		if !envTrue(key) {
			return false
		}
	}
	return true
}

func envTrue(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Match is the winning rule of an evaluation.
type Match struct {
	Rule Rule
}

// Evaluate returns the enabled matching rule with the numerically highest
// priority. Ties break by rule-list order (stable sort). Nil means no rule
// matched.
func Evaluate(f *Facts, d Dictionary) *Match {
	var matched []Rule
	for _, r := range d.Rules {
		if !r.enabled() {
			continue
		}
		if r.Matches(f) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	return &Match{Rule: matched[0]}
}

// Kind classifies a matched intent label.
type Kind int

const (
	KindNone Kind = iota
	KindOpen
	KindMgmt
)

// Classify maps an intent label onto its kind: labels starting with MGMT
// are management actions, the exact label OPEN is a new position, anything
// else is not actionable.
func Classify(intent string) Kind {
	switch {
	case strings.HasPrefix(intent, "MGMT"):
		return KindMgmt
	case strings.EqualFold(intent, "OPEN"):
		return KindOpen
	default:
		return KindNone
	}
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
