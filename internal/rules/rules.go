// Package rules implements the prompt rule pipeline: ordered regex rules
// that classify settled screens and pull typed fields out of them. Rule
// documents are TOML; a default Trade Wars 2002 set ships embedded and
// user files override it by rule name.
package rules

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BurntSushi/toml"

	"github.com/telewarp/bbsbot/internal/domain"
)

//go:embed tw2002.toml
var defaultRules []byte

// ExtractSpec describes one typed field pulled from a matched screen.
// When Pattern is empty the value comes from the named capture group From
// (defaulting to the field name) of the rule's match expression; otherwise
// Pattern runs against the whole screen text and group 1 is taken.
type ExtractSpec struct {
	Field    string `toml:"field"`
	Type     string `toml:"type"`
	From     string `toml:"from"`
	Pattern  string `toml:"pattern"`
	Required bool   `toml:"required"`
	Default  string `toml:"default"`

	// Optional constraints checked after coercion. Violations land in
	// the _validation list; the field itself is dropped.
	Min          *float64 `toml:"min"`
	Max          *float64 `toml:"max"`
	Allowed      []string `toml:"allowed"`
	ValuePattern string   `toml:"value_pattern"`

	re    *regexp.Regexp
	valRe *regexp.Regexp
}

// Rule is one ordered prompt rule.
type Rule struct {
	Name          string        `toml:"name"`
	Kind          string        `toml:"kind"`
	Match         string        `toml:"match"`
	NegativeMatch string        `toml:"negative_match"`
	CursorAtEnd   bool          `toml:"cursor_at_end"`
	Eager         bool          `toml:"eager"`
	Exclusive     bool          `toml:"exclusive"`
	Extract       []ExtractSpec `toml:"extract"`

	re    *regexp.Regexp
	negRe *regexp.Regexp
}

type ruleDoc struct {
	Version int    `toml:"version"`
	Game    string `toml:"game"`
	Replace bool   `toml:"replace"`
	Rules   []Rule `toml:"rule"`
}

// RuleSet is an ordered, compiled rule list. It is immutable after load
// and safe for concurrent use.
type RuleSet struct {
	Version int
	Game    string
	rules   []Rule
	dropped []string
}

var validTypes = map[string]bool{
	"string": true, "int": true, "float": true, "bool": true,
	"credits": true, "sector_id": true, "percent": true,
	"list": true, "sector_list": true,
}

// Default returns the embedded Trade Wars 2002 ruleset.
func Default() (*RuleSet, error) {
	return compile(defaultRules)
}

// Load returns the default ruleset overlaid with the rules from path.
// Same-name rules replace the default in place, preserving evaluation
// order; new rules append after the defaults. A document with
// replace = true discards the defaults entirely. An empty path returns
// the defaults.
func Load(path string) (*RuleSet, error) {
	base, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	over, doc, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", path, err)
	}
	if doc.Replace {
		return over, nil
	}
	return base.merge(over), nil
}

// FromTOML compiles a standalone rule set from raw TOML with no
// defaults underneath.
func FromTOML(data []byte) (*RuleSet, error) {
	return compile(data)
}

func compile(data []byte) (*RuleSet, error) {
	rs, _, err := parse(data)
	return rs, err
}

// parse compiles a rule document. A rule that fails to compile is dropped
// with a diagnostic rather than rejecting the document; only a structural
// TOML error fails the load.
func parse(data []byte) (*RuleSet, *ruleDoc, error) {
	var doc ruleDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: decode: %v", domain.ErrRuleInvalid, err)
	}

	var kept []Rule
	var dropped []string
	seen := make(map[string]bool, len(doc.Rules))
	for i := range doc.Rules {
		r := &doc.Rules[i]
		problems := compileRule(r, i, seen)
		if len(problems) > 0 {
			dropped = append(dropped, problems...)
			slog.Warn("rule dropped",
				slog.String("rule", r.Name),
				slog.String("problems", strings.Join(problems, "; ")))
			continue
		}
		kept = append(kept, *r)
	}

	return &RuleSet{Version: doc.Version, Game: doc.Game, rules: kept, dropped: dropped}, &doc, nil
}

// compileRule validates and compiles one rule in place, returning every
// problem found. Any problem disqualifies the rule.
func compileRule(r *Rule, i int, seen map[string]bool) []string {
	var problems []string
	if r.Name == "" {
		return []string{fmt.Sprintf("rule %d: missing name", i)}
	}
	if seen[r.Name] {
		problems = append(problems, fmt.Sprintf("rule %q: duplicate name", r.Name))
	}
	seen[r.Name] = true

	if r.Kind == "" {
		problems = append(problems, fmt.Sprintf("rule %q: missing kind", r.Name))
	}
	if r.Match == "" {
		problems = append(problems, fmt.Sprintf("rule %q: missing match", r.Name))
	} else {
		re, err := regexp.Compile(r.Match)
		if err != nil {
			problems = append(problems, fmt.Sprintf("rule %q: match: %v", r.Name, err))
		} else {
			r.re = re
		}
	}
	if r.NegativeMatch != "" {
		re, err := regexp.Compile(r.NegativeMatch)
		if err != nil {
			problems = append(problems, fmt.Sprintf("rule %q: negative_match: %v", r.Name, err))
		} else {
			r.negRe = re
		}
	}

	for j := range r.Extract {
		ex := &r.Extract[j]
		if ex.Field == "" {
			problems = append(problems, fmt.Sprintf("rule %q: extract %d: missing field", r.Name, j))
			continue
		}
		if ex.Type == "" {
			ex.Type = "string"
		}
		if !validTypes[ex.Type] {
			problems = append(problems, fmt.Sprintf("rule %q: extract %q: unknown type %q", r.Name, ex.Field, ex.Type))
		}
		if ex.Pattern != "" {
			re, err := regexp.Compile(ex.Pattern)
			if err != nil {
				problems = append(problems, fmt.Sprintf("rule %q: extract %q: pattern: %v", r.Name, ex.Field, err))
			} else {
				ex.re = re
			}
		}
		if ex.ValuePattern != "" {
			re, err := regexp.Compile(ex.ValuePattern)
			if err != nil {
				problems = append(problems, fmt.Sprintf("rule %q: extract %q: value_pattern: %v", r.Name, ex.Field, err))
			} else {
				ex.valRe = re
			}
		}
		if ex.Min != nil && ex.Max != nil && *ex.Min > *ex.Max {
			problems = append(problems, fmt.Sprintf("rule %q: extract %q: min %v above max %v", r.Name, ex.Field, *ex.Min, *ex.Max))
		}
	}
	return problems
}

// Dropped returns the diagnostics for rules discarded during load, in
// document order. Empty for a clean document.
func (rs *RuleSet) Dropped() []string {
	return append([]string(nil), rs.dropped...)
}

// merge overlays over onto rs by name.
func (rs *RuleSet) merge(over *RuleSet) *RuleSet {
	out := &RuleSet{Version: rs.Version, Game: rs.Game, dropped: append(rs.Dropped(), over.dropped...)}
	if over.Version > 0 {
		out.Version = over.Version
	}

	index := make(map[string]int, len(rs.rules))
	out.rules = append(out.rules, rs.rules...)
	for i, r := range out.rules {
		index[r.Name] = i
	}
	for _, r := range over.rules {
		if i, ok := index[r.Name]; ok {
			out.rules[i] = r
			continue
		}
		out.rules = append(out.rules, r)
	}
	return out
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Names returns rule names in evaluation order.
func (rs *RuleSet) Names() []string {
	names := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		names[i] = r.Name
	}
	return names
}

// Match evaluates the rules top-down against a settled screen. The first
// match wins; when more than one rule marked exclusive matches the same
// screen, Match fails with ErrPromptAmbiguous.
func (rs *RuleSet) Match(s domain.Screen) (*domain.PromptHit, error) {
	text := s.Text()

	var (
		winner    *Rule
		winnerLoc []int
		exclusive []string
	)
	for i := range rs.rules {
		r := &rs.rules[i]
		loc := r.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if r.negRe != nil && r.negRe.MatchString(text) {
			continue
		}
		if r.CursorAtEnd && !cursorAtEnd(s) {
			continue
		}
		if r.Exclusive {
			exclusive = append(exclusive, r.Name)
		}
		if winner == nil {
			winner = r
			winnerLoc = loc
		}
	}

	if len(exclusive) > 1 {
		return nil, fmt.Errorf("rules: %w: %s", domain.ErrPromptAmbiguous, strings.Join(exclusive, ", "))
	}
	if winner == nil {
		return nil, nil
	}

	row := strings.Count(text[:winnerLoc[0]], "\n")
	fields, validation := extract(winner, text)

	return &domain.PromptHit{
		Rule:       winner.Name,
		Kind:       winner.Kind,
		Line:       s.Line(row),
		Row:        row,
		Fields:     fields,
		Validation: validation,
		ScreenHash: s.Hash,
		At:         time.Now(),
	}, nil
}

// MatchAll returns every rule that matches the screen, in evaluation
// order, each with its own extraction. The first entry is what Match
// would have returned. Screens often satisfy several rules at once, a
// sector display with the command prompt under it being the common case,
// and the runtime wants both.
func (rs *RuleSet) MatchAll(s domain.Screen) []*domain.PromptHit {
	text := s.Text()
	now := time.Now()

	var hits []*domain.PromptHit
	for i := range rs.rules {
		r := &rs.rules[i]
		loc := r.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if r.negRe != nil && r.negRe.MatchString(text) {
			continue
		}
		if r.CursorAtEnd && !cursorAtEnd(s) {
			continue
		}
		row := strings.Count(text[:loc[0]], "\n")
		fields, validation := extract(r, text)
		hits = append(hits, &domain.PromptHit{
			Rule:       r.Name,
			Kind:       r.Kind,
			Line:       s.Line(row),
			Row:        row,
			Fields:     fields,
			Validation: validation,
			ScreenHash: s.Hash,
			At:         now,
		})
	}
	return hits
}

// HasEagerMatch reports whether any eager rule matches, letting the
// session settle before the idle threshold.
func (rs *RuleSet) HasEagerMatch(s domain.Screen) bool {
	text := s.Text()
	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.Eager {
			continue
		}
		if !r.re.MatchString(text) {
			continue
		}
		if r.negRe != nil && r.negRe.MatchString(text) {
			continue
		}
		if r.CursorAtEnd && !cursorAtEnd(s) {
			continue
		}
		return true
	}
	return false
}

// cursorAtEnd reports whether the cursor rests at (or past) the end of
// the bottom-most non-empty line, the classic "waiting for input" shape.
func cursorAtEnd(s domain.Screen) bool {
	line, row := s.LastNonEmpty()
	if row < 0 {
		return false
	}
	return s.Cursor.Row == row && s.Cursor.Col >= utf8.RuneCountInString(strings.TrimRight(line, " "))
}
