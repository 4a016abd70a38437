package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationKey is the reserved field name carrying extraction problems.
// It is always present in extracted fields, an empty list when clean.
const ValidationKey = "_validation"

// extract runs a rule's extract specs over the screen text. It never
// fails hard: unparsable or missing required fields are reported in the
// returned validation list and the rest of the fields still come back.
func extract(r *Rule, text string) (map[string]any, []string) {
	fields := make(map[string]any, len(r.Extract)+1)
	var validation []string

	groups := matchGroups(r, text)

	for i := range r.Extract {
		ex := &r.Extract[i]

		raw, found := rawValue(ex, groups, text)
		if !found || raw == "" {
			if ex.Default != "" {
				raw = ex.Default
			} else {
				if ex.Required {
					validation = append(validation, fmt.Sprintf("%s: not found", ex.Field))
				}
				continue
			}
		}

		v, err := coerce(ex.Type, raw)
		if err != nil {
			validation = append(validation, fmt.Sprintf("%s: %v", ex.Field, err))
			continue
		}
		if problems := checkConstraints(ex, v); len(problems) > 0 {
			validation = append(validation, problems...)
			continue
		}
		fields[ex.Field] = v
	}

	fields[ValidationKey] = validation
	return fields, validation
}

// matchGroups returns the named capture groups of the rule's first match.
func matchGroups(r *Rule, text string) map[string]string {
	m := r.re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	groups := make(map[string]string)
	for i, name := range r.re.SubexpNames() {
		if name != "" && i < len(m) {
			groups[name] = m[i]
		}
	}
	return groups
}

func rawValue(ex *ExtractSpec, groups map[string]string, text string) (string, bool) {
	if ex.re != nil {
		m := ex.re.FindStringSubmatch(text)
		if m == nil {
			return "", false
		}
		if len(m) > 1 {
			return m[1], true
		}
		return m[0], true
	}

	name := ex.From
	if name == "" {
		name = ex.Field
	}
	v, ok := groups[name]
	return v, ok
}

// coerce converts a raw capture to the spec's type.
func coerce(typ, raw string) (any, error) {
	raw = strings.TrimSpace(raw)

	switch typ {
	case "string":
		return raw, nil

	case "int":
		n, err := strconv.Atoi(stripSeparators(raw))
		if err != nil {
			return nil, fmt.Errorf("not an int: %q", raw)
		}
		return n, nil

	case "float":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("not a float: %q", raw)
		}
		return f, nil

	case "bool":
		switch strings.ToLower(raw) {
		case "y", "yes", "true", "1", "on":
			return true, nil
		case "n", "no", "false", "0", "off":
			return false, nil
		}
		return nil, fmt.Errorf("not a bool: %q", raw)

	case "credits":
		n, err := strconv.ParseInt(stripSeparators(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not credits: %q", raw)
		}
		return n, nil

	case "sector_id":
		n, err := strconv.Atoi(stripSeparators(raw))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("not a sector id: %q", raw)
		}
		return n, nil

	case "percent":
		n, err := strconv.Atoi(strings.TrimSuffix(raw, "%"))
		if err != nil || n < 0 || n > 100 {
			return nil, fmt.Errorf("not a percent: %q", raw)
		}
		return n, nil

	case "list":
		return splitList(raw), nil

	case "sector_list":
		parts := splitList(raw)
		out := make([]int, 0, len(parts))
		for _, p := range parts {
			n, err := strconv.Atoi(stripSeparators(p))
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("bad sector in list: %q", p)
			}
			out = append(out, n)
		}
		return out, nil
	}

	return nil, fmt.Errorf("unknown type %q", typ)
}

// checkConstraints applies a spec's optional bounds to a coerced value.
// Bounds apply to numeric types, value_pattern and allowed to anything
// with a string form.
func checkConstraints(ex *ExtractSpec, v any) []string {
	var problems []string

	if n, ok := asNumber(v); ok {
		if ex.Min != nil && n < *ex.Min {
			problems = append(problems, fmt.Sprintf("%s: value %v below min %v", ex.Field, v, formatBound(*ex.Min)))
		}
		if ex.Max != nil && n > *ex.Max {
			problems = append(problems, fmt.Sprintf("%s: value %v exceeds max %v", ex.Field, v, formatBound(*ex.Max)))
		}
	}

	if s, ok := v.(string); ok {
		if ex.valRe != nil && !ex.valRe.MatchString(s) {
			problems = append(problems, fmt.Sprintf("%s: value %q does not match %s", ex.Field, s, ex.ValuePattern))
		}
		if len(ex.Allowed) > 0 {
			ok := false
			for _, a := range ex.Allowed {
				if s == a {
					ok = true
					break
				}
			}
			if !ok {
				problems = append(problems, fmt.Sprintf("%s: value %q not in allowed set", ex.Field, s))
			}
		}
	}

	return problems
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// formatBound prints whole-number bounds without a trailing .0 so error
// text reads like the rule file.
func formatBound(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// stripSeparators drops thousands separators and unexplored-sector parens,
// e.g. "(1,234)" -> "1234".
func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ',', '(', ')':
			return -1
		}
		return r
	}, s)
}

// splitList breaks "  (287) - 564 - 981" style runs into tokens.
func splitList(s string) []string {
	f := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '\t'
	})
	out := make([]string, 0, len(f))
	for _, p := range f {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
