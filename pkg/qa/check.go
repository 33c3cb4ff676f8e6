// Package qa runs content checks against a project's NG rules and smoke
// tests over published tracking URLs. The checker is pure; rule compilation
// errors surface as findings, never as panics.
package qa

import (
	"regexp"
	"strings"

	"github.com/yuyakodan/launch-test-system-sub002/pkg/contracts"
)

// Verdict classifies one finding.
type Verdict string

const (
	VerdictBlock Verdict = "block"
	VerdictWarn  Verdict = "warn"
)

// Finding is one rule hit on one text field.
type Finding struct {
	Field   string  `json:"field"`
	Rule    string  `json:"rule"` // banned_term, blocked_pattern, missing_disclaimer, missing_evidence, bad_rule
	Match   string  `json:"match,omitempty"`
	Verdict Verdict `json:"verdict"`
}

// Result is the outcome of one check. Passed is false when any finding
// blocks.
type Result struct {
	Passed   bool      `json:"passed"`
	Findings []Finding `json:"findings,omitempty"`
}

// Field is one named piece of candidate text.
type Field struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Check applies the project's NG rules to the candidate fields.
func Check(rules *contracts.NGRules, fields []Field) *Result {
	res := &Result{Passed: true}
	if rules == nil {
		return res
	}

	var joined strings.Builder
	for _, f := range fields {
		text := normalize(f.Text, rules.Normalize)
		joined.WriteString(text)
		joined.WriteString("\n")

		for _, term := range rules.BannedTerms {
			needle := normalize(term, rules.Normalize)
			if needle != "" && strings.Contains(text, needle) {
				res.add(Finding{Field: f.Name, Rule: "banned_term", Match: term, Verdict: VerdictBlock})
			}
		}
		for _, pattern := range rules.BlockedPatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				res.add(Finding{Field: f.Name, Rule: "bad_rule", Match: pattern, Verdict: VerdictWarn})
				continue
			}
			if m := re.FindString(text); m != "" {
				res.add(Finding{Field: f.Name, Rule: "blocked_pattern", Match: m, Verdict: VerdictBlock})
			}
		}
		for _, ce := range rules.ClaimEvidence {
			re, err := regexp.Compile(ce.ClaimPattern)
			if err != nil {
				res.add(Finding{Field: f.Name, Rule: "bad_rule", Match: ce.ClaimPattern, Verdict: VerdictWarn})
				continue
			}
			if m := re.FindString(text); m != "" {
				res.add(Finding{Field: f.Name, Rule: "missing_evidence", Match: m, Verdict: VerdictWarn})
			}
		}
	}

	// Disclaimers must appear somewhere across the submitted fields.
	all := normalize(joined.String(), rules.Normalize)
	for _, d := range rules.RequiredDisclaimers {
		if !strings.Contains(all, normalize(d, rules.Normalize)) {
			res.add(Finding{Rule: "missing_disclaimer", Match: d, Verdict: VerdictBlock})
		}
	}
	return res
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Verdict == VerdictBlock {
		r.Passed = false
	}
}

// normalize applies the project's normalisation options before matching.
func normalize(s string, opts contracts.NormalizeOpts) string {
	if opts.FoldWidth {
		s = foldWidth(s)
	}
	if opts.FoldCase {
		s = strings.ToLower(s)
	}
	if opts.StripWS {
		s = strings.Join(strings.Fields(s), " ")
	}
	return s
}

// foldWidth maps full-width ASCII and the ideographic space to their
// half-width forms.
func foldWidth(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == 0x3000:
			return ' '
		case r >= 0xFF01 && r <= 0xFF5E:
			return r - 0xFEE0
		}
		return r
	}, s)
}
