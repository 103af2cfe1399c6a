// Package question classifies transcribed utterances as interrogative.
package question

import (
	"strings"

	"github.com/grafana/regexp"
)

// Rule identifies which pattern classified an utterance as a question.
type Rule string

const (
	RuleQuestionMark  Rule = "question-mark"
	RuleInterrogative Rule = "interrogative"
	RuleTellMeAbout   Rule = "tell-me-about"
	RuleExplain       Rule = "explain"
	RuleDifference    Rule = "difference-between"
)

type pattern struct {
	rule Rule
	re   *regexp.Regexp
}

// Order matters only for which rule Match reports; any hit is a question.
// The interrogative pattern is a prefix match, so "Whatever" also counts.
// Rhetorical false positives are accepted.
var patterns = []pattern{
	{RuleQuestionMark, regexp.MustCompile(`\?$`)},
	{RuleInterrogative, regexp.MustCompile(`(?i)^(what|who|where|when|why|how|can|could|would|will|should|do|does|did|is|are|was|were)`)},
	{RuleTellMeAbout, regexp.MustCompile(`(?i)tell me about`)},
	{RuleExplain, regexp.MustCompile(`(?i)explain|describe|elaborate`)},
	{RuleDifference, regexp.MustCompile(`(?i)difference between`)},
}

// Match reports the first rule that classifies text as a question.
func Match(text string) (Rule, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	for _, p := range patterns {
		if p.re.MatchString(trimmed) {
			return p.rule, true
		}
	}
	return "", false
}

// IsQuestion reports whether text looks like a question.
func IsQuestion(text string) bool {
	_, ok := Match(text)
	return ok
}
