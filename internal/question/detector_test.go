package question

import "testing"

func TestIsQuestion(t *testing.T) {
	cases := []struct {
		text string
		want bool
		rule Rule
	}{
		{"Is this working?", true, RuleQuestionMark},
		{"  you said what?   ", true, RuleQuestionMark},
		{"WHAT is this", true, RuleInterrogative},
		{"how would you scale it", true, RuleInterrogative},
		{"were you there", true, RuleInterrogative},
		{"Please tell me about your last project", true, RuleTellMeAbout},
		{"I want you to explain closures", true, RuleExplain},
		{"could", true, RuleInterrogative},
		{"Walk me through it and DESCRIBE the design", true, RuleExplain},
		{"so the difference between TCP and UDP", true, RuleDifference},
		{"The weather is nice today.", false, ""},
		{"I think we are done", false, ""},
		{"", false, ""},
		{"   ", false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			rule, ok := Match(tc.text)
			if ok != tc.want {
				t.Fatalf("Match(%q) = %v, want %v", tc.text, ok, tc.want)
			}
			if rule != tc.rule {
				t.Fatalf("Match(%q) rule = %q, want %q", tc.text, rule, tc.rule)
			}
			if IsQuestion(tc.text) != tc.want {
				t.Fatalf("IsQuestion(%q) disagrees with Match", tc.text)
			}
		})
	}
}

func TestIsQuestionDeterministic(t *testing.T) {
	inputs := []string{"why not", "The weather is nice today.", "explain?", "Whatever works"}
	for _, in := range inputs {
		first := IsQuestion(in)
		for i := 0; i < 5; i++ {
			if IsQuestion(in) != first {
				t.Fatalf("IsQuestion(%q) changed between calls", in)
			}
		}
	}
}

func TestInterrogativeIsPrefixMatch(t *testing.T) {
	// Prefix match without a word boundary, same as the panel has always behaved.
	if !IsQuestion("Whatever works for you.") {
		t.Fatal("expected prefix match to classify as question")
	}
	if IsQuestion("Sure, what a day.") {
		t.Fatal("interrogative word mid-sentence must not match")
	}
}
