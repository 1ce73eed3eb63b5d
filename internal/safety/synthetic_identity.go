package safety

import "regexp"

var impersonationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)pretend (you are|to be) ([a-zA-Z0-9\s]+)`),
	regexp.MustCompile(`(?i)act as ([a-zA-Z0-9\s]+)`),
	regexp.MustCompile(`(?i)roleplay as ([a-zA-Z0-9\s]+)`),
	regexp.MustCompile(`(?i)you are now ([a-zA-Z0-9\s]+), not an AI`),
	regexp.MustCompile(`(?i)impersonate ([a-zA-Z0-9\s]+)`),
}

var jailbreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all |your |previous |prior )+instructions`),
	regexp.MustCompile(`(?i)you are (now )?(DAN|no longer bound by)`),
	regexp.MustCompile(`(?i)developer mode (enabled|activated)`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)unrestricted (mode|AI)`),
}

// highRiskEntities names the impersonation targets whose use escalates
// an impersonation finding from medium to high severity: AI model
// names, political figures, and credentialed professions that carry
// real-world trust.
var highRiskEntities = []string{
	"gpt", "claude", "gemini", "chatgpt", "openai", "anthropic",
	"the president", "the prime minister", "a senator", "a judge",
	"a doctor", "a lawyer", "a licensed therapist", "a police officer",
}

// SyntheticIdentityScreener detects impersonation and jailbreak phrasing
// in a task description or prompt.
type SyntheticIdentityScreener struct{}

func NewSyntheticIdentityScreener() *SyntheticIdentityScreener {
	return &SyntheticIdentityScreener{}
}

func (s *SyntheticIdentityScreener) Kind() Kind { return KindSyntheticIdentity }

func (s *SyntheticIdentityScreener) Screen(text string, _ string) []SafetyFinding {
	var findings []SafetyFinding

	for _, pattern := range impersonationPatterns {
		for _, loc := range pattern.FindAllStringIndex(text, -1) {
			matched := text[loc[0]:loc[1]]
			severity := SeverityMedium
			if containsHighRiskEntity(text) {
				severity = SeverityHigh
			}
			findings = append(findings, SafetyFinding{
				Kind:         KindSyntheticIdentity,
				Severity:     severity,
				Tags:         []string{"impersonation"},
				MatchedSpans: []MatchedSpan{spanFor(loc, matched)},
				Score:        severityScore(severity),
			})
		}
	}

	for _, pattern := range jailbreakPatterns {
		for _, loc := range pattern.FindAllStringIndex(text, -1) {
			matched := text[loc[0]:loc[1]]
			findings = append(findings, SafetyFinding{
				Kind:         KindSyntheticIdentity,
				Severity:     SeverityHigh,
				Tags:         []string{"jailbreak"},
				MatchedSpans: []MatchedSpan{spanFor(loc, matched)},
				Score:        severityScore(SeverityHigh),
			})
		}
	}

	return findings
}

func containsHighRiskEntity(text string) bool {
	lower := toLower(text)
	for _, entity := range highRiskEntities {
		if contains(lower, entity) {
			return true
		}
	}
	return false
}
