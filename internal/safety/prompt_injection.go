package safety

import "regexp"

var instructionOverridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (your |all |previous |prior )+(instructions|guidelines|rules|constraints)`),
	regexp.MustCompile(`(?i)disregard (your |all |previous |prior )+(instructions|guidelines|rules|constraints)`),
	regexp.MustCompile(`(?i)forget (your |all |previous |prior )+(instructions|guidelines|rules|constraints)`),
	regexp.MustCompile(`(?i)don't (follow|adhere to|obey) (your|the|these) (instructions|guidelines|rules|constraints)`),
	regexp.MustCompile(`(?i)bypass (your|the|these) (instructions|guidelines|rules|constraints)`),
}

var roleEscalationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)you are now (in|operating in) (developer|debug|test|admin|root|sudo) mode`),
	regexp.MustCompile(`(?i)enter (developer|debug|test|admin|root|sudo) mode`),
	regexp.MustCompile(`(?i)switch to (developer|debug|test|admin|root|sudo) mode`),
	regexp.MustCompile(`(?i)activate (developer|debug|test|admin|root|sudo) mode`),
	regexp.MustCompile(`(?i)use (developer|debug|test|admin|root|sudo) (access|privileges|permissions)`),
}

var delimiterExploitationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<(system|user|assistant)>`),
	regexp.MustCompile(`(?i)\[(system|user|assistant)\]`),
	regexp.MustCompile(`(?i)System: `),
	regexp.MustCompile(`(?i)User: `),
	regexp.MustCompile(`(?i)Assistant: `),
	regexp.MustCompile("(?i)```(system|user|assistant)"),
	regexp.MustCompile(`(?i)#\s*(system|user|assistant)`),
}

var promptLeakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)repeat (this|the following|everything) (verbatim|exactly|precisely|word for word)`),
	regexp.MustCompile(`(?i)repeat after me`),
	regexp.MustCompile(`(?i)echo (this|the following|everything) (back|to me)`),
	regexp.MustCompile(`(?i)print (this|the following|everything) (exactly|precisely|verbatim)`),
	regexp.MustCompile(`(?i)copy (this|the following|everything) (exactly|precisely|verbatim)`),
}

// PromptInjectionScreener detects attempts to override instructions,
// escalate to a privileged mode, exploit chat-template delimiters, or
// coax the system prompt out verbatim.
type PromptInjectionScreener struct{}

func NewPromptInjectionScreener() *PromptInjectionScreener {
	return &PromptInjectionScreener{}
}

func (s *PromptInjectionScreener) Kind() Kind { return KindPromptInjection }

func scanTagged(text string, patterns []*regexp.Regexp, kind Kind, tag string, severity Severity) []SafetyFinding {
	var findings []SafetyFinding
	for _, pattern := range patterns {
		for _, loc := range pattern.FindAllStringIndex(text, -1) {
			findings = append(findings, SafetyFinding{
				Kind:         kind,
				Severity:     severity,
				Tags:         []string{tag},
				MatchedSpans: []MatchedSpan{spanFor(loc, text[loc[0]:loc[1]])},
				Score:        severityScore(severity),
			})
		}
	}
	return findings
}

func (s *PromptInjectionScreener) Screen(text string, _ string) []SafetyFinding {
	var findings []SafetyFinding
	findings = append(findings, scanTagged(text, instructionOverridePatterns, KindPromptInjection, "instruction_override", SeverityHigh)...)
	findings = append(findings, scanTagged(text, roleEscalationPatterns, KindPromptInjection, "role_escalation", SeverityHigh)...)
	findings = append(findings, scanTagged(text, delimiterExploitationPatterns, KindPromptInjection, "delimiter_exploitation", SeverityMedium)...)
	findings = append(findings, scanTagged(text, promptLeakPatterns, KindPromptInjection, "prompt_leak", SeverityMedium)...)
	return findings
}
