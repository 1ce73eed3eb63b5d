package safety

import "regexp"

// domain is one of the five sensitive subject areas this screener
// watches for; each has its own fixed sensitivity weight and threshold.
type domain string

const (
	domainMedical      domain = "medical"
	domainLegal        domain = "legal"
	domainFinancial    domain = "financial"
	domainMentalHealth domain = "mental_health"
	domainPolitical    domain = "political"
)

// domainSensitivity is the fixed per-domain score assigned to every
// pattern match within that domain, regardless of which specific
// pattern matched. The score is not accumulated across matches; a
// domain's observed sensitivity is the max across its matches.
var domainSensitivity = map[domain]float64{
	domainMedical:      0.8,
	domainLegal:        0.8,
	domainFinancial:    0.8,
	domainMentalHealth: 0.9,
	domainPolitical:    0.7,
}

// domainThresholds gate whether a domain's max observed sensitivity is
// significant enough to surface as a finding.
var domainThresholds = map[domain]float64{
	domainMedical:      0.7,
	domainLegal:        0.7,
	domainFinancial:    0.7,
	domainMentalHealth: 0.8,
	domainPolitical:    0.6,
}

// domainReviewRequirements names the reviewer roles a rerun must include
// when a domain is flagged. mental_health and political additionally
// require PESSIMIST, since misinformation in those domains compounds
// faster than in medical/legal/financial contexts; political also
// requires SAGE.
var domainReviewRequirements = map[domain][]string{
	domainMedical:      {"RESEARCHER", "CEO"},
	domainLegal:        {"RESEARCHER", "CEO"},
	domainFinancial:    {"RESEARCHER", "CEO"},
	domainMentalHealth: {"RESEARCHER", "CEO", "PESSIMIST"},
	domainPolitical:    {"RESEARCHER", "CEO", "PESSIMIST", "SAGE"},
}

var domainPatterns = map[domain][]*regexp.Regexp{
	domainMedical: {
		regexp.MustCompile(`(?i)diagnos(e|is|ed)`),
		regexp.MustCompile(`(?i)prescri(be|ption)`),
		regexp.MustCompile(`(?i)(symptoms?|treatment) for`),
		regexp.MustCompile(`(?i)medical (advice|condition)`),
		regexp.MustCompile(`(?i)dosage`),
	},
	domainLegal: {
		regexp.MustCompile(`(?i)legal advice`),
		regexp.MustCompile(`(?i)sue (someone|them|my)`),
		regexp.MustCompile(`(?i)file a lawsuit`),
		regexp.MustCompile(`(?i)contract (breach|dispute)`),
		regexp.MustCompile(`(?i)criminal (charge|liability)`),
	},
	domainFinancial: {
		regexp.MustCompile(`(?i)investment advice`),
		regexp.MustCompile(`(?i)should i (invest|buy stock)`),
		regexp.MustCompile(`(?i)tax (evasion|fraud)`),
		regexp.MustCompile(`(?i)financial (advisor|planning)`),
		regexp.MustCompile(`(?i)retirement (savings|portfolio)`),
	},
	domainMentalHealth: {
		regexp.MustCompile(`(?i)suicidal`),
		regexp.MustCompile(`(?i)self[\s-]harm`),
		regexp.MustCompile(`(?i)want to (die|end it)`),
		regexp.MustCompile(`(?i)depress(ed|ion) (treatment|help)`),
		regexp.MustCompile(`(?i)therapy (session|advice)`),
	},
	domainPolitical: {
		regexp.MustCompile(`(?i)(vote|voting) for`),
		regexp.MustCompile(`(?i)election (fraud|rigged)`),
		regexp.MustCompile(`(?i)political (campaign|candidate)`),
		regexp.MustCompile(`(?i)which party should`),
		regexp.MustCompile(`(?i)government (policy|conspiracy)`),
	},
}

var domainOrder = []domain{domainMedical, domainLegal, domainFinancial, domainMentalHealth, domainPolitical}

// DomainSensitivityScreener flags text that touches medical, legal,
// financial, mental-health, or political subject matter closely enough
// that it warrants specialist review before a worker acts on it.
type DomainSensitivityScreener struct{}

func NewDomainSensitivityScreener() *DomainSensitivityScreener {
	return &DomainSensitivityScreener{}
}

func (s *DomainSensitivityScreener) Kind() Kind { return KindDomainSensitivity }

func (s *DomainSensitivityScreener) Screen(text string, _ string) []SafetyFinding {
	var findings []SafetyFinding

	for _, d := range domainOrder {
		var spans []MatchedSpan
		for _, pattern := range domainPatterns[d] {
			for _, loc := range pattern.FindAllStringIndex(text, -1) {
				spans = append(spans, spanFor(loc, text[loc[0]:loc[1]]))
			}
		}
		if len(spans) == 0 {
			continue
		}

		score := domainSensitivity[d]
		if score < domainThresholds[d] {
			continue
		}

		severity := SeverityMedium
		if score >= 0.8 {
			severity = SeverityHigh
		}

		findings = append(findings, SafetyFinding{
			Kind:         KindDomainSensitivity,
			Severity:     severity,
			Tags:         []string{string(d)},
			MatchedSpans: spans,
			Score:        score,
		})
	}

	return findings
}

// RequiredReviewersForDomains returns the reviewer roles a rerun must include for
// the given set of flagged domain tags.
func RequiredReviewersForDomains(tags []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tag := range tags {
		for _, reviewer := range domainReviewRequirements[domain(tag)] {
			if !seen[reviewer] {
				seen[reviewer] = true
				out = append(out, reviewer)
			}
		}
	}
	return out
}
