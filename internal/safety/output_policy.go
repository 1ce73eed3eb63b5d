package safety

import "regexp"

type policyCategory string

const (
	policyHarmful        policyCategory = "harmful"
	policyInappropriate  policyCategory = "inappropriate"
	policyMisinformation policyCategory = "misinformation"
	policyMaliciousCode  policyCategory = "malicious_code"
	policyPlagiarism     policyCategory = "plagiarism"
)

// riskThreshold pairs the warn and block cutoffs for one output-policy
// category; a category's score below warn is allowed, at or above warn
// but below block is a warning, at or above block is a block.
type riskThreshold struct {
	warn  float64
	block float64
}

var policyThresholds = map[policyCategory]riskThreshold{
	policyHarmful:        {warn: 0.5, block: 0.8},
	policyInappropriate:  {warn: 0.6, block: 0.85},
	policyMisinformation: {warn: 0.7, block: 0.9},
	policyMaliciousCode:  {warn: 0.4, block: 0.7},
	policyPlagiarism:     {warn: 0.8, block: 0.95},
}

// policyCategoryOrder fixes the precedence used when more than one
// category is implicated: the first one at or above its block threshold
// determines the reported violation_type.
var policyCategoryOrder = []policyCategory{
	policyHarmful, policyInappropriate, policyMisinformation, policyMaliciousCode, policyPlagiarism,
}

type blocklistEntry struct {
	pattern *regexp.Regexp
	risk    float64
}

var policyBlocklists = map[policyCategory][]blocklistEntry{
	policyHarmful: {
		{regexp.MustCompile(`(?i)how to (make|build|create) (a )?(bomb|explosive|weapon)`), 0.95},
		{regexp.MustCompile(`(?i)instructions for (self[\s-]harm|suicide)`), 0.95},
		{regexp.MustCompile(`(?i)how to (hurt|harm|kill) (someone|yourself|a person)`), 0.9},
		{regexp.MustCompile(`(?i)synthesize (a )?(poison|toxin|nerve agent)`), 0.9},
	},
	policyInappropriate: {
		{regexp.MustCompile(`(?i)sexually explicit`), 0.7},
		{regexp.MustCompile(`(?i)graphic (violence|gore)`), 0.65},
		{regexp.MustCompile(`(?i)hate speech`), 0.75},
	},
	policyMisinformation: {
		{regexp.MustCompile(`(?i)proven fact that (the earth is flat|vaccines cause autism)`), 0.9},
		{regexp.MustCompile(`(?i)scientifically proven conspiracy`), 0.8},
		{regexp.MustCompile(`(?i)fabricated (statistic|study|quote)`), 0.75},
	},
	policyMaliciousCode: {
		{regexp.MustCompile(`(?i)ransomware (payload|script)`), 0.9},
		{regexp.MustCompile(`(?i)keylogger (implementation|source)`), 0.85},
		{regexp.MustCompile(`(?i)sql injection (payload|exploit)`), 0.75},
		{regexp.MustCompile(`(?i)(ddos|botnet) (attack|script)`), 0.85},
	},
	policyPlagiarism: {
		{regexp.MustCompile(`(?i)submit (this|it) as (your|my) own (work|essay)`), 0.85},
		{regexp.MustCompile(`(?i)without (attribution|citation|crediting)`), 0.7},
	},
}

// codeSafetyPatterns flags unsafe constructs per language, independent of
// the blocklist phrase matching above: these look at code shape, not
// prose, so they run against output regardless of which category phrases
// appear in it.
type codeSafetyPattern struct {
	pattern     *regexp.Regexp
	risk        float64
	description string
}

var codeSafetyPatterns = map[string][]codeSafetyPattern{
	"javascript": {
		{regexp.MustCompile(`eval\s*\(`), 0.7, "dynamic eval of untrusted input"},
		{regexp.MustCompile(`document\.write\s*\(`), 0.5, "unescaped DOM write"},
		{regexp.MustCompile(`child_process`), 0.6, "shells out to the OS"},
	},
	"python": {
		{regexp.MustCompile(`\beval\s*\(`), 0.7, "dynamic eval of untrusted input"},
		{regexp.MustCompile(`\bexec\s*\(`), 0.75, "dynamic exec of untrusted input"},
		{regexp.MustCompile(`os\.system\s*\(`), 0.6, "shells out to the OS"},
		{regexp.MustCompile(`pickle\.loads?\s*\(`), 0.65, "unsafe deserialization"},
	},
	"sql": {
		{regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`), 0.8, "destructive schema change"},
		{regexp.MustCompile(`(?i)\bOR\s+1\s*=\s*1\b`), 0.75, "classic injection tautology"},
		{regexp.MustCompile(`(?i)--\s*$`), 0.4, "trailing comment truncation"},
	},
}

// OutputPolicyScreener enforces per-category risk thresholds on worker
// output: harmful content, inappropriate content, misinformation,
// malicious code, and plagiarism, each with its own warn/block cutoff.
type OutputPolicyScreener struct{}

func NewOutputPolicyScreener() *OutputPolicyScreener {
	return &OutputPolicyScreener{}
}

func (s *OutputPolicyScreener) Kind() Kind { return KindOutputPolicy }

func (s *OutputPolicyScreener) Screen(text string, _ string) []SafetyFinding {
	var findings []SafetyFinding

	for _, category := range policyCategoryOrder {
		best := 0.0
		var spans []MatchedSpan
		for _, entry := range policyBlocklists[category] {
			for _, loc := range entry.pattern.FindAllStringIndex(text, -1) {
				spans = append(spans, spanFor(loc, text[loc[0]:loc[1]]))
				if entry.risk > best {
					best = entry.risk
				}
			}
		}
		if len(spans) == 0 {
			continue
		}

		thresh := policyThresholds[category]
		severity := SeverityLow
		switch {
		case best >= thresh.block:
			severity = SeverityHigh
		case best >= thresh.warn:
			severity = SeverityMedium
		}

		findings = append(findings, SafetyFinding{
			Kind:         KindOutputPolicy,
			Severity:     severity,
			Tags:         []string{string(category)},
			MatchedSpans: spans,
			Score:        best,
		})
	}

	findings = append(findings, s.scanCode(text)...)
	return findings
}

func (s *OutputPolicyScreener) scanCode(text string) []SafetyFinding {
	var findings []SafetyFinding
	for lang, patterns := range codeSafetyPatterns {
		for _, cp := range patterns {
			for _, loc := range cp.pattern.FindAllStringIndex(text, -1) {
				thresh := policyThresholds[policyMaliciousCode]
				severity := SeverityLow
				switch {
				case cp.risk >= thresh.block:
					severity = SeverityHigh
				case cp.risk >= thresh.warn:
					severity = SeverityMedium
				}
				findings = append(findings, SafetyFinding{
					Kind:         KindOutputPolicy,
					Severity:     severity,
					Tags:         []string{string(policyMaliciousCode), lang, cp.description},
					MatchedSpans: []MatchedSpan{spanFor(loc, text[loc[0]:loc[1]])},
					Score:        cp.risk,
				})
			}
		}
	}
	return findings
}

// Verdict resolves a set of OutputPolicyScreener findings into an
// action: block if any category crossed its block threshold (checked in
// policyCategoryOrder so the reported category is deterministic), warn
// if any crossed its warn threshold but none blocked, allow otherwise.
func (s *OutputPolicyScreener) Verdict(findings []SafetyFinding) (action Action, category policyCategory) {
	byCategory := make(map[policyCategory]float64)
	for _, f := range findings {
		if len(f.Tags) == 0 {
			continue
		}
		c := policyCategory(f.Tags[0])
		if f.Score > byCategory[c] {
			byCategory[c] = f.Score
		}
	}

	for _, c := range policyCategoryOrder {
		if score, ok := byCategory[c]; ok && score >= policyThresholds[c].block {
			return ActionBlock, c
		}
	}
	for _, c := range policyCategoryOrder {
		if score, ok := byCategory[c]; ok && score >= policyThresholds[c].warn {
			return ActionWarn, c
		}
	}
	return ActionAllow, ""
}

// Rewrite appends a category-appropriate disclaimer to text, using a
// code comment for code categories matched with a known language tag,
// and a plain-text note otherwise.
func Rewrite(text string, findings []SafetyFinding) string {
	lang := ""
	for _, f := range findings {
		for _, tag := range f.Tags {
			if _, ok := codeSafetyPatterns[tag]; ok {
				lang = tag
			}
		}
	}

	disclaimer := "\n\n[Note: this output was flagged for review and may require verification before use.]"
	if lang != "" {
		disclaimer = "\n" + codeCommentDisclaimer(lang)
	}
	return text + disclaimer
}

func codeCommentDisclaimer(lang string) string {
	note := "review before use: flagged by automated safety checks"
	switch lang {
	case "python":
		return "# " + note
	case "sql":
		return "-- " + note
	default:
		return "// " + note
	}
}

// Blocked is the fixed replacement content returned in place of any
// output whose OutputPolicyScreener verdict is block.
const Blocked = "I'm not able to provide that content. If you have a different way I can help, let me know."
