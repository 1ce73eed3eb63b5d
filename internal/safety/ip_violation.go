package safety

import (
	"regexp"
	"sort"
	"strings"
)

var copyrightPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)copyright(ed)? (material|content|work|text)`),
	regexp.MustCompile(`(?i)full (lyrics|script|text) (of|for|to)`),
	regexp.MustCompile(`(?i)entire (chapter|book|novel|screenplay)`),
	regexp.MustCompile(`(?i)reproduce .{0,20}(verbatim|word for word)`),
	regexp.MustCompile(`(?i)©\s*\d{4}`),
}

var trademarkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)®`),
	regexp.MustCompile(`(?i)™`),
	regexp.MustCompile(`(?i)registered trademark`),
	regexp.MustCompile(`(?i)brand (name|logo) (of|for)`),
}

var proprietaryCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)proprietary (source code|algorithm|implementation)`),
	regexp.MustCompile(`(?i)internal (codebase|source|repository)`),
	regexp.MustCompile(`(?i)trade secret`),
	regexp.MustCompile(`(?i)confidential (source|implementation)`),
}

// highRiskIPEntities names brand and franchise families whose co-occurrence
// with a copyright/trademark/proprietary match escalates that finding's
// severity, since they carry active, well-documented enforcement history.
var highRiskIPEntities = []string{
	"microsoft", "windows", "xbox", "office 365",
	"apple", "iphone", "macos", "ios",
	"google", "android", "chrome",
	"amazon", "aws", "kindle",
	"facebook", "instagram", "meta",
	"netflix",
	"adobe", "photoshop",
	"oracle", "java",
	"ibm",
	"harry potter", "star wars", "marvel", "the beatles", "taylor swift",
	"disney", "pixar",
}

type ipViolationKind string

const (
	ipCopyright   ipViolationKind = "copyright"
	ipTrademark   ipViolationKind = "trademark"
	ipProprietary ipViolationKind = "proprietary_code"
)

var ipPatternsByKind = map[ipViolationKind][]*regexp.Regexp{
	ipCopyright:   copyrightPatterns,
	ipTrademark:   trademarkPatterns,
	ipProprietary: proprietaryCodePatterns,
}

var ipKindOrder = []ipViolationKind{ipCopyright, ipTrademark, ipProprietary}

// IPViolationScreener flags text that reproduces or closely paraphrases
// copyrighted material, trademarked names, or proprietary source code, and
// scores the overall risk of the passage as a whole.
type IPViolationScreener struct{}

func NewIPViolationScreener() *IPViolationScreener {
	return &IPViolationScreener{}
}

func (s *IPViolationScreener) Kind() Kind { return KindIPViolation }

func (s *IPViolationScreener) Screen(text string, _ string) []SafetyFinding {
	hasHighRisk := containsAny(toLower(text), highRiskIPEntities)

	// Redaction markers from an earlier SafeContent pass are masked out
	// before matching, so screening already-sanitized text converges to
	// allow instead of re-flagging its own markers.
	masked := maskRedactionMarkers(text)

	var findings []SafetyFinding
	violatedKinds := 0

	for _, kind := range ipKindOrder {
		var spans []MatchedSpan
		for _, pattern := range ipPatternsByKind[kind] {
			for _, loc := range pattern.FindAllStringIndex(masked, -1) {
				spans = append(spans, spanFor(loc, text[loc[0]:loc[1]]))
			}
		}
		if len(spans) == 0 {
			continue
		}
		violatedKinds++

		severity := SeverityMedium
		if hasHighRisk {
			severity = SeverityHigh
		}

		findings = append(findings, SafetyFinding{
			Kind:         KindIPViolation,
			Severity:     severity,
			Tags:         []string{string(kind)},
			MatchedSpans: spans,
			Score:        ipScore(severity, violatedKinds, hasHighRisk),
		})
	}

	return findings
}

// ipScore is the severity-score baseline, plus 0.1 for every
// additional violation type beyond the first, plus 0.1 when a
// high-risk entity co-occurs, capped at 0.95.
func ipScore(severity Severity, violatedKinds int, hasHighRisk bool) float64 {
	score := severityScore(severity)
	if violatedKinds > 1 {
		score += 0.1 * float64(violatedKinds-1)
	}
	if hasHighRisk {
		score += 0.1
	}
	if score > 0.95 {
		score = 0.95
	}
	return score
}

// Score aggregates a screener's findings into the single score the
// pipeline uses to decide whether ip_violation should block the check.
func (s *IPViolationScreener) Score(findings []SafetyFinding) float64 {
	var max float64
	for _, f := range findings {
		if f.Score > max {
			max = f.Score
		}
	}
	return max
}

// SafeContent redacts every matched span from text, longest matches
// first so a shorter match nested inside a longer one doesn't leave
// redaction fragments, and appends a disclaimer if anything changed.
func SafeContent(text string, findings []SafetyFinding) string {
	type replacement struct {
		start, end int
		marker     string
	}

	var repls []replacement
	for _, f := range findings {
		marker := ipRedactionMarker(f.Tags)
		for _, span := range f.MatchedSpans {
			repls = append(repls, replacement{start: span.Offset, end: span.Offset + span.Length, marker: marker})
		}
	}
	if len(repls) == 0 {
		return text
	}

	sort.Slice(repls, func(i, j int) bool {
		li := repls[i].end - repls[i].start
		lj := repls[j].end - repls[j].start
		return li > lj
	})

	// Spans are byte offsets into the original text, so all slicing here
	// stays byte-based.
	claimed := make([]bool, len(text))
	var accepted []replacement

	for _, r := range repls {
		if r.start < 0 || r.end > len(text) || r.start >= r.end {
			continue
		}
		overlapped := false
		for i := r.start; i < r.end; i++ {
			if claimed[i] {
				overlapped = true
				break
			}
		}
		if overlapped {
			continue
		}
		for i := r.start; i < r.end; i++ {
			claimed[i] = true
		}
		accepted = append(accepted, r)
	}

	if len(accepted) == 0 {
		return text
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].start < accepted[j].start })

	var out []byte
	cursor := 0
	for _, r := range accepted {
		out = append(out, text[cursor:r.start]...)
		out = append(out, r.marker...)
		cursor = r.end
	}
	out = append(out, text[cursor:]...)

	result := collapseWhitespace(string(out))
	return result + "\n\n" + redactionNotice
}

const redactionNotice = "[Note: some content was redacted to respect copyright and trademark boundaries.]"

var redactionMarkers = []string{
	"[Reference to copyrighted material]",
	"[Trademark reference]",
	"[Proprietary information redacted]",
	"[Redacted]",
	redactionNotice,
}

// maskRedactionMarkers blanks out any redaction markers already present
// in text, preserving length so match offsets still index the original.
func maskRedactionMarkers(text string) string {
	masked := []byte(text)
	for _, marker := range redactionMarkers {
		start := 0
		for {
			i := strings.Index(string(masked[start:]), marker)
			if i < 0 {
				break
			}
			at := start + i
			for j := at; j < at+len(marker); j++ {
				masked[j] = ' '
			}
			start = at + len(marker)
		}
	}
	return string(masked)
}

func ipRedactionMarker(tags []string) string {
	for _, tag := range tags {
		switch ipViolationKind(tag) {
		case ipCopyright:
			return "[Reference to copyrighted material]"
		case ipTrademark:
			return "[Trademark reference]"
		case ipProprietary:
			return "[Proprietary information redacted]"
		}
	}
	return "[Redacted]"
}

func containsAny(lower string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
