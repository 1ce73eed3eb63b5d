package safety

import "strings"

func toLower(s string) string { return strings.ToLower(s) }

func contains(s, substr string) bool { return strings.Contains(s, substr) }

// severityScore maps the three-level severity scale onto the 0.0-1.0
// score range SafetyFinding carries alongside it, so callers that only
// care about magnitude (e.g. sorting, thresholding) don't need a switch
// on Severity.
func severityScore(sev Severity) float64 {
	switch sev {
	case SeverityHigh:
		return 0.9
	case SeverityMedium:
		return 0.6
	case SeverityLow:
		return 0.3
	default:
		return 0.0
	}
}

// spanFor builds a MatchedSpan from a regexp.FindAllStringIndex location
// pair and the text it bounds.
func spanFor(loc []int, matched string) MatchedSpan {
	return MatchedSpan{Offset: loc[0], Length: loc[1] - loc[0], Snippet: matched}
}
