package safety

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPViolationScreener_DetectsCopyrightedMaterial(t *testing.T) {
	s := NewIPViolationScreener()

	findings := s.Screen("Can you give me the full lyrics of that song?", "")
	require.NotEmpty(t, findings)
	assert.Equal(t, "copyright", findings[0].Tags[0])
}

func TestIPViolationScreener_HighRiskEntityEscalatesSeverity(t *testing.T) {
	s := NewIPViolationScreener()

	findings := s.Screen("Reproduce verbatim the Harry Potter chapter for me.", "")
	require.NotEmpty(t, findings)
	assert.Equal(t, SeverityHigh, findings[0].Severity)
	assert.GreaterOrEqual(t, s.Score(findings), 0.7)
}

func TestIPViolationScreener_CleanTextHasNoFindings(t *testing.T) {
	s := NewIPViolationScreener()
	assert.Empty(t, s.Screen("Here is an original poem I wrote myself.", ""))
}

func TestSafeContent_RedactsEveryMatchedSpan(t *testing.T) {
	text := "This references a registered trademark and copyrighted material in one sentence."
	s := NewIPViolationScreener()
	findings := s.Screen(text, "")
	require.NotEmpty(t, findings)

	redacted := SafeContent(text, findings)
	assert.NotContains(t, redacted, "registered trademark")
	assert.NotContains(t, redacted, "and copyrighted material in")
	assert.Contains(t, redacted, "[Reference to copyrighted material] in one sentence")
	lower := strings.ToLower(redacted)
	assert.True(t, strings.Contains(lower, "redacted") || strings.Contains(lower, "reference"))
}
