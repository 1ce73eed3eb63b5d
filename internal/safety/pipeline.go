package safety

import "sort"

// SafetyPipeline runs every registered screener against a piece of text
// and combines their findings into one SafetyVerdict, following the
// check-kind-specific block/warn rules the individual components use
// rather than a single numeric cutoff shared across all five.
type SafetyPipeline struct {
	synthetic *SyntheticIdentityScreener
	injection *PromptInjectionScreener
	domain    *DomainSensitivityScreener
	ip        *IPViolationScreener
	policy    *OutputPolicyScreener
}

// NewSafetyPipeline wires the five screeners together.
func NewSafetyPipeline() *SafetyPipeline {
	return &SafetyPipeline{
		synthetic: NewSyntheticIdentityScreener(),
		injection: NewPromptInjectionScreener(),
		domain:    NewDomainSensitivityScreener(),
		ip:        NewIPViolationScreener(),
		policy:    NewOutputPolicyScreener(),
	}
}

// defaultReviewers are required on every rerun directive regardless of
// which screeners triggered it.
var defaultReviewers = []string{"PESSIMIST", "CEO"}

// CheckPrompt runs the screeners relevant to an inbound task prompt:
// synthetic identity, prompt injection, and domain sensitivity. IP
// violation and output policy only make sense against generated output.
func (p *SafetyPipeline) CheckPrompt(prompt, loopID string) SafetyVerdict {
	syntheticFindings := p.synthetic.Screen(prompt, loopID)
	injectionFindings := p.injection.Screen(prompt, loopID)
	domainFindings := p.domain.Screen(prompt, loopID)

	var findings []SafetyFinding
	findings = append(findings, syntheticFindings...)
	findings = append(findings, injectionFindings...)
	findings = append(findings, domainFindings...)

	action := ActionAllow
	var triggers []string
	reviewers := make(map[string]bool)

	if highestSeverity(syntheticFindings) == SeverityHigh {
		action = ActionBlock
		triggers = append(triggers, "synthetic_identity")
	} else if len(syntheticFindings) > 0 {
		action = maxAction(action, ActionWarn)
	}

	if hasHaltingInjection(injectionFindings) {
		action = ActionBlock
		triggers = append(triggers, "prompt_injection")
	} else if len(injectionFindings) > 0 {
		action = maxAction(action, ActionWarn)
	}

	if len(domainFindings) > 0 {
		action = maxAction(action, ActionWarn)
		for _, tag := range findingTags(domainFindings) {
			for _, r := range RequiredReviewersForDomains([]string{tag}) {
				reviewers[r] = true
			}
		}
	}

	sanitized := prompt
	if action != ActionAllow {
		sanitized = sanitizePrompt(prompt, syntheticFindings, injectionFindings)
	}

	verdict := SafetyVerdict{
		Action:        action,
		SanitizedText: sanitized,
		Findings:      findings,
	}
	if action != ActionAllow {
		verdict.RerunDirective = p.rerunDirective(triggers, reviewers, domainFindings)
	}
	verdict.RequiredReviewers = verdict.RerunDirective.reviewersOrEmpty()
	return verdict
}

// CheckOutput runs the screeners relevant to generated worker output:
// output policy, ip violation, and domain sensitivity (output can surface
// sensitive-domain content even when the originating prompt did not).
func (p *SafetyPipeline) CheckOutput(output, loopID string) SafetyVerdict {
	policyFindings := p.policy.Screen(output, loopID)
	ipFindings := p.ip.Screen(output, loopID)
	domainFindings := p.domain.Screen(output, loopID)

	var findings []SafetyFinding
	findings = append(findings, policyFindings...)
	findings = append(findings, ipFindings...)
	findings = append(findings, domainFindings...)

	action := ActionAllow
	var triggers []string
	reviewers := make(map[string]bool)

	policyAction, _ := p.policy.Verdict(policyFindings)
	if policyAction == ActionBlock {
		action = ActionBlock
		triggers = append(triggers, "output_policy")
	} else if policyAction == ActionWarn {
		// An output-policy warning is repaired in place by appending a
		// disclaimer, so the outward action is rewrite rather than warn.
		action = maxAction(action, ActionRewrite)
	}

	if p.ip.Score(ipFindings) >= 0.7 {
		action = ActionBlock
		triggers = append(triggers, "ip_violation")
	} else if len(ipFindings) > 0 {
		action = maxAction(action, ActionWarn)
	}

	if len(domainFindings) > 0 {
		action = maxAction(action, ActionWarn)
		for _, tag := range findingTags(domainFindings) {
			for _, r := range RequiredReviewersForDomains([]string{tag}) {
				reviewers[r] = true
			}
		}
	}

	sanitized := output
	switch action {
	case ActionBlock:
		sanitized = Blocked
	case ActionRewrite:
		sanitized = Rewrite(SafeContent(output, ipFindings), policyFindings)
	case ActionWarn:
		sanitized = SafeContent(output, ipFindings)
	default:
		if len(ipFindings) > 0 {
			sanitized = SafeContent(output, ipFindings)
		}
	}

	verdict := SafetyVerdict{
		Action:        action,
		SanitizedText: sanitized,
		Findings:      findings,
	}
	if action != ActionAllow {
		verdict.RerunDirective = p.rerunDirective(triggers, reviewers, domainFindings)
	}
	verdict.RequiredReviewers = verdict.RerunDirective.reviewersOrEmpty()
	return verdict
}

// rerunDirective merges the default reviewer pair with every trigger's
// own required reviewers, plus any domain-sensitivity reviewers even
// when domain sensitivity only produced a warning rather than a block.
func (p *SafetyPipeline) rerunDirective(triggers []string, extra map[string]bool, domainFindings []SafetyFinding) *RerunDirective {
	reviewers := make(map[string]bool)
	for _, r := range defaultReviewers {
		reviewers[r] = true
	}
	for r := range extra {
		reviewers[r] = true
	}

	depth := "standard"
	for _, t := range triggers {
		switch t {
		case "synthetic_identity", "prompt_injection":
			for _, r := range []string{"RESEARCHER", "CEO"} {
				reviewers[r] = true
			}
			depth = "deep"
		case "ip_violation":
			for _, r := range []string{"RESEARCHER", "CEO"} {
				reviewers[r] = true
			}
			depth = "deep"
		case "output_policy":
			for _, r := range []string{"PESSIMIST", "CEO"} {
				reviewers[r] = true
			}
		}
	}

	var out []string
	for r := range reviewers {
		out = append(out, r)
	}

	return &RerunDirective{
		Depth:             depth,
		RequiredReviewers: sortedUnique(out),
		Reason:            "safety screening flagged content requiring review before reuse",
		Triggers:          triggers,
	}
}

func (d *RerunDirective) reviewersOrEmpty() []string {
	if d == nil {
		return nil
	}
	return d.RequiredReviewers
}

func highestSeverity(findings []SafetyFinding) Severity {
	highest := Severity("")
	for _, f := range findings {
		if severityScore(f.Severity) > severityScore(highest) {
			highest = f.Severity
		}
	}
	return highest
}

func hasHaltingInjection(findings []SafetyFinding) bool {
	for _, f := range findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

func findingTags(findings []SafetyFinding) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range findings {
		for _, t := range f.Tags {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

func maxAction(a, b Action) Action {
	order := map[Action]int{ActionAllow: 0, ActionWarn: 1, ActionRewrite: 2, ActionBlock: 3}
	if order[b] > order[a] {
		return b
	}
	return a
}

// neutralOpener replaces an impersonation span so the prompt asks about
// the subject instead of asking to become it.
const neutralOpener = "Please provide information about"

// neutralQuery replaces the entire prompt when injection screening
// halts it; nothing of the original text survives.
const neutralQuery = "Please provide general information about this topic."

// sanitizePrompt repairs a flagged prompt before it reaches a worker:
// a halting injection replaces the whole prompt with a neutral query;
// otherwise impersonation spans are swapped for the neutral opener,
// and jailbreak and lesser injection spans are deleted, with the
// surviving whitespace collapsed.
func sanitizePrompt(prompt string, syntheticFindings, injectionFindings []SafetyFinding) string {
	if hasHaltingInjection(injectionFindings) {
		return neutralQuery
	}

	var edits []spanEdit
	for _, f := range syntheticFindings {
		replacement := ""
		if len(f.Tags) > 0 && f.Tags[0] == "impersonation" {
			replacement = neutralOpener
		}
		for _, span := range f.MatchedSpans {
			edits = append(edits, spanEdit{start: span.Offset, end: span.Offset + span.Length, replacement: replacement})
		}
	}
	for _, f := range injectionFindings {
		for _, span := range f.MatchedSpans {
			edits = append(edits, spanEdit{start: span.Offset, end: span.Offset + span.Length})
		}
	}
	if len(edits) == 0 {
		return prompt
	}
	return collapseWhitespace(applySpanEdits(prompt, edits))
}

// spanEdit rewrites one byte range of a text; an empty replacement
// deletes the range.
type spanEdit struct {
	start, end  int
	replacement string
}

// applySpanEdits applies edits to text, longest ranges first so a
// shorter match nested inside a longer one doesn't leave fragments;
// overlapping edits after the first are dropped.
func applySpanEdits(text string, edits []spanEdit) string {
	sort.Slice(edits, func(i, j int) bool {
		return edits[i].end-edits[i].start > edits[j].end-edits[j].start
	})

	claimed := make([]bool, len(text))
	var accepted []spanEdit
	for _, e := range edits {
		if e.start < 0 || e.end > len(text) || e.start >= e.end {
			continue
		}
		overlapped := false
		for i := e.start; i < e.end; i++ {
			if claimed[i] {
				overlapped = true
				break
			}
		}
		if overlapped {
			continue
		}
		for i := e.start; i < e.end; i++ {
			claimed[i] = true
		}
		accepted = append(accepted, e)
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].start < accepted[j].start })

	var out []byte
	cursor := 0
	for _, e := range accepted {
		out = append(out, text[cursor:e.start]...)
		out = append(out, e.replacement...)
		cursor = e.end
	}
	out = append(out, text[cursor:]...)
	return string(out)
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
