package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// Required sections of a well-formed subagent output.
var requiredSections = []string{"SUMMARY", "RESULT", "NEXT_STEP"}

// minSubstance is the minimum character count of section content (headers
// excluded) for an output to count as substantive.
const minSubstance = 48

// intentOnlyPhrases match outputs where the model announced what it would
// do instead of doing it. Matched case-insensitively against the trimmed
// output as a whole.
var intentOnlyPhrases = []string{
	"i will now",
	"i'll start by",
	"let me begin",
	"let me start",
	"i am going to",
	"i'm going to",
	"here's my plan",
	"first, i will",
}

var sectionHeaderRe = regexp.MustCompile(`(?m)^#{0,3}\s*(SUMMARY|RESULT|NEXT_STEP)\s*:?\s*$`)

// ValidateOutput reports whether raw is well-formed: all required sections
// present with non-empty bodies, enough substance, and not an intent-only
// utterance.
func ValidateOutput(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("output is empty")
	}

	lower := strings.ToLower(trimmed)
	if len(trimmed) < 200 {
		for _, phrase := range intentOnlyPhrases {
			if strings.Contains(lower, phrase) {
				return fmt.Errorf("output is an intent-only utterance")
			}
		}
	}

	sections := splitSections(trimmed)
	substance := 0
	for _, name := range requiredSections {
		body, ok := sections[name]
		if !ok {
			return fmt.Errorf("missing %s section", name)
		}
		body = strings.TrimSpace(body)
		if body == "" {
			return fmt.Errorf("empty %s section", name)
		}
		substance += len(body)
	}
	if substance < minSubstance {
		return fmt.Errorf("output too short: %d chars of substance, need %d", substance, minSubstance)
	}
	return nil
}

// splitSections parses "SUMMARY / RESULT / NEXT_STEP" headed blocks.
func splitSections(raw string) map[string]string {
	out := make(map[string]string)
	matches := sectionHeaderRe.FindAllStringSubmatchIndex(raw, -1)
	for i, m := range matches {
		name := raw[m[2]:m[3]]
		bodyStart := m[1]
		bodyEnd := len(raw)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		out[name] = raw[bodyStart:bodyEnd]
	}
	return out
}

// NormalizeOutput re-wraps ad-hoc text into the required section structure.
// It is applied at most once per run: if the wrapped result still fails
// validation, the failure is non-retryable.
func NormalizeOutput(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}
	if ValidateOutput(trimmed) == nil {
		return trimmed
	}

	// Best-effort substitute: first paragraph becomes the summary, the whole
	// text the result, and a fixed next step marks the normalization.
	summary := trimmed
	if idx := strings.Index(trimmed, "\n\n"); idx > 0 {
		summary = trimmed[:idx]
	}
	if len(summary) > 300 {
		summary = summary[:300]
	}
	return fmt.Sprintf("SUMMARY\n%s\n\nRESULT\n%s\n\nNEXT_STEP\nReview the result above; output structure was recovered automatically.\n", summary, trimmed)
}
