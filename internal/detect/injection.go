package detect

import (
	"regexp"

	"promptfw/internal/firewall"
)

type injectionPattern struct {
	re       *regexp.Regexp
	score    float64
	label    string
	severity firewall.ThreatLevel
}

// Injection heuristics. Scores are per-pattern base scores; the aggregate
// adds a small diversity bonus capped at 0.1.
var injectionPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directives?)`),
		0.9, "Direct instruction override", firewall.ThreatCritical},
	{regexp.MustCompile(`(?i)(show|reveal|display|print|output|repeat|tell\s+me)\s+(your\s+)?(system\s+prompt|initial\s+prompt|instructions?|hidden\s+prompt)`),
		0.85, "System prompt extraction", firewall.ThreatHigh},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s+`),
		0.6, "Role manipulation attempt", firewall.ThreatMedium},
	{regexp.MustCompile(`(?i)(DAN|Do\s+Anything\s+Now|JAILBREAK|jailbroken?\s+mode)`),
		0.95, "DAN/Jailbreak keyword", firewall.ThreatCritical},
	{regexp.MustCompile("(?i)(```|---)\\s*(system|assistant|user)\\s*(```|---)"),
		0.7, "Prompt format manipulation", firewall.ThreatHigh},
	{regexp.MustCompile(`(?i)(base64|rot13|hex|encode|decode|eval)\s*(:|this|the|following)`),
		0.65, "Encoding-based evasion", firewall.ThreatMedium},
	{regexp.MustCompile(`(?i)<\|?(system|endoftext|im_start|im_end)\|?>`),
		0.9, "Token boundary injection", firewall.ThreatCritical},
	{regexp.MustCompile(`(?i)(pretend|act\s+as\s+if|assume|imagine)\s+(you\s+)?(have\s+no|don.?t\s+have|without)\s+(restrictions?|limitations?|filters?|rules?|guardrails?)`),
		0.8, "Restriction bypass attempt", firewall.ThreatHigh},
	{regexp.MustCompile(`(?i)(in\s+the\s+previous|earlier\s+in\s+this|as\s+we\s+discussed)\s+(conversation|chat|message)`),
		0.4, "Context manipulation", firewall.ThreatLow},
	{regexp.MustCompile(`(?i)!\[.*?\]\(https?://.*?\)`),
		0.5, "Markdown image injection", firewall.ThreatMedium},
	{regexp.MustCompile(`[\x{200B}\x{200C}\x{200D}\x{2060}\x{FEFF}]`),
		0.7, "Unicode obfuscation detected", firewall.ThreatHigh},
}

// InjectionDetector scores prompts for injection and jailbreak attempts.
// It holds no mutable state and is safe for concurrent use.
type InjectionDetector struct{}

// NewInjectionDetector returns the detector.
func NewInjectionDetector() *InjectionDetector {
	return &InjectionDetector{}
}

// Scan returns one match per pattern that fires anywhere in text.
// A disabled rule yields no matches.
func (d *InjectionDetector) Scan(text string, rule firewall.InjectionRule) []firewall.InjectionMatch {
	if !rule.Enabled {
		return nil
	}
	var matches []firewall.InjectionMatch
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			matches = append(matches, firewall.InjectionMatch{
				Pattern:  p.label,
				Score:    p.score,
				Severity: p.severity,
			})
		}
	}
	return matches
}

// ThreatScore aggregates matches: the max base score plus a bonus of
// 0.02 per distinct pattern, bonus capped at 0.1, total clamped to 1.0.
func ThreatScore(matches []firewall.InjectionMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	max := 0.0
	for _, m := range matches {
		if m.Score > max {
			max = m.Score
		}
	}
	bonus := 0.02 * float64(len(matches))
	if bonus > 0.1 {
		bonus = 0.1
	}
	score := max + bonus
	if score > 1 {
		score = 1
	}
	return score
}

// ShouldBlockInjection reports whether the aggregate score reaches the
// rule threshold and the rule action is block.
func ShouldBlockInjection(matches []firewall.InjectionMatch, rule firewall.InjectionRule) bool {
	if !rule.Enabled || rule.Action != firewall.ActionBlock {
		return false
	}
	return ThreatScore(matches) >= rule.Threshold
}
