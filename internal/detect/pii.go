// Package detect implements the content scanners: PII detection with
// redaction, and prompt injection scoring.
package detect

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"promptfw/internal/firewall"
)

// Built-in PII patterns. The phone pattern requires the 3-3-4 separator
// shape so a bare digit run like "1234567" never matches.
var builtinPII = []struct {
	piiType firewall.PIIType
	re      *regexp.Regexp
	label   string
}{
	{firewall.PIIEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL_REDACTED]"},
	{firewall.PIIPhone, regexp.MustCompile(`(?:\+?1[-.\s])?\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}\b`), "[PHONE_REDACTED]"},
	{firewall.PIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN_REDACTED]"},
	{firewall.PIICreditCard, regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), "[CC_REDACTED]"},
	{firewall.PIIIPAddress, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[IP_REDACTED]"},
}

// CustomPattern is a user-registered PII pattern.
type CustomPattern struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Label   string `json:"label"`
}

type compiledCustom struct {
	CustomPattern
	re *regexp.Regexp
}

// PIIDetector scans text against the built-in patterns plus any custom
// patterns registered on this instance. Safe for concurrent use.
type PIIDetector struct {
	mu     sync.RWMutex
	custom []compiledCustom
}

// NewPIIDetector returns a detector with no custom patterns.
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{}
}

// AddPattern registers a custom pattern. The label defaults to
// "[<NAME>_REDACTED]". Re-registering a name replaces the old pattern.
func (d *PIIDetector) AddPattern(name, pattern, label string) error {
	if name == "" {
		return fmt.Errorf("pattern name required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", name, err)
	}
	if label == "" {
		label = fmt.Sprintf("[%s_REDACTED]", strings.ToUpper(name))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.custom {
		if d.custom[i].Name == name {
			d.custom[i] = compiledCustom{CustomPattern{name, pattern, label}, re}
			return nil
		}
	}
	d.custom = append(d.custom, compiledCustom{CustomPattern{name, pattern, label}, re})
	return nil
}

// RemovePattern unregisters a custom pattern by name.
func (d *PIIDetector) RemovePattern(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.custom {
		if d.custom[i].Name == name {
			d.custom = append(d.custom[:i], d.custom[i+1:]...)
			return true
		}
	}
	return false
}

// Patterns returns the registered custom patterns.
func (d *PIIDetector) Patterns() []CustomPattern {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]CustomPattern, 0, len(d.custom))
	for _, c := range d.custom {
		out = append(out, c.CustomPattern)
	}
	return out
}

// Scan finds PII in text. Built-in categories run only when the matching
// rule is enabled; custom patterns always run. Positions are code-point
// offsets into text.
func (d *PIIDetector) Scan(text string, rules []firewall.PIIRule) []firewall.PIIMatch {
	enabled := make(map[firewall.PIIType]bool, len(rules))
	for _, r := range rules {
		if r.Enabled {
			enabled[r.PIIType] = true
		}
	}

	var matches []firewall.PIIMatch
	for _, p := range builtinPII {
		if !enabled[p.piiType] {
			continue
		}
		for _, span := range p.re.FindAllStringIndex(text, -1) {
			matches = append(matches, firewall.PIIMatch{
				PIIType:  p.piiType,
				Value:    text[span[0]:span[1]],
				Redacted: p.label,
				Position: runeSpan(text, span[0], span[1]),
			})
		}
	}

	d.mu.RLock()
	custom := d.custom
	d.mu.RUnlock()
	for _, c := range custom {
		for _, span := range c.re.FindAllStringIndex(text, -1) {
			matches = append(matches, firewall.PIIMatch{
				PIIType:  firewall.PIIType(c.Name),
				Value:    text[span[0]:span[1]],
				Redacted: c.Label,
				Position: runeSpan(text, span[0], span[1]),
			})
		}
	}
	return matches
}

// Redact replaces every match with its label, substituting in descending
// start order so earlier positions stay valid.
func Redact(text string, matches []firewall.PIIMatch) string {
	if len(matches) == 0 {
		return text
	}
	sorted := make([]firewall.PIIMatch, len(matches))
	copy(sorted, matches)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Position[0] > sorted[j].Position[0]
	})

	runes := []rune(text)
	for _, m := range sorted {
		start, end := m.Position[0], m.Position[1]
		if start < 0 || end > len(runes) || start > end {
			continue
		}
		replaced := append([]rune{}, runes[:start]...)
		replaced = append(replaced, []rune(m.Redacted)...)
		replaced = append(replaced, runes[end:]...)
		runes = replaced
	}
	return string(runes)
}

// ShouldBlockPII reports whether any match belongs to a category whose
// rule action is block.
func ShouldBlockPII(matches []firewall.PIIMatch, rules []firewall.PIIRule) bool {
	actions := make(map[firewall.PIIType]firewall.RuleAction, len(rules))
	for _, r := range rules {
		actions[r.PIIType] = r.Action
	}
	for _, m := range matches {
		if actions[m.PIIType] == firewall.ActionBlock {
			return true
		}
	}
	return false
}

func runeSpan(text string, byteStart, byteEnd int) [2]int {
	start := utf8.RuneCountInString(text[:byteStart])
	return [2]int{start, start + utf8.RuneCountInString(text[byteStart:byteEnd])}
}
