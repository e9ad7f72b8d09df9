package firewall

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ThreatLevel classifies how dangerous a request looks.
type ThreatLevel string

const (
	ThreatNone     ThreatLevel = "none"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

var threatRank = map[ThreatLevel]int{
	ThreatNone:     0,
	ThreatLow:      1,
	ThreatMedium:   2,
	ThreatHigh:     3,
	ThreatCritical: 4,
}

// Rank returns the ordinal position of the level (none=0 .. critical=4).
func (t ThreatLevel) Rank() int {
	return threatRank[t]
}

// AtLeast reports whether t is as severe as other.
func (t ThreatLevel) AtLeast(other ThreatLevel) bool {
	return threatRank[t] >= threatRank[other]
}

// MaxThreat returns the more severe of two levels.
func MaxThreat(a, b ThreatLevel) ThreatLevel {
	if threatRank[b] > threatRank[a] {
		return b
	}
	return a
}

// ThreatLevelForScore maps an aggregate injection score to a level.
func ThreatLevelForScore(score float64) ThreatLevel {
	switch {
	case score >= 0.8:
		return ThreatCritical
	case score >= 0.6:
		return ThreatHigh
	case score >= 0.4:
		return ThreatMedium
	case score > 0:
		return ThreatLow
	}
	return ThreatNone
}

// RuleAction is what a rule does when it fires.
type RuleAction string

const (
	ActionBlock  RuleAction = "block"
	ActionRedact RuleAction = "redact"
	ActionWarn   RuleAction = "warn"
	ActionLog    RuleAction = "log"
)

func validAction(a RuleAction) bool {
	switch a {
	case ActionBlock, ActionRedact, ActionWarn, ActionLog:
		return true
	}
	return false
}

// PIIType identifies a category of personally identifiable information.
// Built-in types are listed below; custom patterns carry their registered
// name as the type.
type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIISSN        PIIType = "ssn"
	PIICreditCard PIIType = "credit_card"
	PIIIPAddress  PIIType = "ip_address"
)

// BuiltinPIITypes lists the detector's built-in categories in scan order.
var BuiltinPIITypes = []PIIType{PIIEmail, PIIPhone, PIISSN, PIICreditCard, PIIIPAddress}

// PIIRule controls detection for one built-in PII category.
type PIIRule struct {
	PIIType PIIType    `json:"pii_type" yaml:"pii_type"`
	Enabled bool       `json:"enabled" yaml:"enabled"`
	Action  RuleAction `json:"action" yaml:"action"`
}

// InjectionRule controls the prompt injection detector.
type InjectionRule struct {
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	Threshold float64    `json:"threshold" yaml:"threshold"`
	Action    RuleAction `json:"action" yaml:"action"`
}

// BudgetRule caps spend over rolling windows, in USD.
type BudgetRule struct {
	Enabled      bool       `json:"enabled" yaml:"enabled"`
	DailyLimit   float64    `json:"daily_limit" yaml:"daily_limit"`
	WeeklyLimit  float64    `json:"weekly_limit" yaml:"weekly_limit"`
	MonthlyLimit float64    `json:"monthly_limit" yaml:"monthly_limit"`
	Action       RuleAction `json:"action" yaml:"action"`
}

// SecurityRules is the full policy document the interceptor evaluates.
type SecurityRules struct {
	PIIRules      []PIIRule     `json:"pii_rules" yaml:"pii_rules"`
	InjectionRule InjectionRule `json:"injection_rule" yaml:"injection_rule"`
	BudgetRule    BudgetRule    `json:"budget_rule" yaml:"budget_rule"`
}

// DefaultRules returns the policy used when nothing is configured:
// redact all PII categories, block injection at 0.6, block at $1/$10/$50.
func DefaultRules() SecurityRules {
	rules := SecurityRules{
		InjectionRule: InjectionRule{Enabled: true, Threshold: 0.6, Action: ActionBlock},
		BudgetRule: BudgetRule{
			Enabled:      true,
			DailyLimit:   1.0,
			WeeklyLimit:  10.0,
			MonthlyLimit: 50.0,
			Action:       ActionBlock,
		},
	}
	for _, t := range BuiltinPIITypes {
		rules.PIIRules = append(rules.PIIRules, PIIRule{PIIType: t, Enabled: true, Action: ActionRedact})
	}
	return rules
}

// Validate checks field ranges and enum values.
func (r *SecurityRules) Validate() error {
	for i, pr := range r.PIIRules {
		if !validAction(pr.Action) {
			return fmt.Errorf("pii_rules[%d]: invalid action %q", i, pr.Action)
		}
		if pr.PIIType == "" {
			return fmt.Errorf("pii_rules[%d]: missing pii_type", i)
		}
	}
	if r.InjectionRule.Threshold < 0 || r.InjectionRule.Threshold > 1 {
		return fmt.Errorf("injection_rule: threshold %v out of range [0,1]", r.InjectionRule.Threshold)
	}
	if !validAction(r.InjectionRule.Action) {
		return fmt.Errorf("injection_rule: invalid action %q", r.InjectionRule.Action)
	}
	if r.BudgetRule.DailyLimit < 0 || r.BudgetRule.WeeklyLimit < 0 || r.BudgetRule.MonthlyLimit < 0 {
		return fmt.Errorf("budget_rule: limits must be non-negative")
	}
	if !validAction(r.BudgetRule.Action) {
		return fmt.Errorf("budget_rule: invalid action %q", r.BudgetRule.Action)
	}
	return nil
}

// PIIMatch is one detected PII value. Position is a half-open [start, end)
// span in code points over the scanned text.
type PIIMatch struct {
	PIIType  PIIType `json:"pii_type"`
	Value    string  `json:"value"`
	Redacted string  `json:"redacted"`
	Position [2]int  `json:"position"`
}

// InjectionMatch is one injection pattern hit.
type InjectionMatch struct {
	Pattern  string      `json:"pattern"`
	Score    float64     `json:"score"`
	Severity ThreatLevel `json:"severity"`
}

// PromptPreviewLen caps how much of a prompt is kept on a traffic entry.
const PromptPreviewLen = 150

// TrafficEntry is the immutable record of one proxied (or replayed) request.
type TrafficEntry struct {
	ID                string           `json:"id"`
	Timestamp         time.Time        `json:"timestamp"`
	Method            string           `json:"method"`
	Endpoint          string           `json:"endpoint"`
	Model             string           `json:"model"`
	Provider          string           `json:"provider"`
	PromptPreview     string           `json:"prompt_preview"`
	Status            int              `json:"status"`
	TokensUsed        int              `json:"tokens_used"`
	Cost              float64          `json:"cost"`
	ThreatLevel       ThreatLevel      `json:"threat_level"`
	PIIDetected       []PIIMatch       `json:"pii_detected"`
	InjectionDetected []InjectionMatch `json:"injection_detected"`
	Blocked           bool             `json:"blocked"`
	BlockReason       string           `json:"block_reason,omitempty"`
	LatencyMS         float64          `json:"latency_ms"`
}

// NewTrafficEntry returns an entry with an 8-character random id and
// the field defaults every record starts from.
func NewTrafficEntry() TrafficEntry {
	return TrafficEntry{
		ID:          uuid.New().String()[:8],
		Timestamp:   time.Now(),
		Method:      "POST",
		Model:       "unknown",
		Status:      200,
		ThreatLevel: ThreatNone,
	}
}

// Preview truncates a prompt to the stored preview length, marking the
// cut with an ellipsis.
func Preview(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= PromptPreviewLen {
		return prompt
	}
	return string(runes[:PromptPreviewLen]) + "..."
}

// Stats is the dashboard summary computed over recent traffic.
type Stats struct {
	TotalRequests     int     `json:"total_requests"`
	BlockedRequests   int     `json:"blocked_requests"`
	PIIDetections     int     `json:"pii_detections"`
	InjectionAttempts int     `json:"injection_attempts"`
	TotalSpendToday   float64 `json:"total_spend_today"`
	TotalTokensToday  int     `json:"total_tokens_today"`
	RequestsPerMinute float64 `json:"requests_per_minute"`
}
