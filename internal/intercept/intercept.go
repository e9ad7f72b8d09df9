// Package intercept runs every request and response through the security
// pipeline: PII detection and redaction, injection scoring, then the
// budget check.
package intercept

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"promptfw/internal/budget"
	"promptfw/internal/detect"
	"promptfw/internal/firewall"
	"promptfw/internal/rules"
	"promptfw/internal/tokenizer"
)

// Interceptor evaluates traffic against the live policy. All collaborators
// are injected; it holds no state of its own.
type Interceptor struct {
	rules     *rules.Store
	pii       *detect.PIIDetector
	injection *detect.InjectionDetector
	estimator *tokenizer.Estimator
	ledger    *budget.Ledger
}

// New wires the pipeline.
func New(store *rules.Store, pii *detect.PIIDetector, injection *detect.InjectionDetector, estimator *tokenizer.Estimator, ledger *budget.Ledger) *Interceptor {
	return &Interceptor{
		rules:     store,
		pii:       pii,
		injection: injection,
		estimator: estimator,
		ledger:    ledger,
	}
}

// ProcessRequest scans an outgoing request and returns the body to
// forward (redacted when PII redaction applies) with the traffic entry.
// A blocked entry means the request must not be forwarded. Non-JSON
// bodies pass through untouched.
//
// The injection scan always sees the original prompt, not the redacted
// one, so redaction cannot mask an attack.
func (ic *Interceptor) ProcessRequest(body []byte, endpoint string) ([]byte, firewall.TrafficEntry) {
	entry := firewall.NewTrafficEntry()
	entry.Endpoint = endpoint

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return body, entry
	}

	active := ic.rules.Snapshot()
	prompt := extractPrompt(data)
	if model, ok := data["model"].(string); ok && model != "" {
		entry.Model = model
	}
	entry.PromptPreview = firewall.Preview(prompt)

	// Stage 1: PII
	piiMatches := ic.pii.Scan(prompt, active.PIIRules)
	entry.PIIDetected = piiMatches
	if len(piiMatches) > 0 {
		if detect.ShouldBlockPII(piiMatches, active.PIIRules) {
			entry.Blocked = true
			entry.BlockReason = "PII detected: " + joinPIITypes(piiMatches)
			entry.ThreatLevel = firewall.ThreatHigh
			return body, entry
		}
		redacted := detect.Redact(prompt, piiMatches)
		replacePrompt(data, redacted)
		if encoded, err := json.Marshal(data); err == nil {
			body = encoded
		}
	}

	// Stage 2: injection, on the pre-redaction text
	injMatches := ic.injection.Scan(prompt, active.InjectionRule)
	entry.InjectionDetected = injMatches
	if len(injMatches) > 0 {
		score := detect.ThreatScore(injMatches)
		entry.ThreatLevel = firewall.ThreatLevelForScore(score)
		if detect.ShouldBlockInjection(injMatches, active.InjectionRule) {
			entry.Blocked = true
			entry.BlockReason = fmt.Sprintf("Injection detected (score: %.2f): %s", score, injMatches[0].Pattern)
			return body, entry
		}
	}

	// Stage 3: budget
	estimated := ic.estimator.CountTokens(prompt, entry.Model)
	if blocked, reason := ic.ledger.ShouldBlock(active.BudgetRule, entry.Model, estimated); blocked {
		entry.Blocked = true
		entry.BlockReason = reason
		entry.ThreatLevel = firewall.ThreatMedium
		return body, entry
	}

	entry.TokensUsed = estimated
	return body, entry
}

// ProcessResponse reconciles the entry with the real usage reported by
// the upstream, records the spend, and scans the response text for PII
// leaks. Leaked matches are marked with a [RESP] label prefix.
func (ic *Interceptor) ProcessResponse(body []byte, entry firewall.TrafficEntry) firewall.TrafficEntry {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return entry
	}

	entry.TokensUsed = extractTokenUsage(body, entry.TokensUsed)
	entry.Cost = budget.EstimateCost(entry.Model, entry.TokensUsed)
	if err := ic.ledger.RecordUsage(entry.Model, entry.TokensUsed); err != nil {
		slog.Warn("Failed to record usage", "model", entry.Model, "error", err)
	}

	responseText := extractResponseText(data)
	if responseText != "" {
		active := ic.rules.Snapshot()
		leaks := ic.pii.Scan(responseText, active.PIIRules)
		if len(leaks) > 0 {
			for i := range leaks {
				leaks[i].Redacted = "[RESP]" + leaks[i].Redacted
			}
			entry.PIIDetected = append(entry.PIIDetected, leaks...)
			if entry.ThreatLevel == firewall.ThreatNone {
				entry.ThreatLevel = firewall.ThreatLow
			}
		}
	}
	return entry
}

// BudgetUsage reports daily spend against the daily limit, for the
// budget warning alert. The second return is false when the budget rule
// is disabled or has no daily limit.
func (ic *Interceptor) BudgetUsage() (spent, limit float64, ok bool) {
	rule := ic.rules.Snapshot().BudgetRule
	if !rule.Enabled || rule.DailyLimit <= 0 {
		return 0, 0, false
	}
	spent, err := ic.ledger.Spend("daily")
	if err != nil {
		return 0, 0, false
	}
	return spent, rule.DailyLimit, true
}

func joinPIITypes(matches []firewall.PIIMatch) string {
	types := make([]string, 0, len(matches))
	for _, m := range matches {
		types = append(types, string(m.PIIType))
	}
	return strings.Join(types, ", ")
}

// extractPrompt pulls the user text out of the common API body shapes:
// OpenAI chat messages, bare prompt, or Ollama input. Anything else is
// scanned as raw JSON.
func extractPrompt(data map[string]any) string {
	if messages, ok := data["messages"].([]any); ok && len(messages) > 0 {
		var parts []string
		for _, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if role, _ := msg["role"].(string); role != "user" {
				continue
			}
			if content, ok := msg["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, " ")
	}
	if prompt, ok := data["prompt"].(string); ok {
		return prompt
	}
	if input, ok := data["input"].(string); ok {
		return input
	}
	raw, _ := json.Marshal(data)
	return string(raw)
}

// replacePrompt writes the redacted text back into the same field the
// prompt came from. Every user message gets the redacted text.
func replacePrompt(data map[string]any, text string) {
	if messages, ok := data["messages"].([]any); ok && len(messages) > 0 {
		for _, m := range messages {
			if msg, ok := m.(map[string]any); ok {
				if role, _ := msg["role"].(string); role == "user" {
					msg["content"] = text
				}
			}
		}
		return
	}
	if _, ok := data["prompt"]; ok {
		data["prompt"] = text
		return
	}
	if _, ok := data["input"]; ok {
		data["input"] = text
	}
}

func extractResponseText(data map[string]any) string {
	if choices, ok := data["choices"].([]any); ok && len(choices) > 0 {
		var parts []string
		for _, c := range choices {
			choice, ok := c.(map[string]any)
			if !ok {
				continue
			}
			msg, ok := choice["message"].(map[string]any)
			if !ok {
				continue
			}
			if content, ok := msg["content"].(string); ok && content != "" {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, " ")
	}
	if response, ok := data["response"].(string); ok {
		return response
	}
	return ""
}

// extractTokenUsage reads the usage block in the formats the major
// providers emit, falling back to the pre-forward estimate.
func extractTokenUsage(body []byte, fallback int) int {
	var resp struct {
		Usage struct {
			TotalTokens      int `json:"total_tokens"`
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
		EvalCount       int `json:"eval_count"`
		PromptEvalCount int `json:"prompt_eval_count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fallback
	}
	switch {
	case resp.Usage.TotalTokens > 0:
		return resp.Usage.TotalTokens
	case resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0:
		return resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	case resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0:
		return resp.Usage.InputTokens + resp.Usage.OutputTokens
	case resp.EvalCount > 0 || resp.PromptEvalCount > 0:
		return resp.EvalCount + resp.PromptEvalCount
	}
	return fallback
}
