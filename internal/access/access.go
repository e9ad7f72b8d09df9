// Package access implements endpoint, model and keyword allow/block
// lists, persisted as JSON.
package access

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Verdict is the outcome of an endpoint check.
type Verdict string

const (
	// VerdictAllow bypasses the security pipeline entirely.
	VerdictAllow Verdict = "allow"
	// VerdictBlock rejects the request before any forwarding.
	VerdictBlock Verdict = "block"
	// VerdictInspect runs the normal pipeline.
	VerdictInspect Verdict = "inspect"
)

// Rules are the raw allow/block lists. Endpoint patterns match by
// substring; model and keyword patterns match case-insensitively.
type Rules struct {
	AllowedEndpoints []string `json:"allowed_endpoints"`
	BlockedEndpoints []string `json:"blocked_endpoints"`
	BlockedKeywords  []string `json:"blocked_keywords"`
	AllowedModels    []string `json:"allowed_models"`
	BlockedModels    []string `json:"blocked_models"`
}

func emptyRules() Rules {
	return Rules{
		AllowedEndpoints: []string{},
		BlockedEndpoints: []string{},
		BlockedKeywords:  []string{},
		AllowedModels:    []string{},
		BlockedModels:    []string{},
	}
}

// Manager guards the access rules with file persistence.
type Manager struct {
	mu    sync.Mutex
	rules Rules
	path  string
}

// NewManager loads rules from path, or starts empty when the file is
// absent or unreadable.
func NewManager(path string) *Manager {
	m := &Manager{rules: emptyRules(), path: path}
	if path != "" {
		if err := m.load(); err != nil {
			slog.Warn("Could not load access rules, starting empty", "path", path, "error", err)
		}
	}
	return m
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	loaded := emptyRules()
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	m.rules = loaded
	return nil
}

func (m *Manager) save() {
	if m.path == "" {
		return
	}
	data, err := json.MarshalIndent(m.rules, "", "  ")
	if err != nil {
		slog.Error("Failed to serialize access rules", "error", err)
		return
	}
	if dir := filepath.Dir(m.path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		slog.Error("Failed to persist access rules", "path", m.path, "error", err)
	}
}

// CheckEndpoint classifies a target URL. The allowlist wins over the
// blocklist when both match.
func (m *Manager) CheckEndpoint(endpoint string) (Verdict, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pattern := range m.rules.AllowedEndpoints {
		if strings.Contains(endpoint, pattern) {
			return VerdictAllow, ""
		}
	}
	for _, pattern := range m.rules.BlockedEndpoints {
		if strings.Contains(endpoint, pattern) {
			return VerdictBlock, fmt.Sprintf("Endpoint matches blocklist pattern: %s", pattern)
		}
	}
	return VerdictInspect, ""
}

// CheckModel blocks blocklisted models, and when an allowlist exists,
// anything not on it.
func (m *Manager) CheckModel(model string) (Verdict, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lower := strings.ToLower(model)
	for _, blocked := range m.rules.BlockedModels {
		if strings.Contains(lower, strings.ToLower(blocked)) {
			return VerdictBlock, fmt.Sprintf("Model '%s' is blocklisted", model)
		}
	}
	if len(m.rules.AllowedModels) > 0 {
		for _, allowed := range m.rules.AllowedModels {
			if strings.Contains(lower, strings.ToLower(allowed)) {
				return VerdictAllow, ""
			}
		}
		return VerdictBlock, fmt.Sprintf("Model '%s' is not in the allowlist", model)
	}
	return VerdictAllow, ""
}

// CheckKeywords reports the first blocked keyword found in text.
func (m *Manager) CheckKeywords(text string) (bool, string) {
	lower := strings.ToLower(text)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, keyword := range m.rules.BlockedKeywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return true, fmt.Sprintf("Blocked keyword detected: '%s'", keyword)
		}
	}
	return false, ""
}

// Snapshot returns a copy of the current rules.
func (m *Manager) Snapshot() Rules {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyAccessRules(m.rules)
}

// Update replaces the lists present in next, leaving nil fields
// untouched, and persists the result.
func (m *Manager) Update(next RulesPatch) Rules {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next.AllowedEndpoints != nil {
		m.rules.AllowedEndpoints = next.AllowedEndpoints
	}
	if next.BlockedEndpoints != nil {
		m.rules.BlockedEndpoints = next.BlockedEndpoints
	}
	if next.BlockedKeywords != nil {
		m.rules.BlockedKeywords = next.BlockedKeywords
	}
	if next.AllowedModels != nil {
		m.rules.AllowedModels = next.AllowedModels
	}
	if next.BlockedModels != nil {
		m.rules.BlockedModels = next.BlockedModels
	}
	m.save()
	return copyAccessRules(m.rules)
}

// RulesPatch is a partial update; nil slices mean "leave unchanged".
type RulesPatch struct {
	AllowedEndpoints []string `json:"allowed_endpoints"`
	BlockedEndpoints []string `json:"blocked_endpoints"`
	BlockedKeywords  []string `json:"blocked_keywords"`
	AllowedModels    []string `json:"allowed_models"`
	BlockedModels    []string `json:"blocked_models"`
}

func copyAccessRules(r Rules) Rules {
	return Rules{
		AllowedEndpoints: append([]string{}, r.AllowedEndpoints...),
		BlockedEndpoints: append([]string{}, r.BlockedEndpoints...),
		BlockedKeywords:  append([]string{}, r.BlockedKeywords...),
		AllowedModels:    append([]string{}, r.AllowedModels...),
		BlockedModels:    append([]string{}, r.BlockedModels...),
	}
}
