// Package rules holds the active security policy and persists it across
// restarts.
package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"promptfw/internal/firewall"
)

// Store guards the live SecurityRules document. Reads get a deep copy so
// callers never observe a partial update.
type Store struct {
	mu    sync.RWMutex
	rules firewall.SecurityRules
	path  string
}

// NewStore returns a store seeded with the defaults. When path is
// non-empty a previously saved policy is loaded from it, and updates are
// written back.
func NewStore(path string) *Store {
	s := &Store{rules: firewall.DefaultRules(), path: path}
	if path != "" {
		if err := s.load(); err != nil {
			slog.Warn("Could not load saved rules, using defaults", "path", path, "error", err)
		}
	}
	return s
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var loaded firewall.SecurityRules
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	s.rules = loaded
	return nil
}

func (s *Store) save() {
	if s.path == "" {
		return
	}
	data, err := json.MarshalIndent(s.rules, "", "  ")
	if err != nil {
		slog.Error("Failed to serialize rules", "error", err)
		return
	}
	if dir := filepath.Dir(s.path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		slog.Error("Failed to persist rules", "path", s.path, "error", err)
	}
}

// Snapshot returns a copy of the current policy.
func (s *Store) Snapshot() firewall.SecurityRules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRules(s.rules)
}

// Replace validates and installs a new policy document atomically.
func (s *Store) Replace(rules firewall.SecurityRules) error {
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("invalid rules: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = copyRules(rules)
	s.save()
	return nil
}

func copyRules(r firewall.SecurityRules) firewall.SecurityRules {
	out := r
	out.PIIRules = make([]firewall.PIIRule, len(r.PIIRules))
	copy(out.PIIRules, r.PIIRules)
	return out
}
