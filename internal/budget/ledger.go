// Package budget persists token usage in SQLite and answers rolling-window
// spend queries for budget enforcement.
package budget

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"promptfw/internal/firewall"
)

// ModelPricing is the approximate USD price per 1K tokens, input and
// output averaged. Unknown models fall back to the "default" row.
var ModelPricing = map[string]float64{
	"gpt-4o":            0.005,
	"gpt-4o-mini":       0.00015,
	"gpt-4-turbo":       0.01,
	"gpt-4":             0.03,
	"gpt-3.5-turbo":     0.0005,
	"claude-3-opus":     0.015,
	"claude-3-sonnet":   0.003,
	"claude-3-haiku":    0.00025,
	"claude-3.5-sonnet": 0.003,
	"claude-3.5-haiku":  0.001,
	"gemini-1.5-pro":    0.00125,
	"gemini-1.5-flash":  0.000075,
	"gemini-2.0-flash":  0.0001,
	"llama3":            0.0,
	"mistral":           0.0,
	"codellama":         0.0,
	"deepseek-r1":       0.0,
	"default":           0.002,
}

// EstimateCost prices a token count for a model.
func EstimateCost(model string, tokens int) float64 {
	rate, ok := ModelPricing[model]
	if !ok {
		rate = ModelPricing["default"]
	}
	return float64(tokens) / 1000 * rate
}

const schema = `
CREATE TABLE IF NOT EXISTS usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	model TEXT NOT NULL,
	tokens INTEGER NOT NULL,
	cost REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage(timestamp);
`

// Fixed-width UTC timestamps so the indexed range scan can compare
// lexicographically.
const tsFormat = "2006-01-02T15:04:05.000000000Z"

// Status is the per-window spend report.
type Status struct {
	DailySpend   float64 `json:"daily_spend"`
	WeeklySpend  float64 `json:"weekly_spend"`
	MonthlySpend float64 `json:"monthly_spend"`
	DailyTokens  int     `json:"daily_tokens"`
	WeeklyTokens int     `json:"weekly_tokens"`
}

// Ledger is the SQLite-backed usage store. Safe for concurrent use.
type Ledger struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the ledger at path, enables WAL, applies the
// schema, and imports a legacy JSON ledger sitting next to it once.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	l := &Ledger{db: db, now: time.Now}

	legacy := strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
	if err := l.migrateLegacyJSON(legacy); err != nil {
		slog.Warn("Legacy ledger migration skipped", "path", legacy, "error", err)
	}

	return l, nil
}

// migrateLegacyJSON imports entries from the pre-SQLite JSON ledger, then
// renames the file so the import runs once.
func (l *Ledger) migrateLegacyJSON(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var entries []struct {
		Timestamp string  `json:"timestamp"`
		Model     string  `json:"model"`
		Tokens    int     `json:"tokens"`
		Cost      float64 `json:"cost"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var count int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM usage").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT INTO usage (timestamp, model, tokens, cost) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(e.Timestamp, e.Model, e.Tokens, e.Cost); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := os.Rename(path, path+".migrated"); err != nil {
		return err
	}
	slog.Info("Migrated legacy JSON ledger", "entries", len(entries), "path", path)
	return nil
}

// RecordUsage stores a completed request's tokens, pricing the cost from
// the model table.
func (l *Ledger) RecordUsage(model string, tokens int) error {
	cost := EstimateCost(model, tokens)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		"INSERT INTO usage (timestamp, model, tokens, cost) VALUES (?, ?, ?, ?)",
		l.now().UTC().Format(tsFormat), model, tokens, cost,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (l *Ledger) cutoffFor(period string) time.Time {
	now := l.now()
	switch period {
	case "weekly":
		return now.Add(-7 * 24 * time.Hour)
	case "monthly":
		return now.Add(-30 * 24 * time.Hour)
	}
	return now.Add(-24 * time.Hour)
}

// Spend returns total cost for "daily", "weekly" or "monthly", rounded to
// six decimals.
func (l *Ledger) Spend(period string) (float64, error) {
	cutoff := l.cutoffFor(period).UTC().Format(tsFormat)
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	err := l.db.QueryRow(
		"SELECT COALESCE(SUM(cost), 0) FROM usage WHERE timestamp >= ?", cutoff,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query spend: %w", err)
	}
	return math.Round(total*1e6) / 1e6, nil
}

// Tokens returns total tokens for a period.
func (l *Ledger) Tokens(period string) (int, error) {
	cutoff := l.cutoffFor(period).UTC().Format(tsFormat)
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int
	err := l.db.QueryRow(
		"SELECT COALESCE(SUM(tokens), 0) FROM usage WHERE timestamp >= ?", cutoff,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query tokens: %w", err)
	}
	return total, nil
}

// WouldExceed checks the windows in daily, weekly, monthly order and
// returns the first limit the added cost would break.
func (l *Ledger) WouldExceed(rule firewall.BudgetRule, additionalCost float64) (bool, string) {
	if !rule.Enabled {
		return false, ""
	}

	daily, err := l.Spend("daily")
	if err != nil {
		slog.Error("Budget query failed", "period", "daily", "error", err)
		return false, ""
	}
	if daily+additionalCost > rule.DailyLimit {
		return true, fmt.Sprintf("Daily limit $%.2f would be exceeded (current: $%.2f)", rule.DailyLimit, daily)
	}

	weekly, err := l.Spend("weekly")
	if err != nil {
		slog.Error("Budget query failed", "period", "weekly", "error", err)
		return false, ""
	}
	if weekly+additionalCost > rule.WeeklyLimit {
		return true, fmt.Sprintf("Weekly limit $%.2f would be exceeded (current: $%.2f)", rule.WeeklyLimit, weekly)
	}

	monthly, err := l.Spend("monthly")
	if err != nil {
		slog.Error("Budget query failed", "period", "monthly", "error", err)
		return false, ""
	}
	if monthly+additionalCost > rule.MonthlyLimit {
		return true, fmt.Sprintf("Monthly limit $%.2f would be exceeded (current: $%.2f)", rule.MonthlyLimit, monthly)
	}

	return false, ""
}

// ShouldBlock reports whether a pending request must be refused under the
// rule's block action.
func (l *Ledger) ShouldBlock(rule firewall.BudgetRule, model string, estimatedTokens int) (bool, string) {
	if !rule.Enabled || rule.Action != firewall.ActionBlock {
		return false, ""
	}
	return l.WouldExceed(rule, EstimateCost(model, estimatedTokens))
}

// Status returns the per-window report for the dashboard.
func (l *Ledger) Status() Status {
	var s Status
	s.DailySpend, _ = l.Spend("daily")
	s.WeeklySpend, _ = l.Spend("weekly")
	s.MonthlySpend, _ = l.Spend("monthly")
	s.DailyTokens, _ = l.Tokens("daily")
	s.WeeklyTokens, _ = l.Tokens("weekly")
	return s
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
