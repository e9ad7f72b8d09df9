// Package alerts dispatches security events to registered webhooks and
// keeps a short in-memory history.
package alerts

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event names a security event category webhooks can subscribe to.
type Event string

const (
	EventThreatHigh      Event = "threat_high"
	EventThreatCritical  Event = "threat_critical"
	EventRequestBlocked  Event = "request_blocked"
	EventBudgetWarning   Event = "budget_warning"
	EventPIIResponseLeak Event = "pii_response_leak"
)

// AllEvents is the default subscription for a new webhook.
var AllEvents = []Event{
	EventThreatHigh,
	EventThreatCritical,
	EventRequestBlocked,
	EventBudgetWarning,
	EventPIIResponseLeak,
}

const historyLimit = 100

// Webhook is one registered delivery target. The secret never appears in
// serialized listings.
type Webhook struct {
	Name    string  `json:"name"`
	URL     string  `json:"url"`
	Events  []Event `json:"events"`
	Enabled bool    `json:"enabled"`
	Secret  string  `json:"-"`
}

func (w Webhook) wants(event Event) bool {
	if !w.Enabled {
		return false
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Record is one entry in the alert history.
type Record struct {
	Event     Event  `json:"event"`
	Timestamp string `json:"timestamp"`
	Summary   string `json:"summary"`
	Severity  string `json:"severity"`
}

// Manager owns webhook registrations, the history ring, and the shared
// HTTP client used for deliveries.
type Manager struct {
	mu       sync.Mutex
	webhooks []Webhook
	history  []Record
	client   *http.Client
}

// NewManager returns a manager whose deliveries time out after 10s.
func NewManager() *Manager {
	return &Manager{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// AddWebhook registers a delivery target. An empty event list subscribes
// to every event.
func (m *Manager) AddWebhook(url, name string, events []Event, secret string) Webhook {
	if name == "" {
		name = "default"
	}
	if len(events) == 0 {
		events = append([]Event{}, AllEvents...)
	}
	wh := Webhook{Name: name, URL: url, Events: events, Enabled: true, Secret: secret}

	m.mu.Lock()
	m.webhooks = append(m.webhooks, wh)
	m.mu.Unlock()

	slog.Info("Webhook registered", "name", name, "url", url)
	return wh
}

// RemoveWebhook drops every webhook with the given name.
func (m *Manager) RemoveWebhook(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.webhooks[:0]
	removed := false
	for _, w := range m.webhooks {
		if w.Name == name {
			removed = true
			continue
		}
		kept = append(kept, w)
	}
	m.webhooks = kept
	return removed
}

// Webhooks lists registered webhooks.
func (m *Manager) Webhooks() []Webhook {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Webhook, len(m.webhooks))
	copy(out, m.webhooks)
	return out
}

// History returns up to limit of the most recent alerts, oldest first.
func (m *Manager) History(limit int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Record, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// Fire records the alert and delivers it to matching webhooks in the
// background. The payload is serialized once and shared by every
// delivery.
func (m *Manager) Fire(event Event, summary string, details map[string]any, severity string) {
	record := Record{
		Event:     event,
		Timestamp: time.Now().Format(time.RFC3339),
		Summary:   summary,
		Severity:  severity,
	}

	m.mu.Lock()
	m.history = append(m.history, record)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	var matching []Webhook
	for _, w := range m.webhooks {
		if w.wants(event) {
			matching = append(matching, w)
		}
	}
	m.mu.Unlock()

	if len(matching) == 0 {
		return
	}

	body, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": record.Timestamp,
		"summary":   summary,
		"details":   details,
		"severity":  severity,
		"source":    "prompt-firewall",
	})
	if err != nil {
		slog.Error("Failed to serialize alert payload", "event", event, "error", err)
		return
	}

	for _, wh := range matching {
		go m.send(wh, body)
	}
}

func (m *Manager) send(wh Webhook, body []byte) {
	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("Webhook request build failed", "name", wh.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if wh.Secret != "" {
		mac := hmac.New(sha256.New, []byte(wh.Secret))
		mac.Write(body)
		req.Header.Set("X-PF-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		slog.Warn("Webhook delivery failed", "name", wh.Name, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Warn("Webhook returned error status", "name", wh.Name, "status", resp.StatusCode)
	}
}
