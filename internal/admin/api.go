// Package admin exposes the control-plane HTTP API: stats, policy and
// access management, webhooks, alert history, traffic inspection and
// replay, and the live websocket stream.
package admin

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"promptfw/internal/access"
	"promptfw/internal/alerts"
	"promptfw/internal/budget"
	"promptfw/internal/detect"
	"promptfw/internal/firewall"
	"promptfw/internal/intercept"
	"promptfw/internal/rules"
	"promptfw/internal/traffic"
)

// StatsFunc supplies current dashboard stats.
type StatsFunc func() firewall.Stats

// Config wires the API's collaborators.
type Config struct {
	APIKey      string
	CORSOrigins []string

	Rules       *rules.Store
	Access      *access.Manager
	PII         *detect.PIIDetector
	Injection   *detect.InjectionDetector
	Interceptor *intercept.Interceptor
	Ledger      *budget.Ledger
	Alerts      *alerts.Manager
	TrafficLog  traffic.Store
	Stream      http.Handler
	Stats       StatsFunc
}

// API is the control-plane handler.
type API struct {
	mux         *http.ServeMux
	apiKey      string
	corsOrigins map[string]bool

	rules       *rules.Store
	access      *access.Manager
	pii         *detect.PIIDetector
	injection   *detect.InjectionDetector
	interceptor *intercept.Interceptor
	ledger      *budget.Ledger
	alerts      *alerts.Manager
	log         traffic.Store
	stats       StatsFunc
}

// New builds the API and registers its routes.
func New(cfg Config) *API {
	a := &API{
		mux:         http.NewServeMux(),
		apiKey:      cfg.APIKey,
		corsOrigins: make(map[string]bool, len(cfg.CORSOrigins)),
		rules:       cfg.Rules,
		access:      cfg.Access,
		pii:         cfg.PII,
		injection:   cfg.Injection,
		interceptor: cfg.Interceptor,
		ledger:      cfg.Ledger,
		alerts:      cfg.Alerts,
		log:         cfg.TrafficLog,
		stats:       cfg.Stats,
	}
	for _, o := range cfg.CORSOrigins {
		a.corsOrigins[o] = true
	}

	a.mux.HandleFunc("GET /api/health", a.handleHealth)
	a.mux.HandleFunc("GET /api/stats", a.handleStats)
	a.mux.HandleFunc("GET /api/rules", a.handleGetRules)
	a.mux.HandleFunc("POST /api/rules", a.handleUpdateRules)
	a.mux.HandleFunc("GET /api/access", a.handleGetAccess)
	a.mux.HandleFunc("POST /api/access", a.handleUpdateAccess)
	a.mux.HandleFunc("GET /api/patterns", a.handleListPatterns)
	a.mux.HandleFunc("POST /api/patterns", a.handleAddPattern)
	a.mux.HandleFunc("DELETE /api/patterns/{name}", a.handleDeletePattern)
	a.mux.HandleFunc("GET /api/webhooks", a.handleListWebhooks)
	a.mux.HandleFunc("POST /api/webhooks", a.handleAddWebhook)
	a.mux.HandleFunc("DELETE /api/webhooks/{name}", a.handleDeleteWebhook)
	a.mux.HandleFunc("GET /api/alerts", a.handleAlerts)
	a.mux.HandleFunc("GET /api/traffic", a.handleTraffic)
	a.mux.HandleFunc("GET /api/traffic/export", a.handleExport)
	a.mux.HandleFunc("GET /api/budget", a.handleBudget)
	a.mux.HandleFunc("POST /api/replay", a.handleReplay)
	a.mux.HandleFunc("POST /api/test/pii", a.handleTestPII)
	a.mux.HandleFunc("POST /api/test/injection", a.handleTestInjection)
	a.mux.HandleFunc("POST /api/test/access", a.handleTestAccess)
	if cfg.Stream != nil {
		a.mux.Handle("GET /ws", cfg.Stream)
	}

	return a
}

// ServeHTTP applies CORS and auth, then dispatches.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.setCORSHeaders(w, r)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Mutating methods need the API key; reads stay open for the
	// dashboard.
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if r.Header.Get("X-API-Key") != a.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":  "unauthorized",
				"detail": "Invalid or missing X-API-Key header",
			})
			return
		}
	}

	a.mux.ServeHTTP(w, r)
}

func (a *API) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	switch {
	case a.corsOrigins[origin] || a.corsOrigins["*"]:
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
	case origin == "":
		// No Origin header (curl and friends).
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Target-URL, X-API-Key")
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.stats())
}

func (a *API) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rules.Snapshot())
}

func (a *API) handleUpdateRules(w http.ResponseWriter, r *http.Request) {
	// Partial documents are allowed: omitted sections keep their defaults.
	next := firewall.DefaultRules()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeValidationError(w, err)
		return
	}
	if err := a.rules.Replace(next); err != nil {
		writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.rules.Snapshot())
}

func (a *API) handleGetAccess(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.access.Snapshot())
}

func (a *API) handleUpdateAccess(w http.ResponseWriter, r *http.Request) {
	var patch access.RulesPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.access.Update(patch))
}

func (a *API) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pii.Patterns())
}

func (a *API) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Pattern string `json:"pattern"`
		Label   string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.Name == "" || req.Pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing 'name' or 'pattern' field"})
		return
	}
	if err := a.pii.AddPattern(req.Name, req.Pattern, req.Label); err != nil {
		writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "patterns": a.pii.Patterns()})
}

func (a *API) handleDeletePattern(w http.ResponseWriter, r *http.Request) {
	removed := a.pii.RemovePattern(r.PathValue("name"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": removed})
}

func (a *API) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.alerts.Webhooks())
}

func (a *API) handleAddWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string         `json:"url"`
		Name   string         `json:"name"`
		Events []alerts.Event `json:"events"`
		Secret string         `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, err)
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing 'url' field"})
		return
	}
	wh := a.alerts.AddWebhook(req.URL, req.Name, req.Events, req.Secret)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"webhook": map[string]string{"name": wh.Name, "url": wh.URL},
	})
}

func (a *API) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	removed := a.alerts.RemoveWebhook(r.PathValue("name"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": removed})
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.alerts.History(queryInt(r, "limit", 50)))
}

func (a *API) handleTraffic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.log.Recent(queryInt(r, "limit", 100)))
}

func (a *API) handleBudget(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ledger.Status())
}

// exportColumns is the fixed CSV column order; nested values are
// JSON-encoded into their cell.
var exportColumns = []string{
	"id", "timestamp", "method", "endpoint", "model", "provider",
	"prompt_preview", "status", "tokens_used", "cost", "threat_level",
	"pii_detected", "injection_detected", "blocked", "block_reason",
	"latency_ms",
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	entries := a.log.Snapshot()
	format := strings.ToLower(r.URL.Query().Get("format"))

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=traffic_export.csv")
		cw := csv.NewWriter(w)
		cw.Write(exportColumns)
		for _, e := range entries {
			cw.Write(exportRow(e))
		}
		cw.Flush()
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=traffic_export.json")
	writeJSON(w, http.StatusOK, entries)
}

func exportRow(e firewall.TrafficEntry) []string {
	pii, _ := json.Marshal(e.PIIDetected)
	inj, _ := json.Marshal(e.InjectionDetected)
	return []string{
		e.ID,
		e.Timestamp.Format(time.RFC3339Nano),
		e.Method,
		e.Endpoint,
		e.Model,
		e.Provider,
		e.PromptPreview,
		strconv.Itoa(e.Status),
		strconv.Itoa(e.TokensUsed),
		strconv.FormatFloat(e.Cost, 'f', -1, 64),
		string(e.ThreatLevel),
		string(pii),
		string(inj),
		strconv.FormatBool(e.Blocked),
		e.BlockReason,
		strconv.FormatFloat(e.LatencyMS, 'f', -1, 64),
	}
}

// handleReplay re-runs a logged request (or raw text) through the
// pipeline without forwarding anything upstream.
func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Text     string `json:"text"`
		Endpoint string `json:"endpoint"`
		Model    string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	text, endpoint, model := req.Text, req.Endpoint, req.Model
	if req.ID != "" {
		original, ok := a.log.Find(req.ID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": fmt.Sprintf("Entry %s not found", req.ID),
			})
			return
		}
		// Only the 150-char preview is stored, so the replay verdict
		// covers the preview, not the full original prompt.
		text = original.PromptPreview
		endpoint = original.Endpoint
		model = original.Model
	}
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No text to replay"})
		return
	}
	if endpoint == "" {
		endpoint = "test://replay"
	}
	if model == "" {
		model = "unknown"
	}

	synthetic, err := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": text},
		},
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	_, entry := a.interceptor.ProcessRequest(synthetic, endpoint)

	writeJSON(w, http.StatusOK, map[string]any{
		"replay":             true,
		"blocked":            entry.Blocked,
		"block_reason":       entry.BlockReason,
		"threat_level":       entry.ThreatLevel,
		"pii_detected":       entry.PIIDetected,
		"injection_detected": entry.InjectionDetected,
		"tokens_estimated":   entry.TokensUsed,
		"model":              entry.Model,
	})
}

func (a *API) handleTestPII(w http.ResponseWriter, r *http.Request) {
	text, ok := decodeTestText(w, r)
	if !ok {
		return
	}
	matches := a.pii.Scan(text, a.rules.Snapshot().PIIRules)
	if matches == nil {
		matches = []firewall.PIIMatch{}
	}
	writeJSON(w, http.StatusOK, matches)
}

func (a *API) handleTestInjection(w http.ResponseWriter, r *http.Request) {
	text, ok := decodeTestText(w, r)
	if !ok {
		return
	}
	matches := a.injection.Scan(text, a.rules.Snapshot().InjectionRule)
	score := detect.ThreatScore(matches)
	if matches == nil {
		matches = []firewall.InjectionMatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matches": matches,
		"score":   score,
		"level":   firewall.ThreatLevelForScore(score),
	})
}

func (a *API) handleTestAccess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
		Model    string `json:"model"`
		Text     string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	result := make(map[string]any)
	if req.Endpoint != "" {
		verdict, reason := a.access.CheckEndpoint(req.Endpoint)
		result["endpoint"] = map[string]any{"verdict": verdict, "reason": reason}
	}
	if req.Model != "" {
		verdict, reason := a.access.CheckModel(req.Model)
		result["model"] = map[string]any{"verdict": verdict, "reason": reason}
	}
	if req.Text != "" {
		hit, reason := a.access.CheckKeywords(req.Text)
		result["keywords"] = map[string]any{"blocked": hit, "reason": reason}
	}
	if len(result) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Provide at least one of 'endpoint', 'model' or 'text'",
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeTestText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing or invalid 'text' field"})
		return "", false
	}
	return req.Text, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":  "validation_failed",
		"detail": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
