// Package proxy implements the interception front-end: it runs every
// outbound AI API request through the security pipeline, forwards what
// survives, and records the outcome.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"promptfw/internal/access"
	"promptfw/internal/alerts"
	"promptfw/internal/firewall"
	"promptfw/internal/intercept"
	"promptfw/internal/provider"
	"promptfw/internal/telemetry"
	"promptfw/internal/traffic"
)

// TargetHeader carries the upstream URL the client wants to reach.
const TargetHeader = "X-Target-URL"

// Publisher pushes finished entries to live dashboard clients.
type Publisher interface {
	Broadcast(entry firewall.TrafficEntry)
}

// Proxy is the HTTP handler for the interception listener.
type Proxy struct {
	interceptor   *intercept.Interceptor
	access        *access.Manager
	log           traffic.Store
	publisher     Publisher
	alerts        *alerts.Manager
	upstream      Upstream
	telemetry     *telemetry.Provider
	defaultTarget string
}

// Config wires the proxy's collaborators. Publisher and Alerts may be
// nil; Telemetry defaults to a no-op provider.
type Config struct {
	Interceptor   *intercept.Interceptor
	Access        *access.Manager
	TrafficLog    traffic.Store
	Publisher     Publisher
	Alerts        *alerts.Manager
	Upstream      Upstream
	Telemetry     *telemetry.Provider
	DefaultTarget string
}

// New creates the proxy handler.
func New(cfg Config) *Proxy {
	if cfg.Upstream == nil {
		cfg.Upstream = NewHTTPUpstream()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.NoopProvider()
	}
	return &Proxy{
		interceptor:   cfg.Interceptor,
		access:        cfg.Access,
		log:           cfg.TrafficLog,
		publisher:     cfg.Publisher,
		alerts:        cfg.Alerts,
		upstream:      cfg.Upstream,
		telemetry:     cfg.Telemetry,
		defaultTarget: cfg.DefaultTarget,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}
	r.Body.Close()

	target := r.Header.Get(TargetHeader)
	if target == "" {
		target = p.defaultTarget
	}
	if target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "missing_target",
			"detail": "set the " + TargetHeader + " header or configure a default target",
		})
		return
	}

	ctx, span := p.telemetry.StartRequestSpan(r.Context(), r.Method, target)

	// Endpoint allow/block lists run before anything else. Allowed
	// endpoints bypass the pipeline entirely.
	verdict, reason := p.access.CheckEndpoint(target)
	if verdict == access.VerdictBlock {
		entry := firewall.NewTrafficEntry()
		entry.Method = r.Method
		entry.Endpoint = target
		entry.Blocked = true
		entry.BlockReason = reason
		entry.Status = http.StatusForbidden
		p.telemetry.EndRequestSpan(span, entry, string(provider.Unknown), nil)
		writeBlocked(w, reason)
		return
	}
	if verdict == access.VerdictAllow {
		p.forwardRaw(ctx, w, r, span, target, body)
		return
	}

	info := provider.Detect(target, body)

	processedBody, entry := p.interceptor.ProcessRequest(body, target)
	entry.Method = r.Method
	entry.Provider = string(info.Provider)
	if entry.Model == "unknown" && info.Model != "unknown" {
		entry.Model = info.Model
	}

	// Model and keyword lists apply to anything the pipeline let through.
	if !entry.Blocked {
		if v, why := p.access.CheckModel(entry.Model); v == access.VerdictBlock {
			entry.Blocked = true
			entry.BlockReason = why
		}
	}
	if !entry.Blocked {
		if hit, why := p.access.CheckKeywords(string(body)); hit {
			entry.Blocked = true
			entry.BlockReason = why
		}
	}

	if entry.Blocked {
		entry.Status = http.StatusForbidden
		entry.LatencyMS = msSince(start)
		p.record(entry)
		p.fireBlockedAlert(entry)
		slog.Warn("Request blocked", "entry_id", entry.ID, "reason", entry.BlockReason)
		p.telemetry.EndRequestSpan(span, entry, string(info.Provider), nil)
		writeBlocked(w, entry.BlockReason)
		return
	}

	resp, err := p.upstream.Send(ctx, r.Method, target, forwardHeaders(r.Header), processedBody)
	if err != nil {
		entry.Status = http.StatusBadGateway
		entry.LatencyMS = msSince(start)
		p.record(entry)
		slog.Error("Upstream request failed", "entry_id", entry.ID, "target", target, "error", err)
		p.telemetry.EndRequestSpan(span, entry, string(info.Provider), err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	entry.Status = resp.Status
	entry = p.interceptor.ProcessResponse(resp.Body, entry)
	entry.LatencyMS = msSince(start)
	p.record(entry)

	slog.Info("Request proxied",
		"entry_id", entry.ID,
		"provider", entry.Provider,
		"model", entry.Model,
		"tokens", entry.TokensUsed,
		"cost", fmt.Sprintf("%.4f", entry.Cost),
		"threat_level", entry.ThreatLevel,
	)

	p.fireThreatAlerts(entry)
	p.telemetry.EndRequestSpan(span, entry, string(info.Provider), nil)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// forwardRaw forwards allowlisted traffic without inspection.
func (p *Proxy) forwardRaw(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, target string, body []byte) {
	entry := firewall.NewTrafficEntry()
	entry.Method = r.Method
	entry.Endpoint = target

	resp, err := p.upstream.Send(ctx, r.Method, target, forwardHeaders(r.Header), body)
	if err != nil {
		entry.Status = http.StatusBadGateway
		p.telemetry.EndRequestSpan(span, entry, string(provider.Unknown), err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	entry.Status = resp.Status
	p.telemetry.EndRequestSpan(span, entry, string(provider.Unknown), nil)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (p *Proxy) record(entry firewall.TrafficEntry) {
	p.log.Append(entry)
	if p.publisher != nil {
		p.publisher.Broadcast(entry)
	}
}

func (p *Proxy) fireBlockedAlert(entry firewall.TrafficEntry) {
	if p.alerts == nil {
		return
	}
	p.alerts.Fire(alerts.EventRequestBlocked,
		fmt.Sprintf("Request blocked: %s", entry.BlockReason),
		map[string]any{
			"endpoint": entry.Endpoint,
			"model":    entry.Model,
			"reason":   entry.BlockReason,
		}, "high")
}

// fireThreatAlerts emits the post-forward alerts: high and critical
// threats, response PII leaks, and the 80% budget warning.
func (p *Proxy) fireThreatAlerts(entry firewall.TrafficEntry) {
	if p.alerts == nil {
		return
	}

	if entry.ThreatLevel == firewall.ThreatHigh || entry.ThreatLevel == firewall.ThreatCritical {
		event := alerts.EventThreatHigh
		if entry.ThreatLevel == firewall.ThreatCritical {
			event = alerts.EventThreatCritical
		}
		p.alerts.Fire(event,
			fmt.Sprintf("Threat %s: %s", entry.ThreatLevel, entry.Model),
			map[string]any{
				"endpoint": entry.Endpoint,
				"model":    entry.Model,
				"tokens":   entry.TokensUsed,
			}, "high")
	}

	var leakTypes []string
	for _, m := range entry.PIIDetected {
		if strings.HasPrefix(m.Redacted, "[RESP]") {
			leakTypes = append(leakTypes, string(m.PIIType))
		}
	}
	if len(leakTypes) > 0 {
		p.alerts.Fire(alerts.EventPIIResponseLeak,
			fmt.Sprintf("PII leaked in response from %s", entry.Model),
			map[string]any{
				"pii_types": leakTypes,
				"model":     entry.Model,
			}, "high")
	}

	if spent, limit, ok := p.interceptor.BudgetUsage(); ok && spent >= 0.8*limit {
		p.alerts.Fire(alerts.EventBudgetWarning,
			fmt.Sprintf("Daily spend $%.2f is at %.0f%% of the $%.2f limit", spent, spent/limit*100, limit),
			map[string]any{
				"daily_spend": spent,
				"daily_limit": limit,
			}, "high")
	}
}

// forwardHeaders copies the client headers, dropping the ones the proxy
// owns.
func forwardHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, vals := range in {
		switch strings.ToLower(k) {
		case "host", "content-length", "x-target-url":
			continue
		}
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}

// copyResponseHeaders relays upstream headers, dropping encoding and
// length headers the rewritten body invalidates.
func copyResponseHeaders(dst, src http.Header) {
	for k, vals := range src {
		switch strings.ToLower(k) {
		case "content-encoding", "transfer-encoding", "content-length":
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func writeBlocked(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusForbidden, map[string]string{
		"error":  "blocked",
		"reason": reason,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
