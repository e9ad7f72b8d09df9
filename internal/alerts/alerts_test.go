package alerts

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type delivery struct {
	body      []byte
	signature string
}

func captureServer(t *testing.T, ch chan<- delivery) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- delivery{body: body, signature: r.Header.Get("X-PF-Signature")}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitDelivery(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
		return delivery{}
	}
}

func TestAddWebhook_Defaults(t *testing.T) {
	m := NewManager()
	wh := m.AddWebhook("http://example.com/hook", "", nil, "")

	if wh.Name != "default" {
		t.Errorf("empty name should default, got %q", wh.Name)
	}
	if len(wh.Events) != len(AllEvents) {
		t.Errorf("empty events should subscribe to all, got %v", wh.Events)
	}
	if !wh.Enabled {
		t.Error("new webhooks start enabled")
	}
}

func TestWebhook_SecretHiddenInJSON(t *testing.T) {
	m := NewManager()
	m.AddWebhook("http://example.com/hook", "h", nil, "topsecret")

	data, err := json.Marshal(m.Webhooks())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(data, []byte("topsecret")) {
		t.Errorf("serialized webhook listing leaks the secret: %s", data)
	}
}

func TestFire_DeliversMatchingEvent(t *testing.T) {
	ch := make(chan delivery, 1)
	srv := captureServer(t, ch)

	m := NewManager()
	m.AddWebhook(srv.URL, "hook", []Event{EventThreatCritical}, "")

	m.Fire(EventThreatCritical, "Threat critical: gpt-4", map[string]any{"model": "gpt-4"}, "high")
	d := waitDelivery(t, ch)

	var payload map[string]any
	if err := json.Unmarshal(d.body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["event"] != string(EventThreatCritical) {
		t.Errorf("event = %v", payload["event"])
	}
	if payload["source"] != "prompt-firewall" {
		t.Errorf("source = %v, want prompt-firewall", payload["source"])
	}
	if payload["summary"] != "Threat critical: gpt-4" {
		t.Errorf("summary = %v", payload["summary"])
	}
	if d.signature != "" {
		t.Error("no secret, no signature header")
	}
}

func TestFire_SkipsNonMatchingEvent(t *testing.T) {
	ch := make(chan delivery, 1)
	srv := captureServer(t, ch)

	m := NewManager()
	m.AddWebhook(srv.URL, "hook", []Event{EventBudgetWarning}, "")
	m.Fire(EventThreatHigh, "ignored", nil, "high")

	select {
	case <-ch:
		t.Error("webhook should not receive unsubscribed events")
	case <-time.After(200 * time.Millisecond):
	}

	// History records the event regardless.
	if h := m.History(0); len(h) != 1 || h[0].Event != EventThreatHigh {
		t.Errorf("history = %v", h)
	}
}

func TestFire_SignsWithSecret(t *testing.T) {
	ch := make(chan delivery, 1)
	srv := captureServer(t, ch)

	m := NewManager()
	m.AddWebhook(srv.URL, "hook", nil, "s3cret")
	m.Fire(EventRequestBlocked, "Request blocked: test", nil, "high")

	d := waitDelivery(t, ch)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(d.body)
	want := hex.EncodeToString(mac.Sum(nil))
	if d.signature != want {
		t.Errorf("signature = %q, want body HMAC %q", d.signature, want)
	}
}

func TestRemoveWebhook(t *testing.T) {
	m := NewManager()
	m.AddWebhook("http://example.com/a", "a", nil, "")
	m.AddWebhook("http://example.com/b", "b", nil, "")

	if !m.RemoveWebhook("a") {
		t.Error("expected removal of existing webhook")
	}
	if m.RemoveWebhook("a") {
		t.Error("second removal should report false")
	}
	hooks := m.Webhooks()
	if len(hooks) != 1 || hooks[0].Name != "b" {
		t.Errorf("remaining hooks = %v", hooks)
	}
}

func TestHistory_TrimsToLimit(t *testing.T) {
	m := NewManager()
	for i := 0; i < 130; i++ {
		m.Fire(EventThreatHigh, fmt.Sprintf("alert %d", i), nil, "high")
	}

	h := m.History(0)
	if len(h) != 100 {
		t.Fatalf("history length = %d, want 100", len(h))
	}
	if h[0].Summary != "alert 30" || h[99].Summary != "alert 129" {
		t.Errorf("expected oldest entries dropped, got %q..%q", h[0].Summary, h[99].Summary)
	}

	if got := m.History(5); len(got) != 5 || got[4].Summary != "alert 129" {
		t.Errorf("History(5) should return the newest five oldest-first, got %v", got)
	}
}
