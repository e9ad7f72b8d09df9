package firewall

import (
	"strings"
	"testing"
)

func TestThreatLevelOrdering(t *testing.T) {
	if !ThreatCritical.AtLeast(ThreatHigh) || ThreatLow.AtLeast(ThreatMedium) {
		t.Error("threat ordering broken")
	}
	if MaxThreat(ThreatLow, ThreatHigh) != ThreatHigh {
		t.Error("MaxThreat should pick the more severe level")
	}
	if MaxThreat(ThreatMedium, ThreatNone) != ThreatMedium {
		t.Error("MaxThreat should keep the first when more severe")
	}
}

func TestPreview(t *testing.T) {
	short := "hello"
	if got := Preview(short); got != short {
		t.Errorf("short prompt should pass through, got %q", got)
	}

	long := strings.Repeat("a", 200)
	got := Preview(long)
	if len([]rune(got)) != PromptPreviewLen+3 {
		t.Errorf("preview length = %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated preview must end with ellipsis")
	}
}

func TestNewTrafficEntry(t *testing.T) {
	e := NewTrafficEntry()
	if len(e.ID) != 8 {
		t.Errorf("id length = %d, want 8", len(e.ID))
	}
	if e.Method != "POST" || e.Model != "unknown" || e.Status != 200 {
		t.Errorf("unexpected defaults: %+v", e)
	}
	if e.ThreatLevel != ThreatNone {
		t.Errorf("threat = %s, want none", e.ThreatLevel)
	}
}

func TestSecurityRulesValidate(t *testing.T) {
	good := DefaultRules()
	if err := good.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}

	bad := DefaultRules()
	bad.InjectionRule.Threshold = -0.1
	if err := bad.Validate(); err == nil {
		t.Error("negative threshold should fail")
	}

	bad = DefaultRules()
	bad.PIIRules[0].Action = "explode"
	if err := bad.Validate(); err == nil {
		t.Error("unknown action should fail")
	}

	bad = DefaultRules()
	bad.BudgetRule.DailyLimit = -1
	if err := bad.Validate(); err == nil {
		t.Error("negative limit should fail")
	}
}
