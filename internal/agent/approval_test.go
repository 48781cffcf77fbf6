package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestGate(t *testing.T) *ApprovalGate {
	t.Helper()
	return NewApprovalGate(GateConfig{Required: true}, nil, nil)
}

func TestGateNeedsApproval(t *testing.T) {
	gate := newTestGate(t)

	tests := []struct {
		tool string
		want bool
	}{
		{"run_command", true},
		{"write_file", true},
		{"web_search", false},
		{"read_file", false},
		{"never_heard_of_it", false}, // fallback is moderate
	}
	for _, tt := range tests {
		if got := gate.NeedsApproval(tt.tool); got != tt.want {
			t.Errorf("NeedsApproval(%s) = %v, want %v", tt.tool, got, tt.want)
		}
	}
}

func TestGateDisabledWavesEverythingThrough(t *testing.T) {
	gate := NewApprovalGate(GateConfig{Required: false}, nil, nil)
	if gate.NeedsApproval("run_command") {
		t.Error("disabled gate should not require approval")
	}
}

func TestGateRiskOverrides(t *testing.T) {
	gate := NewApprovalGate(GateConfig{
		Required:    true,
		DefaultRisk: RiskDangerous,
		Overrides:   map[string]RiskLevel{"web_search": RiskDangerous},
	}, nil, nil)

	if !gate.NeedsApproval("web_search") {
		t.Error("override to dangerous should require approval")
	}
	if !gate.NeedsApproval("unknown_tool") {
		t.Error("dangerous fallback should require approval for unknown tools")
	}

	gate.SetRiskFor("web_search", RiskSafe)
	if gate.NeedsApproval("web_search") {
		t.Error("runtime override back to safe should clear the requirement")
	}
}

func TestGateCreateShape(t *testing.T) {
	gate := newTestGate(t)

	approval := gate.Create("run_command", map[string]any{"command": "ls -la"}, "")
	if len(approval.ID) != 8 {
		t.Errorf("ID length = %d, want 8", len(approval.ID))
	}
	if approval.ID != strings.ToLower(approval.ID) {
		t.Errorf("ID %q is not lowercase", approval.ID)
	}
	if approval.Risk != RiskDangerous {
		t.Errorf("Risk = %s, want dangerous", approval.Risk)
	}
	if approval.Description != "Execute `run_command` with given arguments" {
		t.Errorf("Description = %q", approval.Description)
	}
	if got := approval.ExpiresAt.Sub(approval.CreatedAt); got != DefaultApprovalTTL {
		t.Errorf("expiry window = %v, want %v", got, DefaultApprovalTTL)
	}
	if !approval.PendingAt(time.Now()) {
		t.Error("fresh approval should be pending")
	}
}

func TestGateApproveAndDeny(t *testing.T) {
	gate := newTestGate(t)

	a := gate.Create("run_command", nil, "")
	if !gate.Approve(a.ID) {
		t.Fatal("Approve on pending request should succeed")
	}
	if gate.Approve(a.ID) {
		t.Error("second Approve should fail once terminal")
	}
	if gate.Deny(a.ID) {
		t.Error("Deny after Approve should fail")
	}

	b := gate.Create("write_file", nil, "")
	if !gate.Deny(b.ID) {
		t.Fatal("Deny on pending request should succeed")
	}
	if gate.Approve(b.ID) {
		t.Error("Approve after Deny should fail")
	}

	if gate.Approve("00000000") {
		t.Error("Approve on unknown id should fail")
	}
}

func TestGateIDLookupIsCaseInsensitive(t *testing.T) {
	gate := newTestGate(t)
	a := gate.Create("run_command", nil, "")

	if !gate.Approve("  " + strings.ToUpper(a.ID) + " ") {
		t.Error("uppercase id with whitespace should still resolve")
	}
}

func TestGateExpiry(t *testing.T) {
	gate := newTestGate(t)
	now := time.Now()
	gate.now = func() time.Time { return now }

	a := gate.Create("run_command", nil, "")

	now = now.Add(DefaultApprovalTTL + time.Second)
	if gate.Approve(a.ID) {
		t.Error("Approve past expiry should fail")
	}
	if got, ok := gate.Get(a.ID); !ok || got.State(now) != "expired" {
		t.Errorf("State = %v, ok = %v, want expired", got, ok)
	}
}

func TestGatePendingSweepsTerminalAndExpired(t *testing.T) {
	gate := newTestGate(t)
	now := time.Now()
	gate.now = func() time.Time { return now }

	stale := gate.Create("run_command", nil, "")
	approved := gate.Create("run_command", nil, "")
	gate.Approve(approved.ID)

	// Advance past the TTL so stale expires, then create one inside the
	// fresh window.
	now = now.Add(DefaultApprovalTTL + time.Second)
	fresh := gate.Create("run_command", nil, "")

	pending := gate.Pending()
	if len(pending) != 1 {
		t.Fatalf("Pending returned %d, want 1", len(pending))
	}
	if pending[0].ID != fresh.ID {
		t.Errorf("Pending[0].ID = %s, want %s", pending[0].ID, fresh.ID)
	}

	if _, ok := gate.Get(stale.ID); ok {
		t.Error("expired id should be swept after Pending")
	}
	if _, ok := gate.Get(approved.ID); ok {
		t.Error("approved id should be swept after Pending")
	}
}

func TestGateWait(t *testing.T) {
	gate := newTestGate(t)

	t.Run("approved", func(t *testing.T) {
		a := gate.Create("run_command", nil, "")
		var wg sync.WaitGroup
		results := make([]bool, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = gate.Wait(context.Background(), a.ID, time.Second)
			}(i)
		}
		time.Sleep(20 * time.Millisecond)
		gate.Approve(a.ID)
		wg.Wait()
		for i, got := range results {
			if !got {
				t.Errorf("waiter %d = false, want true", i)
			}
		}
	})

	t.Run("denied", func(t *testing.T) {
		a := gate.Create("run_command", nil, "")
		done := make(chan bool, 1)
		go func() { done <- gate.Wait(context.Background(), a.ID, time.Second) }()
		time.Sleep(20 * time.Millisecond)
		gate.Deny(a.ID)
		if <-done {
			t.Error("Wait should return false on deny")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		a := gate.Create("run_command", nil, "")
		if gate.Wait(context.Background(), a.ID, 30*time.Millisecond) {
			t.Error("Wait should return false on timeout")
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if gate.Wait(context.Background(), "deadbeef", time.Second) {
			t.Error("Wait on unknown id should return false")
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		a := gate.Create("run_command", nil, "")
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan bool, 1)
		go func() { done <- gate.Wait(ctx, a.ID, time.Minute) }()
		time.Sleep(20 * time.Millisecond)
		cancel()
		if <-done {
			t.Error("Wait should return false when ctx is cancelled")
		}
	})
}

func TestGateCreateReturnsSnapshot(t *testing.T) {
	gate := newTestGate(t)
	a := gate.Create("run_command", map[string]any{"command": "ls"}, "")

	gate.Approve(a.ID)
	if a.Approved {
		t.Error("snapshot should not observe later transitions")
	}

	got, ok := gate.Get(a.ID)
	if !ok || !got.Approved {
		t.Error("gate state should observe the transition")
	}
}

func TestApprovalFormatForDisplay(t *testing.T) {
	p := &PendingApproval{
		ID:        "abc12345",
		ToolName:  "run_command",
		Arguments: map[string]any{"command": "rm -rf /tmp/x", "cwd": "/tmp"},
		Risk:      RiskDangerous,
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}

	card := p.FormatForDisplay()
	for _, want := range []string{
		"Approval Required",
		"`run_command`",
		"dangerous",
		"command: rm -rf /tmp/x",
		"/approve abc12345",
		"/deny abc12345",
	} {
		if !strings.Contains(card, want) {
			t.Errorf("card missing %q:\n%s", want, card)
		}
	}
}
