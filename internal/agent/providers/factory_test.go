package providers

import (
	"context"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		kind     string
		wantName string
	}{
		{"", "anthropic"},
		{"anthropic", "anthropic"},
		{"Anthropic", "anthropic"},
		{"openai", "openai"},
		{"google", "google"},
		{"gemini", "google"},
	}

	for _, tt := range tests {
		t.Run("kind_"+tt.kind, func(t *testing.T) {
			provider, err := New(context.Background(), tt.kind, Config{APIKey: "test-key"})
			if err != nil {
				t.Fatalf("New(%q): %v", tt.kind, err)
			}
			if provider.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", provider.Name(), tt.wantName)
			}
		})
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	if _, err := New(context.Background(), "mystery", Config{APIKey: "test-key"}); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}
