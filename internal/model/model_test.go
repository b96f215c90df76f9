package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelling, true},
		{StatusRunning, StatusCancelled, true},
		{StatusCancelling, StatusCancelled, true},
		{StatusCancelling, StatusFailed, true},
		{StatusCancelling, StatusRunning, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []string{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	nonTerminal := []string{StatusQueued, StatusRunning, StatusCancelling}
	for _, s := range nonTerminal {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestNodeFieldName(t *testing.T) {
	n := Node{ID: "in1", Kind: NodeInput, Config: map[string]any{ConfigKeyField: "age"}}
	if got := n.FieldName(); got != "age" {
		t.Errorf("FieldName() = %q, want %q", got, "age")
	}

	none := Node{ID: "b1", Kind: NodeBlock}
	if got := none.FieldName(); got != "" {
		t.Errorf("FieldName() on unconfigured node = %q, want empty", got)
	}

	wrongType := Node{ID: "in2", Kind: NodeInput, Config: map[string]any{ConfigKeyField: 7}}
	if got := wrongType.FieldName(); got != "" {
		t.Errorf("FieldName() with non-string field = %q, want empty", got)
	}
}
