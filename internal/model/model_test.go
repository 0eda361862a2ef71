package model

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
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
		from, to Phase
		want     bool
	}{
		{PhaseQueued, PhaseRunning, true},
		{PhaseQueued, PhaseComplete, true},
		{PhaseQueued, PhaseCancelled, true},
		{PhaseRunning, PhaseWarmingUp, true},
		{PhaseWarmingUp, PhaseRunning, true},
		{PhaseRunning, PhaseRunning, true},
		{PhaseRunning, PhaseCancelled, true},
		{PhaseRunning, PhaseQueued, false},
		{PhaseComplete, PhaseCancelled, false},
		{PhaseFailed, PhaseCancelled, false},
		{PhaseCancelled, PhaseRunning, false},
		{PhaseComplete, PhaseComplete, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPhaseTerminal(t *testing.T) {
	terminal := map[Phase]bool{
		PhaseQueued:    false,
		PhaseWarmingUp: false,
		PhaseRunning:   false,
		PhaseComplete:  true,
		PhaseFailed:    true,
		PhaseCancelled: true,
	}
	for p, want := range terminal {
		if got := p.Terminal(); got != want {
			t.Errorf("%q.Terminal() = %v, want %v", p, got, want)
		}
	}
}

func TestNewBatchOutcomeCounts(t *testing.T) {
	zero := 0
	one := 1
	outcomes := []ExecutionOutcome{
		{Success: true, Exit: ExitNormal, ExitCode: &zero},
		{Success: true, Exit: ExitNormal, ExitCode: &zero, Cached: true},
		{Success: false, Exit: ExitNormal, ExitCode: &one},
		{Success: false, Exit: ExitTimedOut},
		{Success: false, Exit: ExitCancelled},
	}

	b := NewBatchOutcome(outcomes, 3*time.Second)
	if b.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", b.Succeeded)
	}
	if b.Failed != 2 {
		t.Errorf("Failed = %d, want 2", b.Failed)
	}
	if b.Cancelled != 1 {
		t.Errorf("Cancelled = %d, want 1", b.Cancelled)
	}
	if b.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", b.CacheHits)
	}
	if len(b.Outcomes) != len(outcomes) {
		t.Errorf("len(Outcomes) = %d, want %d", len(b.Outcomes), len(outcomes))
	}
}

func TestCacheKeyRoundTrip(t *testing.T) {
	var k CacheKey
	for i := range k.Digest {
		k.Digest[i] = byte(i)
	}
	k.Algorithm = KeyAlgorithm

	parsed, err := ParseCacheKey(k.String())
	if err != nil {
		t.Fatalf("ParseCacheKey(%q): %v", k.String(), err)
	}
	if !parsed.Equal(k) || parsed.Algorithm != KeyAlgorithm {
		t.Errorf("ParseCacheKey(%q) = %v, want %v", k.String(), parsed, k)
	}

	bare, err := ParseCacheKey(k.Hex())
	if err != nil {
		t.Fatalf("ParseCacheKey(bare): %v", err)
	}
	if !bare.Equal(k) {
		t.Errorf("bare hex did not parse to the same digest")
	}
}

func TestParseCacheKeyInvalid(t *testing.T) {
	for _, s := range []string{"", "zz", "sha256/v1:abcd"} {
		if _, err := ParseCacheKey(s); err == nil {
			t.Errorf("ParseCacheKey(%q) returned nil error", s)
		}
	}
}

func TestFileDocumentSerialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.idf")
	if err := os.WriteFile(path, []byte("Version,9.4;"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := FileDocument(path).Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if buf.String() != "Version,9.4;" {
		t.Errorf("Serialize wrote %q", buf.String())
	}

	if err := FileDocument(filepath.Join(t.TempDir(), "missing")).Serialize(&buf); err == nil {
		t.Error("expected error for missing model file")
	}
}

func TestDisplayLabel(t *testing.T) {
	if got := (JobSpec{Label: "office"}).DisplayLabel(3); got != "office" {
		t.Errorf("DisplayLabel = %q, want office", got)
	}
	if got := (JobSpec{}).DisplayLabel(3); got != "job-3" {
		t.Errorf("DisplayLabel = %q, want job-3", got)
	}
}
