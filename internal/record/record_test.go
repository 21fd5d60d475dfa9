package record

import "testing"

func TestCanonicalHash_Deterministic(t *testing.T) {
	meta := map[string]string{"b": "2", "a": "1"}
	h1 := CanonicalHash("id1", "2024-01-01T00:00:00Z", "s1", SeverityInfo, "m", meta, "")
	h2 := CanonicalHash("id1", "2024-01-01T00:00:00Z", "s1", SeverityInfo, "m", meta, "")
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars", len(h1))
	}
}

func TestCanonicalHash_MetadataKeyOrderIndependent(t *testing.T) {
	h1 := CanonicalHash("id1", "ts", "s1", SeverityInfo, "m", map[string]string{"a": "1", "b": "2"}, "")
	h2 := CanonicalHash("id1", "ts", "s1", SeverityInfo, "m", map[string]string{"b": "2", "a": "1"}, "")
	if h1 != h2 {
		t.Fatalf("hash must not depend on map insertion order: %s vs %s", h1, h2)
	}
}

func TestCanonicalHash_FieldSensitivity(t *testing.T) {
	base := CanonicalHash("id1", "ts", "s1", SeverityInfo, "hello", nil, "")
	mutated := CanonicalHash("id1", "ts", "s1", SeverityInfo, "hellx", nil, "")
	if base == mutated {
		t.Fatal("expected different hash after single-character message change")
	}
}

func TestRecord_SetHashAndVerify(t *testing.T) {
	r := &Record{ID: "id1", Timestamp: "ts", Source: "s1", Level: SeverityInfo, Message: "m"}
	r.SetHash()
	if !r.VerifyHash() {
		t.Fatal("expected freshly-hashed record to verify")
	}
	r.Message = "tampered"
	if r.VerifyHash() {
		t.Fatal("expected verification to fail after mutating message without rehashing")
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to SyncStatus
		want     bool
	}{
		{StatusPending, StatusPendingBatch, true},
		{StatusPendingBatch, StatusSynced, true},
		{StatusPending, StatusSynced, false},
		{StatusPendingBatch, StatusFailed, true},
		{StatusFailed, StatusPendingBatch, true},
		{StatusSynced, StatusPendingBatch, false},
		{StatusPending, StatusPending, true},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestValidSeverity(t *testing.T) {
	if !ValidSeverity(SeverityError) {
		t.Fatal("ERROR should be valid")
	}
	if ValidSeverity("TRACE") {
		t.Fatal("TRACE should not be valid")
	}
}
