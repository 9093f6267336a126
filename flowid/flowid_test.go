package flowid

import "testing"

func TestRoundTrip(t *testing.T) {
	id := NewSessionID()
	s := id.String()

	got, err := ParseSessionID(s)
	if err != nil {
		t.Fatalf("ParseSessionID: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch: got %v, want %v", got, id)
	}
}

func TestParseRejectsMissingPrefix(t *testing.T) {
	if _, err := ParseSessionID("not-a-session-id"); err == nil {
		t.Fatal("expected error for missing prefix")
	}
}
