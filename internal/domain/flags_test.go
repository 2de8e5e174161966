package domain

import "testing"

func TestFlags_HasWithWithout(t *testing.T) {
	f := Flags(0).With(FlagSeen).With(FlagFlagged)
	if !f.Has(FlagSeen) || !f.Has(FlagFlagged) {
		t.Errorf("expected Seen and Flagged set, got %v", f)
	}
	if f.Has(FlagDeleted) {
		t.Errorf("Deleted should not be set, got %v", f)
	}
	f = f.Without(FlagSeen)
	if f.Has(FlagSeen) {
		t.Errorf("Seen should be cleared, got %v", f)
	}
}

func TestFlagDelta_Idempotent(t *testing.T) {
	delta := FlagDelta{Add: FlagSeen | FlagReplied, Remove: FlagRecent}
	start := FlagRecent | FlagFlagged

	once := delta.Apply(start)
	twice := delta.Apply(once)
	if once != twice {
		t.Errorf("delta not idempotent: once=%v twice=%v", once, twice)
	}
	if !once.Has(FlagSeen) || !once.Has(FlagReplied) || !once.Has(FlagFlagged) {
		t.Errorf("expected Seen|Replied|Flagged, got %v", once)
	}
	if once.Has(FlagRecent) {
		t.Errorf("Recent should be removed, got %v", once)
	}
}

func TestFlagDelta_AddWinsOverRemove(t *testing.T) {
	delta := FlagDelta{Add: FlagSeen, Remove: FlagSeen}
	if got := delta.Apply(0); !got.Has(FlagSeen) {
		t.Errorf("Add should win over Remove, got %v", got)
	}
}

func TestFlags_String(t *testing.T) {
	f := FlagSeen | FlagDeleted
	if got := f.String(); got != "Seen|Deleted" {
		t.Errorf("String() = %q, want %q", got, "Seen|Deleted")
	}
}
