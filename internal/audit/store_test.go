package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []*Entry{
		{UserID: "u1", ConversationID: "c1", Message: "how is my portfolio", Reply: "Up 8.5% YTD.", Decision: "proceed", ToolsUsed: []string{"get_performance"}, Rounds: 2},
		{UserID: "u1", ConversationID: "c1", Message: "what's the weather", Reply: "refusal", Decision: "refuse"},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected ID to be assigned")
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	// Newest first.
	if got[0].Decision != "refuse" {
		t.Errorf("expected newest entry first, got %+v", got[0])
	}
	if len(got[1].ToolsUsed) != 1 || got[1].ToolsUsed[0] != "get_performance" {
		t.Errorf("tools not round-tripped: %+v", got[1].ToolsUsed)
	}
	if got[1].Rounds != 2 {
		t.Errorf("rounds not round-tripped: %d", got[1].Rounds)
	}
}

func TestRecentLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Record(ctx, &Entry{UserID: "u1", ConversationID: "c1", Message: "m", Reply: "r", Decision: "proceed"}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 entries, got %d", len(got))
	}
}
