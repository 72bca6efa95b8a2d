package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexusd/internal/llm"
)

func TestMemoryStore_GetOrCreate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "chat-1", "anthropic/claude")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first.Model != "anthropic/claude" {
		t.Errorf("Model = %q", first.Model)
	}

	if err := store.UpdateModel(ctx, "chat-1", "openai/gpt-4o"); err != nil {
		t.Fatalf("UpdateModel() error = %v", err)
	}
	second, err := store.GetOrCreate(ctx, "chat-1", "anthropic/claude")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if second.Model != "openai/gpt-4o" {
		t.Errorf("existing session should keep its model, got %q", second.Model)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt changed on second lookup")
	}

	if err := store.UpdateModel(ctx, "missing", "x/y"); err != ErrNotFound {
		t.Errorf("UpdateModel(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_HistoryWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		msg := &Message{ChatID: "c", Role: llm.RoleUser, Content: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.SaveTurn(ctx, msg); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
		if msg.ID == "" {
			t.Fatal("SaveTurn should assign an id")
		}
	}

	all, _ := store.History(ctx, "c", time.Time{}, 0)
	if len(all) != 5 || all[0].Content != "a" || all[4].Content != "e" {
		t.Fatalf("History() = %v", contents(all))
	}

	limited, _ := store.History(ctx, "c", time.Time{}, 2)
	if got := contents(limited); got != "de" {
		t.Errorf("limited history = %q, want newest two oldest-first", got)
	}

	since, _ := store.History(ctx, "c", base.Add(3*time.Minute), 0)
	if got := contents(since); got != "de" {
		t.Errorf("history since = %q, want de", got)
	}
}

func TestMemoryStore_SessionBreakAndSummary(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if _, err := store.GetOrCreate(ctx, "c", "m/x"); err != nil {
		t.Fatal(err)
	}
	if s, _ := store.LastSummary(ctx, "c"); s != nil {
		t.Fatalf("LastSummary() = %v, want nil", s)
	}

	_ = store.SaveTurn(ctx, &Message{ChatID: "c", Kind: KindSummary, Role: llm.RoleSystem, Content: "old", CreatedAt: now})
	_ = store.SaveTurn(ctx, &Message{ChatID: "c", Kind: KindSummary, Role: llm.RoleSystem, Content: "new", CreatedAt: now.Add(time.Second)})
	summary, err := store.LastSummary(ctx, "c")
	if err != nil || summary == nil || summary.Content != "new" {
		t.Fatalf("LastSummary() = %v, %v", summary, err)
	}

	at := now.Add(2 * time.Second)
	if err := store.ResetSegment(ctx, "c", at); err != nil {
		t.Fatalf("ResetSegment() error = %v", err)
	}
	if err := store.AppendSessionBreak(ctx, "c", at); err != nil {
		t.Fatalf("AppendSessionBreak() error = %v", err)
	}
	session, _ := store.GetOrCreate(ctx, "c", "m/x")
	if !session.SegmentStart.Equal(at) {
		t.Errorf("SegmentStart = %v, want %v", session.SegmentStart, at)
	}
	window, _ := store.History(ctx, "c", session.SegmentStart, 0)
	if len(window) != 1 || window[0].Kind != KindSessionBreak {
		t.Errorf("window after reset = %+v", window)
	}
}

func TestSubagentChatID(t *testing.T) {
	id := SubagentChatID("digest")
	if id != "subagent:digest" || !IsSubagent(id) {
		t.Errorf("SubagentChatID() = %q", id)
	}
	if IsSubagent("telegram:42") {
		t.Error("regular chat reported as subagent")
	}
}

func contents(msgs []*Message) string {
	var out string
	for _, m := range msgs {
		out += m.Content
	}
	return out
}
