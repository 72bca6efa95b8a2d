package debounce

import (
	"sync"
	"testing"
	"time"
)

// testMessage is a simple struct for testing the debouncer.
type testMessage struct {
	ID      string
	ChatID  string
	Channel string
}

type flushRecorder struct {
	mu      sync.Mutex
	batches map[string][][]testMessage
	signal  chan string
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{
		batches: make(map[string][][]testMessage),
		signal:  make(chan string, 16),
	}
}

func (r *flushRecorder) flush(key string, items []testMessage) {
	r.mu.Lock()
	r.batches[key] = append(r.batches[key], items)
	r.mu.Unlock()
	r.signal <- key
}

func (r *flushRecorder) get(key string) [][]testMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[key]
}

func (r *flushRecorder) wait(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case key := <-r.signal:
		return key
	case <-time.After(timeout):
		t.Fatal("flush was not called within timeout")
		return ""
	}
}

func newTestDebouncer(interval time.Duration, rec *flushRecorder) *Debouncer[testMessage] {
	return New(
		WithInterval[testMessage](interval),
		WithBuildKey(func(m testMessage) string { return m.ChatID }),
		WithOnFlush(rec.flush),
	)
}

func TestConfigResolve(t *testing.T) {
	cfg := Config{
		Quiet:     100 * time.Millisecond,
		ByChannel: map[string]time.Duration{"slack": 200 * time.Millisecond, "cli": -time.Second},
	}
	tests := []struct {
		channel string
		want    time.Duration
	}{
		{"slack", 200 * time.Millisecond},
		{"discord", 100 * time.Millisecond},
		{"cli", 0},
	}
	for _, tt := range tests {
		if got := cfg.Resolve(tt.channel); got != tt.want {
			t.Errorf("Resolve(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}

func TestDebouncer_SameKeyIsBatchedInOrder(t *testing.T) {
	rec := newFlushRecorder()
	d := newTestDebouncer(50*time.Millisecond, rec)
	defer d.Stop()

	d.Enqueue(testMessage{ID: "1", ChatID: "a"})
	d.Enqueue(testMessage{ID: "2", ChatID: "a"})
	d.Enqueue(testMessage{ID: "3", ChatID: "a"})

	if key := rec.wait(t, time.Second); key != "a" {
		t.Fatalf("flushed key = %q, want a", key)
	}
	batches := rec.get("a")
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("expected one batch of 3, got %v", batches)
	}
	for i, want := range []string{"1", "2", "3"} {
		if batches[0][i].ID != want {
			t.Errorf("item %d = %s, want %s", i, batches[0][i].ID, want)
		}
	}
}

func TestDebouncer_KeysDoNotResetEachOther(t *testing.T) {
	rec := newFlushRecorder()
	d := newTestDebouncer(60*time.Millisecond, rec)
	defer d.Stop()

	start := time.Now()
	d.Enqueue(testMessage{ID: "1", ChatID: "a"})
	time.Sleep(30 * time.Millisecond)
	d.Enqueue(testMessage{ID: "2", ChatID: "b"})

	first := rec.wait(t, time.Second)
	if first != "a" {
		t.Fatalf("first flush = %q, want a", first)
	}
	if elapsed := time.Since(start); elapsed > 85*time.Millisecond {
		t.Errorf("key a flushed after %v; enqueue on b delayed it", elapsed)
	}
	if second := rec.wait(t, time.Second); second != "b" {
		t.Fatalf("second flush = %q, want b", second)
	}
}

func TestDebouncer_NewArrivalRestartsTimer(t *testing.T) {
	rec := newFlushRecorder()
	d := newTestDebouncer(80*time.Millisecond, rec)
	defer d.Stop()

	start := time.Now()
	d.Enqueue(testMessage{ID: "1", ChatID: "a"})
	time.Sleep(50 * time.Millisecond)
	d.Enqueue(testMessage{ID: "2", ChatID: "a"})

	rec.wait(t, time.Second)
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("flushed after %v, expected the second message to restart the timer", elapsed)
	}
	if batches := rec.get("a"); len(batches) != 1 || len(batches[0]) != 2 {
		t.Errorf("expected one batch of 2, got %v", batches)
	}
}

func TestDebouncer_QuietWindowRunsFromLastArrival(t *testing.T) {
	rec := newFlushRecorder()
	d := newTestDebouncer(100*time.Millisecond, rec)
	defer d.Stop()

	start := time.Now()
	for i, at := range []time.Duration{0, 50 * time.Millisecond, 90 * time.Millisecond} {
		time.Sleep(time.Until(start.Add(at)))
		d.Enqueue(testMessage{ID: string(rune('1' + i)), ChatID: "a"})
	}

	rec.wait(t, time.Second)
	elapsed := time.Since(start)
	if elapsed < 190*time.Millisecond || elapsed >= 290*time.Millisecond {
		t.Errorf("flushed after %v, want 100ms after the last arrival at 90ms", elapsed)
	}
	batches := rec.get("a")
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("expected one batch of 3, got %v", batches)
	}
	for i, m := range batches[0] {
		if want := string(rune('1' + i)); m.ID != want {
			t.Errorf("batch[%d].ID = %q, want %q", i, m.ID, want)
		}
	}
}

func TestDebouncer_ZeroIntervalFlushesPromptly(t *testing.T) {
	rec := newFlushRecorder()
	d := newTestDebouncer(0, rec)
	defer d.Stop()

	d.Enqueue(testMessage{ID: "1", ChatID: "a"})
	rec.wait(t, 200*time.Millisecond)
}

func TestDebouncer_StopAbandonsPending(t *testing.T) {
	rec := newFlushRecorder()
	d := newTestDebouncer(30*time.Millisecond, rec)

	d.Enqueue(testMessage{ID: "1", ChatID: "a"})
	d.Enqueue(testMessage{ID: "2", ChatID: "b"})
	if got := d.PendingItems(); got != 2 {
		t.Fatalf("PendingItems() = %d, want 2", got)
	}
	d.Stop()

	select {
	case key := <-rec.signal:
		t.Fatalf("unexpected flush of %q after Stop", key)
	case <-time.After(100 * time.Millisecond):
	}
	if d.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after Stop", d.PendingCount())
	}

	d.Enqueue(testMessage{ID: "3", ChatID: "a"})
	if d.PendingCount() != 0 {
		t.Error("Enqueue after Stop should be dropped")
	}
}

func TestDebouncer_FlushKey(t *testing.T) {
	rec := newFlushRecorder()
	d := newTestDebouncer(time.Hour, rec)
	defer d.Stop()

	d.Enqueue(testMessage{ID: "1", ChatID: "a"})
	d.FlushKey("a")

	if key := rec.wait(t, 100*time.Millisecond); key != "a" {
		t.Fatalf("flushed %q, want a", key)
	}
	d.FlushKey("a")
	select {
	case <-rec.signal:
		t.Fatal("second FlushKey on empty key should be a no-op")
	default:
	}
}

func TestDebouncer_PerItemInterval(t *testing.T) {
	rec := newFlushRecorder()
	cfg := Config{Quiet: time.Hour, ByChannel: map[string]time.Duration{"fast": 10 * time.Millisecond}}
	d := New(
		WithIntervalFunc(func(m testMessage) time.Duration { return cfg.Resolve(m.Channel) }),
		WithBuildKey(func(m testMessage) string { return m.ChatID }),
		WithOnFlush(rec.flush),
	)
	defer d.Stop()

	d.Enqueue(testMessage{ID: "1", ChatID: "slow", Channel: "slow"})
	d.Enqueue(testMessage{ID: "2", ChatID: "quick", Channel: "fast"})

	if key := rec.wait(t, time.Second); key != "quick" {
		t.Fatalf("flushed %q, want quick", key)
	}
	if d.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", d.PendingCount())
	}
}
