package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/nexusd/internal/admission"
	"github.com/haasonsaas/nexusd/internal/agent"
	"github.com/haasonsaas/nexusd/internal/debounce"
	"github.com/haasonsaas/nexusd/internal/llm"
	"github.com/haasonsaas/nexusd/internal/retry"
	"github.com/haasonsaas/nexusd/internal/sessions"
	"github.com/haasonsaas/nexusd/internal/wire"
)

type fakeProvider struct {
	mu      sync.Mutex
	reqs    []*llm.Request
	models  []string
	respond func(req *llm.Request) (*llm.Response, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(ctx context.Context, model string, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.models = append(f.models, model)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return &llm.Response{Content: "ok"}, nil
	}
	return respond(req)
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeProvider) lastRequest() *llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return nil
	}
	return f.reqs[len(f.reqs)-1]
}

type fakePeer struct {
	out chan wire.Outbound
}

func newFakePeer() *fakePeer {
	return &fakePeer{out: make(chan wire.Outbound, 32)}
}

func (f *fakePeer) Push(msg wire.Message) error {
	if o, ok := msg.(wire.Outbound); ok {
		f.out <- o
	}
	return nil
}

func (f *fakePeer) GatewayConnected() bool { return true }

func (f *fakePeer) expect(t *testing.T) wire.Outbound {
	t.Helper()
	select {
	case o := <-f.out:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return wire.Outbound{}
	}
}

func (f *fakePeer) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case o := <-f.out:
		t.Fatalf("unexpected outbound message: %+v", o)
	case <-time.After(wait):
	}
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, calls []llm.ToolCall) []agent.ToolResult {
	out := make([]agent.ToolResult, len(calls))
	for i, c := range calls {
		out[i] = agent.ToolResult{ToolCallID: c.ID, Name: c.Name, Content: "done"}
	}
	return out
}

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type harness struct {
	p     *Processor
	prov  *fakeProvider
	peer  *fakePeer
	store *sessions.MemoryStore
}

func newHarness(t *testing.T, cfg Config, runnerOpts ...agent.RunnerOption) *harness {
	t.Helper()
	catalog, err := llm.NewCatalog([]llm.ModelInfo{
		{ID: "fake/small", ContextWindow: 4000},
		{ID: "fake/large", ContextWindow: 8000, Description: "bigger"},
	})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	prov := &fakeProvider{}
	router := llm.NewRouter(catalog, []llm.Provider{prov}, llm.WithRetryPolicy(retry.Policy{MaxRetries: 0}))
	store := sessions.NewMemoryStore()
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "fake/small"
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "web"
	}
	clock := &tickClock{t: time.Now()}
	p, err := New(cfg, Deps{
		Store:   store,
		Router:  router,
		Runner:  agent.NewRunner(router, noopExecutor{}, runnerOpts...),
		Limiter: admission.New(2),
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	peer := newFakePeer()
	p.SetPeer(peer)
	t.Cleanup(func() { _ = p.Close() })
	return &harness{p: p, prov: prov, peer: peer, store: store}
}

func TestNewRequiresResolvableDefaultModel(t *testing.T) {
	catalog, _ := llm.NewCatalog([]llm.ModelInfo{{ID: "fake/small"}})
	router := llm.NewRouter(catalog, []llm.Provider{&fakeProvider{}})
	_, err := New(Config{DefaultModel: "other/model"}, Deps{
		Store:   sessions.NewMemoryStore(),
		Router:  router,
		Runner:  agent.NewRunner(router, nil),
		Limiter: admission.New(1),
	})
	var routing *llm.RoutingError
	if !errors.As(err, &routing) {
		t.Fatalf("New() error = %v, want RoutingError", err)
	}
}

func TestInboundBatchedIntoOneUnit(t *testing.T) {
	h := newHarness(t, Config{Debounce: debounce.Config{Quiet: 50 * time.Millisecond}})
	h.prov.respond = func(req *llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "hello back"}, nil
	}

	ctx := context.Background()
	h.p.HandleInbound(ctx, wire.Inbound{ID: "m1", Channel: "telegram", ChatID: "c1", Content: "hi"})
	h.p.HandleInbound(ctx, wire.Inbound{ID: "m2", Channel: "telegram", ChatID: "c1", Content: "are you there?"})

	out := h.peer.expect(t)
	if out.ChatID != "c1" || out.Channel != "telegram" || out.ReplyTo != "m2" || out.Content != "hello back" {
		t.Errorf("outbound = %+v", out)
	}
	if got := h.prov.calls(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
	req := h.prov.lastRequest()
	last := req.Messages[len(req.Messages)-1]
	if last.Role != llm.RoleUser || last.Content != "hi\nare you there?" {
		t.Errorf("last request message = %+v", last)
	}

	rows, _ := h.store.History(ctx, "c1", time.Time{}, 0)
	if len(rows) != 2 || rows[0].Role != llm.RoleUser || rows[1].Role != llm.RoleAssistant {
		t.Fatalf("history = %+v, want user then assistant", rows)
	}
}

func TestHistoryCarriesIntoNextTurn(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.respond = func(req *llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "answer"}, nil
	}
	ctx := context.Background()
	h.p.HandleInbound(ctx, wire.Inbound{ID: "1", Channel: "web", ChatID: "c", Content: "first"})
	h.peer.expect(t)
	h.p.HandleInbound(ctx, wire.Inbound{ID: "2", Channel: "web", ChatID: "c", Content: "second"})
	h.peer.expect(t)

	req := h.prov.lastRequest()
	var contents []string
	for _, m := range req.Messages {
		contents = append(contents, m.Content)
	}
	if got := strings.Join(contents, "|"); got != "first|answer|second" {
		t.Errorf("request contents = %q", got)
	}
}

func TestSilentReplyIsPersistedNotDelivered(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.respond = func(req *llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: `{"silent": "TRUE"}`}, nil
	}
	ctx := context.Background()
	h.p.HandleInbound(ctx, wire.Inbound{ID: "1", Channel: "web", ChatID: "c", Content: "ping"})
	h.peer.expectNone(t, 200*time.Millisecond)

	rows, _ := h.store.History(ctx, "c", time.Time{}, 0)
	if len(rows) != 2 {
		t.Fatalf("history rows = %d, want 2", len(rows))
	}
}

func TestErrorsAreTranslated(t *testing.T) {
	tests := []struct {
		name    string
		respond func(req *llm.Request) (*llm.Response, error)
		want    string
	}{
		{
			name: "tool loop exhausted",
			respond: func(req *llm.Request) (*llm.Response, error) {
				return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "t", Name: "noop", Arguments: json.RawMessage(`{}`)}}}, nil
			},
			want: MsgToolLoopExhausted,
		},
		{
			name: "provider failure",
			respond: func(req *llm.Request) (*llm.Response, error) {
				return nil, llm.NewProviderError("fake", "small", errors.New("overloaded")).WithStatus(503)
			},
			want: MsgServiceError,
		},
		{
			name: "unexpected failure",
			respond: func(req *llm.Request) (*llm.Response, error) {
				return nil, errors.New("nil pointer somewhere")
			},
			want: MsgServiceError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, agent.WithMaxRounds(2))
			h.prov.respond = tt.respond
			h.p.HandleInbound(context.Background(), wire.Inbound{ID: "1", Channel: "web", ChatID: "c", Content: "x"})
			if out := h.peer.expect(t); out.Content != tt.want {
				t.Errorf("reply = %q, want %q", out.Content, tt.want)
			}
		})
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		want        string
		wantVisible bool
	}{
		{name: "cancelled", err: context.Canceled},
		{name: "wrapped cancel", err: &agent.LoopError{Err: context.Canceled}},
		{name: "loop", err: &agent.LoopError{Err: agent.ErrToolLoopExhausted}, want: MsgToolLoopExhausted, wantVisible: true},
		{name: "routing", err: &llm.RoutingError{ModelID: "x"}, want: MsgServiceError, wantVisible: true},
		{name: "overflow", err: llm.ErrContextLengthExceeded, want: MsgServiceError, wantVisible: true},
		{name: "timeout", err: context.DeadlineExceeded, want: MsgServiceError, wantVisible: true},
		{name: "store", err: errors.New("disk I/O error"), want: MsgUnexpectedError, wantVisible: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, visible := UserMessage(tt.err)
			if got != tt.want || visible != tt.wantVisible {
				t.Errorf("UserMessage() = %q, %v; want %q, %v", got, visible, tt.want, tt.wantVisible)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	run := func(name, args string) string {
		t.Helper()
		h.p.HandleCommand(ctx, wire.Command{Channel: "web", ChatID: "c", Name: name, Args: args})
		return h.peer.expect(t).Content
	}

	if got := run("help", ""); !strings.Contains(got, "/model [provider/model]") || !strings.Contains(got, "/new") {
		t.Errorf("/help = %q", got)
	}
	if got := run("model", ""); !strings.Contains(got, "Current model: fake/small") || !strings.Contains(got, "fake/large") {
		t.Errorf("/model = %q", got)
	}
	if got := run("model", "fake/large"); got != "Model set to fake/large." {
		t.Errorf("/model fake/large = %q", got)
	}
	if got := run("model", "nope/x"); !strings.HasPrefix(got, "Cannot use nope/x") {
		t.Errorf("/model nope/x = %q", got)
	}
	sess, _ := h.store.GetOrCreate(ctx, "c", "")
	if sess.Model != "fake/large" {
		t.Errorf("session model = %q, want fake/large", sess.Model)
	}
	if got := run("status", ""); !strings.Contains(got, "Model: fake/large") {
		t.Errorf("/status = %q", got)
	}
	if got := run("bogus", ""); !strings.Contains(got, "Unknown command /bogus") {
		t.Errorf("/bogus = %q", got)
	}
}

func TestNewCommandStartsFreshSegment(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.p.HandleInbound(ctx, wire.Inbound{ID: "1", Channel: "web", ChatID: "c", Content: "remember me"})
	h.peer.expect(t)

	h.p.HandleCommand(ctx, wire.Command{Channel: "web", ChatID: "c", Name: "new"})
	if got := h.peer.expect(t).Content; got != "Started a new conversation." {
		t.Fatalf("/new = %q", got)
	}

	h.p.HandleInbound(ctx, wire.Inbound{ID: "2", Channel: "web", ChatID: "c", Content: "fresh"})
	h.peer.expect(t)
	req := h.prov.lastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Content != "fresh" {
		t.Errorf("request after /new = %+v, want only the new user turn", req.Messages)
	}
}

func TestScheduledMessageInjectsAnswer(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.respond = func(req *llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "3 new emails"}, nil
	}
	ctx := context.Background()
	err := h.p.HandleScheduledMessage(ctx, ScheduledMessage{
		Name:         "digest",
		Message:      "check email",
		Model:        "fake/large",
		InjectChatID: "c9",
	})
	if err != nil {
		t.Fatalf("HandleScheduledMessage() error = %v", err)
	}
	out := h.peer.expect(t)
	if out.ChatID != "c9" || out.Channel != "web" || out.Content != "3 new emails" || out.Metadata["task"] != "digest" {
		t.Errorf("outbound = %+v", out)
	}

	h.prov.mu.Lock()
	model := h.prov.models[0]
	h.prov.mu.Unlock()
	if model != "large" {
		t.Errorf("provider model = %q, want large", model)
	}

	sub, _ := h.store.History(ctx, "subagent:digest", time.Time{}, 0)
	if len(sub) != 2 {
		t.Errorf("subagent history rows = %d, want 2", len(sub))
	}
	injected, _ := h.store.History(ctx, "c9", time.Time{}, 0)
	if len(injected) != 1 || injected[0].Role != llm.RoleAssistant {
		t.Errorf("inject chat history = %+v", injected)
	}
}

func TestScheduledSilentAnswerNotInjected(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.respond = func(req *llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: `{"silent": true, "note": "nothing new"}`}, nil
	}
	if err := h.p.HandleScheduledMessage(context.Background(), ScheduledMessage{Name: "t", Message: "x", InjectChatID: "c"}); err != nil {
		t.Fatalf("HandleScheduledMessage() error = %v", err)
	}
	h.peer.expectNone(t, 200*time.Millisecond)
	rows, _ := h.store.History(context.Background(), "c", time.Time{}, 0)
	if len(rows) != 0 {
		t.Errorf("inject chat rows = %d, want 0", len(rows))
	}
}

func TestCliRequests(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.respond = func(req *llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "cli answer"}, nil
	}
	ctx := context.Background()

	tests := []struct {
		name       string
		req        wire.CliRequest
		wantOK     bool
		wantResult string
	}{
		{name: "status", req: wire.CliRequest{Command: "status"}, wantOK: true, wantResult: "gateway connected: true"},
		{name: "models", req: wire.CliRequest{Command: "models"}, wantOK: true, wantResult: "* fake/small"},
		{name: "chat", req: wire.CliRequest{Command: "chat", Params: map[string]string{"chat_id": "cli", "content": "hi"}}, wantOK: true, wantResult: "cli answer"},
		{name: "chat bad model", req: wire.CliRequest{Command: "chat", Params: map[string]string{"chat_id": "cli", "content": "hi", "model": "x/y"}}},
		{name: "chat missing content", req: wire.CliRequest{Command: "chat", Params: map[string]string{"chat_id": "cli"}}},
		{name: "new", req: wire.CliRequest{Command: "new", Params: map[string]string{"chat_id": "cli"}}, wantOK: true, wantResult: "started a new conversation"},
		{name: "new missing chat", req: wire.CliRequest{Command: "new"}},
		{name: "task missing message", req: wire.CliRequest{Command: "task", Params: map[string]string{"name": "t"}}},
		{name: "unknown", req: wire.CliRequest{Command: "reboot"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.p.HandleCliRequest(ctx, tt.req)
			if resp.OK != tt.wantOK {
				t.Fatalf("OK = %v, want %v (error %q)", resp.OK, tt.wantOK, resp.Error)
			}
			if !tt.wantOK && resp.Error == "" {
				t.Error("failed response should carry an error")
			}
			if !strings.Contains(resp.Result, tt.wantResult) {
				t.Errorf("Result = %q, want it to contain %q", resp.Result, tt.wantResult)
			}
		})
	}
	h.peer.expectNone(t, 50*time.Millisecond)
}

func TestCliTaskStartsScheduledUnit(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.p.HandleCliRequest(context.Background(), wire.CliRequest{Command: "task", Params: map[string]string{
		"name":           "adhoc",
		"message":        "do it",
		"inject_chat_id": "c",
	}})
	if !resp.OK || resp.Result != "task adhoc started" {
		t.Fatalf("response = %+v", resp)
	}
	if out := h.peer.expect(t); out.ChatID != "c" {
		t.Errorf("outbound = %+v", out)
	}
}

func TestCloseAbandonsPendingBatches(t *testing.T) {
	h := newHarness(t, Config{Debounce: debounce.Config{Quiet: time.Hour}})
	ctx := context.Background()
	h.p.HandleInbound(ctx, wire.Inbound{ID: "1", Channel: "web", ChatID: "c", Content: "lost"})
	if err := h.p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if h.prov.calls() != 0 {
		t.Error("pending batch should not be processed on close")
	}
	if err := h.p.HandleScheduledMessage(ctx, ScheduledMessage{Name: "t", Message: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("HandleScheduledMessage() after close error = %v, want ErrClosed", err)
	}
}

func TestCloseCancelsInFlightUnits(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	h.prov.respond = func(req *llm.Request) (*llm.Response, error) {
		close(started)
		<-h.p.ctx.Done()
		return nil, h.p.ctx.Err()
	}
	h.p.HandleInbound(context.Background(), wire.Inbound{ID: "1", Channel: "web", ChatID: "c", Content: "slow"})
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("unit did not start")
	}

	done := make(chan struct{})
	go func() {
		_ = h.p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return after cancelling the unit")
	}
	h.peer.expectNone(t, 50*time.Millisecond)
}

func TestIsSilent(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{`{"silent": true}`, true},
		{`  {"silent": "True", "reason": "nothing new"}`, true},
		{`{"silent": "TRUE"}`, true},
		{`{"silent": false}`, false},
		{`{"silent": "yes"}`, false},
		{`{"silent": 1}`, false},
		{`{"meta": {"silent": true}}`, false},
		{`{"silent": true`, false},
		{`[{"silent": true}]`, false},
		{`silent`, false},
		{``, false},
	}
	for _, tt := range tests {
		if got := IsSilent(tt.content); got != tt.want {
			t.Errorf("IsSilent(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestTruncateUTF8(t *testing.T) {
	ascii := strings.Repeat("a", maxInputSize-1)
	tests := []struct {
		name  string
		input string
		n     int
		want  int
	}{
		{name: "multibyte across the cut", input: ascii + "日本", n: maxInputSize, want: maxInputSize - 1},
		{name: "cut on a boundary", input: "ab日本", n: 5, want: 5},
		{name: "inside first rune", input: "日本", n: 2, want: 0},
		{name: "short input", input: "日本", n: 10, want: len("日本")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateUTF8(tt.input, tt.n)
			if len(got) != tt.want {
				t.Errorf("len(truncateUTF8()) = %d, want %d", len(got), tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncateUTF8() produced invalid UTF-8 ending in %q", got[max(0, len(got)-4):])
			}
		})
	}
}
