package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexusd/internal/config"
	"github.com/haasonsaas/nexusd/internal/observability"
	"github.com/haasonsaas/nexusd/internal/transport"
	"github.com/haasonsaas/nexusd/internal/wire"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"engine", "gateway", "ctl", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

// fakeOpenAI answers every chat completion with a fixed reply.
type fakeOpenAI struct {
	server *httptest.Server
	reply  string

	mu    sync.Mutex
	calls int
}

func newFakeOpenAI(t *testing.T, reply string) *fakeOpenAI {
	t.Helper()
	f := &fakeOpenAI{reply: reply}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": f.reply},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 1, "total_tokens": 13},
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOpenAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func writeTestConfig(t *testing.T, llmURL string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
engine:
  listener:
    tcp_address: 127.0.0.1:0
  processing:
    debounce:
      quiet: 200ms
database:
  driver: memory
workspace:
  path: %s
logging:
  level: error
llm:
  default_model: local/test-model
  providers:
    local:
      type: openai
      base_url: %s/v1
  models:
    - id: local/test-model
      context_window: 8000
  retry:
    max_retries: 0
`, filepath.Join(dir, "workspace"), llmURL)
	path := filepath.Join(dir, "nexusd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func execute(args ...string) (string, error) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// startEngine runs an engine from the config at path until the test ends.
func startEngine(t *testing.T, path string) string {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})

	ctx, cancel := context.WithCancel(context.Background())
	e, err := newEngine(ctx, cfg, logger)
	if err != nil {
		cancel()
		t.Fatalf("newEngine() error = %v", err)
	}
	if err := e.start(ctx); err != nil {
		cancel()
		t.Fatalf("start() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- e.wait(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("engine shutdown error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("engine did not shut down")
		}
	})
	return e.listener.Addr().String()
}

func TestCtlAgainstRunningEngine(t *testing.T) {
	llm := newFakeOpenAI(t, "pong")
	addr := startEngine(t, writeTestConfig(t, llm.server.URL))

	out, err := execute("ctl", "chat", "--tcp", addr, "--chat-id", "t1", "ping")
	if err != nil {
		t.Fatalf("ctl chat error = %v", err)
	}
	if strings.TrimSpace(out) != "pong" {
		t.Errorf("ctl chat output = %q, want pong", out)
	}
	if llm.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", llm.callCount())
	}

	out, err = execute("ctl", "models", "--tcp", addr)
	if err != nil || !strings.Contains(out, "* local/test-model") {
		t.Errorf("ctl models = %q, %v", out, err)
	}

	out, err = execute("ctl", "status", "--tcp", addr)
	if err != nil || !strings.Contains(out, "gateway connected: false") {
		t.Errorf("ctl status = %q, %v", out, err)
	}

	if _, err := execute("ctl", "chat", "--tcp", addr, "--model", "nope/x", "hi"); err == nil {
		t.Error("expected an error for an unknown model")
	}
}

type chanDelivery chan wire.Outbound

func (d chanDelivery) Deliver(ctx context.Context, msg wire.Outbound) error {
	d <- msg
	return nil
}

func TestGatewayLinkRoundTrip(t *testing.T) {
	llm := newFakeOpenAI(t, "hello from the engine")
	addr := startEngine(t, writeTestConfig(t, llm.server.URL))

	delivered := make(chanDelivery, 4)
	client := transport.NewClient(transport.ClientConfig{
		TCPAddress: addr,
		BufferPath: filepath.Join(t.TempDir(), "buffer.jsonl"),
	}, delivered, observability.NewLogger(observability.LogConfig{Output: io.Discard}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !client.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("gateway link never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, in := range []wire.Inbound{
		{ID: "m1", Channel: "web", ChatID: "c1", Content: "hi", Timestamp: time.Now()},
		{ID: "m2", Channel: "web", ChatID: "c1", Content: "anyone there?", Timestamp: time.Now()},
	} {
		if err := client.Send(in); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	select {
	case out := <-delivered:
		if out.Content != "hello from the engine" || out.ChatID != "c1" || out.ReplyTo != "m2" {
			t.Errorf("delivered %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply delivered")
	}
	if llm.callCount() != 1 {
		t.Errorf("provider calls = %d, want one batched unit", llm.callCount())
	}
}

func TestConfigCommands(t *testing.T) {
	llm := newFakeOpenAI(t, "unused")
	path := writeTestConfig(t, llm.server.URL)

	out, err := execute("config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("config validate error = %v", err)
	}
	if !strings.Contains(out, "config ok") || !strings.Contains(out, "local/test-model") {
		t.Errorf("config validate output = %q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("engine:\n  max_concurrent: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute("config", "validate", "--config", bad); err == nil {
		t.Error("expected invalid config to fail validation")
	}

	out, err = execute("config", "schema")
	if err != nil || !strings.Contains(out, "default_model") {
		t.Errorf("config schema = %.80q, %v", out, err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute("version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "nexusd "+version) {
		t.Errorf("version output = %q", out)
	}
}
