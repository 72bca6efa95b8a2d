package transport

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexusd/internal/wire"
)

type chanDelivery struct {
	out chan wire.Outbound
}

func (d *chanDelivery) Deliver(ctx context.Context, msg wire.Outbound) error {
	d.out <- msg
	return nil
}

func expectInbound(t *testing.T, h *recordingHandler, id string) {
	t.Helper()
	select {
	case got := <-h.inbound:
		if got.ID != id {
			t.Fatalf("inbound ID = %q, want %q", got.ID, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("inbound %s never reached the engine", id)
	}
}

func TestClientBuffersReplaysAndReconnects(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "engine.sock")
	delivery := &chanDelivery{out: make(chan wire.Outbound, 4)}
	client := NewClient(ClientConfig{
		Name:             "test-gw",
		SocketPath:       socket,
		BufferPath:       filepath.Join(dir, "buffer.jsonl"),
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	}, delivery, nil, nil)

	// Engine down: sends land in the buffer.
	for _, id := range []string{"1", "2"} {
		if err := client.Send(inbound(id)); !errors.Is(err, ErrBuffered) {
			t.Fatalf("Send() error = %v, want ErrBuffered", err)
		}
	}
	if got := client.Buffered(); got != 2 {
		t.Fatalf("Buffered() = %d, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	h := newRecordingHandler()
	engine := NewListener(ListenerConfig{SocketPath: socket}, h, nil, nil)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	expectInbound(t, h, "1")
	expectInbound(t, h, "2")
	waitFor(t, client.Connected)
	waitFor(t, engine.GatewayConnected)
	if got := client.Buffered(); got != 0 {
		t.Errorf("Buffered() after replay = %d, want 0", got)
	}

	if err := client.Send(inbound("3")); err != nil {
		t.Fatalf("Send() while connected error = %v", err)
	}
	expectInbound(t, h, "3")

	if err := engine.Push(wire.Outbound{Channel: "web", ChatID: "c", Content: "pong"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	select {
	case out := <-delivery.out:
		if out.Content != "pong" {
			t.Errorf("delivered %+v", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("outbound was not delivered")
	}

	// Engine restart: the client notices the shutdown and buffers meanwhile.
	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitFor(t, func() bool { return !client.Connected() })
	if err := client.Send(inbound("4")); !errors.Is(err, ErrBuffered) {
		t.Fatalf("Send() after shutdown error = %v, want ErrBuffered", err)
	}

	h2 := newRecordingHandler()
	engine2 := NewListener(ListenerConfig{SocketPath: socket}, h2, nil, nil)
	if err := engine2.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	defer engine2.Stop()
	expectInbound(t, h2, "4")

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientSendToStalledEngineBuffers(t *testing.T) {
	engineEnd, gatewayEnd := net.Pipe()
	t.Cleanup(func() { _ = engineEnd.Close() })

	client := NewClient(ClientConfig{
		BufferPath:   filepath.Join(t.TempDir(), "buffer.jsonl"),
		WriteTimeout: 50 * time.Millisecond,
	}, &chanDelivery{out: make(chan wire.Outbound, 1)}, nil, nil)

	// Read the registration line, then stop reading.
	registered := make(chan struct{})
	go func() {
		scanner := wire.NewScanner(engineEnd)
		if scanner.Scan() {
			close(registered)
		}
	}()
	if err := client.register(gatewayEnd); err != nil {
		t.Fatalf("register() error = %v", err)
	}
	<-registered

	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(inbound("stalled")) }()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrBuffered) {
			t.Fatalf("Send() error = %v, want ErrBuffered", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send() blocked past the write timeout")
	}
	if client.Connected() {
		t.Error("client still holds the stalled link")
	}
	if got := client.Buffered(); got != 1 {
		t.Errorf("Buffered() = %d, want 1", got)
	}
}

func TestCallWithoutEngine(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "missing.sock")
	if _, err := Call(context.Background(), socket, "", wire.CliRequest{Command: "status"}); err == nil {
		t.Fatal("Call() without an engine should fail")
	}
}
