package transport

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/nexusd/internal/wire"
)

// Buffer is an append-only file of wire messages, one JSON line each,
// holding traffic the gateway could not hand to the engine.
type Buffer struct {
	path string
	mu   sync.Mutex
}

// NewBuffer returns a buffer backed by path. The file is created lazily.
func NewBuffer(path string) *Buffer {
	return &Buffer{path: path}
}

// Path returns the backing file.
func (b *Buffer) Path() string {
	return b.path
}

// Append adds msg to the end of the buffer.
func (b *Buffer) Append(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("create buffer directory: %w", err)
	}
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("append to buffer: %w", err)
	}
	return f.Close()
}

// Drain replays buffered messages in order through send. Lines that no
// longer parse are dropped. Once send fails, that message and every later
// line stay in the buffer in their original order. The file is removed when
// nothing remains. It returns the number of messages sent and the first
// send error.
func (b *Buffer) Drain(send func(wire.Message) error) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read buffer: %w", err)
	}

	var (
		kept    bytes.Buffer
		sent    int
		sendErr error
	)
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if sendErr != nil {
			kept.Write(line)
			kept.WriteByte('\n')
			continue
		}
		msg, err := wire.Decode(line)
		if err != nil {
			continue
		}
		if err := send(msg); err != nil {
			sendErr = err
			kept.Write(line)
			kept.WriteByte('\n')
			continue
		}
		sent++
	}

	if kept.Len() == 0 {
		if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return sent, fmt.Errorf("remove buffer: %w", err)
		}
		return sent, nil
	}
	if err := b.rewrite(kept.Bytes()); err != nil {
		return sent, errors.Join(sendErr, err)
	}
	return sent, sendErr
}

// rewrite atomically replaces the buffer contents.
func (b *Buffer) rewrite(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create buffer temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write buffer temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close buffer temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod buffer temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace buffer: %w", err)
	}
	return nil
}

// Len returns the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if err != nil {
		return 0
	}
	n := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}
