// Package transport carries wire messages between the engine and its peers:
// the long-lived gateway connection and one-shot CLI clients.
package transport

import (
	"os"
	"path/filepath"
)

const (
	networkUnix = "unix"
	networkTCP  = "tcp"
)

// DefaultSocketPath returns $XDG_RUNTIME_DIR/nexusd/engine.sock, falling back
// to ~/.nexusd/engine.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "nexusd", "engine.sock")
	}
	return filepath.Join(stateDir(), "engine.sock")
}

// DefaultBufferPath is where the gateway keeps messages it could not send.
func DefaultBufferPath() string {
	return filepath.Join(stateDir(), "gateway-buffer.jsonl")
}

func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "nexusd")
	}
	return filepath.Join(home, ".nexusd")
}

// endpoint picks the network for a socket path / TCP address pair. A TCP
// address wins when both are set.
func endpoint(socketPath, tcpAddress string) (network, address string) {
	if tcpAddress != "" {
		return networkTCP, tcpAddress
	}
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return networkUnix, socketPath
}
