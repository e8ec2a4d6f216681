//go:build !windows

package bridge

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// DefaultEndpoint is the socket the app listens on for the current user.
func DefaultEndpoint(home string) string {
	return filepath.Join(home, ".think", "native.sock")
}

// DefaultDialer returns the platform dialer for endpoint.
func DefaultDialer(endpoint string) Dialer {
	return UnixDialer{Path: endpoint}
}

// Listen creates the app-side socket readable only by its owner. A stale
// socket left by a previous run is removed first.
func Listen(endpoint string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(endpoint), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(endpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", endpoint, err)
	}
	if err := os.Chmod(endpoint, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(endpoint)
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func removeEndpoint(endpoint string) {
	_ = os.Remove(endpoint)
}
