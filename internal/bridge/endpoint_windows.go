//go:build windows

package bridge

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// PipeName is the named pipe the app listens on.
const PipeName = `\\.\pipe\think-native`

// DefaultEndpoint is the named pipe for the app. home is unused on windows.
func DefaultEndpoint(string) string { return PipeName }

// PipeDialer connects to a named pipe.
type PipeDialer struct {
	Path string
}

func (d PipeDialer) Dial(ctx context.Context) (net.Conn, error) {
	return winio.DialPipeContext(ctx, d.Path)
}

// DefaultDialer returns the platform dialer for endpoint.
func DefaultDialer(endpoint string) Dialer {
	return PipeDialer{Path: endpoint}
}

// Listen creates the named pipe with an ACL granting access to the current
// user only.
func Listen(endpoint string) (net.Listener, error) {
	sddl, err := ownerOnlySDDL()
	if err != nil {
		return nil, err
	}
	ln, err := winio.ListenPipe(endpoint, &winio.PipeConfig{SecurityDescriptor: sddl})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", endpoint, err)
	}
	return ln, nil
}

func ownerOnlySDDL() (string, error) {
	tok := windows.GetCurrentProcessToken()
	user, err := tok.GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("query token user: %w", err)
	}
	return fmt.Sprintf("D:P(A;;GA;;;%s)", user.User.Sid.String()), nil
}

func removeEndpoint(string) {}
