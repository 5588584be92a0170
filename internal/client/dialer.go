package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/auth"
)

// CloseAbnormal is reported when a transport drops without a close frame.
const CloseAbnormal = websocket.CloseAbnormalClosure

// Conn is one live transport. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens transports to the hub.
type Dialer interface {
	Dial(ctx context.Context, url, credential string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket, presenting the credential
// as a bearer header.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url, credential string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Code: CloseAbnormal, Reason: resp.Status, Err: err}
		}
		return nil, &TransportError{Code: CloseAbnormal, Err: err}
	}
	return conn, nil
}

// closeOf extracts the close code and reason of a read error.
func closeOf(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Code, transportErr.Reason
	}
	return CloseAbnormal, ""
}

// StaticCredential returns the same credential on every dial.
func StaticCredential(token string) CredentialFunc {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// CredentialFunc supplies the credential for the next dial.
type CredentialFunc func(ctx context.Context) (string, error)

func mustCredential(ctx context.Context, fn CredentialFunc) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("no credential source: %w", auth.ErrMissingCredential)
	}
	return fn(ctx)
}
