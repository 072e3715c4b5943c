package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/moorctl/moor/internal/protocol"
)

// TCPDialer connects to a companion already listening in listen mode; the
// companion survives trunk drops, making this kind resumable.
type TCPDialer struct {
	opts Options
}

func (d *TCPDialer) Kind() Kind { return KindTCP }

func (d *TCPDialer) Connect(ctx context.Context, target Target, auth Auth) (Trunk, error) {
	dialer := net.Dialer{Timeout: d.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrNetwork, target.Addr(), err)
	}
	return conn, nil
}

// WSDialer carries the trunk over websocket binary messages to a standing
// companion listener, for deployments where only HTTP-shaped traffic
// traverses the path.
type WSDialer struct {
	opts Options
}

func (d *WSDialer) Kind() Kind { return KindWS }

func (d *WSDialer) Connect(ctx context.Context, target Target, auth Auth) (Trunk, error) {
	u := url.URL{Scheme: "ws", Host: target.Addr(), Path: target.Path}
	if u.Path == "" {
		u.Path = "/trunk"
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.opts.ConnectTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrNetwork, u.String(), err)
	}
	return NewWSTrunk(ws), nil
}

// wsTrunk adapts a websocket connection to a byte stream: each Write is
// one binary message, Reads drain messages in order.
type wsTrunk struct {
	ws     *websocket.Conn
	reader io.Reader
}

// NewWSTrunk wraps an established websocket connection as a Trunk. The
// companion's listen mode uses it for accepted websocket trunks too.
func NewWSTrunk(ws *websocket.Conn) Trunk {
	return &wsTrunk{ws: ws}
}

func (t *wsTrunk) Read(p []byte) (int, error) {
	for {
		if t.reader != nil {
			n, err := t.reader.Read(p)
			if n > 0 {
				return n, nil
			}
			if err != io.EOF {
				return 0, err
			}
			t.reader = nil
		}
		msgType, r, err := t.ws.NextReader()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		t.reader = r
	}
}

func (t *wsTrunk) Write(p []byte) (int, error) {
	if err := t.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *wsTrunk) Close() error {
	return t.ws.Close()
}
