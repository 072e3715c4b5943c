package transport

import (
	"context"
	"net"
)

// PipeDialer yields in-memory trunks and hands the far end to Serve,
// decoupling session and protocol tests from any real network or child
// process. Serve typically runs a companion engine.
type PipeDialer struct {
	// Serve consumes the far end of each dialed trunk in its own
	// goroutine.
	Serve func(conn net.Conn)
	// Fail, when set, makes Connect return its error instead of dialing.
	Fail func() error
}

func (d *PipeDialer) Kind() Kind { return KindLocal }

func (d *PipeDialer) Connect(ctx context.Context, target Target, auth Auth) (Trunk, error) {
	if d.Fail != nil {
		if err := d.Fail(); err != nil {
			return nil, err
		}
	}
	near, far := net.Pipe()
	go d.Serve(far)
	return near, nil
}
