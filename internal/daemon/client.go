package daemon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/moorctl/moor/internal/protocol"
)

// Client talks to a daemon's control socket. One connection per request
// keeps the client trivially safe for concurrent use.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

func (c *Client) roundTrip(req controlRequest) (controlResponse, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return controlResponse{}, fmt.Errorf("%w: daemon not reachable at %s: %v", protocol.ErrNetwork, c.socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	payload, err := json.Marshal(req)
	if err != nil {
		return controlResponse{}, err
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return controlResponse{}, fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return controlResponse{}, fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
	}
	var resp controlResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return controlResponse{}, fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s: %s", resp.Code, resp.Error)
	}
	return resp, nil
}

// Ping verifies the daemon is up.
func (c *Client) Ping() error {
	_, err := c.roundTrip(controlRequest{Action: "ping"})
	return err
}

// Start registers and connects a session.
func (c *Client) Start(req StartRequest) (SessionStatus, error) {
	resp, err := c.roundTrip(controlRequest{Action: "start", Start: &req})
	if err != nil {
		return SessionStatus{}, err
	}
	var status SessionStatus
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return SessionStatus{}, err
	}
	return status, nil
}

// Stop closes a session; stopping an unknown session succeeds.
func (c *Client) Stop(name string) error {
	_, err := c.roundTrip(controlRequest{Action: "stop", Name: name})
	return err
}

// Status reports one session.
func (c *Client) Status(name string) (SessionStatus, error) {
	resp, err := c.roundTrip(controlRequest{Action: "status", Name: name})
	if err != nil {
		return SessionStatus{}, err
	}
	var status SessionStatus
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return SessionStatus{}, err
	}
	return status, nil
}

// List reports every session.
func (c *Client) List() ([]SessionStatus, error) {
	resp, err := c.roundTrip(controlRequest{Action: "list"})
	if err != nil {
		return nil, err
	}
	var out []SessionStatus
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
