package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultTimeout bounds a request when the context has no deadline.
const DefaultTimeout = 30 * time.Second

// Client sends commands to a running agent. Each Do uses its own
// connection.
type Client struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// NewClient creates a client for the agent at addr.
func NewClient(network, addr string) *Client {
	if network == "" {
		network = "tcp"
	}
	return &Client{Network: network, Addr: addr, Timeout: DefaultTimeout}
}

// Do sends one command line and waits for its response.
func (c *Client) Do(ctx context.Context, line string) (Response, error) {
	if strings.ContainsAny(line, "\r\n") {
		return Response{}, fmt.Errorf("command must be a single line")
	}
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, c.Network, c.Addr)
	if err != nil {
		return Response{}, fmt.Errorf("failed to connect to agent at %s: %w", c.Addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return Response{}, err
		}
	}

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return Response{}, fmt.Errorf("failed to send command: %w", err)
	}
	reader := bufio.NewReader(conn)
	raw, err := reader.ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("malformed response: %w", err)
	}
	return resp, nil
}
