package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a single-shot or streaming connection to a pm3d Unix socket.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// Dial connects to the daemon's socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to pm3d at %s: %w", path, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Client{conn: conn, scanner: scanner}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send writes one request to the daemon.
func (c *Client) Send(req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = c.conn.Write(b)
	return err
}

// Recv blocks for the next response line. Used in a loop by callers
// streaming Log{Follow:true} responses.
func (c *Client) Recv() (Response, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("connection closed by daemon")
	}
	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Call sends req and returns the single response that follows, for every
// request type except Log{Follow:true}.
func (c *Client) Call(req Request) (Response, error) {
	if err := c.Send(req); err != nil {
		return Response{}, err
	}
	return c.Recv()
}
