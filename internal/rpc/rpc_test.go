package rpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T, h Handler) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "pm3.sock")
	srv := &Server{SocketPath: sockPath, Handler: h}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	return sockPath
}

func TestClientServerRoundtrip(t *testing.T) {
	sock := startTestServer(t, func(ctx context.Context, req Request, send func(Response) error) error {
		if req.Type != ReqList {
			return send(Response{Type: RespError, Message: "unexpected type"})
		}
		return send(Response{Type: RespProcessList, Processes: []ProcessInfo{{Name: "web", Status: "online"}}})
	})

	c, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	resp, err := c.Call(Request{Type: ReqList})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Type != RespProcessList || len(resp.Processes) != 1 || resp.Processes[0].Name != "web" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServerRespondsErrorOnMalformedJSON(t *testing.T) {
	sock := startTestServer(t, func(ctx context.Context, req Request, send func(Response) error) error {
		return send(Response{Type: RespSuccess})
	})

	c, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	if _, err := c.conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := c.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if resp.Type != RespError {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

func TestStreamingLogFollowSendsMultipleResponses(t *testing.T) {
	sock := startTestServer(t, func(ctx context.Context, req Request, send func(Response) error) error {
		for i := 0; i < 3; i++ {
			if err := send(Response{Type: RespLogLine, LogName: req.Name, Line: "line"}); err != nil {
				return err
			}
		}
		return nil
	})

	c, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Send(Request{Type: ReqLog, Name: "web", Follow: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i := 0; i < 3; i++ {
		resp, err := c.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if resp.Type != RespLogLine {
			t.Fatalf("expected log_line, got %+v", resp)
		}
	}
}

func TestDialFailsWhenNoServerListening(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "nope.sock")
	if _, err := Dial(sock); err == nil {
		t.Fatal("expected dial error for nonexistent socket")
	}
}

func TestDialTimeout(t *testing.T) {
	start := time.Now()
	sock := filepath.Join(t.TempDir(), "nope.sock")
	_, _ = Dial(sock)
	if time.Since(start) > 4*time.Second {
		t.Fatal("dial took too long to fail")
	}
}
