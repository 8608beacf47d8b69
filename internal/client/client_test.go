package client_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tabmux/tabmux/internal/client"
	"github.com/tabmux/tabmux/internal/model"
	"github.com/tabmux/tabmux/internal/protocol"
)

const testToken = "11111111-2222-3333-4444-555555555555"

// startFakeDaemon serves the auth handshake and delegates every further
// request to handler on a real unix socket.
func startFakeDaemon(t *testing.T, handler func(protocol.Request) protocol.Response) (socketPath, tokenPath string) {
	t.Helper()
	dir := t.TempDir()
	socketPath = filepath.Join(dir, "d.sock")
	tokenPath = filepath.Join(dir, "token")
	if err := os.WriteFile(tokenPath, []byte(testToken+"\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, handler)
		}
	}()
	return socketPath, tokenPath
}

func serveConn(conn net.Conn, handler func(protocol.Request) protocol.Response) {
	defer conn.Close() //nolint:errcheck
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	if !scanner.Scan() {
		return
	}
	var auth protocol.Request
	if json.Unmarshal(scanner.Bytes(), &auth) != nil || auth.Op != protocol.OpAuth {
		enc.Encode(protocol.Error(protocol.CodeAuthRejected, "authentication required")) //nolint:errcheck
		return
	}
	var args protocol.AuthArgs
	if auth.DecodeArgs(&args) != nil || args.Token != testToken {
		enc.Encode(protocol.Error(protocol.CodeAuthRejected, "authentication required")) //nolint:errcheck
		return
	}
	if enc.Encode(protocol.OK(nil)) != nil {
		return
	}

	for scanner.Scan() {
		var req protocol.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		if enc.Encode(handler(req)) != nil {
			return
		}
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	var got protocol.Request
	socketPath, tokenPath := startFakeDaemon(t, func(req protocol.Request) protocol.Response {
		got = req
		return protocol.OK(protocol.TextResult{Text: "headline"})
	})
	c := client.New(socketPath, tokenPath)

	result, err := c.Text(context.Background(), protocol.TextArgs{Profile: "work", Selector: "h1"})
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if result.Text != "headline" {
		t.Fatalf("result: %+v", result)
	}
	if got.Op != protocol.OpText {
		t.Fatalf("daemon saw op %q", got.Op)
	}
	var args protocol.TextArgs
	if err := got.DecodeArgs(&args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args.Profile != "work" || args.Selector != "h1" {
		t.Fatalf("args: %+v", args)
	}
}

func TestErrorResponseSurfacesCode(t *testing.T) {
	socketPath, tokenPath := startFakeDaemon(t, func(protocol.Request) protocol.Response {
		return protocol.Error(protocol.CodeProfileLocked, "profile is locked")
	})
	c := client.New(socketPath, tokenPath)

	err := c.Ping(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), protocol.CodeProfileLocked) {
		t.Fatalf("error lost the code: %v", err)
	}
}

func TestStaleTokenIsAuthRejected(t *testing.T) {
	socketPath, _ := startFakeDaemon(t, func(protocol.Request) protocol.Response {
		t.Error("request dispatched despite bad token")
		return protocol.OK(nil)
	})
	// A token file left over from a previous daemon run.
	staleTokenPath := filepath.Join(t.TempDir(), "stale")
	if err := os.WriteFile(staleTokenPath, []byte("stale-token\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	stale := client.New(socketPath, staleTokenPath)

	err := stale.Ping(context.Background())
	if !errors.Is(err, model.ErrAuthRejected) {
		t.Fatalf("got %v, want ErrAuthRejected", err)
	}
}

func TestMissingTokenFileHint(t *testing.T) {
	c := client.New(filepath.Join(t.TempDir(), "d.sock"), filepath.Join(t.TempDir(), "absent"))
	err := c.Ping(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "is tabmuxd running?") {
		t.Fatalf("error lacks hint: %v", err)
	}
}

func TestDialFailureHint(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenPath, []byte(testToken), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	c := client.New(filepath.Join(dir, "no-daemon.sock"), tokenPath)

	err := c.Ping(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "is tabmuxd running?") {
		t.Fatalf("error lacks hint: %v", err)
	}
}
