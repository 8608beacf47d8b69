// Package client is the tabmux side of the IPC protocol: it dials the
// daemon socket, authenticates with the token file, and issues one
// request per call.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/tabmux/tabmux/internal/model"
	"github.com/tabmux/tabmux/internal/protocol"
)

const defaultCallTimeout = 60 * time.Second

type Client struct {
	socketPath string
	tokenPath  string
	timeout    time.Duration
}

func New(socketPath, tokenPath string) *Client {
	return &Client{
		socketPath: socketPath,
		tokenPath:  tokenPath,
		timeout:    defaultCallTimeout,
	}
}

func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.timeout = timeout
	return &clone
}

// do runs one authenticated request against the daemon. Each call opens a
// fresh connection; the CLI issues a single request per invocation.
func (c *Client) do(ctx context.Context, op string, args, out any) error {
	token, err := c.readToken()
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w (is tabmuxd running?)", c.socketPath, err)
	}
	defer conn.Close() //nolint:errcheck

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	authReq, err := protocol.NewRequest(protocol.OpAuth, protocol.AuthArgs{Token: token})
	if err != nil {
		return err
	}
	if err := enc.Encode(authReq); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	authResp, err := readResponse(scanner)
	if err != nil {
		return err
	}
	if !authResp.OK() {
		return fmt.Errorf("%w: %s", model.ErrAuthRejected, authResp.Message)
	}

	req, err := protocol.NewRequest(op, args)
	if err != nil {
		return err
	}
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	resp, err := readResponse(scanner)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return resp.Err()
	}
	if out != nil {
		return resp.DecodeResult(out)
	}
	return nil
}

func readResponse(scanner *bufio.Scanner) (protocol.Response, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return protocol.Response{}, fmt.Errorf("read response: %w", err)
		}
		return protocol.Response{}, fmt.Errorf("daemon closed the connection")
	}
	var resp protocol.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return protocol.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func (c *Client) readToken() (string, error) {
	data, err := os.ReadFile(c.tokenPath)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w (is tabmuxd running?)", c.tokenPath, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, protocol.OpPing, struct{}{}, nil)
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, protocol.OpShutdown, struct{}{}, nil)
}

func (c *Client) Status(ctx context.Context) (protocol.StatusResult, error) {
	var out protocol.StatusResult
	err := c.do(ctx, protocol.OpStatus, struct{}{}, &out)
	return out, err
}

func (c *Client) TabCreate(ctx context.Context, args protocol.TabCreateArgs) error {
	return c.do(ctx, protocol.OpTabCreate, args, nil)
}

func (c *Client) TabClose(ctx context.Context, args protocol.TabCloseArgs) error {
	return c.do(ctx, protocol.OpTabClose, args, nil)
}

func (c *Client) TabList(ctx context.Context, args protocol.TabListArgs) (protocol.TabListResult, error) {
	var out protocol.TabListResult
	err := c.do(ctx, protocol.OpTabList, args, &out)
	return out, err
}

func (c *Client) TabSetViewport(ctx context.Context, args protocol.TabSetViewportArgs) error {
	return c.do(ctx, protocol.OpTabSetViewport, args, nil)
}

func (c *Client) Navigate(ctx context.Context, args protocol.NavigateArgs) error {
	return c.do(ctx, protocol.OpNavigate, args, nil)
}

func (c *Client) Inspect(ctx context.Context, args protocol.InspectArgs) (protocol.InspectResult, error) {
	var out protocol.InspectResult
	err := c.do(ctx, protocol.OpInspect, args, &out)
	return out, err
}

func (c *Client) Click(ctx context.Context, args protocol.ClickArgs) error {
	return c.do(ctx, protocol.OpClick, args, nil)
}

func (c *Client) Type(ctx context.Context, args protocol.TypeArgs) error {
	return c.do(ctx, protocol.OpType, args, nil)
}

func (c *Client) Text(ctx context.Context, args protocol.TextArgs) (protocol.TextResult, error) {
	var out protocol.TextResult
	err := c.do(ctx, protocol.OpText, args, &out)
	return out, err
}

func (c *Client) Eval(ctx context.Context, args protocol.EvalArgs) (protocol.EvalResult, error) {
	var out protocol.EvalResult
	err := c.do(ctx, protocol.OpEval, args, &out)
	return out, err
}

func (c *Client) Scroll(ctx context.Context, args protocol.ScrollArgs) error {
	return c.do(ctx, protocol.OpScroll, args, nil)
}

func (c *Client) FindText(ctx context.Context, args protocol.FindTextArgs) (protocol.InspectResult, error) {
	var out protocol.InspectResult
	err := c.do(ctx, protocol.OpFindText, args, &out)
	return out, err
}

func (c *Client) OneShotInspect(ctx context.Context, args protocol.OneShotInspectArgs) (protocol.InspectResult, error) {
	var out protocol.InspectResult
	err := c.do(ctx, protocol.OpOneShotInspect, args, &out)
	return out, err
}

func (c *Client) ProfileCreate(ctx context.Context, args protocol.ProfileCreateArgs) error {
	return c.do(ctx, protocol.OpProfileCreate, args, nil)
}

func (c *Client) ProfileDestroy(ctx context.Context, args protocol.ProfileDestroyArgs) error {
	return c.do(ctx, protocol.OpProfileDestroy, args, nil)
}

func (c *Client) ProfileList(ctx context.Context) (protocol.ProfileListResult, error) {
	var out protocol.ProfileListResult
	err := c.do(ctx, protocol.OpProfileList, struct{}{}, &out)
	return out, err
}

func (c *Client) ProfileInfo(ctx context.Context, args protocol.ProfileInfoArgs) (protocol.ProfileInfoResult, error) {
	var out protocol.ProfileInfoResult
	err := c.do(ctx, protocol.OpProfileInfo, args, &out)
	return out, err
}

func (c *Client) ProfileLock(ctx context.Context, args protocol.ProfileLockArgs) error {
	return c.do(ctx, protocol.OpProfileLock, args, nil)
}

func (c *Client) ProfileUnlock(ctx context.Context, args protocol.ProfileUnlockArgs) error {
	return c.do(ctx, protocol.OpProfileUnlock, args, nil)
}

func (c *Client) Events(ctx context.Context, args protocol.EventsArgs) (protocol.EventsResult, error) {
	var out protocol.EventsResult
	err := c.do(ctx, protocol.OpEvents, args, &out)
	return out, err
}
