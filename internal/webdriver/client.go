// Package webdriver speaks the W3C WebDriver wire protocol to a local
// driver process (geckodriver, chromedriver) and supervises the lifecycle
// of those processes. The protocol is consumed, not reimplemented: every
// call here is one HTTP round-trip to the driver.
package webdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tabmux/tabmux/internal/model"
)

const elementKey = "element-6066-11e4-a52e-4f735466cecf"

const defaultCallTimeout = 30 * time.Second

// SessionOptions configure a new WebDriver session.
type SessionOptions struct {
	Engine     model.EngineType
	Headless   bool
	ProfileDir string
	Viewport   *model.ViewportSize
}

// Client is one live WebDriver session against a driver endpoint.
type Client struct {
	endpoint  string
	sessionID string
	http      *http.Client
}

// protocolError is a non-2xx driver response decoded per the W3C error shape.
type protocolError struct {
	Code    string
	Message string
}

func (e *protocolError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *protocolError) Unwrap() error { return model.ErrEngineProtocol }

// NewSession creates a WebDriver session at endpoint with the given options.
func NewSession(ctx context.Context, endpoint string, opts SessionOptions) (*Client, error) {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: defaultCallTimeout},
	}
	body := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": capabilities(opts),
		},
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", body, &result); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if result.SessionID == "" {
		return nil, fmt.Errorf("new session: %w: driver returned no session id", model.ErrEngineProtocol)
	}
	c.sessionID = result.SessionID
	return c, nil
}

func capabilities(opts SessionOptions) map[string]any {
	caps := map[string]any{}
	switch opts.Engine {
	case model.EngineChrome:
		args := []string{"--no-first-run", "--disable-extensions"}
		if opts.Headless {
			args = append(args, "--headless=new")
		}
		if opts.ProfileDir != "" {
			args = append(args, "--user-data-dir="+opts.ProfileDir)
		}
		if opts.Viewport != nil {
			args = append(args, fmt.Sprintf("--window-size=%d,%d", opts.Viewport.Width, opts.Viewport.Height))
		}
		caps["browserName"] = "chrome"
		caps["goog:chromeOptions"] = map[string]any{"args": args}
	default:
		var args []string
		if opts.Headless {
			args = append(args, "-headless")
		}
		if opts.ProfileDir != "" {
			args = append(args, "-profile", opts.ProfileDir)
		}
		ffOpts := map[string]any{}
		if len(args) > 0 {
			ffOpts["args"] = args
		}
		caps["browserName"] = "firefox"
		caps["moz:firefoxOptions"] = ffOpts
	}
	return caps
}

// Endpoint returns the driver base URL this session is attached to.
func (c *Client) Endpoint() string { return c.endpoint }

// SessionID returns the driver-assigned session identifier.
func (c *Client) SessionID() string { return c.sessionID }

// Window returns the handle of the current browsing context.
func (c *Client) Window(ctx context.Context) (string, error) {
	var handle string
	if err := c.session(ctx, http.MethodGet, "/window", nil, &handle); err != nil {
		return "", fmt.Errorf("current window: %w", err)
	}
	return handle, nil
}

// Windows lists all window handles in the session.
func (c *Client) Windows(ctx context.Context) ([]string, error) {
	var handles []string
	if err := c.session(ctx, http.MethodGet, "/window/handles", nil, &handles); err != nil {
		return nil, fmt.Errorf("window handles: %w", err)
	}
	return handles, nil
}

// NewWindow opens a new tab and returns its handle. The driver does not
// switch to it.
func (c *Client) NewWindow(ctx context.Context) (string, error) {
	var result struct {
		Handle string `json:"handle"`
	}
	if err := c.session(ctx, http.MethodPost, "/window/new", map[string]any{"type": "tab"}, &result); err != nil {
		return "", fmt.Errorf("new window: %w", err)
	}
	return result.Handle, nil
}

// SwitchWindow makes handle the current browsing context.
func (c *Client) SwitchWindow(ctx context.Context, handle string) error {
	if err := c.session(ctx, http.MethodPost, "/window", map[string]any{"handle": handle}, nil); err != nil {
		return fmt.Errorf("switch window: %w", err)
	}
	return nil
}

// CloseWindow closes the current browsing context.
func (c *Client) CloseWindow(ctx context.Context) error {
	if err := c.session(ctx, http.MethodDelete, "/window", nil, nil); err != nil {
		return fmt.Errorf("close window: %w", err)
	}
	return nil
}

// Navigate loads url in the current browsing context.
func (c *Client) Navigate(ctx context.Context, url string) error {
	if err := c.session(ctx, http.MethodPost, "/url", map[string]any{"url": url}, nil); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

// CurrentURL reports the URL of the current browsing context.
func (c *Client) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := c.session(ctx, http.MethodGet, "/url", nil, &url); err != nil {
		return "", fmt.Errorf("current url: %w", err)
	}
	return url, nil
}

// Execute runs script synchronously in the page and returns its JSON result.
func (c *Client) Execute(ctx context.Context, script string, args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	var result json.RawMessage
	body := map[string]any{"script": script, "args": args}
	if err := c.session(ctx, http.MethodPost, "/execute/sync", body, &result); err != nil {
		return nil, fmt.Errorf("execute script: %w", err)
	}
	return result, nil
}

// FindElements returns element IDs matching the CSS selector.
func (c *Client) FindElements(ctx context.Context, selector string) ([]string, error) {
	var raw []map[string]string
	body := map[string]any{"using": "css selector", "value": selector}
	if err := c.session(ctx, http.MethodPost, "/elements", body, &raw); err != nil {
		return nil, fmt.Errorf("find elements %q: %w", selector, err)
	}
	ids := make([]string, 0, len(raw))
	for _, m := range raw {
		if id := m[elementKey]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ClickElement clicks the element with the given ID.
func (c *Client) ClickElement(ctx context.Context, id string) error {
	if err := c.session(ctx, http.MethodPost, "/element/"+id+"/click", map[string]any{}, nil); err != nil {
		return fmt.Errorf("click element: %w", err)
	}
	return nil
}

// ClearElement clears the value of a form element.
func (c *Client) ClearElement(ctx context.Context, id string) error {
	if err := c.session(ctx, http.MethodPost, "/element/"+id+"/clear", map[string]any{}, nil); err != nil {
		return fmt.Errorf("clear element: %w", err)
	}
	return nil
}

// SendKeys types text into the element with the given ID.
func (c *Client) SendKeys(ctx context.Context, id, text string) error {
	if err := c.session(ctx, http.MethodPost, "/element/"+id+"/value", map[string]any{"text": text}, nil); err != nil {
		return fmt.Errorf("send keys: %w", err)
	}
	return nil
}

// ElementText returns the rendered text of an element.
func (c *Client) ElementText(ctx context.Context, id string) (string, error) {
	var text string
	if err := c.session(ctx, http.MethodGet, "/element/"+id+"/text", nil, &text); err != nil {
		return "", fmt.Errorf("element text: %w", err)
	}
	return text, nil
}

// ElementRect returns the bounding rectangle of an element.
func (c *Client) ElementRect(ctx context.Context, id string) (Rect, error) {
	var rect Rect
	if err := c.session(ctx, http.MethodGet, "/element/"+id+"/rect", nil, &rect); err != nil {
		return Rect{}, fmt.Errorf("element rect: %w", err)
	}
	return rect, nil
}

// Rect is the W3C element rectangle.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Delete ends the WebDriver session, quitting the browser.
func (c *Client) Delete(ctx context.Context) error {
	if err := c.session(ctx, http.MethodDelete, "", nil, nil); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (c *Client) session(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, "/session/"+c.sessionID+path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrEngineUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Value struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			} `json:"value"`
		}
		if json.Unmarshal(data, &failure) == nil && failure.Value.Error != "" {
			return &protocolError{Code: failure.Value.Error, Message: failure.Value.Message}
		}
		return &protocolError{Code: fmt.Sprintf("http %d", resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Value, out); err != nil {
		return fmt.Errorf("decode response value: %w", err)
	}
	return nil
}
