// Package protocol defines the IPC wire format between the tabmux CLI and
// tabmuxd. Each message is one JSON value terminated by a newline: a
// tagged request envelope client-to-daemon, a status-tagged response the
// other way. The set of operations is closed; dispatch matches on the tag
// exhaustively.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tabmux/tabmux/internal/model"
)

// Operation tags.
const (
	OpAuth     = "auth"
	OpPing     = "ping"
	OpStatus   = "status"
	OpShutdown = "shutdown"

	OpTabCreate      = "tab.create"
	OpTabClose       = "tab.close"
	OpTabList        = "tab.list"
	OpTabSetViewport = "tab.set-viewport"

	OpNavigate = "nav.goto"
	OpInspect  = "el.inspect"
	OpClick    = "el.click"
	OpType     = "el.type"
	OpText     = "el.text"
	OpEval     = "page.eval"
	OpScroll   = "page.scroll"
	OpFindText = "page.find-text"

	OpOneShotInspect = "oneshot.inspect"

	OpProfileCreate  = "profile.create"
	OpProfileDestroy = "profile.destroy"
	OpProfileList    = "profile.list"
	OpProfileInfo    = "profile.info"
	OpProfileLock    = "profile.lock"
	OpProfileUnlock  = "profile.unlock"

	OpEvents = "events.list"
)

// Error codes carried in error responses.
const (
	CodeEngineUnavailable = "engine_unavailable"
	CodeEngineProtocol    = "engine_protocol"
	CodeTabNotFound       = "tab_not_found"
	CodeTabExists         = "tab_exists"
	CodeTabBroken         = "tab_broken"
	CodeTabClosing        = "tab_closing"
	CodeLastTab           = "last_tab"
	CodeProfileUnknown    = "profile_unknown"
	CodeProfileLocked     = "profile_locked"
	CodeProfileReserved   = "profile_reserved"
	CodeAuthRejected      = "auth_rejected"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

// Request is the client-to-daemon envelope.
type Request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// NewRequest builds a request envelope for op with the given args.
func NewRequest(op string, args any) (Request, error) {
	req := Request{Op: op}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s args: %w", op, err)
		}
		req.Args = raw
	}
	return req, nil
}

// DecodeArgs unmarshals the request args into out.
func (r Request) DecodeArgs(out any) error {
	if len(r.Args) == 0 {
		return fmt.Errorf("%s: missing args", r.Op)
	}
	if err := json.Unmarshal(r.Args, out); err != nil {
		return fmt.Errorf("%s: invalid args: %w", r.Op, err)
	}
	return nil
}

// Response is the daemon-to-client envelope.
type Response struct {
	Status  string          `json:"status"` // "ok" or "error"
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func (r Response) OK() bool { return r.Status == "ok" }

// Err converts an error response into a Go error.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	if r.Code != "" {
		return fmt.Errorf("%s: %s", r.Code, r.Message)
	}
	return fmt.Errorf("%s", r.Message)
}

// OK builds a success response carrying result (which may be nil).
func OK(result any) Response {
	resp := Response{Status: "ok"}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Error(CodeInternal, fmt.Sprintf("encode result: %v", err))
		}
		resp.Result = raw
	}
	return resp
}

// Error builds an error response.
func Error(code, message string) Response {
	return Response{Status: "error", Code: code, Message: message}
}

// DecodeResult unmarshals a success response's result into out.
func (r Response) DecodeResult(out any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("response has no result")
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// AuthArgs is the mandatory first message on every connection.
type AuthArgs struct {
	Token string `json:"token"`
}

type TabCreateArgs struct {
	Profile  string              `json:"profile,omitempty"`
	Name     string              `json:"name"`
	Viewport *model.ViewportSize `json:"viewport,omitempty"`
}

type TabCloseArgs struct {
	Profile string `json:"profile,omitempty"`
	Name    string `json:"name"`
}

type TabListArgs struct {
	Profile string `json:"profile,omitempty"`
}

type TabListResult struct {
	Tabs []model.TabInfo `json:"tabs"`
}

type TabSetViewportArgs struct {
	Profile  string             `json:"profile,omitempty"`
	Tab      string             `json:"tab"`
	Viewport model.ViewportSize `json:"viewport"`
}

type NavigateArgs struct {
	Profile string `json:"profile,omitempty"`
	Tab     string `json:"tab"`
	URL     string `json:"url"`
}

type InspectArgs struct {
	Profile   string `json:"profile,omitempty"`
	Tab       string `json:"tab"`
	URL       string `json:"url,omitempty"`
	Selector  string `json:"selector"`
	All       bool   `json:"all,omitempty"`
	Index     int    `json:"index"`
	ExpectOne bool   `json:"expect_one,omitempty"`
}

type InspectResult struct {
	Elements []model.ElementInfo `json:"elements"`
}

type ClickArgs struct {
	Profile  string `json:"profile,omitempty"`
	Tab      string `json:"tab"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector"`
	Index    int    `json:"index"`
}

type TypeArgs struct {
	Profile  string `json:"profile,omitempty"`
	Tab      string `json:"tab"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Clear    bool   `json:"clear,omitempty"`
}

type TextArgs struct {
	Profile  string `json:"profile,omitempty"`
	Tab      string `json:"tab"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector"`
}

type TextResult struct {
	Text string `json:"text"`
}

type EvalArgs struct {
	Profile string `json:"profile,omitempty"`
	Tab     string `json:"tab"`
	URL     string `json:"url,omitempty"`
	Script  string `json:"script"`
}

type EvalResult struct {
	Value json.RawMessage `json:"value"`
}

type ScrollArgs struct {
	Profile  string `json:"profile,omitempty"`
	Tab      string `json:"tab"`
	Selector string `json:"selector,omitempty"`
	ByX      int    `json:"by_x,omitempty"`
	ByY      int    `json:"by_y,omitempty"`
	To       string `json:"to,omitempty"`
}

type FindTextArgs struct {
	Profile string `json:"profile,omitempty"`
	Tab     string `json:"tab"`
	URL     string `json:"url,omitempty"`
	Query   string `json:"query"`
	Limit   int    `json:"limit,omitempty"`
}

type OneShotInspectArgs struct {
	URL       string              `json:"url"`
	Selector  string              `json:"selector"`
	Engine    model.EngineType    `json:"engine,omitempty"`
	Headless  bool                `json:"headless"`
	Viewport  *model.ViewportSize `json:"viewport,omitempty"`
	All       bool                `json:"all,omitempty"`
	Index     int                 `json:"index"`
	ExpectOne bool                `json:"expect_one,omitempty"`
}

type ProfileCreateArgs struct {
	Name           string              `json:"name"`
	Engine         model.EngineType    `json:"engine,omitempty"`
	Viewport       *model.ViewportSize `json:"viewport,omitempty"`
	Headless       bool                `json:"headless"`
	PersistCookies bool                `json:"persist_cookies"`
	PersistStorage bool                `json:"persist_storage"`
}

type ProfileDestroyArgs struct {
	Name  string `json:"name"`
	Force bool   `json:"force,omitempty"`
}

type ProfileInfoArgs struct {
	Name string `json:"name"`
}

type ProfileInfoResult struct {
	Profile model.ProfileMetadata `json:"profile"`
}

type ProfileListResult struct {
	Profiles []model.ProfileMetadata `json:"profiles"`
}

type ProfileLockArgs struct {
	Name     string `json:"name"`
	Duration string `json:"duration"` // Go duration string, e.g. "30m"
}

type ProfileUnlockArgs struct {
	Name string `json:"name"`
}

type EventsArgs struct {
	Profile string `json:"profile,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type EventsResult struct {
	Events []model.Event `json:"events"`
}

type StatusResult struct {
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	Profiles     int       `json:"profiles"`
	LiveSessions int       `json:"live_sessions"`
	Engines      int       `json:"engines"`
}
