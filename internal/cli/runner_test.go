package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tabmux/tabmux/internal/model"
	"github.com/tabmux/tabmux/internal/protocol"
)

// fakeClient records the last call and returns canned results.
type fakeClient struct {
	lastOp   string
	err      error
	tabCreate protocol.TabCreateArgs
	tabClose  protocol.TabCloseArgs
	tabList   protocol.TabListResult
	setVP     protocol.TabSetViewportArgs
	navigate  protocol.NavigateArgs
	inspect   protocol.InspectArgs
	inspectR  protocol.InspectResult
	click     protocol.ClickArgs
	typeArgs  protocol.TypeArgs
	text      protocol.TextArgs
	textR     protocol.TextResult
	eval      protocol.EvalArgs
	evalR     protocol.EvalResult
	scroll    protocol.ScrollArgs
	findText  protocol.FindTextArgs
	oneshot   protocol.OneShotInspectArgs
	profCr    protocol.ProfileCreateArgs
	profDes   protocol.ProfileDestroyArgs
	profListR protocol.ProfileListResult
	profInfoR protocol.ProfileInfoResult
	profLock  protocol.ProfileLockArgs
	profUnl   protocol.ProfileUnlockArgs
	events    protocol.EventsArgs
	eventsR   protocol.EventsResult
	status    protocol.StatusResult
}

func (f *fakeClient) call(op string) error {
	f.lastOp = op
	return f.err
}

func (f *fakeClient) Ping(ctx context.Context) error     { return f.call("ping") }
func (f *fakeClient) Shutdown(ctx context.Context) error { return f.call("shutdown") }

func (f *fakeClient) Status(ctx context.Context) (protocol.StatusResult, error) {
	return f.status, f.call("status")
}

func (f *fakeClient) TabCreate(ctx context.Context, args protocol.TabCreateArgs) error {
	f.tabCreate = args
	return f.call("tab.create")
}

func (f *fakeClient) TabClose(ctx context.Context, args protocol.TabCloseArgs) error {
	f.tabClose = args
	return f.call("tab.close")
}

func (f *fakeClient) TabList(ctx context.Context, args protocol.TabListArgs) (protocol.TabListResult, error) {
	return f.tabList, f.call("tab.list")
}

func (f *fakeClient) TabSetViewport(ctx context.Context, args protocol.TabSetViewportArgs) error {
	f.setVP = args
	return f.call("tab.set-viewport")
}

func (f *fakeClient) Navigate(ctx context.Context, args protocol.NavigateArgs) error {
	f.navigate = args
	return f.call("nav.goto")
}

func (f *fakeClient) Inspect(ctx context.Context, args protocol.InspectArgs) (protocol.InspectResult, error) {
	f.inspect = args
	return f.inspectR, f.call("el.inspect")
}

func (f *fakeClient) Click(ctx context.Context, args protocol.ClickArgs) error {
	f.click = args
	return f.call("el.click")
}

func (f *fakeClient) Type(ctx context.Context, args protocol.TypeArgs) error {
	f.typeArgs = args
	return f.call("el.type")
}

func (f *fakeClient) Text(ctx context.Context, args protocol.TextArgs) (protocol.TextResult, error) {
	f.text = args
	return f.textR, f.call("el.text")
}

func (f *fakeClient) Eval(ctx context.Context, args protocol.EvalArgs) (protocol.EvalResult, error) {
	f.eval = args
	return f.evalR, f.call("page.eval")
}

func (f *fakeClient) Scroll(ctx context.Context, args protocol.ScrollArgs) error {
	f.scroll = args
	return f.call("page.scroll")
}

func (f *fakeClient) FindText(ctx context.Context, args protocol.FindTextArgs) (protocol.InspectResult, error) {
	f.findText = args
	return f.inspectR, f.call("page.find-text")
}

func (f *fakeClient) OneShotInspect(ctx context.Context, args protocol.OneShotInspectArgs) (protocol.InspectResult, error) {
	f.oneshot = args
	return f.inspectR, f.call("oneshot.inspect")
}

func (f *fakeClient) ProfileCreate(ctx context.Context, args protocol.ProfileCreateArgs) error {
	f.profCr = args
	return f.call("profile.create")
}

func (f *fakeClient) ProfileDestroy(ctx context.Context, args protocol.ProfileDestroyArgs) error {
	f.profDes = args
	return f.call("profile.destroy")
}

func (f *fakeClient) ProfileList(ctx context.Context) (protocol.ProfileListResult, error) {
	return f.profListR, f.call("profile.list")
}

func (f *fakeClient) ProfileInfo(ctx context.Context, args protocol.ProfileInfoArgs) (protocol.ProfileInfoResult, error) {
	return f.profInfoR, f.call("profile.info")
}

func (f *fakeClient) ProfileLock(ctx context.Context, args protocol.ProfileLockArgs) error {
	f.profLock = args
	return f.call("profile.lock")
}

func (f *fakeClient) ProfileUnlock(ctx context.Context, args protocol.ProfileUnlockArgs) error {
	f.profUnl = args
	return f.call("profile.unlock")
}

func (f *fakeClient) Events(ctx context.Context, args protocol.EventsArgs) (protocol.EventsResult, error) {
	f.events = args
	return f.eventsR, f.call("events.list")
}

func run(t *testing.T, f *fakeClient, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	r := NewRunnerWithClient(f, &out, &errOut)
	code := r.Run(context.Background(), args)
	return code, out.String(), errOut.String()
}

func TestPingPrintsOK(t *testing.T) {
	f := &fakeClient{}
	code, out, _ := run(t, f, "ping")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if out != "ok\n" {
		t.Fatalf("output %q", out)
	}
}

func TestDaemonErrorExitsOne(t *testing.T) {
	f := &fakeClient{err: errors.New("profile_locked: profile is locked")}
	code, _, errOut := run(t, f, "ping")
	if code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(errOut, "profile_locked") {
		t.Fatalf("stderr %q", errOut)
	}
}

func TestUnknownCommandExitsTwo(t *testing.T) {
	f := &fakeClient{}
	code, _, errOut := run(t, f, "teleport")
	if code != 2 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(errOut, "unknown command") {
		t.Fatalf("stderr %q", errOut)
	}
	if f.lastOp != "" {
		t.Fatalf("unexpected client call %q", f.lastOp)
	}
}

func TestNoCommandPrintsUsage(t *testing.T) {
	f := &fakeClient{}
	code, _, errOut := run(t, f)
	if code != 2 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(errOut, "usage:") {
		t.Fatalf("stderr %q", errOut)
	}
}

func TestTabCreateParsesFlags(t *testing.T) {
	f := &fakeClient{}
	code, _, _ := run(t, f, "tab", "create", "--profile", "work", "--viewport", "375x667", "search")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if f.tabCreate.Name != "search" || f.tabCreate.Profile != "work" {
		t.Fatalf("args %+v", f.tabCreate)
	}
	if f.tabCreate.Viewport == nil || f.tabCreate.Viewport.Width != 375 || f.tabCreate.Viewport.Height != 667 {
		t.Fatalf("viewport %+v", f.tabCreate.Viewport)
	}
}

func TestTabCreateRejectsBadViewport(t *testing.T) {
	f := &fakeClient{}
	code, _, _ := run(t, f, "tab", "create", "--viewport", "huge", "search")
	if code != 2 {
		t.Fatalf("exit code %d", code)
	}
	if f.lastOp != "" {
		t.Fatalf("unexpected client call %q", f.lastOp)
	}
}

func TestTabListFormatsRows(t *testing.T) {
	f := &fakeClient{tabList: protocol.TabListResult{Tabs: []model.TabInfo{
		{Name: "main", Profile: "default", Health: model.TabHealthy, URL: "https://example.com"},
		{Name: "search", Profile: "default", Health: model.TabBroken},
	}}}
	code, out, _ := run(t, f, "tab", "list")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: %q", out)
	}
	if !strings.Contains(lines[0], "main\tdefault") || !strings.Contains(lines[0], "https://example.com") {
		t.Fatalf("row: %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "\t-") {
		t.Fatalf("missing URL should print a dash: %q", lines[1])
	}
}

func TestTabListJSON(t *testing.T) {
	f := &fakeClient{tabList: protocol.TabListResult{Tabs: []model.TabInfo{{Name: "main"}}}}
	code, out, _ := run(t, f, "tab", "list", "--json")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	var decoded protocol.TabListResult
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(decoded.Tabs) != 1 || decoded.Tabs[0].Name != "main" {
		t.Fatalf("decoded %+v", decoded)
	}
}

func TestGotoRequiresURL(t *testing.T) {
	f := &fakeClient{}
	code, _, errOut := run(t, f, "goto")
	if code != 2 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(errOut, "usage: tabmux goto") {
		t.Fatalf("stderr %q", errOut)
	}
}

func TestGotoPassesProfileAndTab(t *testing.T) {
	f := &fakeClient{}
	code, _, _ := run(t, f, "goto", "--profile", "work", "--tab", "search", "https://example.com")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	want := protocol.NavigateArgs{Profile: "work", Tab: "search", URL: "https://example.com"}
	if f.navigate != want {
		t.Fatalf("args %+v", f.navigate)
	}
}

func TestInspectPrintsElements(t *testing.T) {
	f := &fakeClient{inspectR: protocol.InspectResult{Elements: []model.ElementInfo{
		{Selector: "h1", Index: 0, X: 10, Y: 20, Width: 300, Height: 40, Text: "Page\nTitle"},
	}}}
	code, out, _ := run(t, f, "inspect", "--expect-one", "h1")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if out != "h1[0]\t10,20\t300x40\tPage Title\n" {
		t.Fatalf("output %q", out)
	}
	if !f.inspect.ExpectOne {
		t.Fatalf("args %+v", f.inspect)
	}
}

func TestTypeClearFlag(t *testing.T) {
	f := &fakeClient{}
	code, _, _ := run(t, f, "type", "--clear", "input[name=q]", "golang")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if f.typeArgs.Selector != "input[name=q]" || f.typeArgs.Text != "golang" || !f.typeArgs.Clear {
		t.Fatalf("args %+v", f.typeArgs)
	}
}

func TestTextPrintsValue(t *testing.T) {
	f := &fakeClient{textR: protocol.TextResult{Text: "headline"}}
	code, out, _ := run(t, f, "text", "h1")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if out != "headline\n" {
		t.Fatalf("output %q", out)
	}
}

func TestEvalPrintsRawJSON(t *testing.T) {
	f := &fakeClient{evalR: protocol.EvalResult{Value: json.RawMessage(`{"n":42}`)}}
	code, out, _ := run(t, f, "eval", "({n: 42})")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if out != "{\"n\":42}\n" {
		t.Fatalf("output %q", out)
	}
}

func TestScrollRequiresATarget(t *testing.T) {
	f := &fakeClient{}
	code, _, _ := run(t, f, "scroll")
	if code != 2 {
		t.Fatalf("exit code %d", code)
	}

	code, _, _ = run(t, f, "scroll", "--by-y", "500")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if f.scroll.ByY != 500 {
		t.Fatalf("args %+v", f.scroll)
	}
}

func TestOneShotParsesEngineAndViewport(t *testing.T) {
	f := &fakeClient{}
	code, _, _ := run(t, f, "oneshot", "--engine", "chrome", "--viewport", "1280x800", "https://example.com", "h1")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if f.oneshot.Engine != model.EngineChrome || f.oneshot.URL != "https://example.com" || f.oneshot.Selector != "h1" {
		t.Fatalf("args %+v", f.oneshot)
	}
	if f.oneshot.Viewport == nil || f.oneshot.Viewport.Width != 1280 {
		t.Fatalf("viewport %+v", f.oneshot.Viewport)
	}
	if !f.oneshot.Headless {
		t.Fatal("headless should default to true")
	}
}

func TestProfileLockDuration(t *testing.T) {
	f := &fakeClient{}
	code, _, _ := run(t, f, "profile", "lock", "--for", "2h", "work")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if f.profLock.Name != "work" || f.profLock.Duration != "2h" {
		t.Fatalf("args %+v", f.profLock)
	}
}

func TestProfileCreateRejectsBadEngine(t *testing.T) {
	f := &fakeClient{}
	code, _, _ := run(t, f, "profile", "create", "--engine", "netscape", "work")
	if code != 2 {
		t.Fatalf("exit code %d", code)
	}
	if f.lastOp != "" {
		t.Fatalf("unexpected client call %q", f.lastOp)
	}
}

func TestEventsFormatsRows(t *testing.T) {
	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeClient{eventsR: protocol.EventsResult{Events: []model.Event{
		{Kind: model.EventTabCreated, Profile: "work", Tab: "search", RecordedAt: when},
	}}}
	code, out, _ := run(t, f, "events", "--profile", "work")
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(out, "2026-03-01 12:00:00\ttab_created\twork\tsearch\t-") {
		t.Fatalf("output %q", out)
	}
	if f.events.Profile != "work" {
		t.Fatalf("args %+v", f.events)
	}
}
