package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tabmux/tabmux/internal/config"
	"github.com/tabmux/tabmux/internal/model"
	"github.com/tabmux/tabmux/internal/pool"
	"github.com/tabmux/tabmux/internal/protocol"
	"github.com/tabmux/tabmux/internal/registry"
	"github.com/tabmux/tabmux/internal/session"
	"github.com/tabmux/tabmux/internal/testutil"
	"github.com/tabmux/tabmux/internal/webdriver"
)

// stubDriver is a happy-path session.Driver with injectable failures.
type stubDriver struct {
	mu         sync.Mutex
	handles    []string
	next       int
	current    string
	lastURL    string
	deleted    bool
	navigateFn func(url string) error
	findFn     func(selector string) ([]string, error)
}

func newStubDriver() *stubDriver {
	return &stubDriver{handles: []string{"w0"}, current: "w0", lastURL: "about:blank"}
}

func (d *stubDriver) Window(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, nil
}

func (d *stubDriver) Windows(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted {
		return nil, fmt.Errorf("%w: session gone", model.ErrEngineUnavailable)
	}
	return append([]string(nil), d.handles...), nil
}

func (d *stubDriver) NewWindow(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	h := fmt.Sprintf("w%d", d.next)
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *stubDriver) SwitchWindow(ctx context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = handle
	return nil
}

func (d *stubDriver) CloseWindow(ctx context.Context) error { return nil }

func (d *stubDriver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	fn := d.navigateFn
	d.mu.Unlock()
	if fn != nil {
		if err := fn(url); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.lastURL = url
	d.mu.Unlock()
	return nil
}

func (d *stubDriver) CurrentURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastURL, nil
}

func (d *stubDriver) Execute(ctx context.Context, script string, args []any) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}

func (d *stubDriver) FindElements(ctx context.Context, selector string) ([]string, error) {
	d.mu.Lock()
	fn := d.findFn
	d.mu.Unlock()
	if fn != nil {
		return fn(selector)
	}
	return []string{"el-1"}, nil
}

func (d *stubDriver) ClickElement(ctx context.Context, id string) error { return nil }
func (d *stubDriver) ClearElement(ctx context.Context, id string) error { return nil }
func (d *stubDriver) SendKeys(ctx context.Context, id, text string) error {
	return nil
}

func (d *stubDriver) ElementText(ctx context.Context, id string) (string, error) {
	return "hello", nil
}

func (d *stubDriver) ElementRect(ctx context.Context, id string) (webdriver.Rect, error) {
	return webdriver.Rect{X: 1, Y: 2, Width: 30, Height: 40}, nil
}

func (d *stubDriver) Delete(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = true
	return nil
}

func (d *stubDriver) wasDeleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted
}

type serverFixture struct {
	srv      *Server
	reg      *registry.Registry
	factory  *countingFactory
	poolFact *countingPoolFactory
}

// countingFactory materializes sessions over stub drivers and remembers them.
type countingFactory struct {
	mu      sync.Mutex
	calls   int
	drivers map[string]*stubDriver
}

func (f *countingFactory) make(ctx context.Context, pc model.ProfileConfig) (*session.Session, error) {
	d := newStubDriver()
	f.mu.Lock()
	f.calls++
	f.drivers[pc.Name] = d
	f.mu.Unlock()
	return session.New(ctx, d, pc.Engine, discard())
}

func (f *countingFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *countingFactory) driver(profile string) *stubDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drivers[profile]
}

type countingPoolFactory struct {
	calls   atomic.Int64
	mu      sync.Mutex
	drivers []*stubDriver
}

func (f *countingPoolFactory) make(ctx context.Context, shape pool.Shape) (*pooledSession, error) {
	d := newStubDriver()
	f.calls.Add(1)
	f.mu.Lock()
	f.drivers = append(f.drivers, d)
	f.mu.Unlock()
	sess, err := session.New(ctx, d, shape.Engine, discard())
	if err != nil {
		return nil, err
	}
	return &pooledSession{sess: sess, driver: d}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "tabmuxd.sock")
	cfg.TokenPath = filepath.Join(dir, "token")
	cfg.RegistryPath = filepath.Join(dir, "registry.json")
	cfg.DBPath = filepath.Join(dir, "tabmux.db")
	// Sweep on every request so eviction tests need no timers.
	cfg.SweepInterval = 0
	cfg.ShutdownGrace = 0

	reg, err := registry.Load(cfg.RegistryPath, discard())
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	store, _ := testutil.NewStore(t)
	factory := &countingFactory{drivers: map[string]*stubDriver{}}
	poolFact := &countingPoolFactory{}
	srv := NewServerWithDeps(cfg, discard(), store, reg, factory.make, poolFact.make)
	return &serverFixture{srv: srv, reg: reg, factory: factory, poolFact: poolFact}
}

func mustRequest(t *testing.T, op string, args any) protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(op, args)
	if err != nil {
		t.Fatalf("build %s request: %v", op, err)
	}
	return req
}

func requireOK(t *testing.T, resp protocol.Response) {
	t.Helper()
	if !resp.OK() {
		t.Fatalf("request failed: %s: %s", resp.Code, resp.Message)
	}
}

func requireCode(t *testing.T, resp protocol.Response, code string) {
	t.Helper()
	if resp.OK() {
		t.Fatalf("request unexpectedly succeeded")
	}
	if resp.Code != code {
		t.Fatalf("code: got %s (%s), want %s", resp.Code, resp.Message, code)
	}
}

func TestWrongTokenNeverReachesDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.srv.handleConn(ctx, serverConn)
	}()

	enc := json.NewEncoder(clientConn)
	dec := json.NewDecoder(clientConn)
	auth := mustRequest(t, protocol.OpAuth, protocol.AuthArgs{Token: "not-the-token"})
	if err := enc.Encode(auth); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	var resp protocol.Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	requireCode(t, resp, protocol.CodeAuthRejected)

	// The connection must be closed with nothing dispatched.
	<-done
	if err := dec.Decode(&resp); err == nil {
		t.Fatal("connection stayed open after rejected auth")
	}
	if f.factory.callCount() != 0 {
		t.Fatalf("rejected connection materialized %d sessions", f.factory.callCount())
	}
	clientConn.Close() //nolint:errcheck
}

func TestFirstLineMustBeAuth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	serverConn, clientConn := net.Pipe()
	go f.srv.handleConn(ctx, serverConn)

	enc := json.NewEncoder(clientConn)
	dec := json.NewDecoder(clientConn)
	if err := enc.Encode(mustRequest(t, protocol.OpPing, nil)); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	var resp protocol.Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	requireCode(t, resp, protocol.CodeAuthRejected)
	clientConn.Close() //nolint:errcheck
}

func TestAuthThenDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	serverConn, clientConn := net.Pipe()
	go f.srv.handleConn(ctx, serverConn)

	enc := json.NewEncoder(clientConn)
	dec := json.NewDecoder(clientConn)
	if err := enc.Encode(mustRequest(t, protocol.OpAuth, protocol.AuthArgs{Token: f.srv.Token()})); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	var resp protocol.Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	requireOK(t, resp)

	if err := enc.Encode(mustRequest(t, protocol.OpPing, nil)); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("read ping response: %v", err)
	}
	requireOK(t, resp)
	clientConn.Close() //nolint:errcheck
}

func TestTabLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpTabCreate, protocol.TabCreateArgs{Name: "search"})))
	if f.factory.callCount() != 1 {
		t.Fatalf("factory calls: %d, want 1", f.factory.callCount())
	}

	resp := f.srv.dispatch(ctx, mustRequest(t, protocol.OpTabList, protocol.TabListArgs{}))
	requireOK(t, resp)
	var list protocol.TabListResult
	if err := resp.DecodeResult(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tabs) != 2 {
		t.Fatalf("got %d tabs, want main plus search", len(list.Tabs))
	}
	for _, tab := range list.Tabs {
		if tab.Profile != model.ProfileDefault {
			t.Fatalf("tab %s missing profile: %+v", tab.Name, tab)
		}
	}

	requireCode(t,
		f.srv.dispatch(ctx, mustRequest(t, protocol.OpTabCreate, protocol.TabCreateArgs{Name: "search"})),
		protocol.CodeTabExists)

	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpTabClose, protocol.TabCloseArgs{Name: "search"})))
	requireCode(t,
		f.srv.dispatch(ctx, mustRequest(t, protocol.OpTabClose, protocol.TabCloseArgs{Name: "search"})),
		protocol.CodeTabNotFound)
	requireCode(t,
		f.srv.dispatch(ctx, mustRequest(t, protocol.OpTabClose, protocol.TabCloseArgs{Name: "main"})),
		protocol.CodeLastTab)
}

func TestConcurrentRequestsMaterializeOneSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Create(model.ProfileConfig{Name: "work", Engine: model.EngineFirefox}); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := f.srv.dispatch(ctx, mustRequest(t, protocol.OpNavigate, protocol.NavigateArgs{
				Profile: "work",
				URL:     "https://example.com",
			}))
			if !resp.OK() {
				errs <- resp.Code + ": " + resp.Message
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Errorf("navigate failed: %s", msg)
	}
	if f.factory.callCount() != 1 {
		t.Fatalf("factory calls: %d, want exactly 1", f.factory.callCount())
	}
}

func TestUnknownProfileGetsHint(t *testing.T) {
	f := newFixture(t)
	resp := f.srv.dispatch(context.Background(), mustRequest(t, protocol.OpTabCreate, protocol.TabCreateArgs{
		Profile: "ghost",
		Name:    "x",
	}))
	requireCode(t, resp, protocol.CodeProfileUnknown)
	if !strings.Contains(resp.Message, "tabmux profile create ghost") {
		t.Fatalf("message lacks creation hint: %s", resp.Message)
	}
	if f.factory.callCount() != 0 {
		t.Fatal("unknown profile materialized a session")
	}
}

func TestLockedProfileRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Create(model.ProfileConfig{Name: "busy", Engine: model.EngineFirefox}); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if err := f.reg.Lock("busy", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("lock profile: %v", err)
	}

	resp := f.srv.dispatch(ctx, mustRequest(t, protocol.OpNavigate, protocol.NavigateArgs{
		Profile: "busy",
		URL:     "https://example.com",
	}))
	requireCode(t, resp, protocol.CodeProfileLocked)
	if !strings.Contains(resp.Message, "tabmux profile unlock busy") {
		t.Fatalf("message lacks unlock hint: %s", resp.Message)
	}

	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpProfileUnlock, protocol.ProfileUnlockArgs{Name: "busy"})))
	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpNavigate, protocol.NavigateArgs{
		Profile: "busy",
		URL:     "https://example.com",
	})))
}

func TestSweepEvictsIdleProfile(t *testing.T) {
	f := newFixture(t)
	f.srv.cfg.ProfileTTL = 20 * time.Millisecond
	ctx := context.Background()
	if err := f.reg.Create(model.ProfileConfig{Name: "stale", Engine: model.EngineFirefox}); err != nil {
		t.Fatalf("create profile: %v", err)
	}

	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpNavigate, protocol.NavigateArgs{
		Profile: "stale",
		URL:     "https://example.com",
	})))
	drv := f.factory.driver("stale")
	if drv == nil {
		t.Fatal("no session materialized")
	}

	time.Sleep(40 * time.Millisecond)
	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpPing, nil)))

	if _, ok := f.reg.Get("stale"); ok {
		t.Fatal("idle profile still registered after sweep")
	}
	if _, live := f.srv.liveSession("stale"); live {
		t.Fatal("idle session still live after sweep")
	}
	if !drv.wasDeleted() {
		t.Fatal("evicted session's driver was not deleted")
	}
}

func TestSweepSparesLockedAndReserved(t *testing.T) {
	f := newFixture(t)
	f.srv.cfg.ProfileTTL = 20 * time.Millisecond
	ctx := context.Background()
	if err := f.reg.Create(model.ProfileConfig{Name: "pinned", Engine: model.EngineFirefox}); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if err := f.reg.Lock("pinned", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("lock profile: %v", err)
	}

	// Materialize the default profile's session, then let both idle out.
	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpNavigate, protocol.NavigateArgs{
		URL: "https://example.com",
	})))
	time.Sleep(40 * time.Millisecond)
	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpPing, nil)))

	if _, ok := f.reg.Get("pinned"); !ok {
		t.Fatal("locked profile was evicted")
	}
	if _, ok := f.reg.Get(model.ProfileDefault); !ok {
		t.Fatal("reserved profile lost its registry entry")
	}
	if _, live := f.srv.liveSession(model.ProfileDefault); live {
		t.Fatal("idle reserved session was not shut down")
	}
}

func TestOneShotReleasesHealthySession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.srv.dispatch(ctx, mustRequest(t, protocol.OpOneShotInspect, protocol.OneShotInspectArgs{
		URL:      "https://example.com",
		Selector: "h1",
	}))
	requireOK(t, resp)
	var result protocol.InspectResult
	if err := resp.DecodeResult(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Elements) != 1 {
		t.Fatalf("got %d elements, want 1", len(result.Elements))
	}
	if got := f.srv.oneshots.IdleLen(); got != 1 {
		t.Fatalf("idle pool size: %d, want the session back", got)
	}

	// A second request reuses the pooled session.
	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpOneShotInspect, protocol.OneShotInspectArgs{
		URL:      "https://example.com/2",
		Selector: "h1",
	})))
	if got := f.poolFact.calls.Load(); got != 1 {
		t.Fatalf("pool factory calls: %d, want 1", got)
	}
}

func TestOneShotDiscardsOnEngineFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpOneShotInspect, protocol.OneShotInspectArgs{
		URL:      "https://example.com",
		Selector: "h1",
	})))
	f.poolFact.mu.Lock()
	drv := f.poolFact.drivers[0]
	f.poolFact.mu.Unlock()
	drv.mu.Lock()
	drv.findFn = func(string) ([]string, error) {
		return nil, fmt.Errorf("%w: tab crashed", model.ErrEngineProtocol)
	}
	drv.mu.Unlock()

	resp := f.srv.dispatch(ctx, mustRequest(t, protocol.OpOneShotInspect, protocol.OneShotInspectArgs{
		URL:      "https://example.com",
		Selector: "h1",
	}))
	requireCode(t, resp, protocol.CodeEngineProtocol)
	if got := f.poolFact.calls.Load(); got != 1 {
		t.Fatalf("pool factory calls: %d, want 1", got)
	}
	if got := f.srv.oneshots.IdleLen(); got != 0 {
		t.Fatalf("broken session returned to pool: idle=%d", got)
	}
	if !drv.wasDeleted() {
		t.Fatal("broken session was not disposed")
	}
}

func TestProfileOpsAndEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpProfileCreate, protocol.ProfileCreateArgs{Name: "research"})))
	requireCode(t,
		f.srv.dispatch(ctx, mustRequest(t, protocol.OpProfileCreate, protocol.ProfileCreateArgs{Name: "default"})),
		protocol.CodeProfileReserved)
	requireCode(t,
		f.srv.dispatch(ctx, mustRequest(t, protocol.OpProfileCreate, protocol.ProfileCreateArgs{Name: "x", Engine: "netscape"})),
		protocol.CodeBadRequest)

	resp := f.srv.dispatch(ctx, mustRequest(t, protocol.OpProfileInfo, protocol.ProfileInfoArgs{Name: "research"}))
	requireOK(t, resp)
	var info protocol.ProfileInfoResult
	if err := resp.DecodeResult(&info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Profile.Engine != model.EngineFirefox {
		t.Fatalf("default engine: %s", info.Profile.Engine)
	}

	requireCode(t,
		f.srv.dispatch(ctx, mustRequest(t, protocol.OpProfileLock, protocol.ProfileLockArgs{Name: "research", Duration: "soon"})),
		protocol.CodeBadRequest)
	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpProfileLock, protocol.ProfileLockArgs{Name: "research", Duration: "1h"})))
	requireCode(t,
		f.srv.dispatch(ctx, mustRequest(t, protocol.OpProfileDestroy, protocol.ProfileDestroyArgs{Name: "research"})),
		protocol.CodeProfileLocked)
	requireOK(t, f.srv.dispatch(ctx, mustRequest(t, protocol.OpProfileDestroy, protocol.ProfileDestroyArgs{Name: "research", Force: true})))

	resp = f.srv.dispatch(ctx, mustRequest(t, protocol.OpEvents, protocol.EventsArgs{Profile: "research"}))
	requireOK(t, resp)
	var events protocol.EventsResult
	if err := resp.DecodeResult(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	kinds := map[string]bool{}
	for _, ev := range events.Events {
		kinds[ev.Kind] = true
	}
	for _, want := range []string{model.EventProfileCreated, model.EventProfileLocked, model.EventProfileDestroyed} {
		if !kinds[want] {
			t.Errorf("event log missing %s: have %v", want, kinds)
		}
	}
}

func TestUnknownOperationIsBadRequest(t *testing.T) {
	f := newFixture(t)
	resp := f.srv.dispatch(context.Background(), protocol.Request{Op: "tab.rotate"})
	requireCode(t, resp, protocol.CodeBadRequest)
	if !strings.Contains(resp.Message, "tab.rotate") {
		t.Fatalf("message does not name the op: %s", resp.Message)
	}
}
