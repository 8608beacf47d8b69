package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tabmux/tabmux/internal/model"
	"github.com/tabmux/tabmux/internal/pool"
	"github.com/tabmux/tabmux/internal/protocol"
	"github.com/tabmux/tabmux/internal/session"
	"github.com/tabmux/tabmux/internal/webdriver"
)

// dispatch routes one authenticated request. Registry and session-map
// lookups happen under the coarse mutex; engine round-trips never do.
func (s *Server) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	s.maybeSweep(ctx)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	switch req.Op {
	case protocol.OpPing:
		return protocol.OK(nil)
	case protocol.OpStatus:
		return s.handleStatus()
	case protocol.OpTabCreate:
		return s.handleTabCreate(ctx, req)
	case protocol.OpTabClose:
		return s.handleTabClose(ctx, req)
	case protocol.OpTabList:
		return s.handleTabList(req)
	case protocol.OpTabSetViewport:
		return s.handleTabSetViewport(ctx, req)
	case protocol.OpNavigate:
		return s.handleNavigate(ctx, req)
	case protocol.OpInspect:
		return s.handleInspect(ctx, req)
	case protocol.OpClick:
		return s.handleClick(ctx, req)
	case protocol.OpType:
		return s.handleType(ctx, req)
	case protocol.OpText:
		return s.handleText(ctx, req)
	case protocol.OpEval:
		return s.handleEval(ctx, req)
	case protocol.OpScroll:
		return s.handleScroll(ctx, req)
	case protocol.OpFindText:
		return s.handleFindText(ctx, req)
	case protocol.OpOneShotInspect:
		return s.handleOneShotInspect(ctx, req)
	case protocol.OpProfileCreate:
		return s.handleProfileCreate(ctx, req)
	case protocol.OpProfileDestroy:
		return s.handleProfileDestroy(ctx, req)
	case protocol.OpProfileList:
		return s.handleProfileList()
	case protocol.OpProfileInfo:
		return s.handleProfileInfo(req)
	case protocol.OpProfileLock:
		return s.handleProfileLock(ctx, req)
	case protocol.OpProfileUnlock:
		return s.handleProfileUnlock(ctx, req)
	case protocol.OpEvents:
		return s.handleEvents(ctx, req)
	case protocol.OpAuth:
		return protocol.Error(protocol.CodeBadRequest, "already authenticated")
	default:
		return protocol.Error(protocol.CodeBadRequest, fmt.Sprintf("unknown operation %q", req.Op))
	}
}

func errorResponse(err error) protocol.Response {
	code := protocol.CodeInternal
	switch {
	case errors.Is(err, model.ErrEngineUnavailable):
		code = protocol.CodeEngineUnavailable
	case errors.Is(err, model.ErrEngineProtocol):
		code = protocol.CodeEngineProtocol
	case errors.Is(err, model.ErrTabNotFound):
		code = protocol.CodeTabNotFound
	case errors.Is(err, model.ErrTabExists):
		code = protocol.CodeTabExists
	case errors.Is(err, model.ErrTabBroken):
		code = protocol.CodeTabBroken
	case errors.Is(err, model.ErrTabClosing):
		code = protocol.CodeTabClosing
	case errors.Is(err, model.ErrLastTab):
		code = protocol.CodeLastTab
	case errors.Is(err, model.ErrProfileUnknown):
		code = protocol.CodeProfileUnknown
	case errors.Is(err, model.ErrProfileLocked):
		code = protocol.CodeProfileLocked
	case errors.Is(err, model.ErrProfileReserved):
		code = protocol.CodeProfileReserved
	}
	return protocol.Error(code, err.Error())
}

func profileName(name string) string {
	if strings.TrimSpace(name) == "" {
		return model.ProfileDefault
	}
	return name
}

// profileSession returns the live session for a profile, materializing it
// on first use. Materialization is serialized per profile so concurrent
// first requests create exactly one browser session.
func (s *Server) profileSession(ctx context.Context, name string) (*session.Session, error) {
	if err := s.registry.ValidateAccess(name); err != nil {
		return nil, err
	}
	if sess, ok := s.liveSession(name); ok {
		s.registry.Touch(name)
		return sess, nil
	}

	lock := s.acquireProfileLock(name)
	defer s.releaseProfileLock(name, lock)

	if sess, ok := s.liveSession(name); ok {
		s.registry.Touch(name)
		return sess, nil
	}

	meta, ok := s.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrProfileUnknown, name)
	}
	sess, err := s.factory(ctx, meta.ProfileConfig)
	if err != nil {
		return nil, err
	}
	sess.SetBrokenHook(func(tab, reason string) {
		s.recordEvent(model.Event{Kind: model.EventTabBroken, Profile: name, Tab: tab, Detail: reason})
	})
	s.mu.Lock()
	s.sessions[name] = sess
	s.mu.Unlock()
	s.registry.Touch(name)
	s.logger.Info("session materialized", "profile", name, "engine", meta.Engine)
	return sess, nil
}

func (s *Server) liveSession(name string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	return sess, ok
}

func (s *Server) acquireProfileLock(name string) *profileLockEntry {
	s.profileMu.Lock()
	e, ok := s.profileLocks[name]
	if !ok {
		e = &profileLockEntry{}
		s.profileLocks[name] = e
	}
	e.refs++
	s.profileMu.Unlock()
	e.mu.Lock()
	return e
}

func (s *Server) releaseProfileLock(name string, e *profileLockEntry) {
	e.mu.Unlock()
	s.profileMu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.profileLocks, name)
	}
	s.profileMu.Unlock()
}

// withTab runs fn on a named tab of a profile, navigating first when a
// target URL differs from the tab's current one.
func (s *Server) withTab(ctx context.Context, profile, tab, url string, fn func(*session.TabContext) error) error {
	sess, err := s.profileSession(ctx, profileName(profile))
	if err != nil {
		return err
	}
	name := tab
	if name == "" {
		name = session.MainTab
	}
	return sess.WithTab(ctx, name, func(tc *session.TabContext) error {
		if url != "" {
			cur, err := tc.CurrentURL(ctx)
			if err != nil || cur != url {
				if err := tc.Navigate(ctx, url); err != nil {
					return err
				}
			}
		}
		return fn(tc)
	})
}

func (s *Server) handleStatus() protocol.Response {
	s.mu.Lock()
	live := len(s.sessions)
	s.mu.Unlock()
	engines := 0
	if s.supervisor != nil {
		engines = len(s.supervisor.Tracked())
	}
	return protocol.OK(protocol.StatusResult{
		PID:          os.Getpid(),
		StartedAt:    s.startedAt,
		Profiles:     len(s.registry.List()),
		LiveSessions: live,
		Engines:      engines,
	})
}

func (s *Server) handleTabCreate(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.TabCreateArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if args.Name == "" {
		return protocol.Error(protocol.CodeBadRequest, "tab name is required")
	}
	profile := profileName(args.Profile)
	sess, err := s.profileSession(ctx, profile)
	if err != nil {
		return errorResponse(err)
	}
	if err := sess.CreateTab(ctx, args.Name); err != nil {
		return errorResponse(err)
	}
	if args.Viewport != nil {
		if err := sess.SetTabViewport(ctx, args.Name, *args.Viewport); err != nil {
			s.logger.Warn("set viewport on new tab", "tab", args.Name, "error", err)
		}
	}
	s.recordEvent(model.Event{Kind: model.EventTabCreated, Profile: profile, Tab: args.Name})
	s.registry.SetTabCount(profile, len(sess.ListTabs()))
	return protocol.OK(nil)
}

func (s *Server) handleTabClose(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.TabCloseArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	profile := profileName(args.Profile)
	if err := s.registry.ValidateAccess(profile); err != nil {
		return errorResponse(err)
	}
	sess, ok := s.liveSession(profile)
	if !ok {
		return errorResponse(fmt.Errorf("%w: %q", model.ErrTabNotFound, args.Name))
	}
	if err := sess.CloseTab(ctx, args.Name); err != nil {
		return errorResponse(err)
	}
	s.recordEvent(model.Event{Kind: model.EventTabClosed, Profile: profile, Tab: args.Name})
	s.registry.SetTabCount(profile, len(sess.ListTabs()))
	return protocol.OK(nil)
}

func (s *Server) handleTabList(req protocol.Request) protocol.Response {
	args := protocol.TabListArgs{}
	if len(req.Args) > 0 {
		if err := req.DecodeArgs(&args); err != nil {
			return protocol.Error(protocol.CodeBadRequest, err.Error())
		}
	}
	profile := profileName(args.Profile)
	if err := s.registry.ValidateAccess(profile); err != nil {
		return errorResponse(err)
	}
	tabs := []model.TabInfo{}
	if sess, ok := s.liveSession(profile); ok {
		tabs = sess.ListTabs()
		for i := range tabs {
			tabs[i].Profile = profile
		}
	}
	return protocol.OK(protocol.TabListResult{Tabs: tabs})
}

func (s *Server) handleTabSetViewport(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.TabSetViewportArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	sess, err := s.profileSession(ctx, profileName(args.Profile))
	if err != nil {
		return errorResponse(err)
	}
	tab := args.Tab
	if tab == "" {
		tab = session.MainTab
	}
	if err := sess.SetTabViewport(ctx, tab, args.Viewport); err != nil {
		return errorResponse(err)
	}
	return protocol.OK(nil)
}

func (s *Server) handleNavigate(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.NavigateArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if args.URL == "" {
		return protocol.Error(protocol.CodeBadRequest, "url is required")
	}
	err := s.withTab(ctx, args.Profile, args.Tab, "", func(tc *session.TabContext) error {
		return tc.Navigate(ctx, args.URL)
	})
	if err != nil {
		return errorResponse(err)
	}
	return protocol.OK(nil)
}

func (s *Server) handleInspect(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.InspectArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if args.Selector == "" {
		return protocol.Error(protocol.CodeBadRequest, "selector is required")
	}
	var elements []model.ElementInfo
	err := s.withTab(ctx, args.Profile, args.Tab, args.URL, func(tc *session.TabContext) error {
		var err error
		elements, err = tc.Inspect(ctx, args.Selector, args.All, args.Index, args.ExpectOne)
		return err
	})
	if err != nil {
		return errorResponse(err)
	}
	return protocol.OK(protocol.InspectResult{Elements: elements})
}

func (s *Server) handleClick(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.ClickArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if args.Selector == "" {
		return protocol.Error(protocol.CodeBadRequest, "selector is required")
	}
	err := s.withTab(ctx, args.Profile, args.Tab, args.URL, func(tc *session.TabContext) error {
		return tc.Click(ctx, args.Selector, args.Index)
	})
	if err != nil {
		return errorResponse(err)
	}
	return protocol.OK(nil)
}

func (s *Server) handleType(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.TypeArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if args.Selector == "" {
		return protocol.Error(protocol.CodeBadRequest, "selector is required")
	}
	err := s.withTab(ctx, args.Profile, args.Tab, args.URL, func(tc *session.TabContext) error {
		return tc.Type(ctx, args.Selector, args.Text, args.Clear)
	})
	if err != nil {
		return errorResponse(err)
	}
	return protocol.OK(nil)
}

func (s *Server) handleText(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.TextArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if args.Selector == "" {
		return protocol.Error(protocol.CodeBadRequest, "selector is required")
	}
	var text string
	err := s.withTab(ctx, args.Profile, args.Tab, args.URL, func(tc *session.TabContext) error {
		var err error
		text, err = tc.Text(ctx, args.Selector)
		return err
	})
	if err != nil {
		return errorResponse(err)
	}
	return protocol.OK(protocol.TextResult{Text: text})
}

func (s *Server) handleEval(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.EvalArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if args.Script == "" {
		return protocol.Error(protocol.CodeBadRequest, "script is required")
	}
	result := protocol.EvalResult{}
	err := s.withTab(ctx, args.Profile, args.Tab, args.URL, func(tc *session.TabContext) error {
		var err error
		result.Value, err = tc.Evaluate(ctx, args.Script)
		return err
	})
	if err != nil {
		return errorResponse(err)
	}
	return protocol.OK(result)
}

func (s *Server) handleScroll(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.ScrollArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	err := s.withTab(ctx, args.Profile, args.Tab, "", func(tc *session.TabContext) error {
		return tc.Scroll(ctx, args.Selector, args.ByX, args.ByY, args.To)
	})
	if err != nil {
		return errorResponse(err)
	}
	return protocol.OK(nil)
}

func (s *Server) handleFindText(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.FindTextArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if args.Query == "" {
		return protocol.Error(protocol.CodeBadRequest, "query is required")
	}
	var elements []model.ElementInfo
	err := s.withTab(ctx, args.Profile, args.Tab, args.URL, func(tc *session.TabContext) error {
		var err error
		elements, err = tc.FindText(ctx, args.Query, args.Limit)
		return err
	})
	if err != nil {
		return errorResponse(err)
	}
	return protocol.OK(protocol.InspectResult{Elements: elements})
}

// pooledSession is the oneshot pool resource: a dedicated browser session
// reset to about:blank between uses.
type pooledSession struct {
	sess   *session.Session
	driver session.Driver
}

func (p *pooledSession) Alive(ctx context.Context) bool {
	_, err := p.driver.Windows(ctx)
	return err == nil
}

func (p *pooledSession) Reset(ctx context.Context) error {
	return p.sess.WithTab(ctx, session.MainTab, func(tc *session.TabContext) error {
		return tc.Navigate(ctx, "about:blank")
	})
}

func (p *pooledSession) Dispose(ctx context.Context) {
	_ = p.sess.Shutdown(ctx)
}

// oneshotFactory builds pool resources against the oneshot profile: never
// persistent, shaped by engine and headless mode.
func (s *Server) oneshotFactory(ctx context.Context, shape pool.Shape) (*pooledSession, error) {
	endpoint, err := s.supervisor.EnsureRunning(ctx, shape.Engine)
	if err != nil {
		return nil, err
	}
	drv, err := webdriver.NewSession(ctx, endpoint, webdriver.SessionOptions{
		Engine:   shape.Engine,
		Headless: shape.Headless,
	})
	if err != nil {
		return nil, err
	}
	sess, err := session.New(ctx, drv, shape.Engine, s.logger)
	if err != nil {
		return nil, err
	}
	return &pooledSession{sess: sess, driver: drv}, nil
}

func (s *Server) handleOneShotInspect(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.OneShotInspectArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if args.URL == "" || args.Selector == "" {
		return protocol.Error(protocol.CodeBadRequest, "url and selector are required")
	}
	if s.oneshots == nil {
		return protocol.Error(protocol.CodeInternal, "oneshot pool not configured")
	}
	engine := args.Engine
	if engine == "" {
		engine = model.EngineFirefox
	}
	shape := pool.Shape{Engine: engine, Headless: args.Headless}
	ps, err := s.oneshots.Acquire(ctx, shape)
	if err != nil {
		return errorResponse(err)
	}

	var elements []model.ElementInfo
	err = ps.sess.WithTempTab(ctx, func(tc *session.TabContext) error {
		if args.Viewport != nil {
			if err := tc.SetViewport(ctx, *args.Viewport); err != nil {
				return err
			}
		}
		if err := tc.Navigate(ctx, args.URL); err != nil {
			return err
		}
		var err error
		elements, err = tc.Inspect(ctx, args.Selector, args.All, args.Index, args.ExpectOne)
		return err
	})
	if err != nil && (errors.Is(err, model.ErrEngineUnavailable) || errors.Is(err, model.ErrEngineProtocol)) {
		s.oneshots.Discard(ctx, ps)
	} else {
		s.oneshots.Release(ctx, ps, shape)
	}
	if err != nil {
		return errorResponse(err)
	}
	return protocol.OK(protocol.InspectResult{Elements: elements})
}

func (s *Server) handleProfileCreate(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.ProfileCreateArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	name := strings.TrimSpace(args.Name)
	if name == "" {
		return protocol.Error(protocol.CodeBadRequest, "profile name is required")
	}
	engine := args.Engine
	if engine == "" {
		engine = model.EngineFirefox
	}
	if _, err := model.ParseEngineType(string(engine)); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	cfg := model.ProfileConfig{
		Name:           name,
		Engine:         engine,
		Viewport:       args.Viewport,
		Headless:       args.Headless,
		PersistCookies: args.PersistCookies,
		PersistStorage: args.PersistStorage,
		CreatedBy:      "tabmux",
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.registry.Create(cfg); err != nil {
		return errorResponse(err)
	}
	s.recordEvent(model.Event{Kind: model.EventProfileCreated, Profile: name, Detail: string(engine)})
	return protocol.OK(nil)
}

func (s *Server) handleProfileDestroy(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.ProfileDestroyArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if err := s.registry.Destroy(args.Name, args.Force); err != nil {
		return errorResponse(err)
	}
	s.teardownSession(ctx, args.Name)
	dir := filepath.Join(filepath.Dir(s.cfg.RegistryPath), "profiles", args.Name)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("remove profile dir", "profile", args.Name, "error", err)
	}
	s.recordEvent(model.Event{Kind: model.EventProfileDestroyed, Profile: args.Name})
	return protocol.OK(nil)
}

func (s *Server) handleProfileList() protocol.Response {
	return protocol.OK(protocol.ProfileListResult{Profiles: s.registry.List()})
}

func (s *Server) handleProfileInfo(req protocol.Request) protocol.Response {
	var args protocol.ProfileInfoArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	meta, ok := s.registry.Get(profileName(args.Name))
	if !ok {
		return errorResponse(fmt.Errorf("%w: %q", model.ErrProfileUnknown, args.Name))
	}
	return protocol.OK(protocol.ProfileInfoResult{Profile: meta})
}

func (s *Server) handleProfileLock(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.ProfileLockArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	d, err := time.ParseDuration(args.Duration)
	if err != nil || d <= 0 {
		return protocol.Error(protocol.CodeBadRequest, fmt.Sprintf("invalid lock duration %q", args.Duration))
	}
	until := time.Now().Add(d)
	if err := s.registry.Lock(args.Name, until); err != nil {
		return errorResponse(err)
	}
	s.recordEvent(model.Event{Kind: model.EventProfileLocked, Profile: args.Name, Detail: until.UTC().Format(time.RFC3339)})
	return protocol.OK(nil)
}

func (s *Server) handleProfileUnlock(ctx context.Context, req protocol.Request) protocol.Response {
	var args protocol.ProfileUnlockArgs
	if err := req.DecodeArgs(&args); err != nil {
		return protocol.Error(protocol.CodeBadRequest, err.Error())
	}
	if err := s.registry.Unlock(args.Name); err != nil {
		return errorResponse(err)
	}
	s.recordEvent(model.Event{Kind: model.EventProfileUnlocked, Profile: args.Name})
	return protocol.OK(nil)
}

func (s *Server) handleEvents(ctx context.Context, req protocol.Request) protocol.Response {
	args := protocol.EventsArgs{}
	if len(req.Args) > 0 {
		if err := req.DecodeArgs(&args); err != nil {
			return protocol.Error(protocol.CodeBadRequest, err.Error())
		}
	}
	if s.store == nil {
		return protocol.OK(protocol.EventsResult{Events: []model.Event{}})
	}
	events, err := s.store.ListEvents(ctx, args.Profile, args.Limit)
	if err != nil {
		return errorResponse(err)
	}
	if events == nil {
		events = []model.Event{}
	}
	return protocol.OK(protocol.EventsResult{Events: events})
}

// recordEvent appends to the lifecycle log. Failures never affect the
// request that triggered them.
func (s *Server) recordEvent(ev model.Event) {
	if s.store == nil {
		return
	}
	ev.EventID = uuid.NewString()
	ev.RecordedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("record event", "kind", ev.Kind, "error", err)
	}
}

// maybeSweep runs the TTL sweep inline, at most once per sweep interval.
// There is no timer goroutine; an idle daemon does no work.
func (s *Server) maybeSweep(ctx context.Context) {
	s.mu.Lock()
	if time.Since(s.lastSweep) < s.cfg.SweepInterval {
		s.mu.Unlock()
		return
	}
	s.lastSweep = time.Now()
	s.mu.Unlock()

	for _, name := range s.registry.EvictionCandidates(s.cfg.ProfileTTL) {
		s.teardownSession(ctx, name)
		s.registry.Remove(name)
		s.recordEvent(model.Event{Kind: model.EventProfileEvicted, Profile: name})
		s.logger.Info("profile evicted", "profile", name)
	}

	// Reserved profiles keep their registry entries but idle sessions are
	// shut down and lazily recreated on next use.
	for _, name := range []string{model.ProfileDefault, model.ProfileOneShot} {
		meta, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		if time.Since(meta.IdleSince()) <= s.cfg.ProfileTTL {
			continue
		}
		if _, live := s.liveSession(name); live {
			s.teardownSession(ctx, name)
			s.logger.Info("idle reserved session shut down", "profile", name)
		}
	}

	if s.oneshots != nil {
		s.oneshots.Sweep(ctx)
	}
	if s.store != nil {
		cutoff := time.Now().Add(-s.cfg.EventRetention)
		if _, err := s.store.PurgeEventsBefore(ctx, cutoff); err != nil {
			s.logger.Warn("purge events", "error", err)
		}
	}
}

func (s *Server) teardownSession(ctx context.Context, name string) {
	s.mu.Lock()
	sess, ok := s.sessions[name]
	delete(s.sessions, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown session", "profile", name, "error", err)
	}
}
