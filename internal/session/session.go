// Package session manages the named tabs of one live browser connection.
//
// Every tab has its own lock and health state; operations against the same
// tab are strictly serialized while operations against different tabs
// interleave freely. Window creation is additionally serialized across the
// whole session because the WebDriver protocol only tolerates one in-flight
// window creation per session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tabmux/tabmux/internal/model"
	"github.com/tabmux/tabmux/internal/webdriver"
)

// MainTab is the name registered for the window a fresh session starts with.
const MainTab = "main"

// Driver is the subset of the WebDriver client a session needs. Tests
// substitute a fake.
type Driver interface {
	Window(ctx context.Context) (string, error)
	Windows(ctx context.Context) ([]string, error)
	NewWindow(ctx context.Context) (string, error)
	SwitchWindow(ctx context.Context, handle string) error
	CloseWindow(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Execute(ctx context.Context, script string, args []any) (json.RawMessage, error)
	FindElements(ctx context.Context, selector string) ([]string, error)
	ClickElement(ctx context.Context, id string) error
	ClearElement(ctx context.Context, id string) error
	SendKeys(ctx context.Context, id, text string) error
	ElementText(ctx context.Context, id string) (string, error)
	ElementRect(ctx context.Context, id string) (webdriver.Rect, error)
	Delete(ctx context.Context) error
}

// tabEntry is all per-tab tracking state in one place: the window handle,
// the operation lock, the health state and the viewport override. Collapsing
// these into a single map entry removes the cross-map consistency hazard of
// tracking them separately.
type tabEntry struct {
	name         string
	handle       string
	mu           sync.Mutex
	health       model.TabHealth // guarded by Session.mu
	brokenReason string          // guarded by Session.mu
	viewport     *model.ViewportSize
	temporary    bool
	lastURL      string
}

// Session owns one driver connection and its named tabs.
type Session struct {
	driver Driver
	engine model.EngineType
	logger *slog.Logger

	mu      sync.Mutex // guards tabs, current and all entry health fields
	tabs    map[string]*tabEntry
	current string

	// creationMu serializes window creation session-wide.
	creationMu sync.Mutex

	// brokenHook, if set, observes tabs transitioning to Broken.
	brokenHook func(tab, reason string)
}

// New wraps driver in a Session, registering its initial window as "main".
func New(ctx context.Context, driver Driver, engine model.EngineType, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	handle, err := driver.Window(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial window: %w", err)
	}
	s := &Session{
		driver:  driver,
		engine:  engine,
		logger:  logger,
		tabs:    map[string]*tabEntry{},
		current: MainTab,
	}
	s.tabs[MainTab] = &tabEntry{name: MainTab, handle: handle, health: model.TabHealthy}
	return s, nil
}

// SetBrokenHook registers an observer for tabs transitioning to Broken.
func (s *Session) SetBrokenHook(hook func(tab, reason string)) {
	s.mu.Lock()
	s.brokenHook = hook
	s.mu.Unlock()
}

// Engine returns the engine type backing this session.
func (s *Session) Engine() model.EngineType { return s.engine }

// CreateTab opens a new window registered under name. Creation is
// serialized session-wide; exactly one of two concurrent calls with the
// same name succeeds.
func (s *Session) CreateTab(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("tab name must not be empty")
	}
	if err := s.checkNameFree(name); err != nil {
		return err
	}

	s.creationMu.Lock()
	defer s.creationMu.Unlock()

	// Re-check under the creation lock: a concurrent create for the same
	// name may have won while we waited.
	if err := s.checkNameFree(name); err != nil {
		return err
	}

	// The engine needs a valid window context to create a new window;
	// switch to any currently-valid one first.
	if handles, err := s.driver.Windows(ctx); err == nil && len(handles) > 0 {
		if err := s.driver.SwitchWindow(ctx, handles[0]); err != nil {
			return fmt.Errorf("switch to existing window: %w", err)
		}
	}

	handle, err := s.driver.NewWindow(ctx)
	if err != nil {
		return fmt.Errorf("create tab %q: %w", name, err)
	}

	s.mu.Lock()
	s.tabs[name] = &tabEntry{name: name, handle: handle, health: model.TabHealthy}
	s.mu.Unlock()
	s.logger.Debug("created tab", "tab", name)
	return nil
}

func (s *Session) checkNameFree(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tabs[name]; ok {
		if e.health == model.TabClosing {
			return fmt.Errorf("tab %q: %w", name, model.ErrTabClosing)
		}
		return fmt.Errorf("tab %q: %w", name, model.ErrTabExists)
	}
	return nil
}

// WithTab runs fn with exclusive access to the named tab. The fn receives a
// TabContext bound to the held lock; it is invalidated when fn returns.
// This is the only sanctioned way to touch a tab's browsing context.
func (s *Session) WithTab(ctx context.Context, name string, fn func(*TabContext) error) error {
	e, err := s.admit(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The tab may have broken or closed while we waited for its lock.
	if _, err := s.admit(name); err != nil {
		return err
	}
	if err := s.switchTo(ctx, e); err != nil {
		return err
	}
	tc := &TabContext{session: s, entry: e, valid: true}
	defer func() { tc.valid = false }()
	return fn(tc)
}

// WithTempTab creates a uniquely named temporary tab, runs fn in it via
// WithTab, and always attempts to close it afterwards. Close failures are
// logged and never override fn's own result.
func (s *Session) WithTempTab(ctx context.Context, fn func(*TabContext) error) error {
	name := "temp-" + uuid.NewString()
	if err := s.CreateTab(ctx, name); err != nil {
		return err
	}
	s.MarkTemporary(name)
	result := s.WithTab(ctx, name, fn)
	if err := s.CloseTab(ctx, name); err != nil {
		s.logger.Warn("close temporary tab", "tab", name, "error", err)
	}
	return result
}

// admit health-gates access to a tab without touching the engine.
func (s *Session) admit(name string) (*tabEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tabs[name]
	if !ok {
		return nil, fmt.Errorf("tab %q: %w", name, model.ErrTabNotFound)
	}
	switch e.health {
	case model.TabBroken:
		return nil, fmt.Errorf("tab %q: %w: %s", name, model.ErrTabBroken, e.brokenReason)
	case model.TabClosing:
		return nil, fmt.Errorf("tab %q: %w", name, model.ErrTabClosing)
	}
	return e, nil
}

// switchTo targets the engine at e's window and re-applies its stored
// viewport. Caller must hold e.mu. Engine failure marks the tab Broken; it
// is not retried.
func (s *Session) switchTo(ctx context.Context, e *tabEntry) error {
	if err := s.driver.SwitchWindow(ctx, e.handle); err != nil {
		s.markBroken(e.name, err.Error())
		return fmt.Errorf("switch to tab %q: %w", e.name, err)
	}
	s.mu.Lock()
	s.current = e.name
	viewport := e.viewport
	s.mu.Unlock()

	// The engine has no native per-tab viewport, so every switch must
	// re-emulate the stored override.
	if viewport != nil {
		if err := s.applyViewport(ctx, *viewport); err != nil {
			s.logger.Warn("restore viewport", "tab", e.name, "error", err)
		}
	}
	return nil
}

const viewportScript = `
var w = arguments[0], h = arguments[1];
Object.defineProperty(window, 'innerWidth', {writable: true, configurable: true, value: w});
Object.defineProperty(window, 'innerHeight', {writable: true, configurable: true, value: h});
window.dispatchEvent(new Event('resize'));
return {width: window.innerWidth, height: window.innerHeight};
`

func (s *Session) applyViewport(ctx context.Context, v model.ViewportSize) error {
	_, err := s.driver.Execute(ctx, viewportScript, []any{v.Width, v.Height})
	return err
}

// SetTabViewport stores a viewport override for the tab and, if the tab is
// current, applies it immediately under the tab's lock.
func (s *Session) SetTabViewport(ctx context.Context, name string, v model.ViewportSize) error {
	e, err := s.admit(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s.mu.Lock()
	e.viewport = &v
	isCurrent := s.current == name
	s.mu.Unlock()
	if isCurrent {
		if err := s.applyViewport(ctx, v); err != nil {
			return fmt.Errorf("apply viewport to tab %q: %w", name, err)
		}
	}
	return nil
}

// TabViewport returns the stored viewport override for a tab, if any.
func (s *Session) TabViewport(name string) *model.ViewportSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tabs[name]; ok && e.viewport != nil {
		v := *e.viewport
		return &v
	}
	return nil
}

// CloseTab closes a tab. It marks the tab Closing first (blocking new
// admissions), waits out any in-flight operation, removes the tab from the
// tracking map, and only then issues the best-effort engine-level close.
// The last remaining tab of a session cannot be closed.
func (s *Session) CloseTab(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.tabs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("tab %q: %w", name, model.ErrTabNotFound)
	}
	if e.health == model.TabClosing {
		s.mu.Unlock()
		return fmt.Errorf("tab %q: %w", name, model.ErrTabClosing)
	}
	prev := e.health
	e.health = model.TabClosing
	s.mu.Unlock()

	// Wait for the in-flight operation, if any, to finish.
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	if len(s.tabs) == 1 {
		e.health = prev
		s.mu.Unlock()
		return fmt.Errorf("tab %q: %w", name, model.ErrLastTab)
	}
	delete(s.tabs, name)
	retarget := ""
	if s.current == name {
		for other := range s.tabs {
			retarget = other
			break
		}
		s.current = retarget
	}
	var retargetHandle string
	if retarget != "" {
		retargetHandle = s.tabs[retarget].handle
	}
	s.mu.Unlock()

	// Bookkeeping is consistent from here on; the engine-level close is
	// best effort.
	if err := s.driver.SwitchWindow(ctx, e.handle); err != nil {
		s.logger.Warn("switch before close", "tab", name, "error", err)
	} else if err := s.driver.CloseWindow(ctx); err != nil {
		s.logger.Warn("close window", "tab", name, "error", err)
	}
	if retargetHandle != "" {
		if err := s.driver.SwitchWindow(ctx, retargetHandle); err != nil {
			s.logger.Warn("retarget after close", "tab", retarget, "error", err)
		}
	}
	s.logger.Debug("closed tab", "tab", name)
	return nil
}

// HasTab reports whether a tab with the given name is tracked.
func (s *Session) HasTab(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tabs[name]
	return ok
}

// TabHealth reports the health of a tab.
func (s *Session) TabHealth(name string) (model.TabHealth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tabs[name]
	if !ok {
		return "", false
	}
	return e.health, true
}

// ListTabs returns wire summaries of all tracked tabs.
func (s *Session) ListTabs() []model.TabInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TabInfo, 0, len(s.tabs))
	for _, e := range s.tabs {
		info := model.TabInfo{
			Name:      e.name,
			URL:       e.lastURL,
			Health:    e.health,
			Temporary: e.temporary,
		}
		if e.viewport != nil {
			v := *e.viewport
			info.Viewport = &v
		}
		out = append(out, info)
	}
	return out
}

// CurrentTab returns the name of the currently targeted tab.
func (s *Session) CurrentTab() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// MarkTemporary flags a tab for teardown after its single use.
func (s *Session) MarkTemporary(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tabs[name]; ok {
		e.temporary = true
	}
}

// IsTemporary reports whether a tab is flagged temporary.
func (s *Session) IsTemporary(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tabs[name]
	return ok && e.temporary
}

// CleanupIfTemporary closes the tab if it is flagged temporary.
func (s *Session) CleanupIfTemporary(ctx context.Context, name string) error {
	if !s.IsTemporary(name) {
		return nil
	}
	return s.CloseTab(ctx, name)
}

func (s *Session) markBroken(name, reason string) {
	s.mu.Lock()
	e, ok := s.tabs[name]
	var hook func(string, string)
	if ok && e.health == model.TabHealthy {
		e.health = model.TabBroken
		e.brokenReason = reason
		hook = s.brokenHook
	}
	s.mu.Unlock()
	if hook != nil {
		hook(name, reason)
	}
	if ok {
		s.logger.Warn("tab broken", "tab", name, "reason", reason)
	}
}

// Shutdown closes every window and deletes the engine session. Terminal
// and irreversible; errors on individual windows are logged and skipped.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]string, 0, len(s.tabs))
	for _, e := range s.tabs {
		handles = append(handles, e.handle)
	}
	s.tabs = map[string]*tabEntry{}
	s.current = ""
	s.mu.Unlock()

	for _, handle := range handles {
		if err := s.driver.SwitchWindow(ctx, handle); err != nil {
			s.logger.Debug("switch during shutdown", "error", err)
			continue
		}
		if err := s.driver.CloseWindow(ctx); err != nil {
			s.logger.Debug("close during shutdown", "error", err)
		}
	}
	if err := s.driver.Delete(ctx); err != nil {
		return fmt.Errorf("delete engine session: %w", err)
	}
	return nil
}

// errIsSessionFatal reports whether an engine error poisons the tab's
// browsing context, as opposed to a per-element failure like a selector
// matching nothing.
func errIsSessionFatal(err error) bool {
	return errors.Is(err, model.ErrEngineUnavailable)
}
