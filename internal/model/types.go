package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EngineType identifies the WebDriver implementation backing a session.
type EngineType string

const (
	EngineFirefox EngineType = "firefox"
	EngineChrome  EngineType = "chrome"
)

// ParseEngineType accepts the wire/CLI spelling of an engine type. An empty
// string resolves to Firefox, matching the daemon's default profile config.
func ParseEngineType(s string) (EngineType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "firefox", "gecko":
		return EngineFirefox, nil
	case "chrome", "chromium":
		return EngineChrome, nil
	default:
		return "", fmt.Errorf("unknown engine type %q (expected firefox or chrome)", s)
	}
}

// DriverBinary is the executable name of the WebDriver process for an engine.
func (e EngineType) DriverBinary() string {
	if e == EngineChrome {
		return "chromedriver"
	}
	return "geckodriver"
}

// PreferredPorts lists the conventional listen ports probed before falling
// back to an OS-assigned ephemeral port.
func (e EngineType) PreferredPorts() []int {
	if e == EngineChrome {
		return []int{9515, 9516, 9517}
	}
	return []int{4444, 4445, 4446}
}

// TabHealth gates operation admission on a tab.
type TabHealth string

const (
	TabHealthy TabHealth = "healthy"
	TabBroken  TabHealth = "broken"
	TabClosing TabHealth = "closing"
)

// ViewportSize is an emulated per-tab viewport in CSS pixels.
type ViewportSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ParseViewport parses the "WIDTHxHEIGHT" form used on the wire and CLI.
func ParseViewport(s string) (ViewportSize, error) {
	w, h, ok := strings.Cut(strings.TrimSpace(s), "x")
	if !ok {
		return ViewportSize{}, fmt.Errorf("invalid viewport %q (expected WIDTHxHEIGHT, e.g. 1280x800)", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return ViewportSize{}, fmt.Errorf("invalid viewport width in %q", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return ViewportSize{}, fmt.Errorf("invalid viewport height in %q", s)
	}
	return ViewportSize{Width: width, Height: height}, nil
}

func (v ViewportSize) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// Reserved profile names. Both always exist and cannot be destroyed. The
// oneshot profile never persists cookies or storage.
const (
	ProfileDefault = "default"
	ProfileOneShot = "oneshot"
)

func IsReservedProfile(name string) bool {
	return name == ProfileDefault || name == ProfileOneShot
}

// ProfileConfig is the immutable part of a persisted profile.
type ProfileConfig struct {
	Name           string        `json:"name"`
	Engine         EngineType    `json:"engine"`
	Viewport       *ViewportSize `json:"viewport,omitempty"`
	Headless       bool          `json:"headless"`
	PersistCookies bool          `json:"persist_cookies"`
	PersistStorage bool          `json:"persist_storage"`
	CreatedBy      string        `json:"created_by"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ProfileMetadata is the persisted, mutable view of a profile.
type ProfileMetadata struct {
	ProfileConfig
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	TabCount     int        `json:"tab_count"`
}

// Locked reports whether the profile rejects mutating access at now.
func (m ProfileMetadata) Locked(now time.Time) bool {
	return m.LockedUntil != nil && m.LockedUntil.After(now)
}

// IdleSince is the timestamp the TTL sweep measures retention against.
func (m ProfileMetadata) IdleSince() time.Time {
	if m.LastAccessed != nil {
		return *m.LastAccessed
	}
	return m.CreatedAt
}

// TabInfo is the wire summary of an open tab.
type TabInfo struct {
	Name      string        `json:"name"`
	URL       string        `json:"url,omitempty"`
	Profile   string        `json:"profile"`
	Health    TabHealth     `json:"health"`
	Viewport  *ViewportSize `json:"viewport,omitempty"`
	Temporary bool          `json:"temporary,omitempty"`
}

// ElementInfo is the wire summary of an inspected element.
type ElementInfo struct {
	Selector string  `json:"selector"`
	Index    int     `json:"index"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Text     string  `json:"text,omitempty"`
}

// Event is one row of the lifecycle event log.
type Event struct {
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	Profile    string    `json:"profile"`
	Tab        string    `json:"tab,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Lifecycle event kinds recorded by the daemon.
const (
	EventProfileCreated   = "profile_created"
	EventProfileDestroyed = "profile_destroyed"
	EventProfileEvicted   = "profile_evicted"
	EventProfileLocked    = "profile_locked"
	EventProfileUnlocked  = "profile_unlocked"
	EventTabCreated       = "tab_created"
	EventTabClosed        = "tab_closed"
	EventTabBroken        = "tab_broken"
)

// Sentinel errors shared across packages. Dispatch maps them to protocol
// error codes; everything else surfaces as a generic internal error.
var (
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrTabNotFound       = errors.New("tab not found")
	ErrTabExists         = errors.New("tab already exists")
	ErrTabBroken         = errors.New("tab is broken")
	ErrTabClosing        = errors.New("tab is being closed")
	ErrLastTab           = errors.New("cannot close the last tab")
	ErrProfileUnknown    = errors.New("unknown profile")
	ErrProfileLocked     = errors.New("profile is locked")
	ErrProfileReserved   = errors.New("profile is reserved")
	ErrAuthRejected      = errors.New("authentication rejected")
	ErrEngineProtocol    = errors.New("engine protocol error")
)
