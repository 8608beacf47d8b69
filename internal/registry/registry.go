// Package registry persists the profile name to metadata mapping. Every
// mutation writes through to a single JSON file immediately; the file is a
// crash-recovery aid, not a transaction log, so a failed write logs a
// warning and the in-memory mutation stands.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tabmux/tabmux/internal/model"
)

type Registry struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	profiles map[string]*model.ProfileMetadata
	now      func() time.Time
}

// Load reads the registry file at path, creating it (with the two reserved
// profiles) when absent.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:     path,
		logger:   logger,
		profiles: map[string]*model.ProfileMetadata{},
		now:      time.Now,
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &r.profiles); err != nil {
			return nil, fmt.Errorf("parse registry %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// First run.
	default:
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	r.ensureReserved()
	r.save()
	return r, nil
}

// ensureReserved guarantees the default and oneshot profiles exist. The
// oneshot profile never persists cookies or storage.
func (r *Registry) ensureReserved() {
	now := r.now().UTC()
	if _, ok := r.profiles[model.ProfileDefault]; !ok {
		r.profiles[model.ProfileDefault] = &model.ProfileMetadata{
			ProfileConfig: model.ProfileConfig{
				Name:           model.ProfileDefault,
				Engine:         model.EngineFirefox,
				Headless:       true,
				PersistCookies: true,
				PersistStorage: true,
				CreatedBy:      "tabmuxd",
				CreatedAt:      now,
			},
		}
	}
	if _, ok := r.profiles[model.ProfileOneShot]; !ok {
		r.profiles[model.ProfileOneShot] = &model.ProfileMetadata{
			ProfileConfig: model.ProfileConfig{
				Name:      model.ProfileOneShot,
				Engine:    model.EngineFirefox,
				Headless:  true,
				CreatedBy: "tabmuxd",
				CreatedAt: now,
			},
		}
	}
}

// Get returns a copy of the metadata for name.
func (r *Registry) Get(name string) (model.ProfileMetadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.profiles[name]
	if !ok {
		return model.ProfileMetadata{}, false
	}
	return *m, true
}

// List returns all profiles sorted by name.
func (r *Registry) List() []model.ProfileMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ProfileMetadata, 0, len(r.profiles))
	for _, m := range r.profiles {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Create registers a new profile.
func (r *Registry) Create(cfg model.ProfileConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("profile name must not be empty")
	}
	if model.IsReservedProfile(cfg.Name) {
		return fmt.Errorf("profile %q: %w", cfg.Name, model.ErrProfileReserved)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[cfg.Name]; ok {
		return fmt.Errorf("profile %q already exists", cfg.Name)
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = r.now().UTC()
	}
	r.profiles[cfg.Name] = &model.ProfileMetadata{ProfileConfig: cfg}
	r.save()
	return nil
}

// Destroy removes a profile. A future lock rejects the destroy unless force
// is set; reserved profiles can never be destroyed.
func (r *Registry) Destroy(name string, force bool) error {
	if model.IsReservedProfile(name) {
		return fmt.Errorf("profile %q: %w", name, model.ErrProfileReserved)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.profiles[name]
	if !ok {
		return unknownProfile(name)
	}
	if m.Locked(r.now()) && !force {
		return lockedProfile(name, *m.LockedUntil)
	}
	delete(r.profiles, name)
	r.save()
	return nil
}

// Remove deletes a profile without lock checks. Used by the TTL sweep,
// which has already established eviction eligibility.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, name)
	r.save()
}

// ValidateAccess checks that name is registered and not locked.
func (r *Registry) ValidateAccess(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.profiles[name]
	if !ok {
		return unknownProfile(name)
	}
	if m.Locked(r.now()) {
		return lockedProfile(name, *m.LockedUntil)
	}
	return nil
}

// Touch records an access to name.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.profiles[name]; ok {
		now := r.now().UTC()
		m.LastAccessed = &now
		r.save()
	}
}

// SetTabCount updates the persisted tab count for name.
func (r *Registry) SetTabCount(name string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.profiles[name]; ok && m.TabCount != count {
		m.TabCount = count
		r.save()
	}
}

// Lock marks name locked until the given time.
func (r *Registry) Lock(name string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.profiles[name]
	if !ok {
		return unknownProfile(name)
	}
	until = until.UTC()
	m.LockedUntil = &until
	r.save()
	return nil
}

// Unlock clears the lock on name.
func (r *Registry) Unlock(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.profiles[name]
	if !ok {
		return unknownProfile(name)
	}
	m.LockedUntil = nil
	r.save()
	return nil
}

// EvictionCandidates returns non-reserved, unlocked profiles idle past ttl.
// Locked profiles are never candidates, regardless of age.
func (r *Registry) EvictionCandidates(ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []string
	for name, m := range r.profiles {
		if model.IsReservedProfile(name) {
			continue
		}
		if m.Locked(now) {
			continue
		}
		if now.Sub(m.IdleSince()) > ttl {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// save writes through to disk. Caller must hold r.mu.
func (r *Registry) save() {
	data, err := json.MarshalIndent(r.profiles, "", "  ")
	if err != nil {
		r.logger.Warn("encode registry", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		r.logger.Warn("create registry dir", "error", err)
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		r.logger.Warn("write registry", "path", r.path, "error", err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.logger.Warn("replace registry", "path", r.path, "error", err)
	}
}

func unknownProfile(name string) error {
	return fmt.Errorf("%w: %q (create it with: tabmux profile create %s)", model.ErrProfileUnknown, name, name)
}

func lockedProfile(name string, until time.Time) error {
	return fmt.Errorf("%w: %q until %s (unlock with: tabmux profile unlock %s)",
		model.ErrProfileLocked, name, until.Format(time.RFC3339), name)
}
