// Copyright 2024 DeskVFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mount

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/metrics"
	"deskvfs/internal/storage"
	"deskvfs/internal/transport"
)

// Manager is the registry of mountpoints. It is constructed once and
// handed to the facade; tests build their own.
type Manager struct {
	registry *transport.Registry
	mimes    common.MimeMap
	kv       storage.KV
	store    storage.MountStore

	mu          sync.RWMutex
	mounts      []*Mountpoint
	persisted   map[string]bool
	initialized bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithMimes sets the extension table handed to transports.
func WithMimes(m common.MimeMap) Option {
	return func(mgr *Manager) { mgr.mimes = m }
}

// WithKV sets the durable key-value store handed to transports.
func WithKV(kv storage.KV) Option {
	return func(mgr *Manager) { mgr.kv = kv }
}

// WithMountStore enables persistence of dynamically added mounts.
func WithMountStore(s storage.MountStore) Option {
	return func(mgr *Manager) { mgr.store = s }
}

func NewManager(registry *transport.Registry, opts ...Option) *Manager {
	if registry == nil {
		registry = transport.NewRegistry()
	}
	m := &Manager{
		registry:  registry,
		mimes:     common.DefaultMimeMap(),
		persisted: make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Registry returns the transport factory registry.
func (m *Manager) Registry() *transport.Registry { return m.registry }

// Mimes returns the extension table.
func (m *Manager) Mimes() common.MimeMap { return m.mimes }

// AddOptions controls Add.
type AddOptions struct {
	// MountNow runs the transport handshake immediately.
	MountNow bool
	// Persist saves the definition so Init restores it.
	Persist bool
}

// Init adds every configured mount and then the persisted ones. A mount
// that fails is logged and skipped. Calling Init again is a no-op.
func (m *Manager) Init(ctx context.Context, configs []Config) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	for _, cfg := range configs {
		if _, err := m.Add(ctx, cfg, AddOptions{MountNow: true}); err != nil {
			log.WithError(err).WithField("mount", cfg.Name).Warn("mount: skipping mount that failed to initialise")
		}
	}

	if m.store == nil {
		return nil
	}
	recs, err := m.store.ListMounts(ctx)
	if err != nil {
		return fmt.Errorf("list persisted mounts: %w", err)
	}
	for _, rec := range recs {
		if _, err := m.Get(rec.Name); err == nil {
			log.WithField("mount", rec.Name).Warn("mount: persisted mount shadowed by configured mount")
			continue
		}
		if _, err := m.Add(ctx, configFromRecord(rec), AddOptions{MountNow: true}); err != nil {
			log.WithError(err).WithField("mount", rec.Name).Warn("mount: skipping persisted mount")
			continue
		}
		m.mu.Lock()
		m.persisted[rec.Name] = true
		m.mu.Unlock()
	}
	return nil
}

// Add builds the transport for cfg through the registry and registers the
// mountpoint. A mount with an alias and no transport borrows the transport
// of whichever mount resolves the alias target.
func (m *Manager) Add(ctx context.Context, cfg Config, opts AddOptions) (*Mountpoint, error) {
	var t transport.Transport
	if cfg.Transport != "" {
		var err error
		t, err = m.registry.New(ctx, cfg.Transport, transport.Env{
			Mount:  cfg.Name,
			Scheme: schemeFor(cfg),
			Mimes:  m.mimes,
			KV:     m.kv,
		}, cfg.Options)
		if err != nil {
			return nil, err
		}
	}
	return m.AddTransport(ctx, cfg, t, opts)
}

// AddTransport registers a mountpoint around an already built transport.
func (m *Manager) AddTransport(ctx context.Context, cfg Config, t transport.Transport, opts AddOptions) (*Mountpoint, error) {
	if ro, ok := t.(transport.ReadOnlyBackend); ok && ro.ReadOnlyBackend() {
		cfg.ReadOnly = true
	}
	mp, err := NewMountpoint(cfg, t)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, existing := range m.mounts {
		if existing.Name() == mp.Name() {
			m.mu.Unlock()
			return nil, common.Errorf(common.ErrExists, "add", mp.Root(), "mount %q already registered", mp.Name())
		}
	}
	m.mounts = append(m.mounts, mp)
	m.mu.Unlock()

	if opts.MountNow {
		if err := mp.Mount(ctx); err != nil {
			m.drop(mp.Name())
			return nil, err
		}
		m.updateGauge()
	}

	if opts.Persist {
		if m.store == nil {
			log.WithField("mount", mp.Name()).Warn("mount: persistence requested without a store")
		} else if err := m.store.SaveMount(ctx, recordFromConfig(mp.Config())); err != nil {
			return mp, fmt.Errorf("persist mount %s: %w", mp.Name(), err)
		} else {
			m.mu.Lock()
			m.persisted[mp.Name()] = true
			m.mu.Unlock()
		}
	}

	log.WithFields(log.Fields{
		"mount":     mp.Name(),
		"root":      mp.Root(),
		"transport": mp.TransportName(),
		"read_only": mp.ReadOnly(),
	}).Info("mount: added")
	return mp, nil
}

// Remove unmounts name and drops it from the registry (and the store when
// it was persisted). It publishes no event; VFS.RemoveMount wraps it for
// callers that need vfs:unmount.
func (m *Manager) Remove(ctx context.Context, name string) error {
	mp, err := m.Get(name)
	if err != nil {
		return err
	}

	var unmountErr error
	if mp.State() == StateMounted {
		unmountErr = mp.Unmount(ctx)
	}
	m.drop(name)
	m.updateGauge()

	m.mu.Lock()
	wasPersisted := m.persisted[name]
	delete(m.persisted, name)
	m.mu.Unlock()
	if wasPersisted && m.store != nil {
		if _, err := m.store.DeleteMount(ctx, name); err != nil {
			return errors.Join(unmountErr, fmt.Errorf("unpersist mount %s: %w", name, err))
		}
	}
	log.WithField("mount", name).Info("mount: removed")
	return unmountErr
}

func (m *Manager) drop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mp := range m.mounts {
		if mp.Name() == name {
			m.mounts = append(m.mounts[:i:i], m.mounts[i+1:]...)
			return
		}
	}
}

func (m *Manager) updateGauge() {
	n := 0
	for _, mp := range m.All() {
		if mp.State() == StateMounted {
			n++
		}
	}
	metrics.SetMountsActive(n)
}

// Resolve returns the enabled mountpoint owning path. When several match,
// the one with the longest literal match prefix wins, then the earliest
// added. Without a regex match, a mount of the same scheme is used.
func (m *Manager) Resolve(path string) (*Mountpoint, error) {
	n, err := common.Normalize(path)
	if err != nil {
		return nil, err
	}
	scheme := common.SchemeOf(n)
	if scheme == "" {
		return nil, common.Errorf(common.ErrInvalidPath, "resolve", path, "path has no scheme")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var best, fallback *Mountpoint
	for _, mp := range m.mounts {
		if !mp.Enabled() {
			continue
		}
		if mp.Matches(n) {
			if best == nil || len(mp.prefix) > len(best.prefix) {
				best = mp
			}
			continue
		}
		if fallback == nil && mp.Scheme() == scheme && common.Contains(mp.Root(), n) {
			fallback = mp
		}
	}
	if best != nil {
		return best, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, common.Errorf(common.ErrNoMount, "resolve", n, "no mountpoint for scheme %q", scheme)
}

// Route is a resolved request: the visible mount and path, and where the
// transport call is delivered.
type Route struct {
	Mount      *Mountpoint
	Target     *Mountpoint
	Visible    string
	Underlying string
	Transport  transport.Transport
}

// ReadOnly reports whether either end of the route refuses writes.
func (r Route) ReadOnly() bool {
	return r.Mount.ReadOnly() || r.Target.ReadOnly()
}

// ToVisible maps a path handed back by the transport to the caller's view.
func (r Route) ToVisible(p string) string {
	if r.Mount == r.Target && r.Mount.Alias() == "" {
		return p
	}
	if v, ok := r.Mount.ToVisible(p); ok {
		return v
	}
	return p
}

// Route resolves path and applies alias redirection. Both the visible and
// the delivering mount must be mounted.
func (m *Manager) Route(path string) (Route, error) {
	mp, err := m.Resolve(path)
	if err != nil {
		return Route{}, err
	}
	if err := mp.Ready(); err != nil {
		return Route{}, err
	}
	visible := common.MustNormalize(path)
	r := Route{Mount: mp, Target: mp, Visible: visible, Underlying: visible, Transport: mp.Transport()}

	if under, ok := mp.ToUnderlying(visible); ok {
		r.Underlying = under
		if mp.Transport() == nil {
			target, err := m.Resolve(under)
			if err != nil {
				return Route{}, err
			}
			if target == mp || target.Transport() == nil {
				return Route{}, common.Errorf(common.ErrInternal, "resolve", path, "alias of mount %s loops", mp.Name())
			}
			if err := target.Ready(); err != nil {
				return Route{}, err
			}
			r.Target = target
			r.Transport = target.Transport()
		}
	} else if mp.Transport() == nil {
		return Route{}, common.Errorf(common.ErrNoMount, "resolve", path, "alias mount %s does not cover path", mp.Name())
	}
	return r, nil
}

// Filter selects mountpoints for List.
type Filter struct {
	Visible bool
	Special bool
}

// List returns enabled mountpoints whose visible and special flags equal
// the filter's, in insertion order.
func (m *Manager) List(f Filter) []*Mountpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Mountpoint
	for _, mp := range m.mounts {
		if mp.Enabled() && mp.Visible() == f.Visible && mp.Special() == f.Special {
			out = append(out, mp)
		}
	}
	return out
}

// All returns every registered mountpoint in insertion order.
func (m *Manager) All() []*Mountpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Mountpoint(nil), m.mounts...)
}

// Get returns the mountpoint called name.
func (m *Manager) Get(name string) (*Mountpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mp := range m.mounts {
		if mp.Name() == name {
			return mp, nil
		}
	}
	return nil, common.Errorf(common.ErrNoMount, "get", "", "no mount named %q", name)
}

// GetTransport returns the transport of the mountpoint called name.
func (m *Manager) GetTransport(name string) (transport.Transport, error) {
	mp, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	if mp.Transport() == nil {
		return nil, common.Errorf(common.ErrUnsupported, "get", mp.Root(), "alias mount %s has no own transport", name)
	}
	return mp.Transport(), nil
}

// IsPersisted reports whether name was saved with AddOptions.Persist.
func (m *Manager) IsPersisted(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persisted[name]
}

// UnmountAll unmounts every mounted mountpoint, newest first.
func (m *Manager) UnmountAll(ctx context.Context) error {
	mounts := m.All()
	var errs []error
	for i := len(mounts) - 1; i >= 0; i-- {
		if mounts[i].State() != StateMounted {
			continue
		}
		if err := mounts[i].Unmount(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.updateGauge()
	return errors.Join(errs...)
}

func schemeFor(cfg Config) string {
	if cfg.Scheme != "" {
		return cfg.Scheme
	}
	return common.SchemeOf(cfg.Root)
}

func configFromRecord(rec storage.MountRecord) Config {
	visible := rec.Visible
	return Config{
		Name:      rec.Name,
		Scheme:    rec.Scheme,
		Root:      rec.Root,
		Match:     rec.Match,
		Transport: rec.Transport,
		ReadOnly:  rec.ReadOnly,
		Visible:   &visible,
		Special:   rec.Special,
		Alias:     rec.Alias,
		Options:   rec.Options,
	}
}

func recordFromConfig(cfg Config) storage.MountRecord {
	return storage.MountRecord{
		Name:      cfg.Name,
		Scheme:    cfg.Scheme,
		Root:      cfg.Root,
		Match:     cfg.Match,
		Transport: cfg.Transport,
		ReadOnly:  cfg.ReadOnly,
		Visible:   cfg.IsVisible(),
		Special:   cfg.Special,
		Alias:     cfg.Alias,
		Options:   cfg.Options,
	}
}
