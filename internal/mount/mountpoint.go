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
	"fmt"
	"regexp"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/transport"
)

// State is the lifecycle state of a mountpoint.
type State int32

const (
	StateUnmounted State = iota
	StateMounting
	StateMounted
	StateUnmounting
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config is a mount entry as written in settings or passed to Add.
type Config struct {
	Name      string         `yaml:"name" json:"name"`
	Scheme    string         `yaml:"scheme" json:"scheme"`
	Root      string         `yaml:"root,omitempty" json:"root,omitempty"`
	Match     string         `yaml:"match,omitempty" json:"match,omitempty"`
	Transport string         `yaml:"transport,omitempty" json:"transport,omitempty"`
	ReadOnly  bool           `yaml:"read_only,omitempty" json:"readOnly,omitempty"`
	Visible   *bool          `yaml:"visible,omitempty" json:"visible,omitempty"` // default: true
	Special   bool           `yaml:"special,omitempty" json:"special,omitempty"`
	Enabled   *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"` // default: true
	Alias     string         `yaml:"alias,omitempty" json:"alias,omitempty"`
	Options   map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// IsVisible returns whether the mount is listed to file managers (defaults to true).
func (c Config) IsVisible() bool {
	return c.Visible == nil || *c.Visible
}

// IsEnabled returns whether the mount takes part in resolution (defaults to true).
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// normalize validates c and fills in root and match.
func (c Config) normalize() (Config, error) {
	if c.Name == "" {
		return c, fmt.Errorf("%w: mount name required", common.ErrInvalidArgument)
	}
	if c.Scheme == "" {
		if c.Root == "" {
			return c, fmt.Errorf("%w: mount %s needs a scheme or root", common.ErrInvalidArgument, c.Name)
		}
		c.Scheme = common.SchemeOf(c.Root)
	}
	if c.Root == "" {
		c.Root = c.Scheme + ":///"
	}
	root, err := common.Normalize(c.Root)
	if err != nil {
		return c, fmt.Errorf("mount %s root: %w", c.Name, err)
	}
	if common.SchemeOf(root) != c.Scheme {
		return c, fmt.Errorf("%w: mount %s root %q outside scheme %q", common.ErrInvalidArgument, c.Name, c.Root, c.Scheme)
	}
	c.Root = root
	if c.Alias != "" {
		alias, err := common.Normalize(c.Alias)
		if err != nil {
			return c, fmt.Errorf("mount %s alias: %w", c.Name, err)
		}
		if common.SchemeOf(alias) == "" {
			return c, fmt.Errorf("%w: mount %s alias %q has no scheme", common.ErrInvalidArgument, c.Name, c.Alias)
		}
		c.Alias = alias
	}
	if c.Match == "" {
		if common.IsRoot(root) {
			c.Match = "^" + regexp.QuoteMeta(c.Scheme+"://")
		} else {
			c.Match = "^" + regexp.QuoteMeta(root) + "(/|$)"
		}
	}
	if c.Transport == "" && c.Alias == "" {
		return c, fmt.Errorf("%w: mount %s has neither transport nor alias", common.ErrInvalidArgument, c.Name)
	}
	return c, nil
}

// Mountpoint binds a scheme (and optionally a root below it) to a transport.
type Mountpoint struct {
	cfg       Config
	match     *regexp.Regexp
	prefix    string
	transport transport.Transport

	mu    sync.RWMutex
	state State
}

// NewMountpoint validates cfg and wraps t. t may be nil for an alias mount
// that delivers through the mount owning its alias target.
func NewMountpoint(cfg Config, t transport.Transport) (*Mountpoint, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(cfg.Match)
	if err != nil {
		return nil, fmt.Errorf("%w: mount %s match %q: %v", common.ErrInvalidArgument, cfg.Name, cfg.Match, err)
	}
	if t == nil && cfg.Alias == "" {
		return nil, fmt.Errorf("%w: mount %s has no transport", common.ErrInvalidArgument, cfg.Name)
	}
	return &Mountpoint{
		cfg:       cfg,
		match:     re,
		prefix:    literalPrefix(cfg.Match),
		transport: t,
	}, nil
}

// literalPrefix is the specificity measure used to rank overlapping mounts.
func literalPrefix(expr string) string {
	re, err := regexp.Compile(strings.TrimPrefix(expr, "^"))
	if err != nil {
		return ""
	}
	prefix, _ := re.LiteralPrefix()
	return prefix
}

func (m *Mountpoint) Name() string { return m.cfg.Name }
func (m *Mountpoint) Scheme() string { return m.cfg.Scheme }
func (m *Mountpoint) Root() string { return m.cfg.Root }
func (m *Mountpoint) Alias() string { return m.cfg.Alias }
func (m *Mountpoint) ReadOnly() bool { return m.cfg.ReadOnly }
func (m *Mountpoint) Visible() bool { return m.cfg.IsVisible() }
func (m *Mountpoint) Special() bool { return m.cfg.Special }
func (m *Mountpoint) Enabled() bool { return m.cfg.IsEnabled() }
func (m *Mountpoint) TransportName() string {
	if m.cfg.Transport == "" {
		return "alias"
	}
	return m.cfg.Transport
}

// Config returns a copy of the normalised configuration.
func (m *Mountpoint) Config() Config { return m.cfg }

// Transport returns the transport, nil for a borrowing alias mount.
func (m *Mountpoint) Transport() transport.Transport { return m.transport }

// Matches reports whether the mount's regex accepts the normalised path.
func (m *Mountpoint) Matches(path string) bool {
	return m.match.MatchString(path)
}

// IsRoot reports whether path is the mount root.
func (m *Mountpoint) IsRoot(path string) bool {
	n, err := common.Normalize(path)
	return err == nil && n == m.cfg.Root
}

// ToUnderlying rewrites a visible path to the alias target. ok is false
// when the mount has no alias or path lies outside the mount root.
func (m *Mountpoint) ToUnderlying(path string) (string, bool) {
	if m.cfg.Alias == "" {
		return "", false
	}
	return common.Rebase(path, m.cfg.Root, m.cfg.Alias)
}

// ToVisible maps an alias-target path back under the mount root.
func (m *Mountpoint) ToVisible(path string) (string, bool) {
	if m.cfg.Alias == "" {
		return "", false
	}
	return common.Rebase(path, m.cfg.Alias, m.cfg.Root)
}

// State returns the lifecycle state.
func (m *Mountpoint) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Ready fails with common.ErrNotMounted unless the mount is mounted.
func (m *Mountpoint) Ready() error {
	if s := m.State(); s != StateMounted {
		return common.Errorf(common.ErrNotMounted, "resolve", m.cfg.Root, "mount %s is %s", m.cfg.Name, s)
	}
	return nil
}

func (m *Mountpoint) transition(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = to
	return true
}

// Mount runs the transport handshake. Mounting a mounted mountpoint is a
// no-op; mounting one that is mid-transition fails.
func (m *Mountpoint) Mount(ctx context.Context) error {
	if m.State() == StateMounted {
		return nil
	}
	if !m.transition(StateUnmounted, StateMounting) {
		return common.Errorf(common.ErrNotMounted, "mount", m.cfg.Root, "mount %s is %s", m.cfg.Name, m.State())
	}

	if mt, ok := m.transport.(transport.Mounter); ok {
		if err := mt.Mount(ctx); err != nil {
			m.transition(StateMounting, StateUnmounted)
			return common.Wrap("mount", m.cfg.Root, nil, err)
		}
	}
	m.transition(StateMounting, StateMounted)
	log.WithFields(log.Fields{"mount": m.cfg.Name, "transport": m.TransportName()}).Debug("mount: mounted")
	return nil
}

// Unmount releases transport resources. The mountpoint ends Unmounted even
// when the transport reports an error.
func (m *Mountpoint) Unmount(ctx context.Context) error {
	if !m.transition(StateMounted, StateUnmounting) {
		return common.Errorf(common.ErrNotMounted, "unmount", m.cfg.Root, "mount %s is %s", m.cfg.Name, m.State())
	}
	var err error
	if mt, ok := m.transport.(transport.Mounter); ok {
		err = mt.Unmount(ctx)
	}
	m.transition(StateUnmounting, StateUnmounted)
	log.WithFields(log.Fields{"mount": m.cfg.Name}).Debug("mount: unmounted")
	if err != nil {
		return common.Wrap("unmount", m.cfg.Root, nil, err)
	}
	return nil
}
