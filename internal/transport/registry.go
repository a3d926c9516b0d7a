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

package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/storage"
)

// Env is what a factory gets besides its own options.
type Env struct {
	// Mount is the name of the mountpoint the transport is built for.
	Mount  string
	Scheme string
	Mimes  common.MimeMap
	// KV is the durable key-value store; nil when the process has none.
	KV storage.KV
}

// Logger returns an entry tagged with the mount.
func (e Env) Logger() *log.Entry {
	return log.WithFields(log.Fields{"mount": e.Mount, "scheme": e.Scheme})
}

// Factory constructs a transport from its decoded options.
type Factory func(ctx context.Context, env Env, options map[string]any) (Transport, error)

// Registry maps transport names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds a transport with the named factory.
func (r *Registry) New(ctx context.Context, name string, env Env, options map[string]any) (Transport, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown transport %q", common.ErrInvalidArgument, name)
	}
	if env.Mimes == nil {
		env.Mimes = common.DefaultMimeMap()
	}
	t, err := f(ctx, env, options)
	if err != nil {
		return nil, fmt.Errorf("transport %s for mount %s: %w", name, env.Mount, err)
	}
	return t, nil
}
