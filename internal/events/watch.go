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

package events

import (
	"fmt"
	"strings"
	"sync"

	"deskvfs/internal/common"
)

// WatchKind selects how a watch matches event paths.
type WatchKind string

const (
	// WatchFile fires when an event path equals the watch path.
	WatchFile WatchKind = "file"
	// WatchDir fires when an event path lies strictly below the watch path.
	WatchDir WatchKind = "dir"
)

// Watch is a registered interest in a path.
type Watch struct {
	ID       int
	Path     string
	Kind     WatchKind
	Callback Handler
}

// Matches reports whether p triggers w.
func (w Watch) Matches(p string) bool {
	switch w.Kind {
	case WatchFile:
		return p == w.Path
	case WatchDir:
		return p != w.Path && strings.HasPrefix(p, strings.TrimSuffix(w.Path, "/")+"/")
	}
	return false
}

// Watches is the watch registry. Ids are never reused.
type Watches struct {
	mu      sync.Mutex
	entries []Watch
	nextID  int
}

func NewWatches() *Watches {
	return &Watches{}
}

// Add registers a watch on path and returns its id.
func (ws *Watches) Add(path string, kind WatchKind, cb Handler) (int, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: watch callback required", common.ErrInvalidArgument)
	}
	if kind != WatchFile && kind != WatchDir {
		return 0, fmt.Errorf("%w: watch kind %q", common.ErrInvalidArgument, kind)
	}
	p, err := common.Normalize(path)
	if err != nil {
		return 0, err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.nextID++
	ws.entries = append(ws.entries, Watch{ID: ws.nextID, Path: p, Kind: kind, Callback: cb})
	return ws.nextID, nil
}

// Remove unregisters id. It reports whether the watch existed.
func (ws *Watches) Remove(id int) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for i, w := range ws.entries {
		if w.ID == id {
			ws.entries = append(ws.entries[:i:i], ws.entries[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a snapshot of the registered watches.
func (ws *Watches) List() []Watch {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]Watch(nil), ws.entries...)
}

// Dispatch invokes every watch matching any path of e, each at most once,
// and returns how many fired. It iterates over a snapshot so callbacks may
// add or remove watches.
func (ws *Watches) Dispatch(e Event) int {
	paths := e.Paths()
	if len(paths) == 0 {
		return 0
	}
	fired := 0
	for _, w := range ws.List() {
		for _, p := range paths {
			if w.Matches(p) {
				w.Callback(e)
				fired++
				break
			}
		}
	}
	return fired
}

// Attach subscribes the registry to bus and returns the handler id.
func (ws *Watches) Attach(bus *Bus) int {
	return bus.On(func(e Event) { ws.Dispatch(e) })
}
