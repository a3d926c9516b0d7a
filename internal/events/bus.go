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

// Package events provides the VFS event bus and the watch registry.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"deskvfs/internal/common"
	"deskvfs/internal/metrics"
)

const (
	EventMount   = "vfs:mount"
	EventUnmount = "vfs:unmount"
	EventWrite   = "vfs:write"
	EventMkdir   = "vfs:mkdir"
	EventMove    = "vfs:move"
	EventDelete  = "vfs:delete"
	EventUpload  = "vfs:upload"
	EventUpdate  = "vfs:update"
)

// Event is a mutation notification. File is set for single-path events,
// Source and Destination for move (and copy fan-out). Message carries the
// payload of an application broadcast.
type Event struct {
	Name        string          `json:"name"`
	File        *common.FileRef `json:"file,omitempty"`
	Source      *common.FileRef `json:"source,omitempty"`
	Destination *common.FileRef `json:"destination,omitempty"`
	Mount       string          `json:"mount,omitempty"`
	Message     any             `json:"message,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// Paths returns every path the event touches.
func (e Event) Paths() []string {
	var out []string
	for _, f := range []*common.FileRef{e.File, e.Source, e.Destination} {
		if f != nil {
			out = append(out, f.Path)
		}
	}
	return out
}

// Handler is a synchronous subscriber.
type Handler func(Event)

type handlerEntry struct {
	id int
	fn Handler
}

// Bus fans events out to synchronous handlers and to channel subscribers.
type Bus struct {
	mu          sync.RWMutex
	handlers    []handlerEntry
	nextID      int
	subscribers map[chan Event]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan Event]struct{})}
}

// On registers fn and returns its id for Off. Handlers run on the
// publishing goroutine.
func (b *Bus) On(fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers = append(b.handlers, handlerEntry{id: b.nextID, fn: fn})
	return b.nextID
}

// Off removes a handler.
func (b *Bus) Off(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish delivers e to every handler, then to channel subscribers.
// Non-blocking for channels: drops events for slow consumers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	handlers := append([]handlerEntry(nil), b.handlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h.fn(e)
	}

	b.mu.RLock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			metrics.RecordEventDropped()
		}
	}
	b.mu.RUnlock()
	metrics.RecordEvent(e.Name)
}

// Count returns the current number of channel subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
