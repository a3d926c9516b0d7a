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

// Package vfs is the single entry point applications use to reach files
// on any mount. Every verb validates its arguments, resolves the owning
// mount, enforces read-only and existence preconditions, delegates to the
// transport and broadcasts an event when something changed.
package vfs

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/events"
	"deskvfs/internal/metrics"
	"deskvfs/internal/mount"
	"deskvfs/internal/transport"
)

// VFS is the file API facade. It holds no file state of its own.
type VFS struct {
	mounts  *mount.Manager
	bus     *events.Bus
	watches *events.Watches
}

// Option configures a VFS.
type Option func(*VFS)

// WithBus shares an existing event bus.
func WithBus(b *events.Bus) Option {
	return func(v *VFS) { v.bus = b }
}

// WithWatches shares an existing watch registry.
func WithWatches(w *events.Watches) Option {
	return func(v *VFS) { v.watches = w }
}

// New creates a facade over mounts. The watch registry is subscribed to
// the bus so every broadcast reaches matching watches.
func New(mounts *mount.Manager, opts ...Option) *VFS {
	v := &VFS{mounts: mounts}
	for _, o := range opts {
		o(v)
	}
	if v.bus == nil {
		v.bus = events.NewBus()
	}
	if v.watches == nil {
		v.watches = events.NewWatches()
	}
	v.watches.Attach(v.bus)
	return v
}

// Mounts returns the mount manager.
func (v *VFS) Mounts() *mount.Manager { return v.mounts }

// Bus returns the event bus.
func (v *VFS) Bus() *events.Bus { return v.bus }

// Watches returns the watch registry.
func (v *VFS) Watches() *events.Watches { return v.watches }

// Resolve returns the mountpoint owning path.
func (v *VFS) Resolve(path string) (*mount.Mountpoint, error) {
	return v.mounts.Resolve(path)
}

// call is one resolved verb invocation.
type call struct {
	verb  string
	route mount.Route
	// ref is what the caller sees and what events carry.
	ref common.FileRef
	// under is what the transport receives.
	under common.FileRef
	start time.Time
}

func (c *call) transport() transport.Transport { return c.route.Transport }

func (c *call) transportName() string {
	if c == nil || c.route.Target == nil {
		return "none"
	}
	return c.route.Target.TransportName()
}

// visible maps a transport path back to the caller's view of it.
func (c *call) visible(ref common.FileRef) common.FileRef {
	return ref.WithPath(c.route.ToVisible(ref.Path))
}

// invalidate drops transport-held metadata for underlying paths.
func (c *call) invalidate(paths ...string) {
	inv, ok := c.route.Transport.(transport.Invalidator)
	if !ok {
		return
	}
	for _, p := range paths {
		inv.Invalidate(p)
	}
}

// prepare validates ref, resolves its route and applies the read-only
// check for write verbs.
func (v *VFS) prepare(verb string, ref common.FileRef, write bool) (*call, error) {
	n, err := ref.Normalized()
	if err != nil {
		return nil, common.Wrap(verb, ref.Path, nil, err)
	}
	r, err := v.mounts.Route(n.Path)
	if err != nil {
		metrics.RecordOperation(verb, "none", err, 0)
		return nil, wrapErr(verb, n.Path, err)
	}
	c := &call{verb: verb, route: r, ref: n, under: n.WithPath(r.Underlying), start: time.Now()}
	if write && r.ReadOnly() {
		err := common.Wrap(verb, n.Path, common.ErrReadOnly, nil)
		metrics.RecordOperation(verb, c.transportName(), err, 0)
		return nil, err
	}
	return c, nil
}

// finish records metrics, logs and maps *errp into the taxonomy.
func (v *VFS) finish(c *call, errp *error) {
	dur := time.Since(c.start)
	if *errp != nil {
		*errp = wrapErr(c.verb, c.ref.Path, *errp)
	}
	metrics.RecordOperation(c.verb, c.transportName(), *errp, dur)

	if log.IsLevelEnabled(log.DebugLevel) {
		entry := log.WithFields(log.Fields{
			"verb":      c.verb,
			"path":      c.ref.Path,
			"mount":     c.route.Mount.Name(),
			"transport": c.transportName(),
			"duration":  dur,
		})
		if c.under.Path != c.ref.Path {
			entry = entry.WithField("underlying", c.under.Path)
		}
		if *errp != nil {
			entry = entry.WithError(*errp)
		}
		entry.Debug("[VFS] op")
	}
}

// wrapErr attaches verb and visible path to err and settles its kind.
// Untyped transport failures become ErrInternal with the cause kept.
func wrapErr(verb, path string, err error) error {
	if err == nil {
		return nil
	}
	var pce *common.PartialCopyError
	if errors.As(err, &pce) {
		return err
	}
	if e, ok := err.(*common.Error); ok {
		if e.Op == verb && e.Path == path {
			return e
		}
		return &common.Error{Op: verb, Path: path, Kind: e.Kind, Cause: e.Cause}
	}
	kind := common.KindOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = common.ErrTimeout
	}
	return &common.Error{Op: verb, Path: path, Kind: kind, Cause: err}
}

// ensureAbsent fails with ErrExists when ref is present. Errors from the
// existence check are returned as they are.
func ensureAbsent(ctx context.Context, c *call, ref common.FileRef) error {
	ok, err := c.transport().Exists(ctx, ref)
	if err != nil {
		return err
	}
	if ok {
		return common.Wrap(c.verb, c.ref.Path, common.ErrExists, nil)
	}
	return nil
}

func (v *VFS) emit(name string, ref common.FileRef) {
	v.bus.Publish(events.Event{Name: name, File: &ref})
}

func (v *VFS) emitMove(src, dst common.FileRef) {
	v.bus.Publish(events.Event{Name: events.EventMove, Source: &src, Destination: &dst})
}
