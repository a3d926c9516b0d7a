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

package vfs

import (
	"context"

	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/events"
	"deskvfs/internal/mount"
)

// Watch registers cb for mutations of path (kind file) or below it (kind
// dir) and returns the id for Unwatch.
func (v *VFS) Watch(path string, kind events.WatchKind, cb events.Handler) (int, error) {
	return v.watches.Add(path, kind, cb)
}

// Unwatch removes a watch. It reports whether the id was registered.
func (v *VFS) Unwatch(id int) bool {
	return v.watches.Remove(id)
}

// TriggerWatch runs matching watches for a synthetic event without
// touching any transport or the bus. It returns how many fired.
func (v *VFS) TriggerWatch(name string, ref common.FileRef) int {
	if n, err := common.Normalize(ref.Path); err == nil {
		ref = ref.WithPath(n)
	}
	return v.watches.Dispatch(events.Event{Name: name, File: &ref})
}

// BroadcastMessage publishes an application message on the bus.
func (v *VFS) BroadcastMessage(name string, message any) {
	v.bus.Publish(events.Event{Name: name, Message: message})
}

// Mount mounts the named mountpoint and announces it.
func (v *VFS) Mount(ctx context.Context, name string) error {
	mp, err := v.mounts.Get(name)
	if err != nil {
		return err
	}
	if err := mp.Mount(ctx); err != nil {
		return err
	}
	log.WithField("mount", name).Info("[VFS] mounted")
	root := common.FileRef{Path: mp.Root(), Filename: common.Basename(mp.Root()), Type: common.TypeDir}
	v.bus.Publish(events.Event{Name: events.EventMount, Mount: name, File: &root})
	return nil
}

// Unmount unmounts the named mountpoint and announces it.
func (v *VFS) Unmount(ctx context.Context, name string) error {
	mp, err := v.mounts.Get(name)
	if err != nil {
		return err
	}
	if err := mp.Unmount(ctx); err != nil {
		return err
	}
	log.WithField("mount", name).Info("[VFS] unmounted")
	root := common.FileRef{Path: mp.Root(), Filename: common.Basename(mp.Root()), Type: common.TypeDir}
	v.bus.Publish(events.Event{Name: events.EventUnmount, Mount: name, File: &root})
	return nil
}

// RemoveMount drops the named mountpoint from the registry and announces
// the unmount when it was mounted.
func (v *VFS) RemoveMount(ctx context.Context, name string) error {
	mp, err := v.mounts.Get(name)
	if err != nil {
		return err
	}
	wasMounted := mp.State() == mount.StateMounted
	err = v.mounts.Remove(ctx, name)
	if wasMounted {
		// The mountpoint is gone even when its transport failed to unmount.
		root := common.FileRef{Path: mp.Root(), Filename: common.Basename(mp.Root()), Type: common.TypeDir}
		v.bus.Publish(events.Event{Name: events.EventUnmount, Mount: name, File: &root})
	}
	return err
}
