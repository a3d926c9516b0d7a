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

// Package transport defines the verb surface every storage back-end
// implements and the registry that constructs back-ends by name.
//
// Transports receive FileRefs whose paths are virtual paths of the mount
// that owns them, already stripped of any alias redirection. Listings are
// returned without the ".." back-link and in no particular order.
package transport

import (
	"context"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
)

// Transport is the mandatory verb surface.
type Transport interface {
	Scandir(ctx context.Context, dir common.FileRef) ([]common.FileRef, error)
	Read(ctx context.Context, file common.FileRef) ([]byte, error)
	// Write creates or replaces file.Path.
	Write(ctx context.Context, file common.FileRef, data []byte) error
	// Unlink removes a file, or a directory with its descendants. Back-ends
	// that cannot remove recursively fail with common.ErrNotEmpty.
	Unlink(ctx context.Context, ref common.FileRef) error
	// Mkdir fails with common.ErrExists when dir is present.
	Mkdir(ctx context.Context, dir common.FileRef) error
	Exists(ctx context.Context, ref common.FileRef) (bool, error)
	Fileinfo(ctx context.Context, ref common.FileRef) (map[string]any, error)
	// URL returns an absolute fetch URL, or "" when there is none.
	URL(ctx context.Context, file common.FileRef) (string, error)
	// Copy and Move are only called with both ends on this transport.
	Copy(ctx context.Context, src, dst common.FileRef) error
	Move(ctx context.Context, src, dst common.FileRef) error
	// Upload stores blob at file.Path and returns the resulting ref.
	Upload(ctx context.Context, file common.FileRef, blob *payload.Blob) (common.FileRef, error)
}

// Trasher is implemented by back-ends with a trash can.
type Trasher interface {
	Trash(ctx context.Context, ref common.FileRef) error
	Untrash(ctx context.Context, ref common.FileRef) error
	EmptyTrash(ctx context.Context) error
}

// FreeSpacer reports the bytes still available below root. -1 means
// unlimited or unknown.
type FreeSpacer interface {
	FreeSpace(ctx context.Context, root common.FileRef) (int64, error)
}

// Finder is implemented by back-ends with a native search.
type Finder interface {
	Find(ctx context.Context, root common.FileRef, q FindQuery) ([]common.FileRef, error)
}

// Mounter is implemented by back-ends that need a handshake before use
// (OAuth, SSH, manifest probing) or hold resources to release.
type Mounter interface {
	Mount(ctx context.Context) error
	Unmount(ctx context.Context) error
}

// Invalidator is implemented by back-ends holding a metadata cache.
type Invalidator interface {
	Invalidate(path string)
}

// ReadOnlyBackend is implemented by back-ends that never write. Their
// mounts are forced read-only so write verbs fail before any I/O.
type ReadOnlyBackend interface {
	ReadOnlyBackend() bool
}

// Unsupported is the error for a verb the back-end does not implement.
func Unsupported(op string, ref common.FileRef) error {
	return common.Wrap(op, ref.Path, common.ErrUnsupported, nil)
}

// ReadOnly is the error for write verbs on a back-end that never writes.
func ReadOnly(op string, ref common.FileRef) error {
	return common.Wrap(op, ref.Path, common.ErrReadOnly, nil)
}

// NotFound is the error for a missing source.
func NotFound(op string, ref common.FileRef) error {
	return common.Wrap(op, ref.Path, common.ErrNotFound, nil)
}

// Exists is the error for an occupied destination.
func Exists(op string, ref common.FileRef) error {
	return common.Wrap(op, ref.Path, common.ErrExists, nil)
}
