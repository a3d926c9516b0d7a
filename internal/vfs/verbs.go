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
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"deskvfs/internal/common"
	"deskvfs/internal/events"
	"deskvfs/internal/metrics"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
)

// Ref builds a FileRef from a path. The type defaults to file.
func Ref(p string) common.FileRef {
	return common.FileRef{Path: p}
}

// DirRef builds a directory FileRef from a path.
func DirRef(p string) common.FileRef {
	return common.FileRef{Path: p, Type: common.TypeDir}
}

func asDir(ref common.FileRef) common.FileRef {
	if ref.Type != common.TypeTrash {
		ref.Type = common.TypeDir
	}
	ref.Mime = ""
	ref.Size = 0
	return ref
}

// Scandir lists dir. Entries are remapped to visible paths, filtered and
// sorted per opts; a ".." back-link is put first unless dir is the mount
// root or opts.NoBacklink is set.
func (v *VFS) Scandir(ctx context.Context, dir common.FileRef, opts ScandirOptions) (list []common.FileRef, err error) {
	if err := opts.validate(); err != nil {
		return nil, common.Wrap("scandir", dir.Path, nil, err)
	}
	c, err := v.prepare("scandir", asDir(dir), false)
	if err != nil {
		return nil, err
	}
	defer v.finish(c, &err)

	entries, err := c.transport().Scandir(ctx, c.under)
	if err != nil {
		return nil, err
	}
	list, err = filterListing(remapListing(c.route, entries), opts)
	if err != nil {
		return nil, err
	}
	sortListing(list, opts.SortBy, opts.SortDir)
	if !opts.NoBacklink && !c.route.Mount.IsRoot(c.ref.Path) {
		list = append([]common.FileRef{backlink(c.ref.Path)}, list...)
	}
	return list, nil
}

// Read returns the payload of file in the requested form.
func (v *VFS) Read(ctx context.Context, file common.FileRef, opts ReadOptions) (p payload.Payload, err error) {
	c, err := v.prepare("read", file, false)
	if err != nil {
		return payload.Payload{}, err
	}
	defer v.finish(c, &err)

	data, err := c.transport().Read(ctx, c.under)
	if err != nil {
		return payload.Payload{}, err
	}
	metrics.RecordTransfer(c.transportName(), "read", len(data))
	return payload.Convert(data, v.mimeOf(c.ref, ""), opts.Type)
}

// Write stores data at file. Without opts.Overwrite an existing
// destination fails with ErrExists. The returned ref carries the final
// size and mime.
func (v *VFS) Write(ctx context.Context, file common.FileRef, data payload.Payload, opts WriteOptions) (out common.FileRef, err error) {
	c, err := v.prepare("write", file, true)
	if err != nil {
		return common.FileRef{}, err
	}
	defer v.finish(c, &err)

	if c.ref.IsDir() {
		return common.FileRef{}, fmt.Errorf("%w: cannot write a directory", common.ErrIsDir)
	}
	b, err := data.Bytes()
	if err != nil {
		return common.FileRef{}, err
	}
	if !opts.Overwrite {
		if err := ensureAbsent(ctx, c, c.under); err != nil {
			return common.FileRef{}, err
		}
	}

	mime := v.mimeOf(c.ref, data.MimeType())
	under := c.under
	under.Mime, under.Size = mime, int64(len(b))
	if err := c.transport().Write(ctx, under, b); err != nil {
		return common.FileRef{}, err
	}
	metrics.RecordTransfer(c.transportName(), "write", len(b))
	c.invalidate(under.Path)

	out = c.ref
	out.Mime, out.Size = mime, int64(len(b))
	v.emit(events.EventWrite, out)
	return out, nil
}

// Unlink removes a file or a directory tree.
func (v *VFS) Unlink(ctx context.Context, ref common.FileRef) (err error) {
	c, err := v.prepare("unlink", ref, true)
	if err != nil {
		return err
	}
	defer v.finish(c, &err)

	if err := c.transport().Unlink(ctx, c.under); err != nil {
		return err
	}
	c.invalidate(c.under.Path)
	v.emit(events.EventDelete, c.ref)
	return nil
}

// Mkdir creates dir. An existing entry fails with ErrExists unless
// opts.Overwrite is set, in which case nothing happens.
func (v *VFS) Mkdir(ctx context.Context, dir common.FileRef, opts MkdirOptions) (err error) {
	c, err := v.prepare("mkdir", asDir(dir), true)
	if err != nil {
		return err
	}
	defer v.finish(c, &err)

	ok, err := c.transport().Exists(ctx, c.under)
	if err != nil {
		return err
	}
	if ok {
		if opts.Overwrite {
			return nil
		}
		return common.Wrap("mkdir", c.ref.Path, common.ErrExists, nil)
	}
	if err := c.transport().Mkdir(ctx, c.under); err != nil {
		return err
	}
	c.invalidate(c.under.Path)
	v.emit(events.EventMkdir, c.ref)
	return nil
}

// Exists reports whether ref is present. Transport failures are returned,
// never reported as absence.
func (v *VFS) Exists(ctx context.Context, ref common.FileRef) (ok bool, err error) {
	c, err := v.prepare("exists", ref, false)
	if err != nil {
		return false, err
	}
	defer v.finish(c, &err)
	return c.transport().Exists(ctx, c.under)
}

// Fileinfo returns the back-end attributes of ref.
func (v *VFS) Fileinfo(ctx context.Context, ref common.FileRef) (info map[string]any, err error) {
	c, err := v.prepare("fileinfo", ref, false)
	if err != nil {
		return nil, err
	}
	defer v.finish(c, &err)
	return c.transport().Fileinfo(ctx, c.under)
}

// URL returns a fetch URL for file, "" when the transport has none.
func (v *VFS) URL(ctx context.Context, file common.FileRef) (u string, err error) {
	c, err := v.prepare("url", file, false)
	if err != nil {
		return "", err
	}
	defer v.finish(c, &err)
	return c.transport().URL(ctx, c.under)
}

// Upload stores blob as name inside dir.
func (v *VFS) Upload(ctx context.Context, dir common.FileRef, name string, blob *payload.Blob, opts WriteOptions) (out common.FileRef, err error) {
	if blob == nil {
		return common.FileRef{}, common.Errorf(common.ErrInvalidArgument, "upload", dir.Path, "no data")
	}
	if name == "" || strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return common.FileRef{}, common.Errorf(common.ErrInvalidArgument, "upload", dir.Path, "bad file name %q", name)
	}
	target, err := common.Join(dir.Path, name)
	if err != nil {
		return common.FileRef{}, common.Wrap("upload", dir.Path, nil, err)
	}
	c, err := v.prepare("upload", common.FileRef{Path: target, Type: common.TypeFile}, true)
	if err != nil {
		return common.FileRef{}, err
	}
	defer v.finish(c, &err)

	if !opts.Overwrite {
		if err := ensureAbsent(ctx, c, c.under); err != nil {
			return common.FileRef{}, err
		}
	}
	under := c.under
	under.Mime, under.Size = v.mimeOf(c.ref, blob.Mime), blob.Size()
	res, err := c.transport().Upload(ctx, under, blob)
	if err != nil {
		return common.FileRef{}, err
	}
	metrics.RecordTransfer(c.transportName(), "write", int(blob.Size()))
	c.invalidate(under.Path)

	if res.Path == "" {
		res = under
	}
	out = c.visible(res)
	v.emit(events.EventUpload, out)
	return out, nil
}

// Download writes the whole payload of file to w.
func (v *VFS) Download(ctx context.Context, file common.FileRef, w io.Writer) (n int64, err error) {
	if w == nil {
		return 0, common.Errorf(common.ErrInvalidArgument, "download", file.Path, "no writer")
	}
	c, err := v.prepare("download", file, false)
	if err != nil {
		return 0, err
	}
	defer v.finish(c, &err)

	data, err := c.transport().Read(ctx, c.under)
	if err != nil {
		return 0, err
	}
	metrics.RecordTransfer(c.transportName(), "read", len(data))
	return io.Copy(w, bytes.NewReader(data))
}

// Find searches below root. Back-ends without a native search are walked
// when q.Walk is set, and fail with ErrUnsupported otherwise.
func (v *VFS) Find(ctx context.Context, root common.FileRef, q transport.FindQuery) (found []common.FileRef, err error) {
	if _, err := q.Compile(); err != nil {
		return nil, common.Wrap("find", root.Path, nil, err)
	}
	c, err := v.prepare("find", asDir(root), false)
	if err != nil {
		return nil, err
	}
	defer v.finish(c, &err)

	var res []common.FileRef
	if f, ok := c.transport().(transport.Finder); ok {
		res, err = f.Find(ctx, c.under, q)
	} else if q.Walk {
		res, err = transport.WalkFind(ctx, c.transport(), c.under, q)
	} else {
		return nil, transport.Unsupported("find", c.ref)
	}
	if err != nil {
		return nil, err
	}
	found = remapListing(c.route, res)
	if q.Limit > 0 && len(found) > q.Limit {
		found = found[:q.Limit]
	}
	return found, nil
}

// Trash moves ref to the back-end's trash can.
func (v *VFS) Trash(ctx context.Context, ref common.FileRef) (err error) {
	c, err := v.prepare("trash", ref, true)
	if err != nil {
		return err
	}
	defer v.finish(c, &err)

	t, ok := c.transport().(transport.Trasher)
	if !ok {
		return transport.Unsupported("trash", c.ref)
	}
	if err := t.Trash(ctx, c.under); err != nil {
		return err
	}
	c.invalidate(c.under.Path)
	v.emit(events.EventDelete, c.ref)
	return nil
}

// Untrash restores ref from the trash can.
func (v *VFS) Untrash(ctx context.Context, ref common.FileRef) (err error) {
	c, err := v.prepare("untrash", ref, true)
	if err != nil {
		return err
	}
	defer v.finish(c, &err)

	t, ok := c.transport().(transport.Trasher)
	if !ok {
		return transport.Unsupported("untrash", c.ref)
	}
	if err := t.Untrash(ctx, c.under); err != nil {
		return err
	}
	c.invalidate(c.under.Path)
	v.emit(events.EventUpdate, c.ref)
	return nil
}

// EmptyTrash empties the trash can of the mount owning root.
func (v *VFS) EmptyTrash(ctx context.Context, root common.FileRef) (err error) {
	c, err := v.prepare("emptyTrash", asDir(root), true)
	if err != nil {
		return err
	}
	defer v.finish(c, &err)

	t, ok := c.transport().(transport.Trasher)
	if !ok {
		return transport.Unsupported("emptyTrash", c.ref)
	}
	if err := t.EmptyTrash(ctx); err != nil {
		return err
	}
	c.invalidate(c.route.Target.Root())
	v.emit(events.EventUpdate, c.ref)
	return nil
}

// FreeSpace returns the bytes still available below root, -1 when
// unlimited or unknown.
func (v *VFS) FreeSpace(ctx context.Context, root common.FileRef) (n int64, err error) {
	c, err := v.prepare("freeSpace", asDir(root), false)
	if err != nil {
		return 0, err
	}
	defer v.finish(c, &err)

	fs, ok := c.transport().(transport.FreeSpacer)
	if !ok {
		return 0, transport.Unsupported("freeSpace", c.ref)
	}
	return fs.FreeSpace(ctx, c.under)
}

// mimeOf picks the mime of ref: its own, then the declared one, then the
// extension table.
func (v *VFS) mimeOf(ref common.FileRef, declared string) string {
	switch {
	case ref.Mime != "":
		return ref.Mime
	case declared != "":
		return declared
	}
	return v.mounts.Mimes().Lookup(ref.Path)
}
