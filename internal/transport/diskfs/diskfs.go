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

// Package diskfs maps the path portion of virtual paths onto a directory
// of the host. It is what a daemon usually serves to server transports.
package diskfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
)

// Name is the registry name of this transport.
const Name = "disk"

// Options are the mount options of a disk transport.
type Options struct {
	// Root is the host directory the mount root maps to. It is created
	// when missing.
	Root string `yaml:"root"`
}

// FS is the disk transport.
type FS struct {
	afs   afero.Fs
	host  string
	mimes common.MimeMap
	log   *log.Entry
}

var (
	_ transport.Transport  = (*FS)(nil)
	_ transport.Finder     = (*FS)(nil)
	_ transport.FreeSpacer = (*FS)(nil)
)

// Factory builds a disk transport from mount options.
func Factory(_ context.Context, env transport.Env, options map[string]any) (transport.Transport, error) {
	var opts Options
	if err := transport.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return New(env, opts)
}

// New roots a transport at opts.Root on the host filesystem.
func New(env transport.Env, opts Options) (*FS, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("%w: disk transport needs a root", common.ErrInvalidArgument)
	}
	root, err := filepath.Abs(expandHome(opts.Root))
	if err != nil {
		return nil, fmt.Errorf("%w: disk root %q: %v", common.ErrInvalidArgument, opts.Root, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create disk root %s: %w", root, err)
	}
	f := NewWithFs(env, afero.NewBasePathFs(afero.NewOsFs(), root))
	f.host = root
	return f, nil
}

// NewWithFs serves an arbitrary afero filesystem, e.g. a MemMapFs.
func NewWithFs(env transport.Env, afs afero.Fs) *FS {
	return &FS{afs: afs, mimes: env.Mimes, log: env.Logger()}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// rel is the slash path of p inside the filesystem.
func rel(p string) string {
	return "/" + strings.Join(common.SplitPath(p), "/")
}

// mapErr converts an os error into the common taxonomy.
func mapErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var kind error
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = common.ErrNotFound
	case errors.Is(err, fs.ErrExist):
		kind = common.ErrExists
	case errors.Is(err, fs.ErrPermission):
		kind = common.ErrPermissionDenied
	case errors.Is(err, syscall.ENOTEMPTY):
		kind = common.ErrNotEmpty
	case errors.Is(err, syscall.ENOTDIR):
		kind = common.ErrNotDir
	case errors.Is(err, syscall.EISDIR):
		kind = common.ErrIsDir
	case errors.Is(err, syscall.EROFS):
		kind = common.ErrReadOnly
	default:
		kind = common.ErrInternal
	}
	return common.Wrap(op, p, kind, err)
}

func (f *FS) toRef(p string, fi os.FileInfo) common.FileRef {
	ref := common.FileRef{
		Path:     p,
		Filename: fi.Name(),
		Type:     common.TypeFile,
		Size:     fi.Size(),
		Mtime:    fi.ModTime(),
	}
	if fi.IsDir() {
		ref.Type, ref.Size = common.TypeDir, 0
	} else {
		ref.Mime = f.mimes.Lookup(fi.Name())
	}
	return ref
}

func (f *FS) Scandir(_ context.Context, dir common.FileRef) ([]common.FileRef, error) {
	infos, err := afero.ReadDir(f.afs, rel(dir.Path))
	if err != nil {
		return nil, mapErr("scandir", dir.Path, err)
	}
	out := make([]common.FileRef, 0, len(infos))
	for _, fi := range infos {
		p, err := common.Join(dir.Path, fi.Name())
		if err != nil {
			continue
		}
		out = append(out, f.toRef(p, fi))
	}
	return out, nil
}

func (f *FS) Read(_ context.Context, file common.FileRef) ([]byte, error) {
	b, err := afero.ReadFile(f.afs, rel(file.Path))
	return b, mapErr("read", file.Path, err)
}

// Write replaces the file. The parent directory must exist.
func (f *FS) Write(_ context.Context, file common.FileRef, data []byte) error {
	r := rel(file.Path)
	if _, err := f.afs.Stat(path.Dir(r)); err != nil {
		return mapErr("write", file.Path, err)
	}
	return mapErr("write", file.Path, afero.WriteFile(f.afs, r, data, 0o644))
}

func (f *FS) Unlink(_ context.Context, ref common.FileRef) error {
	r := rel(ref.Path)
	if r == "/" {
		return common.Errorf(common.ErrPermissionDenied, "unlink", ref.Path, "refusing to remove the mount root")
	}
	if _, err := f.afs.Stat(r); err != nil {
		return mapErr("unlink", ref.Path, err)
	}
	return mapErr("unlink", ref.Path, f.afs.RemoveAll(r))
}

func (f *FS) Mkdir(_ context.Context, dir common.FileRef) error {
	r := rel(dir.Path)
	if _, err := f.afs.Stat(r); err == nil {
		return transport.Exists("mkdir", dir)
	}
	return mapErr("mkdir", dir.Path, f.afs.Mkdir(r, 0o755))
}

func (f *FS) Exists(_ context.Context, ref common.FileRef) (bool, error) {
	ok, err := afero.Exists(f.afs, rel(ref.Path))
	return ok, mapErr("exists", ref.Path, err)
}

func (f *FS) Fileinfo(_ context.Context, ref common.FileRef) (map[string]any, error) {
	fi, err := f.afs.Stat(rel(ref.Path))
	if err != nil {
		return nil, mapErr("fileinfo", ref.Path, err)
	}
	r := f.toRef(ref.Path, fi)
	info := map[string]any{
		"path":     ref.Path,
		"filename": common.Basename(ref.Path),
		"type":     string(r.Type),
		"size":     r.Size,
		"mtime":    r.Mtime,
		"mode":     fi.Mode().String(),
	}
	if r.Mime != "" {
		info["mime"] = r.Mime
	}
	return info, nil
}

// URL is unsupported: host files have no fetchable address.
func (f *FS) URL(context.Context, common.FileRef) (string, error) {
	return "", nil
}

func (f *FS) Copy(_ context.Context, src, dst common.FileRef) error {
	from, to := rel(src.Path), rel(dst.Path)
	fi, err := f.afs.Stat(from)
	if err != nil {
		return mapErr("copy", src.Path, err)
	}
	if !fi.IsDir() {
		return mapErr("copy", dst.Path, f.copyFile(from, to, fi.Mode()))
	}
	err = afero.Walk(f.afs, from, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		target := path.Join(to, strings.TrimPrefix(filepath.ToSlash(p), from))
		if info.IsDir() {
			if err := f.afs.MkdirAll(target, 0o755); err != nil {
				return err
			}
			return nil
		}
		return f.copyFile(p, target, info.Mode())
	})
	return mapErr("copy", dst.Path, err)
}

func (f *FS) copyFile(from, to string, mode os.FileMode) error {
	b, err := afero.ReadFile(f.afs, from)
	if err != nil {
		return err
	}
	return afero.WriteFile(f.afs, to, b, mode.Perm())
}

// Move renames in place. An existing destination directory is replaced.
func (f *FS) Move(_ context.Context, src, dst common.FileRef) error {
	from, to := rel(src.Path), rel(dst.Path)
	if _, err := f.afs.Stat(from); err != nil {
		return mapErr("move", src.Path, err)
	}
	if fi, err := f.afs.Stat(to); err == nil && fi.IsDir() {
		if err := f.afs.RemoveAll(to); err != nil {
			return mapErr("move", dst.Path, err)
		}
	}
	return mapErr("move", dst.Path, f.afs.Rename(from, to))
}

func (f *FS) Upload(ctx context.Context, file common.FileRef, blob *payload.Blob) (common.FileRef, error) {
	if err := f.Write(ctx, file, blob.Bytes()); err != nil {
		return common.FileRef{}, err
	}
	mime := blob.Mime
	if mime == "" {
		mime = f.mimes.Lookup(file.Path)
	}
	return common.FileRef{
		Path:     file.Path,
		Filename: common.Basename(file.Path),
		Type:     common.TypeFile,
		Mime:     mime,
		Size:     blob.Size(),
	}, nil
}

// Find walks the tree natively, honouring every query option.
func (f *FS) Find(ctx context.Context, root common.FileRef, q transport.FindQuery) ([]common.FileRef, error) {
	m, err := q.Compile()
	if err != nil {
		return nil, common.Wrap("find", root.Path, nil, err)
	}
	base := rel(root.Path)
	var out []common.FileRef
	errFull := errors.New("full")

	err = afero.Walk(f.afs, base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		sub := strings.TrimPrefix(strings.TrimPrefix(filepath.ToSlash(p), base), "/")
		if sub == "" {
			return nil
		}
		if m.Excluded(sub, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		vp, err := common.Join(root.Path, sub)
		if err != nil {
			return nil
		}
		if ref := f.toRef(vp, info); m.Match(ref) {
			out = append(out, ref)
			if m.Full(len(out)) {
				return errFull
			}
		}
		if info.IsDir() && !m.WithinDepth(strings.Count(sub, "/")+1) {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFull) {
		return out, mapErr("find", root.Path, err)
	}
	return out, nil
}

// FreeSpace reports the bytes available to unprivileged users on the host
// volume, -1 for in-memory filesystems.
func (f *FS) FreeSpace(_ context.Context, root common.FileRef) (int64, error) {
	if f.host == "" {
		return -1, nil
	}
	n, err := freeBytes(f.host)
	if err != nil {
		return 0, mapErr("freeSpace", root.Path, err)
	}
	return n, nil
}
