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

// Package davfs is a transport over a WebDAV share (RFC 4918).
package davfs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/studio-b12/gowebdav"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
	"deskvfs/internal/util"
)

// Name is the registry name of this transport.
const Name = "webdav"

const DefaultTimeout = 30 * time.Second

// Options are the mount options of a WebDAV transport.
type Options struct {
	// URL is the collection the mount root maps to.
	URL      string        `yaml:"url"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  uint          `yaml:"retries"`
}

// FS is the WebDAV transport.
type FS struct {
	base    *url.URL
	dav     *gowebdav.Client
	retries uint
	mimes   common.MimeMap
	log     *log.Entry
}

var (
	_ transport.Transport = (*FS)(nil)
	_ transport.Mounter   = (*FS)(nil)
)

// Factory builds a WebDAV transport from mount options.
func Factory(_ context.Context, env transport.Env, options map[string]any) (transport.Transport, error) {
	var opts Options
	if err := transport.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return New(env, opts, nil)
}

// New creates a WebDAV transport. client may be nil; when set, its
// round tripper and timeout are used.
func New(env transport.Env, opts Options, client *http.Client) (*FS, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: webdav url %q", common.ErrInvalidArgument, opts.URL)
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	dav := gowebdav.NewClient(base.String(), opts.User, opts.Password)
	dav.SetTimeout(opts.Timeout)
	if client != nil {
		if client.Transport != nil {
			dav.SetTransport(client.Transport)
		}
		if client.Timeout != 0 {
			dav.SetTimeout(client.Timeout)
		}
	}
	return &FS{
		base:    base,
		dav:     dav,
		retries: opts.Retries,
		mimes:   env.Mimes,
		log:     env.Logger(),
	}, nil
}

// Mount checks that the share answers and its root is a collection.
func (fs *FS) Mount(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return transport.NetError("mount", "/", err)
	}
	if err := fs.dav.Connect(); err != nil {
		return davError("mount", "/", err)
	}
	fi, err := fs.stat(ctx, "mount", "/")
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return common.Errorf(common.ErrNotDir, "mount", fs.base.Redacted(), "not a collection")
	}
	fs.log.WithField("url", fs.base.Redacted()).Debug("davfs: share reachable")
	return nil
}

func (fs *FS) Unmount(context.Context) error { return nil }

// urlFor is the absolute address of the resource at virtual path p.
func (fs *FS) urlFor(p string, dir bool) string {
	u := *fs.base
	segs := common.SplitPath(p)
	u.Path = fs.base.Path + "/" + strings.Join(segs, "/")
	if dir && len(segs) > 0 {
		u.Path += "/"
	}
	u.RawPath = ""
	u.User = nil
	return u.String()
}

// davError maps a gowebdav failure. The client reports answers as an
// *os.PathError around a StatusError; anything else failed on the wire.
func davError(op, p string, err error) error {
	var se gowebdav.StatusError
	if errors.As(err, &se) {
		if se.Status == http.StatusConflict {
			return common.Errorf(common.ErrNotFound, op, p, "parent collection missing")
		}
		return transport.StatusError(op, p, se.Status, "", "")
	}
	// Failed authorization negotiation surfaces without a StatusError.
	if strings.Contains(err.Error(), "401") {
		return common.Wrap(op, p, common.ErrPermissionDenied, err)
	}
	return transport.NetError(op, p, err)
}

// idempotent runs a read-only call, retrying transient failures.
func idempotent[T any](ctx context.Context, fs *FS, op, p string, fn func() (T, error)) (T, error) {
	return util.RetryWithResult(ctx, func() (T, error) {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, transport.NetError(op, p, err)
		}
		v, err := fn()
		if err != nil {
			var zero T
			return zero, davError(op, p, err)
		}
		return v, nil
	}, util.NetworkRetryOptions(ctx, fs.retries)...)
}

// mutate runs a call that changes the share. It is never retried.
func (fs *FS) mutate(ctx context.Context, op, p string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return transport.NetError(op, p, err)
	}
	if err := fn(); err != nil {
		return davError(op, p, err)
	}
	return nil
}

func (fs *FS) stat(ctx context.Context, op, p string) (os.FileInfo, error) {
	return idempotent(ctx, fs, op, p, func() (os.FileInfo, error) { return fs.dav.Stat(p) })
}

// requireParent fails with ErrNotFound when the collection holding p is
// missing. gowebdav creates missing parents on its own for PUT, COPY and
// MOVE, which would hide that.
func (fs *FS) requireParent(ctx context.Context, op, p string) error {
	parent := common.Dirname(p)
	if common.IsRoot(parent) {
		return nil
	}
	fi, err := fs.stat(ctx, op, parent)
	if errors.Is(err, common.ErrNotFound) {
		return common.Errorf(common.ErrNotFound, op, p, "parent collection missing")
	}
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return common.Wrap(op, parent, common.ErrNotDir, nil)
	}
	return nil
}

type contentTyped interface{ ContentType() string }

type etagged interface{ ETag() string }

func (fs *FS) toRef(p string, fi os.FileInfo) common.FileRef {
	ref := common.FileRef{Path: p, Filename: common.Basename(p), Type: common.TypeFile, Mtime: fi.ModTime()}
	if fi.IsDir() {
		ref.Type = common.TypeDir
		return ref
	}
	ref.Size = fi.Size()
	if ct, ok := fi.(contentTyped); ok {
		ref.Mime = ct.ContentType()
	}
	if ref.Mime == "" {
		ref.Mime = fs.mimes.Lookup(ref.Filename)
	}
	return ref
}

// Scandir lists a collection with PROPFIND Depth 1.
func (fs *FS) Scandir(ctx context.Context, dir common.FileRef) ([]common.FileRef, error) {
	fi, err := fs.stat(ctx, "scandir", dir.Path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, common.Wrap("scandir", dir.Path, common.ErrNotDir, nil)
	}
	infos, err := idempotent(ctx, fs, "scandir", dir.Path, func() ([]os.FileInfo, error) { return fs.dav.ReadDir(dir.Path) })
	if err != nil {
		return nil, err
	}
	out := make([]common.FileRef, 0, len(infos))
	for _, fi := range infos {
		p, err := common.Join(dir.Path, fi.Name())
		if err != nil {
			continue
		}
		out = append(out, fs.toRef(p, fi))
	}
	return out, nil
}

func (fs *FS) Read(ctx context.Context, file common.FileRef) ([]byte, error) {
	return idempotent(ctx, fs, "read", file.Path, func() ([]byte, error) { return fs.dav.Read(file.Path) })
}

func (fs *FS) Write(ctx context.Context, file common.FileRef, data []byte) error {
	return fs.put(ctx, "write", file, data)
}

func (fs *FS) put(ctx context.Context, op string, file common.FileRef, data []byte) error {
	if err := fs.requireParent(ctx, op, file.Path); err != nil {
		return err
	}
	return fs.mutate(ctx, op, file.Path, func() error { return fs.dav.Write(file.Path, data, 0o644) })
}

func (fs *FS) Unlink(ctx context.Context, ref common.FileRef) error {
	if common.IsRoot(ref.Path) {
		return common.Errorf(common.ErrPermissionDenied, "unlink", ref.Path, "refusing to remove the share root")
	}
	// DELETE of a missing resource is a success for gowebdav.
	if _, err := fs.stat(ctx, "unlink", ref.Path); err != nil {
		return err
	}
	return fs.mutate(ctx, "unlink", ref.Path, func() error { return fs.dav.RemoveAll(ref.Path) })
}

func (fs *FS) Mkdir(ctx context.Context, dir common.FileRef) error {
	// gowebdav treats 405 on MKCOL as success.
	ok, err := fs.Exists(ctx, dir)
	if err != nil {
		return err
	}
	if ok {
		return transport.Exists("mkdir", dir)
	}
	if err := fs.requireParent(ctx, "mkdir", dir.Path); err != nil {
		return err
	}
	return fs.mutate(ctx, "mkdir", dir.Path, func() error { return fs.dav.Mkdir(dir.Path, 0o755) })
}

func (fs *FS) Exists(ctx context.Context, ref common.FileRef) (bool, error) {
	_, err := fs.stat(ctx, "exists", ref.Path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, common.ErrNotFound):
		return false, nil
	}
	return false, err
}

func (fs *FS) Fileinfo(ctx context.Context, ref common.FileRef) (map[string]any, error) {
	fi, err := fs.stat(ctx, "fileinfo", ref.Path)
	if err != nil {
		return nil, err
	}
	r := fs.toRef(ref.Path, fi)
	info := map[string]any{
		"path":     ref.Path,
		"filename": common.Basename(ref.Path),
		"type":     string(r.Type),
		"url":      fs.urlFor(ref.Path, r.IsDir()),
	}
	if !r.IsDir() {
		info["size"] = r.Size
		info["mime"] = r.Mime
	}
	if !r.Mtime.IsZero() {
		info["mtime"] = r.Mtime
	}
	if et, ok := fi.(etagged); ok && et.ETag() != "" {
		info["etag"] = et.ETag()
	}
	return info, nil
}

// URL is the address of the resource on the share. Credentials are not
// embedded.
func (fs *FS) URL(_ context.Context, file common.FileRef) (string, error) {
	return fs.urlFor(file.Path, false), nil
}

// Copy issues COPY. Existing destinations are overwritten.
func (fs *FS) Copy(ctx context.Context, src, dst common.FileRef) error {
	if err := fs.requireParent(ctx, "copy", dst.Path); err != nil {
		return err
	}
	return fs.mutate(ctx, "copy", src.Path, func() error { return fs.dav.Copy(src.Path, dst.Path, true) })
}

// Move issues MOVE. Existing destinations are overwritten.
func (fs *FS) Move(ctx context.Context, src, dst common.FileRef) error {
	if err := fs.requireParent(ctx, "move", dst.Path); err != nil {
		return err
	}
	return fs.mutate(ctx, "move", src.Path, func() error { return fs.dav.Rename(src.Path, dst.Path, true) })
}

func (fs *FS) Upload(ctx context.Context, file common.FileRef, blob *payload.Blob) (common.FileRef, error) {
	mime := file.Mime
	if mime == "" {
		mime = blob.Mime
	}
	if mime == "" {
		mime = fs.mimes.Lookup(file.Path)
	}
	if err := fs.put(ctx, "upload", file, blob.Bytes()); err != nil {
		return common.FileRef{}, err
	}
	return common.FileRef{
		Path:     file.Path,
		Filename: common.Basename(file.Path),
		Type:     common.TypeFile,
		Mime:     mime,
		Size:     blob.Size(),
	}, nil
}
