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

package daemon

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/vfs"
)

// opTimeout bounds a single facade call made on behalf of an NFS request.
const opTimeout = 30 * time.Second

// NFSServer exports a billy filesystem over NFSv3.
type NFSServer struct {
	server   *nfs.Server
	cancel   context.CancelFunc
	mu       sync.Mutex
	listener net.Listener
}

var _ NetFSServer = (*NFSServer)(nil)

// NewNFSServer creates an NFS server for fs.
func NewNFSServer(fs billy.Filesystem) *NFSServer {
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	handler := nfshelper.NewNullAuthHandler(fs)
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	ctx, cancel := context.WithCancel(context.Background())
	return &NFSServer{
		server: &nfs.Server{Handler: cacheHelper, Context: ctx},
		cancel: cancel,
	}
}

// Serve accepts NFS connections on ln until Shutdown.
func (s *NFSServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return s.server.Serve(ln)
}

// Shutdown closes the listener and cancels in-flight handlers.
func (s *NFSServer) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.cancel()
}

// BillyAdapter presents one mount of the facade as a billy filesystem.
// Files are buffered whole: read on open and written back on close.
type BillyAdapter struct {
	v    *vfs.VFS
	root string // "<scheme>:///"
	uid  uint32
	gid  uint32
}

// NewBillyAdapter exposes the tree under root, a mount root such as
// "home:///".
func NewBillyAdapter(v *vfs.VFS, root string) *BillyAdapter {
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return &BillyAdapter{
		v:    v,
		root: root,
		uid:  uint32(os.Getuid()),
		gid:  uint32(os.Getgid()),
	}
}

func (b *BillyAdapter) visible(name string) string {
	rel := strings.TrimPrefix(path.Clean("/"+name), "/")
	return b.root + rel
}

func (b *BillyAdapter) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// pathError maps facade error kinds onto the os errors go-nfs understands.
func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, common.ErrNotFound):
		err = os.ErrNotExist
	case errors.Is(err, common.ErrExists):
		err = os.ErrExist
	case errors.Is(err, common.ErrPermissionDenied), errors.Is(err, common.ErrReadOnly):
		err = os.ErrPermission
	}
	return &os.PathError{Op: op, Path: name, Err: err}
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	ctx, cancel := b.ctx()
	defer cancel()
	p := b.visible(filename)

	fi, err := b.stat(ctx, filename)
	switch {
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, pathError("open", filename, common.ErrExists)
		}
		if fi.IsDir() {
			return nil, pathError("open", filename, common.ErrIsDir)
		}
	case errors.Is(err, os.ErrNotExist) && flag&os.O_CREATE != 0:
		if _, err := b.v.Write(ctx, vfs.Ref(p), payload.FromBytes(nil, ""), vfs.WriteOptions{}); err != nil {
			return nil, pathError("create", filename, err)
		}
		return &BillyFile{adapter: b, name: filename, path: p, flag: flag}, nil
	default:
		return nil, err
	}

	f := &BillyFile{adapter: b, name: filename, path: p, flag: flag}
	if flag&os.O_TRUNC != 0 {
		f.dirty = true
		return f, nil
	}
	pl, err := b.v.Read(ctx, vfs.Ref(p), vfs.ReadOptions{})
	if err != nil {
		return nil, pathError("open", filename, err)
	}
	if f.data, err = pl.Bytes(); err != nil {
		return nil, pathError("open", filename, err)
	}
	if flag&os.O_APPEND != 0 {
		f.offset = int64(len(f.data))
	}
	return f, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	ctx, cancel := b.ctx()
	defer cancel()
	return b.stat(ctx, filename)
}

// stat finds name in a listing of its parent; not every transport can
// stat a single entry.
func (b *BillyAdapter) stat(ctx context.Context, filename string) (os.FileInfo, error) {
	p := b.visible(filename)
	if p == b.root {
		return &BillyFileInfo{ref: common.FileRef{Path: p, Type: common.TypeDir}, adapter: b}, nil
	}
	parent, base := path.Split(strings.TrimPrefix(p, b.root))
	list, err := b.v.Scandir(ctx, vfs.DirRef(b.root+parent), vfs.ScandirOptions{NoBacklink: true})
	if err != nil {
		return nil, pathError("stat", filename, err)
	}
	for _, ref := range list {
		if ref.Filename == base {
			return &BillyFileInfo{ref: ref, adapter: b}, nil
		}
	}
	return nil, pathError("stat", filename, common.ErrNotFound)
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	ctx, cancel := b.ctx()
	defer cancel()
	fi, err := b.stat(ctx, oldpath)
	if err != nil {
		return err
	}
	src := vfs.Ref(b.visible(oldpath))
	dst := vfs.Ref(b.visible(newpath))
	if fi.IsDir() {
		src.Type, dst.Type = common.TypeDir, common.TypeDir
	}
	return pathError("rename", oldpath, b.v.Move(ctx, src, dst, vfs.WriteOptions{Overwrite: true}))
}

func (b *BillyAdapter) Remove(filename string) error {
	ctx, cancel := b.ctx()
	defer cancel()
	fi, err := b.stat(ctx, filename)
	if err != nil {
		return err
	}
	ref := vfs.Ref(b.visible(filename))
	if fi.IsDir() {
		ref.Type = common.TypeDir
		list, err := b.v.Scandir(ctx, ref, vfs.ScandirOptions{NoBacklink: true})
		if err != nil {
			return pathError("remove", filename, err)
		}
		if len(list) > 0 {
			return pathError("remove", filename, common.ErrNotEmpty)
		}
	}
	return pathError("remove", filename, b.v.Unlink(ctx, ref))
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	ctx, cancel := b.ctx()
	defer cancel()
	list, err := b.v.Scandir(ctx, vfs.DirRef(b.visible(dirname)), vfs.ScandirOptions{NoBacklink: true})
	if err != nil {
		return nil, pathError("readdir", dirname, err)
	}
	out := make([]os.FileInfo, 0, len(list))
	for _, ref := range list {
		out = append(out, &BillyFileInfo{ref: ref, adapter: b})
	}
	return out, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	ctx, cancel := b.ctx()
	defer cancel()
	rel := strings.TrimPrefix(b.visible(filename), b.root)
	if rel == "" {
		return nil
	}
	cur := b.root
	for i, part := range strings.Split(rel, "/") {
		if i > 0 {
			cur += "/"
		}
		cur += part
		if err := b.v.Mkdir(ctx, vfs.DirRef(cur), vfs.MkdirOptions{Overwrite: true}); err != nil {
			return pathError("mkdir", filename, err)
		}
	}
	return nil
}

func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return billy.ErrNotSupported
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return "", billy.ErrNotSupported
}

func (b *BillyAdapter) Chroot(p string) (billy.Filesystem, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) Root() string {
	return b.root
}

// Permission and ownership changes are accepted and dropped.
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error          { return nil }
func (b *BillyAdapter) Lchown(name string, uid, gid int) error            { return nil }
func (b *BillyAdapter) Chown(name string, uid, gid int) error             { return nil }
func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error { return nil }

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability |
		billy.ReadCapability |
		billy.ReadAndWriteCapability |
		billy.SeekCapability |
		billy.TruncateCapability
}

// BillyFile is an open file held in memory.
type BillyFile struct {
	adapter *BillyAdapter
	name    string
	path    string
	flag    int

	mu     sync.Mutex
	data   []byte
	offset int64
	dirty  bool
	closed bool
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, pathError("write", f.name, common.ErrPermissionDenied)
	}
	if f.flag&os.O_APPEND != 0 {
		f.offset = int64(len(f.data))
	}
	n := f.writeAt(p, f.offset)
	f.offset += int64(n)
	return n, nil
}

func (f *BillyFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, pathError("write", f.name, common.ErrPermissionDenied)
	}
	return f.writeAt(p, off), nil
}

func (f *BillyFile) writeAt(p []byte, off int64) int {
	if end := off + int64(len(p)); end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	f.dirty = true
	return len(p)
}

func (f *BillyFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *BillyFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAt(p, off)
}

func (f *BillyFile) readAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		offset += int64(len(f.data))
	}
	if offset < 0 {
		return 0, pathError("seek", f.name, common.ErrInvalidArgument)
	}
	f.offset = offset
	return offset, nil
}

// Close writes the buffer back when it changed.
func (f *BillyFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	if !f.dirty {
		return nil
	}
	ctx, cancel := f.adapter.ctx()
	defer cancel()
	_, err := f.adapter.v.Write(ctx, vfs.Ref(f.path), payload.FromBytes(f.data, ""), vfs.WriteOptions{Overwrite: true})
	return pathError("close", f.name, err)
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size < 0 {
		return pathError("truncate", f.name, common.ErrInvalidArgument)
	}
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	f.dirty = true
	return nil
}

// BillyFileInfo describes a listing entry.
type BillyFileInfo struct {
	ref     common.FileRef
	adapter *BillyAdapter
}

func (fi *BillyFileInfo) Name() string {
	if fi.ref.Filename == "" {
		return "/"
	}
	return fi.ref.Filename
}

func (fi *BillyFileInfo) Size() int64 {
	if fi.IsDir() {
		return 4096
	}
	return fi.ref.Size
}

func (fi *BillyFileInfo) Mode() os.FileMode {
	if fi.IsDir() {
		return os.ModeDir | 0o755
	}
	return 0o644
}

func (fi *BillyFileInfo) ModTime() time.Time {
	if fi.ref.Mtime.IsZero() {
		return time.Now()
	}
	return fi.ref.Mtime
}

func (fi *BillyFileInfo) IsDir() bool {
	return fi.ref.Type == common.TypeDir
}

// Sys returns the go-nfs attributes. The file id is a hash of the path.
func (fi *BillyFileInfo) Sys() interface{} {
	h := fnv.New64a()
	h.Write([]byte(fi.ref.Path))
	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	if fi.adapter != nil {
		uid, gid = fi.adapter.uid, fi.adapter.gid
	}
	return &nfsfile.FileInfo{
		Nlink:  1,
		UID:    uid,
		GID:    gid,
		Fileid: h.Sum64(),
	}
}
