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

// Package localfs is a transport whose whole tree lives in two keys of a
// durable key-value store: "<ns>/tree" maps each directory to its children
// and "<ns>/data" maps each file to its base64 payload. Both are loaded on
// first use and written back after every mutation.
package localfs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/storage"
	"deskvfs/internal/transport"
)

// Name is the registry name of this transport.
const Name = "local"

// DefaultQuota bounds the serialised size of both keys.
const DefaultQuota = 5 << 20

// Options are the mount options of a local transport.
type Options struct {
	// Namespace prefixes the two store keys. Defaults to the mount name.
	Namespace string `yaml:"namespace"`
	// Store selects the backing store: "kv" (the process store) or "memory".
	Store string `yaml:"store"`
	// Quota in bytes. 0 means DefaultQuota, negative means unlimited.
	Quota int64 `yaml:"quota"`
}

type entry struct {
	Filename string          `json:"filename"`
	Type     common.FileType `json:"type"`
	Mime     string          `json:"mime,omitempty"`
	Size     int64           `json:"size"`
	ID       string          `json:"id"`
	Ctime    time.Time       `json:"ctime"`
	Mtime    time.Time       `json:"mtime"`
}

// FS is the local transport.
type FS struct {
	kv    storage.KV
	ns    string
	quota int64
	mimes common.MimeMap
	log   *log.Entry
	now   func() time.Time

	mu     sync.Mutex
	loaded bool
	tree   map[string][]entry
	data   map[string]string
}

var (
	_ transport.Transport  = (*FS)(nil)
	_ transport.FreeSpacer = (*FS)(nil)
	_ transport.Mounter    = (*FS)(nil)
)

// Factory builds a local transport from mount options.
func Factory(_ context.Context, env transport.Env, options map[string]any) (transport.Transport, error) {
	var opts Options
	if err := transport.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return New(env, opts)
}

// New creates a local transport over env.KV, or over a private in-memory
// store when the process has none or opts.Store is "memory".
func New(env transport.Env, opts Options) (*FS, error) {
	kv := env.KV
	switch opts.Store {
	case "", "kv", "sqlite":
	case "memory":
		kv = nil
	default:
		return nil, fmt.Errorf("%w: local store %q", common.ErrInvalidArgument, opts.Store)
	}
	if kv == nil {
		kv = storage.NewMemoryKV()
	}
	ns := opts.Namespace
	if ns == "" {
		ns = env.Mount
	}
	if ns == "" {
		return nil, fmt.Errorf("%w: local transport needs a namespace", common.ErrInvalidArgument)
	}
	quota := opts.Quota
	if quota == 0 {
		quota = DefaultQuota
	}
	mimes := env.Mimes
	if mimes == nil {
		mimes = common.DefaultMimeMap()
	}
	return &FS{
		kv:    kv,
		ns:    ns,
		quota: quota,
		mimes: mimes,
		log:   env.Logger(),
		now:   time.Now,
	}, nil
}

func (fs *FS) treeKey() string { return fs.ns + "/tree" }
func (fs *FS) dataKey() string { return fs.ns + "/data" }

// Mount loads both keys.
func (fs *FS) Mount(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadLocked(ctx)
}

// Unmount drops the in-process copy; the store stays authoritative.
func (fs *FS) Unmount(context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.loaded = false
	fs.tree, fs.data = nil, nil
	return nil
}

func (fs *FS) loadLocked(ctx context.Context) error {
	if fs.loaded {
		return nil
	}
	tree := make(map[string][]entry)
	data := make(map[string]string)
	if raw, ok, err := fs.kv.Get(ctx, fs.treeKey()); err != nil {
		return common.Wrap("load", fs.treeKey(), common.ErrInternal, err)
	} else if ok {
		if err := json.Unmarshal(raw, &tree); err != nil {
			return common.Wrap("load", fs.treeKey(), common.ErrInternal, err)
		}
	}
	if raw, ok, err := fs.kv.Get(ctx, fs.dataKey()); err != nil {
		return common.Wrap("load", fs.dataKey(), common.ErrInternal, err)
	} else if ok {
		if err := json.Unmarshal(raw, &data); err != nil {
			return common.Wrap("load", fs.dataKey(), common.ErrInternal, err)
		}
	}
	if _, ok := tree["/"]; !ok {
		tree["/"] = []entry{}
	}
	fs.tree, fs.data, fs.loaded = tree, data, true
	fs.log.WithFields(log.Fields{"dirs": len(tree), "files": len(data)}).Debug("localfs: loaded")
	return nil
}

func (fs *FS) encode() (tree, data []byte, err error) {
	if tree, err = json.Marshal(fs.tree); err != nil {
		return nil, nil, err
	}
	if data, err = json.Marshal(fs.data); err != nil {
		return nil, nil, err
	}
	return tree, data, nil
}

// persistLocked writes both keys back, refusing when the result would
// exceed the quota.
func (fs *FS) persistLocked(ctx context.Context) error {
	tree, data, err := fs.encode()
	if err != nil {
		return common.Wrap("persist", fs.ns, common.ErrInternal, err)
	}
	if err := fs.kv.Set(ctx, fs.treeKey(), tree); err != nil {
		return common.Wrap("persist", fs.treeKey(), common.ErrInternal, err)
	}
	if err := fs.kv.Set(ctx, fs.dataKey(), data); err != nil {
		return common.Wrap("persist", fs.dataKey(), common.ErrInternal, err)
	}
	return nil
}

// begin locks and loads. The returned func unlocks.
func (fs *FS) begin(ctx context.Context) (func(), error) {
	fs.mu.Lock()
	if err := fs.loadLocked(ctx); err != nil {
		fs.mu.Unlock()
		return nil, err
	}
	return fs.mu.Unlock, nil
}

// snapshot captures both maps so a refused mutation can be undone.
type snapshot struct {
	tree map[string][]entry
	data map[string]string
}

func (fs *FS) snapshotLocked() snapshot {
	s := snapshot{tree: make(map[string][]entry, len(fs.tree)), data: make(map[string]string, len(fs.data))}
	for k, v := range fs.tree {
		s.tree[k] = append([]entry(nil), v...)
	}
	for k, v := range fs.data {
		s.data[k] = v
	}
	return s
}

// commitLocked persists, or restores snap when the quota is exceeded or
// the store fails.
func (fs *FS) commitLocked(ctx context.Context, op, path string, snap snapshot) error {
	if fs.quota > 0 && fs.footprintLocked() > fs.quota {
		fs.tree, fs.data = snap.tree, snap.data
		return common.Errorf(common.ErrInternal, op, path, "quota of %d bytes exceeded", fs.quota)
	}
	if err := fs.persistLocked(ctx); err != nil {
		fs.tree, fs.data = snap.tree, snap.data
		return err
	}
	return nil
}

func (fs *FS) footprintLocked() int64 {
	tree, data, err := fs.encode()
	if err != nil {
		return 0
	}
	return int64(len(tree) + len(data))
}

func key(ref common.FileRef) string {
	return common.StripScheme(ref.Path)
}

func (fs *FS) lookupLocked(p string) (entry, bool) {
	if p == "/" {
		return entry{Filename: "", Type: common.TypeDir}, true
	}
	name := common.Basename(p)
	for _, e := range fs.tree[common.Dirname(p)] {
		if e.Filename == name {
			return e, true
		}
	}
	return entry{}, false
}

func (fs *FS) putLocked(p string, e entry) {
	parent := common.Dirname(p)
	children := fs.tree[parent]
	for i := range children {
		if children[i].Filename == e.Filename {
			children[i] = e
			return
		}
	}
	fs.tree[parent] = append(children, e)
}

func (fs *FS) dropLocked(p string) {
	parent := common.Dirname(p)
	name := common.Basename(p)
	children := fs.tree[parent]
	for i := range children {
		if children[i].Filename == name {
			fs.tree[parent] = append(children[:i:i], children[i+1:]...)
			return
		}
	}
}

// removeLocked deletes p and, for a directory, every descendant.
func (fs *FS) removeLocked(p string) {
	for k := range fs.tree {
		if common.Contains(p, k) {
			delete(fs.tree, k)
		}
	}
	for k := range fs.data {
		if common.Contains(p, k) {
			delete(fs.data, k)
		}
	}
	fs.dropLocked(p)
}

func (fs *FS) toRef(scheme, p string, e entry) common.FileRef {
	ref := common.FileRef{
		Path:     common.WithScheme(scheme, p),
		Filename: e.Filename,
		Type:     e.Type,
		Mime:     e.Mime,
		Size:     e.Size,
		ID:       e.ID,
		Ctime:    e.Ctime,
		Mtime:    e.Mtime,
	}
	if ref.Filename == "" {
		ref.Filename = common.Basename(ref.Path)
	}
	return ref
}

// parentDirLocked fails unless the parent of p is an existing directory.
func (fs *FS) parentDirLocked(op string, ref common.FileRef) error {
	parent, ok := fs.lookupLocked(common.Dirname(key(ref)))
	if !ok {
		return common.Errorf(common.ErrNotFound, op, ref.Path, "parent directory does not exist")
	}
	if parent.Type != common.TypeDir {
		return common.Wrap(op, ref.Path, common.ErrNotDir, nil)
	}
	return nil
}

func (fs *FS) Scandir(ctx context.Context, dir common.FileRef) ([]common.FileRef, error) {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p := key(dir)
	e, ok := fs.lookupLocked(p)
	if !ok {
		return nil, transport.NotFound("scandir", dir)
	}
	if e.Type != common.TypeDir {
		return nil, common.Wrap("scandir", dir.Path, common.ErrNotDir, nil)
	}
	scheme := common.SchemeOf(dir.Path)
	children := fs.tree[p]
	out := make([]common.FileRef, 0, len(children))
	for _, c := range children {
		cp, _ := common.Join(p, c.Filename)
		out = append(out, fs.toRef(scheme, cp, c))
	}
	return out, nil
}

func (fs *FS) Read(ctx context.Context, file common.FileRef) ([]byte, error) {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return fs.readLocked(file)
}

func (fs *FS) readLocked(file common.FileRef) ([]byte, error) {
	p := key(file)
	e, ok := fs.lookupLocked(p)
	if !ok {
		return nil, transport.NotFound("read", file)
	}
	if e.Type == common.TypeDir {
		return nil, common.Wrap("read", file.Path, common.ErrIsDir, nil)
	}
	b, err := base64.StdEncoding.DecodeString(fs.data[p])
	if err != nil {
		return nil, common.Wrap("read", file.Path, common.ErrInternal, err)
	}
	return b, nil
}

func (fs *FS) Write(ctx context.Context, file common.FileRef, data []byte) error {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return fs.writeLocked(ctx, file, data)
}

func (fs *FS) writeLocked(ctx context.Context, file common.FileRef, data []byte) error {
	p := key(file)
	if p == "/" {
		return common.Wrap("write", file.Path, common.ErrIsDir, nil)
	}
	if err := fs.parentDirLocked("write", file); err != nil {
		return err
	}
	now := fs.now()
	e, ok := fs.lookupLocked(p)
	if ok && e.Type == common.TypeDir {
		return common.Wrap("write", file.Path, common.ErrIsDir, nil)
	}
	if !ok {
		e = entry{Filename: common.Basename(p), Type: common.TypeFile, ID: uuid.NewString(), Ctime: now}
	}
	e.Mime = file.Mime
	if e.Mime == "" {
		e.Mime = fs.mimes.Lookup(p)
	}
	e.Size = int64(len(data))
	e.Mtime = now

	snap := fs.snapshotLocked()
	fs.putLocked(p, e)
	fs.data[p] = base64.StdEncoding.EncodeToString(data)
	return fs.commitLocked(ctx, "write", file.Path, snap)
}

// Unlink removes ref and, for a directory, all descendants.
func (fs *FS) Unlink(ctx context.Context, ref common.FileRef) error {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	p := key(ref)
	if p == "/" {
		return common.Errorf(common.ErrInvalidArgument, "unlink", ref.Path, "cannot remove the root")
	}
	if _, ok := fs.lookupLocked(p); !ok {
		return transport.NotFound("unlink", ref)
	}
	snap := fs.snapshotLocked()
	fs.removeLocked(p)
	return fs.commitLocked(ctx, "unlink", ref.Path, snap)
}

func (fs *FS) Mkdir(ctx context.Context, dir common.FileRef) error {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	p := key(dir)
	if _, ok := fs.lookupLocked(p); ok {
		return transport.Exists("mkdir", dir)
	}
	if err := fs.parentDirLocked("mkdir", dir); err != nil {
		return err
	}
	now := fs.now()
	snap := fs.snapshotLocked()
	fs.putLocked(p, entry{Filename: common.Basename(p), Type: common.TypeDir, ID: uuid.NewString(), Ctime: now, Mtime: now})
	fs.tree[p] = []entry{}
	return fs.commitLocked(ctx, "mkdir", dir.Path, snap)
}

func (fs *FS) Exists(ctx context.Context, ref common.FileRef) (bool, error) {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	_, ok := fs.lookupLocked(key(ref))
	return ok, nil
}

func (fs *FS) Fileinfo(ctx context.Context, ref common.FileRef) (map[string]any, error) {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p := key(ref)
	e, ok := fs.lookupLocked(p)
	if !ok {
		return nil, transport.NotFound("fileinfo", ref)
	}
	return map[string]any{
		"path":     ref.Path,
		"filename": common.Basename(ref.Path),
		"type":     string(e.Type),
		"mime":     e.Mime,
		"size":     e.Size,
		"id":       e.ID,
		"ctime":    e.Ctime,
		"mtime":    e.Mtime,
	}, nil
}

// URL returns the payload as a data URL; there is nothing to fetch it from.
func (fs *FS) URL(ctx context.Context, file common.FileRef) (string, error) {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	b, err := fs.readLocked(file)
	if err != nil {
		return "", err
	}
	e, _ := fs.lookupLocked(key(file))
	return payload.DataURL(b, e.Mime), nil
}

// Copy duplicates src at dst, recursively for directories. Copies get
// fresh ids.
func (fs *FS) Copy(ctx context.Context, src, dst common.FileRef) error {
	return fs.relocate(ctx, "copy", src, dst, false)
}

// Move is copy followed by unlink inside the transport; ids are kept.
func (fs *FS) Move(ctx context.Context, src, dst common.FileRef) error {
	return fs.relocate(ctx, "move", src, dst, true)
}

func (fs *FS) relocate(ctx context.Context, op string, src, dst common.FileRef, move bool) error {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	sp, dp := key(src), key(dst)
	if sp == "/" || common.Contains(sp, dp) {
		return common.Errorf(common.ErrInvalidArgument, op, dst.Path, "destination is inside source")
	}
	e, ok := fs.lookupLocked(sp)
	if !ok {
		return transport.NotFound(op, src)
	}
	if err := fs.parentDirLocked(op, dst); err != nil {
		return err
	}

	snap := fs.snapshotLocked()
	if _, ok := fs.lookupLocked(dp); ok {
		fs.removeLocked(dp)
	}
	fs.copyLocked(sp, dp, e, !move)
	if move {
		fs.removeLocked(sp)
	}
	return fs.commitLocked(ctx, op, dst.Path, snap)
}

// copyLocked reproduces the entry at sp (and its subtree) at dp.
func (fs *FS) copyLocked(sp, dp string, e entry, freshIDs bool) {
	e.Filename = common.Basename(dp)
	if freshIDs {
		e.ID = uuid.NewString()
		e.Ctime = fs.now()
	}
	fs.putLocked(dp, e)
	if e.Type != common.TypeDir {
		fs.data[dp] = fs.data[sp]
		return
	}
	fs.tree[dp] = []entry{}
	children := append([]entry(nil), fs.tree[sp]...)
	sort.SliceStable(children, func(i, j int) bool { return children[i].Filename < children[j].Filename })
	for _, c := range children {
		csp, _ := common.Join(sp, c.Filename)
		cdp, _ := common.Join(dp, c.Filename)
		fs.copyLocked(csp, cdp, c, freshIDs)
	}
}

// Upload stores blob at file.Path.
func (fs *FS) Upload(ctx context.Context, file common.FileRef, blob *payload.Blob) (common.FileRef, error) {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return common.FileRef{}, err
	}
	defer unlock()

	if file.Mime == "" {
		file.Mime = blob.Mime
	}
	if err := fs.writeLocked(ctx, file, blob.Bytes()); err != nil {
		return common.FileRef{}, err
	}
	e, _ := fs.lookupLocked(key(file))
	return fs.toRef(common.SchemeOf(file.Path), key(file), e), nil
}

// FreeSpace is the quota minus the serialised size of both keys.
func (fs *FS) FreeSpace(ctx context.Context, _ common.FileRef) (int64, error) {
	unlock, err := fs.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if fs.quota < 0 {
		return -1, nil
	}
	free := fs.quota - fs.footprintLocked()
	if free < 0 {
		free = 0
	}
	return free, nil
}
