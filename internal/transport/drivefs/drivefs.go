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

// Package drivefs is a transport for Drive-style cloud storage, where
// objects are addressed by opaque ids and linked to parent folders.
//
// Paths are resolved against a cached snapshot of every object. The
// snapshot is dropped after any successful mutation and after an idle
// interval, so changes made elsewhere become visible eventually.
package drivefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
)

// Name is the registry name of this transport.
const Name = "gdrive"

const (
	DefaultAPIURL    = "https://www.googleapis.com/drive/v2"
	DefaultUploadURL = "https://www.googleapis.com/upload/drive/v2"
	DefaultTokenURL  = "https://oauth2.googleapis.com/token"
	DefaultCacheIdle = 5 * time.Second
	DefaultTimeout   = 30 * time.Second
)

// Options are the mount options of a Drive transport. Either a refresh
// token with client credentials or a bare access token is required.
type Options struct {
	APIURL       string        `yaml:"api_url"`
	UploadURL    string        `yaml:"upload_url"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RefreshToken string        `yaml:"refresh_token"`
	AccessToken  string        `yaml:"access_token"`
	CacheIdle    time.Duration `yaml:"cache_idle"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      uint          `yaml:"retries"`
}

// FS is the Drive transport.
type FS struct {
	api     string
	upload  string
	opts    Options
	base    *http.Client
	retries uint
	idle    time.Duration
	mimes   common.MimeMap
	mount   string
	log     *log.Entry

	mu     sync.Mutex
	client *http.Client
	root   string
	tree   *tree
	gen    uint64
	timer  *time.Timer
}

var (
	_ transport.Transport  = (*FS)(nil)
	_ transport.Mounter    = (*FS)(nil)
	_ transport.Trasher    = (*FS)(nil)
	_ transport.FreeSpacer = (*FS)(nil)
)

// Factory builds a Drive transport from mount options.
func Factory(_ context.Context, env transport.Env, options map[string]any) (transport.Transport, error) {
	var opts Options
	if err := transport.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return New(env, opts, nil)
}

// New creates a Drive transport. base is the HTTP client token and API
// requests go through; nil uses a default one.
func New(env transport.Env, opts Options, base *http.Client) (*FS, error) {
	if opts.AccessToken == "" && (opts.RefreshToken == "" || opts.ClientID == "") {
		return nil, fmt.Errorf("%w: gdrive needs refresh_token and client_id, or access_token", common.ErrInvalidArgument)
	}
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.UploadURL == "" {
		opts.UploadURL = DefaultUploadURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.CacheIdle == 0 {
		opts.CacheIdle = DefaultCacheIdle
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if base == nil {
		base = &http.Client{Timeout: opts.Timeout}
	}
	return &FS{
		api:     strings.TrimSuffix(opts.APIURL, "/"),
		upload:  strings.TrimSuffix(opts.UploadURL, "/"),
		opts:    opts,
		base:    base,
		retries: opts.Retries,
		idle:    opts.CacheIdle,
		mimes:   env.Mimes,
		mount:   env.Mount,
		log:     env.Logger(),
	}, nil
}

func (fs *FS) tokenSource(ctx context.Context) oauth2.TokenSource {
	if fs.opts.RefreshToken == "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: fs.opts.AccessToken, TokenType: "Bearer"})
	}
	cfg := &oauth2.Config{
		ClientID:     fs.opts.ClientID,
		ClientSecret: fs.opts.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: fs.opts.TokenURL},
	}
	return cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  fs.opts.AccessToken,
		RefreshToken: fs.opts.RefreshToken,
	})
}

// Mount obtains a token and resolves the root folder id and quota.
func (fs *FS) Mount(ctx context.Context) error {
	// token refreshes outlive ctx; they use the base client
	tctx := context.WithValue(context.Background(), oauth2.HTTPClient, fs.base)
	ts := fs.tokenSource(tctx)
	if _, err := ts.Token(); err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return common.Wrap("mount", fs.mount, common.ErrPermissionDenied, err)
		}
		return transport.NetError("mount", fs.mount, err)
	}
	client := oauth2.NewClient(tctx, oauth2.ReuseTokenSource(nil, ts))
	client.Timeout = fs.opts.Timeout

	fs.mu.Lock()
	fs.client = client
	fs.mu.Unlock()

	var a about
	if err := fs.jsonCall(ctx, "mount", fs.mount, http.MethodGet, fs.apiURL("/about", nil), nil, &a); err != nil {
		fs.mu.Lock()
		fs.client = nil
		fs.mu.Unlock()
		return err
	}
	if a.RootFolderID == "" {
		return common.Errorf(common.ErrInternal, "mount", fs.mount, "about: no root folder id")
	}
	fs.mu.Lock()
	fs.root = a.RootFolderID
	fs.mu.Unlock()
	fs.log.WithField("root", a.RootFolderID).Info("drivefs: mounted")
	return nil
}

func (fs *FS) Unmount(context.Context) error {
	fs.clearTree()
	fs.mu.Lock()
	fs.client, fs.root = nil, ""
	fs.mu.Unlock()
	return nil
}

func (fs *FS) httpClient(op, path string) (*http.Client, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.client == nil {
		return nil, common.Wrap(op, path, common.ErrNotMounted, nil)
	}
	return fs.client, nil
}

func (fs *FS) rootID() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.root
}

func (fs *FS) toRef(dir string, f *File) common.FileRef {
	p, _ := common.Join(dir, f.Title)
	ref := common.FileRef{
		Path:     p,
		Filename: f.Title,
		Type:     common.TypeFile,
		Mime:     f.MimeType,
		Size:     f.FileSize,
		ID:       f.ID,
	}
	switch {
	case f.Labels.Trashed:
		ref.Type = common.TypeTrash
	case f.isFolder():
		ref.Type, ref.Mime, ref.Size = common.TypeDir, "", 0
	}
	if t, err := time.Parse(time.RFC3339, f.CreatedDate); err == nil {
		ref.Ctime = t
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedDate); err == nil {
		ref.Mtime = t
	}
	return ref
}

func (fs *FS) Scandir(ctx context.Context, dir common.FileRef) ([]common.FileRef, error) {
	d, t, err := fs.resolve(ctx, "scandir", dir)
	if err != nil {
		return nil, err
	}
	if !d.isFolder() {
		return nil, common.Wrap("scandir", dir.Path, common.ErrNotDir, nil)
	}
	children := t.children[d.ID]
	out := make([]common.FileRef, 0, len(children))
	for _, f := range children {
		if f.Title == "" || strings.Contains(f.Title, "/") {
			continue
		}
		out = append(out, fs.toRef(dir.Path, f))
	}
	return out, nil
}

func (fs *FS) Read(ctx context.Context, file common.FileRef) ([]byte, error) {
	f, _, err := fs.resolve(ctx, "read", file)
	if err != nil {
		return nil, err
	}
	if f.isFolder() {
		return nil, common.Wrap("read", file.Path, common.ErrIsDir, nil)
	}
	var data []byte
	err = fs.request(ctx, "read", file.Path, http.MethodGet, fs.apiURL("/files/"+url.PathEscape(f.ID), url.Values{"alt": {"media"}}), nil, "", &data)
	return data, err
}

// Write updates the object at file.Path in place when one exists and
// inserts a new one otherwise.
func (fs *FS) Write(ctx context.Context, file common.FileRef, data []byte) error {
	_, err := fs.put(ctx, "write", file, data, file.Mime)
	return err
}

func (fs *FS) put(ctx context.Context, op string, file common.FileRef, data []byte, mime string) (*File, error) {
	if mime == "" {
		mime = fs.mimes.Lookup(file.Path)
	}
	file.Type = common.TypeFile
	existing, _, err := fs.resolve(ctx, op, file)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.isFolder() {
		existing = nil
	}

	meta := File{Title: common.Basename(file.Path), MimeType: mime}
	method, target := http.MethodPost, fs.upload+"/files?uploadType=multipart"
	if existing != nil {
		method, target = http.MethodPut, fs.upload+"/files/"+url.PathEscape(existing.ID)+"?uploadType=multipart"
	} else {
		parent, err := fs.resolveParent(ctx, op, file)
		if err != nil {
			return nil, err
		}
		meta.Parents = []ParentRef{{ID: parent.ID}}
	}

	body, ctype, err := multipartBody(meta, data, mime)
	if err != nil {
		return nil, common.Wrap(op, file.Path, common.ErrPayloadConversion, err)
	}
	var out File
	if err := fs.request(ctx, op, file.Path, method, target, body, ctype, &out); err != nil {
		return nil, err
	}
	fs.clearTree()
	return &out, nil
}

// Unlink deletes the object. Drive removes folder contents with it.
func (fs *FS) Unlink(ctx context.Context, ref common.FileRef) error {
	f, _, err := fs.resolve(ctx, "unlink", ref)
	if err != nil {
		return err
	}
	if err := fs.jsonCall(ctx, "unlink", ref.Path, http.MethodDelete, fs.apiURL("/files/"+url.PathEscape(f.ID), nil), nil, nil); err != nil {
		return err
	}
	fs.clearTree()
	return nil
}

func (fs *FS) Mkdir(ctx context.Context, dir common.FileRef) error {
	dir.Type = common.TypeDir
	if f, _, err := fs.resolve(ctx, "mkdir", dir); err == nil && f.isFolder() && !f.Labels.Trashed {
		return transport.Exists("mkdir", dir)
	}
	if _, err := fs.mkdir(ctx, dir); err != nil {
		return err
	}
	fs.clearTree()
	return nil
}

func (fs *FS) mkdir(ctx context.Context, dir common.FileRef) (*File, error) {
	parent, err := fs.resolveParent(ctx, "mkdir", dir)
	if err != nil {
		return nil, err
	}
	meta := File{
		Title:    common.Basename(dir.Path),
		MimeType: FolderMime,
		Parents:  []ParentRef{{ID: parent.ID}},
	}
	var out File
	if err := fs.jsonCall(ctx, "mkdir", dir.Path, http.MethodPost, fs.apiURL("/files", nil), meta, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (fs *FS) Exists(ctx context.Context, ref common.FileRef) (bool, error) {
	if common.IsRoot(ref.Path) {
		return true, nil
	}
	f, _, err := fs.resolve(ctx, "exists", ref)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !f.Labels.Trashed || ref.Type == common.TypeTrash, nil
}

func (fs *FS) Fileinfo(ctx context.Context, ref common.FileRef) (map[string]any, error) {
	f, _, err := fs.resolve(ctx, "fileinfo", ref)
	if err != nil {
		return nil, err
	}
	info := map[string]any{
		"path":     ref.Path,
		"filename": f.Title,
		"id":       f.ID,
		"mime":     f.MimeType,
		"trashed":  f.Labels.Trashed,
	}
	if !f.isFolder() {
		info["size"] = f.FileSize
	}
	if f.ModifiedDate != "" {
		info["mtime"] = f.ModifiedDate
	}
	if f.WebContentLink != "" {
		info["url"] = f.WebContentLink
	}
	return info, nil
}

// URL returns the object's download link, "" when Drive gives none.
func (fs *FS) URL(ctx context.Context, file common.FileRef) (string, error) {
	f, _, err := fs.resolve(ctx, "url", file)
	if err != nil {
		return "", err
	}
	return f.WebContentLink, nil
}

// Copy copies natively. Drive cannot copy folders, so a folder is
// recreated and its children copied one by one.
func (fs *FS) Copy(ctx context.Context, src, dst common.FileRef) error {
	f, t, err := fs.resolve(ctx, "copy", src)
	if err != nil {
		return err
	}
	parent, err := fs.resolveParent(ctx, "copy", dst)
	if err != nil {
		return err
	}
	defer fs.clearTree()
	if err := fs.displace(ctx, "copy", f, dst); err != nil {
		return err
	}
	return fs.copyObject(ctx, t, f, parent.ID, dst)
}

// displace deletes the live object at dst so a copy or move over it
// replaces it. Titles are not unique in Drive, so without this the folder
// would end up holding both objects.
func (fs *FS) displace(ctx context.Context, op string, src *File, dst common.FileRef) error {
	old, _, err := fs.resolve(ctx, op, dst)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if old.ID == src.ID || old.ID == fs.rootID() || old.Labels.Trashed {
		return nil
	}
	if err := fs.jsonCall(ctx, op, dst.Path, http.MethodDelete, fs.apiURL("/files/"+url.PathEscape(old.ID), nil), nil, nil); err != nil {
		return err
	}
	fs.clearTree()
	return nil
}

func (fs *FS) copyObject(ctx context.Context, t *tree, f *File, parentID string, dst common.FileRef) error {
	if !f.isFolder() {
		body := File{Title: common.Basename(dst.Path), Parents: []ParentRef{{ID: parentID}}}
		return fs.jsonCall(ctx, "copy", dst.Path, http.MethodPost, fs.apiURL("/files/"+url.PathEscape(f.ID)+"/copy", nil), body, nil)
	}

	var folder File
	meta := File{Title: common.Basename(dst.Path), MimeType: FolderMime, Parents: []ParentRef{{ID: parentID}}}
	if err := fs.jsonCall(ctx, "copy", dst.Path, http.MethodPost, fs.apiURL("/files", nil), meta, &folder); err != nil {
		return err
	}
	for _, child := range t.children[f.ID] {
		if child.Labels.Trashed {
			continue
		}
		target, err := common.Join(dst.Path, child.Title)
		if err != nil {
			return common.Wrap("copy", dst.Path, nil, err)
		}
		if err := fs.copyObject(ctx, t, child, folder.ID, common.FileRef{Path: target}); err != nil {
			return err
		}
	}
	return nil
}

// Move reparents the object and renames it when the name changes.
func (fs *FS) Move(ctx context.Context, src, dst common.FileRef) error {
	f, _, err := fs.resolve(ctx, "move", src)
	if err != nil {
		return err
	}
	oldParent, err := fs.resolveParent(ctx, "move", src)
	if err != nil {
		return err
	}
	newParent, err := fs.resolveParent(ctx, "move", dst)
	if err != nil {
		return err
	}
	if err := fs.displace(ctx, "move", f, dst); err != nil {
		return err
	}

	q := url.Values{}
	if oldParent.ID != newParent.ID {
		q.Set("addParents", newParent.ID)
		q.Set("removeParents", oldParent.ID)
	}
	var patch File
	if name := common.Basename(dst.Path); name != f.Title {
		patch.Title = name
	}
	if err := fs.jsonCall(ctx, "move", src.Path, http.MethodPatch, fs.apiURL("/files/"+url.PathEscape(f.ID), q), patch, nil); err != nil {
		return err
	}
	fs.clearTree()
	return nil
}

func (fs *FS) Upload(ctx context.Context, file common.FileRef, blob *payload.Blob) (common.FileRef, error) {
	mime := file.Mime
	if mime == "" {
		mime = blob.Mime
	}
	out, err := fs.put(ctx, "upload", file, blob.Bytes(), mime)
	if err != nil {
		return common.FileRef{}, err
	}
	ref := fs.toRef(common.Dirname(file.Path), out)
	ref.Path = file.Path
	if ref.Size == 0 {
		ref.Size = blob.Size()
	}
	return ref, nil
}

func (fs *FS) Trash(ctx context.Context, ref common.FileRef) error {
	return fs.label(ctx, "trash", ref)
}

func (fs *FS) Untrash(ctx context.Context, ref common.FileRef) error {
	ref.Type = common.TypeTrash
	return fs.label(ctx, "untrash", ref)
}

func (fs *FS) label(ctx context.Context, verb string, ref common.FileRef) error {
	f, _, err := fs.resolve(ctx, verb, ref)
	if err != nil {
		return err
	}
	if err := fs.jsonCall(ctx, verb, ref.Path, http.MethodPost, fs.apiURL("/files/"+url.PathEscape(f.ID)+"/"+verb, nil), nil, nil); err != nil {
		return err
	}
	fs.clearTree()
	return nil
}

func (fs *FS) EmptyTrash(ctx context.Context) error {
	if err := fs.jsonCall(ctx, "emptyTrash", fs.mount, http.MethodDelete, fs.apiURL("/files/trash", nil), nil, nil); err != nil {
		return err
	}
	fs.clearTree()
	return nil
}

// FreeSpace asks for the current quota. -1 when the account is unlimited.
func (fs *FS) FreeSpace(ctx context.Context, root common.FileRef) (int64, error) {
	var a about
	if err := fs.jsonCall(ctx, "freeSpace", root.Path, http.MethodGet, fs.apiURL("/about", nil), nil, &a); err != nil {
		return 0, err
	}
	if a.QuotaBytesTotal <= 0 {
		return -1, nil
	}
	return max(a.QuotaBytesTotal-a.QuotaBytesUsed, 0), nil
}
