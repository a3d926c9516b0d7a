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

// Package httpfs is a read-only transport over plain HTTP. Each directory
// carries a manifest ("_scandir.json") listing its entries; files are
// fetched with GET and checked with HEAD.
package httpfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"deskvfs/internal/cache"
	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
)

// Name is the registry name of this transport.
const Name = "http"

const (
	DefaultManifest = "_scandir.json"
	DefaultCacheTTL = 10 * time.Second
	DefaultTimeout  = 30 * time.Second

	// Bodies larger than this are never kept in the payload cache.
	maxCachedPayload = 1 << 20
)

// Options are the mount options of an HTTP transport.
type Options struct {
	// URL is the base the path portion of a virtual path is appended to.
	URL      string        `yaml:"url"`
	Manifest string        `yaml:"manifest"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  uint          `yaml:"retries"`
}

// ManifestEntry is one element of a directory manifest.
type ManifestEntry struct {
	Filename string          `json:"filename"`
	Type     common.FileType `json:"type"`
	Mime     string          `json:"mime,omitempty"`
	Size     int64           `json:"size"`
}

// FS is the HTTP transport.
type FS struct {
	base     *url.URL
	manifest string
	client   *http.Client
	retries  uint
	listings *cache.ListingCache
	payloads *cache.PayloadCache
	log      *log.Entry
}

var (
	_ transport.Transport       = (*FS)(nil)
	_ transport.Invalidator     = (*FS)(nil)
	_ transport.ReadOnlyBackend = (*FS)(nil)
)

// Factory builds an HTTP transport from mount options.
func Factory(_ context.Context, env transport.Env, options map[string]any) (transport.Transport, error) {
	var opts Options
	if err := transport.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return New(env, opts, nil)
}

// New creates an HTTP transport. client may be nil.
func New(env transport.Env, opts Options, client *http.Client) (*FS, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: http transport needs a url", common.ErrInvalidArgument)
	}
	base, err := url.Parse(strings.TrimSuffix(opts.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: http url %q", common.ErrInvalidArgument, opts.URL)
	}
	if opts.Manifest == "" {
		opts.Manifest = DefaultManifest
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &FS{
		base:     base,
		manifest: opts.Manifest,
		client:   client,
		retries:  opts.Retries,
		listings: cache.NewListingCache(opts.CacheTTL, 1024),
		payloads: cache.NewPayloadCache(opts.CacheTTL, 64),
		log:      env.Logger(),
	}, nil
}

// urlFor appends the escaped path portion of p to the base URL.
func (fs *FS) urlFor(p string, extra ...string) string {
	u := *fs.base
	segs := append(common.SplitPath(p), extra...)
	u.Path = fs.base.Path + "/" + strings.Join(segs, "/")
	u.RawPath = ""
	return u.String()
}

func (fs *FS) do(ctx context.Context, method, op, path, target string) (*http.Response, error) {
	return transport.DoHTTP(ctx, fs.client, fs.retries, op, path, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, method, target, nil)
	})
}

// Scandir fetches and decodes the directory manifest. Listings are cached
// for the configured TTL.
func (fs *FS) Scandir(ctx context.Context, dir common.FileRef) ([]common.FileRef, error) {
	if cached, _, ok := fs.listings.Get(dir.Path); ok {
		return append([]common.FileRef(nil), cached...), nil
	}

	resp, err := fs.do(ctx, http.MethodGet, "scandir", dir.Path, fs.urlFor(dir.Path, fs.manifest))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transport.StatusError("scandir", dir.Path, resp.StatusCode, "", transport.Snippet(resp.Body))
	}

	var entries []ManifestEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, common.Wrap("scandir", dir.Path, common.ErrInternal, fmt.Errorf("bad manifest: %w", err))
	}
	out := make([]common.FileRef, 0, len(entries))
	for _, e := range entries {
		if e.Filename == "" || e.Filename == common.Backlink || strings.Contains(e.Filename, "/") {
			continue
		}
		p, err := common.Join(dir.Path, e.Filename)
		if err != nil {
			continue
		}
		typ := e.Type
		if typ == "" {
			typ = common.TypeFile
		}
		ref := common.FileRef{Path: p, Filename: e.Filename, Type: typ, Mime: e.Mime, Size: e.Size}
		if ref.IsDir() {
			ref.Mime, ref.Size = "", 0
		}
		out = append(out, ref)
	}
	fs.listings.Set(dir.Path, out)
	fs.log.WithFields(log.Fields{"dir": dir.Path, "entries": len(out)}).Debug("httpfs: fetched manifest")
	return append([]common.FileRef(nil), out...), nil
}

// Read fetches the file body. Small bodies are cached like listings.
func (fs *FS) Read(ctx context.Context, file common.FileRef) ([]byte, error) {
	if cached, _, ok := fs.payloads.Get(file.Path); ok {
		return append([]byte(nil), cached...), nil
	}
	resp, err := fs.do(ctx, http.MethodGet, "read", file.Path, fs.urlFor(file.Path))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transport.StatusError("read", file.Path, resp.StatusCode, "", transport.Snippet(resp.Body))
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.NetError("read", file.Path, err)
	}
	if len(b) <= maxCachedPayload {
		fs.payloads.Set(file.Path, append([]byte(nil), b...))
	}
	return b, nil
}

func (fs *FS) head(ctx context.Context, op string, ref common.FileRef) (*http.Response, error) {
	target := fs.urlFor(ref.Path)
	if ref.IsDir() {
		target = fs.urlFor(ref.Path, fs.manifest)
	}
	resp, err := fs.do(ctx, http.MethodHead, op, ref.Path, target)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

// Exists checks with HEAD. Directories are checked through their manifest.
func (fs *FS) Exists(ctx context.Context, ref common.FileRef) (bool, error) {
	if common.IsRoot(ref.Path) {
		return true, nil
	}
	resp, err := fs.head(ctx, "exists", ref)
	if err != nil {
		return false, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	}
	return false, transport.StatusError("exists", ref.Path, resp.StatusCode, "", "")
}

func (fs *FS) Fileinfo(ctx context.Context, ref common.FileRef) (map[string]any, error) {
	resp, err := fs.head(ctx, "fileinfo", ref)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, transport.StatusError("fileinfo", ref.Path, resp.StatusCode, "", "")
	}
	info := map[string]any{
		"path":     ref.Path,
		"filename": common.Basename(ref.Path),
		"url":      fs.urlFor(ref.Path),
		"mime":     resp.Header.Get("Content-Type"),
	}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && !ref.IsDir() {
		info["size"] = n
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info["mtime"] = t
		}
	}
	if et := resp.Header.Get("ETag"); et != "" {
		info["etag"] = et
	}
	return info, nil
}

// ReadOnlyBackend forces mounts of this transport read-only.
func (fs *FS) ReadOnlyBackend() bool { return true }

// URL is the public address of the file.
func (fs *FS) URL(_ context.Context, file common.FileRef) (string, error) {
	return fs.urlFor(file.Path), nil
}

// Invalidate drops the cached listings of path and its parent, and any
// cached body under path.
func (fs *FS) Invalidate(path string) {
	fs.listings.InvalidatePathAndParent(path)
	fs.payloads.InvalidateTree(path)
}

func (fs *FS) Write(_ context.Context, file common.FileRef, _ []byte) error {
	return transport.ReadOnly("write", file)
}

func (fs *FS) Unlink(_ context.Context, ref common.FileRef) error {
	return transport.ReadOnly("unlink", ref)
}

func (fs *FS) Mkdir(_ context.Context, dir common.FileRef) error {
	return transport.ReadOnly("mkdir", dir)
}

func (fs *FS) Copy(_ context.Context, _, dst common.FileRef) error {
	return transport.ReadOnly("copy", dst)
}

func (fs *FS) Move(_ context.Context, _, dst common.FileRef) error {
	return transport.ReadOnly("move", dst)
}

func (fs *FS) Upload(_ context.Context, file common.FileRef, _ *payload.Blob) (common.FileRef, error) {
	return common.FileRef{}, transport.ReadOnly("upload", file)
}
