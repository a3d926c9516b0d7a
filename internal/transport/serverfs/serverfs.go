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

// Package serverfs is the transport that talks to a deskvfs daemon over
// its RPC endpoint. It keeps no state between calls; files are addressed
// by path below a remote root.
package serverfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/rpc"
	"deskvfs/internal/transport"
)

// Name is the registry name of this transport.
const Name = "server"

const (
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 3
	sessionTTL     = 24 * time.Hour
)

// Options are the mount options of a server transport.
type Options struct {
	URL string `yaml:"url"`
	// Root is the remote directory the mount root maps to, e.g. "home:///".
	Root string `yaml:"root"`
	// Token is a bearer token. Without one, Secret is used to sign a
	// session token at mount.
	Token   string        `yaml:"token"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Retries uint          `yaml:"retries"`
}

// FS is the server transport.
type FS struct {
	base    string
	root    string
	secret  string
	client  *http.Client
	retries uint
	log     *log.Entry

	mu    sync.RWMutex
	token string
}

var (
	_ transport.Transport  = (*FS)(nil)
	_ transport.Trasher    = (*FS)(nil)
	_ transport.FreeSpacer = (*FS)(nil)
	_ transport.Finder     = (*FS)(nil)
	_ transport.Mounter    = (*FS)(nil)
)

// Factory builds a server transport from mount options.
func Factory(_ context.Context, env transport.Env, options map[string]any) (transport.Transport, error) {
	var opts Options
	if err := transport.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return New(env, opts, nil)
}

// New creates a server transport. client may be nil.
func New(env transport.Env, opts Options, client *http.Client) (*FS, error) {
	u, err := url.Parse(strings.TrimSuffix(opts.URL, "/"))
	if opts.URL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: server url %q", common.ErrInvalidArgument, opts.URL)
	}
	root, err := common.Normalize(opts.Root)
	if err != nil || common.SchemeOf(root) == "" {
		return nil, fmt.Errorf("%w: server root %q needs a scheme", common.ErrInvalidArgument, opts.Root)
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &FS{
		base:    u.String(),
		root:    root,
		secret:  opts.Secret,
		token:   opts.Token,
		client:  client,
		retries: opts.Retries,
		log:     env.Logger(),
	}, nil
}

// Mount signs a session token when configured with a secret and checks
// that the remote root is reachable.
func (fs *FS) Mount(ctx context.Context) error {
	if fs.secret != "" && fs.currentToken() == "" {
		token, err := rpc.NewAuth(fs.secret).Sign("serverfs", "", sessionTTL)
		if err != nil {
			return common.Wrap("mount", fs.root, common.ErrInternal, err)
		}
		fs.mu.Lock()
		fs.token = token
		fs.mu.Unlock()
	}
	var ok bool
	if err := fs.call(ctx, rpc.VerbExists, fs.root, rpc.Request{Path: fs.root, Type: common.TypeDir}, &ok); err != nil {
		return err
	}
	if !ok {
		return common.Errorf(common.ErrNotFound, "mount", fs.root, "remote root does not exist")
	}
	fs.log.WithField("url", fs.base).Debug("serverfs: connected")
	return nil
}

func (fs *FS) Unmount(context.Context) error { return nil }

func (fs *FS) currentToken() string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.token
}

// remote maps a mount path to the server's namespace.
func (fs *FS) remote(p string) string {
	scheme := common.SchemeOf(p)
	if r, ok := common.Rebase(p, scheme+":///", fs.root); ok {
		return r
	}
	return fs.root
}

// local maps a server path back under scheme.
func (fs *FS) local(scheme, rp string) (string, bool) {
	return common.Rebase(rp, fs.root, scheme+":///")
}

func (fs *FS) localRefs(scheme string, refs []common.FileRef) []common.FileRef {
	out := make([]common.FileRef, 0, len(refs))
	for _, r := range refs {
		if p, ok := fs.local(scheme, r.Path); ok {
			out = append(out, r.WithPath(p))
		}
	}
	return out
}

func (fs *FS) authorize(req *http.Request) {
	if token := fs.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// readOnly are the verbs that change nothing on the far side and may be
// sent again after a failure.
var readOnly = map[string]bool{
	rpc.VerbScandir:   true,
	rpc.VerbExists:    true,
	rpc.VerbFileinfo:  true,
	rpc.VerbURL:       true,
	rpc.VerbFind:      true,
	rpc.VerbFreeSpace: true,
	rpc.VerbMounts:    true,
}

// call performs one JSON verb. path is the local path errors are reported
// against; out receives the result.
func (fs *FS) call(ctx context.Context, verb, path string, body rpc.Request, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return common.Wrap(verb, path, common.ErrInvalidArgument, err)
	}
	var key string
	if readOnly[verb] {
		key = uuid.NewString()
	}
	resp, err := transport.DoHTTP(ctx, fs.client, fs.retries, verb, path, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fs.base+"/vfs/"+verb, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set(transport.IdempotencyKey, key)
		}
		fs.authorize(req)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return fs.decode(verb, path, resp, out)
}

func (fs *FS) decode(verb, path string, resp *http.Response, out any) error {
	var r rpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		if resp.StatusCode != http.StatusOK {
			return transport.StatusError(verb, path, resp.StatusCode, "", "")
		}
		return common.Wrap(verb, path, common.ErrInternal, fmt.Errorf("bad reply: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		err := r.Err(verb, path, resp.StatusCode)
		var pce *common.PartialCopyError
		if errors.As(err, &pce) {
			scheme := common.SchemeOf(path)
			for i, f := range pce.Failed {
				if p, ok := fs.local(scheme, f); ok {
					pce.Failed[i] = p
				}
			}
		}
		return err
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return common.Wrap(verb, path, common.ErrInternal, fmt.Errorf("bad result: %w", err))
	}
	return nil
}

func (fs *FS) Scandir(ctx context.Context, dir common.FileRef) ([]common.FileRef, error) {
	var list []common.FileRef
	if err := fs.call(ctx, rpc.VerbScandir, dir.Path, rpc.Request{Path: fs.remote(dir.Path), Type: common.TypeDir}, &list); err != nil {
		return nil, err
	}
	return fs.localRefs(common.SchemeOf(dir.Path), list), nil
}

func (fs *FS) Read(ctx context.Context, file common.FileRef) ([]byte, error) {
	target := fs.base + "/vfs/read?" + url.Values{"path": {fs.remote(file.Path)}}.Encode()
	resp, err := transport.DoHTTP(ctx, fs.client, fs.retries, rpc.VerbRead, file.Path, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		fs.authorize(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fs.decode(rpc.VerbRead, file.Path, resp, nil)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.NetError(rpc.VerbRead, file.Path, err)
	}
	return b, nil
}

func (fs *FS) Write(ctx context.Context, file common.FileRef, data []byte) error {
	return fs.call(ctx, rpc.VerbWrite, file.Path, rpc.Request{
		Path:    fs.remote(file.Path),
		Type:    common.TypeFile,
		Mime:    file.Mime,
		Data:    data,
		Options: rpc.Options{Overwrite: true},
	}, nil)
}

func (fs *FS) Unlink(ctx context.Context, ref common.FileRef) error {
	return fs.call(ctx, rpc.VerbUnlink, ref.Path, rpc.Request{Path: fs.remote(ref.Path), Type: ref.Type}, nil)
}

func (fs *FS) Mkdir(ctx context.Context, dir common.FileRef) error {
	return fs.call(ctx, rpc.VerbMkdir, dir.Path, rpc.Request{Path: fs.remote(dir.Path), Type: common.TypeDir}, nil)
}

func (fs *FS) Exists(ctx context.Context, ref common.FileRef) (bool, error) {
	var ok bool
	err := fs.call(ctx, rpc.VerbExists, ref.Path, rpc.Request{Path: fs.remote(ref.Path), Type: ref.Type}, &ok)
	return ok, err
}

func (fs *FS) Fileinfo(ctx context.Context, ref common.FileRef) (map[string]any, error) {
	var info map[string]any
	if err := fs.call(ctx, rpc.VerbFileinfo, ref.Path, rpc.Request{Path: fs.remote(ref.Path), Type: ref.Type}, &info); err != nil {
		return nil, err
	}
	if info == nil {
		info = map[string]any{}
	}
	info["path"] = ref.Path
	return info, nil
}

// URL asks the server for a read URL of the file, signed when the server
// enforces authentication.
func (fs *FS) URL(ctx context.Context, file common.FileRef) (string, error) {
	var rel string
	if err := fs.call(ctx, rpc.VerbURL, file.Path, rpc.Request{Path: fs.remote(file.Path)}, &rel); err != nil {
		return "", err
	}
	if rel == "" {
		return "", nil
	}
	return fs.base + rel, nil
}

func (fs *FS) Copy(ctx context.Context, src, dst common.FileRef) error {
	return fs.call(ctx, rpc.VerbCopy, src.Path, rpc.Request{
		Src:     fs.remote(src.Path),
		Dst:     fs.remote(dst.Path),
		Type:    src.Type,
		Mime:    src.Mime,
		Options: rpc.Options{Overwrite: true},
	}, nil)
}

func (fs *FS) Move(ctx context.Context, src, dst common.FileRef) error {
	return fs.call(ctx, rpc.VerbMove, src.Path, rpc.Request{
		Src:     fs.remote(src.Path),
		Dst:     fs.remote(dst.Path),
		Type:    src.Type,
		Mime:    src.Mime,
		Options: rpc.Options{Overwrite: true},
	}, nil)
}

// Upload posts blob as multipart form data.
func (fs *FS) Upload(ctx context.Context, file common.FileRef, blob *payload.Blob) (common.FileRef, error) {
	mime := file.Mime
	if mime == "" {
		mime = blob.Mime
	}
	if mime == "" {
		mime = common.DefaultMime
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, kv := range [][2]string{{"path", fs.remote(file.Path)}, {"overwrite", "true"}} {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return common.FileRef{}, common.Wrap(rpc.VerbUpload, file.Path, common.ErrInternal, err)
		}
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="upload"; filename=%q`, common.Basename(file.Path)))
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		return common.FileRef{}, common.Wrap(rpc.VerbUpload, file.Path, common.ErrInternal, err)
	}
	if _, err := part.Write(blob.Bytes()); err != nil {
		return common.FileRef{}, common.Wrap(rpc.VerbUpload, file.Path, common.ErrInternal, err)
	}
	if err := mw.Close(); err != nil {
		return common.FileRef{}, common.Wrap(rpc.VerbUpload, file.Path, common.ErrInternal, err)
	}
	raw := body.Bytes()

	resp, err := transport.DoHTTP(ctx, fs.client, fs.retries, rpc.VerbUpload, file.Path, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fs.base+"/vfs/upload", bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		fs.authorize(req)
		return req, nil
	})
	if err != nil {
		return common.FileRef{}, err
	}
	defer resp.Body.Close()

	var out common.FileRef
	if err := fs.decode(rpc.VerbUpload, file.Path, resp, &out); err != nil {
		return common.FileRef{}, err
	}
	if p, ok := fs.local(common.SchemeOf(file.Path), out.Path); ok {
		return out.WithPath(p), nil
	}
	return file, nil
}

func (fs *FS) Find(ctx context.Context, root common.FileRef, q transport.FindQuery) ([]common.FileRef, error) {
	var found []common.FileRef
	err := fs.call(ctx, rpc.VerbFind, root.Path, rpc.Request{
		Path: fs.remote(root.Path),
		Type: common.TypeDir,
		Options: rpc.Options{
			Query:   q.Query,
			Mime:    q.Mime,
			Depth:   q.Depth,
			Limit:   q.Limit,
			Exclude: q.Exclude,
			Walk:    true,
		},
	}, &found)
	if err != nil {
		return nil, err
	}
	return fs.localRefs(common.SchemeOf(root.Path), found), nil
}

func (fs *FS) Trash(ctx context.Context, ref common.FileRef) error {
	return fs.call(ctx, rpc.VerbTrash, ref.Path, rpc.Request{Path: fs.remote(ref.Path), Type: ref.Type}, nil)
}

func (fs *FS) Untrash(ctx context.Context, ref common.FileRef) error {
	return fs.call(ctx, rpc.VerbUntrash, ref.Path, rpc.Request{Path: fs.remote(ref.Path), Type: ref.Type}, nil)
}

func (fs *FS) EmptyTrash(ctx context.Context) error {
	return fs.call(ctx, rpc.VerbEmptyTrash, fs.root, rpc.Request{Path: fs.root, Type: common.TypeDir}, nil)
}

func (fs *FS) FreeSpace(ctx context.Context, root common.FileRef) (int64, error) {
	var n int64
	err := fs.call(ctx, rpc.VerbFreeSpace, root.Path, rpc.Request{Path: fs.remote(root.Path), Type: common.TypeDir}, &n)
	return n, err
}
