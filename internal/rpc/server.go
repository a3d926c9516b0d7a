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

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"deskvfs/internal/common"
	"deskvfs/internal/metrics"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
	"deskvfs/internal/vfs"
)

const (
	// MaxRequestBytes bounds JSON and multipart bodies.
	MaxRequestBytes = 64 << 20
	// DefaultURLTTL is the lifetime of signed read URLs.
	DefaultURLTTL = 15 * time.Minute
)

// Server adapts the facade to the RPC protocol. It adds no semantics of
// its own: every verb is one facade call and errors travel as codes.
type Server struct {
	vfs    *vfs.VFS
	auth   *Auth
	urlTTL time.Duration
}

// NewServer creates a server over v. auth may be nil.
func NewServer(v *vfs.VFS, auth *Auth) *Server {
	return &Server{vfs: v, auth: auth, urlTTL: DefaultURLTTL}
}

// Handler returns the routes: /vfs/* behind auth, plus /healthz and
// /metrics.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /vfs/read", s.handleRead)
	api.HandleFunc("POST /vfs/upload", s.handleUpload)
	api.HandleFunc("POST /vfs/{verb}", s.handleVerb)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", metrics.Middleware("/healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/vfs/", metrics.Middleware("/vfs", s.auth.Middleware(api)))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mounts": len(s.vfs.Mounts().All())})
}

func (s *Server) handleVerb(w http.ResponseWriter, r *http.Request) {
	verb := r.PathValue("verb")
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&req); err != nil {
		s.fail(w, verb, "", common.Errorf(common.ErrInvalidArgument, verb, "", "bad request body: %v", err))
		return
	}

	res, err := s.dispatch(r.Context(), verb, req)
	if err != nil {
		path := req.Path
		if path == "" {
			path = req.Src
		}
		s.fail(w, verb, path, err)
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		s.fail(w, verb, req.Path, common.Wrap(verb, req.Path, common.ErrInternal, err))
		return
	}
	writeJSON(w, http.StatusOK, Response{Result: raw})
}

func (s *Server) dispatch(ctx context.Context, verb string, req Request) (any, error) {
	ref := common.FileRef{Path: req.Path, Type: req.Type, Mime: req.Mime}
	wo := vfs.WriteOptions{Overwrite: req.Options.Overwrite}

	switch verb {
	case VerbScandir:
		list, err := s.vfs.Scandir(ctx, ref, vfs.ScandirOptions{NoBacklink: true})
		if list == nil {
			list = []common.FileRef{}
		}
		return list, err
	case VerbWrite:
		return s.vfs.Write(ctx, ref, payload.FromBytes(req.Data, req.Mime), wo)
	case VerbUnlink:
		return true, s.vfs.Unlink(ctx, ref)
	case VerbMkdir:
		return true, s.vfs.Mkdir(ctx, ref, vfs.MkdirOptions{Overwrite: req.Options.Overwrite})
	case VerbExists:
		return s.vfs.Exists(ctx, ref)
	case VerbFileinfo:
		return s.vfs.Fileinfo(ctx, ref)
	case VerbURL:
		return s.readURL(ref)
	case VerbCopy:
		src := common.FileRef{Path: req.Src, Type: req.Type, Mime: req.Mime}
		return true, s.vfs.Copy(ctx, src, common.FileRef{Path: req.Dst}, wo)
	case VerbMove:
		src := common.FileRef{Path: req.Src, Type: req.Type, Mime: req.Mime}
		return true, s.vfs.Move(ctx, src, common.FileRef{Path: req.Dst}, wo)
	case VerbFind:
		found, err := s.vfs.Find(ctx, ref, transport.FindQuery{
			Query:   req.Options.Query,
			Mime:    req.Options.Mime,
			Depth:   req.Options.Depth,
			Limit:   req.Options.Limit,
			Exclude: req.Options.Exclude,
			Walk:    req.Options.Walk,
		})
		if found == nil {
			found = []common.FileRef{}
		}
		return found, err
	case VerbTrash:
		return true, s.vfs.Trash(ctx, ref)
	case VerbUntrash:
		return true, s.vfs.Untrash(ctx, ref)
	case VerbEmptyTrash:
		return true, s.vfs.EmptyTrash(ctx, ref)
	case VerbFreeSpace:
		return s.vfs.FreeSpace(ctx, ref)
	case VerbMounts:
		return s.mounts(), nil
	}
	return nil, common.Errorf(common.ErrUnsupported, verb, req.Path, "unknown verb %q", verb)
}

// readURL returns the relative read URL of ref, signed with a token scoped
// to that path when authentication is on.
func (s *Server) readURL(ref common.FileRef) (string, error) {
	n, err := common.Normalize(ref.Path)
	if err != nil {
		return "", common.Wrap(VerbURL, ref.Path, nil, err)
	}
	if _, err := s.vfs.Resolve(n); err != nil {
		return "", err
	}
	q := url.Values{"path": {n}}
	if s.auth != nil {
		token, err := s.auth.Sign("url", n, s.urlTTL)
		if err != nil {
			return "", common.Wrap(VerbURL, n, common.ErrInternal, err)
		}
		q.Set("token", token)
	}
	return "/vfs/read?" + q.Encode(), nil
}

func (s *Server) mounts() []MountInfo {
	all := s.vfs.Mounts().All()
	out := make([]MountInfo, 0, len(all))
	for _, mp := range all {
		out = append(out, MountInfo{
			Name:      mp.Name(),
			Root:      mp.Root(),
			Transport: mp.TransportName(),
			ReadOnly:  mp.ReadOnly(),
			Visible:   mp.Visible(),
			State:     mp.State().String(),
		})
	}
	return out
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	p, err := s.vfs.Read(r.Context(), vfs.Ref(path), vfs.ReadOptions{})
	if err != nil {
		s.fail(w, VerbRead, path, err)
		return
	}
	mime := p.Mime
	if mime == "" {
		mime = common.DefaultMime
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(p.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(p.Data)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.fail(w, VerbUpload, "", common.Errorf(common.ErrInvalidArgument, VerbUpload, "", "bad multipart body: %v", err))
		return
	}
	path := r.FormValue("path")
	file, hdr, err := r.FormFile("upload")
	if err != nil {
		s.fail(w, VerbUpload, path, common.Errorf(common.ErrInvalidArgument, VerbUpload, path, "missing upload part: %v", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.fail(w, VerbUpload, path, common.Wrap(VerbUpload, path, common.ErrNetwork, err))
		return
	}

	n, err := common.Normalize(path)
	if err != nil {
		s.fail(w, VerbUpload, path, common.Wrap(VerbUpload, path, nil, err))
		return
	}
	overwrite, _ := strconv.ParseBool(r.FormValue("overwrite"))
	blob := payload.NewBlob(data, hdr.Header.Get("Content-Type"))
	out, err := s.vfs.Upload(r.Context(), vfs.DirRef(common.Dirname(n)), common.Basename(n), blob, vfs.WriteOptions{Overwrite: overwrite})
	if err != nil {
		s.fail(w, VerbUpload, path, err)
		return
	}
	raw, _ := json.Marshal(out)
	writeJSON(w, http.StatusOK, Response{Result: raw})
}

func (s *Server) fail(w http.ResponseWriter, verb, path string, err error) {
	status := StatusFor(err)
	entry := log.WithFields(log.Fields{"verb": verb, "path": path, "status": status}).WithError(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, common.ErrUnsupported) {
		entry.Warn("[RPC] request failed")
	} else {
		entry.Debug("[RPC] request failed")
	}
	writeJSON(w, status, ErrorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
