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

// Package rpc is the HTTP protocol a daemon speaks and the server
// transport consumes: JSON request-reply under /vfs/{verb}, a plain GET
// for reads and a multipart POST for uploads.
package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"deskvfs/internal/common"
	"deskvfs/internal/transport"
)

// Verbs served under /vfs/{verb}.
const (
	VerbScandir    = "scandir"
	VerbWrite      = "write"
	VerbUnlink     = "unlink"
	VerbMkdir      = "mkdir"
	VerbExists     = "exists"
	VerbFileinfo   = "fileinfo"
	VerbURL        = "url"
	VerbCopy       = "copy"
	VerbMove       = "move"
	VerbFind       = "find"
	VerbTrash      = "trash"
	VerbUntrash    = "untrash"
	VerbEmptyTrash = "emptyTrash"
	VerbFreeSpace  = "freeSpace"
	VerbMounts     = "mounts"

	// VerbRead and VerbUpload have their own routes.
	VerbRead   = "read"
	VerbUpload = "upload"
)

// Request is the body of a POST /vfs/{verb}.
type Request struct {
	Path string          `json:"path,omitempty"`
	Type common.FileType `json:"type,omitempty"`
	Mime string          `json:"mime,omitempty"`
	Src  string          `json:"src,omitempty"`
	Dst  string          `json:"dst,omitempty"`
	// Data travels base64-encoded.
	Data    []byte  `json:"data,omitempty"`
	Options Options `json:"options,omitempty"`
}

// Options carries the verb options. Fields a verb does not use are
// ignored.
type Options struct {
	Overwrite bool     `json:"overwrite,omitempty"`
	Query     string   `json:"query,omitempty"`
	Mime      []string `json:"mime,omitempty"`
	Depth     int      `json:"depth,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`
	Walk      bool     `json:"walk,omitempty"`
}

// Response is the reply to every verb. Exactly one of Result and Error is
// set.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	// Failed lists the paths a partial copy could not reproduce.
	Failed []string `json:"failed,omitempty"`
}

// MountInfo is one element of the mounts verb result.
type MountInfo struct {
	Name      string `json:"name"`
	Root      string `json:"root"`
	Transport string `json:"transport"`
	ReadOnly  bool   `json:"readOnly"`
	Visible   bool   `json:"visible"`
	State     string `json:"state"`
}

// StatusFor maps an error kind to the HTTP status the server answers with.
// Kinds a client must not retry stay below 500 or use 501.
func StatusFor(err error) int {
	switch common.KindOf(err) {
	case common.ErrInvalidArgument:
		return http.StatusBadRequest
	case common.ErrPermissionDenied, common.ErrReadOnly:
		return http.StatusForbidden
	case common.ErrNotFound, common.ErrNoMount:
		return http.StatusNotFound
	case common.ErrExists, common.ErrNotEmpty, common.ErrNotMounted:
		return http.StatusConflict
	case common.ErrUnsupported:
		return http.StatusNotImplemented
	case common.ErrPartialCopy, common.ErrPayloadConversion:
		return http.StatusUnprocessableEntity
	case common.ErrNetwork:
		if errors.Is(err, common.ErrTimeout) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ErrorResponse builds the reply for err.
func ErrorResponse(err error) Response {
	resp := Response{Error: err.Error(), Code: common.Code(err)}
	var pce *common.PartialCopyError
	if errors.As(err, &pce) {
		resp.Failed = pce.Failed
	}
	return resp
}

// Err turns an error reply back into a typed error. The wire code decides
// the kind; the status is the fallback.
func (r Response) Err(op, path string, status int) error {
	if r.Code == common.Code(common.ErrPartialCopy) {
		return &common.PartialCopyError{Source: path, Failed: r.Failed}
	}
	return transport.StatusError(op, path, status, r.Code, r.Error)
}
