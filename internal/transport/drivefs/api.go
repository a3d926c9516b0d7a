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

package drivefs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"github.com/google/uuid"

	"deskvfs/internal/common"
	"deskvfs/internal/payload"
	"deskvfs/internal/transport"
)

const (
	FolderMime = "application/vnd.google-apps.folder"
	pageSize   = 1000
)

// File is the subset of a Drive file resource the transport uses.
type File struct {
	ID             string      `json:"id,omitempty"`
	Title          string      `json:"title,omitempty"`
	MimeType       string      `json:"mimeType,omitempty"`
	Parents        []ParentRef `json:"parents,omitempty"`
	FileSize       int64       `json:"fileSize,string,omitempty"`
	Labels         Labels      `json:"labels,omitzero"`
	CreatedDate    string      `json:"createdDate,omitempty"`
	ModifiedDate   string      `json:"modifiedDate,omitempty"`
	WebContentLink string      `json:"webContentLink,omitempty"`
}

type ParentRef struct {
	ID string `json:"id"`
}

type Labels struct {
	Trashed bool `json:"trashed,omitempty"`
}

func (f *File) isFolder() bool { return f.MimeType == FolderMime }

func (f *File) hasParent(id string) bool {
	for _, p := range f.Parents {
		if p.ID == id {
			return true
		}
	}
	return false
}

type fileList struct {
	Items         []File `json:"items"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

type about struct {
	RootFolderID    string `json:"rootFolderId"`
	QuotaBytesTotal int64  `json:"quotaBytesTotal,string"`
	QuotaBytesUsed  int64  `json:"quotaBytesUsed,string"`
}

// apiError is the error envelope of the Drive API.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// request performs one API call. body, when non-nil, is sent as JSON
// unless contentType says otherwise; out receives the decoded reply.
func (fs *FS) request(ctx context.Context, op, path, method, target string, body []byte, contentType string, out any) error {
	client, err := fs.httpClient(op, path)
	if err != nil {
		return err
	}
	resp, err := transport.DoHTTP(ctx, client, fs.retries, op, path, func(ctx context.Context) (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, r)
		if err != nil {
			return nil, err
		}
		if body != nil {
			if contentType == "" {
				contentType = "application/json"
			}
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		msg := transport.Snippet(resp.Body)
		if json.Unmarshal([]byte(msg), &ae) == nil && ae.Error.Message != "" {
			msg = ae.Error.Message
		}
		return transport.StatusError(op, path, resp.StatusCode, "", msg)
	}
	if out == nil {
		return nil
	}
	if b, ok := out.(*[]byte); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return transport.NetError(op, path, err)
		}
		*b = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return common.Wrap(op, path, common.ErrInternal, fmt.Errorf("bad reply: %w", err))
	}
	return nil
}

func (fs *FS) apiURL(parts string, query url.Values) string {
	u := fs.api + parts
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (fs *FS) jsonCall(ctx context.Context, op, path, method, target string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return common.Wrap(op, path, common.ErrInternal, err)
		}
	}
	return fs.request(ctx, op, path, method, target, body, "", out)
}

// multipartBody builds a multipart/related upload: the JSON metadata part
// first, then the content base64-encoded.
func multipartBody(meta File, data []byte, mime string) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary("deskvfs-" + uuid.NewString()); err != nil {
		return nil, "", err
	}

	mh := textproto.MIMEHeader{}
	mh.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := mw.CreatePart(mh)
	if err != nil {
		return nil, "", err
	}
	if err := json.NewEncoder(part).Encode(meta); err != nil {
		return nil, "", err
	}

	dh := textproto.MIMEHeader{}
	dh.Set("Content-Type", mime)
	dh.Set("Content-Transfer-Encoding", "base64")
	if part, err = mw.CreatePart(dh); err != nil {
		return nil, "", err
	}
	encoded, err := payload.Convert(data, mime, payload.KindBase64)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(part, encoded.Text); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/related; boundary=" + mw.Boundary(), nil
}
