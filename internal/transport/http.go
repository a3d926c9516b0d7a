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

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"deskvfs/internal/common"
	"deskvfs/internal/util"
)

// StatusError maps an HTTP answer to an error kind. A wire error code
// (EEXIST, ENOENT, ...) takes precedence over the status.
func StatusError(op, path string, status int, code, msg string) error {
	kind := common.ErrInternal
	if code != "" {
		kind = common.FromCode(code)
	} else {
		switch status {
		case http.StatusBadRequest:
			kind = common.ErrInvalidArgument
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = common.ErrPermissionDenied
		case http.StatusNotFound, http.StatusGone:
			kind = common.ErrNotFound
		case http.StatusConflict, http.StatusPreconditionFailed:
			kind = common.ErrExists
		case http.StatusMethodNotAllowed, http.StatusNotImplemented:
			kind = common.ErrUnsupported
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			kind = common.ErrTimeout
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			kind = common.ErrNetwork
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return common.Wrap(op, path, kind, fmt.Errorf("http %d: %s", status, msg))
}

// NetError maps a client failure (dial, TLS, timeout) to ErrNetwork or
// ErrTimeout.
func NetError(op, path string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return common.Wrap(op, path, common.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return common.Wrap(op, path, common.ErrInternal, err)
	}
	return common.Wrap(op, path, common.ErrNetwork, err)
}

// maxErrorBody bounds how much of an error answer is kept.
const maxErrorBody = 64 << 10

// Snippet reads at most 512 bytes of an error body.
func Snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

// IdempotencyKey marks a request with a non-idempotent method as safe to
// repeat.
const IdempotencyKey = "Idempotency-Key"

// Idempotent reports whether req may be sent again after a failure.
func Idempotent(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, "PROPFIND":
		return true
	}
	return req.Header.Get(IdempotencyKey) != ""
}

// DoHTTP sends the request newReq builds. Idempotent requests are retried
// on network failures and 5xx answers other than 501 up to attempts times;
// others are sent once. When retries run out on a 5xx the last answer is
// returned with its body intact so the caller can decode it. The caller
// owns the body of a returned response.
func DoHTTP(ctx context.Context, client *http.Client, attempts uint, op, path string, newReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	build := func() (*http.Request, error) {
		req, err := newReq(ctx)
		if err != nil {
			return nil, common.Wrap(op, path, common.ErrInvalidArgument, err)
		}
		return req, nil
	}
	req, err := build()
	if err != nil {
		return nil, err
	}
	if !Idempotent(req) {
		resp, err := client.Do(req)
		if err != nil {
			return nil, NetError(op, path, err)
		}
		return resp, nil
	}

	var last *http.Response
	first := req
	resp, err := util.RetryWithResult(ctx, func() (*http.Response, error) {
		req := first
		first = nil
		if req == nil {
			var err error
			if req, err = build(); err != nil {
				return nil, err
			}
		}
		last = nil
		resp, err := client.Do(req)
		if err != nil {
			return nil, NetError(op, path, err)
		}
		if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(body))
			last = resp
			return nil, util.Retryable{Err: StatusError(op, path, resp.StatusCode, "", strings.TrimSpace(string(body)))}
		}
		return resp, nil
	}, util.NetworkRetryOptions(ctx, attempts)...)
	if err != nil {
		if last != nil {
			return last, nil
		}
		return nil, err
	}
	return resp, nil
}
