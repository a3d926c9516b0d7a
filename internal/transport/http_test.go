package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskvfs/internal/common"
)

func TestDoHTTP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		key    string
		hits   int32
	}{
		{"get is retried", http.MethodGet, "", 3},
		{"post is sent once", http.MethodPost, "", 1},
		{"post with a key is retried", http.MethodPost, "k1", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, `{"code":"EROFS"}`)
			}))
			t.Cleanup(srv.Close)

			resp, err := DoHTTP(ctx, srv.Client(), 3, "op", "/p", func(ctx context.Context) (*http.Request, error) {
				req, err := http.NewRequestWithContext(ctx, tt.method, srv.URL, strings.NewReader("x"))
				if err != nil {
					return nil, err
				}
				if tt.key != "" {
					req.Header.Set(IdempotencyKey, tt.key)
				}
				return req, nil
			})
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.JSONEq(t, `{"code":"EROFS"}`, string(body))
			assert.Equal(t, tt.hits, hits.Load())
		})
	}
}

func TestDoHTTPNetworkFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := DoHTTP(context.Background(), http.DefaultClient, 2, "op", "/p", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrNetwork)
}
