package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	before := testutil.ToFloat64(vfsOperationsTotal.WithLabelValues("write", "local", "error"))
	RecordOperation("write", "local", errors.New("x"), time.Millisecond)
	after := testutil.ToFloat64(vfsOperationsTotal.WithLabelValues("write", "local", "error"))
	assert.Equal(t, before+1, after)
}

func TestRecordTransferIgnoresEmpty(t *testing.T) {
	before := testutil.ToFloat64(transportBytesTotal.WithLabelValues("http", "in"))
	RecordTransfer("http", "in", 0)
	RecordTransfer("http", "in", 10)
	assert.Equal(t, before+10, testutil.ToFloat64(transportBytesTotal.WithLabelValues("http", "in")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	h := Middleware("/vfs/read", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/vfs/read", "404"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/vfs/read", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/vfs/read", "404")))

	RecordCacheLookup("listing", true)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deskvfs_cache_lookups_total")
}
