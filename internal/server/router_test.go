package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/camwarden/internal/supervisor"
	"github.com/loykin/camwarden/internal/upload"
)

type fakeBackend struct {
	rep     Report
	err     error
	syncErr error
	syncs   int
}

func (f *fakeBackend) Report(context.Context) (Report, error) { return f.rep, f.err }

func (f *fakeBackend) SyncUploads(context.Context) (upload.PassResult, error) {
	f.syncs++
	return upload.PassResult{Selected: 2, Succeeded: 2}, f.syncErr
}

func setupRouter(t *testing.T, base string, b Backend) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(b, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleReport() Report {
	end := time.Date(2025, 1, 5, 21, 0, 0, 0, time.UTC)
	return Report{
		PID: 42,
		Supervisor: supervisor.Snapshot{Workloads: []supervisor.WorkloadStatus{
			{Name: "capture", State: "RUNNING", Activation: "11:00-21:00", InWindow: true, WindowEnd: end},
			{Name: "processing", State: "INACTIVE", Activation: "23:00-06:00"},
		}},
		Uploads: map[string]int{"PENDING": 3},
	}
}

func TestStatus(t *testing.T) {
	h := setupRouter(t, "/api", &fakeBackend{rep: sampleReport()})
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 42, got.PID)
	assert.Equal(t, 3, got.Uploads["PENDING"])
	require.Len(t, got.Supervisor.Workloads, 2)
}

func TestStatusError(t *testing.T) {
	h := setupRouter(t, "/api", &fakeBackend{err: errors.New("store locked")})
	rec := doReq(t, h, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "store locked")
}

func TestWindows(t *testing.T) {
	h := setupRouter(t, "api/", &fakeBackend{rep: sampleReport()})
	rec := doReq(t, h, http.MethodGet, "/api/windows")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []Window
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.True(t, got[0].Active)
	assert.Equal(t, 21, got[0].EndsAt.Hour())
	assert.False(t, got[1].Active)
	assert.True(t, got[1].EndsAt.IsZero())
}

func TestUploadSync(t *testing.T) {
	b := &fakeBackend{}
	h := setupRouter(t, "", b)
	rec := doReq(t, h, http.MethodPost, "/upload/sync")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, b.syncs)
	assert.Contains(t, rec.Body.String(), `"succeeded":2`)

	b.syncErr = errors.New("upload disabled")
	rec = doReq(t, h, http.MethodPost, "/upload/sync")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/upload/sync")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := setupRouter(t, "/api", &fakeBackend{})
	rec := doReq(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestCleanBase(t *testing.T) {
	assert.Equal(t, "", cleanBase(" / "))
	assert.Equal(t, "/api", cleanBase("api/"))
	assert.Equal(t, "/a/b", cleanBase("/a/b//"))
}
