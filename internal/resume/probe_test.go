package resume

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fileflow/fileflow/internal/config"
)

func TestProbeServerReportsRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/6207471")
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	result, err := ProbeServer(context.Background(), srv.Client(), config.DefaultRuntimeConfig(), srv.URL+"/file.bin", nil, "")
	require.NoError(t, err)
	require.True(t, result.SupportsRange)
	require.Equal(t, int64(6207471), result.FileSize)
	require.Equal(t, `"abc123"`, result.ETag)
}

func TestProbeServerHandlesNoRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 1000))
	}))
	defer srv.Close()

	result, err := ProbeServer(context.Background(), srv.Client(), config.DefaultRuntimeConfig(), srv.URL+"/file.bin", nil, "")
	require.NoError(t, err)
	require.False(t, result.SupportsRange)
	require.Equal(t, int64(1000), result.FileSize)
}

func TestProbeServerDoesNotErrorOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	result, err := ProbeServer(context.Background(), srv.Client(), config.DefaultRuntimeConfig(), srv.URL+"/missing.bin", nil, "")
	require.NoError(t, err)
	require.False(t, result.SupportsRange)
}

func TestCanResumeRejectsMismatchedETag(t *testing.T) {
	probe := &ProbeResult{SupportsRange: true, ETag: `"new"`}
	require.False(t, CanResume(probe, `"old"`))
	require.True(t, CanResume(probe, `"new"`))
	require.True(t, CanResume(probe, ""))
}

func TestCanResumeRequiresRangeSupport(t *testing.T) {
	probe := &ProbeResult{SupportsRange: false}
	require.False(t, CanResume(probe, ""))
}
