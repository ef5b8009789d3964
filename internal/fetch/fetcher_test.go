package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sragetl/internal/config"
	apperrors "sragetl/internal/errors"
)

const extractBody = "DT_NOTIFIC;SG_UF\n2021-03-15;SP\n"

func testConfig(url string) config.SourcesConfig {
	return config.SourcesConfig{
		URLOverrides:      map[int]string{2021: url},
		RequestsPerSecond: 1000, // no throttling in tests
		RetryAttempts:     2,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     2 * time.Millisecond,
		DownloadTimeout:   5 * time.Second,
	}
}

func TestFetcher_DownloadAndCache(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(extractBody))
	}))
	defer server.Close()

	f := New(testConfig(server.URL), t.TempDir())
	ctx := context.Background()

	path, err := f.Fetch(ctx, 2021)
	require.NoError(t, err)
	assert.Equal(t, f.CachePath(2021), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, extractBody, string(data))

	// The checksum sidecar makes the copy verifiable.
	_, err = os.Stat(path + ".sha256")
	require.NoError(t, err)

	// Second fetch is served from cache without touching the origin.
	_, err = f.Fetch(ctx, 2021)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetcher_CorruptedCacheRedownloads(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(extractBody))
	}))
	defer server.Close()

	f := New(testConfig(server.URL), t.TempDir())
	ctx := context.Background()

	path, err := f.Fetch(ctx, 2021)
	require.NoError(t, err)

	// Tamper with the cached copy; the checksum no longer matches.
	require.NoError(t, os.WriteFile(path, []byte("truncated"), 0o644))

	_, err = f.Fetch(ctx, 2021)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, extractBody, string(data))
}

func TestFetcher_Invalidate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(extractBody))
	}))
	defer server.Close()

	f := New(testConfig(server.URL), t.TempDir())

	path, err := f.Fetch(context.Background(), 2021)
	require.NoError(t, err)

	require.NoError(t, f.Invalidate(2021))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".sha256")
	assert.True(t, os.IsNotExist(err))

	// Invalidating an already-cold year is not an error.
	require.NoError(t, f.Invalidate(2021))
}

func TestFetcher_OriginFailureExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := New(testConfig(server.URL), t.TempDir())

	_, err := f.Fetch(context.Background(), 2021)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeSourceUnavailable))
	assert.Equal(t, int32(2), hits.Load(), "one retry after the first failure")
}

func TestFetcher_NoOriginForYear(t *testing.T) {
	f := New(config.SourcesConfig{}, t.TempDir())

	_, err := f.Fetch(context.Background(), 1999)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeSourceUnavailable))
}

func TestFetcher_OriginURLOverride(t *testing.T) {
	f := New(config.SourcesConfig{
		URLOverrides: map[int]string{2021: "http://mirror.example/influd21.csv"},
	}, t.TempDir())

	assert.Equal(t, "http://mirror.example/influd21.csv", f.OriginURL(2021))
	assert.Equal(t, defaultOriginURLs[2020], f.OriginURL(2020))
	assert.Empty(t, f.OriginURL(1999))
}

func TestFetcher_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	f := New(testConfig(server.URL), t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, 2021)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeSourceUnavailable))
}
