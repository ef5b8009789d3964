// Package fetch retrieves yearly raw extracts from the configured origin,
// keeping verified copies in a local cache. It never interprets file
// contents; everything downstream of the byte stream belongs to the schema
// and validation layers.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"sragetl/internal/config"
	"sragetl/internal/errors"
)

// Official origin URLs per extract year. Years can be overridden or extended
// through SourcesConfig without touching this table.
var defaultOriginURLs = map[int]string{
	2019: "https://s3.sa-east-1.amazonaws.com/ckan.saude.gov.br/SRAG/2019/INFLUD19-26-06-2025.csv",
	2020: "https://s3.sa-east-1.amazonaws.com/ckan.saude.gov.br/SRAG/2020/INFLUD20-26-06-2025.csv",
	2021: "https://s3.sa-east-1.amazonaws.com/ckan.saude.gov.br/SRAG/2021/INFLUD21-26-06-2025.csv",
	2022: "https://s3.sa-east-1.amazonaws.com/ckan.saude.gov.br/SRAG/2022/INFLUD22-26-06-2025.csv",
	2023: "https://s3.sa-east-1.amazonaws.com/ckan.saude.gov.br/SRAG/2023/INFLUD23-26-06-2025.csv",
	2024: "https://s3.sa-east-1.amazonaws.com/ckan.saude.gov.br/SRAG/2024/INFLUD24-26-06-2025.csv",
	2025: "https://s3.sa-east-1.amazonaws.com/ckan.saude.gov.br/SRAG/2025/INFLUD25-22-09-2025.csv",
}

// Fetcher downloads and caches yearly extracts. Safe for concurrent use
// across disjoint years; the rate limiter is shared so parallel year runs
// do not hammer the origin.
type Fetcher struct {
	cfg      config.SourcesConfig
	cacheDir string
	client   *http.Client
	limiter  *rate.Limiter
}

// New creates a Fetcher writing into cacheDir.
func New(cfg config.SourcesConfig, cacheDir string) *Fetcher {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Fetcher{
		cfg:      cfg,
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: cfg.DownloadTimeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// OriginURL returns the origin URL for a year, or "" when none is
// configured.
func (f *Fetcher) OriginURL(year int) string {
	if url, ok := f.cfg.URLOverrides[year]; ok {
		return url
	}
	return defaultOriginURLs[year]
}

// CachePath returns the local cache location for a year's extract.
func (f *Fetcher) CachePath(year int) string {
	return filepath.Join(f.cacheDir, fmt.Sprintf("INFLUD%d.csv", year))
}

// Fetch returns the path of a verified local copy of the year's extract,
// downloading it when the cache has no valid copy. Network failures are
// retried with exponential backoff; after the attempts are exhausted the
// call fails with SOURCE_UNAVAILABLE.
func (f *Fetcher) Fetch(ctx context.Context, year int) (string, error) {
	url := f.OriginURL(year)
	if url == "" {
		return "", errors.NewSourceUnavailableError(year, fmt.Errorf("no origin configured for year %d", year))
	}

	path := f.CachePath(year)
	if f.cacheValid(path) {
		slog.InfoContext(ctx, "extract served from cache",
			slog.Int("year", year),
			slog.String("path", path))
		return path, nil
	}

	delay := f.cfg.RetryInitialDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	attempts := f.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", errors.NewSourceUnavailableError(year, err)
		}

		slog.InfoContext(ctx, "downloading extract",
			slog.Int("year", year),
			slog.String("url", url),
			slog.Int("attempt", attempt))

		err := f.download(ctx, url, path)
		if err == nil {
			return path, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", errors.NewSourceUnavailableError(year, ctx.Err())
		}
		if attempt < attempts {
			slog.WarnContext(ctx, "download failed, backing off",
				slog.Int("year", year),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", errors.NewSourceUnavailableError(year, ctx.Err())
			}
			delay *= 2
			if f.cfg.RetryMaxDelay > 0 && delay > f.cfg.RetryMaxDelay {
				delay = f.cfg.RetryMaxDelay
			}
		}
	}

	return "", errors.NewSourceUnavailableError(year, lastErr).
		WithContext("url", url).
		WithContext("attempts", attempts)
}

// Invalidate drops the cached copy for a year. Used by forced reprocessing.
func (f *Fetcher) Invalidate(year int) error {
	path := f.CachePath(year)
	for _, p := range []string{path, checksumPath(path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// download streams the body to a temp file, hashing as it copies, then
// promotes it into the cache with its checksum sidecar. Readers never see a
// partially written extract.
func (f *Fetcher) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("origin returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if err := writeChecksum(path, sum, size); err != nil {
		return err
	}

	slog.Info("extract downloaded",
		slog.String("path", path),
		slog.Int64("bytes", size),
		slog.String("sha256", sum))
	return nil
}

// cacheValid reports whether the cached file matches its checksum sidecar.
func (f *Fetcher) cacheValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	wantSum, wantSize, err := readChecksum(path)
	if err != nil || info.Size() != wantSize {
		return false
	}

	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return false
	}
	return hex.EncodeToString(hasher.Sum(nil)) == wantSum
}

func checksumPath(path string) string {
	return path + ".sha256"
}

func writeChecksum(path, sum string, size int64) error {
	return os.WriteFile(checksumPath(path), []byte(fmt.Sprintf("%s %d\n", sum, size)), 0o644)
}

func readChecksum(path string) (string, int64, error) {
	data, err := os.ReadFile(checksumPath(path))
	if err != nil {
		return "", 0, err
	}
	var sum string
	var size int64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%s %d", &sum, &size); err != nil {
		return "", 0, err
	}
	return sum, size, nil
}
