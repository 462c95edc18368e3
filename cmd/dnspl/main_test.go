package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/dnspl/internal/app"
	"github.com/x-stp/dnspl/internal/config"
	"github.com/x-stp/dnspl/internal/report"
)

const sampleFeed = "2025-08-19 08:11:02 MEST\n\nexample.pl\nfoo.com.pl\nEXAMPLE.pl\nnot a domain\n"

func testOptions() *options {
	return &options{
		lookuper: envconfig.MapLookuper(map[string]string{"DNSPL_TIMEZONE": "Europe/Warsaw"}),
		now: func() time.Time {
			return time.Date(2025, 8, 19, 8, 30, 0, 0, time.UTC)
		},
	}
}

func execute(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr, testOptions())
	return code, stdout.String(), stderr.String()
}

func feedServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchWritesDailyFiles(t *testing.T) {
	t.Parallel()
	srv := feedServer(t, http.StatusOK, sampleFeed)
	dir := t.TempDir()
	metricsFile := filepath.Join(dir, "metrics", "dnspl.prom")

	code, _, stderr := execute(t, "", "fetch", "--url", srv.URL, "-o", dir, "--metrics-file", metricsFile)
	require.Equal(t, exitOK, code, stderr)

	list, err := os.ReadFile(filepath.Join(dir, "2025-08-19.txt"))
	require.NoError(t, err)
	assert.Equal(t, "example.pl\nfoo.com.pl\n", string(list))

	md, err := os.ReadFile(filepath.Join(dir, "2025-08-19.md"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(md), "# W dniu 19.08.2025 usunięto 2 domen z rejestru DNS.pl\n"))

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `dnspl_run_outcomes_total{outcome="written"} 1`)
}

func TestDefaultCommandIsFetch(t *testing.T) {
	t.Parallel()
	srv := feedServer(t, http.StatusOK, sampleFeed)
	dir := t.TempDir()

	code, _, stderr := execute(t, "", "--url", srv.URL, "-o", dir, "--lang", "en")
	require.Equal(t, exitOK, code, stderr)

	md, err := os.ReadFile(filepath.Join(dir, "2025-08-19.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# 2 domains deleted from the DNS.pl registry on 2025-08-19")
}

func TestFetchRefusedIsSoftStop(t *testing.T) {
	t.Parallel()
	srv := feedServer(t, http.StatusForbidden, "forbidden")
	dir := t.TempDir()

	code, _, stderr := execute(t, "", "fetch", "--url", srv.URL, "-o", dir)
	assert.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, app.ReasonRefused)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchEmptyBodyIsSoftStop(t *testing.T) {
	t.Parallel()
	srv := feedServer(t, http.StatusOK, "\n\n")
	dir := t.TempDir()

	code, _, stderr := execute(t, "", "fetch", "--url", srv.URL, "-o", dir)
	assert.Equal(t, exitOK, code, stderr)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchUnreachableExitsWithFetchFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	code, _, stderr := execute(t, "", "fetch", "--url", url, "-o", t.TempDir(), "--retries", "0")
	assert.Equal(t, exitFetchFailed, code)
	assert.Contains(t, stderr, "fetch failed")
}

func TestInvalidFlagsExitWithError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{"bad language", []string{"fetch", "--lang", "de"}},
		{"bad date source", []string{"fetch", "--date-source", "utc"}},
		{"bad url", []string{"fetch", "--url", "ftp://dns.pl/x"}},
		{"too many retries", []string{"fetch", "--retries", "50"}},
		{"zero body limit", []string{"fetch", "--max-body", "0"}},
		{"unknown flag", []string{"fetch", "--nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, _, stderr := execute(t, "", append(tt.args, "-o", t.TempDir())...)
			assert.Equal(t, exitError, code)
			assert.Contains(t, stderr, "Error:")
		})
	}
}

func TestParsePrintsResult(t *testing.T) {
	t.Parallel()
	code, stdout, stderr := execute(t, sampleFeed, "parse", "-")
	require.Equal(t, exitOK, code, stderr)

	want := "timestamp: 2025-08-19 08:11:02 MEST\n" +
		"domains: 2 (dropped 1 of 5 lines)\n" +
		"example.pl\n" +
		"foo.com.pl\n"
	assert.Equal(t, want, stdout)
}

func TestParseFileWithoutTimestamp(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "feed.txt")
	require.NoError(t, os.WriteFile(path, []byte("a.pl\r\nb.pl\r\n"), 0644))

	code, stdout, stderr := execute(t, "", "parse", path)
	require.Equal(t, exitOK, code, stderr)
	assert.True(t, strings.HasPrefix(stdout, "timestamp: (none)\n"))
	assert.Contains(t, stdout, "a.pl\nb.pl\n")
}

func TestParseRejectsOversizedFeed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	limit := len(sampleFeed) - 1

	code, stdout, stderr := execute(t, sampleFeed, "parse", "--write", "-o", dir, "--max-body", fmt.Sprint(limit))
	assert.Equal(t, exitError, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, fmt.Sprintf("feed - exceeds %d bytes", limit))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a truncated feed must not be filed")

	code, _, stderr = execute(t, sampleFeed, "parse", "--max-body", fmt.Sprint(len(sampleFeed)))
	assert.Equal(t, exitOK, code, stderr)
}

func TestParseWriteThenVerify(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	code, stdout, stderr := execute(t, sampleFeed, "parse", "--write", "-o", dir)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, filepath.Join(dir, "2025-08-19.txt"))

	code, stdout, stderr = execute(t, "", "verify", "-o", dir)
	require.Equal(t, exitOK, code, stderr)
	assert.True(t, strings.HasPrefix(stdout, "ok 2025-08-19: 2 domains, digest "))

	code, _, stderr = execute(t, "", "verify", "2025-08-19", "-o", dir)
	require.Equal(t, exitOK, code, stderr)
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	code, _, stderr := execute(t, sampleFeed, "parse", "--write", "-o", dir)
	require.Equal(t, exitOK, code, stderr)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2025-08-19.txt"), []byte("example.pl\n"), 0644))

	code, _, stderr = execute(t, "", "verify", "2025-08-19", "-o", dir)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, report.ErrMismatch.Error())
}

func TestVerifyRejectsBadDate(t *testing.T) {
	t.Parallel()
	code, _, stderr := execute(t, "", "verify", "19.08.2025", "-o", t.TempDir())
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, config.ErrInvalid.Error())
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFetchFailed, exitCode(fmt.Errorf("wrapped: %w", app.ErrFetchFailed)))
	assert.Equal(t, exitError, exitCode(errors.New("disk full")))
	assert.Equal(t, exitError, exitCode(report.ErrMismatch))
}

func TestBuildConfigReadsTimeZone(t *testing.T) {
	t.Parallel()
	opts := testOptions()
	opts.lookuper = envconfig.MapLookuper(map[string]string{"DNSPL_TIMEZONE": "UTC"})
	opts.outputDir = "data"
	opts.url = config.DefaultURL
	opts.suffix = ".pl"
	opts.lang = "PL"
	opts.dateSource = "local"
	opts.timeout = time.Second
	opts.retries = 1
	opts.maxBody = 4096

	cfg, err := buildConfig(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Location.String())
	assert.Equal(t, "pl", cfg.Language)
	assert.Equal(t, uint64(1), cfg.MaxRetries)
	assert.Equal(t, int64(4096), cfg.MaxBodyBytes)

	opts.lookuper = envconfig.MapLookuper(map[string]string{"DNSPL_TIMEZONE": "Mars/Olympus"})
	_, err = buildConfig(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalid))
}
