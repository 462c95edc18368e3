package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/dnspl/internal/metrics"
)

func testConfig(url string) Config {
	return Config{
		URL:          url,
		UserAgent:    "dnspl-test",
		MaxRetries:   2,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
		MaxBodyBytes: 1 << 20,
	}
}

// statusSequence serves the given statuses in order, repeating the last one.
func statusSequence(t *testing.T, body string, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&hits, 1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(statuses[n])
		if statuses[n] == http.StatusOK {
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()
	gotUA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("2025-08-19 06:00:00\nexample.pl\n"))
	}))
	defer srv.Close()

	m := metrics.New()
	res := New(testConfig(srv.URL), srv.Client(), nil, m).Fetch(context.Background())

	require.Equal(t, KindSuccess, res.Kind, "err: %v", res.Err)
	assert.NoError(t, res.Err)
	assert.Equal(t, "2025-08-19 06:00:00\nexample.pl\n", string(res.Body))
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "dnspl-test", <-gotUA)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchRequestsTotal.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchOutcomesTotal.WithLabelValues("success")))
	assert.Equal(t, float64(len(res.Body)), testutil.ToFloat64(m.FetchResponseBytes))
}

func TestFetchRecoversAfterTransientErrors(t *testing.T) {
	t.Parallel()
	srv, hits := statusSequence(t, "a.pl\n", http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusOK)
	m := metrics.New()

	res := New(testConfig(srv.URL), srv.Client(), nil, m).Fetch(context.Background())

	require.Equal(t, KindSuccess, res.Kind)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(hits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchRetriesTotal))
}

func TestFetchOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		want     Kind
		attempts int
	}{
		{"server error exhausts retries", http.StatusInternalServerError, KindRetryable, 3},
		{"gateway timeout exhausts retries", http.StatusGatewayTimeout, KindRetryable, 3},
		{"rate limited is a refusal", http.StatusTooManyRequests, KindRefused, 3},
		{"maintenance is a refusal", http.StatusServiceUnavailable, KindRefused, 3},
		{"forbidden is not retried", http.StatusForbidden, KindRefused, 1},
		{"not found is not retried", http.StatusNotFound, KindRefused, 1},
		{"unauthorized is not retried", http.StatusUnauthorized, KindRefused, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, hits := statusSequence(t, "", tt.status)

			res := New(testConfig(srv.URL), srv.Client(), nil, nil).Fetch(context.Background())

			assert.Equal(t, tt.want, res.Kind)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.attempts, res.Attempts)
			assert.EqualValues(t, tt.attempts, atomic.LoadInt32(hits))
			assert.Nil(t, res.Body)
			require.Error(t, res.Err)
			assert.Equal(t, isRetryableStatus(tt.status), IsRetryable(res.Err))
		})
	}
}

func TestFetchConnectionError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	logger, hook := test.NewNullLogger()
	res := New(testConfig(url), http.DefaultClient, logger, nil).Fetch(context.Background())

	assert.Equal(t, KindConnError, res.Kind)
	assert.Equal(t, 0, res.Status)
	assert.Equal(t, 3, res.Attempts)
	require.Error(t, res.Err)

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 3, warnings)
}

func TestFetchBodyTooLarge(t *testing.T) {
	t.Parallel()
	srv, hits := statusSequence(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.pl\n", http.StatusOK)
	cfg := testConfig(srv.URL)
	cfg.MaxBodyBytes = 8

	res := New(cfg, srv.Client(), nil, nil).Fetch(context.Background())

	assert.Equal(t, KindConnError, res.Kind)
	assert.True(t, errors.Is(res.Err, errBodyTooLarge))
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestFetchCancelled(t *testing.T) {
	t.Parallel()
	srv, _ := statusSequence(t, "", http.StatusInternalServerError)
	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 10
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := New(cfg, srv.Client(), nil, nil).Fetch(ctx)

	assert.Equal(t, KindConnError, res.Kind)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetchWarnsOnUnexpectedContentType(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("a.pl\n"))
	}))
	defer srv.Close()

	logger, hook := test.NewNullLogger()
	res := New(testConfig(srv.URL), srv.Client(), logger, nil).Fetch(context.Background())

	require.Equal(t, KindSuccess, res.Kind)
	assert.Equal(t, "text/html", res.ContentType)

	found := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["content_type"] == "text/html" {
			found = true
		}
	}
	assert.True(t, found, "expected a content type warning")
}

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "success", KindSuccess.String())
	assert.Equal(t, "retryable_failure", KindRetryable.String())
	assert.Equal(t, "refused", KindRefused.String())
	assert.Equal(t, "connection_error", KindConnError.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
