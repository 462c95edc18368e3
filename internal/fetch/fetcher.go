package fetch

/*
dnspl — daily list of domains deleted from the .pl registry
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package fetch retrieves the registry feed over HTTP.

Fetch never returns a bare error. The caller receives a Result whose Kind says what
happened after the retry budget was spent, and branches on it:

  - KindSuccess:    2xx, Body holds the feed.
  - KindRetryable:  500/502/504 on every attempt; the run has failed.
  - KindRefused:    a deliberate refusal (401, 403, 404, ...) or 429/503 on every attempt.
  - KindConnError:  transport or read failure on every attempt, or cancellation.
*/

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/x-stp/dnspl/internal/metrics"
)

// Kind is the final outcome of a fetch.
type Kind int

const (
	KindSuccess Kind = iota
	KindRetryable
	KindRefused
	KindConnError
)

// String returns the outcome name, used in logs and as a metrics label.
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable_failure"
	case KindRefused:
		return "refused"
	case KindConnError:
		return "connection_error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Result is the outcome of Fetch.
type Result struct {
	Kind        Kind
	Status      int    // last HTTP status seen, 0 if none
	Body        []byte // set for KindSuccess
	ContentType string
	Attempts    int
	Err         error // last error, nil for KindSuccess
}

// Config controls one Fetcher.
type Config struct {
	URL                string
	UserAgent          string
	MaxRetries         uint64
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	MinAttemptInterval time.Duration
	MaxBodyBytes       int64
}

// Fetcher performs the GET against the feed URL with retries.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	limiter *rate.Limiter
}

// New returns a Fetcher. A nil client uses http.DefaultClient, a nil logger
// discards output and nil metrics get a private registry.
func New(cfg Config, client *http.Client, log logrus.FieldLogger, m *metrics.Metrics) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if m == nil {
		m = metrics.New()
	}
	limit := rate.Inf
	if cfg.MinAttemptInterval > 0 {
		limit = rate.Every(cfg.MinAttemptInterval)
	}
	return &Fetcher{
		cfg:     cfg,
		client:  client,
		log:     log.WithField("component", "fetch"),
		metrics: m,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// backoff builds the exponential retry schedule: base, 2*base, 4*base... with 10%
// jitter, each delay capped at BackoffMax, at most MaxRetries retries.
func (f *Fetcher) backoff() retry.Backoff {
	base := f.cfg.BackoffBase
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(10, b)
	if f.cfg.BackoffMax > 0 {
		b = retry.WithCappedDuration(f.cfg.BackoffMax, b)
	}
	return retry.WithMaxRetries(f.cfg.MaxRetries, b)
}

// Fetch retrieves the feed. It blocks for at most the retry schedule plus one
// request timeout per attempt, and returns early when ctx is done.
func (f *Fetcher) Fetch(ctx context.Context) Result {
	done := metrics.MeasureDuration(f.metrics.FetchDuration)
	defer done()

	var res Result
	err := retry.Do(ctx, f.backoff(), func(ctx context.Context) error {
		res.Attempts++
		if res.Attempts > 1 {
			f.metrics.FetchRetriesTotal.Inc()
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}

		status, body, ctype, err := f.attempt(ctx)
		f.metrics.ObserveAttempt(status)
		res.Status = status
		entry := f.log.WithFields(logrus.Fields{"attempt": res.Attempts, "status": status, "url": f.cfg.URL})
		if err == nil {
			res.Body, res.ContentType = body, ctype
			entry.WithField("bytes", len(body)).Info("fetch: feed retrieved")
			return nil
		}

		var se *statusError
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errBodyTooLarge):
			entry.WithError(err).Error("fetch: giving up")
			return err
		case errors.As(err, &se) && !se.IsRetryable():
			entry.WithError(err).Warn("fetch: registry refused the request")
			return err
		default:
			entry.WithError(err).Warn("fetch: attempt failed, will retry if budget allows")
			return retry.RetryableError(err)
		}
	})

	res.Kind, res.Err = classify(err)
	if res.Kind != KindSuccess {
		res.Body = nil
	} else {
		f.metrics.FetchResponseBytes.Set(float64(len(res.Body)))
	}
	f.metrics.FetchOutcomesTotal.WithLabelValues(res.Kind.String()).Inc()
	return res
}

// classify maps the error left after retries onto a Kind.
func classify(err error) (Kind, error) {
	if err == nil {
		return KindSuccess, nil
	}
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case !se.IsRetryable():
			return KindRefused, se
		case isRefusalAfterRetries(se.status):
			return KindRefused, se
		default:
			return KindRetryable, se
		}
	}
	return KindConnError, err
}

// attempt performs a single GET. A non-2xx status is returned as a *statusError.
func (f *Fetcher) attempt(ctx context.Context) (int, []byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return 0, nil, "", fmt.Errorf("create request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/plain, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused by the next attempt.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return resp.StatusCode, nil, "", newStatusError(resp.StatusCode)
	}

	ctype := resp.Header.Get("Content-Type")
	if mt, _, perr := mime.ParseMediaType(ctype); ctype != "" && (perr != nil || mt != "text/plain") {
		f.log.WithField("content_type", ctype).Warn("fetch: unexpected content type, parsing anyway")
	}

	limit := f.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 16 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return resp.StatusCode, nil, ctype, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return resp.StatusCode, nil, ctype, fmt.Errorf("%w (%d bytes)", errBodyTooLarge, limit)
	}
	return resp.StatusCode, body, ctype, nil
}
