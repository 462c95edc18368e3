package metrics

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

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all the Prometheus metrics of one run.
// dnspl is a short-lived job, so the registry is exported to a textfile at exit
// instead of being scraped.
type Metrics struct {
	registry *prometheus.Registry

	// Network metrics
	FetchRequestsTotal *prometheus.CounterVec
	FetchRetriesTotal  prometheus.Counter
	FetchDuration      prometheus.Histogram
	FetchResponseBytes prometheus.Gauge
	FetchOutcomesTotal *prometheus.CounterVec

	// Parsing metrics
	FeedLinesTotal *prometheus.CounterVec
	DomainsFound   prometheus.Gauge

	// Disk I/O metrics
	ReportWriteDuration *prometheus.HistogramVec
	ReportBytesWritten  *prometheus.CounterVec
	ReportErrorsTotal   *prometheus.CounterVec

	// Run metrics
	RunOutcomesTotal   *prometheus.CounterVec
	LastSuccessSeconds prometheus.Gauge
}

// New creates a fresh registry and registers all metrics on it.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	buckets := []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}
	diskBuckets := []float64{.0005, .001, .005, .01, .05, .1, .5, 1}

	return &Metrics{
		registry: registry,

		FetchRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnspl_fetch_requests_total",
				Help: "Total number of HTTP attempts against the registry feed, by status code",
			},
			[]string{"status"},
		),
		FetchRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dnspl_fetch_retries_total",
				Help: "Total number of retried feed requests",
			},
		),
		FetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dnspl_fetch_duration_seconds",
				Help:    "Time spent fetching the feed, including retries",
				Buckets: buckets,
			},
		),
		FetchResponseBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dnspl_fetch_response_bytes",
				Help: "Size of the last successfully fetched feed body",
			},
		),
		FetchOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnspl_fetch_outcomes_total",
				Help: "Final fetch outcome after retries",
			},
			[]string{"outcome"},
		),

		FeedLinesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnspl_feed_lines_total",
				Help: "Feed lines by classification",
			},
			[]string{"class"},
		),
		DomainsFound: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dnspl_domains_found",
				Help: "Unique domains found in the last parsed feed",
			},
		),

		ReportWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dnspl_report_write_duration_seconds",
				Help:    "Time spent writing a report file",
				Buckets: diskBuckets,
			},
			[]string{"kind"},
		),
		ReportBytesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnspl_report_bytes_written_total",
				Help: "Bytes written to report files",
			},
			[]string{"kind"},
		),
		ReportErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnspl_report_errors_total",
				Help: "Errors while writing report files",
			},
			[]string{"kind", "operation"},
		),

		RunOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnspl_run_outcomes_total",
				Help: "Run outcomes: written, soft_stop or failed",
			},
			[]string{"outcome"},
		),
		LastSuccessSeconds: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dnspl_last_success_timestamp_seconds",
				Help: "Unix time of the last run that wrote a report",
			},
		),
	}
}

// Registry exposes the underlying registry as a Gatherer.
func (m *Metrics) Registry() prometheus.Gatherer {
	return m.registry
}

// ObserveAttempt records one HTTP attempt. A zero status means a transport error.
func (m *Metrics) ObserveAttempt(status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.FetchRequestsTotal.WithLabelValues(label).Inc()
}

// ObserveLines records n feed lines of the given classification.
func (m *Metrics) ObserveLines(class string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FeedLinesTotal.WithLabelValues(class).Add(float64(n))
}

// ObserveWrite records one report file of the given kind written in d.
func (m *Metrics) ObserveWrite(kind string, bytes int, d time.Duration) {
	if m == nil {
		return
	}
	m.ReportWriteDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.ReportBytesWritten.WithLabelValues(kind).Add(float64(bytes))
}

// ObserveWriteError records a failed report operation (create, write, sync, rename).
func (m *Metrics) ObserveWriteError(kind, operation string) {
	if m == nil {
		return
	}
	m.ReportErrorsTotal.WithLabelValues(kind, operation).Inc()
}

// MeasureDuration returns a func that observes the elapsed time on h when called.
func MeasureDuration(h prometheus.Observer) func() {
	start := time.Now()
	return func() {
		h.Observe(time.Since(start).Seconds())
	}
}

// WriteTextfile writes the registry to path in text exposition format, for the
// node_exporter textfile collector. The parent directory is created if needed.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("metrics: create directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("metrics: write textfile %s: %w", path, err)
	}
	return nil
}
