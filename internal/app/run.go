package app

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
Package app runs one daily pass: fetch the feed, parse it, pick the date and write the
day's files. The steps are strictly sequential.

A run ends in one of three ways, reported as the Summary's Outcome:

  - OutcomeWritten: both files were written.
  - OutcomeSoftStop: nothing was written, but the run is not a failure. This covers an
    access refusal from the registry and a body that is empty or carries nothing usable.
  - OutcomeFailed, together with an error: ErrFetchFailed when the registry stayed
    unreachable or kept failing, or a write error.
*/

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/x-stp/dnspl/internal/config"
	"github.com/x-stp/dnspl/internal/feed"
	"github.com/x-stp/dnspl/internal/fetch"
	"github.com/x-stp/dnspl/internal/metrics"
	"github.com/x-stp/dnspl/internal/report"
)

// PreviewLines is how many raw feed lines are logged at debug level.
const PreviewLines = 20

// ErrFetchFailed means the feed could not be retrieved within the retry budget.
var ErrFetchFailed = errors.New("fetch failed")

// Outcome is how a run ended. The zero value is OutcomeFailed.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeWritten
	OutcomeSoftStop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomeWritten:
		return "written"
	case OutcomeSoftStop:
		return "soft_stop"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Soft stop reasons.
const (
	ReasonRefused    = "access refused by registry"
	ReasonEmptyBody  = "empty response body"
	ReasonUnparsable = "no timestamp and no domains in feed"
)

// Summary describes a finished run.
type Summary struct {
	Outcome Outcome
	// Reason is set for OutcomeSoftStop.
	Reason    string
	Date      time.Time
	Domains   int
	Dropped   int
	Timestamp string
	Written   report.Written
	Fetch     fetch.Result
}

// Fetcher retrieves the raw feed.
type Fetcher interface {
	Fetch(ctx context.Context) fetch.Result
}

// Writer stores one day's files.
type Writer interface {
	Write(d report.Daily) (report.Written, error)
}

// Deps are the collaborators of a run. Log, Metrics and Now are optional.
type Deps struct {
	Fetcher Fetcher
	Writer  Writer
	Grammar *feed.Grammar
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (d Deps) logger() logrus.FieldLogger {
	if d.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		return l
	}
	return d.Log
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run performs the full pipeline once.
func Run(ctx context.Context, cfg config.Config, deps Deps) (Summary, error) {
	log := deps.logger().WithField("component", "app")
	log.WithField("url", cfg.URL).Info("app: fetching feed")

	res := deps.Fetcher.Fetch(ctx)
	entry := log.WithFields(logrus.Fields{
		"outcome":  res.Kind.String(),
		"status":   res.Status,
		"attempts": res.Attempts,
	})

	switch res.Kind {
	case fetch.KindSuccess:
		entry.Info("app: feed retrieved")
	case fetch.KindRefused:
		entry.WithError(res.Err).Warn("app: registry refused access, nothing written")
		sum := Summary{Outcome: OutcomeSoftStop, Reason: ReasonRefused, Fetch: res}
		observeOutcome(deps.Metrics, sum.Outcome.String())
		return sum, nil
	default:
		observeOutcome(deps.Metrics, OutcomeFailed.String())
		return Summary{Outcome: OutcomeFailed, Fetch: res}, fmt.Errorf("%w: %s after %d attempt(s): %v", ErrFetchFailed, res.Kind, res.Attempts, res.Err)
	}

	sum, err := Process(cfg, deps, res.Body)
	sum.Fetch = res
	return sum, err
}

// Process turns a fetched body into the day's files. It is also used for feeds read
// from disk.
func Process(cfg config.Config, deps Deps, body []byte) (Summary, error) {
	log := deps.logger().WithField("component", "app")

	if len(bytes.TrimSpace(body)) == 0 {
		log.Warn("app: feed body is empty, nothing written")
		sum := Summary{Outcome: OutcomeSoftStop, Reason: ReasonEmptyBody}
		observeOutcome(deps.Metrics, sum.Outcome.String())
		return sum, nil
	}

	lines, err := feed.SplitLines(bytes.NewReader(body))
	if err != nil {
		observeOutcome(deps.Metrics, OutcomeFailed.String())
		return Summary{Outcome: OutcomeFailed}, fmt.Errorf("app: %w", err)
	}
	for i, line := range feed.Preview(lines, PreviewLines) {
		log.WithField("line", i+1).Debugf("app: preview %q", line)
	}

	parsed := deps.Grammar.Parse(lines)
	observeParse(deps.Metrics, parsed)
	log.WithFields(logrus.Fields{
		"timestamp": parsed.Timestamp,
		"domains":   len(parsed.Domains),
		"dropped":   parsed.Dropped,
		"lines":     parsed.Lines,
	}).Debug("app: feed parsed")

	if parsed.Empty() {
		log.WithField("lines", parsed.Lines).Warn("app: feed has no timestamp and no domains, nothing written")
		sum := Summary{Outcome: OutcomeSoftStop, Reason: ReasonUnparsable, Dropped: parsed.Dropped}
		observeOutcome(deps.Metrics, sum.Outcome.String())
		return sum, nil
	}
	if !parsed.HasTimestamp {
		log.Warn("app: feed has no timestamp, using local clock")
	}

	now := deps.now()
	date := report.ResolveDate(report.DatePolicy(cfg.DatePolicy), now, cfg.Location, parsed.Timestamp)
	daily := report.Daily{
		Date:            date,
		SourceTimestamp: parsed.Timestamp,
		GeneratedAt:     report.GenerationTime(now, cfg.Location, parsed.Timestamp),
		Domains:         parsed.Domains,
	}

	written, err := deps.Writer.Write(daily)
	if err != nil {
		observeOutcome(deps.Metrics, OutcomeFailed.String())
		sum := Summary{
			Outcome:   OutcomeFailed,
			Date:      date,
			Domains:   len(parsed.Domains),
			Dropped:   parsed.Dropped,
			Timestamp: parsed.Timestamp,
		}
		return sum, fmt.Errorf("app: write report for %s: %w", date.Format(report.FileDateLayout), err)
	}

	sum := Summary{
		Outcome:   OutcomeWritten,
		Date:      date,
		Domains:   len(parsed.Domains),
		Dropped:   parsed.Dropped,
		Timestamp: parsed.Timestamp,
		Written:   written,
	}
	observeOutcome(deps.Metrics, sum.Outcome.String())
	if deps.Metrics != nil {
		deps.Metrics.LastSuccessSeconds.Set(float64(now.Unix()))
	}
	log.WithFields(logrus.Fields{
		"date":             date.Format(report.FileDateLayout),
		"source_timestamp": parsed.Timestamp,
		"domains":          sum.Domains,
		"txt":              written.ListPath,
		"md":               written.ReportPath,
	}).Info("app: run complete")
	return sum, nil
}

func observeOutcome(m *metrics.Metrics, outcome string) {
	if m == nil {
		return
	}
	m.RunOutcomesTotal.WithLabelValues(outcome).Inc()
}

func observeParse(m *metrics.Metrics, r feed.Result) {
	if m == nil {
		return
	}
	ts := 0
	if r.HasTimestamp {
		ts = 1
	}
	m.ObserveLines(feed.ClassTimestamp.String(), ts)
	m.ObserveLines(feed.ClassDomain.String(), r.Lines-r.Dropped-ts)
	m.ObserveLines(feed.ClassNoise.String(), r.Dropped)
	m.DomainsFound.Set(float64(len(r.Domains)))
}
