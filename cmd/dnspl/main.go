/*
Package main is the entry point for the dnspl command-line application.

dnspl fetches the .pl registry's list of recently deleted domains once, keeps the
lines that are real domain names, and files them under data/<YYYY-MM-DD>.txt together
with a short Markdown report data/<YYYY-MM-DD>.md. It is meant to be run once a day from
cron or CI.

Subcommands:
  - fetch (default): fetch, parse and write the day's files.
  - parse: parse a feed saved on disk (or stdin) and print or write the result.
  - verify: check that a written day's .txt and .md agree.

Exit codes: 0 on success and on soft stops (access refused, empty feed), 2 when the feed
could not be fetched within the retry budget, 1 for every other error.
*/
package main

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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/x-stp/dnspl/internal/app"
	"github.com/x-stp/dnspl/internal/client"
	"github.com/x-stp/dnspl/internal/config"
	"github.com/x-stp/dnspl/internal/feed"
	"github.com/x-stp/dnspl/internal/fetch"
	"github.com/x-stp/dnspl/internal/metrics"
	"github.com/x-stp/dnspl/internal/report"
)

// Process exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitFetchFailed = 2
)

// options are the flag values shared by every subcommand.
type options struct {
	outputDir   string
	url         string
	suffix      string
	lang        string
	dateSource  string
	timeout     time.Duration
	retries     uint64
	maxBody     int64
	metricsFile string
	debug       bool

	// parse only
	write bool

	lookuper envconfig.Lookuper
	now      func() time.Time
}

// session is what one command invocation runs with.
type session struct {
	opts    *options
	cfg     config.Config
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func newRootCmd(opts *options) *cobra.Command {
	defaults := config.Default()

	root := &cobra.Command{
		Use:           "dnspl",
		Short:         "dnspl - daily list of domains deleted from the .pl registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, runFetch)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.outputDir, "output", "o", defaults.OutputDir, "Output directory for the daily .txt and .md files")
	pf.StringVar(&opts.url, "url", defaults.URL, "Feed URL")
	pf.StringVar(&opts.suffix, "suffix", defaults.Suffix, "Domain suffix every entry must end with")
	pf.StringVar(&opts.lang, "lang", defaults.Language, "Report language (pl or en)")
	pf.StringVar(&opts.dateSource, "date-source", defaults.DatePolicy, "Date the files are named after: local (today in DNSPL_TIMEZONE) or feed (the feed's own timestamp)")
	pf.DurationVar(&opts.timeout, "timeout", defaults.RequestTimeout, "Timeout for a single HTTP attempt")
	pf.Uint64Var(&opts.retries, "retries", defaults.MaxRetries, "Retries after the first attempt on transient failures")
	pf.Int64Var(&opts.maxBody, "max-body", defaults.MaxBodyBytes, "Largest feed accepted, in bytes")
	pf.StringVar(&opts.metricsFile, "metrics-file", "", "Write run metrics to this file in Prometheus text format")
	pf.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the feed and write today's files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, runFetch)
		},
	}

	parseCmd := &cobra.Command{
		Use:   "parse [file|-]",
		Short: "Parse a saved feed and print the timestamp and domains",
		Long:  "Parses a feed from a file, or from stdin when the argument is - or missing. With --write the result is filed exactly like a fetched feed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, cmd *cobra.Command, s *session) error {
				return runParse(cmd, s, args)
			})
		},
	}
	parseCmd.Flags().BoolVar(&opts.write, "write", false, "Write the parsed feed to the output directory")

	verifyCmd := &cobra.Command{
		Use:   "verify [YYYY-MM-DD]",
		Short: "Check that a day's .txt and .md files agree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, cmd *cobra.Command, s *session) error {
				return runVerify(cmd, s, args)
			})
		},
	}

	root.AddCommand(fetchCmd, parseCmd, verifyCmd)
	return root
}

// withSession builds the configuration, logger and metrics, runs fn and writes the
// metrics textfile whatever the outcome.
func withSession(cmd *cobra.Command, opts *options, fn func(context.Context, *cobra.Command, *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	log := newLogger(cmd.ErrOrStderr(), opts.debug)
	cfg, err := buildConfig(ctx, opts)
	if err != nil {
		return err
	}

	s := &session{opts: opts, cfg: cfg, log: log, metrics: metrics.New()}
	runErr := fn(ctx, cmd, s)
	if err := s.metrics.WriteTextfile(cfg.MetricsFile); err != nil {
		log.WithError(err).Warn("dnspl: could not write metrics file")
	}
	return runErr
}

// buildConfig merges defaults, environment and flags, then validates.
func buildConfig(ctx context.Context, opts *options) (config.Config, error) {
	cfg := config.Default()
	env, err := config.LoadEnv(ctx, opts.lookuper)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return config.Config{}, err
	}

	cfg.OutputDir = opts.outputDir
	cfg.URL = opts.url
	cfg.Suffix = opts.suffix
	cfg.Language = strings.ToLower(opts.lang)
	cfg.DatePolicy = strings.ToLower(opts.dateSource)
	cfg.RequestTimeout = opts.timeout
	cfg.MaxRetries = opts.retries
	cfg.MaxBodyBytes = opts.maxBody
	cfg.MetricsFile = opts.metricsFile
	cfg.Debug = opts.debug

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(out io.Writer, debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func deps(s *session) (app.Deps, error) {
	g, err := feed.NewGrammar(s.cfg.Suffix)
	if err != nil {
		return app.Deps{}, err
	}
	return app.Deps{
		Grammar: g,
		Writer: &report.Writer{
			Dir:          s.cfg.OutputDir,
			Language:     report.Language(s.cfg.Language),
			RegistryName: s.cfg.RegistryName,
			Log:          s.log,
			Metrics:      s.metrics,
		},
		Log:     s.log,
		Metrics: s.metrics,
		Now:     s.opts.now,
	}, nil
}

func runFetch(ctx context.Context, cmd *cobra.Command, s *session) error {
	d, err := deps(s)
	if err != nil {
		return err
	}
	httpClient := client.New(&client.Config{RequestTimeout: s.cfg.RequestTimeout})
	d.Fetcher = fetch.New(fetch.Config{
		URL:                s.cfg.URL,
		UserAgent:          s.cfg.UserAgent,
		MaxRetries:         s.cfg.MaxRetries,
		BackoffBase:        s.cfg.BackoffBase,
		BackoffMax:         s.cfg.BackoffMax,
		MinAttemptInterval: s.cfg.MinAttemptInterval,
		MaxBodyBytes:       s.cfg.MaxBodyBytes,
	}, httpClient, s.log, s.metrics)

	sum, err := app.Run(ctx, s.cfg, d)
	if err != nil {
		return err
	}
	entry := s.log.WithField("outcome", sum.Outcome.String())
	if sum.Outcome == app.OutcomeSoftStop {
		entry.WithField("reason", sum.Reason).Info("dnspl: nothing written")
		return nil
	}
	entry.WithFields(logrus.Fields{
		"date":    sum.Date.Format(report.FileDateLayout),
		"domains": sum.Domains,
		"digest":  sum.Written.DigestHex(),
	}).Info("dnspl: done")
	return nil
}

func runParse(cmd *cobra.Command, s *session, args []string) error {
	in := cmd.InOrStdin()
	name := "-"
	if len(args) == 1 && args[0] != "-" {
		name = args[0]
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("open feed: %w", err)
		}
		defer f.Close()
		in = f
	}
	limit := s.cfg.MaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(in, limit+1))
	if err != nil {
		return fmt.Errorf("read feed %s: %w", name, err)
	}
	if int64(len(body)) > limit {
		return fmt.Errorf("feed %s exceeds %d bytes", name, limit)
	}

	d, err := deps(s)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if s.opts.write {
		sum, err := app.Process(s.cfg, d, body)
		if err != nil {
			return err
		}
		if sum.Outcome == app.OutcomeSoftStop {
			fmt.Fprintf(out, "nothing written: %s\n", sum.Reason)
			return nil
		}
		fmt.Fprintf(out, "%s\n%s\n", sum.Written.ListPath, sum.Written.ReportPath)
		return nil
	}

	res, err := d.Grammar.ParseReader(bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := res.Timestamp
	if !res.HasTimestamp {
		ts = "(none)"
	}
	fmt.Fprintf(out, "timestamp: %s\n", ts)
	fmt.Fprintf(out, "domains: %d (dropped %d of %d lines)\n", len(res.Domains), res.Dropped, res.Lines)
	for _, dom := range res.Domains {
		fmt.Fprintln(out, dom)
	}
	return nil
}

func runVerify(cmd *cobra.Command, s *session, args []string) error {
	now := time.Now
	if s.opts.now != nil {
		now = s.opts.now
	}
	date := report.ResolveDate(report.DateLocal, now(), s.cfg.Location, "")
	if len(args) == 1 {
		d, err := time.ParseInLocation(report.FileDateLayout, args[0], s.cfg.Location)
		if err != nil {
			return fmt.Errorf("%w: date %q must be YYYY-MM-DD", config.ErrInvalid, args[0])
		}
		date = d
	}

	g, err := feed.NewGrammar(s.cfg.Suffix)
	if err != nil {
		return err
	}
	v, err := report.Verify(s.cfg.OutputDir, date, g)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok %s: %d domains, digest %016x\n", date.Format(report.FileDateLayout), len(v.Domains), v.Digest)
	return nil
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, app.ErrFetchFailed):
		return exitFetchFailed
	default:
		return exitError
	}
}

// run executes the CLI with args and returns the exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, opts *options) int {
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		fmt.Fprintln(os.Stderr, "Interrupt received, stopping...")
		cancel()
	}()

	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, &options{})
	cancel()
	os.Exit(code)
}
