package config

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
Package config holds the run configuration of dnspl.

A Config is a plain value built from Default(), adjusted by command-line flags and
validated once before the run. The only value read from the environment is the time
zone used to decide which calendar day a run belongs to.
*/

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"github.com/sethvargo/go-envconfig"
)

// Defaults for a run against the registry's public feed.
const (
	// DefaultURL is the registry's list of recently deleted domains.
	DefaultURL = "https://dns.pl/deleted_domains.txt"
	// DefaultSuffix is the top-level domain every entry must end with.
	DefaultSuffix = ".pl"
	// DefaultOutputDir is where the daily .txt/.md pair is written.
	DefaultOutputDir = "data"
	// DefaultTimeZone is the registry's home zone.
	DefaultTimeZone = "Europe/Warsaw"
	// DefaultLanguage selects the report wording.
	DefaultLanguage = "pl"
	// DefaultRegistryName appears in the report heading.
	DefaultRegistryName = "DNS.pl"

	// DefaultRequestTimeout bounds one HTTP attempt end to end.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 5
	// DefaultBackoffBase is the first retry delay; it doubles per retry.
	DefaultBackoffBase = 2 * time.Second
	// DefaultBackoffMax caps a single retry delay.
	DefaultBackoffMax = 60 * time.Second
	// DefaultMinAttemptInterval is the minimum spacing between two requests to the registry.
	DefaultMinAttemptInterval = 1 * time.Second
	// DefaultMaxBodyBytes caps the feed size read into memory.
	DefaultMaxBodyBytes = 16 << 20

	// DefaultUserAgent identifies the tool to the registry.
	DefaultUserAgent = "dnspl (+https://github.com/x-stp/dnspl)"
)

// Date policies for naming the daily files.
const (
	DatePolicyLocal = "local"
	DatePolicyFeed  = "feed"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Env is the environment-derived part of the configuration.
type Env struct {
	TimeZone string `env:"DNSPL_TIMEZONE, default=Europe/Warsaw"`
}

// Config is the complete configuration of one run.
type Config struct {
	URL          string
	Suffix       string
	OutputDir    string
	Location     *time.Location
	Language     string
	RegistryName string
	DatePolicy   string

	RequestTimeout     time.Duration
	MaxRetries         uint64
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	MinAttemptInterval time.Duration
	MaxBodyBytes       int64
	UserAgent          string

	// MetricsFile, when set, receives the run's metrics in text exposition format.
	MetricsFile string
	Debug       bool
}

// Default returns a Config for the public .pl feed in the registry's home zone.
func Default() Config {
	loc, err := time.LoadLocation(DefaultTimeZone)
	if err != nil {
		loc = time.UTC
	}
	return Config{
		URL:                DefaultURL,
		Suffix:             DefaultSuffix,
		OutputDir:          DefaultOutputDir,
		Location:           loc,
		Language:           DefaultLanguage,
		RegistryName:       DefaultRegistryName,
		DatePolicy:         DatePolicyLocal,
		RequestTimeout:     DefaultRequestTimeout,
		MaxRetries:         DefaultMaxRetries,
		BackoffBase:        DefaultBackoffBase,
		BackoffMax:         DefaultBackoffMax,
		MinAttemptInterval: DefaultMinAttemptInterval,
		MaxBodyBytes:       DefaultMaxBodyBytes,
		UserAgent:          DefaultUserAgent,
	}
}

// LoadEnv reads the environment part of the configuration through l.
// A nil lookuper reads the process environment.
func LoadEnv(ctx context.Context, l envconfig.Lookuper) (Env, error) {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	var env Env
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &env, Lookuper: l}); err != nil {
		return Env{}, fmt.Errorf("config: read environment: %w", err)
	}
	return env, nil
}

// ApplyEnv resolves the environment values into cfg.
func (c *Config) ApplyEnv(env Env) error {
	name := strings.TrimSpace(env.TimeZone)
	if name == "" {
		name = DefaultTimeZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Errorf("%w: DNSPL_TIMEZONE=%q: %v", ErrInvalid, name, err)
	}
	c.Location = loc
	return nil
}

// Validate checks the configuration before a run.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: feed url %q must be an absolute http(s) url", ErrInvalid, c.URL)
	}
	if strings.Trim(strings.TrimSpace(c.Suffix), ".") == "" {
		return fmt.Errorf("%w: domain suffix must not be empty", ErrInvalid)
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("%w: output directory must not be empty", ErrInvalid)
	}
	if c.Location == nil {
		return fmt.Errorf("%w: time zone is not set", ErrInvalid)
	}
	switch c.Language {
	case "pl", "en":
	default:
		return fmt.Errorf("%w: unsupported report language %q (want pl or en)", ErrInvalid, c.Language)
	}
	switch c.DatePolicy {
	case DatePolicyLocal, DatePolicyFeed:
	default:
		return fmt.Errorf("%w: unsupported date source %q (want %s or %s)", ErrInvalid, c.DatePolicy, DatePolicyLocal, DatePolicyFeed)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive, got %s", ErrInvalid, c.RequestTimeout)
	}
	if c.MaxRetries > 10 {
		return fmt.Errorf("%w: retries too large (%d), must be <=10", ErrInvalid, c.MaxRetries)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("%w: backoff base %s and cap %s are inconsistent", ErrInvalid, c.BackoffBase, c.BackoffMax)
	}
	if c.MinAttemptInterval < 0 {
		return fmt.Errorf("%w: attempt interval must not be negative", ErrInvalid)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: body limit must be positive", ErrInvalid)
	}
	return nil
}
