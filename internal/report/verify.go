package report

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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/x-stp/dnspl/internal/feed"
)

// headingCount matches the domain count in either language's heading.
var headingCount = regexp.MustCompile(`\b(\d+) (?:domen|domains)\b`)

// Verified is the outcome of a successful Verify.
type Verified struct {
	Date    time.Time
	Domains []string
	Digest  uint64
}

// Verify re-reads the files written for date in dir and checks that they agree:
// every .txt line passes the domain predicate of g and is unique, the .md bullets
// list the same domains in the same order, and the heading carries the date and count.
// Any disagreement is reported as ErrMismatch.
func Verify(dir string, date time.Time, g *feed.Grammar) (Verified, error) {
	listName, reportName := FileNames(date)

	list, err := os.ReadFile(filepath.Join(dir, listName))
	if err != nil {
		return Verified{}, fmt.Errorf("report: read %s: %w", listName, err)
	}
	md, err := os.ReadFile(filepath.Join(dir, reportName))
	if err != nil {
		return Verified{}, fmt.Errorf("report: read %s: %w", reportName, err)
	}

	lines, err := feed.SplitLines(bytes.NewReader(list))
	if err != nil {
		return Verified{}, fmt.Errorf("report: split %s: %w", listName, err)
	}
	domains := make([]string, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for i, line := range lines {
		if line == "" {
			continue
		}
		if !g.IsDomain(line) || line != strings.ToLower(line) {
			return Verified{}, fmt.Errorf("%w: %s line %d %q is not a valid domain", ErrMismatch, listName, i+1, line)
		}
		if _, dup := seen[line]; dup {
			return Verified{}, fmt.Errorf("%w: %s line %d %q is a duplicate", ErrMismatch, listName, i+1, line)
		}
		seen[line] = struct{}{}
		domains = append(domains, line)
	}

	heading, bullets, err := readReport(md)
	if err != nil {
		return Verified{}, fmt.Errorf("%w: %s: %v", ErrMismatch, reportName, err)
	}
	if !strings.Contains(heading, date.Format(FileDateLayout)) && !strings.Contains(heading, date.Format(DisplayDatePL)) {
		return Verified{}, fmt.Errorf("%w: %s heading does not name %s", ErrMismatch, reportName, date.Format(FileDateLayout))
	}
	m := headingCount.FindStringSubmatch(heading)
	if m == nil {
		return Verified{}, fmt.Errorf("%w: %s heading has no domain count", ErrMismatch, reportName)
	}
	if n, _ := strconv.Atoi(m[1]); n != len(domains) {
		return Verified{}, fmt.Errorf("%w: heading says %d domains, %s has %d", ErrMismatch, n, listName, len(domains))
	}
	if len(bullets) != len(domains) {
		return Verified{}, fmt.Errorf("%w: %s lists %d domains, %s has %d", ErrMismatch, reportName, len(bullets), listName, len(domains))
	}
	for i := range domains {
		if bullets[i] != domains[i] {
			return Verified{}, fmt.Errorf("%w: entry %d differs: %q in %s, %q in %s", ErrMismatch, i+1, domains[i], listName, bullets[i], reportName)
		}
	}

	return Verified{Date: date, Domains: domains, Digest: xxh3.Hash(list)}, nil
}

// readReport returns the first-level heading and the bullet entries of a .md file.
func readReport(md []byte) (string, []string, error) {
	lines, err := feed.SplitLines(bytes.NewReader(md))
	if err != nil {
		return "", nil, err
	}
	var heading string
	var bullets []string
	for _, line := range lines {
		switch {
		case heading == "" && strings.HasPrefix(line, "# "):
			heading = strings.TrimPrefix(line, "# ")
		case strings.HasPrefix(line, "- "):
			bullets = append(bullets, strings.TrimSpace(strings.TrimPrefix(line, "- ")))
		}
	}
	if heading == "" {
		return "", nil, fmt.Errorf("no heading")
	}
	return heading, bullets, nil
}
