package feed

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
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Result is the structured form of one feed.
type Result struct {
	// Timestamp is the first timestamp-like line, verbatim after trimming.
	Timestamp string
	// HasTimestamp is false when the feed carried no recognizable timestamp.
	HasTimestamp bool
	// Domains are lowercase, unique, in first-occurrence order.
	Domains []string
	// Lines counts non-blank lines seen.
	Lines int
	// Dropped counts lines that were neither the timestamp nor a domain.
	Dropped int
}

// Empty reports whether nothing usable was found: no timestamp and no domains.
func (r Result) Empty() bool {
	return !r.HasTimestamp && len(r.Domains) == 0
}

// Parse classifies every line and folds the result. It never fails; noise is dropped.
func (g *Grammar) Parse(lines []string) Result {
	res := Result{Domains: make([]string, 0, len(lines))}
	seen := make(map[string]struct{}, len(lines))

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch g.Classify(line, res.HasTimestamp) {
		case ClassBlank:
			continue
		case ClassTimestamp:
			res.Timestamp = line
			res.HasTimestamp = true
		case ClassDomain:
			d := strings.ToLower(line)
			if _, dup := seen[d]; !dup {
				seen[d] = struct{}{}
				res.Domains = append(res.Domains, d)
			}
		case ClassNoise:
			res.Dropped++
		}
		res.Lines++
	}
	return res
}

// ParseReader splits r into lines (LF or CRLF) and parses them.
func (g *Grammar) ParseReader(r io.Reader) (Result, error) {
	lines, err := SplitLines(r)
	if err != nil {
		return Result{}, err
	}
	return g.Parse(lines), nil
}

// SplitLines reads r fully into lines without their terminators. Lines have no length
// limit; the caller bounds the total input.
func SplitLines(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	var lines []string
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			lines = append(lines, strings.TrimSuffix(line, "\r"))
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, fmt.Errorf("feed: read lines: %w", err)
		}
	}
}

// Preview returns at most n leading lines, for debug output.
func Preview(lines []string, n int) []string {
	if n < 0 {
		n = 0
	}
	if len(lines) < n {
		n = len(lines)
	}
	return lines[:n]
}
