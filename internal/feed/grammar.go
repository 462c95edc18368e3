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

/*
Package feed parses the plain-text list of deleted domains published by the registry.

The feed has no formal structure: a generation timestamp line, one domain per line,
and occasional header or footer noise. Every line is classified by two independent
predicates (timestamp, domain) and the classifications are folded into a Result by a
pure reducer, so the parser can be tested without any I/O.
*/

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultSuffix is the registry's top-level domain suffix.
const DefaultSuffix = ".pl"

// timestampPattern matches a line that starts with a calendar date followed by the end
// of the line, whitespace or "T": "2025-08-19", "2025-08-19 08:11:02 MEST",
// "2025-08-19T08:11:02+02:00" or "2025-08-19 08:11:02 Europe/Warsaw". Whatever follows the
// date is kept verbatim. A date glued to other text ("2025-08-19.pl") is not a timestamp
// and falls through to the domain predicate.
var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(?:$|[\sT])`)

// Class is the classification of a single feed line.
type Class int

const (
	// ClassBlank is a line that is empty after trimming.
	ClassBlank Class = iota
	// ClassTimestamp is the feed's self-reported generation time.
	ClassTimestamp
	// ClassDomain is a line satisfying the domain predicate.
	ClassDomain
	// ClassNoise is anything else; it is dropped.
	ClassNoise
)

// String returns the lowercase class name, used as a metrics label.
func (c Class) String() string {
	switch c {
	case ClassBlank:
		return "blank"
	case ClassTimestamp:
		return "timestamp"
	case ClassDomain:
		return "domain"
	case ClassNoise:
		return "noise"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Grammar holds the two line predicates for one registry suffix.
type Grammar struct {
	suffix string
	domain *regexp.Regexp
}

// NewGrammar compiles the domain predicate for suffix (".pl", "pl" and ".PL" are equivalent).
func NewGrammar(suffix string) (*Grammar, error) {
	s := strings.ToLower(strings.TrimSpace(suffix))
	s = strings.TrimPrefix(s, ".")
	if s == "" {
		return nil, fmt.Errorf("feed: empty domain suffix")
	}
	if strings.Trim(s, "abcdefghijklmnopqrstuvwxyz0123456789.-") != "" {
		return nil, fmt.Errorf("feed: invalid domain suffix %q", suffix)
	}
	re, err := regexp.Compile(`(?i)^[a-z0-9][a-z0-9.-]*\.` + regexp.QuoteMeta(s) + `$`)
	if err != nil {
		return nil, fmt.Errorf("feed: compile domain pattern: %w", err)
	}
	return &Grammar{suffix: "." + s, domain: re}, nil
}

// MustGrammar is NewGrammar for suffixes known to be valid.
func MustGrammar(suffix string) *Grammar {
	g, err := NewGrammar(suffix)
	if err != nil {
		panic(err)
	}
	return g
}

// Suffix returns the normalized suffix, including the leading dot.
func (g *Grammar) Suffix() string {
	return g.suffix
}

// IsTimestamp reports whether the trimmed line looks like the feed's generation timestamp.
func (g *Grammar) IsTimestamp(line string) bool {
	return timestampPattern.MatchString(strings.TrimSpace(line))
}

// IsDomain reports whether the trimmed line is a syntactically valid domain under the suffix.
func (g *Grammar) IsDomain(line string) bool {
	return g.domain.MatchString(strings.TrimSpace(line))
}

// Classify tags one raw line. The timestamp test only applies while no timestamp has
// been captured; afterwards date-like lines are judged by the domain predicate alone.
func (g *Grammar) Classify(line string, haveTimestamp bool) Class {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return ClassBlank
	case !haveTimestamp && g.IsTimestamp(line):
		return ClassTimestamp
	case g.IsDomain(line):
		return ClassDomain
	default:
		return ClassNoise
	}
}
