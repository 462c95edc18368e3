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
	"regexp"
	"time"
)

// DatePolicy decides which calendar day a run is filed under.
type DatePolicy string

const (
	// DateLocal files the run under today's date in the configured zone.
	DateLocal DatePolicy = "local"
	// DateFeed files the run under the date the feed reports for itself.
	DateFeed DatePolicy = "feed"
)

// Layouts used in file names and headings.
const (
	FileDateLayout    = "2006-01-02"
	DisplayDatePL     = "02.01.2006"
	ClockLayout       = "15:04:05"
	sourceDatePrefix  = len(FileDateLayout)
	defaultClockValue = "00:00:00"
)

// sourceClock extracts the time of day from a source timestamp such as
// "2025-08-19 08:11:02 MEST" or "2025-08-19T08:11Z".
var sourceClock = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[ T](\d{2}:\d{2}(?::\d{2})?)`)

// ResolveDate returns the civil date (midnight in loc) the run is filed under.
// DateFeed uses the date prefix of sourceTimestamp when it is a real calendar date and
// falls back to the local date otherwise. It never fails.
func ResolveDate(policy DatePolicy, now time.Time, loc *time.Location, sourceTimestamp string) time.Time {
	if loc == nil {
		loc = time.Local
	}
	if policy == DateFeed && len(sourceTimestamp) >= sourceDatePrefix {
		if d, err := time.ParseInLocation(FileDateLayout, sourceTimestamp[:sourceDatePrefix], loc); err == nil {
			return d
		}
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// GenerationTime returns the clock shown in the report sub-heading: the time of day
// from the source timestamp when it has one, else the local clock of now.
func GenerationTime(now time.Time, loc *time.Location, sourceTimestamp string) string {
	if m := sourceClock.FindStringSubmatch(sourceTimestamp); m != nil {
		if len(m[1]) == len("15:04") {
			return m[1] + ":00"
		}
		return m[1]
	}
	if loc == nil {
		loc = time.Local
	}
	if now.IsZero() {
		return defaultClockValue
	}
	return now.In(loc).Format(ClockLayout)
}
