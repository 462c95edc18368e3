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

/*
Package report writes the daily output pair: <date>.txt with one domain per line and
<date>.md with a short narrative heading followed by the same domains as bullets.

Both files are replaced whole on every run. Each is written to <name>.tmp and synced;
only when both temp files are in place are they renamed over their targets, and the
directory is synced afterwards. A failure while preparing either file keeps the
previous pair for that day intact. A second run for the same date leaves only the
second run's content.
*/

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/x-stp/dnspl/internal/metrics"
)

// Language selects the report wording.
type Language string

const (
	LanguagePL Language = "pl"
	LanguageEN Language = "en"
)

// DefaultRegistryName is used when Writer.RegistryName is empty.
const DefaultRegistryName = "DNS.pl"

// File kinds, also used as metrics labels.
const (
	KindList   = "txt"
	KindReport = "md"
)

// ErrMismatch is returned by Verify when the two files of a day disagree.
var ErrMismatch = errors.New("report mismatch")

// Daily is everything that goes into one day's files.
type Daily struct {
	// Date is the civil date the files are named after.
	Date time.Time
	// SourceTimestamp is the feed's own timestamp line, empty if it had none.
	SourceTimestamp string
	// GeneratedAt is the clock shown in the sub-heading (HH:MM:SS).
	GeneratedAt string
	// Domains are unique, lowercase and already validated.
	Domains []string
}

// Written describes the files produced by Write.
type Written struct {
	ListPath   string
	ReportPath string
	Domains    int
	// Digest is the xxh3 hash of the .txt content.
	Digest uint64
}

// DigestHex renders Digest the way it is logged.
func (w Written) DigestHex() string {
	return fmt.Sprintf("%016x", w.Digest)
}

// Writer renders and stores daily files under Dir.
type Writer struct {
	Dir          string
	Language     Language
	RegistryName string

	Log     logrus.FieldLogger
	Metrics *metrics.Metrics

	now func() time.Time
}

// FileNames returns the .txt and .md names for date.
func FileNames(date time.Time) (list, report string) {
	day := date.Format(FileDateLayout)
	return day + ".txt", day + ".md"
}

// Write renders d and replaces the two files for d.Date.
func (w *Writer) Write(d Daily) (Written, error) {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		w.Metrics.ObserveWriteError(KindList, "mkdir")
		return Written{}, fmt.Errorf("report: create directory %s: %w", w.Dir, err)
	}
	if d.GeneratedAt == "" {
		d.GeneratedAt = GenerationTime(w.clock(), d.Date.Location(), d.SourceTimestamp)
	}

	listName, reportName := FileNames(d.Date)
	list := RenderList(d.Domains)
	md := RenderReport(d, w.language(), w.registryName())

	out := Written{
		ListPath:   filepath.Join(w.Dir, listName),
		ReportPath: filepath.Join(w.Dir, reportName),
		Domains:    len(d.Domains),
		Digest:     xxh3.Hash(list),
	}
	files := []stagedFile{
		{kind: KindList, path: out.ListPath, data: list},
		{kind: KindReport, path: out.ReportPath, data: md},
	}
	// Both files are staged before either is renamed, so a failure while preparing
	// one leaves the previous pair for the day untouched.
	for i := range files {
		if err := w.stage(&files[i]); err != nil {
			discard(files[:i])
			return Written{}, err
		}
	}
	for i := range files {
		if err := w.commit(files[i]); err != nil {
			discard(files[i:])
			return Written{}, err
		}
	}
	if err := syncDir(w.Dir); err != nil {
		w.Metrics.ObserveWriteError(KindReport, "sync_dir")
		return Written{}, fmt.Errorf("report: sync directory %s: %w", w.Dir, err)
	}

	w.logger().WithFields(logrus.Fields{
		"date":    d.Date.Format(FileDateLayout),
		"domains": out.Domains,
		"txt":     out.ListPath,
		"md":      out.ReportPath,
		"digest":  out.DigestHex(),
	}).Info("report: files written")
	return out, nil
}

// RenderList returns the .txt content: one domain per line, zero bytes when empty.
func RenderList(domains []string) []byte {
	var b bytes.Buffer
	for _, d := range domains {
		b.WriteString(d)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// RenderReport returns the .md content for d.
func RenderReport(d Daily, lang Language, registry string) []byte {
	var b bytes.Buffer
	n := len(d.Domains)

	switch lang {
	case LanguageEN:
		day := d.Date.Format(FileDateLayout)
		fmt.Fprintf(&b, "# %d domains deleted from the %s registry on %s\n\n", n, registry, day)
		fmt.Fprintf(&b, "## Deletion took place on %s at %s\n\n", day, d.GeneratedAt)
		if d.SourceTimestamp != "" {
			fmt.Fprintf(&b, "Source timestamp: %s\n\n", d.SourceTimestamp)
		}
	default:
		day := d.Date.Format(DisplayDatePL)
		fmt.Fprintf(&b, "# W dniu %s usunięto %d domen z rejestru %s\n\n", day, n, registry)
		fmt.Fprintf(&b, "## Usunięcie nastąpiło w dniu %s o godzinie %s\n\n", day, d.GeneratedAt)
		if d.SourceTimestamp != "" {
			fmt.Fprintf(&b, "Znacznik czasu źródła: %s\n\n", d.SourceTimestamp)
		}
	}

	for _, dom := range d.Domains {
		b.WriteString("- ")
		b.WriteString(dom)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// stagedFile is one output file on its way to path via path.tmp.
type stagedFile struct {
	kind  string
	path  string
	tmp   string
	data  []byte
	start time.Time
}

// stage writes sf.data to sf.path + ".tmp" and syncs it. The temp file is removed
// when staging fails.
func (w *Writer) stage(sf *stagedFile) (err error) {
	sf.start = time.Now()
	tmp := sf.path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		w.Metrics.ObserveWriteError(sf.kind, "create")
		return fmt.Errorf("report: create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = io.Copy(f, bytes.NewReader(sf.data)); err != nil {
		f.Close()
		w.Metrics.ObserveWriteError(sf.kind, "write")
		return fmt.Errorf("report: write %s: %w", tmp, err)
	}
	if err = syncFile(f); err != nil {
		f.Close()
		w.Metrics.ObserveWriteError(sf.kind, "sync")
		return fmt.Errorf("report: sync %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		w.Metrics.ObserveWriteError(sf.kind, "close")
		return fmt.Errorf("report: close %s: %w", tmp, err)
	}
	sf.tmp = tmp
	return nil
}

// commit renames a staged file over its final path.
func (w *Writer) commit(sf stagedFile) error {
	if err := os.Rename(sf.tmp, sf.path); err != nil {
		w.Metrics.ObserveWriteError(sf.kind, "rename")
		return fmt.Errorf("report: rename %s to %s: %w", sf.tmp, sf.path, err)
	}
	w.Metrics.ObserveWrite(sf.kind, len(sf.data), time.Since(sf.start))
	w.logger().WithFields(logrus.Fields{"path": sf.path, "bytes": len(sf.data)}).Debug("report: file replaced")
	return nil
}

// discard removes the temp files of staged entries that were not committed.
func discard(files []stagedFile) {
	for _, sf := range files {
		if sf.tmp != "" {
			_ = os.Remove(sf.tmp)
		}
	}
}

func (w *Writer) language() Language {
	if w.Language == "" {
		return LanguagePL
	}
	return w.Language
}

func (w *Writer) registryName() string {
	if w.RegistryName == "" {
		return DefaultRegistryName
	}
	return w.RegistryName
}

func (w *Writer) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

func (w *Writer) logger() logrus.FieldLogger {
	if w.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		return l
	}
	return w.Log.WithField("component", "report")
}
