// Package archive packages reservation documents into a single ZIP archive.
package archive

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/pms-bundler/pkg/reservation"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var archiveSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "pms_archive_size_bytes",
	Help:    "Size of built reservation archives in bytes",
	Buckets: prometheus.ExponentialBuckets(64<<10, 4, 8),
})

// modTime is stamped on every entry so equal inputs give equal archives.
var modTime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Entry is one named file in the archive.
type Entry struct {
	Name string
	Data []byte
}

// ArchiveError is returned when the archive cannot be encoded.
type ArchiveError struct {
	Name string
	Err  error
}

// Error implements the error interface.
func (e *ArchiveError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("build archive: %v", e.Err)
	}
	return fmt.Sprintf("build archive: entry %s: %v", e.Name, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// EntriesFromResult returns one entry per successful outcome.
func EntriesFromResult(result reservation.Result) []Entry {
	successes := result.Successes()
	entries := make([]Entry, 0, len(successes))
	for _, o := range successes {
		entries = append(entries, Entry{Name: o.Filename, Data: o.Data})
	}
	return entries
}

// Build encodes entries into a ZIP archive. Entries are written sorted by
// name with a fixed modification time, so the output depends only on the
// names and contents. Zero entries produce a valid empty archive.
func Build(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var size int
	for _, e := range sorted {
		size += len(e.Data)
	}

	buf := bytes.NewBuffer(make([]byte, 0, size+1024))
	zw := zip.NewWriter(buf)

	for _, e := range sorted {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Deflate,
			Modified: modTime,
		})
		if err != nil {
			return nil, &ArchiveError{Name: e.Name, Err: err}
		}
		if _, err := w.Write(e.Data); err != nil {
			return nil, &ArchiveError{Name: e.Name, Err: err}
		}
	}

	if err := zw.Close(); err != nil {
		return nil, &ArchiveError{Err: err}
	}

	archiveSizeBytes.Observe(float64(buf.Len()))
	return buf.Bytes(), nil
}
