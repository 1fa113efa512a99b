package risk

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"quantdesk/pkg/types"
)

// journalHeader is the fixed CSV column set of the alert journal.
var journalHeader = []string{"timestamp", "level", "code", "message"}

// journalTimeLayout is ISO-8601 to the second.
const journalTimeLayout = "2006-01-02T15:04:05"

// Journal mirrors risk alerts to an append-only CSV file. The file is
// opened once and kept open; each append is flushed immediately so a
// crash loses at most the alert being written. The header is written
// only when the file starts empty, so restarts keep appending to the
// same journal.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
}

// OpenJournal opens (or creates) the CSV journal at path, creating
// parent directories as needed.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{path: path, file: f, w: csv.NewWriter(f)}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	if info.Size() == 0 {
		if err := j.w.Write(journalHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write journal header: %w", err)
		}
		j.w.Flush()
		if err := j.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("write journal header: %w", err)
		}
	}
	return j, nil
}

// Path returns the backing file path.
func (j *Journal) Path() string { return j.path }

// Append writes one alert record and flushes it to disk.
func (j *Journal) Append(alert types.RiskAlert) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	record := []string{
		alert.Timestamp.Format(journalTimeLayout),
		string(alert.Level),
		alert.Code,
		alert.Message,
	}
	if err := j.w.Write(record); err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Flush()
	return j.file.Close()
}
