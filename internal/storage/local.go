package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

// LocalStore writes agent_callout_MMDD_HHMMSS.md files with a JSON sidecar
// holding the full record.
type LocalStore struct {
	dir string
	mu  sync.Mutex
	log *logger.Logger
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating callout directory: %w", err)
	}
	return &LocalStore{dir: dir, log: logger.Default().With("component", "storage", "backend", "local")}, nil
}

// FileName is the markdown file name for a record generated at rec.GeneratedAt.
func FileName(rec Record) string {
	return "agent_callout_" + rec.GeneratedAt.Format("0102_150405") + ".md"
}

// Save writes the markdown document and its sidecar.
func (s *LocalStore) Save(_ context.Context, rec Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, FileName(rec))
	if err := writeFileAtomic(path, []byte(rec.Markdown)); err != nil {
		return "", fmt.Errorf("writing callout: %w", err)
	}
	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding callout record: %w", err)
	}
	if err := writeFileAtomic(strings.TrimSuffix(path, ".md")+".json", meta); err != nil {
		return "", fmt.Errorf("writing callout record: %w", err)
	}
	s.log.Info("callout saved", "path", path, "date", rec.Date, "bytes", len(rec.Markdown))
	return path, nil
}

// Load returns the newest record for date.
func (s *LocalStore) Load(_ context.Context, date string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "agent_callout_*.json"))
	if err != nil {
		return nil, err
	}
	// names sort by MMDD_HHMMSS; the date inside disambiguates years
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.log.Warn("skipping unreadable callout record", "path", path, "error", err)
			continue
		}
		if rec.Date == date {
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
