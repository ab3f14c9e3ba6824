// Package storage keeps finished callout documents: markdown files on local
// disk and JSON records archived to S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/experiment-callouts/internal/config"
	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/pkg/logger"
)

// ErrNotFound is returned when no callout exists for a date.
var ErrNotFound = errors.New("callout not found")

// Entry summarizes how one experiment was handled in a run.
type Entry struct {
	Experiment string `json:"experiment"`
	AnalysisID string `json:"analysis_id"`
	State      string `json:"state"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Fallback   bool   `json:"fallback,omitempty"`
	ToolCalls  int    `json:"tool_calls"`
	Iterations int    `json:"iterations"`
}

// Record is one generated callout with its run metadata.
type Record struct {
	domain.Callout
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"entries,omitempty"`
}

// Store saves and loads callout records. Save returns where the record went.
type Store interface {
	Save(ctx context.Context, rec Record) (string, error)
	Load(ctx context.Context, date string) (*Record, error)
}

// New builds the store selected by cfg.Type. s3Client may be nil when S3 is
// not used.
func New(cfg config.StorageConfig, s3Client ObjectAPI) (Store, error) {
	var stores []Store
	if cfg.UsesLocal() {
		local, err := NewLocalStore(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		stores = append(stores, local)
	}
	if cfg.UsesS3() {
		if s3Client == nil {
			return nil, fmt.Errorf("storage type %s needs an S3 client", cfg.Type)
		}
		s3Store, err := NewS3Store(s3Client, S3Options{
			Bucket:        cfg.S3Bucket,
			Prefix:        cfg.S3Prefix,
			Compress:      cfg.Compress,
			EncryptionKey: cfg.EncryptionKey,
		})
		if err != nil {
			return nil, err
		}
		stores = append(stores, s3Store)
	}
	switch len(stores) {
	case 0:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	case 1:
		return stores[0], nil
	default:
		return Multi(stores...), nil
	}
}

type multiStore struct {
	stores []Store
	log    *logger.Logger
}

// Multi saves to every store and loads from the first that has the date.
// A save succeeds when at least one store accepted the record.
func Multi(stores ...Store) Store {
	return &multiStore{stores: stores, log: logger.Default().With("component", "storage")}
}

func (m *multiStore) Save(ctx context.Context, rec Record) (string, error) {
	var first string
	var errs []error
	for _, s := range m.stores {
		loc, err := s.Save(ctx, rec)
		if err != nil {
			m.log.Warn("callout save failed", "date", rec.Date, "error", err)
			errs = append(errs, err)
			continue
		}
		if first == "" {
			first = loc
		}
	}
	if first == "" {
		return "", errors.Join(errs...)
	}
	return first, nil
}

func (m *multiStore) Load(ctx context.Context, date string) (*Record, error) {
	var errs []error
	for _, s := range m.stores {
		rec, err := s.Load(ctx, date)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, ErrNotFound
}
