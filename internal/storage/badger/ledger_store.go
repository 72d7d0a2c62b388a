// Package badger persists the application ledger in an embedded Badger database.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/autoapply/internal/apply"
)

const (
	processedPrefix = "p|"
	resultPrefix    = "r|"
)

// Config locates the database.
type Config struct {
	Dir        string `mapstructure:"dir"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// LedgerStore keeps processed markers under p|<work item> and results under r|<result id>.
type LedgerStore struct {
	db *badger.DB
}

// Open opens or creates the database.
func Open(cfg Config) (*LedgerStore, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, errors.New("ledger.badger.dir is required")
	}
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger ledger store: %w", err)
	}
	return &LedgerStore{db: db}, nil
}

// LoadProcessed returns every work item with a processed marker.
func (s *LedgerStore) LoadProcessed(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(processedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			k := it.Item().Key()
			ids = append(ids, string(bytes.TrimPrefix(k, []byte(processedPrefix))))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load processed: %w", err)
	}
	return ids, nil
}

// AppendResults writes results and processed markers. Transient failures and lost
// claims get no marker.
func (s *LedgerStore) AppendResults(_ context.Context, results []apply.ApplicationResult) error {
	if len(results) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	flushed := false
	defer func() {
		if !flushed {
			wb.Cancel()
		}
	}()
	for _, r := range results {
		if r.ID == "" {
			return fmt.Errorf("result for %s has no id", r.WorkItemID)
		}
		enc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal result %s: %w", r.ID, err)
		}
		if err := wb.Set([]byte(resultPrefix+r.ID), enc); err != nil {
			return fmt.Errorf("write result %s: %w", r.ID, err)
		}
		if r.Outcome == apply.OutcomeTransientFailure || r.LostClaim() {
			continue
		}
		if err := wb.Set([]byte(processedPrefix+r.WorkItemID), []byte(r.Outcome)); err != nil {
			return fmt.Errorf("write marker %s: %w", r.WorkItemID, err)
		}
	}
	flushed = true
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush results: %w", err)
	}
	return nil
}

// Results returns every stored result, ordered by result id.
func (s *LedgerStore) Results(ctx context.Context) ([]apply.ApplicationResult, error) {
	var out []apply.ApplicationResult
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(resultPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(v []byte) error {
				var r apply.ApplicationResult
				if err := json.Unmarshal(v, &r); err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *LedgerStore) Close() error {
	return s.db.Close()
}
