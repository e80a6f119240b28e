package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

type BoltHistoryStore struct {
	db *bolt.DB
}

const boltHistoryBucket = "fetchd-history"

func NewBoltHistoryStore(path string) (*BoltHistoryStore, error) {
	if path == "" {
		return nil, errors.New("storage: required bolt path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600,
		&bolt.Options{Timeout: time.Second},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: opening bolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists([]byte(boltHistoryBucket))
		return berr
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: cant init bucket: %w", err)
	}

	return &BoltHistoryStore{db: db}, nil
}

func (s *BoltHistoryStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores one journal record. Keys sort by finish time so that
// iteration order is chronological.
func (s *BoltHistoryStore) Append(ctx context.Context, rec Record) error {
	if s.db == nil {
		return errors.New("storage: bolt not init")
	} else if rec.ID == "" {
		return errors.New("storage: required record id")
	} else if err := ctx.Err(); err != nil {
		return err
	}

	p, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: cant marshal record: %w", err)
	}
	key := historyKey(rec)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltHistoryBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		return b.Put(key, p)
	})
}

func (s *BoltHistoryStore) List(ctx context.Context) ([]Record, error) {
	if s.db == nil {
		return nil, errors.New("storage: bolt not init")
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	recs := make([]Record, 0)
	if err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltHistoryBucket))
		if bucket == nil {
			return errors.New("storage: bucket miss")
		}
		return bucket.ForEach(func(_, v []byte) error {
			rec := Record{}
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("storage: cant unmarshal record: %w", err)
			}
			recs = append(recs, rec)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return recs, nil
}

// historyKeyTimeLayout is fixed-width: RFC3339Nano trims trailing
// fractional zeros, which breaks byte ordering across a second
// boundary ('.' sorts before 'Z').
const historyKeyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func historyKey(rec Record) []byte {
	return []byte(rec.FinishedAt.UTC().Format(historyKeyTimeLayout) + "#" + rec.ID)
}
