package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.etcd.io/bbolt"

	"llamaburn/internal/stress"
)

const bucketRuns = "runs"

// Store persists stress run results in a bbolt file, keyed by run ID.
type Store struct {
	db       *bbolt.DB
	filePath string
}

// DefaultPath is ~/.llamaburn/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".llamaburn", "history.db"), nil
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, filePath: path}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Save(res *stress.Result) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuns))

		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return b.Put([]byte(res.RunID), data)
	})
}

// List returns summary entries, newest first.
func (s *Store) List() []HistoryEntry {
	var entries []HistoryEntry

	_ = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuns))
		return b.ForEach(func(_, v []byte) error {
			var res stress.Result
			if err := json.Unmarshal(v, &res); err == nil {
				entries = append(entries, entryOf(&res))
			}
			return nil
		})
	})

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartedAt.After(entries[j].StartedAt)
	})
	return entries
}

func (s *Store) Get(runID string) (*stress.Result, error) {
	var res stress.Result
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketRuns))
		v := b.Get([]byte(runID))
		if v == nil {
			return fmt.Errorf("run %s not found", runID)
		}
		return json.Unmarshal(v, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}
