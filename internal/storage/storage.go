// Package storage provides persistent storage for served predictions.
// It uses BoltDB as the underlying storage engine and keeps one bucket of
// audit events keyed by strategy and timestamp for efficient range queries.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"setup-scorer/internal/audit"

	"go.etcd.io/bbolt"
)

const (
	predictionsBucket = "predictions" // Bucket name for storing prediction events

	// DBFileName is the database file created under the data path.
	DBFileName = "predictions.db"
	// SinkName is the sink label used in logs and metrics.
	SinkName = "bolt"

	keyDigits = 20
)

// Store provides persistent storage for prediction events using BoltDB.
type Store struct {
	db *bbolt.DB // BoltDB database instance
}

// New opens or creates the database under dataPath for writing.
// Returns an error if the database cannot be opened or the bucket cannot be created.
func New(dataPath string) (*Store, error) {
	return open(dataPath, false)
}

// OpenReadOnly opens an existing database for queries. BoltDB holds an
// exclusive lock for writers, so this fails while a server has it open.
func OpenReadOnly(dataPath string) (*Store, error) {
	return open(dataPath, true)
}

func open(dataPath string, readOnly bool) (*Store, error) {
	dbPath := filepath.Join(dataPath, DBFileName)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if readOnly {
		return &Store{db: db}, nil
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection gracefully.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

func (s *Store) Name() string { return SinkName }

// Write implements audit.Sink.
func (s *Store) Write(_ context.Context, ev audit.Event) error {
	return s.StorePrediction(ev)
}

// StorePrediction stores an event with a key of "strategy_timestamp". Events
// sharing a nanosecond are kept by moving the later one forward.
func (s *Store) StorePrediction(ev audit.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal prediction: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))
		ts := ev.Timestamp.UnixNano()
		key := makeKey(ev.Strategy, ts)
		for b.Get(key) != nil {
			ts++
			key = makeKey(ev.Strategy, ts)
		}
		return b.Put(key, data)
	})
}

// GetPredictions retrieves events for a strategy within a time range.
// The range is inclusive of both start and end, and results are ordered by
// timestamp.
func (s *Store) GetPredictions(strategy string, start, end time.Time) ([]audit.Event, error) {
	var events []audit.Event

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()

		prefix := []byte(strategy + "_")
		endKey := makeKey(strategy, end.UnixNano())

		for k, v := c.Seek(makeKey(strategy, start.UnixNano())); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				break
			}

			var ev audit.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue // Skip malformed records
			}
			events = append(events, ev)
		}
		return nil
	})

	return events, err
}

// Count returns the number of stored events for strategy, or for every
// strategy when strategy is empty.
func (s *Store) Count(strategy string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))
		if b == nil {
			return nil
		}
		if strategy == "" {
			n = b.Stats().KeyN
			return nil
		}
		prefix := []byte(strategy + "_")
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) == len(prefix)+keyDigits {
				n++
			}
		}
		return nil
	})
	return n, err
}

// makeKey zero pads the timestamp so lexical order matches time order.
func makeKey(strategy string, unixNano int64) []byte {
	return []byte(fmt.Sprintf("%s_%0*d", strategy, keyDigits, unixNano))
}
