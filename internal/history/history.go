// Package history keeps finished measurements in a local bbolt file.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/cybertec-postgresql/lagprobe/internal/probe"
)

const bucketRuns = "runs"

// Recorder persists measurement results
type Recorder interface {
	Save(ctx context.Context, res *probe.Result) error
	List(ctx context.Context, limit int) ([]probe.Result, error)
	Close() error
}

// Store is a Recorder backed by a bbolt file
type Store struct {
	db   *bbolt.DB
	path string
}

var _ Recorder = (*Store)(nil)

// DefaultPath returns ~/.lagprobe/history.db
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lagprobe", "history.db"), nil
}

// Open opens or creates the history file at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history file %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history file: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the history file
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// runKey sorts by start time so a reverse cursor walk yields newest first
func runKey(res *probe.Result) []byte {
	return fmt.Appendf(nil, "%020d-%s", res.StartedAt.UnixNano(), res.ID)
}

// Save stores res
func (s *Store) Save(_ context.Context, res *probe.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketRuns)).Put(runKey(res), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"run":  res.ID,
		"path": s.path,
	}).Debug("Saved result to history file")
	return nil
}

// List returns up to limit results, newest first. A non-positive limit returns all.
func (s *Store) List(_ context.Context, limit int) ([]probe.Result, error) {
	var results []probe.Result

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(results) >= limit {
				break
			}
			var res probe.Result
			if err := json.Unmarshal(v, &res); err != nil {
				logrus.WithError(err).WithField("key", string(k)).Warn("Skipping unreadable history entry")
				continue
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return results, nil
}
