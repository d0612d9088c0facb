package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// Top-level buckets. Each holds one nested bucket per normalized keyword.
var (
	bucketProducts = []byte("products")
	bucketRuns     = []byte("runs")
	bucketReports  = []byte("reports")
)

// BoltStore implements Store using an embedded bbolt file.
type BoltStore struct {
	db        *bolt.DB
	path      string
	freshness time.Duration
	now       clock
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string, freshness time.Duration) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketProducts, bucketRuns, bucketReports} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db, path: path, freshness: freshness, now: time.Now}, nil
}

// SetClock replaces the time source used for the freshness window.
func (s *BoltStore) SetClock(now func() time.Time) {
	s.now = now
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

// LoadExisting implements Store.
func (s *BoltStore) LoadExisting(ctx context.Context, keyword string, minCount int) ([]model.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []productRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := keywordBucket(tx, bucketProducts, keyword)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r productRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal product: %w", err)
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return fresh(inSaveOrder(records), s.now.cutoff(s.freshness), minCount), nil
}

// SaveBatch implements Store.
func (s *BoltStore) SaveBatch(ctx context.Context, products []model.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(products) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, p := range products {
			b, err := createKeywordBucket(tx, bucketProducts, p.Keyword)
			if err != nil {
				return err
			}
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(productRecord{Seq: seq, Product: p})
			if err != nil {
				return fmt.Errorf("failed to marshal product: %w", err)
			}
			if err := b.Put([]byte(p.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveRun implements Store.
func (s *BoltStore) SaveRun(ctx context.Context, run model.ScrapeRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := createKeywordBucket(tx, bucketRuns, run.Keyword)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

// Runs implements Store.
func (s *BoltStore) Runs(ctx context.Context, keyword string, limit int) ([]model.ScrapeRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var runs []model.ScrapeRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := keywordBucket(tx, bucketRuns, keyword)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r model.ScrapeRun
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal run: %w", err)
			}
			runs = append(runs, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return newestRunsFirst(runs, limit), nil
}

// SaveReport implements Store. Reports are keyed by a per-keyword sequence
// so cursor order is insertion order.
func (s *BoltStore) SaveReport(ctx context.Context, report *model.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := createKeywordBucket(tx, bucketReports, report.Keyword)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// History implements Store.
func (s *BoltStore) History(ctx context.Context, keyword string, limit int) ([]model.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var reports []model.Report
	err := s.db.View(func(tx *bolt.Tx) error {
		b := keywordBucket(tx, bucketReports, keyword)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(reports) == limit {
				break
			}
			var r model.Report
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal report: %w", err)
			}
			reports = append(reports, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func keywordBucket(tx *bolt.Tx, top []byte, keyword string) *bolt.Bucket {
	parent := tx.Bucket(top)
	if parent == nil {
		return nil
	}
	return parent.Bucket([]byte(NormalizeKeyword(keyword)))
}

func createKeywordBucket(tx *bolt.Tx, top []byte, keyword string) (*bolt.Bucket, error) {
	parent := tx.Bucket(top)
	if parent == nil {
		return nil, fmt.Errorf("bucket %s not found", top)
	}
	key := NormalizeKeyword(keyword)
	if key == "" {
		return nil, fmt.Errorf("empty keyword")
	}
	return parent.CreateBucketIfNotExists([]byte(key))
}

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
