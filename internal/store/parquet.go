package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradedesk/internal/domain"
)

// Compile-time interface check.
var _ QuoteArchive = (*ParquetStore)(nil)

// ParquetStore archives quotes to daily Parquet files per profile. Append
// only buffers; Flush merges the buffer into the files on disk.
type ParquetStore struct {
	DataDir string

	mu      sync.Mutex
	pending map[domain.ProfileID][]QuoteRecord
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{
		DataDir: dataDir,
		pending: make(map[domain.ProfileID][]QuoteRecord),
	}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// QuoteRecord is the Parquet schema for archived quotes.
type QuoteRecord struct {
	Key       string  `parquet:"key"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Bid       float64 `parquet:"bid"`
	Ask       float64 `parquet:"ask"`
	Last      float64 `parquet:"last"`
	Volume    int64   `parquet:"volume"`
}

// ---------------------------------------------------------------------------
// QuoteArchive implementation
// ---------------------------------------------------------------------------

// Append buffers quotes for the next Flush.
func (s *ParquetStore) Append(profile domain.ProfileID, quotes []domain.Quote) {
	if len(quotes) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range quotes {
		s.pending[profile] = append(s.pending[profile], QuoteRecord{
			Key:       q.Key,
			Timestamp: q.Timestamp.UnixMilli(),
			Bid:       q.Bid,
			Ask:       q.Ask,
			Last:      q.Last,
			Volume:    q.Volume,
		})
	}
}

// Pending returns the number of buffered, unflushed quotes.
func (s *ParquetStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, recs := range s.pending {
		n += len(recs)
	}
	return n
}

// Flush writes buffered quotes to disk, one file per profile and UTC day:
//
//	<DataDir>/quotes/<profile>/<YYYY-MM-DD>.parquet
//
// Records that fail to write are put back into the buffer.
func (s *ParquetStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[domain.ProfileID][]QuoteRecord)
	s.mu.Unlock()

	type key struct {
		profile domain.ProfileID
		date    string
	}
	groups := make(map[key][]QuoteRecord)
	for profile, recs := range batch {
		for _, r := range recs {
			k := key{profile, time.UnixMilli(r.Timestamp).UTC().Format("2006-01-02")}
			groups[k] = append(groups[k], r)
		}
	}

	var errs []error
	for k, records := range groups {
		if err := ctx.Err(); err != nil {
			s.requeue(k.profile, records)
			errs = append(errs, err)
			continue
		}
		path := s.quotePath(k.profile, k.date)

		existing, _ := readParquetFile[QuoteRecord](path)
		merged := mergeQuoteRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			s.requeue(k.profile, records)
			errs = append(errs, fmt.Errorf("writing quotes for %s/%s: %w", k.profile, k.date, err))
		}
	}
	return errors.Join(errs...)
}

func (s *ParquetStore) requeue(profile domain.ProfileID, recs []QuoteRecord) {
	s.mu.Lock()
	s.pending[profile] = append(s.pending[profile], recs...)
	s.mu.Unlock()
}

// ReadQuotes reads a profile's archived quotes for the UTC day containing
// day, ordered by timestamp.
func (s *ParquetStore) ReadQuotes(_ context.Context, profile domain.ProfileID, day time.Time) ([]domain.Quote, error) {
	path := s.quotePath(profile, day.UTC().Format("2006-01-02"))
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	records, err := readParquetFile[QuoteRecord](path)
	if err != nil {
		return nil, err
	}
	quotes := make([]domain.Quote, 0, len(records))
	for _, r := range records {
		quotes = append(quotes, domain.Quote{
			Key:       r.Key,
			Bid:       r.Bid,
			Ask:       r.Ask,
			Last:      r.Last,
			Volume:    r.Volume,
			Timestamp: time.UnixMilli(r.Timestamp),
		})
	}
	return quotes, nil
}

// ---------------------------------------------------------------------------
// Path and file helpers
// ---------------------------------------------------------------------------

// quotePath returns the filesystem path for a quote Parquet file.
func (s *ParquetStore) quotePath(profile domain.ProfileID, date string) string {
	return filepath.Join(s.DataDir, "quotes", string(profile), date+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeQuoteRecords deduplicates quote records by (key, timestamp), preferring
// new records over existing ones. Results are sorted by timestamp then key.
func mergeQuoteRecords(existing, incoming []QuoteRecord) []QuoteRecord {
	type key struct {
		key string
		ts  int64
	}
	seen := make(map[key]QuoteRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Key, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Key, r.Timestamp}] = r
	}

	merged := make([]QuoteRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].Key < merged[j].Key
	})
	return merged
}
