package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"marlin/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore archives OHLCV bars as Parquet files on disk for offline
// strategy research. Layout: <DataDir>/bars/<AssetType>/<UIC>/<YYYY>.parquet
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// BarRecord is the Parquet schema for archived bar data.
type BarRecord struct {
	AssetType string  `parquet:"asset_type"`
	UIC       int32   `parquet:"uic"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// WriteBars appends bars to the archive, merging with any existing file for
// the same instrument and year. Duplicate timestamps prefer the incoming
// record.
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		id   domain.InstrumentID
		year int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{id: b.Instrument, year: b.Timestamp.Year()}
		groups[k] = append(groups[k], BarRecord{
			AssetType: string(b.Instrument.AssetType),
			UIC:       int32(b.Instrument.UIC),
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for k, records := range groups {
		path := s.barPath(k.id, k.year)

		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.id, k.year, err)
		}
	}
	return nil
}

// ReadBars reads archived bars for the instrument in [start, end].
func (s *ParquetStore) ReadBars(_ context.Context, id domain.InstrumentID, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(id, year))
		if err != nil {
			// No archive for this year.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Instrument: id,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
			})
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// ListInstruments lists all instruments present in the archive.
func (s *ParquetStore) ListInstruments(_ context.Context) ([]domain.InstrumentID, error) {
	root := filepath.Join(s.DataDir, "bars")
	assetDirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []domain.InstrumentID
	for _, ad := range assetDirs {
		if !ad.IsDir() {
			continue
		}
		uicDirs, err := os.ReadDir(filepath.Join(root, ad.Name()))
		if err != nil {
			continue
		}
		for _, ud := range uicDirs {
			if !ud.IsDir() {
				continue
			}
			uic, err := strconv.Atoi(ud.Name())
			if err != nil {
				continue
			}
			ids = append(ids, domain.InstrumentID{AssetType: domain.AssetType(ad.Name()), UIC: uic})
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return strings.Compare(ids[i].String(), ids[j].String()) < 0
	})
	return ids, nil
}

// barPath returns the archive path for one instrument-year.
func (s *ParquetStore) barPath(id domain.InstrumentID, year int) string {
	return filepath.Join(s.DataDir, "bars", string(id.AssetType),
		strconv.Itoa(id.UIC), strconv.Itoa(year)+".parquet")
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

// mergeBarRecords deduplicates by timestamp, preferring incoming records,
// and returns the result sorted by timestamp.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
