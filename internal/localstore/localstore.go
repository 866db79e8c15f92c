// Package localstore implements the Local Store: a columnar batch
// writer with file rotation and retention, using a Zstd-compressed
// sorting Parquet writer over PETRA's six-column signal-history schema.
package localstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	pq "github.com/parquet-go/parquet-go"

	"github.com/lithos-systems/petra/internal/perr"
	"github.com/lithos-systems/petra/internal/plog"
	"github.com/lithos-systems/petra/pkg/value"
)

var log = plog.For("LOCALSTORE")

// Row is one signal observation: a fixed six-column schema where exactly
// one of BoolValue/IntValue/FloatValue is meaningful, selected by
// ValueType.
type Row struct {
	TimestampNanos int64   `parquet:"timestamp"`
	Signal         string  `parquet:"signal"`
	ValueType      string  `parquet:"value_type"`
	BoolValue      *bool   `parquet:"value_bool,optional"`
	IntValue       *int32  `parquet:"value_int,optional"`
	FloatValue     *float64 `parquet:"value_float,optional"`
}

// RowFromValue builds a Row from a signal name/value pair at the given
// wall time.
func RowFromValue(ts int64, name string, v value.Value) Row {
	r := Row{TimestampNanos: ts, Signal: name}
	switch v.Kind() {
	case value.Bool:
		b := v.Bool()
		r.ValueType = "bool"
		r.BoolValue = &b
	case value.Int32:
		i := v.Int32()
		r.ValueType = "int"
		r.IntValue = &i
	default:
		f := v.Float64()
		r.ValueType = "float"
		r.FloatValue = &f
	}
	return r
}

// Options configures a Store.
type Options struct {
	DataDir       string
	Prefix        string // filename prefix, default "petra"
	MaxFileSizeMB int64  // rotate once the active file exceeds this size
	RetentionDays int    // 0 = infinite
}

// Store is the Local Store. It owns at most one open file at a time.
type Store struct {
	opts Options

	mu        sync.Mutex
	buf       []Row
	byteCount int64
}

// New constructs a Store. The data directory is created lazily on first write.
func New(opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "petra"
	}
	return &Store{opts: opts}
}

// estimatedRowBytes approximates a row's on-disk footprint for rotation
// accounting ahead of the final Parquet footer size.
const estimatedRowBytes = 48

// WriteBatch appends rows to the in-memory buffer of the file being built;
// nothing is written to disk until the buffer is sealed. If the running
// byte estimate exceeds MaxFileSizeMB after this batch, the buffer is
// sealed into a new Parquet file immediately.
func (s *Store) WriteBatch(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, rows...)
	s.byteCount += int64(len(rows)) * estimatedRowBytes

	maxBytes := s.opts.MaxFileSizeMB * 1024 * 1024
	if maxBytes > 0 && s.byteCount > maxBytes {
		return s.sealLocked()
	}
	return nil
}

// Flush seals the in-memory buffer to a new Parquet file unconditionally;
// the historian calls it on every batch flush before checkpointing the WAL.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	return s.sealLocked()
}

func (s *Store) sealLocked() error {
	rows := s.buf
	s.buf = nil
	s.byteCount = 0

	filename := filepath.Join(s.opts.DataDir, fmt.Sprintf("%s_%d.parquet", s.opts.Prefix, time.Now().UnixNano()))
	if err := writeParquetFile(filename, rows); err != nil {
		return perr.IO("localstore.WriteBatch", err)
	}
	log.Infof("sealed %s (%d rows)", filename, len(rows))
	return nil
}

// writeParquetFile writes rows to a Zstd-compressed Parquet file sorted
// by (signal, timestamp).
func writeParquetFile(filename string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("creating local store directory: %w", err)
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating parquet file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<20)

	writer := pq.NewGenericWriter[Row](bw,
		pq.Compression(&pq.Zstd),
		pq.SortingWriterConfig(pq.SortingColumns(
			pq.Ascending("signal"),
			pq.Ascending("timestamp"),
		)),
	)

	if _, err := writer.Write(rows); err != nil {
		return fmt.Errorf("writing parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return bw.Flush()
}

// SealedFiles lists sealed (non-archived) local store files, oldest
// first, for the historian's remote-sync walk.
func (s *Store) SealedFiles() ([]string, error) {
	entries, err := os.ReadDir(s.opts.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.IO("localstore.SealedFiles", err)
	}

	type fileInfo struct {
		name string
		mod  time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".parquet" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = filepath.Join(s.opts.DataDir, f.name)
	}
	return out, nil
}

// ArchiveFile moves a sealed file into the data dir's archive/ subdirectory.
func (s *Store) ArchiveFile(path string) error {
	archiveDir := filepath.Join(s.opts.DataDir, "archive")
	if err := os.MkdirAll(archiveDir, 0o750); err != nil {
		return perr.IO("localstore.ArchiveFile", err)
	}
	dest := filepath.Join(archiveDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return perr.IO("localstore.ArchiveFile", err)
	}
	return nil
}

// EnforceRetention deletes sealed files (not archived ones) older than
// RetentionDays. A RetentionDays of 0 disables retention entirely.
func (s *Store) EnforceRetention() error {
	if s.opts.RetentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.opts.RetentionDays)

	entries, err := os.ReadDir(s.opts.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return perr.IO("localstore.EnforceRetention", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".parquet" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.opts.DataDir, e.Name())
			if err := os.Remove(path); err != nil {
				log.Warnf("retention: removing %s: %v", path, err)
				continue
			}
			log.Infof("retention: removed expired file %s", path)
		}
	}
	return nil
}

// RunRetentionLoop periodically enforces retention until stopCh closes.
func (s *Store) RunRetentionLoop(interval time.Duration, stopCh <-chan struct{}, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := s.EnforceRetention(); err != nil {
					log.Warnf("retention pass failed: %v", err)
				}
			}
		}
	}()
}
