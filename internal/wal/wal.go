// Package wal implements PETRA's Write-Ahead Log: an append-only,
// CRC-protected, monotonically sequenced record of signal-change
// operations with checkpoint and replay, using a length-prefixed binary
// envelope with a CRC32 trailer.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithos-systems/petra/internal/perr"
	"github.com/lithos-systems/petra/internal/plog"
)

var log = plog.For("WAL")

const segmentFileName = "current.wal"

// Options configures a WAL instance.
type Options struct {
	Dir          string
	MaxSizeBytes int64 // 0 = unbounded
	SyncOnWrite  bool  // fsync after every append; off trades durability for throughput
}

// WAL is the Write-Ahead Log. Exclusively owned by one historian task in
// normal operation; construct with Open.
type WAL struct {
	opts  Options
	codec *codec

	mu       sync.Mutex
	f        *os.File
	nextSeq  atomic.Uint64
	corrupt  atomic.Uint64
}

// Open opens (creating if needed) the WAL segment under opts.Dir and
// recovers the sequence counter by scanning forward from the start,
// discarding any corrupted tail per the durability contract.
func Open(opts Options) (*WAL, error) {
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, perr.IO("wal.Open", fmt.Errorf("mkdir %s: %w", opts.Dir, err))
	}

	c, err := newCodec()
	if err != nil {
		return nil, perr.IO("wal.Open", err)
	}

	path := filepath.Join(opts.Dir, segmentFileName)
	nextSeq, corruptionCount, err := recoverSegment(path, c)
	if err != nil {
		return nil, perr.IO("wal.Open", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o640)
	if err != nil {
		return nil, perr.IO("wal.Open", fmt.Errorf("open %s: %w", path, err))
	}

	w := &WAL{opts: opts, codec: c, f: f}
	w.nextSeq.Store(nextSeq)
	w.corrupt.Store(corruptionCount)

	if corruptionCount > 0 {
		log.Warnf("recovered %s with %d corrupted tail record(s) discarded, resuming at seq %d", path, corruptionCount, w.nextSeq.Load())
	} else {
		log.Infof("recovered %s, resuming at seq %d", path, w.nextSeq.Load())
	}

	return w, nil
}

// recoverSegment scans path forward from the beginning, validating each
// record, and returns the sequence the next Append uses (0 when the
// segment holds no valid record). A record whose CRC fails but whose
// header is intact is stepped over and left in place for ReadRange to skip
// and count. Any other invalid record truncates the file to the last known
// good offset (a partial trailing write is the expected crash signature)
// and is counted; any read error earlier than that is a genuine I/O failure.
func recoverSegment(path string, c *codec) (nextSeq uint64, corrupted uint64, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s for recovery: %w", path, err)
	}
	defer f.Close()

	br := newBufferedReader(f)
	var offset int64
	var lastGoodOffset int64
	var highestSeq uint64
	var sawAny bool

	for {
		start := offset
		payloadLen := int64(-1)
		if hdr, herr := br.Peek(8); herr == nil {
			payloadLen = int64(binary.LittleEndian.Uint32(hdr[4:8]))
		}
		payload, rerr := readRecord(br)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ce, ok := rerr.(*corruptErr); ok && ce.reason == "crc mismatch" && payloadLen >= 0 {
				offset = start + 8 + payloadLen + 4
				lastGoodOffset = offset
				continue
			}
			if isCorrupt(rerr) {
				corrupted++
				break
			}
			return 0, 0, fmt.Errorf("reading %s: %w", path, rerr)
		}

		entry, derr := c.decode(payload)
		if derr != nil {
			corrupted++
			break
		}

		sawAny = true
		if entry.Sequence > highestSeq {
			highestSeq = entry.Sequence
		}
		offset = start + 8 + int64(len(payload)) + 4
		lastGoodOffset = offset
	}

	if corrupted > 0 {
		if err := f.Truncate(lastGoodOffset); err != nil {
			return 0, 0, fmt.Errorf("truncating corrupt tail of %s: %w", path, err)
		}
	}

	if !sawAny {
		return 0, corrupted, nil
	}
	return highestSeq + 1, corrupted, nil
}

// Append allocates the next sequence number, writes the record, and
// (subject to the configured fsync policy) returns once it is durable.
// This is the historian's durability barrier: a returned error here must
// be treated as fatal by the caller.
func (w *WAL) Append(op Operation) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeq.Load()
	entry := Entry{Sequence: seq, Timestamp: time.Now().UnixNano(), Operation: op}

	payload, err := w.codec.encode(entry)
	if err != nil {
		return 0, perr.IO("wal.Append", err)
	}

	if err := writeRecord(w.f, payload); err != nil {
		return 0, perr.IO("wal.Append", fmt.Errorf("write record: %w", err))
	}

	if w.opts.SyncOnWrite {
		if err := w.f.Sync(); err != nil {
			return 0, perr.IO("wal.Append", fmt.Errorf("fsync: %w", err))
		}
	}

	w.nextSeq.Add(1)

	if w.opts.MaxSizeBytes > 0 {
		if sz, serr := bufferedFileSize(w.f); serr == nil && sz > w.opts.MaxSizeBytes {
			log.Warnf("wal segment %s is %d bytes, past the configured %d byte limit; a checkpoint is overdue", w.f.Name(), sz, w.opts.MaxSizeBytes)
		}
	}

	return seq, nil
}

// Size reports the current on-disk size of the active segment file, for
// the metrics endpoint and for operators sizing MaxSizeBytes.
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sz, err := bufferedFileSize(w.f)
	if err != nil {
		return 0, perr.IO("wal.Size", err)
	}
	return sz, nil
}

// ReadRange returns every valid entry with sequence in [startSeq, endSeq],
// inclusive. Corrupted entries encountered mid-file are skipped, counted,
// and logged rather than aborting the whole read.
func (w *WAL) ReadRange(startSeq, endSeq uint64) ([]Entry, error) {
	w.mu.Lock()
	path := w.f.Name()
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, perr.IO("wal.ReadRange", err)
	}
	defer f.Close()

	br := newBufferedReader(f)
	var out []Entry
	for {
		payload, rerr := readRecord(br)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if isCorrupt(rerr) {
				w.corrupt.Add(1)
				log.Warnf("skipping corrupted wal record during read_range: %v", rerr)
				continue
			}
			return out, perr.IO("wal.ReadRange", rerr)
		}

		entry, derr := w.codec.decode(payload)
		if derr != nil {
			w.corrupt.Add(1)
			log.Warnf("skipping undecodable wal record during read_range: %v", derr)
			continue
		}

		if entry.Sequence < startSeq || entry.Sequence > endSeq {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Checkpoint compacts the segment so only entries with sequence >=
// (current_next_seq - keepLastN) remain, rewriting the underlying file.
// Records that fail their CRC are dropped; a record with a damaged header,
// or one that does not decode, ends the copy and nothing after it is kept.
func (w *WAL) Checkpoint(keepLastN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.nextSeq.Load()
	var threshold uint64
	if current > keepLastN {
		threshold = current - keepLastN
	}

	path := w.f.Name()
	if err := w.f.Sync(); err != nil {
		return perr.IO("wal.Checkpoint", err)
	}

	tmpPath := path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return perr.IO("wal.Checkpoint", err)
	}

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return perr.IO("wal.Checkpoint", err)
	}
	br := newBufferedReader(w.f)
	bw := bufio.NewWriterSize(tmp, 64*1024)

	for {
		payload, rerr := readRecord(br)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ce, ok := rerr.(*corruptErr); ok && ce.reason == "crc mismatch" {
				continue // framing intact: drop only this record
			}
			if isCorrupt(rerr) {
				break
			}
			tmp.Close()
			return perr.IO("wal.Checkpoint", rerr)
		}
		entry, derr := w.codec.decode(payload)
		if derr != nil {
			break
		}
		if entry.Sequence < threshold {
			continue
		}
		if err := writeRecord(bw, payload); err != nil {
			tmp.Close()
			return perr.IO("wal.Checkpoint", err)
		}
	}

	if err := bw.Flush(); err != nil {
		tmp.Close()
		return perr.IO("wal.Checkpoint", err)
	}
	if err := tmp.Close(); err != nil {
		return perr.IO("wal.Checkpoint", err)
	}

	if err := w.f.Close(); err != nil {
		return perr.IO("wal.Checkpoint", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return perr.IO("wal.Checkpoint", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o640)
	if err != nil {
		return perr.IO("wal.Checkpoint", err)
	}
	w.f = f

	log.Infof("checkpointed wal, kept entries with sequence >= %d", threshold)
	return nil
}

// CorruptionCount reports how many corrupted entries have been
// encountered since Open, across recovery and subsequent reads.
func (w *WAL) CorruptionCount() uint64 { return w.corrupt.Load() }

// NextSequence reports the sequence number the next Append will use.
func (w *WAL) NextSequence() uint64 { return w.nextSeq.Load() }

// Close closes the underlying segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
