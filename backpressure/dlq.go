package backpressure

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"otbridge.evalgo.org/model"
)

// DLQ is the dead-letter tier: an append-only set of segment files in the
// spool frame format that the gateway never consumes. Each entry carries
// the reason the sink refused the record.
type DLQ struct {
	dir string
	key []byte
	cfg SpoolConfig

	mu             sync.Mutex
	writer         *os.File
	writerSeq      uint64
	writerSize     int64
	writerOpenedAt time.Time
	nextSeq        uint64
	count          int64
}

// OpenDLQ opens (or creates) the dead-letter queue in dir. Existing
// segments are left untouched; new entries append to a fresh segment.
func OpenDLQ(dir string, key []byte, cfg SpoolConfig) (*DLQ, error) {
	cfg.withDefaults()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create dlq dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq dir: %w", err)
	}
	var highest uint64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		if seq > highest {
			highest = seq
		}
	}

	return &DLQ{dir: dir, key: key, cfg: cfg, nextSeq: highest + 1}, nil
}

// Write appends one dead-lettered record with its reason.
func (d *DLQ) Write(rec model.Record, reason string) error {
	frame, err := encodeFrame(d.key, envelope{Record: rec, Reason: reason})
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.writer == nil {
		f, err := os.OpenFile(segmentPath(d.dir, d.nextSeq), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to create dlq segment: %w", err)
		}
		d.writer = f
		d.writerSeq = d.nextSeq
		d.writerSize = 0
		d.writerOpenedAt = time.Now()
		d.nextSeq++
	}

	if _, err := d.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to append dlq frame: %w", err)
	}
	d.writerSize += int64(len(frame))
	d.count++

	if d.writerSize >= d.cfg.SegmentMaxBytes || time.Since(d.writerOpenedAt) >= d.cfg.SegmentMaxAge {
		return d.closeWriter()
	}
	return nil
}

func (d *DLQ) closeWriter() error {
	if d.writer == nil {
		return nil
	}
	f := d.writer
	d.writer = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync dlq segment: %w", err)
	}
	return f.Close()
}

// Count returns the number of entries written by this process.
func (d *DLQ) Count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Close syncs and closes the open segment.
func (d *DLQ) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeWriter()
}

// ReadAll decrypts every entry currently in the queue, oldest first. It is
// a diagnostic helper for tests and tooling; the pipeline never consumes
// the DLQ.
func ReadAll(dir string, key []byte) ([]model.Record, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list dlq dir: %w", err)
	}
	var seqs []uint64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		if seq, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64); err == nil {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var records []model.Record
	var reasons []string
	for _, seq := range seqs {
		f, err := os.Open(segmentPath(dir, seq))
		if err != nil {
			return nil, nil, err
		}
		for {
			env, _, err := readFrame(f, key)
			if err != nil {
				break
			}
			records = append(records, env.Record)
			reasons = append(reasons, env.Reason)
		}
		f.Close()
	}
	return records, reasons, nil
}
