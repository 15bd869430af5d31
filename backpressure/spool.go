package backpressure

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrSpoolFull is returned by Append when the byte or segment cap
	// would be exceeded.
	ErrSpoolFull = errors.New("spool full")
	// ErrSpoolEmpty is returned by Next when no unread frame exists.
	ErrSpoolEmpty = errors.New("spool empty")
)

const (
	segmentSuffix = ".seg"
	metaFile      = "meta.db"

	metaBucket  = "spool"
	metaReadKey = "read_pos"
)

// SpoolConfig bounds the disk tier.
type SpoolConfig struct {
	// MaxBytes caps the total on-disk size. Default 1 GiB.
	MaxBytes int64 `yaml:"max_bytes"`
	// MaxSegments caps the number of segment files. Default 256.
	MaxSegments int `yaml:"max_segments"`
	// SegmentMaxBytes rolls a segment when it reaches this size.
	// Default 8 MiB.
	SegmentMaxBytes int64 `yaml:"segment_max_bytes"`
	// SegmentMaxAge rolls a segment regardless of size. Default 5m.
	SegmentMaxAge time.Duration `yaml:"segment_max_age"`
}

func (c *SpoolConfig) withDefaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 1 << 30
	}
	if c.MaxSegments <= 0 {
		c.MaxSegments = 256
	}
	if c.SegmentMaxBytes <= 0 {
		c.SegmentMaxBytes = 8 << 20
	}
	if c.SegmentMaxAge <= 0 {
		c.SegmentMaxAge = 5 * time.Minute
	}
}

// position identifies the next unread byte in the spool: everything before
// it has been handed to the consumer.
type position struct {
	Seq uint64
	Off int64
}

// Spool is the encrypted append-only FIFO disk tier. One writer and one
// reader; both are serialised through the spool mutex, which stays held
// while a rolled or closing segment is synced.
type Spool struct {
	dir string
	key []byte
	cfg SpoolConfig

	mu sync.Mutex

	meta *bolt.DB

	segments   map[uint64]int64 // seq -> size on disk
	totalBytes int64
	unread     int64

	writer         *os.File
	writerSeq      uint64
	writerSize     int64
	writerOpenedAt time.Time
	nextSeq        uint64

	readFile *os.File
	readPos  position
}

// OpenSpool opens (or creates) the spool in dir, replays the committed
// read position from the meta store and repairs a partially written tail
// segment by truncating it to the last valid frame.
func OpenSpool(dir string, key []byte, cfg SpoolConfig) (*Spool, error) {
	cfg.withDefaults()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}

	meta, err := bolt.Open(filepath.Join(dir, metaFile), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open spool meta store: %w", err)
	}

	s := &Spool{
		dir:      dir,
		key:      key,
		cfg:      cfg,
		meta:     meta,
		segments: make(map[uint64]int64),
	}
	if err := s.recover(); err != nil {
		meta.Close()
		return nil, err
	}
	return s, nil
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", seq, segmentSuffix))
}

func (s *Spool) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list spool dir: %w", err)
	}

	var seqs []uint64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	committed := position{Seq: 1}
	if err := s.meta.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(metaReadKey))
		if len(raw) == 16 {
			committed.Seq = binary.BigEndian.Uint64(raw)
			committed.Off = int64(binary.BigEndian.Uint64(raw[8:]))
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read spool meta: %w", err)
	}

	// Drop fully consumed segments, truncate the tail to its last valid
	// frame, then count the unread frames.
	for i, seq := range seqs {
		path := segmentPath(s.dir, seq)
		if seq < committed.Seq {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove consumed segment: %w", err)
			}
			continue
		}
		if i == len(seqs)-1 {
			if err := s.truncateToValid(path); err != nil {
				return err
			}
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat segment: %w", err)
		}
		s.segments[seq] = info.Size()
		s.totalBytes += info.Size()
	}

	if len(s.segments) == 0 {
		// Never reuse a sequence number that carries a nonzero committed
		// offset, or the next restart would skip the head of a fresh
		// segment.
		s.nextSeq = committed.Seq
		if committed.Off > 0 {
			s.nextSeq++
		}
		if s.nextSeq == 0 {
			s.nextSeq = 1
		}
		s.readPos = position{Seq: s.nextSeq}
		return nil
	}

	lowest, highest := seqs[len(seqs)-1], seqs[len(seqs)-1]
	for seq := range s.segments {
		if seq < lowest {
			lowest = seq
		}
		if seq > highest {
			highest = seq
		}
	}
	s.nextSeq = highest + 1

	s.readPos = committed
	if s.readPos.Seq < lowest {
		s.readPos = position{Seq: lowest}
	}
	if size, ok := s.segments[s.readPos.Seq]; ok && s.readPos.Off > size {
		s.readPos.Off = size
	}

	count, err := s.countFrom(s.readPos)
	if err != nil {
		return err
	}
	s.unread = count
	return nil
}

// truncateToValid walks the tail segment frame by frame, decrypting each,
// and truncates the file after the last frame that authenticates.
func (s *Spool) truncateToValid(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open tail segment: %w", err)
	}
	defer f.Close()

	var valid int64
	for {
		_, n, err := readFrame(f, s.key)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Both a truncated tail and a corrupt trailing frame are
			// repaired by cutting back to the last valid frame.
			return f.Truncate(valid)
		}
		valid += n
	}
}

// countFrom counts frames from pos to the end of the spool without
// decrypting them.
func (s *Spool) countFrom(pos position) (int64, error) {
	var count int64
	seqs := make([]uint64, 0, len(s.segments))
	for seq := range s.segments {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		if seq < pos.Seq {
			continue
		}
		f, err := os.Open(segmentPath(s.dir, seq))
		if err != nil {
			return 0, fmt.Errorf("failed to open segment: %w", err)
		}
		if seq == pos.Seq {
			if _, err := f.Seek(pos.Off, io.SeekStart); err != nil {
				f.Close()
				return 0, fmt.Errorf("failed to seek segment: %w", err)
			}
		}
		for {
			_, err := skipFrame(f)
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return 0, fmt.Errorf("unreadable spool segment %08d: %w", seq, err)
			}
			count++
		}
		f.Close()
	}
	return count, nil
}

// Append frames, seals and appends one envelope. ErrSpoolFull is returned
// when either cap would be exceeded; the caller applies the drop policy.
func (s *Spool) Append(env envelope) error {
	frame, err := encodeFrame(s.key, env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalBytes+int64(len(frame)) > s.cfg.MaxBytes {
		return ErrSpoolFull
	}
	if s.writer == nil && len(s.segments) >= s.cfg.MaxSegments {
		return ErrSpoolFull
	}

	if err := s.ensureWriter(); err != nil {
		return err
	}
	if _, err := s.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to append spool frame: %w", err)
	}
	s.writerSize += int64(len(frame))
	s.segments[s.writerSeq] = s.writerSize
	s.totalBytes += int64(len(frame))
	s.unread++

	if s.writerSize >= s.cfg.SegmentMaxBytes || time.Since(s.writerOpenedAt) >= s.cfg.SegmentMaxAge {
		return s.closeWriter()
	}
	return nil
}

func (s *Spool) ensureWriter() error {
	if s.writer != nil {
		return nil
	}
	seq := s.nextSeq
	f, err := os.OpenFile(segmentPath(s.dir, seq), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	s.writer = f
	s.writerSeq = seq
	s.writerSize = 0
	s.writerOpenedAt = time.Now()
	s.nextSeq = seq + 1
	s.segments[seq] = 0
	return nil
}

// closeWriter syncs and closes the active segment. Durability is at
// segment close, not per record.
func (s *Spool) closeWriter() error {
	if s.writer == nil {
		return nil
	}
	f := s.writer
	s.writer = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync segment: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close segment: %w", err)
	}
	return nil
}

// Next reads the next unread frame and advances the in-memory read
// position. The position is not durable until Commit is called with the
// returned position.
func (s *Spool) Next() (envelope, position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.unread == 0 {
			return envelope{}, position{}, ErrSpoolEmpty
		}

		size, ok := s.segments[s.readPos.Seq]
		if !ok || s.readPos.Off >= size {
			// Current segment exhausted (or missing after a commit
			// cleanup); move to the next one.
			if !s.advanceReadSegment() {
				return envelope{}, position{}, ErrSpoolEmpty
			}
			continue
		}

		if err := s.ensureReader(); err != nil {
			return envelope{}, position{}, err
		}
		env, n, err := readFrame(s.readFile, s.key)
		if err != nil {
			return envelope{}, position{}, fmt.Errorf("unreadable spool segment %08d: %w", s.readPos.Seq, err)
		}
		s.readPos.Off += n
		s.unread--
		return env, s.readPos, nil
	}
}

func (s *Spool) advanceReadSegment() bool {
	if s.readFile != nil {
		s.readFile.Close()
		s.readFile = nil
	}
	next := s.readPos.Seq + 1
	for ; next < s.nextSeq; next++ {
		if _, ok := s.segments[next]; ok {
			s.readPos = position{Seq: next}
			return true
		}
	}
	return false
}

func (s *Spool) ensureReader() error {
	if s.readFile != nil {
		return nil
	}
	f, err := os.Open(segmentPath(s.dir, s.readPos.Seq))
	if err != nil {
		return fmt.Errorf("failed to open segment for read: %w", err)
	}
	if _, err := f.Seek(s.readPos.Off, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("failed to seek segment: %w", err)
	}
	s.readFile = f
	return nil
}

// Commit makes the read position durable and deletes segments that lie
// entirely before it.
func (s *Spool) Commit(pos position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.meta.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		raw := make([]byte, 16)
		binary.BigEndian.PutUint64(raw, pos.Seq)
		binary.BigEndian.PutUint64(raw[8:], uint64(pos.Off))
		return b.Put([]byte(metaReadKey), raw)
	}); err != nil {
		return fmt.Errorf("failed to commit spool position: %w", err)
	}

	for seq, size := range s.segments {
		if seq >= pos.Seq {
			continue
		}
		if seq == s.writerSeq && s.writer != nil {
			continue
		}
		if err := os.Remove(segmentPath(s.dir, seq)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove consumed segment: %w", err)
		}
		s.totalBytes -= size
		delete(s.segments, seq)
	}
	return nil
}

// Unread returns the number of frames not yet handed to the consumer.
func (s *Spool) Unread() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Bytes returns the current on-disk size of all segments.
func (s *Spool) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

// Close syncs the open segment and releases all handles.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.closeWriter(); err != nil {
		firstErr = err
	}
	if s.readFile != nil {
		s.readFile.Close()
		s.readFile = nil
	}
	if err := s.meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
