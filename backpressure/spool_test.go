package backpressure

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otbridge.evalgo.org/model"
)

func testKey() []byte {
	k := sha256.Sum256([]byte("spool test key"))
	return k[:]
}

func testRecord(i int) model.Record {
	return model.Record{
		SourceName:   "src",
		Protocol:     model.ProtocolModbus,
		RawTag:       fmt.Sprintf("holding/%d", 40000+i),
		Path:         fmt.Sprintf("plant1/area/line/plc/speed/r%04d", i),
		Value:        model.IntValue(int64(i)),
		Quality:      model.QualityGood,
		SourceMicros: int64(1700000000000000 + i),
		IngestMicros: int64(1700000000000001 + i),
	}
}

func TestSpoolAppendReadCommit(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSpool(dir, testKey(), SpoolConfig{})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(envelope{Record: testRecord(i)}))
	}
	assert.Equal(t, int64(10), s.Unread())

	for i := 0; i < 10; i++ {
		env, pos, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, testRecord(i).Path, env.Record.Path)
		require.NoError(t, s.Commit(pos))
	}

	_, _, err = s.Next()
	assert.ErrorIs(t, err, ErrSpoolEmpty)
}

func TestSpoolSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSpool(dir, testKey(), SpoolConfig{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(envelope{Record: testRecord(i)}))
	}
	require.NoError(t, s.Close())

	s2, err := OpenSpool(dir, testKey(), SpoolConfig{})
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, int64(5), s2.Unread())

	env, pos, err := s2.Next()
	require.NoError(t, err)
	assert.Equal(t, testRecord(0).Path, env.Record.Path)
	require.NoError(t, s2.Commit(pos))
}

func TestSpoolCommitIsDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSpool(dir, testKey(), SpoolConfig{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(envelope{Record: testRecord(i)}))
	}
	// Consume and commit the first two.
	for i := 0; i < 2; i++ {
		_, pos, err := s.Next()
		require.NoError(t, err)
		require.NoError(t, s.Commit(pos))
	}
	require.NoError(t, s.Close())

	// A delivered record is never replayed.
	s2, err := OpenSpool(dir, testKey(), SpoolConfig{})
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, int64(3), s2.Unread())
	env, _, err := s2.Next()
	require.NoError(t, err)
	assert.Equal(t, testRecord(2).Path, env.Record.Path)
}

func TestSpoolTruncatesPartialTailFrame(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSpool(dir, testKey(), SpoolConfig{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Append(envelope{Record: testRecord(i)}))
	}
	require.NoError(t, s.Close())

	// Simulate a crash mid-write by chopping bytes off the tail segment.
	seg := segmentPath(dir, 1)
	info, err := os.Stat(seg)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(seg, info.Size()-7))

	s2, err := OpenSpool(dir, testKey(), SpoolConfig{})
	require.NoError(t, err)
	defer s2.Close()

	// A prefix survives; the torn tail record is gone, nothing else.
	assert.Equal(t, int64(19), s2.Unread())
	for i := 0; i < 19; i++ {
		env, pos, err := s2.Next()
		require.NoError(t, err)
		assert.Equal(t, testRecord(i).Path, env.Record.Path)
		require.NoError(t, s2.Commit(pos))
	}
}

func TestSpoolNoPlaintextOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSpool(dir, testKey(), SpoolConfig{})
	require.NoError(t, err)
	rec := testRecord(1)
	rec.Value = model.StringValue("plaintext-marker-value")
	require.NoError(t, s.Append(envelope{Record: rec}))
	require.NoError(t, s.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		require.NoError(t, err)
		assert.False(t, bytes.Contains(data, []byte("plaintext-marker-value")), "plaintext leaked into %s", entry.Name())
		assert.False(t, bytes.Contains(data, []byte(rec.Path)), "path leaked into %s", entry.Name())
	}
}

func TestSpoolByteCapRejects(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSpool(dir, testKey(), SpoolConfig{MaxBytes: 600})
	require.NoError(t, err)
	defer s.Close()

	var full bool
	for i := 0; i < 100; i++ {
		if err := s.Append(envelope{Record: testRecord(i)}); err != nil {
			assert.ErrorIs(t, err, ErrSpoolFull)
			full = true
			break
		}
	}
	assert.True(t, full, "spool never reported full")
	assert.LessOrEqual(t, s.Bytes(), int64(600))
}

func TestSpoolSegmentRollAndCleanup(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSpool(dir, testKey(), SpoolConfig{SegmentMaxBytes: 400})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 12; i++ {
		require.NoError(t, s.Append(envelope{Record: testRecord(i)}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var segs int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == segmentSuffix {
			segs++
		}
	}
	require.Greater(t, segs, 1, "expected the segment to roll")

	// Drain fully; consumed segments are deleted.
	var last position
	for {
		_, pos, err := s.Next()
		if err != nil {
			break
		}
		last = pos
	}
	require.NoError(t, s.Commit(last))

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	segs = 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == segmentSuffix {
			segs++
		}
	}
	assert.LessOrEqual(t, segs, 1, "consumed segments were not cleaned up")
}
