package backpressure

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otbridge.evalgo.org/model"
)

func memoryOnlyManager(t *testing.T, capacity int, policy DropPolicy) *Manager {
	t.Helper()
	m, err := NewManager(Config{MemoryCapacity: capacity, DropPolicy: policy}, nil, Hooks{})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func diskManager(t *testing.T, capacity int, policy DropPolicy, spoolCfg SpoolConfig) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(Config{
		MemoryCapacity: capacity,
		DropPolicy:     policy,
		SpoolDir:       filepath.Join(dir, "spool"),
		DLQDir:         filepath.Join(dir, "dlq"),
		Spool:          spoolCfg,
	}, testKey(), Hooks{})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDropOldestScenario(t *testing.T) {
	// Q=3, spool disabled, policy oldest: r1..r5 in, r3,r4,r5 out.
	m := memoryOnlyManager(t, 3, DropOldest)
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Enqueue(testRecord(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []int{3, 4, 5} {
		rec, err := m.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, testRecord(want).Path, rec.Path)
	}

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.DroppedOverflow)
	assert.Equal(t, int64(5), stats.Received)
	assert.Equal(t, int64(3), stats.Dequeued)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestDropNewestDiscardsIncoming(t *testing.T) {
	m := memoryOnlyManager(t, 2, DropNewest)
	for i := 1; i <= 4; i++ {
		require.NoError(t, m.Enqueue(testRecord(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []int{1, 2} {
		rec, err := m.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, testRecord(want).Path, rec.Path)
	}
	assert.Equal(t, int64(2), m.Stats().DroppedOverflow)
}

func TestRejectReturnsErrorToProducer(t *testing.T) {
	m := memoryOnlyManager(t, 1, DropReject)
	require.NoError(t, m.Enqueue(testRecord(1)))
	assert.ErrorIs(t, m.Enqueue(testRecord(2)), ErrQueueFull)

	// A rejected record does not count as received.
	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(0), stats.DroppedOverflow)
}

func TestOverflowSpillsToSpoolInOrder(t *testing.T) {
	m := diskManager(t, 3, DropOldest, SpoolConfig{})

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Enqueue(testRecord(i)))
	}
	stats := m.Stats()
	assert.Equal(t, 3, stats.MemoryDepth)
	assert.Equal(t, int64(7), stats.SpoolUnread)
	assert.Equal(t, int64(0), stats.DroppedOverflow)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		rec, err := m.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, testRecord(i).Path, rec.Path, "dequeue position %d", i)
	}
}

func TestEnqueueKeepsOrderWhileSpoolHasBacklog(t *testing.T) {
	m := diskManager(t, 2, DropOldest, SpoolConfig{})

	// Fill memory and overflow into the spool.
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Enqueue(testRecord(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Drain one from memory, then enqueue another. With a spool backlog
	// the newcomer must queue behind it.
	rec, err := m.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, testRecord(0).Path, rec.Path)
	require.NoError(t, m.Enqueue(testRecord(4)))

	for _, want := range []int{1, 2, 3, 4} {
		rec, err := m.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, testRecord(want).Path, rec.Path)
	}
}

func TestAccountingIdentity(t *testing.T) {
	m := diskManager(t, 5, DropOldest, SpoolConfig{MaxBytes: 2000})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 50; i++ {
		require.NoError(t, m.Enqueue(testRecord(i)))
		if i%3 == 0 {
			if _, err := m.Dequeue(ctx); err != nil {
				t.Fatalf("dequeue: %v", err)
			}
		}
	}

	stats := m.Stats()
	assert.Equal(t, stats.Received,
		stats.Dequeued+stats.DroppedOverflow+stats.DLQMoved+stats.InFlight,
		"received == dequeued + dropped + dlq + in_flight")
}

func TestNoDropsWhileCapacityRemains(t *testing.T) {
	m := diskManager(t, 10, DropOldest, SpoolConfig{})
	for i := 0; i < 500; i++ {
		require.NoError(t, m.Enqueue(testRecord(i)))
	}
	assert.Equal(t, int64(0), m.Stats().DroppedOverflow)
}

func TestDequeueHonoursDeadline(t *testing.T) {
	m := memoryOnlyManager(t, 4, DropOldest)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	m := memoryOnlyManager(t, 4, DropOldest)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan model.Record, 1)
	go func() {
		rec, err := m.Dequeue(ctx)
		if err == nil {
			done <- rec
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Enqueue(testRecord(7)))

	select {
	case rec := <-done:
		assert.Equal(t, testRecord(7).Path, rec.Path)
	case <-ctx.Done():
		t.Fatal("consumer was not woken by enqueue")
	}
}

func TestDeadLetterAccounting(t *testing.T) {
	m := diskManager(t, 5, DropOldest, SpoolConfig{})
	require.NoError(t, m.Enqueue(testRecord(1)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rec, err := m.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, m.DeadLetter(rec, "schema violation: missing value"))

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.DLQMoved)
	assert.Equal(t, int64(0), stats.Dequeued)
	assert.Equal(t, stats.Received,
		stats.Dequeued+stats.DroppedOverflow+stats.DLQMoved+stats.InFlight)
}

func TestDispatcherMovesSpoolIntoMemory(t *testing.T) {
	m := diskManager(t, 3, DropOldest, SpoolConfig{})
	for i := 0; i < 9; i++ {
		require.NoError(t, m.Enqueue(testRecord(i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	for i := 0; i < 9; i++ {
		rec, err := m.Dequeue(dctx)
		require.NoError(t, err)
		assert.Equal(t, testRecord(i).Path, rec.Path)
	}
	assert.Equal(t, int64(0), m.Stats().InFlight)
}

func TestFlushPersistsMemoryTier(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		MemoryCapacity: 10,
		DropPolicy:     DropOldest,
		SpoolDir:       filepath.Join(dir, "spool"),
	}
	m, err := NewManager(cfg, testKey(), Hooks{})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Enqueue(testRecord(i)))
	}
	require.NoError(t, m.Flush())
	require.NoError(t, m.Close())

	m2, err := NewManager(cfg, testKey(), Hooks{})
	require.NoError(t, err)
	defer m2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		rec, err := m2.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, testRecord(i).Path, rec.Path)
	}
}

func TestDLQEntriesCarryReason(t *testing.T) {
	dir := t.TempDir()
	dlqDir := filepath.Join(dir, "dlq")
	m, err := NewManager(Config{
		MemoryCapacity: 5,
		SpoolDir:       filepath.Join(dir, "spool"),
		DLQDir:         dlqDir,
	}, testKey(), Hooks{})
	require.NoError(t, err)

	require.NoError(t, m.DeadLetter(testRecord(3), "schema violation: unknown column"))
	require.NoError(t, m.Close())

	records, reasons, err := ReadAll(dlqDir, testKey())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, testRecord(3).Path, records[0].Path)
	assert.Equal(t, "schema violation: unknown column", reasons[0])
}
