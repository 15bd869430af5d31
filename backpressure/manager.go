package backpressure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"otbridge.evalgo.org/model"
)

// ErrQueueFull is returned to producers under the reject drop policy when
// both tiers are full.
var ErrQueueFull = errors.New("backpressure queue full")

// DropPolicy selects what happens when both tiers are full.
type DropPolicy string

const (
	DropOldest DropPolicy = "oldest"
	DropNewest DropPolicy = "newest"
	DropReject DropPolicy = "reject"
)

// Valid reports whether p names a known policy.
func (p DropPolicy) Valid() bool {
	switch p {
	case DropOldest, DropNewest, DropReject:
		return true
	}
	return false
}

// Config bounds one Manager.
type Config struct {
	// MemoryCapacity is the Tier A ring size. Default 10000.
	MemoryCapacity int `yaml:"memory_capacity"`
	// DropPolicy applies when both tiers are full. Default oldest.
	DropPolicy DropPolicy `yaml:"drop_policy"`
	// SpoolDir holds the Tier B segments; empty disables the disk tier.
	SpoolDir string `yaml:"spool_dir"`
	// DLQDir holds the dead-letter segments; empty disables the DLQ.
	DLQDir string `yaml:"dlq_dir"`
	// Spool bounds the disk tiers.
	Spool SpoolConfig `yaml:"spool"`
}

func (c *Config) withDefaults() {
	if c.MemoryCapacity <= 0 {
		c.MemoryCapacity = 10000
	}
	if c.DropPolicy == "" {
		c.DropPolicy = DropOldest
	}
}

// Hooks lets the owner mirror manager events into its metrics. All
// callbacks may be nil and must not block.
type Hooks struct {
	OnEnqueued   func()
	OnDropped    func()
	OnDLQ        func()
	OnSpoolError func(err error)
}

// item is one queued record; pos is set when it was read from the spool
// and must be committed once delivered.
type item struct {
	rec model.Record
	pos *position
}

// Stats is the accounting snapshot. For any run,
// Received == Dequeued + DroppedOverflow + DLQMoved + InFlight.
type Stats struct {
	Received        int64
	Dequeued        int64 // delivered to the consumer and not dead-lettered
	DroppedOverflow int64
	DLQMoved        int64
	SpoolErrors     int64
	MemoryDepth     int
	SpoolUnread     int64
	SpoolBytes      int64
	InFlight        int64
}

// Manager is the three-tier bounded FIFO. Producers enqueue without
// blocking; exactly one consumer dequeues, with a context deadline.
type Manager struct {
	cfg   Config
	hooks Hooks

	mu    sync.Mutex
	items []item
	spool *Spool
	dlq   *DLQ

	received    int64
	delivered   int64
	dropped     int64
	dlqMoved    int64
	spoolErrors int64

	wake         chan struct{} // consumer wakeup
	dispatchWake chan struct{} // dispatcher wakeup
	closed       bool
}

// NewManager opens the configured tiers. key is the master-secret derived
// encryption key; it is required whenever a disk tier is enabled.
func NewManager(cfg Config, key []byte, hooks Hooks) (*Manager, error) {
	cfg.withDefaults()
	m := &Manager{
		cfg:          cfg,
		hooks:        hooks,
		wake:         make(chan struct{}, 1),
		dispatchWake: make(chan struct{}, 1),
	}

	if cfg.SpoolDir != "" {
		spool, err := OpenSpool(cfg.SpoolDir, key, cfg.Spool)
		if err != nil {
			return nil, fmt.Errorf("failed to open spool: %w", err)
		}
		m.spool = spool
	}
	if cfg.DLQDir != "" {
		dlq, err := OpenDLQ(cfg.DLQDir, key, cfg.Spool)
		if err != nil {
			if m.spool != nil {
				m.spool.Close()
			}
			return nil, fmt.Errorf("failed to open dlq: %w", err)
		}
		m.dlq = dlq
	}
	return m, nil
}

func (m *Manager) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Enqueue accepts one record without blocking. While the spool holds a
// backlog, new records append to the spool tail so that the consumer sees
// enqueue order; otherwise the memory tier is preferred. When both tiers
// are full the configured drop policy applies.
func (m *Manager) Enqueue(rec model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received++

	spoolBacklog := m.spool != nil && m.spool.Unread() > 0

	if !spoolBacklog && len(m.items) < m.cfg.MemoryCapacity {
		m.items = append(m.items, item{rec: rec})
		m.signal(m.wake)
		if m.hooks.OnEnqueued != nil {
			m.hooks.OnEnqueued()
		}
		return nil
	}

	if m.spool != nil {
		err := m.spool.Append(envelope{Record: rec})
		if err == nil {
			m.signal(m.dispatchWake)
			m.signal(m.wake)
			if m.hooks.OnEnqueued != nil {
				m.hooks.OnEnqueued()
			}
			return nil
		}
		if !errors.Is(err, ErrSpoolFull) {
			m.spoolErrors++
			if m.hooks.OnSpoolError != nil {
				m.hooks.OnSpoolError(err)
			}
		}
	}

	return m.applyDropPolicy(rec)
}

// applyDropPolicy resolves an overflow. Callers hold the lock; m.received
// already counts rec.
func (m *Manager) applyDropPolicy(rec model.Record) error {
	switch m.cfg.DropPolicy {
	case DropOldest:
		if len(m.items) > 0 {
			m.items = m.items[1:]
			m.items = append(m.items, item{rec: rec})
			m.dropped++
			if m.hooks.OnDropped != nil {
				m.hooks.OnDropped()
			}
			if m.hooks.OnEnqueued != nil {
				m.hooks.OnEnqueued()
			}
			m.signal(m.wake)
			return nil
		}
		// Zero-capacity memory tier: the incoming record is the oldest.
		m.dropped++
		if m.hooks.OnDropped != nil {
			m.hooks.OnDropped()
		}
		return nil
	case DropReject:
		m.received--
		return ErrQueueFull
	default: // DropNewest
		m.dropped++
		if m.hooks.OnDropped != nil {
			m.hooks.OnDropped()
		}
		return nil
	}
}

// Dequeue blocks until a record is available or the context ends. Records
// read from the spool have their position committed before being handed
// out, so a restart never replays a delivered record.
func (m *Manager) Dequeue(ctx context.Context) (model.Record, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return model.Record{}, errors.New("backpressure manager closed")
		}

		if len(m.items) > 0 {
			it := m.items[0]
			m.items = m.items[1:]
			m.delivered++
			m.mu.Unlock()
			if it.pos != nil {
				if err := m.spool.Commit(*it.pos); err != nil {
					return it.rec, err
				}
			}
			m.signal(m.dispatchWake)
			return it.rec, nil
		}

		if m.spool != nil && m.spool.Unread() > 0 {
			env, pos, err := m.spool.Next()
			if err == nil {
				m.delivered++
				m.mu.Unlock()
				if err := m.spool.Commit(pos); err != nil {
					return env.Record, err
				}
				return env.Record, nil
			}
			if !errors.Is(err, ErrSpoolEmpty) {
				m.mu.Unlock()
				return model.Record{}, err
			}
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Record{}, ctx.Err()
		case <-m.wake:
		}
	}
}

// Run is the dispatcher task: it moves spooled records into the memory
// tier as it drains, keeping the consumer on the fast path. It returns
// when ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.moveSpoolToMemory()
		select {
		case <-ctx.Done():
			return
		case <-m.dispatchWake:
		case <-ticker.C:
		}
	}
}

func (m *Manager) moveSpoolToMemory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spool == nil {
		return
	}
	for len(m.items) < m.cfg.MemoryCapacity && m.spool.Unread() > 0 {
		env, pos, err := m.spool.Next()
		if err != nil {
			return
		}
		p := pos
		m.items = append(m.items, item{rec: env.Record, pos: &p})
		m.signal(m.wake)
	}
}

// DeadLetter moves a record the sink refused permanently into the DLQ.
func (m *Manager) DeadLetter(rec model.Record, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dlq == nil {
		return errors.New("dlq disabled")
	}
	if err := m.dlq.Write(rec, reason); err != nil {
		return err
	}
	m.dlqMoved++
	if m.hooks.OnDLQ != nil {
		m.hooks.OnDLQ()
	}
	return nil
}

// Flush appends the memory tier to the spool so a clean shutdown loses
// nothing. Records that originated in the spool and were never delivered
// stay where they are and replay after restart.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spool == nil {
		return nil
	}
	remaining := m.items[:0:0]
	for _, it := range m.items {
		if it.pos != nil {
			continue
		}
		if err := m.spool.Append(envelope{Record: it.rec}); err != nil {
			remaining = append(remaining, it)
			m.spoolErrors++
			if m.hooks.OnSpoolError != nil {
				m.hooks.OnSpoolError(err)
			}
		}
	}
	m.items = remaining
	return nil
}

// Stats returns the accounting snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var spoolUnread, spoolBytes int64
	if m.spool != nil {
		spoolUnread = m.spool.Unread()
		spoolBytes = m.spool.Bytes()
	}
	dequeued := m.delivered - m.dlqMoved
	return Stats{
		Received:        m.received,
		Dequeued:        dequeued,
		DroppedOverflow: m.dropped,
		DLQMoved:        m.dlqMoved,
		SpoolErrors:     m.spoolErrors,
		MemoryDepth:     len(m.items),
		SpoolUnread:     spoolUnread,
		SpoolBytes:      spoolBytes,
		InFlight:        int64(len(m.items)) + spoolUnread,
	}
}

// Close releases the disk tiers. The consumer should have stopped first.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	if m.spool != nil {
		if err := m.spool.Close(); err != nil {
			firstErr = err
		}
	}
	if m.dlq != nil {
		if err := m.dlq.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
