// Package protocols defines the capability set every field-protocol
// client implements and the shared reconnect machinery. A client runs one
// network loop, emits normaliser-ready reads through its emit callback and
// never blocks that loop on downstream backpressure.
package protocols

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"otbridge.evalgo.org/model"
	"otbridge.evalgo.org/normalize"
)

// State is the lifecycle state of a source client.
type State string

const (
	StateConfigured   State = "configured"
	StateConnecting   State = "connecting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateErrored      State = "errored"
)

// Status is the externally visible client state. All fields are present
// even when zero.
type Status struct {
	State       State  `json:"state"`
	LastError   string `json:"last_error"`
	RecordsRead int64  `json:"records_read"`
	Reconnects  int64  `json:"reconnections"`
}

// EmitFunc receives one protocol-native read. Implementations must not
// block; the bridge behind it enqueues with a drop policy.
type EmitFunc func(raw normalize.Raw)

// Client is the capability set shared by all protocol clients: connect,
// stream, stop (via context cancellation), status.
type Client interface {
	Name() string
	Protocol() model.Protocol
	// Run connects and streams until ctx is cancelled, reconnecting with
	// backoff on failure. It returns nil on a clean stop.
	Run(ctx context.Context) error
	Status() Status
}

// Tracker holds the mutable status shared between a client's network loop
// and status readers.
type Tracker struct {
	mu     sync.Mutex
	status Status

	// OnReconnect, when set, fires for every reconnect attempt.
	OnReconnect func()
	// OnRecord, when set, fires for every emitted read.
	OnRecord func()
}

// NewTracker starts in the configured state.
func NewTracker() *Tracker {
	return &Tracker{status: Status{State: StateConfigured}}
}

// SetState updates the lifecycle state.
func (t *Tracker) SetState(state State) {
	t.mu.Lock()
	t.status.State = state
	t.mu.Unlock()
}

// Fail records an error and moves to the given state.
func (t *Tracker) Fail(state State, err error) {
	t.mu.Lock()
	t.status.State = state
	if err != nil {
		t.status.LastError = err.Error()
	}
	t.mu.Unlock()
}

// Record counts one emitted read.
func (t *Tracker) Record() {
	t.mu.Lock()
	t.status.RecordsRead++
	t.mu.Unlock()
	if t.OnRecord != nil {
		t.OnRecord()
	}
}

// Reconnect counts one reconnect attempt.
func (t *Tracker) Reconnect() {
	t.mu.Lock()
	t.status.Reconnects++
	t.mu.Unlock()
	if t.OnReconnect != nil {
		t.OnReconnect()
	}
}

// Status returns a copy of the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RunWithReconnect drives one session function in a reconnect loop.
// session holds the connection for its lifetime and returns when it breaks
// or ctx ends; transient failures back off exponentially and reset once a
// session survives for a while.
func RunWithReconnect(ctx context.Context, log *logrus.Entry, tracker *Tracker, session func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0

	for {
		tracker.SetState(StateConnecting)
		started := time.Now()
		err := session(ctx)

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			tracker.SetState(StateStopped)
			return nil
		}
		if err == nil {
			tracker.SetState(StateStopped)
			return nil
		}

		// A session that held up for a while earns a fresh backoff series.
		if time.Since(started) > 30*time.Second {
			policy.Reset()
		}

		tracker.Fail(StateReconnecting, err)
		tracker.Reconnect()
		log.WithError(err).Warn("session ended, reconnecting")

		select {
		case <-ctx.Done():
			tracker.SetState(StateStopped)
			return nil
		case <-time.After(policy.NextBackOff()):
		}
	}
}
