package zerobus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"otbridge.evalgo.org/backpressure"
	"otbridge.evalgo.org/breaker"
	"otbridge.evalgo.org/common"
	"otbridge.evalgo.org/credentials"
	"otbridge.evalgo.org/metrics"
	"otbridge.evalgo.org/model"
	"otbridge.evalgo.org/token"
)

// Config tunes one sink.
type Config struct {
	// BatchMaxRecords closes a batch by size. Default 1000.
	BatchMaxRecords int `yaml:"batch_max_records"`
	// BatchMaxWait closes a batch by time. Default 5s.
	BatchMaxWait time.Duration `yaml:"batch_max_wait"`
	// AckTimeout bounds the wait for a batch acknowledgement. Default 30s.
	AckTimeout time.Duration `yaml:"ack_timeout"`
	// RetryInitial is the first backoff interval. Default 1s.
	RetryInitial time.Duration `yaml:"retry_initial"`
	// RetryMax caps the backoff. Default 5m.
	RetryMax time.Duration `yaml:"retry_max"`
	// ProxyURL overrides environment proxy discovery.
	ProxyURL string `yaml:"proxy_url"`
	// Scheme is wss in production; tests use ws.
	Scheme string `yaml:"-"`
	// Breaker parameterises the per-target circuit breaker.
	Breaker breaker.Settings `yaml:"-"`
}

func (c *Config) withDefaults() {
	if c.BatchMaxRecords <= 0 {
		c.BatchMaxRecords = 1000
	}
	if c.BatchMaxWait <= 0 {
		c.BatchMaxWait = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
}

// SecretFunc acquires the OAuth2 client secret as a scoped handle. The
// sink releases the handle as soon as the token exchange completes.
type SecretFunc func() (*credentials.Handle, error)

// Status is the externally visible sink state. All fields are present
// even when zero.
type Status struct {
	Target       string    `json:"target"`
	Circuit      string    `json:"circuit"`
	LastAck      time.Time `json:"last_ack"`
	LastError    string    `json:"last_error"`
	RecordsSent  int64     `json:"records_sent"`
	BatchesSent  int64     `json:"batches_sent"`
	Retries      int64     `json:"retries"`
	DLQMoved     int64     `json:"records_dropped_dlq"`
	CircuitOpens int64     `json:"circuit_opens"`
}

// Sink streams batches for one target. It owns two tasks: a batcher that
// drains the backpressure manager and a sender that holds the stream.
type Sink struct {
	target Target
	cfg    Config

	mgr    *backpressure.Manager
	tokens *token.Provider
	secret SecretFunc
	brk    *breaker.Breaker
	met    *metrics.Set
	log    *logrus.Entry

	mu           sync.Mutex
	seq          uint64
	lastError    string
	lastAck      time.Time
	recordsSent  int64
	batchesSent  int64
	retries      int64
	circuitOpens int64
}

// New wires a sink to its backpressure manager and token provider.
func New(target Target, cfg Config, mgr *backpressure.Manager, tokens *token.Provider, secret SecretFunc, met *metrics.Set) *Sink {
	cfg.withDefaults()
	s := &Sink{
		target: target,
		cfg:    cfg,
		mgr:    mgr,
		tokens: tokens,
		secret: secret,
		met:    met,
		log:    common.Logger.WithField("target", target.Key()),
	}

	settings := cfg.Breaker
	settings.OnStateChange = func(from, to breaker.State) {
		s.log.WithFields(logrus.Fields{"from": from, "to": to}).Warn("circuit state changed")
		if to == breaker.Open {
			s.mu.Lock()
			s.circuitOpens++
			s.mu.Unlock()
			if s.met != nil {
				s.met.CircuitOpens.WithLabelValues(target.Key()).Inc()
			}
		}
	}
	s.brk = breaker.New(settings)
	return s
}

// Breaker exposes the sink's circuit breaker for status snapshots.
func (s *Sink) Breaker() *breaker.Breaker { return s.brk }

// Status returns the current counters and circuit state.
func (s *Sink) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.mgr.Stats()
	return Status{
		Target:       s.target.Key(),
		Circuit:      string(s.brk.State()),
		LastAck:      s.lastAck,
		LastError:    s.lastError,
		RecordsSent:  s.recordsSent,
		BatchesSent:  s.batchesSent,
		Retries:      s.retries,
		DLQMoved:     stats.DLQMoved,
		CircuitOpens: s.circuitOpens,
	}
}

func (s *Sink) setLastError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

type pendingBatch struct {
	id      string
	seq     uint64
	records []model.Record
}

// Run executes the batcher and sender until ctx ends. Records that were
// dequeued but never acknowledged are re-enqueued on the way out so the
// shutdown flush can spool them.
func (s *Sink) Run(ctx context.Context) error {
	batches := make(chan pendingBatch)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.batcher(gctx, batches) })
	g.Go(func() error { return s.sender(gctx, batches) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// batcher accumulates dequeued records until the size or time bound is
// reached, whichever comes first.
func (s *Sink) batcher(ctx context.Context, out chan<- pendingBatch) error {
	for {
		records, err := s.collect(ctx)
		if len(records) == 0 {
			if err != nil {
				return err
			}
			continue
		}

		s.mu.Lock()
		s.seq++
		b := pendingBatch{id: uuid.NewString(), seq: s.seq, records: records}
		s.mu.Unlock()

		select {
		case out <- b:
		case <-ctx.Done():
			s.requeue(records)
			return ctx.Err()
		}
	}
}

// collect blocks for the first record, then fills the batch until
// BatchMaxRecords or BatchMaxWait.
func (s *Sink) collect(ctx context.Context) ([]model.Record, error) {
	first, err := s.mgr.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]model.Record, 0, s.cfg.BatchMaxRecords)
	records = append(records, first)

	window, cancel := context.WithTimeout(ctx, s.cfg.BatchMaxWait)
	defer cancel()
	for len(records) < s.cfg.BatchMaxRecords {
		rec, err := s.mgr.Dequeue(window)
		if err != nil {
			// Window elapsed or shutdown; ship what we have.
			if ctx.Err() != nil {
				return records, ctx.Err()
			}
			return records, nil
		}
		records = append(records, rec)
	}
	return records, nil
}

// requeue puts unsent records back into the backpressure manager so they
// survive shutdown via the spool flush.
func (s *Sink) requeue(records []model.Record) {
	for _, rec := range records {
		if err := s.mgr.Enqueue(rec); err != nil {
			s.log.WithError(err).Warn("failed to requeue record during shutdown")
			return
		}
	}
}

// sender owns the stream and pushes batches in order, one acknowledgement
// at a time.
func (s *Sink) sender(ctx context.Context, in <-chan pendingBatch) error {
	var conn *stream
	defer func() {
		if conn != nil {
			conn.close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-in:
			var err error
			conn, err = s.sendBatch(ctx, conn, b)
			if err != nil {
				if ctx.Err() != nil {
					s.requeue(b.records)
					return ctx.Err()
				}
				return err
			}
		}
	}
}

// sendBatch delivers one batch, retrying recoverable failures with
// exponential backoff and routing schema rejections to the DLQ. It
// returns the (possibly re-established) stream.
func (s *Sink) sendBatch(ctx context.Context, conn *stream, b pendingBatch) (*stream, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryInitial
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxInterval = s.cfg.RetryMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	authRetried := false

	for {
		if err := ctx.Err(); err != nil {
			return conn, err
		}

		if err := s.brk.Allow(); err != nil {
			// Circuit open: hold the batch and re-check on a short period.
			select {
			case <-ctx.Done():
				return conn, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if conn == nil {
			var err error
			conn, err = s.open(ctx)
			if err != nil {
				if errors.Is(err, errUnauthorized) && !authRetried {
					// Force one token refresh and try again immediately.
					// The failed attempt still settles the breaker slot.
					authRetried = true
					s.brk.Failure()
					s.tokens.Invalidate(s.target.WorkspaceHost)
					continue
				}
				s.failure(err)
				if !s.wait(ctx, policy) {
					return nil, ctx.Err()
				}
				continue
			}
		}

		done, err := s.exchange(conn, b)
		if done {
			return conn, nil
		}

		conn.close()
		conn = nil
		if errors.Is(err, errUnauthorized) && !authRetried {
			authRetried = true
			s.brk.Failure()
			s.tokens.Invalidate(s.target.WorkspaceHost)
			continue
		}
		s.failure(err)
		if !s.wait(ctx, policy) {
			return nil, ctx.Err()
		}
	}
}

// open acquires a token and dials a fresh stream.
func (s *Sink) open(ctx context.Context) (*stream, error) {
	secret, err := s.secret()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sink credential: %w", err)
	}
	defer secret.Release()

	bearer, err := s.tokens.Token(ctx, s.target.WorkspaceHost, s.target.ClientID, secret)
	if err != nil {
		if errors.Is(err, token.ErrAuthRejected) {
			return nil, fmt.Errorf("%w: %v", errUnauthorized, err)
		}
		return nil, err
	}
	return openStream(ctx, s.target, bearer, streamConfig{
		scheme:   s.cfg.Scheme,
		proxyURL: s.cfg.ProxyURL,
	})
}

// exchange writes the batch and waits for its acknowledgement. done=true
// means the batch is fully resolved (acked, or schema-rejected into the
// DLQ); otherwise err says why the stream must be rebuilt.
func (s *Sink) exchange(conn *stream, b pendingBatch) (bool, error) {
	msg := wireMessage{Type: msgBatch, BatchID: b.id, Seq: b.seq, Records: b.records}
	if err := conn.write(msg); err != nil {
		return false, err
	}

	for {
		reply, err := conn.read(s.cfg.AckTimeout)
		if err != nil {
			return false, err
		}

		switch reply.Type {
		case msgAck:
			// Acks are cumulative: seq N covers every earlier batch.
			if reply.Seq < b.seq {
				continue
			}
			s.acked(len(b.records))
			return true, nil
		case msgError:
			switch reply.Code {
			case codeSchemaViolation:
				s.deadLetter(b, reply)
				return true, nil
			case codeUnauthorized:
				return false, errUnauthorized
			default:
				return false, fmt.Errorf("stream error %s: %s", reply.Code, reply.Message)
			}
		default:
			// Ignore unknown frames and keep waiting for the ack.
		}
	}
}

// deadLetter routes the records a schema error names into the DLQ; the
// remainder of the batch counts as accepted. An error frame without
// indexes refuses the whole batch.
func (s *Sink) deadLetter(b pendingBatch, reply wireMessage) {
	reason := reply.Message
	if reason == "" {
		reason = codeSchemaViolation
	}

	refused := make(map[int]bool, len(reply.Indexes))
	for _, i := range reply.Indexes {
		if i >= 0 && i < len(b.records) {
			refused[i] = true
		}
	}
	if len(refused) == 0 {
		for i := range b.records {
			refused[i] = true
		}
	}

	accepted := 0
	for i, rec := range b.records {
		if refused[i] {
			if err := s.mgr.DeadLetter(rec, reason); err != nil {
				s.log.WithError(err).Error("failed to write dead letter entry")
			}
			if s.met != nil {
				s.met.RecordsDLQ.WithLabelValues(s.target.Key()).Inc()
			}
			continue
		}
		accepted++
	}

	s.brk.Success()
	s.mu.Lock()
	s.recordsSent += int64(accepted)
	s.batchesSent++
	s.lastAck = time.Now()
	s.mu.Unlock()
	if s.met != nil && accepted > 0 {
		s.met.RecordsSent.WithLabelValues(s.target.Key()).Add(float64(accepted))
	}
	if s.met != nil {
		s.met.BatchesSent.WithLabelValues(s.target.Key()).Inc()
	}
}

func (s *Sink) acked(count int) {
	s.brk.Success()
	s.mu.Lock()
	s.recordsSent += int64(count)
	s.batchesSent++
	s.lastAck = time.Now()
	s.mu.Unlock()
	if s.met != nil {
		s.met.RecordsSent.WithLabelValues(s.target.Key()).Add(float64(count))
		s.met.BatchesSent.WithLabelValues(s.target.Key()).Inc()
	}
}

func (s *Sink) failure(err error) {
	s.brk.Failure()
	s.setLastError(err)
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
	if s.met != nil {
		s.met.Retries.WithLabelValues(s.target.Key()).Inc()
	}
	s.log.WithError(err).Warn("batch send failed")
}

// wait sleeps for the next backoff interval; false means ctx ended.
func (s *Sink) wait(ctx context.Context, policy *backoff.ExponentialBackOff) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(policy.NextBackOff()):
		return true
	}
}

// Probe opens and immediately closes a stream, verifying credentials,
// connectivity and the table handshake without sending data.
func (s *Sink) Probe(ctx context.Context) error {
	conn, err := s.open(ctx)
	if err != nil {
		return err
	}
	conn.close()
	return nil
}
