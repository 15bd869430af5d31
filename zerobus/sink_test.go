package zerobus

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otbridge.evalgo.org/backpressure"
	"otbridge.evalgo.org/credentials"
	"otbridge.evalgo.org/model"
	"otbridge.evalgo.org/token"
)

// fakeZeroBus is an in-process ingestion endpoint speaking the stream
// protocol, with switchable failure behaviours.
type fakeZeroBus struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	batches []wireMessage

	// expectToken, when set, 401s handshakes with any other bearer.
	expectToken atomic.Value // string
	// schemaReject maps seq -> refused record indexes.
	schemaReject map[uint64][]int
	// dropConnections makes the server kill the next N streams mid-batch.
	dropConnections atomic.Int64
}

func newFakeZeroBus(t *testing.T) *fakeZeroBus {
	t.Helper()
	f := &fakeZeroBus{schemaReject: make(map[uint64][]int)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeZeroBus) handle(w http.ResponseWriter, r *http.Request) {
	if want, ok := f.expectToken.Load().(string); ok && want != "" {
		if r.Header.Get("Authorization") != "Bearer "+want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var open wireMessage
	if err := conn.ReadJSON(&open); err != nil || open.Type != msgOpen {
		return
	}
	_ = conn.WriteJSON(wireMessage{Type: msgOpened})

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != msgBatch {
			continue
		}
		if f.dropConnections.Load() > 0 {
			f.dropConnections.Add(-1)
			return // hard close mid-batch
		}

		f.mu.Lock()
		indexes, reject := f.schemaReject[msg.Seq]
		if reject {
			delete(f.schemaReject, msg.Seq)
		} else {
			f.batches = append(f.batches, msg)
		}
		f.mu.Unlock()

		if reject {
			_ = conn.WriteJSON(wireMessage{
				Type:    msgError,
				Code:    codeSchemaViolation,
				Seq:     msg.Seq,
				Message: "schema violation: value type mismatch",
				Indexes: indexes,
			})
			continue
		}
		_ = conn.WriteJSON(wireMessage{Type: msgAck, Seq: msg.Seq})
	}
}

func (f *fakeZeroBus) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeZeroBus) received() []wireMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wireMessage, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *fakeZeroBus) recordCount() int {
	n := 0
	for _, b := range f.received() {
		n += len(b.Records)
	}
	return n
}

// fakeTokenEndpoint hands out sequentially numbered tokens.
type fakeTokenEndpoint struct {
	srv    *httptest.Server
	issued atomic.Int64
}

func newFakeTokenEndpoint(t *testing.T) *fakeTokenEndpoint {
	t.Helper()
	f := &fakeTokenEndpoint{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := f.issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": fmt.Sprintf("tok-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTokenEndpoint) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

type sinkFixture struct {
	sink   *Sink
	mgr    *backpressure.Manager
	tokens *token.Provider
	bus    *fakeZeroBus
	dlqDir string
	key    []byte
	cancel context.CancelFunc
	done   chan struct{}
}

func newSinkFixture(t *testing.T, cfg Config) *sinkFixture {
	t.Helper()

	bus := newFakeZeroBus(t)
	tokens := newFakeTokenEndpoint(t)

	key := sha256.Sum256([]byte("sink test key"))
	dir := t.TempDir()
	dlqDir := filepath.Join(dir, "dlq")
	mgr, err := backpressure.NewManager(backpressure.Config{
		MemoryCapacity: 1000,
		SpoolDir:       filepath.Join(dir, "spool"),
		DLQDir:         dlqDir,
	}, key[:], backpressure.Hooks{})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	store, err := credentials.Open(filepath.Join(dir, "state"), credentials.NewMasterSecret("test"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Put("zerobus_secret", "s3cr3t"))

	provider := token.NewProvider(token.WithScheme("http"))

	target := Target{
		WorkspaceHost: tokens.host(),
		EndpointHost:  bus.host(),
		Table:         "main.plant.telemetry",
		ClientID:      "svc-principal",
		SecretName:    "zerobus_secret",
	}
	cfg.Scheme = "ws"
	if cfg.BatchMaxWait == 0 {
		cfg.BatchMaxWait = 100 * time.Millisecond
	}
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = 20 * time.Millisecond
	}

	sink := New(target, cfg, mgr, provider, func() (*credentials.Handle, error) {
		return store.Get("zerobus_secret")
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &sinkFixture{
		sink: sink, mgr: mgr, tokens: provider, bus: bus,
		dlqDir: dlqDir, key: key[:], cancel: cancel, done: done,
	}
}

func sinkRecord(i int) model.Record {
	return model.Record{
		SourceName:   "plant1_opcua",
		Protocol:     model.ProtocolOPCUA,
		RawTag:       "ns=2;s=bearing_temp",
		Path:         "plant1/production/line1/plc1/temperature/bearing_temp",
		Value:        model.FloatValue(70.0 + float64(i)*0.5),
		Unit:         "degC",
		Quality:      model.QualityGood,
		SourceMicros: int64(1700000000000000 + i),
		IngestMicros: int64(1700000000000001 + i),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSinkDeliversBatchInOrder(t *testing.T) {
	fx := newSinkFixture(t, Config{})

	for i := 0; i < 10; i++ {
		require.NoError(t, fx.mgr.Enqueue(sinkRecord(i)))
	}

	waitFor(t, 5*time.Second, func() bool { return fx.bus.recordCount() == 10 }, "10 records at the sink")

	var values []float64
	for _, b := range fx.bus.received() {
		for _, rec := range b.Records {
			values = append(values, rec.Value.Float())
		}
	}
	for i := 1; i < len(values); i++ {
		assert.Greater(t, values[i], values[i-1], "records out of order at index %d", i)
	}

	status := fx.sink.Status()
	assert.Equal(t, int64(10), status.RecordsSent)
	assert.Equal(t, "closed", status.Circuit)
	assert.False(t, status.LastAck.IsZero())
}

func TestSinkBatchSizeBound(t *testing.T) {
	fx := newSinkFixture(t, Config{BatchMaxRecords: 5, BatchMaxWait: time.Hour})

	for i := 0; i < 10; i++ {
		require.NoError(t, fx.mgr.Enqueue(sinkRecord(i)))
	}

	waitFor(t, 5*time.Second, func() bool { return fx.bus.recordCount() == 10 }, "both size-bounded batches")
	for _, b := range fx.bus.received() {
		assert.LessOrEqual(t, len(b.Records), 5)
	}
	assert.GreaterOrEqual(t, len(fx.bus.received()), 2)
}

func TestSinkBatchSeqMonotonic(t *testing.T) {
	fx := newSinkFixture(t, Config{BatchMaxRecords: 3, BatchMaxWait: 50 * time.Millisecond})

	for i := 0; i < 9; i++ {
		require.NoError(t, fx.mgr.Enqueue(sinkRecord(i)))
	}
	waitFor(t, 5*time.Second, func() bool { return fx.bus.recordCount() == 9 }, "all batches")

	batches := fx.bus.received()
	for i := 1; i < len(batches); i++ {
		assert.Greater(t, batches[i].Seq, batches[i-1].Seq, "batch seq must increase")
	}
}

func TestSinkSchemaViolationGoesToDLQ(t *testing.T) {
	// A generous batch window keeps all three records in one batch.
	fx := newSinkFixture(t, Config{BatchMaxRecords: 3, BatchMaxWait: 300 * time.Millisecond})

	// Reject the middle record of the first batch.
	fx.bus.mu.Lock()
	fx.bus.schemaReject[1] = []int{1}
	fx.bus.mu.Unlock()

	for i := 0; i < 3; i++ {
		require.NoError(t, fx.mgr.Enqueue(sinkRecord(i)))
	}

	waitFor(t, 5*time.Second, func() bool {
		return fx.sink.Status().DLQMoved == 1
	}, "one dead-lettered record")

	records, reasons, err := backpressure.ReadAll(fx.dlqDir, fx.key)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, sinkRecord(1).Value.Float(), records[0].Value.Float())
	assert.NotEmpty(t, reasons[0])

	// The rest of the batch counts as accepted; no retry happened.
	status := fx.sink.Status()
	assert.Equal(t, int64(2), status.RecordsSent)
	assert.Equal(t, int64(0), status.Retries)
}

func TestSinkResendsAfterStreamDrop(t *testing.T) {
	fx := newSinkFixture(t, Config{BatchMaxRecords: 4, BatchMaxWait: 50 * time.Millisecond})
	fx.bus.dropConnections.Store(2)

	for i := 0; i < 4; i++ {
		require.NoError(t, fx.mgr.Enqueue(sinkRecord(i)))
	}

	waitFor(t, 10*time.Second, func() bool { return fx.bus.recordCount() == 4 }, "batch after reconnects")

	status := fx.sink.Status()
	assert.GreaterOrEqual(t, status.Retries, int64(2))
	assert.NotEmpty(t, status.LastError)
	assert.Equal(t, int64(4), status.RecordsSent)
}

func TestSink401ForcesSingleTokenRefresh(t *testing.T) {
	fx := newSinkFixture(t, Config{BatchMaxRecords: 2, BatchMaxWait: 50 * time.Millisecond})

	// The endpoint only accepts the second token the provider will issue.
	fx.bus.expectToken.Store("tok-2")

	require.NoError(t, fx.mgr.Enqueue(sinkRecord(0)))
	require.NoError(t, fx.mgr.Enqueue(sinkRecord(1)))

	waitFor(t, 5*time.Second, func() bool { return fx.bus.recordCount() == 2 }, "delivery after token refresh")

	// Initial acquisition plus exactly one forced refresh.
	assert.Equal(t, int64(2), fx.tokens.Refreshes(fx.sink.target.WorkspaceHost))
}

func TestSinkProbe(t *testing.T) {
	fx := newSinkFixture(t, Config{})
	assert.NoError(t, fx.sink.Probe(context.Background()))
}
