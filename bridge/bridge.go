// Package bridge wires sources to sinks and supervises their lifecycles.
// The bridge owns every protocol client, one backpressure manager and one
// sink per target, and the routing in between. A failing source
// reconnects on its own; a failing sink holds only its own backpressure.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"otbridge.evalgo.org/backpressure"
	"otbridge.evalgo.org/common"
	"otbridge.evalgo.org/config"
	"otbridge.evalgo.org/credentials"
	"otbridge.evalgo.org/metrics"
	"otbridge.evalgo.org/model"
	"otbridge.evalgo.org/normalize"
	"otbridge.evalgo.org/protocols"
	"otbridge.evalgo.org/protocols/modbus"
	"otbridge.evalgo.org/protocols/mqtt"
	"otbridge.evalgo.org/protocols/opcua"
	"otbridge.evalgo.org/token"
	"otbridge.evalgo.org/zerobus"
)

var (
	// ErrUnknownSource is returned for operations on names the bridge
	// does not own.
	ErrUnknownSource = errors.New("unknown source")
	// ErrDuplicateSource is returned when an added source name exists.
	ErrDuplicateSource = errors.New("duplicate source")
	// ErrNoTarget is returned when a record has no target to go to.
	ErrNoTarget = errors.New("no sink target configured")
)

const (
	// sourceStopGrace bounds the wait for a clean client disconnect.
	sourceStopGrace = 10 * time.Second
	// sinkDrainGrace bounds the shutdown drain of each sink.
	sinkDrainGrace = 30 * time.Second
)

// Options carries the bridge's collaborators and tuning.
type Options struct {
	Config     config.Config
	ConfigPath string
	Store      *credentials.Store
	Metrics    *metrics.Set
	// SinkScheme overrides the stream scheme (ws in tests).
	SinkScheme string
	// TokenScheme overrides the token endpoint scheme (http in tests).
	TokenScheme string
}

type sourceRuntime struct {
	cfg     config.SourceConfig
	client  protocols.Client
	tracker *protocols.Tracker
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type sinkRuntime struct {
	target zerobus.Target
	mgr    *backpressure.Manager
	sink   *zerobus.Sink
	cancel context.CancelFunc
	done   chan struct{}
}

// Bridge is the orchestrator.
type Bridge struct {
	mu sync.Mutex

	cfg        config.Config
	configPath string

	store  *credentials.Store
	tokens *token.Provider
	met    *metrics.Set
	norm   *normalize.Normalizer
	diag   *diagnostics
	log    *logrus.Entry

	sources map[string]*sourceRuntime
	sinks   map[string]*sinkRuntime

	sinkScheme string

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a stopped bridge from its options.
func New(opts Options) *Bridge {
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}

	b := &Bridge{
		cfg:        opts.Config,
		configPath: opts.ConfigPath,
		store:      opts.Store,
		met:        met,
		norm:       normalize.New(opts.Config.Defaults),
		diag:       newDiagnostics(),
		log:        common.Logger.WithField("component", "bridge"),
		sources:    make(map[string]*sourceRuntime),
		sinks:      make(map[string]*sinkRuntime),
		sinkScheme: opts.SinkScheme,
	}
	tokenOpts := []token.Option{
		token.WithRefreshHook(func(host string) {
			met.TokenRefreshes.WithLabelValues(host).Inc()
		}),
	}
	if opts.TokenScheme != "" {
		tokenOpts = append(tokenOpts, token.WithScheme(opts.TokenScheme))
	}
	b.tokens = token.NewProvider(tokenOpts...)
	return b
}

// Start creates the configured sources and starts the enabled ones.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true

	for _, src := range b.cfg.Sources {
		if err := b.addSourceLocked(src); err != nil {
			return err
		}
	}
	b.log.WithField("sources", len(b.sources)).Info("bridge started")
	return nil
}

// Stop stops every source, drains every sink within the grace period and
// flushes whatever remains in memory to the spool.
func (b *Bridge) Stop() {
	b.mu.Lock()
	names := make([]string, 0, len(b.sources))
	for name := range b.sources {
		names = append(names, name)
	}
	b.mu.Unlock()

	for _, name := range names {
		if err := b.StopSource(name); err != nil && !errors.Is(err, ErrUnknownSource) {
			b.log.WithError(err).WithField("source", name).Warn("source stop failed")
		}
	}

	b.mu.Lock()
	sinks := make([]*sinkRuntime, 0, len(b.sinks))
	for _, rt := range b.sinks {
		sinks = append(sinks, rt)
	}
	b.sinks = make(map[string]*sinkRuntime)
	if b.cancel != nil {
		b.cancel()
	}
	b.started = false
	b.mu.Unlock()

	for _, rt := range sinks {
		b.drainSink(rt)
	}
	b.log.Info("bridge stopped")
}

// drainSink waits for the sink tasks, then flushes the memory tier to the
// spool so nothing is lost across the restart.
func (b *Bridge) drainSink(rt *sinkRuntime) {
	rt.cancel()
	select {
	case <-rt.done:
	case <-time.After(sinkDrainGrace):
		b.log.WithField("target", rt.target.Key()).Warn("sink drain timed out")
	}
	if err := rt.mgr.Flush(); err != nil {
		b.log.WithError(err).Warn("failed to flush backpressure to spool")
	}
	if err := rt.mgr.Close(); err != nil {
		b.log.WithError(err).Warn("failed to close backpressure manager")
	}
}

// --- source lifecycle -------------------------------------------------

// AddSource validates and adds a new source; it starts only if enabled.
func (b *Bridge) AddSource(src config.SourceConfig) error {
	if err := src.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.sources[src.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src.Name)
	}
	b.cfg.Sources = append(b.cfg.Sources, src)
	return b.addSourceLocked(src)
}

func (b *Bridge) addSourceLocked(src config.SourceConfig) error {
	rt := &sourceRuntime{cfg: src, tracker: protocols.NewTracker()}
	rt.tracker.OnReconnect = func() {
		b.met.Reconnections.WithLabelValues(src.Name).Inc()
	}
	rt.tracker.OnRecord = func() {
		b.met.RecordsReceived.WithLabelValues(src.Name).Inc()
	}

	client, err := b.buildClient(rt)
	if err != nil {
		return err
	}
	rt.client = client
	b.sources[src.Name] = rt

	if src.Enabled {
		b.startSourceLocked(rt)
	}
	return nil
}

// buildClient constructs the protocol client for a source runtime.
func (b *Bridge) buildClient(rt *sourceRuntime) (protocols.Client, error) {
	emit := b.emitFunc(rt)
	src := rt.cfg

	switch src.Protocol {
	case model.ProtocolOPCUA:
		var password opcua.PasswordFunc
		if src.OPCUA.PasswordRef != "" {
			ref := src.OPCUA.PasswordRef
			password = func() (*credentials.Handle, error) { return b.store.Get(ref) }
		}
		return opcua.New(src, password, emit, rt.tracker), nil
	case model.ProtocolMQTT:
		var password mqtt.PasswordFunc
		if src.MQTT.PasswordRef != "" {
			ref := src.MQTT.PasswordRef
			password = func() (*credentials.Handle, error) { return b.store.Get(ref) }
		}
		return mqtt.New(src, password, emit, rt.tracker), nil
	case model.ProtocolModbus:
		return modbus.New(src, emit, rt.tracker), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", src.Protocol)
	}
}

// StartSource starts a stopped source. Idempotent.
func (b *Bridge) StartSource(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rt, ok := b.sources[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if rt.running {
		return nil
	}
	b.startSourceLocked(rt)
	return nil
}

func (b *Bridge) startSourceLocked(rt *sourceRuntime) {
	ctx, cancel := context.WithCancel(b.ctx)
	rt.cancel = cancel
	rt.done = make(chan struct{})
	rt.running = true

	go func() {
		defer close(rt.done)
		if err := rt.client.Run(ctx); err != nil {
			rt.tracker.Fail(protocols.StateErrored, err)
			b.log.WithError(err).WithField("source", rt.cfg.Name).Error("source terminated")
		}
	}()
}

// StopSource stops a running source, waiting up to the grace period for a
// clean disconnect. Idempotent; records already enqueued are preserved.
func (b *Bridge) StopSource(name string) error {
	b.mu.Lock()
	rt, ok := b.sources[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if !rt.running {
		b.mu.Unlock()
		return nil
	}
	rt.tracker.SetState(protocols.StateStopping)
	rt.running = false
	cancel, done := rt.cancel, rt.done
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(sourceStopGrace):
		b.log.WithField("source", name).Warn("source did not stop within grace period")
	}
	rt.tracker.SetState(protocols.StateStopped)
	return nil
}

// UpdateSource replaces a source's configuration, restarting it if
// enabled. Records already enqueued are untouched.
func (b *Bridge) UpdateSource(name string, src config.SourceConfig) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if src.Name != name {
		return fmt.Errorf("source name mismatch: %s vs %s", name, src.Name)
	}
	if err := b.StopSource(name); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sources[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	delete(b.sources, name)
	b.replaceConfigLocked(src)
	if err := b.addSourceLocked(src); err != nil {
		return err
	}
	b.maybeStopSinksLocked()
	return nil
}

// DeleteSource stops and removes a source. Records already in the
// backpressure tiers remain.
func (b *Bridge) DeleteSource(name string) error {
	if err := b.StopSource(name); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sources[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	delete(b.sources, name)
	for i := range b.cfg.Sources {
		if b.cfg.Sources[i].Name == name {
			b.cfg.Sources = append(b.cfg.Sources[:i], b.cfg.Sources[i+1:]...)
			break
		}
	}
	b.diag.forget(name)
	b.maybeStopSinksLocked()
	return nil
}

func (b *Bridge) replaceConfigLocked(src config.SourceConfig) {
	for i := range b.cfg.Sources {
		if b.cfg.Sources[i].Name == src.Name {
			b.cfg.Sources[i] = src
			return
		}
	}
	b.cfg.Sources = append(b.cfg.Sources, src)
}

// Sources returns the configured sources.
func (b *Bridge) Sources() []config.SourceConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]config.SourceConfig, len(b.cfg.Sources))
	copy(out, b.cfg.Sources)
	return out
}

// --- routing ----------------------------------------------------------

// emitFunc builds the per-source callback: normalise, sample, route.
func (b *Bridge) emitFunc(rt *sourceRuntime) protocols.EmitFunc {
	return func(raw normalize.Raw) {
		rec := b.norm.Normalize(rt.cfg.Context, raw)
		b.met.RecordsNormalized.WithLabelValues(rec.SourceName).Inc()
		b.diag.observe(rec.SourceName, stageNormalized, rec)
		b.route(rt.cfg, rec)
	}
}

// route enqueues a record into the sink for its effective target.
func (b *Bridge) route(src config.SourceConfig, rec model.Record) {
	target := b.effectiveTarget(src)
	if target == (zerobus.Target{}) {
		b.diag.observe(rec.SourceName, stageDropped, rec)
		return
	}

	rt, err := b.sinkFor(target)
	if err != nil {
		b.log.WithError(err).WithField("target", target.Key()).Error("failed to create sink")
		return
	}
	if err := rt.mgr.Enqueue(rec); err != nil {
		// Reject policy surfaced to the producer side; counted, never
		// logged per record.
		b.met.RecordsDropped.WithLabelValues(target.Key()).Inc()
		b.diag.observe(rec.SourceName, stageDropped, rec)
		return
	}
	b.diag.observe(rec.SourceName, stageEnqueued, rec)
}

func (b *Bridge) effectiveTarget(src config.SourceConfig) zerobus.Target {
	if src.Target != nil {
		return *src.Target
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Target
}

// sinkFor returns the running sink for a target, creating it lazily on
// the first record.
func (b *Bridge) sinkFor(target zerobus.Target) (*sinkRuntime, error) {
	key := target.Key()

	b.mu.Lock()
	defer b.mu.Unlock()
	if rt, ok := b.sinks[key]; ok {
		return rt, nil
	}
	return b.createSinkLocked(target)
}

func (b *Bridge) createSinkLocked(target zerobus.Target) (*sinkRuntime, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	key := target.Key()

	encKey, err := b.store.Key()
	if err != nil {
		return nil, err
	}

	mgr, err := backpressure.NewManager(b.managerConfig(target), encKey, backpressure.Hooks{
		OnEnqueued: func() { b.met.RecordsEnqueued.WithLabelValues(key).Inc() },
		OnDropped:  func() { b.met.RecordsDropped.WithLabelValues(key).Inc() },
		OnDLQ:      func() { b.met.RecordsDLQ.WithLabelValues(key).Inc() },
		OnSpoolError: func(err error) {
			b.met.SpoolErrors.WithLabelValues(key).Inc()
			b.log.WithError(err).Warn("spool write failed")
		},
	})
	if err != nil {
		return nil, err
	}

	secretName := target.SecretName
	sink := zerobus.New(target, b.sinkConfig(), mgr, b.tokens, func() (*credentials.Handle, error) {
		return b.store.Get(secretName)
	}, b.met)

	ctx, cancel := context.WithCancel(b.ctx)
	rt := &sinkRuntime{
		target: target,
		mgr:    mgr,
		sink:   sink,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go mgr.Run(ctx)
	go func() {
		defer close(rt.done)
		if err := sink.Run(ctx); err != nil {
			b.log.WithError(err).WithField("target", key).Error("sink terminated")
		}
	}()

	b.sinks[key] = rt
	b.log.WithField("target", key).Info("sink created")
	return rt, nil
}

// managerConfig namespaces the disk tiers per target: the default target
// owns state/spool and state/dlq directly, overrides get a subdirectory.
func (b *Bridge) managerConfig(target zerobus.Target) backpressure.Config {
	spoolDir := filepath.Join(b.cfg.StateDir, "spool")
	dlqDir := filepath.Join(b.cfg.StateDir, "dlq")
	if target != b.cfg.Target {
		sub := sanitizeKey(target.Key())
		spoolDir = filepath.Join(spoolDir, "targets", sub)
		dlqDir = filepath.Join(dlqDir, "targets", sub)
	}

	bp := b.cfg.Backpressure
	return backpressure.Config{
		MemoryCapacity: bp.MemoryCapacity,
		DropPolicy:     bp.DropPolicy,
		SpoolDir:       spoolDir,
		DLQDir:         dlqDir,
		Spool: backpressure.SpoolConfig{
			MaxBytes:        bp.SpoolMaxBytes,
			MaxSegments:     bp.SpoolMaxSegments,
			SegmentMaxBytes: bp.SegmentMaxBytes,
			SegmentMaxAge:   bp.SegmentMaxAge.Duration,
		},
	}
}

func (b *Bridge) sinkConfig() zerobus.Config {
	s := b.cfg.Sink
	return zerobus.Config{
		BatchMaxRecords: s.BatchMaxRecords,
		BatchMaxWait:    s.BatchMaxWait.Duration,
		AckTimeout:      s.AckTimeout.Duration,
		RetryInitial:    s.RetryInitial.Duration,
		RetryMax:        s.RetryMax.Duration,
		ProxyURL:        s.ProxyURL,
		Scheme:          b.sinkScheme,
	}
}

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return '_'
	}, key)
}

// maybeStopSinksLocked tears down sinks no configured source references
// once their backpressure is empty.
func (b *Bridge) maybeStopSinksLocked() {
	referenced := make(map[string]bool)
	for _, src := range b.cfg.Sources {
		referenced[b.targetForLocked(src).Key()] = true
	}

	for key, rt := range b.sinks {
		if referenced[key] {
			continue
		}
		if rt.mgr.Stats().InFlight > 0 {
			continue
		}
		delete(b.sinks, key)
		go b.drainSink(rt)
		b.log.WithField("target", key).Info("sink released")
	}
}

func (b *Bridge) targetForLocked(src config.SourceConfig) zerobus.Target {
	if src.Target != nil {
		return *src.Target
	}
	return b.cfg.Target
}

// --- target / sink control -------------------------------------------

// SecretSentinel is the control-surface marker meaning "keep the stored
// secret".
const SecretSentinel = "***"

// TargetConfig returns the default target and whether a secret is stored
// for it.
func (b *Bridge) TargetConfig() (zerobus.Target, bool) {
	b.mu.Lock()
	target := b.cfg.Target
	b.mu.Unlock()
	if target.SecretName == "" {
		return target, false
	}
	return target, b.store.Has(target.SecretName)
}

// SaveTarget replaces the default target configuration. secret carries
// the OAuth2 client secret value: the sentinel keeps the stored one, any
// other non-empty string replaces it.
func (b *Bridge) SaveTarget(target zerobus.Target, secret string) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if secret != "" && secret != SecretSentinel {
		if err := b.store.Put(target.SecretName, secret); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.cfg.Target = target
	cfg := b.cfg
	path := b.configPath
	b.mu.Unlock()

	if path != "" {
		if err := cfg.Save(path); err != nil {
			return err
		}
	}
	return nil
}

// StartSink eagerly creates the sink for the default target.
func (b *Bridge) StartSink() error {
	b.mu.Lock()
	target := b.cfg.Target
	b.mu.Unlock()
	if target == (zerobus.Target{}) {
		return ErrNoTarget
	}
	_, err := b.sinkFor(target)
	return err
}

// StopSink tears down every running sink. Spooled records survive and
// resume when the sink is started again.
func (b *Bridge) StopSink() {
	b.mu.Lock()
	sinks := make([]*sinkRuntime, 0, len(b.sinks))
	for _, rt := range b.sinks {
		sinks = append(sinks, rt)
	}
	b.sinks = make(map[string]*sinkRuntime)
	b.mu.Unlock()

	for _, rt := range sinks {
		b.drainSink(rt)
	}
}

// SinkDiagnostics reports per-sink status; deep additionally opens a
// probe stream against the default target.
func (b *Bridge) SinkDiagnostics(ctx context.Context, deep bool) (map[string]zerobus.Status, error) {
	b.mu.Lock()
	statuses := make(map[string]zerobus.Status, len(b.sinks))
	var probe *zerobus.Sink
	for key, rt := range b.sinks {
		statuses[key] = rt.sink.Status()
		if rt.target == b.cfg.Target {
			probe = rt.sink
		}
	}
	b.mu.Unlock()

	if !deep {
		return statuses, nil
	}
	if probe == nil {
		return statuses, ErrNoTarget
	}
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return statuses, probe.Probe(probeCtx)
}

// PipelineDiagnostics returns the per-stage sample windows.
func (b *Bridge) PipelineDiagnostics() map[string][]StageSamples {
	return b.diag.snapshot()
}
