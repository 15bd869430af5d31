// Package opcua implements the OPC-UA source client. It connects as a
// client to one endpoint, acquires data either through a subscription with
// monitored items or by periodic polling, and emits normaliser-ready
// reads. Bad status codes become bad-quality records rather than being
// dropped.
package opcua

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"

	"otbridge.evalgo.org/common"
	"otbridge.evalgo.org/config"
	"otbridge.evalgo.org/credentials"
	"otbridge.evalgo.org/model"
	"otbridge.evalgo.org/normalize"
	"otbridge.evalgo.org/protocols"
)

// PasswordFunc acquires the user-token password as a scoped handle; nil
// when the source uses anonymous or certificate identity.
type PasswordFunc func() (*credentials.Handle, error)

// Client is the OPC-UA source client.
type Client struct {
	name     string
	endpoint string
	opts     config.OPCUAOptions
	password PasswordFunc
	emit     protocols.EmitFunc
	tracker  *protocols.Tracker
	log      *logrus.Entry
}

// New creates the client for one configured source.
func New(src config.SourceConfig, password PasswordFunc, emit protocols.EmitFunc, tracker *protocols.Tracker) *Client {
	return &Client{
		name:     src.Name,
		endpoint: src.Endpoint,
		opts:     *src.OPCUA,
		password: password,
		emit:     emit,
		tracker:  tracker,
		log:      common.Logger.WithFields(logrus.Fields{"source": src.Name, "protocol": "opcua"}),
	}
}

func (c *Client) Name() string             { return c.name }
func (c *Client) Protocol() model.Protocol { return model.ProtocolOPCUA }
func (c *Client) Status() protocols.Status { return c.tracker.Status() }

// Run connects and streams until ctx ends, resubscribing all monitored
// items after every reconnect.
func (c *Client) Run(ctx context.Context) error {
	return protocols.RunWithReconnect(ctx, c.log, c.tracker, c.session)
}

// session holds one secure channel for its lifetime.
func (c *Client) session(ctx context.Context) error {
	opts, release, err := c.clientOptions()
	if err != nil {
		return err
	}
	defer release()

	client, err := opcua.NewClient(c.endpoint, opts...)
	if err != nil {
		return fmt.Errorf("failed to create opcua client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	defer client.Close(ctx)

	c.tracker.SetState(protocols.StateRunning)
	c.log.Info("connected")

	if c.opts.UsePolling {
		return c.poll(ctx, client)
	}
	return c.subscribe(ctx, client)
}

// clientOptions assembles security and identity options. The returned
// release function drops any credential handle acquired for the session.
func (c *Client) clientOptions() ([]opcua.Option, func(), error) {
	release := func() {}
	opts := []opcua.Option{
		opcua.RequestTimeout(15 * time.Second),
	}

	switch c.opts.Security {
	case config.OPCUASecuritySign:
		opts = append(opts,
			opcua.SecurityPolicy(ua.SecurityPolicyURIBasic256Sha256),
			opcua.SecurityModeString("Sign"),
		)
	case config.OPCUASecuritySignAndEncrypt:
		opts = append(opts,
			opcua.SecurityPolicy(ua.SecurityPolicyURIBasic256Sha256),
			opcua.SecurityModeString("SignAndEncrypt"),
		)
	default:
		opts = append(opts, opcua.SecurityMode(ua.MessageSecurityModeNone))
	}

	if c.opts.CertFile != "" && c.opts.KeyFile != "" {
		opts = append(opts,
			opcua.CertificateFile(c.opts.CertFile),
			opcua.PrivateKeyFile(c.opts.KeyFile),
		)
	}

	switch {
	case c.opts.Username != "" && c.password != nil:
		handle, err := c.password()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to acquire opcua password: %w", err)
		}
		release = handle.Release
		opts = append(opts, opcua.AuthUsername(c.opts.Username, handle.String()))
	default:
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts, release, nil
}

func (c *Client) nodeIDs() ([]*ua.NodeID, error) {
	ids := make([]*ua.NodeID, len(c.opts.Nodes))
	for i, node := range c.opts.Nodes {
		id, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q: %w", node.NodeID, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// subscribe registers every configured node as a monitored item and
// forwards data-change notifications.
func (c *Client) subscribe(ctx context.Context, client *opcua.Client) error {
	ids, err := c.nodeIDs()
	if err != nil {
		return err
	}

	interval := c.opts.SamplingInterval.Duration
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	queueSize := c.opts.QueueSize
	if queueSize == 0 {
		queueSize = 10
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 64)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: interval}, notifyCh)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	defer sub.Cancel(ctx)

	requests := make([]*ua.MonitoredItemCreateRequest, len(ids))
	for i, id := range ids {
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(id, ua.AttributeIDValue, uint32(i))
		req.RequestedParameters.SamplingInterval = float64(interval.Milliseconds())
		req.RequestedParameters.QueueSize = queueSize
		requests[i] = req
	}
	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, requests...)
	if err != nil {
		return fmt.Errorf("failed to create monitored items: %w", err)
	}
	for i, result := range res.Results {
		if result.StatusCode != ua.StatusOK {
			c.log.WithField("node", c.opts.Nodes[i].NodeID).Warn("monitored item refused")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case note, ok := <-notifyCh:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			if note.Error != nil {
				return fmt.Errorf("publish error: %w", note.Error)
			}
			c.handleNotification(note)
		}
	}
}

func (c *Client) handleNotification(note *opcua.PublishNotificationData) {
	change, ok := note.Value.(*ua.DataChangeNotification)
	if !ok {
		return
	}
	for _, mi := range change.MonitoredItems {
		idx := int(mi.ClientHandle)
		if idx < 0 || idx >= len(c.opts.Nodes) || mi.Value == nil {
			continue
		}
		c.emitValue(c.opts.Nodes[idx], mi.Value)
	}
}

// poll reads every node on a fixed period, the fallback when the server
// offers no usable subscription service.
func (c *Client) poll(ctx context.Context, client *opcua.Client) error {
	ids, err := c.nodeIDs()
	if err != nil {
		return err
	}
	interval := c.opts.PollInterval.Duration
	if interval <= 0 {
		interval = time.Second
	}

	readValueIDs := make([]*ua.ReadValueID, len(ids))
	for i, id := range ids {
		readValueIDs[i] = &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue}
	}
	req := &ua.ReadRequest{
		NodesToRead:        readValueIDs,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			resp, err := client.Read(ctx, req)
			if err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			for i, dv := range resp.Results {
				if i < len(c.opts.Nodes) && dv != nil {
					c.emitValue(c.opts.Nodes[i], dv)
				}
			}
		}
	}
}

// emitValue converts one DataValue into a normaliser-ready read. Bad
// status codes flow through with quality bad for downstream analysis.
func (c *Client) emitValue(node config.OPCUANode, dv *ua.DataValue) {
	statusCode := uint32(dv.Status)
	meta := map[string]string{
		"status_code": strconv.FormatUint(uint64(statusCode), 10),
	}
	if dv.SourcePicoseconds > 0 {
		meta["source_picoseconds"] = strconv.FormatUint(uint64(dv.SourcePicoseconds), 10)
	}
	if dv.ServerPicoseconds > 0 {
		meta["server_picoseconds"] = strconv.FormatUint(uint64(dv.ServerPicoseconds), 10)
	}

	var value interface{}
	if dv.Value != nil {
		value = dv.Value.Value()
	}

	tag := node.Tag
	if tag == "" {
		tag = node.NodeID
	}

	c.tracker.Record()
	c.emit(normalize.Raw{
		SourceName: c.name,
		Protocol:   model.ProtocolOPCUA,
		RawTag:     node.NodeID,
		SignalType: node.SignalType,
		Tag:        tag,
		Value:      value,
		Unit:       node.Unit,
		Quality:    normalize.OPCUAQuality(statusCode),
		SourceTime: dv.SourceTimestamp,
		Meta:       meta,
	})
}
