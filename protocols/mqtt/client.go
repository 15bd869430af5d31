package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"otbridge.evalgo.org/common"
	"otbridge.evalgo.org/config"
	"otbridge.evalgo.org/credentials"
	"otbridge.evalgo.org/model"
	"otbridge.evalgo.org/normalize"
	"otbridge.evalgo.org/protocols"
)

// PasswordFunc acquires the broker password as a scoped handle; nil for
// anonymous connections.
type PasswordFunc func() (*credentials.Handle, error)

// Client is the MQTT source client.
type Client struct {
	name     string
	endpoint string
	opts     config.MQTTOptions
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
		opts:     *src.MQTT,
		password: password,
		emit:     emit,
		tracker:  tracker,
		log:      common.Logger.WithFields(logrus.Fields{"source": src.Name, "protocol": "mqtt"}),
	}
}

func (c *Client) Name() string             { return c.name }
func (c *Client) Protocol() model.Protocol { return model.ProtocolMQTT }
func (c *Client) Status() protocols.Status { return c.tracker.Status() }

// Run connects and streams until ctx ends. Reconnection is owned by the
// shared runner; a persistent session (clean_session false) resumes its
// subscriptions server-side, a clean session resubscribes explicitly.
func (c *Client) Run(ctx context.Context) error {
	return protocols.RunWithReconnect(ctx, c.log, c.tracker, c.session)
}

// brokerURL maps the configured scheme onto the transport scheme the MQTT
// library expects.
func (c *Client) brokerURL() string {
	u := c.endpoint
	u = strings.Replace(u, "mqtts://", "ssl://", 1)
	u = strings.Replace(u, "mqtt://", "tcp://", 1)
	return u
}

func (c *Client) session(ctx context.Context) error {
	lost := make(chan error, 1)

	opts := paho.NewClientOptions().
		AddBroker(c.brokerURL()).
		SetCleanSession(c.opts.CleanSession).
		SetAutoReconnect(false).
		SetConnectTimeout(15 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})

	clientID := c.opts.ClientID
	if clientID == "" {
		clientID = "otbridge-" + c.name
	}
	opts.SetClientID(clientID)

	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		if c.password != nil {
			handle, err := c.password()
			if err != nil {
				return fmt.Errorf("failed to acquire mqtt password: %w", err)
			}
			opts.SetPassword(handle.String())
			handle.Release()
		}
	}

	if strings.HasPrefix(c.brokerURL(), "ssl://") {
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	client := paho.NewClient(opts)
	connect := client.Connect()
	if !connect.WaitTimeout(20 * time.Second) {
		return fmt.Errorf("connect to %s timed out", c.endpoint)
	}
	if err := connect.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	defer client.Disconnect(250)

	// With a persistent session the broker replays the subscription
	// state; a clean session subscribes from scratch.
	for _, topic := range c.opts.Topics {
		topic := topic
		sub := client.Subscribe(topic.Filter, topic.QoS, func(_ paho.Client, msg paho.Message) {
			c.handleMessage(topic, msg)
		})
		if !sub.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("subscribe to %q timed out", topic.Filter)
		}
		if err := sub.Error(); err != nil {
			return fmt.Errorf("failed to subscribe to %q: %w", topic.Filter, err)
		}
	}

	c.tracker.SetState(protocols.StateRunning)
	c.log.Info("connected")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return fmt.Errorf("connection lost: %w", err)
	}
}

func (c *Client) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.opts.CAFile != "" {
		pem, err := os.ReadFile(c.opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.opts.CAFile)
		}
		cfg.RootCAs = pool
	}
	if c.opts.CertFile != "" && c.opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.opts.CertFile, c.opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// handleMessage decodes one publication and emits its values. Payloads
// the decode rule cannot parse become a single bad-quality record with
// the raw bytes in metadata.
func (c *Client) handleMessage(topic config.MQTTTopic, msg paho.Message) {
	meta := map[string]string{
		"topic": msg.Topic(),
		"qos":   strconv.Itoa(int(msg.Qos())),
	}
	if msg.Retained() {
		meta["retained"] = "true"
	}

	signalType := topic.SignalType
	if signalType == "" {
		signalType = lastTopicLevel(msg.Topic())
	}
	equipment := secondToLastTopicLevel(msg.Topic())

	values, err := decodePayload(msg.Topic(), msg.Payload(), topic.Decode)
	if err != nil {
		badMeta := make(map[string]string, len(meta)+2)
		for k, v := range meta {
			badMeta[k] = v
		}
		badMeta["decode_error"] = err.Error()
		badMeta["payload_hex"] = rawBytesMeta(msg.Payload())

		c.tracker.Record()
		c.emit(normalize.Raw{
			SourceName: c.name,
			Protocol:   model.ProtocolMQTT,
			RawTag:     msg.Topic(),
			SignalType: signalType,
			Tag:        lastTopicLevel(msg.Topic()),
			Equipment:  equipment,
			Value:      msg.Payload(),
			Quality:    model.QualityBad,
			Meta:       badMeta,
		})
		return
	}

	for _, value := range values {
		unit := value.Unit
		if unit == "" {
			unit = topic.Unit
		}
		c.tracker.Record()
		c.emit(normalize.Raw{
			SourceName: c.name,
			Protocol:   model.ProtocolMQTT,
			RawTag:     msg.Topic(),
			SignalType: signalType,
			Tag:        value.Tag,
			Equipment:  equipment,
			Value:      value.Value,
			Unit:       unit,
			Quality:    normalize.MQTTQuality(true),
			Meta:       meta,
		})
	}
}
