package modbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/sirupsen/logrus"

	"otbridge.evalgo.org/common"
	"otbridge.evalgo.org/config"
	"otbridge.evalgo.org/model"
	"otbridge.evalgo.org/normalize"
	"otbridge.evalgo.org/protocols"
)

// reader is the slice of the modbus client API the poll loop needs;
// narrowed for tests.
type reader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
}

// Client is the Modbus source client.
type Client struct {
	name     string
	endpoint string
	opts     config.ModbusOptions
	emit     protocols.EmitFunc
	tracker  *protocols.Tracker
	log      *logrus.Entry

	// lastValue and lastEmit drive report-by-exception per entry.
	lastValue map[string]interface{}
	lastEmit  map[string]time.Time
}

// New creates the client for one configured source.
func New(src config.SourceConfig, emit protocols.EmitFunc, tracker *protocols.Tracker) *Client {
	return &Client{
		name:      src.Name,
		endpoint:  src.Endpoint,
		opts:      *src.Modbus,
		emit:      emit,
		tracker:   tracker,
		log:       common.Logger.WithFields(logrus.Fields{"source": src.Name, "protocol": "modbus"}),
		lastValue: make(map[string]interface{}),
		lastEmit:  make(map[string]time.Time),
	}
}

func (c *Client) Name() string             { return c.name }
func (c *Client) Protocol() model.Protocol { return model.ProtocolModbus }
func (c *Client) Status() protocols.Status { return c.tracker.Status() }

// Run polls until ctx ends, reconnecting the transport with backoff on
// failure.
func (c *Client) Run(ctx context.Context) error {
	return protocols.RunWithReconnect(ctx, c.log, c.tracker, c.session)
}

func (c *Client) session(ctx context.Context) error {
	var client gomodbus.Client
	var closeFn func() error

	switch c.opts.Transport {
	case "rtu":
		handler := gomodbus.NewRTUClientHandler(c.endpoint)
		handler.BaudRate = c.opts.BaudRate
		if handler.BaudRate == 0 {
			handler.BaudRate = 19200
		}
		handler.DataBits = c.opts.DataBits
		if handler.DataBits == 0 {
			handler.DataBits = 8
		}
		handler.Parity = c.opts.Parity
		if handler.Parity == "" {
			handler.Parity = "N"
		}
		handler.StopBits = c.opts.StopBits
		if handler.StopBits == 0 {
			handler.StopBits = 1
		}
		handler.SlaveId = c.opts.SlaveID
		handler.Timeout = 5 * time.Second
		if err := handler.Connect(); err != nil {
			return fmt.Errorf("failed to open serial device %s: %w", c.endpoint, err)
		}
		closeFn = handler.Close
		client = gomodbus.NewClient(handler)
	default:
		handler := gomodbus.NewTCPClientHandler(c.endpoint)
		handler.SlaveId = c.opts.SlaveID
		handler.Timeout = 5 * time.Second
		if err := handler.Connect(); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
		}
		closeFn = handler.Close
		client = gomodbus.NewClient(handler)
	}
	defer closeFn()

	c.tracker.SetState(protocols.StateRunning)
	c.log.Info("connected")

	interval := c.opts.PollInterval.Duration
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.pollOnce(client, time.Now()); err != nil {
				return err
			}
		}
	}
}

// pollOnce reads every configured range and emits the entries whose value
// moved beyond the deadband, plus periodic heartbeats. Exception
// responses become bad-quality records; transport errors abort the
// session for a reconnect.
func (c *Client) pollOnce(client reader, now time.Time) error {
	for _, entry := range c.opts.Entries {
		data, err := c.readEntry(client, entry)
		if err != nil {
			var mbErr *gomodbus.ModbusError
			if errors.As(err, &mbErr) {
				c.emitBad(entry, mbErr.ExceptionCode, now)
				continue
			}
			return fmt.Errorf("read of entry %q failed: %w", entry.Name, err)
		}

		value, err := decodeValue(entry, data)
		if err != nil {
			c.log.WithError(err).Warn("undecodable register response")
			continue
		}
		c.maybeEmit(entry, value, now)
	}
	return nil
}

func (c *Client) readEntry(client reader, entry config.ModbusEntry) ([]byte, error) {
	count := entry.Count
	if count == 0 {
		if isBitKind(entry.Kind) {
			count = 1
		} else {
			count = wordCount(entry.Type)
		}
	}
	switch entry.Kind {
	case config.ModbusHolding:
		return client.ReadHoldingRegisters(entry.Address, count)
	case config.ModbusInput:
		return client.ReadInputRegisters(entry.Address, count)
	case config.ModbusCoil:
		return client.ReadCoils(entry.Address, count)
	case config.ModbusDiscrete:
		return client.ReadDiscreteInputs(entry.Address, count)
	default:
		return nil, fmt.Errorf("unknown register kind %q", entry.Kind)
	}
}

// maybeEmit applies report-by-exception: emit on first observation, on a
// change beyond the deadband, and on the heartbeat interval regardless of
// change.
func (c *Client) maybeEmit(entry config.ModbusEntry, value interface{}, now time.Time) {
	heartbeat := c.opts.HeartbeatInterval.Duration
	due := heartbeat > 0 && now.Sub(c.lastEmit[entry.Name]) >= heartbeat

	last, seen := c.lastValue[entry.Name]
	changed := !seen
	if seen && !due {
		lastF, lastNum := toFloat(last)
		curF, curNum := toFloat(value)
		if lastNum && curNum {
			changed = deadbandExceeded(entry, lastF, curF)
		} else {
			changed = last != value
		}
	}

	if !changed && !due {
		return
	}
	c.lastValue[entry.Name] = value
	c.lastEmit[entry.Name] = now

	c.tracker.Record()
	c.emit(normalize.Raw{
		SourceName: c.name,
		Protocol:   model.ProtocolModbus,
		RawTag:     rawTag(entry),
		SignalType: entry.SignalType,
		Tag:        entry.Name,
		Value:      value,
		Unit:       entry.Unit,
		Quality:    normalize.ModbusQuality(0),
		Meta: map[string]string{
			"address": strconv.Itoa(int(entry.Address)),
			"kind":    string(entry.Kind),
		},
	})
}

// emitBad reports an exception response as a bad-quality record with the
// exception code in metadata.
func (c *Client) emitBad(entry config.ModbusEntry, exceptionCode byte, now time.Time) {
	c.lastEmit[entry.Name] = now
	delete(c.lastValue, entry.Name)

	c.tracker.Record()
	c.emit(normalize.Raw{
		SourceName: c.name,
		Protocol:   model.ProtocolModbus,
		RawTag:     rawTag(entry),
		SignalType: entry.SignalType,
		Tag:        entry.Name,
		Value:      nil,
		Unit:       entry.Unit,
		Quality:    normalize.ModbusQuality(exceptionCode),
		Meta: map[string]string{
			"address":        strconv.Itoa(int(entry.Address)),
			"kind":           string(entry.Kind),
			"exception_code": strconv.Itoa(int(exceptionCode)),
		},
	})
}

func rawTag(entry config.ModbusEntry) string {
	return string(entry.Kind) + "/" + strconv.Itoa(int(entry.Address))
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int16:
		return float64(t), true
	case uint16:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint32:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
