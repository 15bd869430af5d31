package modbus

import (
	"testing"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otbridge.evalgo.org/config"
	"otbridge.evalgo.org/model"
	"otbridge.evalgo.org/normalize"
	"otbridge.evalgo.org/protocols"
)

// fakeReader serves canned register bytes per (kind, address).
type fakeReader struct {
	holding  map[uint16][]byte
	coils    map[uint16][]byte
	failWith *gomodbus.ModbusError
}

func (f *fakeReader) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.holding[address], nil
}

func (f *fakeReader) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return f.holding[address], nil
}

func (f *fakeReader) ReadCoils(address, quantity uint16) ([]byte, error) {
	return f.coils[address], nil
}

func (f *fakeReader) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return f.coils[address], nil
}

func newTestClient(t *testing.T, opts config.ModbusOptions, sink *[]normalize.Raw) *Client {
	t.Helper()
	src := config.SourceConfig{
		Name:     "press_modbus",
		Protocol: model.ProtocolModbus,
		Endpoint: "10.0.0.5:502",
		Modbus:   &opts,
	}
	return New(src, func(raw normalize.Raw) {
		*sink = append(*sink, raw)
	}, protocols.NewTracker())
}

func TestDecodeValueTypes(t *testing.T) {
	cases := []struct {
		name  string
		entry config.ModbusEntry
		data  []byte
		want  interface{}
	}{
		{"int16 negative", config.ModbusEntry{Name: "a", Kind: config.ModbusHolding, Type: config.ModbusInt16}, []byte{0xff, 0xfe}, int16(-2)},
		{"uint16", config.ModbusEntry{Name: "b", Kind: config.ModbusHolding, Type: config.ModbusUint16}, []byte{0x01, 0x00}, uint16(256)},
		{"uint32", config.ModbusEntry{Name: "c", Kind: config.ModbusHolding, Type: config.ModbusUint32}, []byte{0x00, 0x01, 0x00, 0x00}, uint32(65536)},
		{"float32", config.ModbusEntry{Name: "d", Kind: config.ModbusHolding, Type: config.ModbusFloat32}, []byte{0x42, 0xc8, 0x00, 0x00}, float32(100)},
		{"bool register", config.ModbusEntry{Name: "e", Kind: config.ModbusHolding, Type: config.ModbusBool}, []byte{0x00, 0x01}, true},
		{"coil bit", config.ModbusEntry{Name: "f", Kind: config.ModbusCoil, Type: config.ModbusBool}, []byte{0x01}, true},
	}
	for _, tc := range cases {
		got, err := decodeValue(tc.entry, tc.data)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestDecodeValueWordSwap(t *testing.T) {
	// 100.0 as float32 big-endian is 42 c8 00 00; word-swapped on the
	// wire it arrives as 00 00 42 c8.
	entry := config.ModbusEntry{Name: "x", Kind: config.ModbusHolding, Type: config.ModbusFloat32, WordSwap: true}
	got, err := decodeValue(entry, []byte{0x00, 0x00, 0x42, 0xc8})
	require.NoError(t, err)
	assert.Equal(t, float32(100), got)
}

func TestDecodeValueByteSwap(t *testing.T) {
	entry := config.ModbusEntry{Name: "x", Kind: config.ModbusHolding, Type: config.ModbusUint16, ByteSwap: true}
	got, err := decodeValue(entry, []byte{0x00, 0x01})
	require.NoError(t, err)
	assert.Equal(t, uint16(256), got)
}

func TestScaling(t *testing.T) {
	entry := config.ModbusEntry{Name: "x", Kind: config.ModbusHolding, Type: config.ModbusUint16, Slope: 0.1, Offset: -40}
	got, err := decodeValue(entry, []byte{0x02, 0x58}) // 600
	require.NoError(t, err)
	assert.InDelta(t, 20.0, got.(float64), 1e-9)
}

func TestDecodeShortResponse(t *testing.T) {
	entry := config.ModbusEntry{Name: "x", Kind: config.ModbusHolding, Type: config.ModbusFloat64}
	_, err := decodeValue(entry, []byte{0x00, 0x01})
	assert.Error(t, err)
}

func TestDeadbandSuppressesSmallChanges(t *testing.T) {
	var emitted []normalize.Raw
	opts := config.ModbusOptions{
		Transport: "tcp",
		Entries: []config.ModbusEntry{{
			Name: "speed", SignalType: "speed", Address: 100,
			Kind: config.ModbusHolding, Type: config.ModbusUint16, Deadband: 5,
		}},
	}
	c := newTestClient(t, opts, &emitted)
	reader := &fakeReader{holding: map[uint16][]byte{100: {0x00, 0x64}}} // 100

	now := time.Unix(1000, 0)
	require.NoError(t, c.pollOnce(reader, now))
	require.Len(t, emitted, 1, "first observation always emits")

	// +3 is inside the deadband.
	reader.holding[100] = []byte{0x00, 0x67}
	require.NoError(t, c.pollOnce(reader, now.Add(time.Second)))
	assert.Len(t, emitted, 1)

	// +8 exceeds it.
	reader.holding[100] = []byte{0x00, 0x6c}
	require.NoError(t, c.pollOnce(reader, now.Add(2*time.Second)))
	require.Len(t, emitted, 2)
	assert.Equal(t, model.ProtocolModbus, emitted[1].Protocol)
}

func TestPercentDeadband(t *testing.T) {
	// 2% of range 1000 = 20.
	entry := config.ModbusEntry{Name: "x", Deadband: 2, DeadbandPercent: true, Range: 1000}
	assert.False(t, deadbandExceeded(entry, 500, 515))
	assert.True(t, deadbandExceeded(entry, 500, 525))
}

func TestHeartbeatEmitsUnchangedValue(t *testing.T) {
	var emitted []normalize.Raw
	opts := config.ModbusOptions{
		Transport:         "tcp",
		HeartbeatInterval: config.Duration{Duration: 10 * time.Second},
		Entries: []config.ModbusEntry{{
			Name: "speed", Address: 100,
			Kind: config.ModbusHolding, Type: config.ModbusUint16, Deadband: 5,
		}},
	}
	c := newTestClient(t, opts, &emitted)
	reader := &fakeReader{holding: map[uint16][]byte{100: {0x00, 0x64}}}

	now := time.Unix(1000, 0)
	require.NoError(t, c.pollOnce(reader, now))
	require.NoError(t, c.pollOnce(reader, now.Add(time.Second)))
	assert.Len(t, emitted, 1, "unchanged value inside heartbeat window")

	require.NoError(t, c.pollOnce(reader, now.Add(11*time.Second)))
	assert.Len(t, emitted, 2, "heartbeat emits regardless of change")
}

func TestExceptionBecomesBadQuality(t *testing.T) {
	var emitted []normalize.Raw
	opts := config.ModbusOptions{
		Transport: "tcp",
		Entries: []config.ModbusEntry{{
			Name: "speed", Address: 100,
			Kind: config.ModbusHolding, Type: config.ModbusUint16,
		}},
	}
	c := newTestClient(t, opts, &emitted)
	reader := &fakeReader{failWith: &gomodbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 2}}

	require.NoError(t, c.pollOnce(reader, time.Unix(1000, 0)))
	require.Len(t, emitted, 1)
	assert.Equal(t, model.QualityBad, emitted[0].Quality)
	assert.Equal(t, "2", emitted[0].Meta["exception_code"])
}
