// Package modbus implements the polled Modbus source client for TCP and
// RTU transports. A register map drives typed decoding, scaling and
// deadband-based report-by-exception.
package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"otbridge.evalgo.org/config"
)

// wordCount returns how many 16-bit registers one value of the entry's
// type occupies.
func wordCount(t config.ModbusDataType) uint16 {
	switch t {
	case config.ModbusInt32, config.ModbusUint32, config.ModbusFloat32:
		return 2
	case config.ModbusFloat64:
		return 4
	default:
		return 1
	}
}

// isBitKind reports whether the register kind reads packed bits rather
// than 16-bit registers.
func isBitKind(kind config.ModbusRegisterKind) bool {
	return kind == config.ModbusCoil || kind == config.ModbusDiscrete
}

// decodeValue turns the raw response bytes for one entry into a typed
// value, honouring byte and word order and applying scaling.
func decodeValue(entry config.ModbusEntry, data []byte) (interface{}, error) {
	if isBitKind(entry.Kind) {
		if len(data) == 0 {
			return nil, fmt.Errorf("entry %q: empty bit response", entry.Name)
		}
		return data[0]&0x01 == 0x01, nil
	}

	words := wordCount(entry.Type)
	if len(data) < int(words)*2 {
		return nil, fmt.Errorf("entry %q: short response (%d bytes for %d registers)", entry.Name, len(data), words)
	}
	raw := arrange(entry, data[:words*2])

	var value interface{}
	switch entry.Type {
	case config.ModbusInt16:
		value = int16(binary.BigEndian.Uint16(raw))
	case config.ModbusUint16:
		value = binary.BigEndian.Uint16(raw)
	case config.ModbusInt32:
		value = int32(binary.BigEndian.Uint32(raw))
	case config.ModbusUint32:
		value = binary.BigEndian.Uint32(raw)
	case config.ModbusFloat32:
		value = math.Float32frombits(binary.BigEndian.Uint32(raw))
	case config.ModbusFloat64:
		value = math.Float64frombits(binary.BigEndian.Uint64(raw))
	case config.ModbusBool:
		value = binary.BigEndian.Uint16(raw) != 0
	default:
		return nil, fmt.Errorf("entry %q: unknown data type %q", entry.Name, entry.Type)
	}
	return scale(entry, value), nil
}

// arrange applies the entry's byte and word order to a copy of the raw
// big-endian register bytes.
func arrange(entry config.ModbusEntry, data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)

	if entry.WordSwap {
		for i, j := 0, len(out)-2; i < j; i, j = i+2, j-2 {
			out[i], out[j] = out[j], out[i]
			out[i+1], out[j+1] = out[j+1], out[i+1]
		}
	}
	if entry.ByteSwap {
		for i := 0; i+1 < len(out); i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	}
	return out
}

// scale applies slope and offset to numeric values. With zero slope and
// zero offset no scaling is configured; a zero slope with a non-zero
// offset is treated as slope 1.
func scale(entry config.ModbusEntry, value interface{}) interface{} {
	if entry.Slope == 0 && entry.Offset == 0 {
		return value
	}
	slope := entry.Slope
	if slope == 0 {
		slope = 1
	}

	switch v := value.(type) {
	case int16:
		return float64(v)*slope + entry.Offset
	case uint16:
		return float64(v)*slope + entry.Offset
	case int32:
		return float64(v)*slope + entry.Offset
	case uint32:
		return float64(v)*slope + entry.Offset
	case float32:
		return float64(v)*slope + entry.Offset
	case float64:
		return v*slope + entry.Offset
	default:
		return value
	}
}

// deadbandExceeded reports whether the change from last to current is big
// enough to emit under the entry's deadband. Entries without a deadband
// emit on any change.
func deadbandExceeded(entry config.ModbusEntry, last, current float64) bool {
	if entry.Deadband <= 0 {
		return last != current
	}
	threshold := entry.Deadband
	if entry.DeadbandPercent {
		threshold = entry.Deadband / 100 * entry.Range
	}
	return math.Abs(current-last) > threshold
}
