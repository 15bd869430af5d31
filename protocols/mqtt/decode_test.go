package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otbridge.evalgo.org/config"
)

func TestDecodeJSONWithUnit(t *testing.T) {
	values, err := decodePayload("sensors/pump1/flow", []byte(`{"v":12.3,"u":"L/s"}`), config.MQTTDecodeJSON)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "v", values[0].Tag)
	assert.Equal(t, 12.3, values[0].Value)
	assert.Equal(t, "L/s", values[0].Unit)
}

func TestDecodeJSONNestedLeaves(t *testing.T) {
	payload := []byte(`{"motor":{"temp":61.5,"rpm":1480},"state":"running"}`)
	values, err := decodePayload("plant/press1/status", payload, config.MQTTDecodeJSON)
	require.NoError(t, err)
	require.Len(t, values, 3)

	tags := []string{values[0].Tag, values[1].Tag, values[2].Tag}
	assert.Equal(t, []string{"motor.rpm", "motor.temp", "state"}, tags)
}

func TestDecodeJSONScalarUsesTopicLevel(t *testing.T) {
	values, err := decodePayload("sensors/pump1/flow", []byte(`42`), config.MQTTDecodeJSON)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "flow", values[0].Tag)
	assert.Equal(t, float64(42), values[0].Value)
}

func TestDecodeUTF8(t *testing.T) {
	values, err := decodePayload("plant/press1/mode", []byte("auto"), config.MQTTDecodeUTF8)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "mode", values[0].Tag)
	assert.Equal(t, "auto", values[0].Value)

	_, err = decodePayload("plant/press1/mode", []byte{0xff, 0xfe}, config.MQTTDecodeUTF8)
	assert.Error(t, err)
}

func TestDecodeRawPassesBytes(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	values, err := decodePayload("plant/press1/blob", payload, config.MQTTDecodeRaw)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, payload, values[0].Value)
}

func TestDecodeInvalidJSONFails(t *testing.T) {
	_, err := decodePayload("sensors/pump1/flow", []byte(`{"v":`), config.MQTTDecodeJSON)
	assert.Error(t, err)
}

func TestTopicLevels(t *testing.T) {
	assert.Equal(t, "flow", lastTopicLevel("sensors/pump1/flow"))
	assert.Equal(t, "pump1", secondToLastTopicLevel("sensors/pump1/flow"))
	assert.Equal(t, "", secondToLastTopicLevel("flow"))
}
