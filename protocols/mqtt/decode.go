// Package mqtt implements the MQTT source client: topic-filter
// subscriptions with per-topic payload decoding into normaliser-ready
// reads.
package mqtt

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"otbridge.evalgo.org/config"
)

// decoded is one value extracted from a payload.
type decoded struct {
	// Tag is the value's identity within the topic, e.g. the dotted JSON
	// path of the leaf, or the final topic level for scalar payloads.
	Tag   string
	Value interface{}
	Unit  string
}

// unitKeys are JSON members treated as the unit of their sibling values
// rather than as signals of their own.
var unitKeys = map[string]bool{"u": true, "unit": true}

// decodePayload turns a raw payload into zero or more values according to
// the topic's decode rule. An error means the payload did not match the
// rule; the caller emits a bad-quality record carrying the raw bytes.
func decodePayload(topic string, payload []byte, rule config.MQTTDecode) ([]decoded, error) {
	switch rule {
	case config.MQTTDecodeRaw:
		return []decoded{{Tag: lastTopicLevel(topic), Value: payload}}, nil

	case config.MQTTDecodeUTF8:
		if !utf8.Valid(payload) {
			return nil, fmt.Errorf("payload is not valid utf-8")
		}
		return []decoded{{Tag: lastTopicLevel(topic), Value: string(payload)}}, nil

	case config.MQTTDecodeJSON, "":
		var parsed interface{}
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return nil, fmt.Errorf("payload is not valid json: %w", err)
		}
		return flattenJSON(topic, parsed), nil

	default:
		return nil, fmt.Errorf("unknown decode rule %q", rule)
	}
}

// flattenJSON walks a parsed document and emits one value per leaf,
// identified by its dotted path. A sibling unit member ("u" or "unit")
// annotates the other leaves of its object instead of becoming a value.
func flattenJSON(topic string, parsed interface{}) []decoded {
	switch doc := parsed.(type) {
	case map[string]interface{}:
		unit := ""
		for key, value := range doc {
			if s, ok := value.(string); ok && unitKeys[key] {
				unit = s
			}
		}
		var out []decoded
		for key, value := range doc {
			if s, ok := value.(string); ok && unitKeys[key] && s == unit {
				continue
			}
			for _, leaf := range flattenLeaf(key, value) {
				if leaf.Unit == "" {
					leaf.Unit = unit
				}
				out = append(out, leaf)
			}
		}
		sortDecoded(out)
		return out
	default:
		// Scalar or array document: one value named after the topic.
		return []decoded{{Tag: lastTopicLevel(topic), Value: parsed}}
	}
}

func flattenLeaf(path string, value interface{}) []decoded {
	switch nested := value.(type) {
	case map[string]interface{}:
		var out []decoded
		for key, inner := range nested {
			out = append(out, flattenLeaf(path+"."+key, inner)...)
		}
		return out
	default:
		return []decoded{{Tag: path, Value: value}}
	}
}

func sortDecoded(values []decoded) {
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j].Tag < values[j-1].Tag; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
}

// lastTopicLevel returns the final level of a topic.
func lastTopicLevel(topic string) string {
	levels := strings.Split(topic, "/")
	return levels[len(levels)-1]
}

// secondToLastTopicLevel returns the level before the final one, used as
// the default equipment segment.
func secondToLastTopicLevel(topic string) string {
	levels := strings.Split(topic, "/")
	if len(levels) < 2 {
		return ""
	}
	return levels[len(levels)-2]
}

// rawBytesMeta renders an undecodable payload for the metadata map.
func rawBytesMeta(payload []byte) string {
	const maxLen = 256
	if len(payload) > maxLen {
		payload = payload[:maxLen]
	}
	return hex.EncodeToString(payload)
}
