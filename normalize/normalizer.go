// Package normalize turns protocol-native reads into canonical Records.
// The normaliser is stateless and safe for concurrent use; each source
// carries its own Context describing where it sits in the plant hierarchy.
package normalize

import (
	"strings"
	"time"

	"otbridge.evalgo.org/model"
)

// Context is the per-source normalisation context. Empty segments fall back
// to the configured defaults when the path is assembled.
type Context struct {
	Site      string `yaml:"site" json:"site"`
	Area      string `yaml:"area" json:"area"`
	Line      string `yaml:"line" json:"line"`
	Equipment string `yaml:"equipment" json:"equipment"`
}

// Defaults supplies replacement segments for anything the Context leaves
// empty, including the signal type and tag.
type Defaults struct {
	Site       string `yaml:"site" json:"site"`
	Area       string `yaml:"area" json:"area"`
	Line       string `yaml:"line" json:"line"`
	Equipment  string `yaml:"equipment" json:"equipment"`
	SignalType string `yaml:"signal_type" json:"signal_type"`
	Tag        string `yaml:"tag" json:"tag"`
}

// DefaultDefaults returns the fallback segments used when the configuration
// does not override them.
func DefaultDefaults() Defaults {
	return Defaults{
		Site:       "site",
		Area:       "area",
		Line:       "line",
		Equipment:  "equipment",
		SignalType: "signal",
		Tag:        "tag",
	}
}

// Raw is one protocol-native observation handed to the normaliser.
type Raw struct {
	SourceName string
	Protocol   model.Protocol
	RawTag     string
	SignalType string
	Tag        string
	// Equipment, when set, fills an empty equipment segment in the source
	// context; MQTT sources derive it from the topic.
	Equipment string
	Value     interface{}
	Unit       string
	Quality    model.Quality
	// SourceTime is the device timestamp; the zero value means the
	// protocol did not provide one and the ingest clock is used.
	SourceTime time.Time
	Meta       map[string]string
}

// Normalizer assembles ISA-95 paths and fills in the canonical record
// fields. The zero value is not usable; construct with New.
type Normalizer struct {
	defaults Defaults
	now      func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock replaces the ingest clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New creates a Normalizer with the given segment defaults.
func New(defaults Defaults, opts ...Option) *Normalizer {
	n := &Normalizer{defaults: defaults, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Sanitize lower-cases a path segment and collapses every run of
// non-alphanumeric characters to a single underscore.
func Sanitize(segment string) string {
	var b strings.Builder
	b.Grow(len(segment))
	lastUnderscore := false
	for _, r := range strings.ToLower(segment) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

func (n *Normalizer) segment(value, fallback string) string {
	s := Sanitize(value)
	if s == "" {
		s = Sanitize(fallback)
	}
	return s
}

// Path assembles the normalised identity
// {site}/{area}/{line}/{equipment}/{signal_type}/{tag} for a read in the
// given context. The result is deterministic for a fixed input.
func (n *Normalizer) Path(nctx Context, signalType, tag string) string {
	segments := []string{
		n.segment(nctx.Site, n.defaults.Site),
		n.segment(nctx.Area, n.defaults.Area),
		n.segment(nctx.Line, n.defaults.Line),
		n.segment(nctx.Equipment, n.defaults.Equipment),
		n.segment(signalType, n.defaults.SignalType),
		n.segment(tag, n.defaults.Tag),
	}
	return strings.Join(segments, "/")
}

// Normalize produces the canonical Record for one raw read. The record
// leaves with a non-empty path, a resolved quality and both timestamps set.
func (n *Normalizer) Normalize(nctx Context, raw Raw) model.Record {
	if nctx.Equipment == "" && raw.Equipment != "" {
		nctx.Equipment = raw.Equipment
	}
	ingest := n.now().UTC()
	source := raw.SourceTime
	if source.IsZero() {
		source = ingest
	}

	quality := raw.Quality
	if quality == "" {
		quality = model.QualityUncertain
	}

	var meta map[string]string
	if len(raw.Meta) > 0 {
		meta = make(map[string]string, len(raw.Meta))
		for k, v := range raw.Meta {
			meta[k] = v
		}
	}

	return model.Record{
		SourceName:   raw.SourceName,
		Protocol:     raw.Protocol,
		RawTag:       raw.RawTag,
		Path:         n.Path(nctx, raw.SignalType, raw.Tag),
		Value:        model.FromAny(raw.Value),
		Unit:         raw.Unit,
		Quality:      quality,
		SourceMicros: source.UnixMicro(),
		IngestMicros: ingest.UnixMicro(),
		Meta:         meta,
	}
}

// OPCUAQuality maps an OPC-UA status code severity to the unified quality
// classes: 0 is good, 64-67 uncertain, 128 and above bad.
func OPCUAQuality(statusCode uint32) model.Quality {
	severity := statusCode >> 24
	switch {
	case severity == 0:
		return model.QualityGood
	case severity >= 64 && severity <= 67:
		return model.QualityUncertain
	case severity >= 128:
		return model.QualityBad
	}
	return model.QualityUncertain
}

// MQTTQuality maps delivery success to quality. Decode failures are
// reported by the client as explicit bad-quality records.
func MQTTQuality(delivered bool) model.Quality {
	if delivered {
		return model.QualityGood
	}
	return model.QualityBad
}

// ModbusQuality maps an exception code to quality; zero means a clean
// response.
func ModbusQuality(exceptionCode byte) model.Quality {
	if exceptionCode == 0 {
		return model.QualityGood
	}
	return model.QualityBad
}
