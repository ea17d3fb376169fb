// Package ingest consumes raw log envelopes from Kafka and feeds them
// into the detection pipeline through a worker pool.
package ingest

import (
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

// Envelope is the normalized form of one consumed record. Collectors
// such as Fluent Bit wrap the actual log line in varying shapes; the
// extractor flattens them.
type Envelope struct {
	Message   string
	Service   string
	Level     string
	Timestamp time.Time
}

var messageFields = []string{"message", "log", "msg", "text"}
var timestampFields = []string{"@timestamp", "timestamp", "time", "date"}
var levelFields = []string{"level", "severity", "log_level"}

// Extract pulls message, service, level and timestamp out of a raw
// record. Non-JSON payloads become the message verbatim.
func Extract(data []byte) Envelope {
	var p fastjson.Parser
	v, err := p.ParseBytes(data)
	if err != nil || v.Type() != fastjson.TypeObject {
		return Envelope{Message: strings.TrimSpace(string(data))}
	}

	return Envelope{
		Message:   extractMessage(v, 0),
		Service:   extractService(v),
		Level:     extractLevel(v),
		Timestamp: extractTimestamp(v),
	}
}

// extractMessage follows one level of nesting: collectors often stuff
// a JSON-encoded application log into the "log" field.
func extractMessage(v *fastjson.Value, depth int) string {
	for _, field := range messageFields {
		raw := v.Get(field)
		if raw == nil {
			continue
		}

		if raw.Type() != fastjson.TypeString {
			continue
		}
		s := string(raw.GetStringBytes())
		if s == "" {
			continue
		}

		if depth < 3 && strings.HasPrefix(strings.TrimSpace(s), "{") {
			var p fastjson.Parser
			if nested, err := p.Parse(s); err == nil && nested.Type() == fastjson.TypeObject {
				if msg := extractMessage(nested, depth+1); msg != "" {
					return msg
				}
			}
		}

		return strings.TrimSpace(s)
	}

	return ""
}

func extractService(v *fastjson.Value) string {
	if name := stringField(v, "container_name"); name != "" {
		name = strings.TrimPrefix(name, "/")
		return name
	}

	if service := stringField(v, "service"); service != "" {
		return service
	}

	if tag := stringField(v, "tag"); tag != "" {
		return strings.TrimPrefix(tag, "docker.")
	}

	return ""
}

func extractLevel(v *fastjson.Value) string {
	for _, field := range levelFields {
		if level := stringField(v, field); level != "" {
			return level
		}
	}
	return ""
}

func extractTimestamp(v *fastjson.Value) time.Time {
	for _, field := range timestampFields {
		raw := v.Get(field)
		if raw == nil {
			continue
		}

		switch raw.Type() {
		case fastjson.TypeString:
			s := string(raw.GetStringBytes())
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
				if t, err := time.Parse(layout, s); err == nil {
					return t.UTC()
				}
			}
		case fastjson.TypeNumber:
			// Epoch seconds, possibly fractional.
			f := raw.GetFloat64()
			if f > 0 {
				sec := int64(f)
				nsec := int64((f - float64(sec)) * 1e9)
				return time.Unix(sec, nsec).UTC()
			}
		}
	}

	return time.Time{}
}

func stringField(v *fastjson.Value, field string) string {
	raw := v.Get(field)
	if raw == nil || raw.Type() != fastjson.TypeString {
		return ""
	}
	return string(raw.GetStringBytes())
}
