package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExtractFlatEnvelope(t *testing.T) {
	env := Extract([]byte(`{"message": "connection reset", "service": "gateway", "level": "error", "@timestamp": "2026-08-30T12:00:00Z"}`))

	assert.Equal(t, "connection reset", env.Message)
	assert.Equal(t, "gateway", env.Service)
	assert.Equal(t, "error", env.Level)
	assert.Equal(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), env.Timestamp)
}

func TestExtractMessageFieldPriority(t *testing.T) {
	env := Extract([]byte(`{"log": "from log field", "msg": "from msg field"}`))
	assert.Equal(t, "from log field", env.Message)
}

func TestExtractNestedDockerEnvelope(t *testing.T) {
	env := Extract([]byte(`{"log": "{\"message\": \"OOM killed\", \"level\": \"fatal\"}", "container_name": "/payments"}`))

	assert.Equal(t, "OOM killed", env.Message)
	assert.Equal(t, "payments", env.Service)
}

func TestExtractServiceFromTag(t *testing.T) {
	env := Extract([]byte(`{"message": "hi", "tag": "docker.checkout"}`))
	assert.Equal(t, "checkout", env.Service)
}

func TestExtractContainerNameWins(t *testing.T) {
	env := Extract([]byte(`{"message": "hi", "container_name": "/api", "service": "other", "tag": "docker.x"}`))
	assert.Equal(t, "api", env.Service)
}

func TestExtractEpochTimestamp(t *testing.T) {
	env := Extract([]byte(`{"message": "hi", "timestamp": 1756555200.5}`))
	assert.Equal(t, int64(1756555200), env.Timestamp.Unix())
}

func TestExtractNonJSONPayload(t *testing.T) {
	env := Extract([]byte("plain text line from syslog\n"))

	assert.Equal(t, "plain text line from syslog", env.Message)
	assert.Empty(t, env.Service)
	assert.Empty(t, env.Level)
	assert.True(t, env.Timestamp.IsZero())
}

func TestExtractSeverityAlias(t *testing.T) {
	env := Extract([]byte(`{"message": "hi", "severity": "WARN"}`))
	assert.Equal(t, "WARN", env.Level)
}

func TestExtractEmptyMessage(t *testing.T) {
	env := Extract([]byte(`{"service": "x"}`))
	assert.Empty(t, env.Message)
}
