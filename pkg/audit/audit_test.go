package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustmesh/repcore/pkg/audit"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventRejection, "alice", "validate_event", "cooldown_violation", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	jsonPart := strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))

	var event audit.Event
	err = json.Unmarshal([]byte(jsonPart), &event)
	require.NoError(t, err)

	assert.Equal(t, audit.EventRejection, event.Type)
	assert.Equal(t, "alice", event.UserID)
	assert.Equal(t, "validate_event", event.Action)
	assert.Equal(t, "cooldown_violation", event.Outcome)
	assert.NotEmpty(t, event.ID)
	// UUID format: 8-4-4-4-12
	assert.Len(t, event.ID, 36)
	assert.False(t, event.Timestamp.IsZero())
}

func TestLogger_Record_WithMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	meta := map[string]any{"score": 0.82, "source_address": "10.0.0.1"}
	err := logger.Record(context.Background(), audit.EventSybil, "bob", "evaluate", "block", meta)
	require.NoError(t, err)

	jsonPart := strings.TrimPrefix(buf.String(), "AUDIT: ")
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &event))

	assert.Equal(t, "10.0.0.1", event.Metadata["source_address"])
	assert.Equal(t, 0.82, event.Metadata["score"])
}

func TestLogger_Record_OneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	require.NoError(t, logger.Record(context.Background(), audit.EventFraud, "u1", "analyze", "flagged", nil))
	require.NoError(t, logger.Record(context.Background(), audit.EventProof, "u1", "verify", "expired", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "AUDIT: "))
	}
}

func TestNop_DiscardsRecords(t *testing.T) {
	err := audit.Nop().Record(context.Background(), audit.EventCollusion, "", "detect", "detected", nil)
	assert.NoError(t, err)
}
