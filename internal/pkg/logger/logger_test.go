package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]string {
	t.Helper()
	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WARN)

	l.Log(INFO, "too quiet")
	assert.Zero(t, buf.Len())

	l.Log(ERROR, "loud enough")
	entry := lastEntry(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "loud enough", entry["msg"])
}

func TestSenderFieldIsRedacted(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DEBUG)

	l.Log(INFO, "email accepted", "sender", "john.doe@example.com", "id", "m-1")
	entry := lastEntry(t, &buf)
	assert.Equal(t, "jo***@example.com", entry["sender"])
	assert.Equal(t, "m-1", entry["id"])
}

func TestAddressInFreeTextIsRedacted(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DEBUG)

	l.Log(INFO, "subject noted", "subject", "RE: contact alice@corp.example about renewal")
	entry := lastEntry(t, &buf)
	assert.NotContains(t, entry["subject"], "alice@corp.example")
	assert.Contains(t, entry["subject"], "al***@corp.example")
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-address"))
}
