package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(NewFormatter(true))

	logger.WithField("component", "cloud").Info("Device authenticated")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Device authenticated", entry["message"])
	assert.Equal(t, "cloud", entry["component"])
	assert.Equal(t, "info", entry["level"])
}

func TestTextFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(NewFormatter(false))

	logger.WithField("record", "").Warn("Lock timeout")
	assert.Contains(t, buf.String(), `record=""`)
	assert.Contains(t, buf.String(), "level=warning")
}

func TestSetup(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	require.NoError(t, Setup("debug", false))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.Error(t, Setup("loud", false))
}
