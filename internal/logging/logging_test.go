package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToJSONInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "", "")
	require.NoError(t, err)
	require.Equal(t, logrus.InfoLevel, logger.GetLevel())

	logger.Debug("hidden")
	logger.WithField("invoice_id", 7).Info("checkout")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "checkout", line["msg"])
	require.Equal(t, float64(7), line["invoice_id"])
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "debug", "TEXT")
	require.NoError(t, err)
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.Debug("hold")
	require.True(t, strings.Contains(buf.String(), "msg=hold"))
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "json")
	require.Error(t, err)

	_, err = New("info", "xml")
	require.Error(t, err)
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "info", "json")
	require.NoError(t, err)

	LogError(logger, "httpapi", "handleCheckout", map[string]any{"invoice_id": 3}, errors.New("store down"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "store down", line["msg"])
	require.Equal(t, "httpapi", line["module"])
	require.Equal(t, "error", line["level"])
}
