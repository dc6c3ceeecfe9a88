package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMapToZapFields(t *testing.T) {
	assert.Nil(t, mapToZapFields(nil))

	fields := mapToZapFields(map[string]interface{}{
		"partnerId": "p-1",
		"error":     errors.New("boom"),
	})
	assert.Len(t, fields, 2)
}

func TestZapWrapper_WithFieldsCarriesContext(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := NewZapAdapter(zap.New(core)).WithFields(map[string]interface{}{"component": "fanout"})

	log.Info("notifications created", map[string]interface{}{"count": 2})
	log.WithError(errors.New("smtp down")).Warn("delivery failed", nil)

	entries := logs.All()
	assert.Len(t, entries, 2)
	assert.Equal(t, "notifications created", entries[0].Message)
	assert.Equal(t, "fanout", entries[0].ContextMap()["component"])
	assert.EqualValues(t, 2, entries[0].ContextMap()["count"])
	assert.Equal(t, "smtp down", entries[1].ContextMap()["error"])
}

func TestNew_LevelSelection(t *testing.T) {
	l := New("warn", "json", "stdout")
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))

	l = New("debug", "console", "")
	assert.True(t, l.Core().Enabled(zap.DebugLevel))
}
