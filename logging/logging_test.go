package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {

	for _, c := range []struct {
		level, format string
		want          zapcore.Level
	}{
		{"", "", zapcore.InfoLevel},
		{"debug", "console", zapcore.DebugLevel},
		{"warn", "json", zapcore.WarnLevel},
		{"ERROR", "JSON", zapcore.ErrorLevel},
	} {
		log, err := New(c.level, c.format)
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(c.want))
		if c.want > zapcore.DebugLevel {
			assert.False(t, log.Core().Enabled(c.want-1))
		}
	}

	_, err := New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)

	assert.NotNil(t, Must("loud", "json"))
}
