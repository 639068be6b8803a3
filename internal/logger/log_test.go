package logger

import (
	"bytes"
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiberwatch/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, log.TraceLevel, parseLogLevel("trace"))
	assert.Equal(t, log.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, log.InfoLevel, parseLogLevel("bogus"))
}

func TestCreateWriterErrors(t *testing.T) {
	_, err := createWriter(config.LogOutput{Type: "console", Enabled: true})
	assert.Error(t, err)

	_, err = createWriter(config.LogOutput{Type: "eventlog", Enabled: true})
	assert.Error(t, err)

	w, err := createWriter(config.LogOutput{Type: "file", Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestComponentLoggerCarriesComponent(t *testing.T) {
	saved := log.DefaultLogger
	defer func() { log.DefaultLogger = saved }()

	var buf bytes.Buffer
	log.DefaultLogger = log.Logger{
		Level:  log.InfoLevel,
		Writer: &log.IOWriter{Writer: &buf},
	}

	l := NewLoggerWithContext("transition_gate")
	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"transition_gate"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestGlogFormatter(t *testing.T) {
	var buf bytes.Buffer
	_, err := GlogFormatter{}.Formatter(&buf, &log.FormatterArgs{
		Time:    "1016 10:00:00.000000",
		Level:   "info",
		Goid:    "7",
		Caller:  "gate.go:42",
		Message: "stuck",
	})
	require.NoError(t, err)
	assert.Equal(t, "I1016 10:00:00.000000 7 gate.go:42] stuck\n", buf.String())
}
