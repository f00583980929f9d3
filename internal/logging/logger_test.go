package logging

import (
	"bytes"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/zzenonn/chainstore/internal/config"
)

func TestInitLogger(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	tests := map[string]log.Level{
		"trace": log.TraceLevel,
		"DEBUG": log.DebugLevel,
		"info":  log.InfoLevel,
		"warn":  log.WarnLevel,
		"":      log.ErrorLevel,
		"bogus": log.ErrorLevel,
	}
	for in, want := range tests {
		InitLogger(&config.Config{LogLevel: in})
		assert.Equal(t, want, log.GetLevel(), in)
	}
}

func TestQuiet(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetOutput(log.StandardLogger().Out)

	var buf bytes.Buffer
	log.SetLevel(log.DebugLevel)
	Quiet(&buf)
	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestFormatter(t *testing.T) {
	defer log.SetFormatter(log.StandardLogger().Formatter)

	InitLogger(&config.Config{LogLevel: "info", LogFormat: "JSON"})
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	InitLogger(&config.Config{LogLevel: "info"})
	assert.IsType(t, &log.TextFormatter{}, log.StandardLogger().Formatter)
}

func TestJobEntry(t *testing.T) {
	defer log.SetOutput(log.StandardLogger().Out)
	defer log.SetFormatter(log.StandardLogger().Formatter)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	Job("job-1", "upload").Info("advanced")
	assert.Contains(t, buf.String(), `"job":"job-1"`)
	assert.Contains(t, buf.String(), `"kind":"upload"`)
}
