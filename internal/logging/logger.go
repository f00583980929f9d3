package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/chainstore/internal/config"
)

// InitLogger applies the configured level and format to the standard logger.
func InitLogger(cfg *config.Config) {
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(formatter(cfg.LogFormat))
}

// InitFromEnv reads LOG_LEVEL and LOG_FORMAT so packages log sensibly before
// configuration has loaded.
func InitFromEnv() {
	setLogLevel(os.Getenv("LOG_LEVEL"))
	log.SetFormatter(formatter(os.Getenv("LOG_FORMAT")))
}

// Quiet silences everything below warnings, for CLI commands that draw a
// progress bar on the same terminal.
func Quiet(w io.Writer) {
	log.SetOutput(w)
	if log.GetLevel() > log.WarnLevel {
		log.SetLevel(log.WarnLevel)
	}
}

// Job returns an entry tagged with a job's id and kind.
func Job(id, kind string) *log.Entry {
	return log.WithFields(log.Fields{"job": id, "kind": kind})
}

func formatter(format string) log.Formatter {
	if strings.EqualFold(format, "json") {
		return &log.JSONFormatter{
			FieldMap: log.FieldMap{log.FieldKeyMsg: "message"},
		}
	}
	return &log.TextFormatter{FullTimestamp: true}
}

// setLogLevel falls back to errors only for anything it does not recognise.
func setLogLevel(logLevel string) {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

func init() {
	InitFromEnv()
}
