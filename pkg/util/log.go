package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the global logger instance
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel sets the logging level
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput sets the log output destination
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat enables JSON log format
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithNode returns a logger with gateway node context
func WithNode(node string) *logrus.Entry {
	return Logger.WithField("node", node)
}

// WithEntity returns a logger with gateway node and entity context
func WithEntity(node, entityType, key string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"node": node,
		"type": entityType,
		"key":  key,
	})
}

// WithTransaction returns a logger with gateway node and transaction context
func WithTransaction(node, txID string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"node": node,
		"tx":   txID,
	})
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}
