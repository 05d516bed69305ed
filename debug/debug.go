package debug

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	log.Level = levelFromEnv()
}

func levelFromEnv() logrus.Level {
	if debugEnv, exists := os.LookupEnv("SOCKET_GO_DEBUG"); exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil && val {
			return logrus.DebugLevel
		}
	}

	switch strings.ToLower(os.Getenv("SOCKET_GO_LOGLEVEL")) {
	case "error":
		return logrus.ErrorLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.WarnLevel
	}
}

// Log returns the logger shared by every package in the module.
func Log() *logrus.Logger {
	return log
}

func WithComponent(name string) *logrus.Entry {
	return log.WithField("component", name)
}

func Printf(format string, v ...interface{}) {
	log.Debugf(format, v...)
}

func Enabled() bool {
	return log.IsLevelEnabled(logrus.DebugLevel)
}

func Enable() {
	log.SetLevel(logrus.DebugLevel)
}

func Disable() {
	log.SetLevel(logrus.WarnLevel)
}

func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
