package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger

func Init(level string) {
	Logger = logrus.New()
	Logger.SetOutput(os.Stdout)
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Logger.SetLevel(logLevel)
}

// WithBot returns an entry scoped to one bot. Log lines emitted while driving
// a session carry the bot id so per-bot streams can be filtered.
func WithBot(botID string) *logrus.Entry {
	return base().WithField("bot_id", botID)
}

// WithComponent returns an entry tagged with a component name (session,
// router, delivery, ...).
func WithComponent(name string) *logrus.Entry {
	return base().WithField("component", name)
}

// WithFields returns an entry with arbitrary fields.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return base().WithFields(fields)
}

func base() *logrus.Logger {
	if Logger == nil {
		Init("info")
	}
	return Logger
}

// Convenience functions
func Debug(args ...interface{}) {
	base().Debug(args...)
}

func Debugf(format string, args ...interface{}) {
	base().Debugf(format, args...)
}

func Info(args ...interface{}) {
	base().Info(args...)
}

func Infof(format string, args ...interface{}) {
	base().Infof(format, args...)
}

func Warn(args ...interface{}) {
	base().Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	base().Warnf(format, args...)
}

func Error(args ...interface{}) {
	base().Error(args...)
}

func Errorf(format string, args ...interface{}) {
	base().Errorf(format, args...)
}

func Fatal(args ...interface{}) {
	base().Fatal(args...)
}

func Fatalf(format string, args ...interface{}) {
	base().Fatalf(format, args...)
}
