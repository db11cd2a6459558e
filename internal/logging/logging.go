// Package logging configures the process-wide logrus logger and hands out
// per-component entries.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// EnvVar overrides the configured level when set.
const EnvVar = "RDBG_LOG"

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	l.SetLevel(logrus.WarnLevel)
	if lvl, ok := ParseLevel(os.Getenv(EnvVar)); ok {
		l.SetLevel(lvl)
	}
	return l
}

// ParseLevel accepts logrus level names plus "off".  Empty or unknown
// strings report false.
func ParseLevel(s string) (logrus.Level, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return 0, false
	case "off", "none", "quiet":
		return logrus.PanicLevel, true
	}
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return 0, false
	}
	return lvl, true
}

// Setup applies a level from settings.  RDBG_LOG wins over it.
func Setup(level string, out io.Writer) {
	if out != nil {
		base.SetOutput(out)
	}
	if lvl, ok := ParseLevel(os.Getenv(EnvVar)); ok {
		base.SetLevel(lvl)
		return
	}
	if lvl, ok := ParseLevel(level); ok {
		base.SetLevel(lvl)
	}
}

// Logger returns the shared logger.
func Logger() *logrus.Logger { return base }

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Discard returns an entry that writes nowhere; tests use it.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
