// Package blog provides the broker's top-level logging interface: a
// thin abstraction over logrus that cmd/tpm2-brokerd sets logging up
// through, instead of the bare log package or fmt.Print*, mirroring
// rancher-elemental-toolkit's pkg/types/v1.Logger. The daemon
// components themselves take a logrus.FieldLogger.
package blog

import (
	"io"
	"io/ioutil"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface the daemon's entry point depends on.
// *logrus.Logger satisfies it directly.
type Logger interface {
	Info(...interface{})
	Warn(...interface{})
	Debug(...interface{})
	Error(...interface{})
	Fatal(...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Fatalf(string, ...interface{})
	WithError(err error) *logrus.Entry
	WithField(key string, value interface{}) *logrus.Entry
	SetLevel(level logrus.Level)
	GetLevel() logrus.Level
	SetOutput(w io.Writer)
}

// New returns a logrus-backed Logger writing text-formatted entries,
// the daemon's default.
func New() Logger {
	return logrus.New()
}

// NewNull returns a Logger that discards everything, for tests and
// library callers that don't want broker logs on stderr.
func NewNull() Logger {
	l := logrus.New()
	l.SetOutput(ioutil.Discard)
	return l
}

// ParseLevel is a thin wrapper so callers (cmd/tpm2-brokerd) can parse
// a --log-level flag through this package.
func ParseLevel(s string) (logrus.Level, error) {
	return logrus.ParseLevel(s)
}
