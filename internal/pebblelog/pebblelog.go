// Package pebblelog routes pebble's internal logging into logr.
package pebblelog

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/go-logr/logr"
)

type logger struct {
	log logr.Logger
}

var _ pebble.Logger = logger{}

// New returns a pebble.Logger writing to log. Pebble's informational
// messages are logged at V(1).
func New(log logr.Logger) pebble.Logger {
	return logger{log: log.WithName("pebble")}
}

func (l logger) Infof(format string, args ...interface{}) {
	l.log.V(1).Info(fmt.Sprintf(format, args...))
}

func (l logger) Errorf(format string, args ...interface{}) {
	l.log.Error(nil, fmt.Sprintf(format, args...))
}

func (l logger) Fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}
