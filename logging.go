package healthsync

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a JSON logrus logger at the given level, the format the
// CLI writes to stderr.
func NewLogger(out io.Writer, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

func componentLogger(log logrus.FieldLogger, component string) logrus.FieldLogger {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return log.WithField("component", component)
}
