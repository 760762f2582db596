// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log"

	"github.com/sirupsen/logrus"

	"github.com/ameodesign/vhost-router/pkg/config"
)

// New returns a logrus logger configured from cfg.
func New(cfg config.LogConfig, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

type levelWriter interface {
	WriterLevel(level logrus.Level) *io.PipeWriter
}

// StdLogger bridges a logrus logger into the *log.Logger that net/http wants
// for its ErrorLog. TLS handshake failures end up here. Loggers that can't
// provide a writer (*logrus.Logger and *logrus.Entry both can) get a
// discarding logger.
//
// The returned Closer releases the pipe and goroutine behind the writer; the
// *log.Logger must not be used after that.
func StdLogger(logger logrus.FieldLogger, level logrus.Level) (*log.Logger, io.Closer) {
	if lw, ok := logger.(levelWriter); ok {
		w := lw.WriterLevel(level)
		return log.New(w, "", 0), w
	}
	return log.New(io.Discard, "", 0), nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
