package badgerstore

import (
	"fmt"
	"log/slog"
	"strings"
)

// slogAdapter satisfies badger.Logger.
type slogAdapter struct {
	log *slog.Logger
}

func newLogger(log *slog.Logger) slogAdapter {
	if log == nil {
		log = slog.Default()
	}
	return slogAdapter{log: log.With("component", "badgerstore")}
}

func (a slogAdapter) Errorf(format string, args ...interface{}) {
	a.log.Error(line(format, args...))
}

func (a slogAdapter) Warningf(format string, args ...interface{}) {
	a.log.Warn(line(format, args...))
}

func (a slogAdapter) Infof(format string, args ...interface{}) {
	a.log.Info(line(format, args...))
}

func (a slogAdapter) Debugf(format string, args ...interface{}) {
	a.log.Debug(line(format, args...))
}

func line(format string, args ...interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
