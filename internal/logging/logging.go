// Package logging provides per-subsystem named loggers, mirroring the
// teacher's repologging.Logger(name) convention (see block/block_manager.go).
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	baseOnce sync.Once
	base     *zap.Logger
)

func rootLogger() *zap.Logger {
	baseOnce.Do(func() {
		var l *zap.Logger
		var err error
		if os.Getenv("CLXDB_LOG_DEV") != "" {
			l, err = zap.NewDevelopment()
		} else {
			l, err = zap.NewProduction()
		}
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// Logger returns a named sugared logger for the given subsystem, e.g.
// logging.Logger("clxdb/manifest").
func Logger(name string) *zap.SugaredLogger {
	return rootLogger().Named(name).Sugar()
}
