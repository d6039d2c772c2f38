// Package logging builds the zap loggers every component receives from its
// constructor, following the teacher's pattern of one package-scoped
// *zap.Logger per component (decoderLog, streamLog, reassemblyLog) rather
// than a single global logger threaded everywhere.
package logging

import (
	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger at the given level, writing JSON to stderr in
// production and a human-readable console encoder in debug mode — the
// teacher ships both a quiet and a verbose mode (conf.Debug, conf.Quiet).
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	cfg.DisableStacktrace = !debug

	return cfg.Build()
}

// Component returns a named child logger, mirroring the teacher's
// per-package loggers (e.g. logging.Component(base, "matcher")).
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.Named(name)
}

// DumpField builds a zap field holding a spew.Sdump of v, evaluated lazily
// so the dump only runs when the logger's level actually emits the entry.
// Mirrors the teacher's spew.Dump(auditRecord) debug dumps in
// gopacketDecoder.go, repurposed for dumping a Connection or Match.
func DumpField(key string, v interface{}) zap.Field {
	return zap.Stringer(key, dumpStringer{v})
}

type dumpStringer struct{ v interface{} }

func (d dumpStringer) String() string {
	return spew.Sdump(d.v)
}
