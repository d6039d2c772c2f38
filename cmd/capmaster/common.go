package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/rickypin/capmaster/internal/config"
	"github.com/rickypin/capmaster/internal/dissector"
	"github.com/rickypin/capmaster/internal/extractor"
	"github.com/rickypin/capmaster/internal/logging"
	"github.com/rickypin/capmaster/internal/model"
)

// extractFile runs DissectorRunner + ConnectionExtractor against one
// capture file, used by both the match and diff subcommands (extract has
// its own inline copy since it also prints per-connection detail).
func extractFile(ctx context.Context, cfg config.Config, log *zap.Logger, path string) ([]*model.Connection, error) {
	runner, err := dissector.NewRunner(logging.Component(log, "dissector"))
	if err != nil {
		return nil, err
	}

	ext := extractor.New(runner, dissector.FieldSpec{IncludeTLSClientHello: true, IncludeF5Trailer: true}, logging.Component(log, "extractor"))

	return ext.Extract(ctx, path, path, cfg.DissectorTimeout)
}
