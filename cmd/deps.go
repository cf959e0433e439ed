package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/pipeline"
	"github.com/sells-group/schoolmap/internal/runlog"
	"github.com/sells-group/schoolmap/internal/sources"
)

// pipelineOptions are the CLI knobs passed through to the pipeline.
type pipelineOptions struct {
	retries           int
	retryBackoff      time.Duration
	preserveUnmatched bool
}

// openRunLog opens the configured run log, or returns nil when none is
// configured. A relative path is resolved under data_dir.
func openRunLog(ctx context.Context) (*runlog.SQLite, error) {
	path := cfg.RunLog.Path
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.DataDir, path)
	}
	rl, err := runlog.Open(path)
	if err != nil {
		return nil, err
	}
	if err := rl.Migrate(ctx); err != nil {
		_ = rl.Close()
		return nil, eris.Wrap(err, "migrate run log")
	}
	return rl, nil
}

// newPipeline wires sources, the registry and the run log. The returned
// cleanup closes the run log.
func newPipeline(ctx context.Context, opts pipelineOptions) (*pipeline.Pipeline, func(), error) {
	deps := sources.NewDeps(cfg)
	registry := sources.NewRegistry(deps)

	popts := []pipeline.Option{
		pipeline.WithRetries(opts.retries, opts.retryBackoff),
		pipeline.WithJoinOptions(join.Options{PreserveUnmatched: opts.preserveUnmatched}),
	}
	cleanup := func() {}

	rl, err := openRunLog(ctx)
	if err != nil {
		return nil, nil, err
	}
	if rl != nil {
		popts = append(popts, pipeline.WithRecorder(rl))
		cleanup = func() {
			if err := rl.Close(); err != nil {
				zap.L().Warn("close run log", zap.Error(err))
			}
		}
	}
	return pipeline.New(cfg, registry, deps, popts...), cleanup, nil
}
