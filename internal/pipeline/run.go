package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/schoolmap/internal/sources"
)

// RunOptions selects what Run does.
type RunOptions struct {
	// Features overrides the configured feature list.
	Features []string
	// Parallel is the number of loaders fetched concurrently. Joins always
	// run one at a time in feature order.
	Parallel int
}

// RunResult summarises a completed run.
type RunResult struct {
	RunID    string
	Country  string
	Version  int
	Path     string
	Schools  int
	Features []string
}

// Run initialises the school table, loads and joins every feature and saves
// the next training-set version. The run and each feature load are recorded
// when a recorder is configured.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	features, err := p.featureNames(opts.Features)
	if err != nil {
		return nil, err
	}
	loaders, err := p.registry.Select(features)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: select features")
	}

	country, err := p.Country(ctx)
	if err != nil {
		return nil, err
	}
	run, err := p.recorder.StartRun(ctx, country.Code, features)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: start run")
	}
	p.runID = run.ID
	defer func() { p.runID = "" }()

	log := p.log.With(zap.String("run_id", run.ID))
	log.Info("pipeline: run started", zap.Strings("features", features), zap.Int("parallel", opts.Parallel))

	res, runErr := p.run(ctx, loaders, opts.Parallel)
	version := 0
	if res != nil {
		version = res.Version
	}
	if err := p.recorder.FinishRun(ctx, run.ID, version, runErr); err != nil {
		log.Warn("pipeline: failed to record run finish", zap.Error(err))
	}
	if runErr != nil {
		log.Error("pipeline: run failed", zap.Error(runErr))
		return nil, runErr
	}

	res.RunID = run.ID
	res.Country = country.Code
	log.Info("pipeline: run complete",
		zap.Int("version", res.Version),
		zap.String("path", res.Path),
		zap.Int("schools", res.Schools),
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, loaders []sources.Loader, parallel int) (*RunResult, error) {
	if p.schools == nil {
		if _, err := p.InitSchools(ctx); err != nil {
			return nil, err
		}
	}

	results, err := p.fetchAll(ctx, loaders, parallel)
	if err != nil {
		return nil, err
	}
	for _, l := range results {
		if _, err := p.apply(ctx, l); err != nil {
			return nil, err
		}
	}

	version, err := p.Save(ctx)
	if err != nil {
		return nil, err
	}
	w, err := p.Writer(ctx)
	if err != nil {
		return nil, err
	}
	return &RunResult{
		Version:  version,
		Path:     w.Path(version),
		Schools:  p.schools.Len(),
		Features: p.Joined(),
	}, nil
}

// fetchAll loads every source, up to parallel at a time. Results keep the
// order of loaders. The first failure cancels the remaining loads.
func (p *Pipeline) fetchAll(ctx context.Context, loaders []sources.Loader, parallel int) ([]loaded, error) {
	results := make([]loaded, len(loaders))
	if parallel <= 1 {
		for i, l := range loaders {
			results[i] = p.load(ctx, l)
			if err := results[i].err; err != nil {
				p.record(ctx, results[i], nil)
				return nil, err
			}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, l := range loaders {
		g.Go(func() error {
			results[i] = p.load(gctx, l)
			return results[i].err
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range results {
			if r.err != nil {
				p.record(ctx, r, nil)
			}
		}
		return nil, err
	}
	return results, nil
}

// FetchResult reports one source warmed by Fetch.
type FetchResult struct {
	Feature  string        `json:"feature"`
	Rows     int           `json:"rows"`
	CacheHit bool          `json:"cache_hit"`
	Duration time.Duration `json:"duration"`
}

// featureNames resolves the features to load: names, else the configured
// features, else every registered source. The survey is never a feature.
func (p *Pipeline) featureNames(names []string) ([]string, error) {
	if len(names) == 0 {
		names = p.cfg.Features
	}
	if len(names) == 0 {
		for _, n := range p.registry.Names() {
			if n != surveySource {
				names = append(names, n)
			}
		}
		if len(names) == 0 {
			return nil, eris.New("pipeline: no feature sources registered")
		}
		return names, nil
	}
	for _, n := range names {
		if n == surveySource {
			return nil, eris.New("pipeline: survey is joined with the school table, not as a feature")
		}
	}
	return names, nil
}

// Fetch loads the named sources without joining them, so their caches are
// in place for a later run. The school table is initialised first because
// some sources need school locations. No names means the configured
// features.
func (p *Pipeline) Fetch(ctx context.Context, names []string, parallel int) ([]FetchResult, error) {
	names, err := p.featureNames(names)
	if err != nil {
		return nil, err
	}
	loaders, err := p.registry.Select(names)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: select features")
	}
	if p.schools == nil {
		if _, err := p.InitSchools(ctx); err != nil {
			return nil, err
		}
	}
	results, err := p.fetchAll(ctx, loaders, parallel)
	if err != nil {
		return nil, err
	}
	out := make([]FetchResult, len(results))
	for i, r := range results {
		out[i] = FetchResult{
			Feature:  r.loader.Name(),
			Rows:     r.features.Len(),
			CacheHit: r.cacheHit,
			Duration: r.duration,
		}
	}
	return out, nil
}
