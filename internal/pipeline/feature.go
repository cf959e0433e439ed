package pipeline

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/dictionary"
	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/resilience"
	"github.com/sells-group/schoolmap/internal/runlog"
	"github.com/sells-group/schoolmap/internal/sources"
	"github.com/sells-group/schoolmap/internal/table"
)

// aggregateCache is implemented by sources that can persist a containment
// result so later runs join it by identifier.
type aggregateCache interface {
	SaveAggregate(country sources.CountryContext, agg *table.Table) error
}

// loaded is the outcome of one loader call.
type loaded struct {
	loader   sources.Loader
	features *table.Table
	cacheHit bool
	duration time.Duration
	err      error
}

// MapFeature loads one feature source and joins it onto the school table.
func (p *Pipeline) MapFeature(ctx context.Context, name string) (*join.Result, error) {
	if p.schools == nil {
		return nil, eris.New("pipeline: school table not initialised")
	}
	loader, err := p.registry.Get(name)
	if err != nil {
		return nil, err
	}
	l := p.load(ctx, loader)
	if l.err != nil {
		p.record(ctx, l, nil)
		return nil, l.err
	}
	return p.apply(ctx, l)
}

// load runs the loader, retrying transient failures when configured.
func (p *Pipeline) load(ctx context.Context, loader sources.Loader) loaded {
	country := *p.country
	var locations *table.Table
	if loader.NeedsLocations() {
		locations = p.base
	}

	out := loaded{loader: loader}
	if path := loader.CachePath(country, locations); path != "" {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			out.cacheHit = true
		}
	}

	cfg := resilience.FromAttempts(p.attempts, p.backoff)
	cfg.OnRetry = resilience.RetryLogger(loader.Name(), country.Code)

	start := time.Now()
	out.features, out.err = resilience.DoVal(ctx, cfg, func(ctx context.Context) (*table.Table, error) {
		return loader.Load(ctx, country, locations)
	})
	out.duration = time.Since(start)
	if out.err != nil {
		p.log.Error("pipeline: feature load failed",
			zap.String("feature", loader.Name()),
			zap.Duration("duration", out.duration),
			zap.Error(out.err),
		)
		return out
	}
	p.log.Info("pipeline: feature loaded",
		zap.String("feature", loader.Name()),
		zap.Bool("cache_hit", out.cacheHit),
		zap.Int("rows", out.features.Len()),
		zap.Duration("duration", out.duration),
	)
	return out
}

// apply joins a loaded feature table onto the running school table.
func (p *Pipeline) apply(ctx context.Context, l loaded) (*join.Result, error) {
	name := l.loader.Name()
	res, err := p.join(l)
	if err != nil {
		l.err = err
		p.record(ctx, l, nil)
		return nil, err
	}
	p.schools = res.Schools
	p.joined = append(p.joined, name)
	p.record(ctx, l, res)
	return res, nil
}

func (p *Pipeline) join(l loaded) (*join.Result, error) {
	name := l.loader.Name()
	if l.features == nil || l.features.Len() == 0 {
		return p.engine.Join(p.schools, l.features, join.Request{Name: name, Strategy: l.loader.Strategy()})
	}

	req, err := p.request(name)
	if err != nil {
		return nil, err
	}
	req.Strategy = join.Resolve(l.loader.Strategy(), l.features)
	if req.Strategy != join.Containment {
		return p.engine.Join(p.schools, l.features, req)
	}

	// Containment is computed over every initialised school and cached
	// before the identifier join onto the running table.
	prepared, cols, err := join.Prepare(l.features, req.Numeric, req.Categorical)
	if err != nil {
		return nil, withStrategy(err, join.Containment)
	}
	agg, err := join.Aggregate(p.base, prepared, cols)
	if err != nil {
		return nil, err
	}
	if c, ok := l.loader.(aggregateCache); ok {
		if err := c.SaveAggregate(*p.country, agg); err != nil {
			return nil, err
		}
	}
	res, err := p.engine.Join(p.schools, agg, join.Request{Name: name, Strategy: join.Identifier, Numeric: cols})
	if err != nil {
		return nil, err
	}
	res.Strategy = join.Containment
	return res, nil
}

// request selects the feature columns from the source's data dictionary.
// Survey tables carry only the target.
func (p *Pipeline) request(name string) (join.Request, error) {
	if name == surveySource {
		return join.Request{Name: name, Numeric: []string{sources.TargetColumn}}, nil
	}
	d, err := dictionary.Load(p.cfg.DataDir, name)
	if err != nil {
		return join.Request{}, err
	}
	num, cat := d.Used()
	// an empty selection must not fall back to inference
	if num == nil && cat == nil {
		num = []string{}
	}
	return join.Request{Name: name, Numeric: num, Categorical: cat}, nil
}

func (p *Pipeline) record(ctx context.Context, l loaded, res *join.Result) {
	if p.runID == "" {
		return
	}
	fl := runlog.FeatureLoad{
		RunID:    p.runID,
		Feature:  l.loader.Name(),
		Strategy: l.loader.Strategy().String(),
		CacheHit: l.cacheHit,
		Duration: l.duration,
	}
	if l.features != nil {
		fl.Rows = l.features.Len()
	}
	if res != nil {
		fl.Strategy = res.Strategy.String()
		fl.Dropped = res.Dropped
	}
	if l.err != nil {
		fl.Error = l.err.Error()
	}
	if err := p.recorder.RecordLoad(ctx, fl); err != nil {
		p.log.Warn("pipeline: failed to record feature load", zap.String("feature", fl.Feature), zap.Error(err))
	}
}

func withStrategy(err error, s join.Strategy) error {
	var je *join.JoinError
	if errors.As(err, &je) && je.Strategy == join.Auto {
		je.Strategy = s
	}
	return err
}
