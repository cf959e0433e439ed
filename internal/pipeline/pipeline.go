// Package pipeline builds a country's training set. It prepares the school
// table once, loads each configured feature source, joins the feature tables
// onto the schools in configured order and saves a versioned snapshot.
package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/config"
	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/runlog"
	"github.com/sells-group/schoolmap/internal/sources"
	"github.com/sells-group/schoolmap/internal/table"
	"github.com/sells-group/schoolmap/internal/trainingset"
)

// surveySource is the registry name of the ground-truth loader joined while
// the school table is initialised.
const surveySource = "survey"

// CountryResolver turns a configured country code into its context.
type CountryResolver interface {
	Load(ctx context.Context, code string) (sources.CountryContext, error)
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithRecorder records runs and feature loads.
func WithRecorder(r runlog.Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithCountries replaces the countries GeoJSON lookup.
func WithCountries(c CountryResolver) Option {
	return func(p *Pipeline) { p.countries = c }
}

// WithJoinOptions configures the join engine.
func WithJoinOptions(o join.Options) Option {
	return func(p *Pipeline) { p.engine = join.NewEngine(o) }
}

// WithRetries retries loads that fail with a transient
// SourceUnavailableError. attempts counts the first try; backoff is the
// initial delay (zero keeps the default).
func WithRetries(attempts int, backoff time.Duration) Option {
	return func(p *Pipeline) {
		p.attempts = attempts
		p.backoff = backoff
	}
}

// Pipeline holds the running school table of one country. Joins mutate it in
// the order they are applied, so a Pipeline is not safe for concurrent use.
type Pipeline struct {
	cfg       *config.Config
	registry  *sources.Registry
	schoolSrc *sources.Schools
	countries CountryResolver
	engine    *join.Engine
	recorder  runlog.Recorder
	attempts  int
	backoff   time.Duration
	log       *zap.Logger

	country *sources.CountryContext
	base    *table.Table // schools as initialised, handed to loaders
	schools *table.Table
	joined  []string
	runID   string
}

// New creates a pipeline for cfg.Country.
func New(cfg *config.Config, registry *sources.Registry, deps sources.Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		registry:  registry,
		schoolSrc: sources.NewSchools(deps),
		countries: sources.NewCountryLoader(deps),
		engine:    join.NewEngine(join.Options{}),
		recorder:  runlog.Nop{},
		attempts:  1,
		log:       zap.L().With(zap.String("component", "pipeline"), zap.String("country", cfg.Country)),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Country resolves and memoises the configured country.
func (p *Pipeline) Country(ctx context.Context) (sources.CountryContext, error) {
	if p.country != nil {
		return *p.country, nil
	}
	c, err := p.countries.Load(ctx, p.cfg.Country)
	if err != nil {
		return sources.CountryContext{}, eris.Wrapf(err, "pipeline: resolve country %q", p.cfg.Country)
	}
	p.country = &c
	return c, nil
}

// Schools is the running school table, nil before InitSchools.
func (p *Pipeline) Schools() *table.Table { return p.schools }

// Joined lists the features joined so far, in order.
func (p *Pipeline) Joined() []string { return append([]string(nil), p.joined...) }

// InitSchools returns the combined school table from cache, or builds it from
// the school source plus the survey join selected by survey.mode and caches
// it before returning.
func (p *Pipeline) InitSchools(ctx context.Context) (*table.Table, error) {
	country, err := p.Country(ctx)
	if err != nil {
		return nil, err
	}

	path := p.schoolSrc.CombinedPath(country)
	if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
		t, err := table.ReadFile(ctx, path)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: read school table")
		}
		p.setSchools(t)
		p.log.Info("pipeline: school table read from cache", zap.String("path", path), zap.Int("schools", t.Len()))
		return t, nil
	}

	t, err := p.schoolSrc.Load(ctx, country)
	if err != nil {
		return nil, err
	}
	p.setSchools(t)

	if p.cfg.Survey.Mode != config.SurveyNone {
		loader, err := p.registry.Get(surveySource)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: survey join")
		}
		if _, err := p.MapFeature(ctx, loader.Name()); err != nil {
			return nil, err
		}
		p.base = p.schools
		p.joined = nil
	}

	if err := table.WriteFile(path, p.schools); err != nil {
		return nil, eris.Wrapf(err, "pipeline: cache school table %s", path)
	}
	p.log.Info("pipeline: school table initialised",
		zap.Int("schools", p.schools.Len()),
		zap.String("survey_mode", p.cfg.Survey.Mode),
	)
	return p.schools, nil
}

func (p *Pipeline) setSchools(t *table.Table) {
	p.base = t
	p.schools = t
	p.joined = nil
}

// Writer is the training-set writer for the configured country.
func (p *Pipeline) Writer(ctx context.Context) (*trainingset.Writer, error) {
	country, err := p.Country(ctx)
	if err != nil {
		return nil, err
	}
	name := country.Name
	if name == "" {
		name = country.Code
	}
	return trainingset.NewWriter(
		trainingset.Dir(p.cfg.DataDir, name),
		trainingset.Options{LegacyPermissions: p.cfg.Writer.LegacyPermissions},
	), nil
}

// Save writes the running school table as the next training-set version.
func (p *Pipeline) Save(ctx context.Context) (int, error) {
	if p.schools == nil {
		return 0, eris.New("pipeline: school table not initialised")
	}
	w, err := p.Writer(ctx)
	if err != nil {
		return 0, err
	}
	country, _ := p.Country(ctx)
	return w.Save(p.schools, trainingset.Manifest{
		Country:  country.Code,
		Features: p.Joined(),
		RunID:    p.runID,
	})
}
