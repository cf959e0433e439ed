// Package sources loads the per-country feature tables joined onto schools:
// population rasters, speedtest tiles, cell towers, advertising reach,
// satellite indices and survey ground truth. Every loader checks its on-disk
// cache first, performs at most one remote fetch on a miss and persists the
// result before returning. Fetch failures surface as SourceUnavailableError
// and are never retried here.
package sources

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/schoolmap/internal/config"
	"github.com/sells-group/schoolmap/internal/fetcher"
	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/resilience"
	"github.com/sells-group/schoolmap/internal/table"
)

// Loader produces the feature table of one source for a country.
type Loader interface {
	// Name is the feature name used in configuration and dictionaries.
	Name() string

	// Strategy is the join used for the loader's table. Tables that carry
	// source_school_id are always joined by identifier.
	Strategy() join.Strategy

	// NeedsLocations reports whether Load requires the school table.
	NeedsLocations() bool

	// CachePath is the file whose presence short-circuits any remote call.
	// locations may be nil.
	CachePath(country CountryContext, locations *table.Table) string

	Load(ctx context.Context, country CountryContext, locations *table.Table) (*table.Table, error)
}

// Doer sends API requests through the shared rate limiters.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// DirLister lists remote FTP directories.
type DirLister interface {
	List(ctx context.Context, url string) ([]string, error)
	ListDirs(ctx context.Context, url string) ([]string, error)
}

// Deps are the collaborators shared by every loader.
type Deps struct {
	Config  *config.Config
	Fetcher fetcher.Fetcher
	HTTP    Doer
	FTP     DirLister
	Imagery ImageryClient

	// Sleep replaces the pacer's sleep between chunks; tests set it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewDeps wires the HTTP and FTP fetchers described by cfg.
func NewDeps(cfg *config.Config) Deps {
	httpF := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      time.Duration(cfg.HTTP.TimeoutSecs) * time.Second,
		MaxRetries:   cfg.HTTP.MaxRetries,
		RateLimiters: fetcher.DefaultRateLimiters(),
	})
	ftpF := fetcher.NewFTPFetcher(fetcher.FTPOptions{
		Timeout: time.Duration(cfg.HTTP.TimeoutSecs) * time.Second,
	})
	d := Deps{
		Config:  cfg,
		Fetcher: fetcher.NewRouter(httpF, ftpF),
		HTTP:    httpF,
		FTP:     ftpF,
	}
	if cfg.Satellite.Endpoint != "" {
		d.Imagery = &HTTPImagery{Endpoint: cfg.Satellite.Endpoint, Token: cfg.Satellite.Token, HTTP: httpF}
	}
	return d
}

func (d Deps) path(parts ...string) string {
	return filepath.Join(append([]string{d.Config.DataDir}, parts...)...)
}

func (d Deps) pacer(secs int) *resilience.Pacer {
	p := resilience.NewPacer(time.Duration(secs) * time.Second)
	if d.Sleep != nil {
		p.Sleep = d.Sleep
	}
	return p
}

// Registry maps source names to loaders.
type Registry struct {
	loaders map[string]Loader
	order   []string // insertion order for deterministic iteration
}

// NewRegistry creates a registry with every built-in source.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{loaders: make(map[string]Loader)}
	r.Register(&Population{deps: deps})
	r.Register(&Speedtest{deps: deps})
	r.Register(&OpenCell{deps: deps})
	r.Register(&Facebook{deps: deps})
	r.Register(&Satellite{deps: deps})
	r.Register(NewSurvey(deps))
	return r
}

// Register adds a loader, replacing any loader of the same name.
func (r *Registry) Register(l Loader) {
	name := l.Name()
	if _, ok := r.loaders[name]; !ok {
		r.order = append(r.order, name)
	}
	r.loaders[name] = l
}

// Get returns a loader by name.
func (r *Registry) Get(name string) (Loader, error) {
	l, ok := r.loaders[name]
	if !ok {
		return nil, eris.Errorf("sources: unknown source %q", name)
	}
	return l, nil
}

// Select returns the named loaders in the given order, or every loader when
// names is empty.
func (r *Registry) Select(names []string) ([]Loader, error) {
	if len(names) == 0 {
		names = r.order
	}
	out := make([]Loader, 0, len(names))
	for _, n := range names {
		l, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Names returns registered source names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
