package sources

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/sells-group/schoolmap/internal/fetcher"
	"github.com/sells-group/schoolmap/internal/geometry"
)

// CountryContext identifies the country a pipeline run is scoped to. It is
// passed by value to every loader.
type CountryContext struct {
	// Code is the upper-case ISO 3166-1 alpha-3 code.
	Code     string
	Name     string
	Geometry geom.T
}

// Lower returns the lower-case alpha-3 code used in cache file names.
func (c CountryContext) Lower() string { return strings.ToLower(c.Code) }

// Alpha2 returns the ISO 3166-1 alpha-2 code.
func (c CountryContext) Alpha2() string {
	r, err := language.ParseRegion(c.Code)
	if err != nil {
		return ""
	}
	return r.String()
}

// ValidateCode normalises an ISO 3166-1 alpha-3 code and rejects anything
// that is not a known country.
func ValidateCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", eris.Errorf("sources: %q is not a 3-letter ISO 3166-1 code", code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", eris.Errorf("sources: %q is not a 3-letter ISO 3166-1 code", code)
		}
	}
	region, err := language.ParseRegion(code)
	if err != nil {
		return "", eris.Wrapf(err, "sources: unknown country code %q", code)
	}
	if !region.IsCountry() {
		return "", eris.Errorf("sources: %q is not a country", code)
	}
	return code, nil
}

// CountryLoader resolves country codes against a countries GeoJSON file whose
// features carry the alpha-3 code as id and the English name as
// properties.name. The file is downloaded from URL when Path does not exist.
type CountryLoader struct {
	Path    string
	URL     string
	Fetcher fetcher.Fetcher

	once     sync.Once
	features *geojson.FeatureCollection
	err      error
}

// NewCountryLoader resolves countries.path under data_dir when it is
// relative.
func NewCountryLoader(deps Deps) *CountryLoader {
	path := deps.Config.Countries.Path
	if !filepath.IsAbs(path) {
		path = deps.path(path)
	}
	return &CountryLoader{Path: path, URL: deps.Config.Countries.URL, Fetcher: deps.Fetcher}
}

// Load returns the context for code.
func (l *CountryLoader) Load(ctx context.Context, code string) (CountryContext, error) {
	code, err := ValidateCode(code)
	if err != nil {
		return CountryContext{}, err
	}
	l.once.Do(func() { l.features, l.err = l.read(ctx) })
	if l.err != nil {
		return CountryContext{}, l.err
	}
	for _, f := range l.features.Features {
		if !strings.EqualFold(f.ID, code) {
			continue
		}
		name, _ := f.Properties["name"].(string)
		g := f.Geometry
		if g == nil {
			return CountryContext{}, eris.Errorf("sources: country %s has no geometry", code)
		}
		switch t := g.(type) {
		case *geom.Polygon:
			t.SetSRID(geometry.SRID)
		case *geom.MultiPolygon:
			t.SetSRID(geometry.SRID)
		}
		return CountryContext{Code: code, Name: name, Geometry: g}, nil
	}
	return CountryContext{}, eris.Errorf("sources: country %s not found in %s", code, l.Path)
}

func (l *CountryLoader) read(ctx context.Context) (*geojson.FeatureCollection, error) {
	if !fileExists(l.Path) {
		if l.URL == "" || l.Fetcher == nil {
			return nil, eris.Errorf("sources: countries file %s does not exist", l.Path)
		}
		zap.L().Info("sources: downloading country boundaries", zap.String("url", l.URL))
		if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
			return nil, eris.Wrap(err, "sources: create countries dir")
		}
		if err := downloadAtomic(ctx, l.Fetcher, l.URL, l.Path); err != nil {
			return nil, eris.Wrap(err, "sources: download countries")
		}
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, eris.Wrap(err, "sources: read countries")
	}
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrapf(err, "sources: decode countries %s", l.Path)
	}
	return &fc, nil
}
