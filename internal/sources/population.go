package sources

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/geotiff"
	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/table"
)

// PopulationColumn is the feature column of the population source.
const PopulationColumn = "population"

// Population loads WorldPop 1km population counts as raster cell centroids.
// Once the per-school aggregate has been computed it is cached and returned
// instead, keyed by school.
type Population struct {
	deps Deps
}

func (p *Population) Name() string { return "population" }

func (p *Population) Strategy() join.Strategy { return join.Containment }

func (p *Population) NeedsLocations() bool { return false }

// CachePath is the per-school aggregate written after the containment join.
func (p *Population) CachePath(country CountryContext, _ *table.Table) string {
	return p.deps.path(dirPopulation, "school_agg_pop_"+country.Lower()+".csv")
}

// RasterName is the WorldPop file name for the configured year.
func (p *Population) RasterName(country CountryContext) string {
	return fmt.Sprintf("%s_ppp_%d_1km_Aggregated_UNadj.tif", country.Lower(), p.deps.Config.Population.Year)
}

// RasterURL is the WorldPop download location for the configured year.
func (p *Population) RasterURL(country CountryContext) string {
	base := p.deps.Config.Population.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return fmt.Sprintf("%s%d/%s/%s", base, p.deps.Config.Population.Year, country.Code, p.RasterName(country))
}

// Load returns the cached aggregate when present, otherwise one point per
// raster cell with its population; nodata cells count as zero.
func (p *Population) Load(ctx context.Context, country CountryContext, _ *table.Table) (*table.Table, error) {
	if t, ok, err := readCache(ctx, p.CachePath(country, nil), table.ReadOptions{}); ok || err != nil {
		return t, err
	}

	path := p.deps.path(dirPopulation, p.RasterName(country))
	if !fileExists(path) {
		url := p.RasterURL(country)
		zap.L().Info("sources: downloading population raster", zap.String("url", url))
		if err := downloadAtomic(ctx, p.deps.Fetcher, url, path); err != nil {
			return nil, unavailable(p.Name(), country.Code, err)
		}
	}

	r, err := geotiff.ReadFile(path, geotiff.Options{NoData: p.deps.Config.Population.NoData})
	if err != nil {
		return nil, unavailable(p.Name(), country.Code, err)
	}
	t, err := table.FromRaster(r, PopulationColumn)
	if err != nil {
		return nil, err
	}
	zap.L().Info("sources: population raster loaded",
		zap.String("country", country.Code),
		zap.Int("width", r.Width),
		zap.Int("height", r.Height),
	)
	return t, nil
}

// SaveAggregate caches the per-school population sums so later runs skip the
// raster entirely.
func (p *Population) SaveAggregate(country CountryContext, agg *table.Table) error {
	return writeCache(p.CachePath(country, nil), agg)
}
