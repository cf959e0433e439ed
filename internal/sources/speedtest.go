package sources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/geometry"
	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/shapefile"
	"github.com/sells-group/schoolmap/internal/spatial"
	"github.com/sells-group/schoolmap/internal/table"
)

var speedtestColumns = []string{"avg_d_kbps", "avg_u_kbps"}

// quarterStartMonth maps a quarter to the month it starts in.
var quarterStartMonth = [4]time.Month{time.January, time.April, time.July, time.October}

// Speedtest loads Ookla open data performance tiles lying within the country.
type Speedtest struct {
	deps Deps
}

func (s *Speedtest) Name() string { return "speedtest" }

func (s *Speedtest) Strategy() join.Strategy { return join.Nearest }

func (s *Speedtest) NeedsLocations() bool { return false }

// TileName is the archive name for the configured type, year and quarter,
// e.g. 2021-01-01_performance_fixed_tiles.zip.
func (s *Speedtest) TileName() (string, error) {
	c := s.deps.Config.Speedtest
	if c.Quarter < 1 || c.Quarter > 4 {
		return "", eris.Errorf("sources: speedtest quarter %d outside 1-4", c.Quarter)
	}
	start := time.Date(c.Year, quarterStartMonth[c.Quarter-1], 1, 0, 0, 0, 0, time.UTC)
	return fmt.Sprintf("%s_performance_%s_tiles.zip", start.Format(time.DateOnly), c.Type), nil
}

// TileURL is the download location of the tiles archive.
func (s *Speedtest) TileURL() (string, error) {
	name, err := s.TileName()
	if err != nil {
		return "", err
	}
	c := s.deps.Config.Speedtest
	return fmt.Sprintf("%s/type=%s/year=%d/quarter=%d/%s",
		strings.TrimSuffix(c.BaseURL, "/"), c.Type, c.Year, c.Quarter, name), nil
}

func (s *Speedtest) CachePath(country CountryContext, _ *table.Table) string {
	name, err := s.TileName()
	if err != nil {
		return ""
	}
	return s.deps.path(dirSpeedtest, strings.TrimSuffix(name, ".zip")+"_"+country.Lower()+".csv")
}

// Load returns avg_d_kbps, avg_u_kbps and the tile polygon of every tile
// within the country.
func (s *Speedtest) Load(ctx context.Context, country CountryContext, _ *table.Table) (*table.Table, error) {
	name, err := s.TileName()
	if err != nil {
		return nil, err
	}
	cache := s.CachePath(country, nil)
	if t, ok, err := readCache(ctx, cache, table.ReadOptions{}); ok || err != nil {
		if err != nil {
			return nil, err
		}
		return t.Select(append(speedtestColumns, table.GeometryColumn)...)
	}

	archive := s.deps.path(dirSpeedtest, name)
	if !fileExists(archive) {
		url, _ := s.TileURL()
		zap.L().Info("sources: downloading speedtest tiles", zap.String("url", url))
		if err := downloadAtomic(ctx, s.deps.Fetcher, url, archive); err != nil {
			return nil, unavailable(s.Name(), country.Code, err)
		}
	}

	tiles, err := shapefile.ReadZip(archive, shapefile.Options{Fields: speedtestColumns})
	if err != nil {
		return nil, unavailable(s.Name(), country.Code, err)
	}
	out, err := WithinCountry(tiles, country.Geometry)
	if err != nil {
		return nil, err
	}
	out, err = out.Select(append(speedtestColumns, table.GeometryColumn)...)
	if err != nil {
		return nil, unavailable(s.Name(), country.Code, err)
	}
	zap.L().Info("sources: speedtest tiles within country",
		zap.String("country", country.Code),
		zap.Int("tiles", tiles.Len()),
		zap.Int("kept", out.Len()),
	)
	if err := writeCache(cache, out); err != nil {
		return nil, err
	}
	return out, nil
}

// WithinCountry keeps the rows of t whose geometry lies entirely inside
// boundary.
func WithinCountry(t *table.Table, boundary geom.T) (*table.Table, error) {
	if boundary == nil {
		return nil, eris.New("sources: country has no boundary geometry")
	}
	geoms, err := table.Geometries(t)
	if err != nil {
		return nil, err
	}
	keep := make([]int, 0)
	if len(geoms) > 0 {
		bi, err := spatial.NewBoxIndex(geoms)
		if err != nil {
			return nil, err
		}
		for _, i := range bi.Search(boundary.Bounds()) {
			if geometry.Contains(boundary, geoms[i]) {
				keep = append(keep, i)
			}
		}
		sort.Ints(keep)
	}
	return t.Take(keep), nil
}
