package sources

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/config"
	"github.com/sells-group/schoolmap/internal/geometry"
	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/table"
)

// Satellite loads per-school imagery indices: for every configured band its
// mean over the period, the change between the first and last year and the
// change between the first and last image, each also as a slope.
type Satellite struct {
	deps Deps
}

func (s *Satellite) Name() string { return "satellite" }

func (s *Satellite) Strategy() join.Strategy { return join.Identifier }

func (s *Satellite) NeedsLocations() bool { return true }

func (s *Satellite) CachePath(country CountryContext, _ *table.Table) string {
	return s.deps.path(dirSatellite, "satellite_"+country.Lower()+".csv")
}

// Load reduces every configured collection over a buffer around each school.
func (s *Satellite) Load(ctx context.Context, country CountryContext, locations *table.Table) (*table.Table, error) {
	cache := s.CachePath(country, nil)
	if t, ok, err := readCache(ctx, cache, table.ReadOptions{}); ok || err != nil {
		return t, err
	}
	if locations == nil {
		return nil, eris.Wrap(ErrNoLocations, "sources: satellite")
	}
	if err := requireColumns(locations, table.KeyColumn); err != nil {
		return nil, eris.Wrap(err, "sources: satellite")
	}
	cfg := s.deps.Config.Satellite
	if cfg.StartYear < config.MinSatelliteYear {
		return nil, eris.Errorf("sources: satellite start year %d is before %d", cfg.StartYear, config.MinSatelliteYear)
	}
	if s.deps.Imagery == nil {
		return nil, unavailable(s.Name(), country.Code, eris.New("no imagery endpoint configured"))
	}

	run := &chunkRun{
		source:  s.Name(),
		country: country.Code,
		dir:     s.deps.path(dirSatellite, "chunks"),
		prefix:  "satellite_" + country.Lower(),
		limit:   cfg.MaxCallSize,
		pacer:   s.deps.pacer(cfg.ChunkWaitSecs),
	}
	out, err := run.run(ctx, locations, s.fetchChunk)
	if err != nil {
		return nil, unavailable(s.Name(), country.Code, err)
	}
	if err := writeCache(cache, out); err != nil {
		return nil, err
	}
	run.cleanup(locations.Len())
	return out, nil
}

func (s *Satellite) fetchChunk(ctx context.Context, chunk *table.Table) (*table.Table, error) {
	cfg := s.deps.Config.Satellite
	regions, ids, err := schoolRegions(chunk)
	if err != nil {
		return nil, err
	}
	out, err := table.New(table.NewCategorical(table.KeyColumn, ids))
	if err != nil {
		return nil, err
	}

	base := ImageryRequest{Scale: cfg.Scale, BufferMeters: cfg.BufferKM * 1000, Regions: regions}
	years := float64(cfg.EndYear - cfg.StartYear + 1)
	for _, coll := range cfg.Collections {
		base.Collection = coll.Name
		if len(coll.Bands) == 0 {
			if !strings.Contains(coll.Name, "Modification") {
				zap.L().Warn("sources: collection without bands skipped", zap.String("collection", coll.Name))
				continue
			}
			req := base
			req.Reduction = ReduceMean
			res, err := s.reduce(ctx, req, len(ids))
			if err != nil {
				return nil, err
			}
			if err := out.Add(table.NewNumeric("mean_ghm", values(res))); err != nil {
				return nil, err
			}
			continue
		}

		for _, band := range coll.Bands {
			zap.L().Debug("sources: reducing band", zap.String("collection", coll.Name), zap.String("band", band))
			period, first, last := bandWindows(band, cfg.StartYear, cfg.EndYear)

			req := base
			req.Band = band
			req.Reduction = ReduceMean
			req.Start, req.End = fmt.Sprintf("%d-01-01", cfg.StartYear), fmt.Sprintf("%d-12-31", cfg.EndYear)
			mean, err := s.reduce(ctx, req, len(ids))
			if err != nil {
				return nil, err
			}

			req.Reduction = ReduceChange
			req.BaseStart, req.BaseEnd = first[0], first[1]
			req.Start, req.End = last[0], last[1]
			change, err := s.reduce(ctx, req, len(ids))
			if err != nil {
				return nil, err
			}

			req.Reduction = ReduceFirstLast
			req.BaseStart, req.BaseEnd = "", ""
			req.Start, req.End = period[0], period[1]
			monthly, err := s.reduce(ctx, req, len(ids))
			if err != nil {
				return nil, err
			}

			changeYear := values(change)
			changeMonth := values(monthly)
			cols := []*table.Column{
				table.NewNumeric("mean_"+band, values(mean)),
				table.NewNumeric("change_year_"+band, changeYear),
				table.NewNumeric("slope_year_"+band, scale(changeYear, years)),
				table.NewNumeric("change_month_"+band, changeMonth),
				table.NewNumeric("slope_month_"+band, scale(changeMonth, float64(monthly.ImageCount))),
			}
			for _, c := range cols {
				if err := out.Add(c); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

func (s *Satellite) reduce(ctx context.Context, req ImageryRequest, n int) (*ImageryResult, error) {
	res, err := s.deps.Imagery.Reduce(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "reduce %s %s", req.Collection, req.Band)
	}
	if len(res.Values) != n {
		return nil, eris.Errorf("reduce %s %s: %d values for %d regions", req.Collection, req.Band, len(res.Values), n)
	}
	return res, nil
}

// bandWindows returns the whole-period window used for first/last image
// change and the first-year and last-year windows. NDVI is compared over
// April only.
func bandWindows(band string, startYear, endYear int) (period, first, last [2]string) {
	if band == "NDVI" {
		return [2]string{fmt.Sprintf("%d-04-01", startYear), fmt.Sprintf("%d-05-01", endYear)},
			[2]string{fmt.Sprintf("%d-04-01", startYear), fmt.Sprintf("%d-05-01", startYear)},
			[2]string{fmt.Sprintf("%d-04-01", endYear), fmt.Sprintf("%d-05-01", endYear)}
	}
	return [2]string{fmt.Sprintf("%d-01-01", startYear), fmt.Sprintf("%d-12-31", endYear)},
		[2]string{fmt.Sprintf("%d-01-01", startYear), fmt.Sprintf("%d-12-31", startYear)},
		[2]string{fmt.Sprintf("%d-01-01", endYear), fmt.Sprintf("%d-12-31", endYear)}
}

// schoolRegions turns school locations into GeoJSON point features keyed by
// school id.
func schoolRegions(chunk *table.Table) (*geojson.FeatureCollection, []string, error) {
	locs := chunk.Column(table.LocationColumn)
	var points []geomPoint
	if locs != nil && locs.Kind == table.Geometry {
		for i, g := range locs.Geoms {
			if locs.Null(i) {
				return nil, nil, &geometry.GeometryError{Column: table.LocationColumn, Row: i, Err: eris.New("missing school location")}
			}
			c, err := geometry.Centroid(g)
			if err != nil {
				return nil, nil, err
			}
			points = append(points, geomPoint{c[0], c[1]})
		}
	} else {
		geoms, err := table.PointsFromLonLat(chunk)
		if err != nil {
			return nil, nil, err
		}
		for _, g := range geoms {
			c, _ := geometry.Centroid(g)
			points = append(points, geomPoint{c[0], c[1]})
		}
	}

	keys := chunk.Column(table.KeyColumn)
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, len(points))}
	ids := make([]string, len(points))
	for i, p := range points {
		id, err := table.FormatCell(keys, i)
		if err != nil {
			return nil, nil, err
		}
		ids[i] = id
		fc.Features[i] = &geojson.Feature{
			ID:         id,
			Geometry:   geometry.Point(p.x, p.y),
			Properties: map[string]any{},
		}
	}
	return fc, ids, nil
}

type geomPoint struct{ x, y float64 }

func values(r *ImageryResult) []float64 {
	out := make([]float64, len(r.Values))
	for i, v := range r.Values {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	return out
}

// scale divides every value by d; a zero divisor yields nulls.
func scale(vals []float64, d float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		if d == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = v / d
	}
	return out
}
