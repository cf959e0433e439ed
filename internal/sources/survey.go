package sources

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/config"
	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/shapefile"
	"github.com/sells-group/schoolmap/internal/table"
)

// TargetColumn holds the survey ground truth.
const TargetColumn = "target"

// SurveySpec describes how one country's survey microdata is tied to area
// geometries. Build receives the country's survey directory and returns a
// table of TargetColumn and geometry.
type SurveySpec struct {
	Country   string
	Microdata string
	Build     func(ctx context.Context, s *Survey, country CountryContext, dir string) (*table.Table, error)
}

// Survey loads survey ground truth as area polygons carrying a target value.
// Countries without a registered spec have no survey.
type Survey struct {
	deps  Deps
	specs map[string]SurveySpec
}

// NewSurvey creates the survey source with the built-in country specs.
func NewSurvey(deps Deps) *Survey {
	s := &Survey{deps: deps, specs: make(map[string]SurveySpec)}
	s.RegisterSpec(SurveySpec{Country: "BRA", Microdata: "EA_2019.csv", Build: buildBrazil})
	s.RegisterSpec(SurveySpec{Country: "THA", Microdata: "Microdata ICTHTV 2562 REC01.csv", Build: buildThailand})
	s.RegisterSpec(SurveySpec{Country: "PHL", Microdata: "phl_individuals.csv", Build: buildPhilippines})
	return s
}

// RegisterSpec adds or replaces the spec for spec.Country.
func (s *Survey) RegisterSpec(spec SurveySpec) {
	s.specs[strings.ToUpper(spec.Country)] = spec
}

// Has reports whether country has a survey.
func (s *Survey) Has(country CountryContext) bool {
	_, ok := s.specs[country.Code]
	return ok
}

func (s *Survey) Name() string { return "survey" }

// Strategy follows the configured survey mode: enumeration areas are
// intersected with school buffers, tiles are matched by nearest centroid.
func (s *Survey) Strategy() join.Strategy {
	if s.deps.Config.Survey.Mode == config.SurveyTiles {
		return join.Nearest
	}
	return join.Intersection
}

func (s *Survey) NeedsLocations() bool { return false }

func (s *Survey) dir(country CountryContext) string {
	name := country.Name
	if name == "" {
		name = country.Code
	}
	return s.deps.path(dirSurvey, name)
}

func (s *Survey) CachePath(country CountryContext, _ *table.Table) string {
	if !s.Has(country) {
		return ""
	}
	return filepath.Join(s.dir(country), "survey_"+country.Lower()+".csv")
}

// Load returns target and geometry per survey area, or an empty table when
// the country has no survey.
func (s *Survey) Load(ctx context.Context, country CountryContext, _ *table.Table) (*table.Table, error) {
	spec, ok := s.specs[country.Code]
	if !ok {
		zap.L().Info("sources: no survey for country, continuing without ground truth", zap.String("country", country.Code))
		return table.Empty(), nil
	}
	cache := s.CachePath(country, nil)
	if t, ok, err := readCache(ctx, cache, table.ReadOptions{}); ok || err != nil {
		if err != nil {
			return nil, err
		}
		return dropMissingGeometry(t), nil
	}

	out, err := spec.Build(ctx, s, country, s.dir(country))
	if err != nil {
		return nil, unavailable(s.Name(), country.Code, err)
	}
	if err := writeCache(cache, out); err != nil {
		return nil, err
	}
	return out, nil
}

// areaLocation is the configured boundary source for country: a URL, or a
// path that is resolved under data_dir when relative.
func (s *Survey) areaLocation(country CountryContext) (string, error) {
	loc := s.deps.Config.Survey.Areas[country.Lower()]
	if loc == "" {
		return "", eris.Errorf("no survey areas configured for %s", country.Code)
	}
	if strings.Contains(loc, "://") || filepath.IsAbs(loc) {
		return loc, nil
	}
	return s.deps.path(loc), nil
}

func (s *Survey) microdata(ctx context.Context, country CountryContext, dir string, stringCols ...string) (*table.Table, error) {
	spec := s.specs[country.Code]
	path := filepath.Join(dir, spec.Microdata)
	if !fileExists(path) {
		return nil, eris.Errorf("survey microdata for %s must be at %s", country.Code, path)
	}
	return table.ReadFileWith(ctx, path, table.ReadOptions{StringColumns: stringCols})
}

// buildBrazil joins census enumeration areas, listed per state on the IBGE
// FTP server, with household survey rows on the sector code.
func buildBrazil(ctx context.Context, s *Survey, country CountryContext, dir string) (*table.Table, error) {
	base, err := s.areaLocation(country)
	if err != nil {
		return nil, err
	}
	areas, err := s.brazilAreas(ctx, base, filepath.Join(dir, "areas"))
	if err != nil {
		return nil, err
	}
	micro, err := s.microdata(ctx, country, dir, "CODSETOR")
	if err != nil {
		return nil, err
	}
	sectors, err := cellStrings(micro, "CODSETOR")
	if err != nil {
		return nil, err
	}
	// Survey sector codes carry two trailing digits the area codes lack.
	for i, c := range sectors {
		if len(c) >= 2 {
			sectors[i] = c[:len(c)-2]
		}
	}
	areaKeys, err := cellStrings(areas, "CD_GEOCODI")
	if err != nil {
		return nil, err
	}
	target := micro.Column("A4A")
	if target == nil {
		return nil, eris.New("survey microdata has no A4A column")
	}
	return attachAreas(target, sectors, areas, areaKeys)
}

func (s *Survey) brazilAreas(ctx context.Context, base, dir string) (*table.Table, error) {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if s.deps.FTP == nil {
		return nil, eris.New("no ftp client configured")
	}
	states, err := s.deps.FTP.ListDirs(ctx, base)
	if err != nil {
		return nil, eris.Wrap(err, "list states")
	}
	var parts []*table.Table
	for _, st := range states {
		if len(st) != 2 {
			continue
		}
		files, err := s.deps.FTP.List(ctx, base+st+"/")
		if err != nil {
			return nil, eris.Wrapf(err, "list state %s", st)
		}
		for _, f := range files {
			if !strings.HasSuffix(f, "_setores_censitarios.zip") {
				continue
			}
			local := filepath.Join(dir, f)
			if !fileExists(local) {
				zap.L().Info("sources: downloading enumeration areas", zap.String("state", st), zap.String("file", f))
				if err := downloadAtomic(ctx, s.deps.Fetcher, base+st+"/"+f, local); err != nil {
					return nil, err
				}
			}
			t, err := shapefile.ReadZip(local, shapefile.Options{Fields: []string{"CD_GEOCODI"}, StringFields: []string{"CD_GEOCODI"}})
			if err != nil {
				return nil, err
			}
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return nil, eris.Errorf("no enumeration area archives under %s", base)
	}
	return table.Concat(parts...)
}

// buildThailand joins provinces with household rows on the CWT province
// code. H107 answers 1 (yes) and 2 or 3 (no); blank answers are dropped.
func buildThailand(ctx context.Context, s *Survey, country CountryContext, dir string) (*table.Table, error) {
	provinces, err := s.thaiProvinces(ctx, country)
	if err != nil {
		return nil, err
	}
	micro, err := s.microdata(ctx, country, dir, "H107")
	if err != nil {
		return nil, err
	}
	answers, err := cellStrings(micro, "H107")
	if err != nil {
		return nil, err
	}
	codes, err := cellStrings(micro, "CWT")
	if err != nil {
		return nil, err
	}

	keep := make([]int, 0, len(answers))
	var target []float64
	for i, a := range answers {
		switch strings.TrimSpace(a) {
		case "1":
			target = append(target, 1)
		case "2", "3":
			target = append(target, 0)
		default:
			continue
		}
		keep = append(keep, i)
	}
	keys := make([]string, len(keep))
	for k, i := range keep {
		keys[k] = codes[i]
	}
	provKeys, err := cellStrings(provinces, "CWT")
	if err != nil {
		return nil, err
	}
	return attachAreas(table.NewNumeric(TargetColumn, target), keys, provinces, provKeys)
}

// thaiProvinces reads geodata/tha_pro.csv or builds it from the admin
// boundaries archive: CWT is the numeric part of ADM1_PCODE.
func (s *Survey) thaiProvinces(ctx context.Context, country CountryContext) (*table.Table, error) {
	cache := s.deps.path(dirGeodata, "tha_pro.csv")
	if t, ok, err := readCache(ctx, cache, table.ReadOptions{}); ok || err != nil {
		return t, err
	}
	loc, err := s.areaLocation(country)
	if err != nil {
		return nil, err
	}
	archive := loc
	if strings.Contains(loc, "://") {
		archive = s.deps.path(dirGeodata, filepath.Base(loc))
		if !fileExists(archive) {
			if err := downloadAtomic(ctx, s.deps.Fetcher, loc, archive); err != nil {
				return nil, err
			}
		}
	}
	raw, err := shapefile.ReadAny(archive, shapefile.Options{
		Fields:       []string{"ADM1_PCODE", "ADM1_EN"},
		StringFields: []string{"ADM1_PCODE"},
	})
	if err != nil {
		return nil, err
	}
	pcodes, err := cellStrings(raw, "ADM1_PCODE")
	if err != nil {
		return nil, err
	}
	names, err := cellStrings(raw, "ADM1_EN")
	if err != nil {
		return nil, err
	}
	cwt := make([]float64, len(pcodes))
	for i, p := range pcodes {
		if len(p) < 3 {
			return nil, eris.Errorf("province code %q too short", p)
		}
		v, err := strconv.Atoi(p[2:])
		if err != nil {
			return nil, eris.Wrapf(err, "province code %q", p)
		}
		cwt[i] = float64(v)
	}
	out, err := table.New(
		table.NewNumeric("CWT", cwt),
		table.NewCategorical("name", names),
		raw.Column(table.GeometryColumn),
	)
	if err != nil {
		return nil, err
	}
	if err := writeCache(cache, out); err != nil {
		return nil, err
	}
	return out, nil
}

// buildPhilippines averages individual internet use per barangay. The
// barangay shapefile must be downloaded by hand.
func buildPhilippines(ctx context.Context, s *Survey, country CountryContext, dir string) (*table.Table, error) {
	loc, err := s.areaLocation(country)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(loc); err != nil {
		return nil, eris.Errorf("barangay shapefiles must be unzipped to %s (https://www.philgis.org/country-barangay/country-barangays-file/)", loc)
	}
	brgys, err := shapefile.ReadAny(loc, shapefile.Options{Fields: []string{"NAME_1", "NAME_2", "NAME_3"}})
	if err != nil {
		return nil, err
	}
	areaKeys, err := compositeKeys(brgys, "NAME_1", "NAME_2", "NAME_3")
	if err != nil {
		return nil, err
	}
	micro, err := s.microdata(ctx, country, dir, "prov", "cit_mun", "brgy", "use_internet")
	if err != nil {
		return nil, err
	}
	microKeys, err := compositeKeys(micro, "prov", "cit_mun", "brgy")
	if err != nil {
		return nil, err
	}
	answers, err := cellStrings(micro, "use_internet")
	if err != nil {
		return nil, err
	}

	areaRow := firstIndex(areaKeys)
	sum := make(map[string]float64)
	count := make(map[string]int)
	var order []string
	for i, a := range answers {
		var v float64
		switch strings.ToUpper(strings.TrimSpace(a)) {
		case "YES":
			v = 1
		case "NO":
			v = 0
		default:
			continue
		}
		k := microKeys[i]
		if _, ok := areaRow[k]; !ok {
			continue
		}
		if count[k] == 0 {
			order = append(order, k)
		}
		sum[k] += v
		count[k]++
	}

	target := make([]float64, len(order))
	rows := make([]int, len(order))
	for i, k := range order {
		target[i] = sum[k] / float64(count[k])
		rows[i] = areaRow[k]
	}
	return table.New(
		table.NewNumeric(TargetColumn, target),
		brgys.Column(table.GeometryColumn).Take(rows),
	)
}

// attachAreas pairs each target row with the geometry of the area sharing
// its key. Rows without a matching area are dropped.
func attachAreas(target *table.Column, keys []string, areas *table.Table, areaKeys []string) (*table.Table, error) {
	areaRow := firstIndex(areaKeys)
	var rows, geomRows []int
	for i, k := range keys {
		j, ok := areaRow[k]
		if !ok {
			continue
		}
		rows = append(rows, i)
		geomRows = append(geomRows, j)
	}
	geoms := areas.Column(table.GeometryColumn)
	if geoms == nil {
		return nil, eris.New("survey areas have no geometry")
	}
	zap.L().Info("sources: survey rows matched to areas", zap.Int("rows", len(keys)), zap.Int("matched", len(rows)))
	return table.New(
		target.Take(rows).Renamed(TargetColumn),
		geoms.Take(geomRows),
	)
}

// cellStrings renders a column as text; integral numbers lose their
// fractional part.
func cellStrings(t *table.Table, name string) ([]string, error) {
	c := t.Column(name)
	if c == nil {
		return nil, eris.Errorf("column %q not in table", name)
	}
	out := make([]string, c.Len())
	for i := range out {
		if c.Kind == table.Numeric && c.Valid[i] && c.Nums[i] == math.Trunc(c.Nums[i]) {
			out[i] = strconv.FormatInt(int64(c.Nums[i]), 10)
			continue
		}
		s, err := table.FormatCell(c, i)
		if err != nil {
			return nil, err
		}
		out[i] = strings.TrimSpace(s)
	}
	return out, nil
}

// compositeKeys joins the upper-cased values of cols with "|".
func compositeKeys(t *table.Table, cols ...string) ([]string, error) {
	parts := make([][]string, len(cols))
	for k, c := range cols {
		v, err := cellStrings(t, c)
		if err != nil {
			return nil, err
		}
		parts[k] = v
	}
	out := make([]string, t.Len())
	for i := range out {
		vals := make([]string, len(cols))
		for k := range cols {
			vals[k] = strings.ToUpper(parts[k][i])
		}
		out[i] = strings.Join(vals, "|")
	}
	return out, nil
}

func firstIndex(keys []string) map[string]int {
	m := make(map[string]int, len(keys))
	for i, k := range keys {
		if _, ok := m[k]; !ok {
			m[k] = i
		}
	}
	return m
}

func dropMissingGeometry(t *table.Table) *table.Table {
	c := t.Column(table.GeometryColumn)
	if c == nil {
		return t
	}
	keep := make([]int, 0, t.Len())
	for i := range c.Valid {
		if c.Valid[i] {
			keep = append(keep, i)
		}
	}
	if len(keep) == t.Len() {
		return t
	}
	return t.Take(keep)
}
