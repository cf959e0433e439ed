package sources

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/sells-group/schoolmap/internal/fetcher"
	"github.com/sells-group/schoolmap/internal/geometry"
	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/resilience"
	"github.com/sells-group/schoolmap/internal/table"
)

// OpenCell loads OpenCellID cell towers: radio technology, range and
// position.
type OpenCell struct {
	deps Deps
}

func (o *OpenCell) Name() string { return "opencell" }

func (o *OpenCell) Strategy() join.Strategy { return join.Nearest }

func (o *OpenCell) NeedsLocations() bool { return false }

func (o *OpenCell) CachePath(country CountryContext, _ *table.Table) string {
	return o.deps.path(dirOpenCell, country.Lower()+".csv.gz")
}

// Load returns radio, range and geometry for every tower created in or after
// the configured minimum year.
func (o *OpenCell) Load(ctx context.Context, country CountryContext, _ *table.Table) (*table.Table, error) {
	opts := table.ReadOptions{StringColumns: []string{"radio"}}
	if t, ok, err := readCache(ctx, o.CachePath(country, nil), opts); ok || err != nil {
		return t, err
	}

	links, err := o.links(ctx, country)
	if err != nil {
		return nil, unavailable(o.Name(), country.Code, err)
	}
	parts := make([]*table.Table, 0, len(links))
	for _, link := range links {
		t, err := o.download(ctx, country, link)
		if err != nil {
			return nil, unavailable(o.Name(), country.Code, err)
		}
		parts = append(parts, t)
	}
	out, err := table.Concat(parts...)
	if err != nil {
		return nil, err
	}
	if err := writeCache(o.CachePath(country, nil), out); err != nil {
		return nil, err
	}
	return out, nil
}

// links scrapes the downloads page for the per-MCC files of the country.
func (o *OpenCell) links(ctx context.Context, country CountryContext) ([]string, error) {
	cfg := o.deps.Config.OpenCellID
	u, err := url.Parse(cfg.DownloadsURL)
	if err != nil {
		return nil, eris.Wrap(err, "parse downloads url")
	}
	q := u.Query()
	q.Set("token", cfg.Token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "create downloads request")
	}
	resp, err := o.deps.HTTP.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("opencellid downloads page: status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	rows, err := ParseRegionsTable(resp.Body, u)
	if err != nil {
		return nil, err
	}
	links, ok := rows[country.Alpha2()]
	if !ok || len(links) == 0 {
		return nil, eris.Wrapf(ErrUnknownRegion, "opencellid has no files for %s", country.Alpha2())
	}
	return links, nil
}

// ParseRegionsTable reads the table with id "regions" and returns, per
// "Country Code" cell, the links of the files column. Relative links are
// resolved against base.
func ParseRegionsTable(r io.Reader, base *url.URL) (map[string][]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, eris.Wrap(err, "parse downloads page")
	}
	tbl := findElement(doc, func(n *html.Node) bool {
		return n.Data == "table" && attr(n, "id") == "regions"
	})
	if tbl == nil {
		return nil, eris.New("downloads page has no regions table")
	}

	var headers []string
	walk(tbl, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "th" {
			headers = append(headers, strings.Join(strings.Fields(textOf(n)), " "))
		}
	})
	codeCol, filesCol := -1, -1
	for i, h := range headers {
		switch {
		case h == "Country Code":
			codeCol = i
		case strings.Contains(h, "Files"):
			filesCol = i
		}
	}
	if codeCol < 0 || filesCol < 0 {
		return nil, eris.Errorf("regions table headers %v lack country code or files", headers)
	}

	out := make(map[string][]string)
	walk(tbl, func(tr *html.Node) {
		if tr.Type != html.ElementNode || tr.Data != "tr" {
			return
		}
		var cells []*html.Node
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "td" {
				cells = append(cells, c)
			}
		}
		if len(cells) <= max(codeCol, filesCol) {
			return
		}
		code := strings.TrimSpace(textOf(cells[codeCol]))
		walk(cells[filesCol], func(a *html.Node) {
			if a.Type != html.ElementNode || a.Data != "a" {
				return
			}
			href := attr(a, "href")
			if href == "" {
				return
			}
			if ref, err := url.Parse(href); err == nil && base != nil {
				href = base.ResolveReference(ref).String()
			}
			out[code] = append(out[code], href)
		})
	})
	return out, nil
}

// download fetches one gzipped CSV, tolerating nothing: a body that is not
// gzip is an error page from the provider.
func (o *OpenCell) download(ctx context.Context, country CountryContext, link string) (*table.Table, error) {
	tmp := filepath.Join(o.deps.path(dirOpenCell), "."+country.Lower()+".csv.gz.tmp")
	if err := downloadAtomic(ctx, o.deps.Fetcher, link, tmp); err != nil {
		return nil, err
	}
	defer os.Remove(tmp) //nolint:errcheck

	f, err := os.Open(tmp)
	if err != nil {
		return nil, eris.Wrap(err, "open download")
	}
	defer f.Close() //nolint:errcheck

	br := bufio.NewReader(f)
	magic, _ := br.Peek(2)
	if !bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		line, _ := br.ReadString('\n')
		switch {
		case strings.Contains(line, "RATE_LIMITED"):
			return nil, eris.Wrap(ErrRateLimited, "opencellid")
		case strings.Contains(line, "INVALID_TOKEN"):
			return nil, eris.Wrap(ErrInvalidToken, "opencellid")
		}
		return nil, eris.Errorf("opencellid: unexpected response %q", strings.TrimSpace(line))
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, eris.Wrap(err, "opencellid: gzip")
	}
	defer gz.Close() //nolint:errcheck
	return parseCells(ctx, gz, o.deps.Config.OpenCellID.MinYear)
}

// parseCells keeps radio, range and a point per tower created in or after
// minYear. created is a Unix timestamp in seconds.
func parseCells(ctx context.Context, r io.Reader, minYear int) (*table.Table, error) {
	stream, err := fetcher.StreamCSV(ctx, r, fetcher.CSVOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "opencellid: read csv")
	}
	col := make(map[string]int, len(stream.Header))
	for i, h := range stream.Header {
		col[h] = i
	}
	if stream.Header != nil {
		for _, need := range []string{"radio", "range", "lon", "lat", "created"} {
			if _, ok := col[need]; !ok {
				for range stream.Rows {
				}
				return nil, eris.Errorf("opencellid: csv has no %q column", need)
			}
		}
	}

	var (
		radios  []string
		ranges  []float64
		geoms   []geom.T
		dropped int
	)
	for row := range stream.Rows {
		get := func(name string) string {
			if i := col[name]; i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		created, err := strconv.ParseInt(get("created"), 10, 64)
		if err != nil || time.Unix(created, 0).UTC().Year() < minYear {
			dropped++
			continue
		}
		lon, errLon := strconv.ParseFloat(get("lon"), 64)
		lat, errLat := strconv.ParseFloat(get("lat"), 64)
		if errLon != nil || errLat != nil {
			dropped++
			continue
		}
		p, err := geometry.PointFromLonLat(lon, lat)
		if err != nil {
			dropped++
			continue
		}
		rng, err := strconv.ParseFloat(get("range"), 64)
		if err != nil {
			rng = math.NaN()
		}
		radios = append(radios, get("radio"))
		ranges = append(ranges, rng)
		geoms = append(geoms, p)
	}
	if err := stream.Err(); err != nil {
		return nil, eris.Wrap(err, "opencellid: read csv")
	}
	if dropped > 0 {
		zap.L().Debug("sources: opencellid rows dropped", zap.Int("dropped", dropped), zap.Int("min_year", minYear))
	}
	return table.New(
		table.NewCategorical("radio", radios),
		table.NewNumeric("range", ranges),
		table.NewGeometry(table.GeometryColumn, geoms),
	)
}

func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	})
	return sb.String()
}
