package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/resilience"
	"github.com/sells-group/schoolmap/internal/table"
)

// Graph API error codes the loader reacts to.
const (
	fbCodeInvalidParam = 100
	fbCodeInvalidToken = 190
	fbCodeRateLimited  = 80004
)

var facebookStringColumns = []string{"estimate_ready"}

// Facebook loads Marketing API delivery estimates around each school: daily
// and monthly active users reachable within the configured radius.
type Facebook struct {
	deps Deps
}

func (f *Facebook) Name() string { return "facebook" }

func (f *Facebook) Strategy() join.Strategy { return join.Identifier }

func (f *Facebook) NeedsLocations() bool { return true }

// CachePath is fb/facebook_<cc>_<n>.csv for n school locations. Without
// locations it is the most recent cache for the country, if any.
func (f *Facebook) CachePath(country CountryContext, locations *table.Table) string {
	if locations != nil {
		return f.deps.path(dirFacebook, fmt.Sprintf("facebook_%s_%d.csv", country.Lower(), locations.Len()))
	}
	matches, _ := filepath.Glob(f.deps.path(dirFacebook, "facebook_"+country.Lower()+"_*.csv"))
	if len(matches) == 0 {
		return ""
	}
	slices.Sort(matches)
	return matches[len(matches)-1]
}

type fbError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type fbEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *fbError        `json:"error"`
}

type fbEstimate struct {
	DAU   float64 `json:"estimate_dau"`
	MAU   float64 `json:"estimate_mau"`
	Ready bool    `json:"estimate_ready"`
}

// Load returns source_school_id, estimate_dau, estimate_mau and
// estimate_ready per school. Schools are queried in chunks of call_limit with
// the configured pause between chunks.
func (f *Facebook) Load(ctx context.Context, country CountryContext, locations *table.Table) (*table.Table, error) {
	opts := table.ReadOptions{StringColumns: facebookStringColumns}
	if locations == nil {
		if t, ok, err := readCache(ctx, f.CachePath(country, nil), opts); ok || err != nil {
			return t, err
		}
		return nil, eris.Wrap(ErrNoLocations, "sources: facebook")
	}
	cache := f.CachePath(country, locations)
	if t, ok, err := readCache(ctx, cache, opts); ok || err != nil {
		return t, err
	}
	if err := requireColumns(locations, table.KeyColumn, table.LatColumn, table.LonColumn); err != nil {
		return nil, eris.Wrap(err, "sources: facebook")
	}

	if err := f.checkAccount(ctx); err != nil {
		return nil, unavailable(f.Name(), country.Code, err)
	}

	cfg := f.deps.Config.Facebook
	run := &chunkRun{
		source:  f.Name(),
		country: country.Code,
		dir:     f.deps.path(dirFacebook, "chunks"),
		prefix:  strings.TrimSuffix(filepath.Base(cache), ".csv"),
		limit:   cfg.CallLimit,
		pacer:   f.deps.pacer(cfg.ChunkWaitSecs),
		opts:    opts,
	}
	out, err := run.run(ctx, locations, f.fetchChunk)
	if err != nil {
		return nil, unavailable(f.Name(), country.Code, err)
	}
	if err := writeCache(cache, out); err != nil {
		return nil, err
	}
	run.cleanup(locations.Len())
	return out, nil
}

func (f *Facebook) fetchChunk(ctx context.Context, chunk *table.Table) (*table.Table, error) {
	keys := chunk.Column(table.KeyColumn)
	lat, lon := chunk.Column(table.LatColumn), chunk.Column(table.LonColumn)

	n := chunk.Len()
	ids := make([]string, 0, n)
	dau := make([]float64, 0, n)
	mau := make([]float64, 0, n)
	ready := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := table.FormatCell(keys, i)
		if err != nil {
			return nil, err
		}
		est, err := f.estimate(ctx, lat.Nums[i], lon.Nums[i])
		if err != nil {
			var apiErr *fbError
			if !errors.As(err, &apiErr) {
				return nil, err
			}
			if apiErr.Code == fbCodeRateLimited {
				zap.L().Warn("sources: facebook rate limit reached", zap.String("stopped_at", id))
				return nil, eris.Wrapf(ErrRateLimited, "facebook: stopped at school %s", id)
			}
			zap.L().Debug("sources: facebook estimate failed, recording zeros",
				zap.String("school", id), zap.Int("code", apiErr.Code), zap.String("message", apiErr.Message))
			est = fbEstimate{}
		}
		ids = append(ids, id)
		dau = append(dau, est.DAU)
		mau = append(mau, est.MAU)
		ready = append(ready, boolLabel(est.Ready))
	}
	return table.New(
		table.NewCategorical(table.KeyColumn, ids),
		table.NewNumeric("estimate_dau", dau),
		table.NewNumeric("estimate_mau", mau),
		table.NewCategorical("estimate_ready", ready),
	)
}

func (e *fbError) Error() string {
	return fmt.Sprintf("graph api error %d: %s", e.Code, e.Message)
}

// checkAccount makes one cheap call so bad credentials fail before any
// chunk is spent.
func (f *Facebook) checkAccount(ctx context.Context) error {
	q := url.Values{"limit": {"1"}, "fields": {"id"}}
	_, err := f.get(ctx, "ads", q)
	var apiErr *fbError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case fbCodeInvalidToken:
			return eris.Wrap(ErrInvalidToken, "facebook: invalid or expired access token")
		case fbCodeInvalidParam:
			return eris.Wrap(ErrInvalidAcct, "facebook: invalid ad account id")
		}
	}
	return err
}

func (f *Facebook) estimate(ctx context.Context, lat, lon float64) (fbEstimate, error) {
	cfg := f.deps.Config.Facebook
	spec := map[string]any{
		"geo_locations": map[string]any{
			"custom_locations": []map[string]any{{
				"latitude":      lat,
				"longitude":     lon,
				"radius":        cfg.RadiusKM,
				"distance_unit": "kilometer",
			}},
		},
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fbEstimate{}, eris.Wrap(err, "facebook: encode targeting spec")
	}
	q := url.Values{
		"optimization_goal": {cfg.OptimizationGoal},
		"targeting_spec":    {string(specJSON)},
	}
	data, err := f.get(ctx, "delivery_estimate", q)
	if err != nil {
		return fbEstimate{}, err
	}
	var ests []fbEstimate
	if err := json.Unmarshal(data, &ests); err != nil {
		return fbEstimate{}, eris.Wrap(err, "facebook: decode delivery estimate")
	}
	if len(ests) == 0 {
		return fbEstimate{}, &fbError{Message: "empty delivery estimate"}
	}
	return ests[0], nil
}

// get calls an ad account edge and returns its data member. Graph API error
// bodies come back as *fbError.
func (f *Facebook) get(ctx context.Context, edge string, q url.Values) (json.RawMessage, error) {
	cfg := f.deps.Config.Facebook
	account := cfg.AdAccountID
	if !strings.HasPrefix(account, "act_") {
		account = "act_" + account
	}
	u := fmt.Sprintf("%s/%s/%s?%s", strings.TrimSuffix(cfg.APIURL, "/"), account, edge, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "facebook: create request")
	}
	req.Header.Set("Authorization", "Bearer "+cfg.AccessToken)

	resp, err := f.deps.HTTP.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "facebook: read response")
	}

	var env fbEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(eris.Errorf("facebook: status %d", resp.StatusCode), resp.StatusCode)
		}
		return nil, eris.Wrapf(err, "facebook: decode response (status %d)", resp.StatusCode)
	}
	if env.Error != nil {
		return nil, env.Error
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("facebook: status %d", resp.StatusCode)
	}
	return env.Data, nil
}

// boolLabel renders booleans the way the cached tables and dictionaries spell
// them.
func boolLabel(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func requireColumns(t *table.Table, names ...string) error {
	for _, n := range names {
		if !t.Has(n) {
			return eris.Wrapf(ErrNoLocations, "locations lack column %q", n)
		}
	}
	return nil
}
