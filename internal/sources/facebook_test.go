package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/schoolmap/internal/join"
	"github.com/sells-group/schoolmap/internal/table"
)

// graphAPI fakes the ad account edges. Estimates are derived from the
// requested latitude; errorAt maps a latitude to a Graph API error code.
type graphAPI struct {
	mu        sync.Mutex
	adsCode   int
	errorAt   map[float64]int
	estimates []float64
	auth      string
}

func (g *graphAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auth = r.Header.Get("Authorization")
	writeErr := func(code int) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprintf(w, `{"error":{"message":"failed","code":%d}}`, code)
	}
	switch r.URL.Path {
	case "/act_123/ads":
		if g.adsCode != 0 {
			writeErr(g.adsCode)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	case "/act_123/delivery_estimate":
		var spec struct {
			Geo struct {
				Custom []struct {
					Lat float64 `json:"latitude"`
				} `json:"custom_locations"`
			} `json:"geo_locations"`
		}
		if err := json.Unmarshal([]byte(r.URL.Query().Get("targeting_spec")), &spec); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		lat := spec.Geo.Custom[0].Lat
		g.estimates = append(g.estimates, lat)
		if code, ok := g.errorAt[lat]; ok {
			writeErr(code)
			return
		}
		_, _ = fmt.Fprintf(w, `{"data":[{"estimate_dau":%v,"estimate_mau":%v,"estimate_ready":true}]}`, lat*10, lat*100)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (g *graphAPI) calls() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]float64(nil), g.estimates...)
}

func facebookEnv(t *testing.T, api *graphAPI) (*testEnv, *Facebook) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	env := newTestEnv(t)
	env.cfg.Facebook.APIURL = srv.URL
	return env, &Facebook{deps: env.deps}
}

func threeSchools(t *testing.T) *table.Table {
	return schoolTable(t, []string{"s1", "s2", "s3"}, 10, 1, 20, 2, 30, 3)
}

func TestFacebook_Load(t *testing.T) {
	api := &graphAPI{errorAt: map[float64]int{2: fbCodeInvalidParam}}
	env, fb := facebookEnv(t, api)
	schools := threeSchools(t)

	out, err := fb.Load(context.Background(), brazil(), schools)
	require.NoError(t, err)
	assert.Equal(t, []string{table.KeyColumn, "estimate_dau", "estimate_mau", "estimate_ready"}, out.Names())
	assert.Equal(t, []string{"s1", "s2", "s3"}, out.Column(table.KeyColumn).Strs)
	assert.Equal(t, []float64{10, 0, 30}, out.Column("estimate_dau").Nums)
	assert.Equal(t, []float64{100, 0, 300}, out.Column("estimate_mau").Nums)
	assert.Equal(t, []string{"True", "False", "True"}, out.Column("estimate_ready").Strs)
	assert.Equal(t, "Bearer tok", api.auth)

	// two chunks of at most two schools, one pause between them
	assert.Len(t, env.sleeps.Waits(), 1)
	cache := fb.CachePath(brazil(), schools)
	assert.Equal(t, "facebook_bra_3.csv", filepath.Base(cache))
	assert.FileExists(t, cache)
	chunks, _ := os.ReadDir(filepath.Join(env.cfg.DataDir, "fb", "chunks"))
	assert.Empty(t, chunks)

	// the latest cache is found without locations
	assert.Equal(t, cache, fb.CachePath(brazil(), nil))
	cached, err := fb.Load(context.Background(), brazil(), nil)
	require.NoError(t, err)
	assert.Equal(t, table.Categorical, cached.Column("estimate_ready").Kind)
	assert.Equal(t, join.Identifier, join.Resolve(fb.Strategy(), cached))
}

func TestFacebook_InvalidToken(t *testing.T) {
	_, fb := facebookEnv(t, &graphAPI{adsCode: fbCodeInvalidToken})
	_, err := fb.Load(context.Background(), brazil(), threeSchools(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)
	var sue *SourceUnavailableError
	require.True(t, errors.As(err, &sue))
	assert.False(t, sue.Transient)
}

func TestFacebook_InvalidAccount(t *testing.T) {
	_, fb := facebookEnv(t, &graphAPI{adsCode: fbCodeInvalidParam})
	_, err := fb.Load(context.Background(), brazil(), threeSchools(t))
	assert.ErrorIs(t, err, ErrInvalidAcct)
}

func TestFacebook_RateLimitResumes(t *testing.T) {
	api := &graphAPI{errorAt: map[float64]int{3: fbCodeRateLimited}}
	env, fb := facebookEnv(t, api)
	schools := threeSchools(t)

	_, err := fb.Load(context.Background(), brazil(), schools)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	var sue *SourceUnavailableError
	require.True(t, errors.As(err, &sue))
	assert.True(t, sue.Transient)
	assert.NoFileExists(t, fb.CachePath(brazil(), schools))

	api.mu.Lock()
	api.errorAt = nil
	api.mu.Unlock()
	out, err := fb.Load(context.Background(), brazil(), schools)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Len())
	// the first chunk came from disk
	assert.Equal(t, []float64{1, 2, 3, 3}, api.calls())
	assert.NotEmpty(t, env.sleeps.Waits())
}

func TestFacebook_NeedsLocations(t *testing.T) {
	_, fb := facebookEnv(t, &graphAPI{})
	assert.True(t, fb.NeedsLocations())
	_, err := fb.Load(context.Background(), brazil(), nil)
	assert.ErrorIs(t, err, ErrNoLocations)
}
