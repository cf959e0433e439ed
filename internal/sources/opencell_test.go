package sources

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/schoolmap/internal/table"
)

const regionsPage = `<html><body>
<table id="other"><tr><th>Country Code</th></tr><tr><td>XX</td></tr></table>
<table id="regions">
<tr><th>Country Code</th><th>Network</th><th>Files
  (MCC)</th></tr>
<tr><td>BR</td><td>Brazil</td><td><a href="/ocid/downloads?type=mcc&file=724.csv.gz">724</a></td></tr>
<tr><td>TH</td><td>Thailand</td><td><a href="https://cdn.example.org/520.csv.gz">520</a> <a href="/ocid/downloads?type=mcc&file=521.csv.gz">521</a></td></tr>
<tr><td>short</td></tr>
</table></body></html>`

const cellsCSV = `radio,mcc,net,area,cell,unit,lon,lat,range,samples,changeable,created,updated,averageSignal
UMTS,724,5,1,11,,-47.9,-15.8,1000,3,1,1262304000,1262304000,0
GSM,724,5,1,12,,-46.6,-23.5,500,3,1,946684800,946684800,0
LTE,724,5,1,13,,-43.2,-22.9,,3,1,1609459200,1609459200,0
LTE,724,5,1,14,,-543.2,-22.9,100,3,1,1609459200,1609459200,0
`

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestParseRegionsTable(t *testing.T) {
	base, _ := url.Parse("https://opencellid.org/downloads.php?token=x")
	rows, err := ParseRegionsTable(strings.NewReader(regionsPage), base)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://opencellid.org/ocid/downloads?type=mcc&file=724.csv.gz"}, rows["BR"])
	assert.Equal(t, []string{
		"https://cdn.example.org/520.csv.gz",
		"https://opencellid.org/ocid/downloads?type=mcc&file=521.csv.gz",
	}, rows["TH"])
	assert.NotContains(t, rows, "XX")

	_, err = ParseRegionsTable(strings.NewReader("<html></html>"), base)
	assert.Error(t, err)
}

func TestParseCells(t *testing.T) {
	out, err := parseCells(context.Background(), strings.NewReader(cellsCSV), 2003)
	require.NoError(t, err)

	// 2000 is before the cut-off and -543.2 is not a longitude.
	require.Equal(t, 2, out.Len())
	assert.Equal(t, []string{"UMTS", "LTE"}, out.Column("radio").Strs)
	rng := out.Column("range")
	assert.Equal(t, 1000.0, rng.Nums[0])
	assert.True(t, rng.Null(1))
	assert.Equal(t, table.Geometry, out.Column(table.GeometryColumn).Kind)

	_, err = parseCells(context.Background(), strings.NewReader("radio,lon,lat\nGSM,1,1\n"), 2003)
	assert.ErrorContains(t, err, "range")
}

func openCellEnv(t *testing.T, page string) (*testEnv, *OpenCell, string) {
	t.Helper()
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.URL.Query().Get("token")
		_, _ = w.Write([]byte(page))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { assert.Equal(t, "pk.test", token) })

	env := newTestEnv(t)
	env.cfg.OpenCellID.DownloadsURL = srv.URL + "/downloads.php"
	return env, &OpenCell{deps: env.deps}, srv.URL
}

func TestOpenCell_Load(t *testing.T) {
	env, o, base := openCellEnv(t, regionsPage)
	env.fetcher.files[base+"/ocid/downloads?type=mcc&file=724.csv.gz"] = gz(t, cellsCSV)

	out, err := o.Load(context.Background(), brazil(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
	assert.FileExists(t, o.CachePath(brazil(), nil))

	cached, err := o.Load(context.Background(), brazil(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"UMTS", "LTE"}, cached.Column("radio").Strs)
	assert.Len(t, env.fetcher.Calls(), 1)
}

func TestOpenCell_ProviderErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		sentinel  error
		transient bool
	}{
		{"rate limited", "RATE_LIMITED: daily limit reached\n", ErrRateLimited, true},
		{"bad token", "INVALID_TOKEN\n", ErrInvalidToken, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, o, base := openCellEnv(t, regionsPage)
			env.fetcher.files[base+"/ocid/downloads?type=mcc&file=724.csv.gz"] = []byte(tt.body)

			_, err := o.Load(context.Background(), brazil(), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			var sue *SourceUnavailableError
			require.True(t, errors.As(err, &sue))
			assert.Equal(t, tt.transient, sue.Transient)
			assert.NoFileExists(t, o.CachePath(brazil(), nil))
		})
	}
}

func TestOpenCell_UnknownRegion(t *testing.T) {
	_, o, _ := openCellEnv(t, regionsPage)
	_, err := o.Load(context.Background(), CountryContext{Code: "ARG"}, nil)
	assert.ErrorIs(t, err, ErrUnknownRegion)
}
