package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/schoolmap/internal/fetcher"
	"github.com/sells-group/schoolmap/internal/resilience"
)

// maxImageryBody bounds one reduce-regions answer.
const maxImageryBody = 64 << 20

// Reduction selects how an image collection is reduced to one value per
// region.
type Reduction string

const (
	// ReduceMean averages every image in [Start, End].
	ReduceMean Reduction = "mean"
	// ReduceChange subtracts the mean image of [BaseStart, BaseEnd] from the
	// mean image of [Start, End].
	ReduceChange Reduction = "change"
	// ReduceFirstLast subtracts the first image in [Start, End] from the
	// last one and reports how many images the window holds.
	ReduceFirstLast Reduction = "first_last"
)

// ImageryRequest asks for the mean of a reduced image inside each buffered
// region. Dates are YYYY-MM-DD; an empty window means the whole collection.
type ImageryRequest struct {
	Collection   string                     `json:"collection"`
	Band         string                     `json:"band,omitempty"`
	Reduction    Reduction                  `json:"reduction"`
	Start        string                     `json:"start,omitempty"`
	End          string                     `json:"end,omitempty"`
	BaseStart    string                     `json:"base_start,omitempty"`
	BaseEnd      string                     `json:"base_end,omitempty"`
	Scale        int                        `json:"scale"`
	BufferMeters float64                    `json:"buffer_meters"`
	Regions      *geojson.FeatureCollection `json:"regions"`
}

// ImageryResult holds one value per region, in request order. A nil value
// means the region had no valid pixels.
type ImageryResult struct {
	Values     []*float64 `json:"values"`
	ImageCount int        `json:"image_count"`
}

// ImageryClient reduces satellite image collections over regions.
type ImageryClient interface {
	Reduce(ctx context.Context, req ImageryRequest) (*ImageryResult, error)
}

// HTTPImagery posts reduction requests as JSON to a reduce-regions service.
type HTTPImagery struct {
	Endpoint string
	Token    string
	HTTP     Doer
}

// Reduce implements ImageryClient.
func (c *HTTPImagery) Reduce(ctx context.Context, r ImageryRequest) (*ImageryResult, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, eris.Wrap(err, "imagery: encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "imagery: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("imagery: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}
	out, err := fetcher.DecodeJSON[ImageryResult](resp.Body, maxImageryBody)
	if err != nil {
		return nil, eris.Wrap(err, "imagery: decode response")
	}
	return out, nil
}
