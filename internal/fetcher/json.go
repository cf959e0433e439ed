package fetcher

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSON decodes one JSON document of type T from at most limit bytes
// of r. A document cut off by the limit is reported as oversized.
func DecodeJSON[T any](r io.Reader, limit int64) (*T, error) {
	var v T
	lr := &io.LimitedReader{R: r, N: limit + 1}
	if err := json.NewDecoder(lr).Decode(&v); err != nil {
		if lr.N <= 0 {
			return nil, eris.Errorf("fetcher: json body exceeds %d bytes", limit)
		}
		return nil, eris.Wrapf(err, "fetcher: decode %T", v)
	}
	return &v, nil
}
