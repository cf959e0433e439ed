package fetcher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type overpassStub struct {
	Elements []struct {
		Type string  `json:"type"`
		ID   int64   `json:"id"`
		Lat  float64 `json:"lat"`
	} `json:"elements"`
}

func TestDecodeJSON(t *testing.T) {
	in := `{"elements":[{"type":"node","id":42,"lat":-23.5},{"type":"way","id":7}]}`
	obj, err := DecodeJSON[overpassStub](strings.NewReader(in), 1<<20)
	require.NoError(t, err)
	require.Len(t, obj.Elements, 2)
	assert.Equal(t, int64(42), obj.Elements[0].ID)
	assert.Equal(t, -23.5, obj.Elements[0].Lat)
	assert.Equal(t, "way", obj.Elements[1].Type)
}

func TestDecodeJSON_Invalid(t *testing.T) {
	_, err := DecodeJSON[overpassStub](strings.NewReader(`{"elements":`), 1<<20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetcher: decode")
	assert.NotContains(t, err.Error(), "exceeds")
}

func TestDecodeJSON_TooLarge(t *testing.T) {
	in := `{"elements":[{"type":"node","id":42,"lat":-23.5},{"type":"way","id":7}]}`
	_, err := DecodeJSON[overpassStub](strings.NewReader(in), 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 16 bytes")
}
