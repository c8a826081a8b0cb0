package blueprint

import (
	"testing"

	"github.com/coreos/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinTypeJSONRoundTrip(t *testing.T) {
	cases := []PinType{
		{Kind: "real"},
		{Kind: "array", Elem: &PinType{Kind: "integer"}},
		{Kind: "array", Elem: &PinType{Kind: "array", Elem: &PinType{Kind: "string"}}},
		{Kind: "struct", ID: "thermostat_point"},
		{Kind: "handle", Target: "bacnet_device"},
	}
	for _, want := range cases {
		b, err := json.Marshal(want)
		require.NoError(t, err)
		var got PinType
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, want, got)
	}
}

func TestParsePinTypeRejectsMalformed(t *testing.T) {
	_, err := ParsePinType("array<integer")
	assert.Error(t, err)
	_, err = ParsePinType("nonsense{x")
	assert.Error(t, err)
}

func TestCompatiblePointValueAndNumeric(t *testing.T) {
	assert.True(t, Compatible(PinType{Kind: "point_value"}, PinType{Kind: "real"}))
	assert.True(t, Compatible(PinType{Kind: "integer"}, PinType{Kind: "real"}))
	assert.False(t, Compatible(PinType{Kind: "string"}, PinType{Kind: "real"}))
}
