package blueprint

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructDefValidateInstance(t *testing.T) {
	def := StructDef{
		ID: "thermostat_point", Name: "Thermostat Point", Version: "1",
		Fields: []StructField{
			{Name: "setpoint", Type: PinType{Kind: "real"}},
			{Name: "enabled", Type: PinType{Kind: "boolean"}, Default: true},
			{Name: "label", Type: PinType{Kind: "string"}, Default: ""},
		},
	}

	t.Run("valid instance", func(t *testing.T) {
		errs := def.ValidateInstance(map[string]any{"setpoint": 21.5, "enabled": true, "label": "lobby"})
		assert.Empty(t, errs)
	})

	t.Run("missing required field", func(t *testing.T) {
		errs := def.ValidateInstance(map[string]any{"enabled": true})
		assert.Contains(t, errs, "missing required field: setpoint")
	})

	t.Run("wrong type", func(t *testing.T) {
		errs := def.ValidateInstance(map[string]any{"setpoint": "warm", "enabled": true})
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], `field "setpoint"`)
	})

	t.Run("unknown field ignored", func(t *testing.T) {
		errs := def.ValidateInstance(map[string]any{"setpoint": 21.5, "enabled": true, "extra": 1})
		assert.Empty(t, errs)
	})
}

func TestStructDefDefaultInstance(t *testing.T) {
	def := StructDef{ID: "x", Fields: []StructField{
		{Name: "a", Type: PinType{Kind: "integer"}, Default: float64(0)},
		{Name: "b", Type: PinType{Kind: "string"}},
	}}
	inst := def.DefaultInstance()
	assert.Equal(t, float64(0), inst["a"])
	assert.Nil(t, inst["b"])
}

func TestStructRegistryLoadDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/structs/point.struct.json", []byte(`{
		// hand-authored, JWCC-tolerant
		"id": "point",
		"name": "Point",
		"version": "1",
		"fields": [
			{"name": "value", "type": "real"},
			{"name": "tags", "type": "array<string>", "default": []},
		],
	}`), 0o644))

	r := NewStructRegistry()
	require.NoError(t, r.LoadDir(fs, "/structs"))

	def, ok := r.Get("point")
	require.True(t, ok)
	assert.Equal(t, "Point", def.Name)
	require.Len(t, def.Fields, 2)
	assert.Equal(t, PinType{Kind: "real"}, def.Fields[0].Type)
	assert.Equal(t, PinType{Kind: "array", Elem: &PinType{Kind: "string"}}, def.Fields[1].Type)

	errs := r.ValidateInstance("point", map[string]any{"value": 1.0, "tags": []any{}})
	assert.Empty(t, errs)

	errs = r.ValidateInstance("missing", map[string]any{})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "unknown struct type")
}

func TestStructRegistryLoadDirMissingDirIsNotAnError(t *testing.T) {
	r := NewStructRegistry()
	assert.NoError(t, r.LoadDir(afero.NewMemMapFs(), "/nowhere"))
}
