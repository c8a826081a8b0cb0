package blueprint

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pingFunction(inputs, outputs []PinDef) FunctionDef {
	return FunctionDef{
		Inputs: inputs, Outputs: outputs,
		Nodes: []BlueprintNode{
			{ID: functionEntryNode, NodeType: "neo/FunctionEntry"},
			{ID: functionExitNode, NodeType: "neo/FunctionExit"},
		},
	}
}

func TestBehaviourRegistryValidateBlueprintCompliant(t *testing.T) {
	r := NewBehaviourRegistry()
	r.Register(BehaviourDef{ID: "pingable", Callbacks: []CallbackDef{
		{Name: "ping", Inputs: []PinDef{{Name: "n", Type: PinType{Kind: "integer"}}}, Outputs: []PinDef{{Name: "ok", Type: PinType{Kind: "boolean"}}}},
	}})

	bp := &Blueprint{
		ID: "bp", Implements: []string{"pingable"}, Exports: []string{"ping"},
		Functions: map[string]FunctionDef{
			"ping": pingFunction(
				[]PinDef{{Name: "n", Type: PinType{Kind: "integer"}}},
				[]PinDef{{Name: "ok", Type: PinType{Kind: "boolean"}}},
			),
		},
	}
	assert.Empty(t, r.ValidateBlueprint(bp))
}

func TestBehaviourRegistryValidateBlueprintMissingCallback(t *testing.T) {
	r := NewBehaviourRegistry()
	r.Register(BehaviourDef{ID: "pingable", Callbacks: []CallbackDef{{Name: "ping"}}})

	bp := &Blueprint{ID: "bp", Implements: []string{"pingable"}, Functions: map[string]FunctionDef{}}
	violations := r.ValidateBlueprint(bp)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].MissingCallbacks, "ping")
}

func TestBehaviourRegistryValidateBlueprintNotExported(t *testing.T) {
	r := NewBehaviourRegistry()
	r.Register(BehaviourDef{ID: "pingable", Callbacks: []CallbackDef{{Name: "ping"}}})

	bp := &Blueprint{
		ID: "bp", Implements: []string{"pingable"}, Exports: nil,
		Functions: map[string]FunctionDef{"ping": pingFunction(nil, nil)},
	}
	violations := r.ValidateBlueprint(bp)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].MissingCallbacks, "ping (defined but not exported)")
}

func TestBehaviourRegistryValidateBlueprintSignatureMismatch(t *testing.T) {
	r := NewBehaviourRegistry()
	r.Register(BehaviourDef{ID: "pingable", Callbacks: []CallbackDef{
		{Name: "ping", Inputs: []PinDef{{Name: "n", Type: PinType{Kind: "integer"}}}},
	}})

	bp := &Blueprint{
		ID: "bp", Implements: []string{"pingable"}, Exports: []string{"ping"},
		Functions: map[string]FunctionDef{
			"ping": pingFunction([]PinDef{{Name: "n", Type: PinType{Kind: "string"}}}, nil),
		},
	}
	violations := r.ValidateBlueprint(bp)
	require.Len(t, violations, 1)
	require.Len(t, violations[0].SignatureMismatches, 1)
	assert.Equal(t, "ping", violations[0].SignatureMismatches[0].CallbackName)
}

func TestBehaviourRegistryValidateBlueprintUnknownBehaviour(t *testing.T) {
	r := NewBehaviourRegistry()
	bp := &Blueprint{ID: "bp", Implements: []string{"nope"}}
	violations := r.ValidateBlueprint(bp)
	require.Len(t, violations, 1)
	assert.Equal(t, "behaviour not registered", violations[0].Err)
}

func TestBehaviourRegistryLoadDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/behaviours/pingable.behaviour.json", []byte(`{
		"id": "pingable",
		"callbacks": [
			{"name": "ping", "inputs": [{"name": "n", "type": "integer"}], "outputs": [{"name": "ok", "type": "boolean"}]},
		],
	}`), 0o644))

	r := NewBehaviourRegistry()
	require.NoError(t, r.LoadDir(fs, "/behaviours"))

	def, ok := r.Get("pingable")
	require.True(t, ok)
	require.Len(t, def.Callbacks, 1)
	assert.Equal(t, "ping", def.Callbacks[0].Name)
}

func TestBehaviourRegistryLoadDirMissingDirIsNotAnError(t *testing.T) {
	r := NewBehaviourRegistry()
	assert.NoError(t, r.LoadDir(afero.NewMemMapFs(), "/nowhere"))
}
