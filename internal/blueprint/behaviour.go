package blueprint

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coreos/go-json"
	"github.com/spf13/afero"
	"github.com/tailscale/hujson"
)

// SignatureMismatch reports one callback parameter whose declared type is
// not pin-compatible with the implementing function's corresponding
// parameter.
type SignatureMismatch struct {
	CallbackName string
	Expected     string
	Found        string
}

func (m SignatureMismatch) String() string {
	return fmt.Sprintf("%s: expected %s, found %s", m.CallbackName, m.Expected, m.Found)
}

// BehaviourViolation reports why a blueprint's declared Implements entry
// does not satisfy a BehaviourDef's callback contract.
type BehaviourViolation struct {
	BehaviourID         string
	MissingCallbacks    []string
	SignatureMismatches []SignatureMismatch
	Err                 string
}

func (v BehaviourViolation) Error() string {
	var parts []string
	if v.Err != "" {
		parts = append(parts, v.Err)
	}
	if len(v.MissingCallbacks) > 0 {
		parts = append(parts, fmt.Sprintf("missing: [%s]", strings.Join(v.MissingCallbacks, ", ")))
	}
	if len(v.SignatureMismatches) > 0 {
		mismatches := make([]string, len(v.SignatureMismatches))
		for i, m := range v.SignatureMismatches {
			mismatches[i] = m.String()
		}
		parts = append(parts, fmt.Sprintf("signature errors: [%s]", strings.Join(mismatches, "; ")))
	}
	return fmt.Sprintf("behaviour %q: %s", v.BehaviourID, strings.Join(parts, ", "))
}

// BehaviourRegistry holds every loaded interface contract a blueprint may
// declare compliance with via Blueprint.Implements.
type BehaviourRegistry struct {
	mu         sync.RWMutex
	behaviours map[string]BehaviourDef
}

func NewBehaviourRegistry() *BehaviourRegistry {
	return &BehaviourRegistry{behaviours: make(map[string]BehaviourDef)}
}

func (r *BehaviourRegistry) Register(def BehaviourDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviours[def.ID] = def
}

func (r *BehaviourRegistry) Get(id string) (BehaviourDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.behaviours[id]
	return def, ok
}

// LoadDir reads every *.behaviour.json file in dir, accepting hand-authored
// JWCC before decoding to strict JSON. A missing directory is not an error:
// behaviours are optional.
func (r *BehaviourRegistry) LoadDir(fs afero.Fs, dir string) error {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".behaviour.json") {
			continue
		}
		raw, err := afero.ReadFile(fs, filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("blueprint: read behaviour %s: %w", entry.Name(), err)
		}
		strict, err := hujson.Standardize(raw)
		if err != nil {
			return fmt.Errorf("blueprint: parse behaviour %s: %w", entry.Name(), err)
		}
		var def BehaviourDef
		if err := json.Unmarshal(strict, &def); err != nil {
			return fmt.Errorf("blueprint: decode behaviour %s: %w", entry.Name(), err)
		}
		r.Register(def)
	}
	return nil
}

// ValidateBlueprint checks every behaviour bp.Implements names against bp's
// exported functions, returning one BehaviourViolation per failing
// behaviour (nil if bp complies with all of them, including declaring
// none).
func (r *BehaviourRegistry) ValidateBlueprint(bp *Blueprint) []BehaviourViolation {
	var violations []BehaviourViolation
	exported := make(map[string]bool, len(bp.Exports))
	for _, name := range bp.Exports {
		exported[name] = true
	}
	for _, behaviourID := range bp.Implements {
		def, ok := r.Get(behaviourID)
		if !ok {
			violations = append(violations, BehaviourViolation{BehaviourID: behaviourID, Err: "behaviour not registered"})
			continue
		}
		if v, ok := checkCompliance(bp, exported, def); !ok {
			violations = append(violations, v)
		}
	}
	return violations
}

func checkCompliance(bp *Blueprint, exported map[string]bool, def BehaviourDef) (BehaviourViolation, bool) {
	v := BehaviourViolation{BehaviourID: def.ID}
	for _, cb := range def.Callbacks {
		fn, ok := bp.Functions[cb.Name]
		if !ok {
			v.MissingCallbacks = append(v.MissingCallbacks, cb.Name)
			continue
		}
		if !exported[cb.Name] {
			v.MissingCallbacks = append(v.MissingCallbacks, cb.Name+" (defined but not exported)")
			continue
		}
		if mismatch, bad := checkSignature(cb, fn); bad {
			v.SignatureMismatches = append(v.SignatureMismatches, mismatch)
		}
	}
	ok := len(v.MissingCallbacks) == 0 && len(v.SignatureMismatches) == 0
	return v, ok
}

func checkSignature(cb CallbackDef, fn FunctionDef) (SignatureMismatch, bool) {
	if len(cb.Inputs) != len(fn.Inputs) {
		return SignatureMismatch{
			CallbackName: cb.Name,
			Expected:     fmt.Sprintf("%d inputs", len(cb.Inputs)),
			Found:        fmt.Sprintf("%d inputs", len(fn.Inputs)),
		}, true
	}
	for i, expected := range cb.Inputs {
		found := fn.Inputs[i]
		if !Compatible(expected.Type, found.Type) {
			return SignatureMismatch{
				CallbackName: cb.Name,
				Expected:     fmt.Sprintf("input %q: %s", expected.Name, expected.Type),
				Found:        fmt.Sprintf("input %q: %s", found.Name, found.Type),
			}, true
		}
	}
	if len(cb.Outputs) != len(fn.Outputs) {
		return SignatureMismatch{
			CallbackName: cb.Name,
			Expected:     fmt.Sprintf("%d outputs", len(cb.Outputs)),
			Found:        fmt.Sprintf("%d outputs", len(fn.Outputs)),
		}, true
	}
	for i, expected := range cb.Outputs {
		found := fn.Outputs[i]
		if !Compatible(expected.Type, found.Type) {
			return SignatureMismatch{
				CallbackName: cb.Name,
				Expected:     fmt.Sprintf("output %q: %s", expected.Name, expected.Type),
				Found:        fmt.Sprintf("output %q: %s", found.Name, found.Type),
			}, true
		}
	}
	return SignatureMismatch{}, false
}
