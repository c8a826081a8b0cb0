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

// StructField is one typed, named member of a StructDef.
type StructField struct {
	Name        string  `json:"name"`
	Type        PinType `json:"type"`
	Default     any     `json:"default"`
	Description string  `json:"description"`
	Units       string  `json:"units"`
}

// StructDef is a user-defined data shape loaded from a *.struct.json file.
type StructDef struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	Description string        `json:"description"`
	Fields      []StructField `json:"fields"`
}

func (d StructDef) field(name string) (StructField, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return StructField{}, false
}

// DefaultInstance builds a value with every field set to its declared
// default (or nil if it has none).
func (d StructDef) DefaultInstance() map[string]any {
	out := make(map[string]any, len(d.Fields))
	for _, f := range d.Fields {
		out[f.Name] = f.Default
	}
	return out
}

// ValidateInstance checks value's fields against d's declared types,
// recursively for array element types. Unknown fields are allowed, for
// forward compatibility with struct definitions instances were built
// against before fields were added.
func (d StructDef) ValidateInstance(value map[string]any) []string {
	var errs []string
	for _, f := range d.Fields {
		if _, present := value[f.Name]; !present && f.Default == nil {
			errs = append(errs, fmt.Sprintf("missing required field: %s", f.Name))
		}
	}
	for name, v := range value {
		f, ok := d.field(name)
		if !ok {
			continue
		}
		if err := validateValueType(v, f.Type); err != "" {
			errs = append(errs, fmt.Sprintf("field %q: %s", name, err))
		}
	}
	return errs
}

func validateValueType(value any, expected PinType) string {
	switch expected.Kind {
	case "any":
		return ""
	case "real", "point_value":
		switch value.(type) {
		case float64, float32, int, int64:
			return ""
		}
		if expected.Kind == "point_value" {
			switch value.(type) {
			case bool, string:
				return ""
			}
			return "expected point value (number, boolean, or string)"
		}
		return "expected number"
	case "integer":
		switch n := value.(type) {
		case int, int64:
			return ""
		case float64:
			if n == float64(int64(n)) {
				return ""
			}
		}
		return "expected integer"
	case "boolean":
		if _, ok := value.(bool); ok {
			return ""
		}
		return "expected boolean"
	case "string":
		if _, ok := value.(string); ok {
			return ""
		}
		return "expected string"
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return "expected array"
		}
		if expected.Elem == nil {
			return ""
		}
		for i, item := range arr {
			if err := validateValueType(item, *expected.Elem); err != "" {
				return fmt.Sprintf("element [%d]: %s", i, err)
			}
		}
		return ""
	case "struct", "object":
		if _, ok := value.(map[string]any); ok {
			return ""
		}
		return "expected object"
	case "exec":
		return "exec type cannot have a value"
	default:
		return ""
	}
}

// StructRegistry holds every loaded struct definition, keyed by id.
type StructRegistry struct {
	mu      sync.RWMutex
	structs map[string]StructDef
}

func NewStructRegistry() *StructRegistry {
	return &StructRegistry{structs: make(map[string]StructDef)}
}

func (r *StructRegistry) Register(def StructDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.structs[def.ID] = def
}

func (r *StructRegistry) Get(id string) (StructDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.structs[id]
	return def, ok
}

// ValidateInstance validates value against the struct registered as
// structID, erroring if structID itself is unknown.
func (r *StructRegistry) ValidateInstance(structID string, value map[string]any) []string {
	def, ok := r.Get(structID)
	if !ok {
		return []string{fmt.Sprintf("unknown struct type: %s", structID)}
	}
	return def.ValidateInstance(value)
}

// LoadDir reads every *.struct.json file in dir, accepting hand-authored
// JWCC (trailing commas, comments) before decoding to strict JSON. A
// missing directory is not an error: struct definitions are optional.
func (r *StructRegistry) LoadDir(fs afero.Fs, dir string) error {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".struct.json") {
			continue
		}
		raw, err := afero.ReadFile(fs, filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("blueprint: read struct %s: %w", entry.Name(), err)
		}
		strict, err := hujson.Standardize(raw)
		if err != nil {
			return fmt.Errorf("blueprint: parse struct %s: %w", entry.Name(), err)
		}
		var def StructDef
		if err := json.Unmarshal(strict, &def); err != nil {
			return fmt.Errorf("blueprint: decode struct %s: %w", entry.Name(), err)
		}
		r.Register(def)
	}
	return nil
}
