package runtime

import (
	"encoding/json"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/neo-automation/bar-core/internal/jsruntime"
)

// discoveredPlugin pairs a parsed manifest with the directory it was found
// in, which plugin.New needs to resolve Main relative to the manifest.
type discoveredPlugin struct {
	manifest jsruntime.PluginManifest
	basePath string
}

// discoverPlugins scans dir for immediate subdirectories containing a
// neo-plugin.json manifest (§6 "Plugin manifest"). A missing plugins
// directory is not an error: plugins are optional.
func discoverPlugins(fs afero.Fs, dir string) ([]discoveredPlugin, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, nil
	}

	var found []discoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		basePath := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(basePath, "neo-plugin.json")
		exists, err := afero.Exists(fs, manifestPath)
		if err != nil || !exists {
			continue
		}
		raw, err := afero.ReadFile(fs, manifestPath)
		if err != nil {
			continue
		}
		var m jsruntime.PluginManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.ID == "" {
			continue
		}
		found = append(found, discoveredPlugin{manifest: m, basePath: basePath})
	}
	return found, nil
}
