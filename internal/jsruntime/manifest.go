package jsruntime

// PluginManifest is the parsed contents of a plugin's neo-plugin.json: id,
// display metadata, the path (relative to the manifest) of its ES-module
// entry point, static config handed to the plugin at load time, and the
// event patterns it wants delivered to OnEvent.
type PluginManifest struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Version       string         `json:"version"`
	Main          string         `json:"main"`
	Config        map[string]any `json:"config"`
	Subscriptions []string       `json:"subscriptions"`
}
