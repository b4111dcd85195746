package trial

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Integration levels reported by adapter harnesses.
const (
	IntegrationCLIBasic = "cli_basic"
	IntegrationSDKFull  = "sdk_full"
)

// HarnessManifest is the adapter's self-description, written to the trial
// out directory when the harness supports hook events.
type HarnessManifest struct {
	SchemaVersion    string         `json:"schema_version"`
	IntegrationLevel string         `json:"integration_level"`
	Hooks            *ManifestHooks `json:"hooks,omitempty"`
}

type ManifestHooks struct {
	SchemaVersion string `json:"schema_version"`
	EventsPath    string `json:"events_path"`
}

// LoadHarnessManifest reads out/harness_manifest.json; absent manifests mean
// a bare CLI adapter.
func LoadHarnessManifest(l *Layout) *HarnessManifest {
	raw, err := os.ReadFile(filepath.Join(l.Out, HarnessManifestFile))
	if err != nil {
		return nil
	}
	var m HarnessManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return &m
}

// CountHookEvents counts non-empty JSONL lines on the harness event stream.
// Event schema validation belongs to the hooks validator, not the executor.
func CountHookEvents(l *Layout, m *HarnessManifest) int {
	if m == nil || m.Hooks == nil || strings.TrimSpace(m.Hooks.EventsPath) == "" {
		return 0
	}
	path := m.Hooks.EventsPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.Out, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count
}
