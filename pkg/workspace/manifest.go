package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestFile sits next to the tree, never inside it, so it is never
// committed.
const ManifestFile = "workspace.manifest.json"

// WriteManifest writes the manifest into runDir.
func WriteManifest(runDir, runID string, result PrepareResult) error {
	data, err := json.MarshalIndent(Manifest{RunID: runID, PrepareResult: result}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workspace manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write workspace manifest: %w", err)
	}
	return nil
}

// ReadManifest reads the manifest from runDir.
func ReadManifest(runDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workspace manifest: %w", err)
	}
	return &manifest, nil
}
