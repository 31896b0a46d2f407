package provisioning

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadManifest reads a manufacturing manifest from a JSON file
func LoadManifest(filePath string) (*Manifest, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec,G304 // This should be a trusted file
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if manifest.BatchCode == "" {
		return nil, fmt.Errorf("manifest missing batch_code")
	}
	if !manifest.SKU.Valid() {
		return nil, fmt.Errorf("manifest has invalid SKU %q", manifest.SKU)
	}

	return &manifest, nil
}
