package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sidecar is the provenance record written next to derived images: where
// the data came from, which parameters produced it, and when.
type Sidecar struct {
	Sources    []string          `json:"Sources"`
	Parameters map[string]string `json:"Parameters,omitempty"`
	Tool       string            `json:"Tool"`
	CreatedAt  time.Time         `json:"CreatedAt"`
}

// WriteSidecar writes the provenance record as JSON. The timestamp defaults
// to now in RFC 3339.
func WriteSidecar(path string, sc Sidecar) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir sidecar dir: %w", err)
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// SidecarName maps an image path to its sidecar path.
func SidecarName(imagePath string) string {
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(imagePath, ext) {
			return strings.TrimSuffix(imagePath, ext) + ".json"
		}
	}
	return imagePath + ".json"
}
