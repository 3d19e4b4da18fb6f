package registration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/careagent/neuron/internal/domain"
)

// writeHealthFile atomically writes snapshot to path: write to a temp file
// in the same directory, then rename over the target, so a reader (e.g.
// an external health-check script) never observes a half-written file.
func writeHealthFile(path string, snapshot domain.HealthSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal health snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".health-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp health file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp health file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp health file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename health file: %w", err)
	}
	return nil
}

func snapshotNow(status domain.NeuronStatus, lastHeartbeat *time.Time) domain.HealthSnapshot {
	return domain.HealthSnapshot{
		Status:          status,
		LastHeartbeatAt: lastHeartbeat,
		UpdatedAt:       time.Now().UTC(),
	}
}
