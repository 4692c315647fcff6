package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/codeready-toolchain/delegate/pkg/storage"
)

const stateFileName = "adaptive-limits.json"

func stateFilePath(dir string) string {
	return filepath.Join(dir, stateFileName)
}

// loadState reads adaptive-limits.json; a missing file yields zero state.
func loadState(path string) (State, error) {
	var s State
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read adaptive state: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupt state file is recoverable: start from scratch rather
		// than refusing to boot.
		slog.Warn("Corrupt adaptive state file, starting fresh", "path", path, "error", err)
		return State{}, nil
	}
	return s, nil
}

// commitLocked merges the in-memory state with whatever another process may
// have written, then writes the union back atomically. Limits merge per key
// by latest event time; scalars take this writer's values. Caller holds c.mu.
func (c *Controller) commitLocked() {
	c.state.UpdatedAt = c.now()
	c.state.Version++

	err := storage.WithFileLock(c.path+".lock", func() error {
		disk, loadErr := loadState(c.path)
		if loadErr == nil {
			for key, diskLimit := range disk.Limits {
				mem, ok := c.state.Limits[key]
				if !ok {
					c.state.Limits[key] = diskLimit.clone()
					continue
				}
				// Whichever side wins on recency, Total429 is monotonic and
				// merges by max so neither writer loses observed 429s.
				if diskLimit.LastEventAt.After(mem.LastEventAt) {
					merged := diskLimit.clone()
					if mem.Total429 > merged.Total429 {
						merged.Total429 = mem.Total429
					}
					c.state.Limits[key] = merged
				} else if diskLimit.Total429 > mem.Total429 {
					mem.Total429 = diskLimit.Total429
				}
			}
			if disk.Version >= c.state.Version {
				c.state.Version = disk.Version + 1
			}
		}

		data, marshalErr := json.MarshalIndent(c.state, "", "  ")
		if marshalErr != nil {
			return fmt.Errorf("failed to encode adaptive state: %w", marshalErr)
		}
		return renameio.WriteFile(c.path, data, 0o644)
	})
	if err != nil {
		// Persistence is best-effort: the in-memory state stays authoritative
		// for this process.
		slog.Warn("Failed to persist adaptive state", "path", c.path, "error", err)
	}
}
