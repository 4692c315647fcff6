// Package storage persists subagent definitions and run records under a
// project-scoped state directory. storage.json is rewritten atomically
// (tempfile + rename) under an advisory file lock; concurrent writers from
// other processes are reconciled by re-reading the disk state and merging
// before every write. Full run payloads go to runs/<run_id>.json.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/codeready-toolchain/delegate/pkg/models"
)

// Sentinel errors for store operations.
var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentDisabled  = errors.New("agent is disabled")
	ErrDuplicateAgent = errors.New("agent already exists")
	ErrRunNotFound    = errors.New("run not found")
)

// storageFile is the on-disk shape of storage.json.
type storageFile struct {
	Agents          []models.SubagentDefinition `json:"agents"`
	Runs            []models.RunRecord          `json:"runs"`
	CurrentAgentID  string                      `json:"currentAgentId,omitempty"`
	DefaultsVersion int                         `json:"defaultsVersion"`
}

// Store is the file-backed persistence layer. All mutations are serialized
// by an in-process mutex; cross-process coordination uses the advisory file
// lock plus merge-on-write.
type Store struct {
	dir string

	mu    sync.Mutex
	state storageFile
}

// New opens (or initializes) the store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &Store{dir: dir}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) storagePath() string  { return filepath.Join(s.dir, "storage.json") }
func (s *Store) lockPath() string     { return filepath.Join(s.dir, "storage.json.lock") }
func (s *Store) runPath(id string) string {
	return filepath.Join(s.dir, "runs", id+".json")
}

// reload replaces the in-memory state with the normalized disk state.
// Caller must not hold s.mu.
func (s *Store) reload() error {
	disk, err := readStorageFile(s.storagePath())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state = normalize(disk)
	s.mu.Unlock()
	return nil
}

func readStorageFile(path string) (storageFile, error) {
	var disk storageFile
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return disk, nil
	}
	if err != nil {
		return disk, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &disk); err != nil {
		return disk, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return disk, nil
}

// normalize sorts agents by name, sorts runs ascending by finish time, and
// truncates the run ring to the newest MaxRunRecords entries.
func normalize(f storageFile) storageFile {
	sort.Slice(f.Agents, func(i, j int) bool { return f.Agents[i].Name < f.Agents[j].Name })
	sort.Slice(f.Runs, func(i, j int) bool { return f.Runs[i].FinishedAt.Before(f.Runs[j].FinishedAt) })
	if len(f.Runs) > models.MaxRunRecords {
		evicted := f.Runs[:len(f.Runs)-models.MaxRunRecords]
		for _, r := range evicted {
			if r.OutputPath != "" {
				_ = os.Remove(r.OutputPath)
			}
		}
		f.Runs = f.Runs[len(f.Runs)-models.MaxRunRecords:]
	}
	return f
}

// mutate applies fn to the merged (disk ∪ memory) state under the file lock
// and writes the result back atomically. Agents merge by id (latest
// UpdatedAt wins), runs merge by run id (latest FinishedAt wins); scalar
// fields take the last successful writer.
func (s *Store) mutate(fn func(*storageFile) error) error {
	return WithFileLock(s.lockPath(), func() error {
		disk, err := readStorageFile(s.storagePath())
		if err != nil {
			// Corrupt or unreadable disk state must not lose the in-memory
			// view; proceed from memory alone.
			disk = storageFile{}
		}

		s.mu.Lock()
		merged := mergeStorage(disk, s.state)
		s.mu.Unlock()

		if err := fn(&merged); err != nil {
			return err
		}
		merged = normalize(merged)

		data, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode storage state: %w", err)
		}
		if err := renameio.WriteFile(s.storagePath(), data, 0o644); err != nil {
			return fmt.Errorf("failed to write storage state: %w", err)
		}

		s.mu.Lock()
		s.state = merged
		s.mu.Unlock()
		return nil
	})
}

func mergeStorage(disk, mem storageFile) storageFile {
	out := storageFile{
		CurrentAgentID:  mem.CurrentAgentID,
		DefaultsVersion: max(disk.DefaultsVersion, mem.DefaultsVersion),
	}
	if out.CurrentAgentID == "" {
		out.CurrentAgentID = disk.CurrentAgentID
	}

	agents := make(map[string]models.SubagentDefinition, len(disk.Agents)+len(mem.Agents))
	for _, a := range disk.Agents {
		agents[a.ID] = a
	}
	for _, a := range mem.Agents {
		if cur, ok := agents[a.ID]; !ok || a.UpdatedAt.After(cur.UpdatedAt) {
			agents[a.ID] = a
		}
	}
	for _, a := range agents {
		out.Agents = append(out.Agents, a)
	}

	runs := make(map[string]models.RunRecord, len(disk.Runs)+len(mem.Runs))
	for _, r := range disk.Runs {
		runs[r.RunID] = r
	}
	for _, r := range mem.Runs {
		if cur, ok := runs[r.RunID]; !ok || r.FinishedAt.After(cur.FinishedAt) {
			runs[r.RunID] = r
		}
	}
	for _, r := range runs {
		out.Runs = append(out.Runs, r)
	}
	return out
}

// Agents returns a copy of all definitions, sorted by name.
func (s *Store) Agents() []models.SubagentDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SubagentDefinition, len(s.state.Agents))
	copy(out, s.state.Agents)
	return out
}

// GetAgent returns the definition for the given id.
func (s *Store) GetAgent(id string) (models.SubagentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.state.Agents {
		if a.ID == id {
			return a, nil
		}
	}
	return models.SubagentDefinition{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
}

// CreateAgent persists a new definition. Names are unique (case-sensitive).
func (s *Store) CreateAgent(def models.SubagentDefinition) error {
	return s.mutate(func(f *storageFile) error {
		for _, a := range f.Agents {
			if a.ID == def.ID || a.Name == def.Name {
				return fmt.Errorf("%w: %s", ErrDuplicateAgent, def.Name)
			}
		}
		f.Agents = append(f.Agents, def)
		return nil
	})
}

// ConfigureAgent applies fn to the stored definition and persists the
// result. fn sees a copy; returning an error aborts the write.
func (s *Store) ConfigureAgent(id string, fn func(*models.SubagentDefinition) error) (models.SubagentDefinition, error) {
	var updated models.SubagentDefinition
	err := s.mutate(func(f *storageFile) error {
		for i := range f.Agents {
			if f.Agents[i].ID != id {
				continue
			}
			def := f.Agents[i]
			if err := fn(&def); err != nil {
				return err
			}
			def.ID = id // id is immutable
			def.UpdatedAt = time.Now().UTC()
			f.Agents[i] = def
			updated = def
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	})
	return updated, err
}

// CurrentAgentID returns the session's default agent id ("" when unset).
func (s *Store) CurrentAgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CurrentAgentID
}

// SetCurrentAgent persists the session's default agent id.
func (s *Store) SetCurrentAgent(id string) error {
	return s.mutate(func(f *storageFile) error {
		if id != "" {
			found := false
			for _, a := range f.Agents {
				if a.ID == id {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
			}
		}
		f.CurrentAgentID = id
		return nil
	})
}

// AppendRun writes the full payload to runs/<run_id>.json, then appends the
// record to the bounded ring in storage.json. The payload file is written
// first so the ring never references a missing artifact.
func (s *Store) AppendRun(record models.RunRecord, payload models.RunPayload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run payload: %w", err)
	}
	path := s.runPath(record.RunID)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run payload: %w", err)
	}
	record.OutputPath = path

	return s.mutate(func(f *storageFile) error {
		f.Runs = append(f.Runs, record)
		return nil
	})
}

// Runs returns up to limit newest run records (all when limit <= 0),
// newest first, optionally filtered by agent id.
func (s *Store) Runs(agentID string, limit int) []models.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.RunRecord, 0, len(s.state.Runs))
	// state.Runs is sorted ascending by finish time.
	for i := len(s.state.Runs) - 1; i >= 0; i-- {
		r := s.state.Runs[i]
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetRunPayload loads the full payload for a recorded run.
func (s *Store) GetRunPayload(runID string) (models.RunPayload, error) {
	data, err := os.ReadFile(s.runPath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return models.RunPayload{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return models.RunPayload{}, fmt.Errorf("failed to read run payload: %w", err)
	}
	var payload models.RunPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return models.RunPayload{}, fmt.Errorf("failed to parse run payload: %w", err)
	}
	return payload, nil
}

// Refresh re-reads the disk state, picking up writes from other processes.
func (s *Store) Refresh() error {
	return s.reload()
}
