package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/delegate/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func testAgent(id, name string) models.SubagentDefinition {
	now := time.Now().UTC()
	return models.SubagentDefinition{
		ID:           id,
		Name:         name,
		SystemPrompt: "You are " + name + ".",
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func testRun(id string, finished time.Time) (models.RunRecord, models.RunPayload) {
	record := models.RunRecord{
		RunID:      id,
		AgentID:    "a1",
		Task:       "task for " + id,
		Status:     models.RunStatusCompleted,
		Outcome:    models.OutcomeSuccess,
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
		DurationMs: 1000,
	}
	payload := models.RunPayload{Run: record, Prompt: "prompt", Output: "output for " + id}
	return record, payload
}

func TestStore_CreateAndGetAgent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateAgent(testAgent("a1", "reviewer")))

	got, err := s.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", got.Name)
	assert.True(t, got.Enabled)
}

func TestStore_CreateAgentRejectsDuplicates(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(testAgent("a1", "reviewer")))

	assert.ErrorIs(t, s.CreateAgent(testAgent("a1", "other")), ErrDuplicateAgent)
	assert.ErrorIs(t, s.CreateAgent(testAgent("a2", "reviewer")), ErrDuplicateAgent)
}

func TestStore_GetAgentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAgent("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestStore_AgentsSortedByName(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(testAgent("a1", "zeta")))
	require.NoError(t, s.CreateAgent(testAgent("a2", "alpha")))

	agents := s.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "alpha", agents[0].Name)
	assert.Equal(t, "zeta", agents[1].Name)
}

func TestStore_ConfigureAgent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(testAgent("a1", "reviewer")))

	updated, err := s.ConfigureAgent("a1", func(def *models.SubagentDefinition) error {
		def.Enabled = false
		def.Model = "opus"
		def.ID = "hijack" // must be ignored
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", updated.ID)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "opus", updated.Model)

	got, err := s.GetAgent("a1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestStore_ConfigureAgentErrorAbortsWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateAgent(testAgent("a1", "reviewer")))

	_, err := s.ConfigureAgent("a1", func(def *models.SubagentDefinition) error {
		def.Enabled = false
		return fmt.Errorf("nope")
	})
	require.Error(t, err)

	got, err := s.GetAgent("a1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func TestStore_ConfigureUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ConfigureAgent("ghost", func(*models.SubagentDefinition) error { return nil })
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestStore_CurrentAgent(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.CurrentAgentID())

	require.NoError(t, s.CreateAgent(testAgent("a1", "reviewer")))
	require.NoError(t, s.SetCurrentAgent("a1"))
	assert.Equal(t, "a1", s.CurrentAgentID())

	assert.ErrorIs(t, s.SetCurrentAgent("ghost"), ErrAgentNotFound)

	require.NoError(t, s.SetCurrentAgent(""))
	assert.Empty(t, s.CurrentAgentID())
}

func TestStore_AppendRunAndReadBack(t *testing.T) {
	s := newTestStore(t)

	record, payload := testRun("r1", time.Now().UTC())
	require.NoError(t, s.AppendRun(record, payload))

	runs := s.Runs("", 0)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].RunID)
	assert.NotEmpty(t, runs[0].OutputPath)

	got, err := s.GetRunPayload("r1")
	require.NoError(t, err)
	assert.Equal(t, "output for r1", got.Output)
}

func TestStore_RunsNewestFirstWithLimitAndFilter(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		record, payload := testRun(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Minute))
		if i == 2 {
			record.AgentID = "other"
		}
		require.NoError(t, s.AppendRun(record, payload))
	}

	runs := s.Runs("", 0)
	require.Len(t, runs, 3)
	assert.Equal(t, "r3", runs[0].RunID)
	assert.Equal(t, "r1", runs[2].RunID)

	assert.Len(t, s.Runs("", 2), 2)

	filtered := s.Runs("a1", 0)
	require.Len(t, filtered, 2)
	assert.Equal(t, "r3", filtered[0].RunID)
	assert.Equal(t, "r1", filtered[1].RunID)
}

func TestStore_RunRingEvictsOldestAndPrunesPayload(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	for i := 0; i < models.MaxRunRecords+1; i++ {
		record, payload := testRun(fmt.Sprintf("r%03d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.AppendRun(record, payload))
	}

	runs := s.Runs("", 0)
	assert.Len(t, runs, models.MaxRunRecords)
	assert.Equal(t, "r100", runs[0].RunID)

	// The evicted run's payload file is gone.
	_, err := s.GetRunPayload("r000")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.GetRunPayload("r100")
	assert.NoError(t, err)
}

func TestStore_GetRunPayloadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRunPayload("ghost")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_StateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.CreateAgent(testAgent("a1", "reviewer")))
	require.NoError(t, s.SetCurrentAgent("a1"))
	record, payload := testRun("r1", time.Now().UTC())
	require.NoError(t, s.AppendRun(record, payload))

	s2, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, "a1", s2.CurrentAgentID())
	assert.Len(t, s2.Agents(), 1)
	assert.Len(t, s2.Runs("", 0), 1)
}

func TestStore_MergePreservesForeignWrites(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.CreateAgent(testAgent("a1", "reviewer")))

	// A second process adds its own agent.
	other, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, other.CreateAgent(testAgent("a2", "builder")))

	// The first store's next write must not clobber the foreign agent.
	require.NoError(t, s.CreateAgent(testAgent("a3", "tester")))

	s3, err := New(dir)
	require.NoError(t, err)
	assert.Len(t, s3.Agents(), 3)
}

func TestStore_RefreshPicksUpDiskChanges(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	other, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, other.CreateAgent(testAgent("a1", "reviewer")))

	assert.Empty(t, s.Agents())
	require.NoError(t, s.Refresh())
	assert.Len(t, s.Agents(), 1)
}

func TestWithFileLock_RunsFunction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	ran := false
	require.NoError(t, WithFileLock(path, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	// The lock file exists and is released afterwards.
	_, err := os.Stat(path)
	assert.NoError(t, err)
	require.NoError(t, WithFileLock(path, func() error { return nil }))
}
