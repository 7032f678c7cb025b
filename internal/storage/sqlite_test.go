package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/guardian/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJinxCallRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	id, err := s.LogJinxCall(&models.JinxCall{
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		TeamName:       "crew",
		GuardianName:   "scribe",
		JinxName:       "summarize",
		Inputs:         map[string]any{"document": "report"},
		Output:         map[string]any{"output": "short version"},
		Status:         models.CallStatusSuccess,
		DurationMS:     125,
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	calls, err := s.ListJinxCalls(10)
	require.NoError(t, err)
	require.Len(t, calls, 1)

	call := calls[0]
	assert.Equal(t, "conv-1", call.ConversationID)
	assert.Equal(t, "scribe", call.GuardianName)
	assert.Equal(t, "summarize", call.JinxName)
	assert.Equal(t, map[string]any{"document": "report"}, call.Inputs)
	assert.Equal(t, map[string]any{"output": "short version"}, call.Output)
	assert.Equal(t, models.CallStatusSuccess, call.Status)
	assert.Equal(t, int64(125), call.DurationMS)
}

func TestListJinxCallsNewestFirst(t *testing.T) {
	s := newTestStorage(t)

	for _, name := range []string{"first", "second", "third"} {
		_, err := s.LogJinxCall(&models.JinxCall{JinxName: name, Status: models.CallStatusSuccess})
		require.NoError(t, err)
	}

	calls, err := s.ListJinxCalls(2)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "third", calls[0].JinxName)
	assert.Equal(t, "second", calls[1].JinxName)
}

func TestPipelineRuns(t *testing.T) {
	s := newTestStorage(t)

	runID, err := s.CreatePipelineRun("daily_digest", "abc123")
	require.NoError(t, err)

	runs, err := s.ListPipelineRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
	assert.Equal(t, "daily_digest", runs[0].Name)
	assert.Equal(t, "abc123", runs[0].Hash)
}

func TestResultsTableName(t *testing.T) {
	assert.Equal(t, "daily_digest_results", ResultsTableName("daily_digest"))
	// Hostile names are flattened into identifier characters.
	assert.Equal(t, "a_b_c_results", ResultsTableName("a b;c"))
}

func TestStepResults(t *testing.T) {
	s := newTestStorage(t)

	table, err := s.EnsureResultsTable("digest")
	require.NoError(t, err)
	assert.Equal(t, "digest_results", table)

	runID, err := s.CreatePipelineRun("digest", "hash")
	require.NoError(t, err)

	require.NoError(t, s.StoreStepResult(table, &models.StepResult{
		RunID:        runID,
		StepName:     "gather",
		GuardianName: "scribe",
		Model:        "llama3.2",
		Provider:     "ollama",
		Inputs:       map[string]any{"task": "gather news"},
		Outputs:      "the news",
	}))
	require.NoError(t, s.StoreStepResult(table, &models.StepResult{
		RunID:    runID,
		StepName: "rank",
		Outputs:  []any{"a", "b"},
	}))

	results, err := s.GetStepResults(table, runID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "gather", results[0].StepName)
	assert.Equal(t, "the news", results[0].Outputs)
	assert.Equal(t, []any{"a", "b"}, results[1].Outputs)

	// Other runs do not leak in.
	otherRun, err := s.CreatePipelineRun("digest", "hash")
	require.NoError(t, err)
	empty, err := s.GetStepResults(table, otherRun)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFetchTable(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.SaveMessage(&models.MessageRow{GuardianName: "scribe", Role: "user", Content: "hi"}))
	require.NoError(t, s.SaveMessage(&models.MessageRow{GuardianName: "scribe", Role: "assistant", Content: "hello"}))

	rows, err := s.FetchTable("messages")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "hi", rows[0]["content"])
	assert.Equal(t, "hello", rows[1]["content"])
}

func TestFetchTableRejectsBadIdent(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.FetchTable("messages; DROP TABLE messages")
	assert.Error(t, err)
}

func TestEntityLog(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.LogEntry("crew", "orchestration_start", map[string]any{"request": "do things"}, nil))
	require.NoError(t, s.LogEntry("crew", "iteration", map[string]any{"n": 1}, map[string]any{"extra": true}))
	require.NoError(t, s.LogEntry("other", "orchestration_start", "x", nil))

	entries, err := s.GetLogEntries("crew", "", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	starts, err := s.GetLogEntries("crew", "orchestration_start", 10)
	require.NoError(t, err)
	require.Len(t, starts, 1)
	assert.Equal(t, map[string]any{"request": "do things"}, starts[0].Content)
}

func TestRecentMessagesWindow(t *testing.T) {
	s := newTestStorage(t)

	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		require.NoError(t, s.SaveMessage(&models.MessageRow{
			GuardianName: "scribe",
			Role:         role,
			Content:      string(rune('a' + i)),
		}))
	}
	require.NoError(t, s.SaveMessage(&models.MessageRow{GuardianName: "other", Role: "user", Content: "noise"}))

	msgs, err := s.RecentMessages("scribe", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// Newest three, in chronological order.
	assert.Equal(t, "c", msgs[0].Content)
	assert.Equal(t, "d", msgs[1].Content)
	assert.Equal(t, "e", msgs[2].Content)
}
