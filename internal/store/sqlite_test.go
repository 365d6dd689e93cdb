// ABOUTME: Tests for the SQLite store covering snapshots, processes, and safety cache.
// ABOUTME: Uses temp-file databases; verifies upsert, summary append, and batch replace.

package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testSnapshot(id string) *AgentSnapshot {
	return &AgentSnapshot{
		ID:            id,
		Name:          "build-box",
		Email:         "ops@example.com",
		CPU:           42.5,
		Memory:        61.2,
		Disk:          38.0,
		ProcessCount:  187,
		Status:        StatusOnline,
		LastHeartbeat: time.Now().UTC().Truncate(time.Second),
	}
}

func TestStore_SaveSnapshot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("agt_1")))

	got, err := store.GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, "agt_1", got.ID)
	assert.Equal(t, "build-box", got.Name)
	assert.Equal(t, 42.5, got.CPU)
	assert.Equal(t, StatusOnline, got.Status)
	assert.Contains(t, got.Summary, "cpu=42.5")
}

func TestStore_SaveSnapshot_UpsertAppendsSummary(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	snap := testSnapshot("agt_1")
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	snap.CPU = 95.0
	snap.Status = StatusOffline
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	got, err := store.GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, 95.0, got.CPU)
	assert.Equal(t, StatusOffline, got.Status)

	// Summary log keeps both lines, in order.
	lines := strings.Split(strings.TrimSpace(got.Summary), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "cpu=42.5")
	assert.Contains(t, lines[1], "cpu=95.0")
}

func TestStore_SaveSnapshot_EmptyNameDoesNotClobber(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("agt_1")))

	update := testSnapshot("agt_1")
	update.Name = ""
	update.Email = ""
	require.NoError(t, store.SaveSnapshot(ctx, update))

	got, err := store.GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, "build-box", got.Name)
	assert.Equal(t, "ops@example.com", got.Email)
}

func TestStore_GetAgent_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetAgent(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListAgents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("agt_b")))
	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("agt_a")))

	agents, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "agt_a", agents[0].ID)
	assert.Equal(t, "agt_b", agents[1].ID)
}

func TestStore_SaveProcessBatch_Replaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	n, err := store.SaveProcessBatch(ctx, "agt_1", []ProcessRecord{
		{PID: 100, Name: "nginx", CPUUsage: 1.5, MemoryUsage: 2.0, Status: "running"},
		{PID: 200, Name: "cryptominer", CPUUsage: 99.0, MemoryUsage: 40.0, Status: "running"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Second batch replaces the first entirely.
	n, err = store.SaveProcessBatch(ctx, "agt_1", []ProcessRecord{
		{PID: 300, Name: "postgres", CPUUsage: 3.0, MemoryUsage: 10.0, Status: "running"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	safety, err := store.GetCachedSafety(ctx, "agt_1")
	require.NoError(t, err)
	require.Len(t, safety, 1)
	assert.Contains(t, safety, "postgres")
}

func TestStore_SafetyDefaultsAndUpdate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.SaveProcessBatch(ctx, "agt_1", []ProcessRecord{
		{PID: 100, Name: "  Nginx ", Status: "running"},
	})
	require.NoError(t, err)

	// Defaults applied on insert.
	safety, err := store.GetCachedSafety(ctx, "agt_1")
	require.NoError(t, err)
	info, ok := safety["nginx"]
	require.True(t, ok, "key must be trimmed and lowercased")
	assert.Equal(t, "unknown", info.Flag)
	assert.Equal(t, "Not yet analyzed", info.Reason)

	// Classification update matches case-insensitively.
	require.NoError(t, store.UpdateProcessSafety(ctx, "agt_1", "NGINX", "safe", "Common web server"))

	safety, err = store.GetCachedSafety(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, "safe", safety["nginx"].Flag)
	assert.Equal(t, "Common web server", safety["nginx"].Reason)
}

func TestStore_GetCachedSafety_ScopedToAgent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.SaveProcessBatch(ctx, "agt_1", []ProcessRecord{{PID: 1, Name: "nginx"}})
	require.NoError(t, err)
	_, err = store.SaveProcessBatch(ctx, "agt_2", []ProcessRecord{{PID: 2, Name: "redis"}})
	require.NoError(t, err)

	safety, err := store.GetCachedSafety(ctx, "agt_1")
	require.NoError(t, err)
	assert.Contains(t, safety, "nginx")
	assert.NotContains(t, safety, "redis")
}

func TestStore_SaveInsight(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("agt_1")))
	require.NoError(t, store.SaveInsight(ctx, "agt_1", "CPU trending high since noon.", "2026-08-31"))

	got, err := store.GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, "CPU trending high since noon.", got.DailyInsights)
	assert.Equal(t, "2026-08-31", got.InsightDate)

	// Unknown agent
	assert.ErrorIs(t, store.SaveInsight(ctx, "ghost", "text", "2026-08-31"), ErrNotFound)
}

func TestStore_UpdateAlertMessage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, testSnapshot("agt_1")))
	require.NoError(t, store.UpdateAlertMessage(ctx, "agt_1", "CPU: HIGH"))

	got, err := store.GetAgent(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, "CPU: HIGH", got.AlertMessage)

	assert.ErrorIs(t, store.UpdateAlertMessage(ctx, "ghost", "x"), ErrNotFound)
}
