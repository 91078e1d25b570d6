package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := Run{
		SessionID:  "default",
		Mode:       "start",
		Options:    []string{"--mode", "casc"},
		InputBytes: 5,
		State:      "finished",
		Outcome:    "refutation",
		LineCount:  2,
		Duration:   1500 * time.Millisecond,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	id, err := s.Record(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = s.Record(ctx, Run{SessionID: "other", Mode: "select", State: "errored", Error: "TIMEOUT"})
	require.NoError(t, err)

	runs, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "other", runs[0].SessionID, "newest first")
	assert.Equal(t, "TIMEOUT", runs[0].Error)
	assert.Nil(t, runs[0].Options)

	got := runs[1]
	assert.Equal(t, []string{"--mode", "casc"}, got.Options)
	assert.Equal(t, "refutation", got.Outcome)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt))
}

func TestList_FiltersBySessionAndLimit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Record(ctx, Run{SessionID: "a", Mode: "start", State: "finished"})
		require.NoError(t, err)
	}
	_, err := s.Record(ctx, Run{SessionID: "b", Mode: "start", State: "finished"})
	require.NoError(t, err)

	runs, err := s.List(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, "a", r.SessionID)
	}
}

func TestList_Empty(t *testing.T) {
	runs, err := openStore(t).List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.NotNil(t, runs)
	assert.Empty(t, runs)
}

func TestRecord_ClosedStore(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	s.Close()

	_, err = s.Record(context.Background(), Run{SessionID: "a", Mode: "start", State: "idle"})
	assert.Error(t, err)
}
