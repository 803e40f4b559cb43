package jobregistry

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Lifecycle(t *testing.T) {
	s := NewStore(t.TempDir())
	r, err := Begin(s, Record{CampaignID: "c-1", Strategy: "batch", Input: "./images"})
	require.NoError(t, err)

	got, err := s.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, os.Getpid(), got.PID)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, r.Heartbeat(10, 1))
	got, err = s.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.NumJobs)
	assert.Equal(t, StateRunning, got.State, "own pid is never reported unknown")

	require.NoError(t, r.Succeed(Outcome{NumJobs: 10, Restarts: 2, ReportPath: "out.json", TotalCost: "7.5"}))
	got, err = s.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, got.State)
	assert.Equal(t, "out.json", got.ReportPath)
	assert.Equal(t, "7.5", got.TotalCost)
	require.NotNil(t, got.EndedAt)
	assert.GreaterOrEqual(t, got.Elapsed().Nanoseconds(), int64(0))

	assert.Error(t, r.Fail(Outcome{}, errors.New("late")), "a record ends once")
	require.NoError(t, r.Heartbeat(99, 9), "heartbeat after end is a no-op")
	assert.Equal(t, 10, r.Record().NumJobs)
}

func TestRecorder_Fail(t *testing.T) {
	s := NewStore(t.TempDir())
	r, err := Begin(s, Record{CampaignID: "c-2", Strategy: "burst"})
	require.NoError(t, err)

	require.NoError(t, r.Fail(Outcome{NumJobs: 3}, errors.New("upload cells.tif: denied")))
	got, err := s.Get("c-2")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "upload cells.tif: denied", got.Error)
	assert.True(t, got.State.Terminal())
}

func TestBegin_Validation(t *testing.T) {
	_, err := Begin(nil, Record{CampaignID: "x"})
	require.Error(t, err)

	_, err = Begin(NewStore(t.TempDir()), Record{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "campaign_id")
}
