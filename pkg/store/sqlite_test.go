package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/console/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPortForwardCRUD(t *testing.T) {
	s := newTestStore(t)

	pf := &models.PortForward{
		ID:         "pf-1",
		Cluster:    "staging",
		Namespace:  "default",
		Pod:        "web-0",
		TargetPort: "8080",
		Port:       "41234",
		Status:     models.PortForwardRunning,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.SavePortForward(pf))

	got, err := s.GetPortForward("staging", "pf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "web-0", got.Pod)
	require.Equal(t, models.PortForwardRunning, got.Status)
	require.WithinDuration(t, pf.CreatedAt, got.CreatedAt, time.Second)

	// Upsert with new status keeps the same record
	pf.Status = models.PortForwardStopped
	require.NoError(t, s.SavePortForward(pf))
	got, err = s.GetPortForward("staging", "pf-1")
	require.NoError(t, err)
	require.Equal(t, models.PortForwardStopped, got.Status)

	list, err := s.ListPortForwards("staging")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeletePortForward("staging", "pf-1"))
	got, err = s.GetPortForward("staging", "pf-1")
	require.NoError(t, err)
	require.Nil(t, got)

	list, err = s.ListPortForwards("staging")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestGetPortForwardMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetPortForward("staging", "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListPortForwardsScopedToCluster(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC()
	for i, cluster := range []string{"east", "east", "west"} {
		pf := &models.PortForward{
			ID:         "pf-" + cluster + string(rune('a'+i)),
			Cluster:    cluster,
			Namespace:  "default",
			Pod:        "web-0",
			TargetPort: "80",
			Port:       "40000",
			Status:     models.PortForwardRunning,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SavePortForward(pf))
	}

	east, err := s.ListPortForwards("east")
	require.NoError(t, err)
	require.Len(t, east, 2)

	west, err := s.ListPortForwards("west")
	require.NoError(t, err)
	require.Len(t, west, 1)
}

func TestMarkStalePortForwardsStopped(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().UTC()
	for id, status := range map[string]models.PortForwardStatus{
		"running": models.PortForwardRunning,
		"stopped": models.PortForwardStopped,
		"failed":  models.PortForwardFailed,
	} {
		require.NoError(t, s.SavePortForward(&models.PortForward{
			ID: id, Cluster: "c", Namespace: "ns", Pod: "p",
			TargetPort: "80", Port: "40000", Status: status, CreatedAt: now,
		}))
	}

	require.NoError(t, s.MarkStalePortForwardsStopped())

	for id, want := range map[string]models.PortForwardStatus{
		"running": models.PortForwardStopped,
		"stopped": models.PortForwardStopped,
		"failed":  models.PortForwardFailed,
	} {
		got, err := s.GetPortForward("c", id)
		require.NoError(t, err)
		require.Equal(t, want, got.Status, "record %s", id)
	}
}

func TestDrainOperationLifecycle(t *testing.T) {
	s := newTestStore(t)

	started := time.Now().UTC()
	op := &models.DrainOperation{
		ID:        "drain-1",
		Cluster:   "staging",
		NodeName:  "node-a",
		Status:    models.DrainInProgress,
		StartedAt: started,
	}
	require.NoError(t, s.SaveDrainOperation(op))

	got, err := s.GetNodeDrain("staging", "node-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, models.DrainInProgress, got.Status)
	require.Nil(t, got.FinishedAt)

	finished := started.Add(30 * time.Second)
	op.Status = models.DrainSucceeded
	op.FinishedAt = &finished
	require.NoError(t, s.SaveDrainOperation(op))

	got, err = s.GetDrainOperation("drain-1")
	require.NoError(t, err)
	require.Equal(t, models.DrainSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.WithinDuration(t, finished, *got.FinishedAt, time.Second)
}

func TestGetNodeDrainReturnsLatest(t *testing.T) {
	s := newTestStore(t)

	first := time.Now().UTC()
	require.NoError(t, s.SaveDrainOperation(&models.DrainOperation{
		ID: "drain-1", Cluster: "c", NodeName: "node-a",
		Status: models.DrainFailed, StartedAt: first,
	}))
	require.NoError(t, s.SaveDrainOperation(&models.DrainOperation{
		ID: "drain-2", Cluster: "c", NodeName: "node-a",
		Status: models.DrainInProgress, StartedAt: first.Add(time.Minute),
	}))

	got, err := s.GetNodeDrain("c", "node-a")
	require.NoError(t, err)
	require.Equal(t, "drain-2", got.ID)

	ops, err := s.ListDrainOperations("c")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, "drain-2", ops[0].ID)
}

func TestGetNodeDrainMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetNodeDrain("c", "node-z")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMarkStaleDrainsFailed(t *testing.T) {
	s := newTestStore(t)

	started := time.Now().UTC()
	finished := started.Add(time.Minute)
	require.NoError(t, s.SaveDrainOperation(&models.DrainOperation{
		ID: "stale", Cluster: "c", NodeName: "node-a",
		Status: models.DrainInProgress, StartedAt: started,
	}))
	require.NoError(t, s.SaveDrainOperation(&models.DrainOperation{
		ID: "done", Cluster: "c", NodeName: "node-b",
		Status: models.DrainSucceeded, StartedAt: started, FinishedAt: &finished,
	}))

	require.NoError(t, s.MarkStaleDrainsFailed())

	stale, err := s.GetDrainOperation("stale")
	require.NoError(t, err)
	require.Equal(t, models.DrainFailed, stale.Status)
	require.Equal(t, "interrupted by gateway restart", stale.Detail)
	require.NotNil(t, stale.FinishedAt)

	done, err := s.GetDrainOperation("done")
	require.NoError(t, err)
	require.Equal(t, models.DrainSucceeded, done.Status)
}
