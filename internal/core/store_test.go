package core

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/minionctl/pkg/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	id, err := s.BeginRun(ctx, "calamari.example.com", 2)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.RecordHost(ctx, id, 0, api.HostResult{
		Target:   api.HostTarget{Host: "ceph-0", User: "root", Port: 22},
		Distro:   "SLES 15.5",
		Status:   api.HostSucceeded,
		Duration: 1500 * time.Millisecond,
	}))
	require.NoError(t, s.RecordHost(ctx, id, 1, api.HostResult{
		Target: api.HostTarget{Host: "ceph-1"},
		Status: api.HostPending,
	}))
	require.NoError(t, s.RecordHost(ctx, id, 1, api.HostResult{
		Target: api.HostTarget{Host: "ceph-1"},
		Distro: "Ubuntu 22.04 jammy",
		Status: api.HostFailed,
		Err:    errors.New("ceph-1: platform is not supported: Ubuntu jammy 22.04"),
	}))

	s.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, s.FinishRun(ctx, id, api.RunFailed))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, "calamari.example.com", runs[0].Master)
	assert.Equal(t, 2, runs[0].HostCount)
	assert.Equal(t, api.RunFailed, runs[0].Status)
	assert.True(t, runs[0].StartedAt.Equal(base))
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, runs[0].FinishedAt.Equal(base.Add(time.Minute)))

	hosts, err := s.HostResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, api.HostTarget{Host: "ceph-0", User: "root", Port: 22}, hosts[0].Target)
	assert.Equal(t, 1500*time.Millisecond, hosts[0].Duration)
	assert.Equal(t, api.HostFailed, hosts[1].Status, "later records for a position replace earlier ones")
	assert.Contains(t, hosts[1].Error, "not supported")
}

func TestStoreListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		s.now = func() time.Time { return at }
		id, err := s.BeginRun(ctx, "m", 1)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, api.RunRunning, runs[0].Status)
}

func TestStoreFinishUnknownRun(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.FinishRun(context.Background(), "missing", api.RunSucceeded))
}

func TestStoreAsRecorder(t *testing.T) {
	s := newTestStore(t)
	p := newMockProvider()
	p.add("A", slesRelease)
	p.add("B", ubuntuRelease)

	_, err := newTestOrchestrator(p).WithRecorder(s).Connect(context.Background(), "m.example.com", hosts("A", "B"))
	require.Error(t, err)

	runs, err := s.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, api.RunFailed, runs[0].Status)

	results, err := s.HostResults(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, api.HostSucceeded, results[0].Status)
	assert.Equal(t, "SLES 15.5", results[0].Distro)
	assert.Equal(t, api.HostFailed, results[1].Status)
}
