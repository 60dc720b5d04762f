package appstate

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportEquivalentComparesOnlyNameAndURL(t *testing.T) {
	a := Report{Name: "svc", URL: "http://a", Status: StatusRunning, ActiveTaskUUIDs: []string{"x"}}
	b := Report{Name: "svc", URL: "http://a", Status: StatusIdle}

	assert.True(t, a.Equivalent(b), "status and active task set differences must not reopen a suppressed report")

	c := Report{Name: "svc", URL: "http://b"}
	assert.False(t, a.Equivalent(c))
}

func TestReadSnapshotRoundTripsThroughBbolt(t *testing.T) {
	dir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "app.db"), 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	defer db.Close()

	a := New("app-1", "svc", "http://svc", time.Hour, nil, db)
	a.addTask("task-1")

	r, err := ReadSnapshot(db, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "svc", r.Name)
	assert.Equal(t, StatusRunning, r.Status)
	assert.Equal(t, []string{"task-1"}, r.ActiveTaskUUIDs)
}

func TestReadSnapshotMissingAppErrors(t *testing.T) {
	dir := t.TempDir()
	db, err := bolt.Open(filepath.Join(dir, "app.db"), 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	defer db.Close()

	_, err = ReadSnapshot(db, "missing")
	assert.Error(t, err)
}
