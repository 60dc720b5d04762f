package taskwriter

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/legion/internal/message"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "recordings.db"), 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriterReplayReturnsPayloadsInArrivalOrder(t *testing.T) {
	db := openTestDB(t)
	reg := NewRegistry(db)
	w := reg.Register("probe")

	w.Send(message.WorkerPayload{TaskUUID: "t1", Data: "first"})
	w.Send(message.WorkerPayload{TaskUUID: "t1", Data: "second"})
	w.Send(message.WorkerPayload{TaskUUID: "other", Data: "unrelated"})

	got, err := w.Replay("t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Data)
	assert.Equal(t, "second", got[1].Data)
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	reg := NewRegistry(db)

	w1 := reg.Register("probe")
	w2 := reg.Register("probe")
	assert.Same(t, w1, w2)
}

func TestRegistryGetWriterReportsUnknownNames(t *testing.T) {
	db := openTestDB(t)
	reg := NewRegistry(db)
	reg.Register("known")

	_, ok := reg.GetWriter("unknown")
	assert.False(t, ok)

	_, ok = reg.GetWriter("known")
	assert.True(t, ok)
}
