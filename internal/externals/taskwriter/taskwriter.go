// Package taskwriter implements the task writer external collaborator
// (§6): a shadow-copy recipient the controller sends every client-bound
// worker message to, persisted to bbolt for later replay by a task reader.
package taskwriter

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/task"
)

var recordingBucket = []byte("task_recordings")

// Writer persists the messages it receives for one task name, keyed by
// task uuid then arrival sequence, so a later task reader can replay them
// in order.
type Writer struct {
	taskName string
	db       *bolt.DB

	mu  sync.Mutex
	seq map[string]uint64

	log zerolog.Logger
}

var _ task.Sendable = (*Writer)(nil)

func newWriter(taskName string, db *bolt.DB) *Writer {
	return &Writer{
		taskName: taskName,
		db:       db,
		seq:      make(map[string]uint64),
		log:      logx.WithComponent("taskwriter").With().Str("task_name", taskName).Logger(),
	}
}

// Send implements task.Sendable: the controller shadow-copies every
// client-bound worker message here (§4.4, "Reply routing").
func (w *Writer) Send(msg any) {
	payload, ok := msg.(message.WorkerPayload)
	if !ok {
		return
	}

	w.mu.Lock()
	n := w.seq[payload.TaskUUID]
	w.seq[payload.TaskUUID] = n + 1
	w.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		w.log.Warn().Err(err).Msg("taskwriter: failed to encode payload")
		return
	}

	key := fmt.Sprintf("%s/%020d", payload.TaskUUID, n)
	err = w.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordingBucket)
		if err != nil {
			return err
		}
		b, err = b.CreateBucketIfNotExists([]byte(w.taskName))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		w.log.Warn().Err(err).Msg("taskwriter: failed to persist payload")
	}
}

// Replay returns every recorded payload for taskUUID under this writer's
// task name, in arrival order — the counterpart an archive service would
// expose over the taskreader.Source protocol.
func (w *Writer) Replay(taskUUID string) ([]message.WorkerPayload, error) {
	var out []message.WorkerPayload
	prefix := []byte(taskUUID + "/")

	err := w.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(recordingBucket)
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(w.taskName))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var payload message.WorkerPayload
			if err := json.Unmarshal(v, &payload); err != nil {
				return err
			}
			out = append(out, payload)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Registry resolves a task name to its writer, for names explicitly
// configured for recording (task_writers.* in config).
type Registry struct {
	mu      sync.Mutex
	db      *bolt.DB
	writers map[string]*Writer
}

// NewRegistry builds an empty writer registry over one bbolt handle.
func NewRegistry(db *bolt.DB) *Registry {
	return &Registry{db: db, writers: make(map[string]*Writer)}
}

// Register configures taskName for recording.
func (reg *Registry) Register(taskName string) *Writer {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if w, exists := reg.writers[taskName]; exists {
		return w
	}
	w := newWriter(taskName, reg.db)
	reg.writers[taskName] = w
	return w
}

// GetWriter implements externals.TaskWriter / controller.TaskWriters.
func (reg *Registry) GetWriter(taskName string) (task.Sendable, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	w, ok := reg.writers[taskName]
	return w, ok
}

var _ = time.Now // keep time imported for future TTL-based pruning without an unused-import churn
