// Package taskreader implements the task reader external collaborator
// (§6): pre-recorded worker messages are fetched over a persistent,
// reconnecting WebSocket connection to an archive service and replayed to
// a task's client in place of a live worker, grounded on the reconnecting
// client idiom (dial, read loop, pending-request table keyed by request
// id, fail in-flight requests on disconnect).
package taskreader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/task"
)

// Source is a persistent WebSocket connection to an archive service that
// answers "give me the recorded frames for task name X" requests.
type Source struct {
	url string

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex
	pending sync.Map // request id -> chan fetchResult

	idSeq atomic.Int64

	reconnectDelay time.Duration
	log            zerolog.Logger
}

type fetchResult struct {
	frames []message.WorkerPayload
	err    error
}

type inbound struct {
	Type    string                  `json:"type"`
	ID      string                  `json:"id,omitempty"`
	Frames  []message.WorkerPayload `json:"frames,omitempty"`
	Message string                  `json:"message,omitempty"`
}

// NewSource builds a disconnected archive-service client. Call Run in its
// own goroutine to connect and keep reconnecting until ctx is cancelled.
func NewSource(url string) *Source {
	return &Source{
		url:            url,
		reconnectDelay: 5 * time.Second,
		log:            logx.WithComponent("taskreader").Logger(),
	}
}

// Run connects and reconnects until ctx is cancelled.
func (s *Source) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connect(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Dur("retry_in", s.reconnectDelay).Msg("taskreader: archive connection lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Source) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		conn.Close()
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()

		s.pending.Range(func(k, v any) bool {
			v.(chan fetchResult) <- fetchResult{err: fmt.Errorf("taskreader: connection lost")}
			s.pending.Delete(k)
			return true
		})
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(raw)
	}
}

func (s *Source) dispatch(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Warn().Err(err).Msg("taskreader: malformed archive message")
		return
	}

	switch msg.Type {
	case "frames":
		if ch, ok := s.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan fetchResult) <- fetchResult{frames: msg.Frames}
		}
	case "error":
		if ch, ok := s.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan fetchResult) <- fetchResult{err: fmt.Errorf("taskreader: %s", msg.Message)}
		}
	}
}

func (s *Source) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("taskreader: not connected to archive service")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *Source) nextID() string {
	return fmt.Sprintf("r%d", s.idSeq.Add(1))
}

// Fetch requests the recorded frames for taskName and waits for a reply.
func (s *Source) Fetch(ctx context.Context, taskName string) ([]message.WorkerPayload, error) {
	id := s.nextID()
	ch := make(chan fetchResult, 1)
	s.pending.Store(id, ch)

	if err := s.send(map[string]any{"type": "fetch", "id": id, "task_name": taskName}); err != nil {
		s.pending.Delete(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.frames, res.err
	case <-ctx.Done():
		s.pending.Delete(id)
		return nil, ctx.Err()
	case <-time.After(15 * time.Second):
		s.pending.Delete(id)
		return nil, fmt.Errorf("taskreader: timeout waiting for recorded frames")
	}
}

// Reader stands in for a controller for every task sharing one task name:
// a client registers, sends its initial payload, and receives the
// recorded frames replayed back as if a live worker produced them.
type Reader struct {
	taskName string
	source   *Source

	mu      sync.Mutex
	clients map[string]task.Sendable

	log zerolog.Logger
}

var _ task.Sendable = (*Reader)(nil)

func newReader(taskName string, source *Source) *Reader {
	return &Reader{
		taskName: taskName,
		source:   source,
		clients:  make(map[string]task.Sendable),
		log:      logx.WithComponent("taskreader").With().Str("task_name", taskName).Logger(),
	}
}

// RegisterClient binds a client recipient to a task uuid, mirroring the
// controller's registration call (§4.4) so a task client's start-up logic
// works unmodified against either a controller or a reader.
func (r *Reader) RegisterClient(taskUUID, taskName string, recipient task.Sendable) {
	r.mu.Lock()
	r.clients[taskUUID] = recipient
	r.mu.Unlock()
}

// Send receives the client's initial payload and triggers an async replay
// — fetching from the archive service may block on the network, so it
// must not run on the client's own arbiter.
func (r *Reader) Send(msg any) {
	payload, ok := msg.(message.WorkerPayload)
	if !ok {
		return
	}
	go r.replay(payload.TaskUUID)
}

func (r *Reader) replay(taskUUID string) {
	frames, err := r.source.Fetch(context.Background(), r.taskName)
	if err != nil {
		r.log.Warn().Err(err).Str("task_uuid", taskUUID).Msg("taskreader: replay fetch failed")
		return
	}

	r.mu.Lock()
	recipient, ok := r.clients[taskUUID]
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, frame := range frames {
		frame.TaskUUID = taskUUID
		recipient.Send(frame)
	}
}

// Registry resolves a task name to its reader, for names explicitly
// configured as replay-backed (task_readers.* in config) rather than
// live-worker-backed.
type Registry struct {
	mu      sync.Mutex
	source  *Source
	readers map[string]*Reader
}

// NewRegistry builds an empty reader registry over one archive source.
func NewRegistry(source *Source) *Registry {
	return &Registry{source: source, readers: make(map[string]*Reader)}
}

// Register configures taskName as replay-backed.
func (reg *Registry) Register(taskName string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.readers[taskName]; exists {
		return
	}
	reg.readers[taskName] = newReader(taskName, reg.source)
}

// GetReader implements externals.TaskReader / processor.TaskReaders.
func (reg *Registry) GetReader(taskName string) (task.Sendable, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.readers[taskName]
	return r, ok
}
