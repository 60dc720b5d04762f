// Package router implements the two-socket frontend/backend broker: a
// frontend socket (passive, listening for remote peers such as worker
// processes or the center; or active, dialing out to one) and a backend
// that local connectors address directly — there is no remote "backend
// socket" to speak of, since the backend is always in-process (§4.1).
package router

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/registry"
)

// Mode selects the frontend socket's behavior.
type Mode int

const (
	// Passive binds a listening endpoint, accepts remote peers, and
	// preserves a per-peer identity prefix on every frame.
	Passive Mode = iota
	// Active dials out to one remote passive router. Identity is empty
	// on send and on receive.
	Active
)

// Dispatcher receives decoded raw frames arriving at the frontend.
type Dispatcher interface {
	Dispatch(frame message.RawFrame)
}

// Router is a single-threaded poll loop servicing one frontend socket
// (passive or active) on behalf of a dispatcher, and accepting backend
// egress from local connectors via Send.
type Router struct {
	mode       Mode
	addr       string
	backendID  string
	dispatcher Dispatcher
	registry   *registry.RouterRegistry

	mu    sync.RWMutex
	peers map[string]net.Conn // passive mode: identity -> connection

	activeConn net.Conn // active mode: the single outbound connection

	listener net.Listener
}

// New creates a router. backendID names this router's backend address in
// the router registry (used for shutdown coordination).
func New(mode Mode, addr, backendID string, dispatcher Dispatcher, reg *registry.RouterRegistry) *Router {
	return &Router{
		mode:       mode,
		addr:       addr,
		backendID:  backendID,
		dispatcher: dispatcher,
		registry:   reg,
		peers:      make(map[string]net.Conn),
	}
}

// Send is the backend-ingress entrypoint: local connectors call it to push
// a frame toward the frontend. In passive mode the frame is routed to the
// peer matching Identity; in active mode Identity is ignored and the body
// goes out over the single outbound connection.
func (r *Router) Send(frame message.RawFrame) {
	if r.mode == Active {
		r.mu.RLock()
		conn := r.activeConn
		r.mu.RUnlock()
		if conn == nil {
			return
		}
		if err := writeFrame(conn, frame.Body); err != nil {
			logx.Logger.Warn().Err(err).Msg("router: active frontend write failed")
		}
		return
	}

	r.mu.RLock()
	conn, ok := r.peers[string(frame.Identity)]
	r.mu.RUnlock()
	if !ok {
		logx.Logger.Warn().Str("identity", string(frame.Identity)).
			Msg("router: no passive peer for identity, dropping frame")
		return
	}
	if err := writeFrame(conn, frame.Body); err != nil {
		logx.Logger.Warn().Err(err).Msg("router: passive frontend write failed")
	}
}

// Start begins servicing the frontend socket. It registers itself with the
// router registry (so a connector elsewhere can trigger shutdown) and
// returns once listening/dialing has succeeded or failed.
func (r *Router) Start(ctx context.Context) error {
	if r.registry != nil {
		r.registry.Register(r.backendID, sendableFunc(r.Send))
	}

	switch r.mode {
	case Passive:
		ln, err := net.Listen("tcp", r.addr)
		if err != nil {
			return fmt.Errorf("router: listen %s: %w", r.addr, err)
		}
		r.listener = ln
		go r.acceptLoop(ctx)
		return nil
	case Active:
		conn, err := net.Dial("tcp", r.addr)
		if err != nil {
			return fmt.Errorf("router: dial %s: %w", r.addr, err)
		}
		r.mu.Lock()
		r.activeConn = conn
		r.mu.Unlock()
		go r.readLoop(ctx, conn, nil)
		return nil
	default:
		return fmt.Errorf("router: unknown mode %d", r.mode)
	}
}

// Close tears down the frontend socket and any accepted connections.
func (r *Router) Close() {
	if r.listener != nil {
		_ = r.listener.Close()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeConn != nil {
		_ = r.activeConn.Close()
	}
	for _, c := range r.peers {
		_ = c.Close()
	}
}

func (r *Router) acceptLoop(ctx context.Context) {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if r.registry != nil && r.registry.ShouldShutdown(r.backendID) {
					return
				}
				logx.Logger.Warn().Err(err).Msg("router: accept failed")
				return
			}
		}

		identity := conn.RemoteAddr().String()
		r.mu.Lock()
		r.peers[identity] = conn
		r.mu.Unlock()

		go r.readLoop(ctx, conn, []byte(identity))
	}
}

func (r *Router) readLoop(ctx context.Context, conn net.Conn, identity []byte) {
	br := bufio.NewReader(conn)
	for {
		body, err := readFrame(br)
		if err != nil {
			if r.mode == Passive {
				r.mu.Lock()
				delete(r.peers, string(identity))
				r.mu.Unlock()
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		r.dispatcher.Dispatch(message.RawFrame{Identity: identity, Body: body})
	}
}

// sendableFunc adapts a plain func into the task.Sendable-shaped interface
// the router registry expects, without importing the task package here
// (Send accepts `any`, narrowed by the registry's callers).
type sendableFunc func(message.RawFrame)

func (f sendableFunc) Send(msg any) {
	frame, ok := msg.(message.RawFrame)
	if !ok {
		return
	}
	f(frame)
}
