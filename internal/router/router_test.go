package router

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/registry"
)

type capturingDispatcher struct {
	mu     sync.Mutex
	frames []message.RawFrame
}

func (d *capturingDispatcher) Dispatch(frame message.RawFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, frame)
}

func (d *capturingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestPassiveRouterDispatchesIncomingFrames(t *testing.T) {
	addr := freeAddr(t)
	disp := &capturingDispatcher{}
	reg := registry.NewRouterRegistry()
	r := New(Passive, addr, "backend-1", disp, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	defer r.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, []byte("ping")))

	waitUntil(t, 2*time.Second, func() bool { return disp.count() == 1 })
	assert.Equal(t, []byte("ping"), disp.frames[0].Body)
	assert.NotEmpty(t, disp.frames[0].Identity, "passive mode tags frames with the peer identity")
}

func TestPassiveRouterSendRoutesToMatchingIdentity(t *testing.T) {
	addr := freeAddr(t)
	disp := &capturingDispatcher{}
	r := New(Passive, addr, "backend-2", disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	defer r.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Trigger acceptLoop to register the peer under its remote addr identity.
	require.NoError(t, writeFrame(conn, []byte("hello")))
	waitUntil(t, 2*time.Second, func() bool { return disp.count() == 1 })

	identity := disp.frames[0].Identity

	r.Send(message.RawFrame{Identity: identity, Body: []byte("reply")})

	body, err := readFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), body)
}

func TestPassiveRouterSendToUnknownIdentityDropsSilently(t *testing.T) {
	addr := freeAddr(t)
	disp := &capturingDispatcher{}
	r := New(Passive, addr, "backend-3", disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	defer r.Close()

	assert.NotPanics(t, func() {
		r.Send(message.RawFrame{Identity: []byte("ghost"), Body: []byte("x")})
	})
}

func TestActiveRouterSendWritesOverOutboundConnection(t *testing.T) {
	addr := freeAddr(t)

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	disp := &capturingDispatcher{}
	r := New(Active, addr, "backend-4", disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	defer r.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never accepted the active router's dial")
	}
	defer server.Close()

	r.Send(message.RawFrame{Body: []byte("out")})

	body, err := readFrame(bufio.NewReader(server))
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), body)
}
