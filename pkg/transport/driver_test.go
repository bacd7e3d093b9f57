package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/manifest"
	"github.com/joeydtaylor/steeze-node/pkg/pending"
	"github.com/joeydtaylor/steeze-node/pkg/shutdown"
	"github.com/joeydtaylor/steeze-node/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broker struct {
	t      *testing.T
	conn   net.Conn
	w      *wire.Writer
	frames chan wire.Frame
}

func newBroker(t *testing.T, conn net.Conn) *broker {
	b := &broker{t: t, conn: conn, w: wire.NewWriter(conn), frames: make(chan wire.Frame, 64)}
	go func() {
		defer close(b.frames)
		r := wire.NewReader(conn)
		for {
			f, err := r.Read()
			if err != nil {
				return
			}
			b.frames <- f
		}
	}()
	return b
}

func (b *broker) send(f wire.Frame) {
	b.t.Helper()
	require.NoError(b.t, b.w.Write(f))
}

func (b *broker) next() wire.Frame {
	b.t.Helper()
	select {
	case f, ok := <-b.frames:
		require.True(b.t, ok, "stream closed")
		return f
	case <-time.After(2 * time.Second):
		b.t.Fatal("no frame from node")
		return wire.Frame{}
	}
}

type execFunc func(ctx context.Context, req wire.Request) ([]byte, error)

func (f execFunc) Execute(ctx context.Context, req wire.Request) ([]byte, error) { return f(ctx, req) }

func echo(_ context.Context, req wire.Request) ([]byte, error) {
	if req.ID != 0 {
		return nil, apierr.Newf(apierr.NotFound, "api_id not found %d", req.ID)
	}
	return []byte(`{"echo":"` + req.Parameters["msg"].(string) + `"}`), nil
}

type session struct {
	d        *Driver
	b        *broker
	table    *pending.Table
	outbound chan wire.Frame
	ctrl     *shutdown.Controller
}

func newSession(t *testing.T, exec Executor) *session {
	node, peer := net.Pipe()
	s := &session{
		b:        newBroker(t, peer),
		table:    pending.New(),
		outbound: make(chan wire.Frame, 64),
		ctrl:     shutdown.New(nil),
	}
	s.d = New(node, exec, s.table, s.outbound, s.ctrl, nil)
	t.Cleanup(func() {
		_ = s.d.Stop(100 * time.Millisecond)
		_ = peer.Close()
	})
	return s
}

func TestInitThenServeRequests(t *testing.T) {
	s := newSession(t, execFunc(echo))

	cfg := manifest.NewNodeConfig("node-a")
	require.NoError(t, s.d.SendInit(cfg))
	init := s.b.next()
	require.Equal(t, wire.KindInit, init.Kind)
	assert.Equal(t, "node-a", init.Config.Name)

	s.d.Start()
	s.b.send(wire.NewRequest(7, wire.Request{ID: 0, Method: manifest.POST, Parameters: map[string]any{"msg": "hi"}}))
	s.b.send(wire.NewRequest(8, wire.Request{ID: 99, Method: manifest.GET}))

	got := map[uint64]wire.Frame{}
	for i := 0; i < 2; i++ {
		f := s.b.next()
		got[f.ID] = f
	}
	require.Equal(t, wire.KindResponse, got[7].Kind)
	assert.Equal(t, `{"echo":"hi"}`, string(got[7].Data))
	require.Equal(t, wire.KindError, got[8].Kind)
	assert.Equal(t, apierr.NotFound, got[8].Error.Kind)
	assert.Contains(t, got[8].Error.Description, "99")

	select {
	case <-s.ctrl.Done():
		t.Fatal("handler error shut the node down")
	default:
	}
}

func TestRepliesReachTheirCallers(t *testing.T) {
	s := newSession(t, execFunc(echo))
	s.d.Start()

	ids := make([]uint64, 4)
	for i := range ids {
		ids[i], _ = s.table.Allocate()
	}

	s.b.send(wire.Response(999, []byte("stray")))
	s.b.send(wire.Error(ids[2], apierr.New(apierr.Empty, "nothing")))
	s.b.send(wire.Error(ids[3], &apierr.Error{Kind: "Teapot", Description: "short and stout"}))
	s.b.send(wire.Response(ids[1], []byte("one")))
	s.b.send(wire.Response(ids[0], []byte("zero")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := s.table.Take(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "zero", string(data))

	data, err = s.table.Take(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	_, err = s.table.Take(ctx, ids[2])
	assert.True(t, apierr.IsKind(err, apierr.Empty), err)

	_, err = s.table.Take(ctx, ids[3])
	assert.True(t, apierr.IsKind(err, apierr.Internal), err)
	assert.Contains(t, err.Error(), "Teapot")
}

func TestConfigErrorTriggersShutdown(t *testing.T) {
	s := newSession(t, execFunc(echo))
	s.d.Start()

	s.b.send(wire.Error(0, apierr.New(apierr.ParameterInvalid, "duplicate node")))
	select {
	case <-s.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("config error ignored")
	}
	r, err := s.ctrl.Reason()
	assert.Equal(t, shutdown.ConfigError, r)
	assert.ErrorContains(t, err, "duplicate node")
}

func TestPeerQuitAndEOF(t *testing.T) {
	s := newSession(t, execFunc(echo))
	s.d.Start()
	s.b.send(wire.Quit())
	<-s.ctrl.Done()
	r, _ := s.ctrl.Reason()
	assert.Equal(t, shutdown.PeerQuit, r)

	s = newSession(t, execFunc(echo))
	s.d.Start()
	require.NoError(t, s.b.conn.Close())
	select {
	case <-s.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("eof ignored")
	}
	r, _ = s.ctrl.Reason()
	assert.Equal(t, shutdown.PeerEOF, r)
}

func TestWriterDrainsAndQuitsOnce(t *testing.T) {
	s := newSession(t, execFunc(echo))
	s.d.Start()

	s.outbound <- wire.NewRequest(1, wire.Request{Node: "other", API: "svc", Method: manifest.GET})
	s.outbound <- wire.NewRequest(2, wire.Request{Node: "other", API: "svc", Method: manifest.GET})
	s.outbound <- wire.Quit()
	s.outbound <- wire.NewRequest(3, wire.Request{Node: "other", API: "svc", Method: manifest.GET})

	assert.Equal(t, uint64(1), s.b.next().ID)
	assert.Equal(t, uint64(2), s.b.next().ID)
	assert.Equal(t, wire.KindQuit, s.b.next().Kind)

	require.NoError(t, s.d.Stop(time.Second))

	// nothing follows Quit
	for f := range s.b.frames {
		t.Fatalf("frame after quit: %s %d", f.Kind, f.ID)
	}
}

func TestStopCancelsInboundHandlers(t *testing.T) {
	started := make(chan struct{})
	s := newSession(t, execFunc(func(ctx context.Context, _ wire.Request) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, apierr.New(apierr.Closed, "node closed")
	}))
	s.d.Start()
	s.b.send(wire.NewRequest(5, wire.Request{ID: 0, Method: manifest.GET}))
	<-started

	s.outbound <- wire.Quit()
	assert.Equal(t, wire.KindQuit, s.b.next().Kind)

	done := make(chan error, 1)
	go func() { done <- s.d.Stop(time.Second) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stop hung on a running handler")
	}
}
