// Package transport runs the node's session with the broker over a Unix
// stream socket: it sends the Init frame, routes inbound frames and drains the
// outbound queue.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/joeydtaylor/steeze-node/pkg/manifest"
	"github.com/joeydtaylor/steeze-node/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-node/pkg/shutdown"
	"github.com/joeydtaylor/steeze-node/pkg/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Executor serves inbound requests.
type Executor interface {
	Execute(ctx context.Context, req wire.Request) ([]byte, error)
}

// Completer receives replies to outbound requests.
type Completer interface {
	Complete(id uint64, data []byte, err error) error
}

// Notifier is told when the session must end.
type Notifier interface {
	Trigger(r shutdown.Reason, err error) bool
}

// Dial connects to the broker socket.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", path, err)
	}
	return conn, nil
}

type Driver struct {
	conn     net.Conn
	r        *wire.Reader
	exec     Executor
	replies  Completer
	outbound <-chan wire.Frame
	notify   Notifier
	log      *zap.Logger

	wmu sync.Mutex
	w   *wire.Writer

	ctx      context.Context
	cancel   context.CancelFunc
	loops    errgroup.Group
	handlers sync.WaitGroup

	writerDone chan struct{}
	stopOnce   sync.Once
	stopErr    error
}

func New(conn net.Conn, exec Executor, replies Completer, outbound <-chan wire.Frame, notify Notifier, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		conn:       conn,
		r:          wire.NewReader(conn),
		w:          wire.NewWriter(conn),
		exec:       exec,
		replies:    replies,
		outbound:   outbound,
		notify:     notify,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
}

// SendInit registers the node configuration. It must precede Start.
func (d *Driver) SendInit(cfg manifest.NodeConfig) error {
	return d.write(wire.Init(cfg))
}

// Start launches the reader and writer loops.
func (d *Driver) Start() {
	d.loops.Go(d.readLoop)
	d.loops.Go(d.writeLoop)
}

func (d *Driver) write(f wire.Frame) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if err := d.w.Write(f); err != nil {
		return fmt.Errorf("write %s frame %d: %w", f.Kind, f.ID, err)
	}
	metrics.ObserveFrame("out", f.Kind.String())
	return nil
}

func (d *Driver) readLoop() error {
	for {
		f, err := d.r.Read()
		if err != nil {
			if d.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				d.notify.Trigger(shutdown.PeerEOF, nil)
				return nil
			}
			d.log.Error("read frame", zap.Error(err))
			d.notify.Trigger(shutdown.ReadError, err)
			return err
		}
		metrics.ObserveFrame("in", f.Kind.String())

		switch f.Kind {
		case wire.KindResponse:
			d.complete(f.ID, f.Data, nil)
		case wire.KindError:
			e := f.Error
			if !e.Kind.Valid() {
				d.log.Warn("unknown error kind from broker", zap.String("kind", string(e.Kind)), zap.Uint64("id", f.ID))
				e = apierr.New(apierr.Internal, e.Error())
			}
			if f.ID == 0 {
				d.log.Error("broker rejected the node", zap.Error(e))
				d.notify.Trigger(shutdown.ConfigError, e)
				continue
			}
			d.complete(f.ID, nil, e)
		case wire.KindRequest:
			d.handlers.Add(1)
			go d.handle(f.ID, *f.Request)
		case wire.KindQuit:
			d.notify.Trigger(shutdown.PeerQuit, nil)
			return nil
		default:
			d.log.Warn("unexpected frame from broker", zap.Stringer("kind", f.Kind), zap.Uint64("id", f.ID))
		}
	}
}

func (d *Driver) complete(id uint64, data []byte, err error) {
	if cerr := d.replies.Complete(id, data, err); cerr != nil {
		d.log.Warn("dropping reply", zap.Uint64("id", id), zap.Error(cerr))
	}
}

func (d *Driver) handle(id uint64, req wire.Request) {
	defer d.handlers.Done()
	data, err := d.exec.Execute(d.ctx, req)
	f := wire.Response(id, data)
	if err != nil {
		f = wire.Error(id, apierr.From(err))
	}
	if werr := d.write(f); werr != nil {
		d.log.Warn("reply not written", zap.Uint64("id", id), zap.Error(werr))
	}
}

// writeLoop writes queued frames in order and exits after writing Quit.
func (d *Driver) writeLoop() error {
	defer close(d.writerDone)
	for {
		select {
		case f := <-d.outbound:
			if err := d.write(f); err != nil {
				d.log.Error("write frame", zap.Error(err))
				d.notify.Trigger(shutdown.WriteError, err)
				return err
			}
			if f.Kind == wire.KindQuit {
				return nil
			}
		case <-d.ctx.Done():
			return nil
		}
	}
}

// Stop waits up to grace for the writer to flush Quit, then cancels inbound
// handlers, closes the socket and waits for the loops. Handlers still running
// after a second grace period are abandoned.
func (d *Driver) Stop(grace time.Duration) error {
	d.stopOnce.Do(func() { d.stopErr = d.stop(grace) })
	return d.stopErr
}

func (d *Driver) stop(grace time.Duration) error {
	var errs error
	select {
	case <-d.writerDone:
	case <-time.After(grace):
		errs = multierr.Append(errs, errors.New("writer did not flush quit before grace"))
	}
	d.cancel()
	if err := d.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierr.Append(errs, fmt.Errorf("close socket: %w", err))
	}
	if err := d.loops.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		d.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		errs = multierr.Append(errs, errors.New("inbound handlers still running"))
	}
	return errs
}
