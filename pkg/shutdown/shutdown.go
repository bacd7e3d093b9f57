// Package shutdown funnels every reason to stop the node into one event.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

type Reason string

const (
	Signal      Reason = "signal"
	PeerEOF     Reason = "peer closed the stream"
	ReadError   Reason = "read error"
	WriteError  Reason = "write error"
	PeerQuit    Reason = "peer quit"
	ConfigError Reason = "configuration rejected"
	RunComplete Reason = "run returned"
)

// Fatal reports whether the node should exit non-zero after stopping for r.
func (r Reason) Fatal() bool {
	return r == ConfigError
}

// Controller is a one-shot notifier. The first Trigger wins; later triggers
// are logged and ignored.
type Controller struct {
	log  *zap.Logger
	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	reason Reason
	err    error
}

func New(log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{log: log, done: make(chan struct{})}
}

// Trigger requests shutdown. It reports whether this call was the first.
func (c *Controller) Trigger(r Reason, err error) bool {
	first := false
	c.once.Do(func() {
		c.mu.Lock()
		c.reason, c.err = r, err
		c.mu.Unlock()
		close(c.done)
		first = true
	})
	if first {
		c.log.Info("shutdown triggered", zap.String("reason", string(r)), zap.Error(err))
	} else {
		c.log.Debug("shutdown already triggered", zap.String("reason", string(r)), zap.Error(err))
	}
	return first
}

// Done is closed by the first Trigger.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Reason returns the first trigger's reason and error; empty before any trigger.
func (c *Controller) Reason() (Reason, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.err
}

// Notify triggers shutdown on SIGINT or SIGTERM (or sigs, when given) until
// ctx ends or shutdown happens for another reason.
func (c *Controller) Notify(ctx context.Context, sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		select {
		case s := <-ch:
			c.Trigger(Signal, fmt.Errorf("received %s", s))
		case <-ctx.Done():
		case <-c.done:
		}
	}()
}
