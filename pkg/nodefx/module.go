// Package nodefx wires the node: logger, metrics, app, broker session,
// shutdown controller and the optional admin HTTP server.
package nodefx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/joeydtaylor/steeze-node/pkg/app"
	"github.com/joeydtaylor/steeze-node/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-node/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-node/pkg/shutdown"
	"github.com/joeydtaylor/steeze-node/pkg/transport"
	"github.com/joeydtaylor/steeze-node/pkg/transport/httpx"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Module returns the complete Fx option set for one node process.
func Module(opts ...Option) fx.Option {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return fx.Error(err)
	}
	return fx.Options(
		logger.Module,
		metrics.Module,
		fx.Provide(httpx.NewChi),
		fx.Provide(func() Config { return cfg }),
		fx.Provide(provideApp),
		fx.Provide(provideController),
		fx.Provide(provideAdmin),
		fx.Invoke(registerHooks),
	)
}

func provideApp(cfg Config, l *zap.Logger) *app.App {
	return app.New(cfg.AppDir,
		app.WithLogger(l.Named("app")),
		app.WithRequestTimeout(cfg.RequestTimeout),
		app.WithHandlerTimeout(cfg.HandlerTimeout),
		app.WithGrace(cfg.Grace),
	)
}

func provideController(l *zap.Logger) *shutdown.Controller {
	return shutdown.New(l.Named("shutdown"))
}

// ---------- Admin ----------

type adminDeps struct {
	fx.In
	Config  Config
	Logger  *zap.Logger
	LogMW   *logger.Middleware
	Metrics http.Handler `name:"metrics"`
	Router  httpx.Router
	App     *app.App
}

type adminOut struct {
	fx.Out
	Server *http.Server `name:"admin"`
}

// provideAdmin yields a nil server when no admin address is configured.
func provideAdmin(d adminDeps) adminOut {
	if d.Config.AdminAddr == "" {
		return adminOut{}
	}
	return adminOut{Server: &http.Server{
		Addr: d.Config.AdminAddr,
		Handler: httpx.BuildAdmin(httpx.AdminDeps{
			Router:  d.Router,
			LogMW:   d.LogMW,
			Metrics: d.Metrics,
			Status:  d.App,
			Log:     d.Logger,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}}
}

// ---------- Lifecycle ----------

type nodeDeps struct {
	fx.In
	Logger   *zap.Logger
	App      *app.App
	Shutdown *shutdown.Controller
	Admin    *http.Server `name:"admin"`
}

func registerHooks(lc fx.Lifecycle, cfg Config, d nodeDeps) {
	var drv *transport.Driver
	sigCtx, stopSignals := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := d.App.Initialize(ctx); err != nil {
				stopSignals()
				return fmt.Errorf("initialize %s: %w", cfg.AppDir, err)
			}

			var err error
			if drv, err = connect(ctx, cfg, d); err != nil {
				stopSignals()
				return multierr.Append(err, d.App.Close(ctx))
			}
			err = d.App.Start(func(err error) { d.Shutdown.Trigger(shutdown.RunComplete, err) })
			if err != nil {
				stopSignals()
				return multierr.Combine(err, d.App.Close(ctx), drv.Stop(cfg.Grace))
			}
			d.Shutdown.Notify(sigCtx)

			if d.Admin != nil {
				ln, err := net.Listen("tcp", d.Admin.Addr)
				if err != nil {
					d.Logger.Error("admin listen failed", zap.String("addr", d.Admin.Addr), zap.Error(err))
					return nil
				}
				d.Logger.Info("admin server starting", zap.String("addr", ln.Addr().String()))
				go func() {
					if err := d.Admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						d.Logger.Error("admin server failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopSignals()
			reason, cause := d.Shutdown.Reason()
			d.Logger.Info("node stopping", zap.String("reason", string(reason)), zap.Error(cause))

			errs := d.App.Close(ctx)
			errs = multierr.Append(errs, drv.Stop(cfg.Grace))
			if d.Admin != nil {
				errs = multierr.Append(errs, d.Admin.Shutdown(ctx))
			}
			return errs
		},
	})
}

// connect dials the broker, registers the node configuration and starts the
// session loops.
func connect(ctx context.Context, cfg Config, d nodeDeps) (*transport.Driver, error) {
	path, err := cfg.Socket()
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(ctx, path)
	if err != nil {
		return nil, err
	}
	drv := transport.New(conn, d.App, d.App.Pending(), d.App.Outbound(), d.Shutdown, d.Logger.Named("transport"))
	if err := drv.SendInit(d.App.Config()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	drv.Start()
	d.Logger.Info("connected to broker", zap.String("socket", path), zap.String("node", d.App.Config().Name))
	return drv, nil
}
