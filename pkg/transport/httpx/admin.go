package httpx

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joeydtaylor/steeze-node/pkg/app"
	"github.com/joeydtaylor/steeze-node/pkg/codec"
	"github.com/joeydtaylor/steeze-node/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-node/pkg/middleware/metrics"
	"go.uber.org/zap"
)

const (
	PingPath    = "/ping"
	MetricsPath = "/metrics"
	StatusPath  = "/status"
)

// StatusSource reports the node state shown on /status.
type StatusSource interface {
	Status() app.Status
}

type AdminDeps struct {
	Router  Router
	LogMW   *logger.Middleware
	Metrics http.Handler
	Status  StatusSource
	Log     *zap.Logger
}

// BuildAdmin mounts /ping, /metrics and /status on d.Router.
func BuildAdmin(d AdminDeps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	metrics.AddMetricsSkipPaths(PingPath)

	r := d.Router
	r.Use(chimw.RequestID, chimw.Recoverer)
	if d.LogMW != nil {
		r.Use(d.LogMW.Middleware())
	}
	r.Use(metrics.Collect(), chimw.Heartbeat(PingPath))

	if d.Metrics != nil {
		r.Get(MetricsPath, d.Metrics)
	}
	r.Get(StatusPath, statusHandler(d.Status, d.Log))
	return r.Mux()
}

func statusHandler(src StatusSource, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		b, err := codec.JSONValue.Marshal(src.Status())
		if err != nil {
			log.Error("encode status", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", codec.JSONValue.ContentType())
		_, _ = w.Write(b)
	})
}
