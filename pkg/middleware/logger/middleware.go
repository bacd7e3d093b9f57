package logger

import (
	"net/http"
	"sync"
	"time"

	chimd "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Middleware struct {
	once sync.Once
	l    *zap.Logger
}

// NewMiddleware logs admin requests to l; nil means the http-access.log file,
// opened on first use.
func NewMiddleware(l *zap.Logger) *Middleware { return &Middleware{l: l} }

func (m *Middleware) logger() *zap.Logger {
	m.once.Do(func() {
		if m.l == nil {
			m.l = NewLog("http-access.log")
		}
	})
	return m.l
}

func (m *Middleware) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := m.logger()
			ww := chimd.NewWrapResponseWriter(w, r.ProtoMajor)

			start := time.Now()
			defer func() {
				l.Info("",
					zap.String("dateTime", start.UTC().Format(time.RFC1123)),
					zap.String("requestId", chimd.GetReqID(r.Context())),
					zap.String("httpProto", r.Proto),
					zap.String("httpMethod", r.Method),
					zap.String("remoteAddr", r.RemoteAddr),
					zap.String("uri", r.URL.Path),
					zap.Duration("lat", time.Since(start)),
					zap.Int("responseSize", ww.BytesWritten()),
					zap.Int("status", ww.Status()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
