package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(LevelEnv, "debug")
	assert.Equal(t, zap.DebugLevel, Level())
	t.Setenv(LevelEnv, "nonsense")
	assert.Equal(t, zap.InfoLevel, Level())
}

func TestNewLogWritesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DirEnv, dir)

	l := NewLog("unit.log")
	l.Info("", zap.String("k", "v"))
	// stdout may be a pipe or terminal, which cannot be fsynced
	if err := l.Sync(); err != nil {
		require.True(t, errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY), err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "unit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"k":"v"`)
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewMiddleware(zap.New(core))

	h := m.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "/status", fields["uri"])
	assert.EqualValues(t, http.StatusAccepted, fields["status"])
	assert.EqualValues(t, 2, fields["responseSize"])
}
