package nodefx

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeydtaylor/steeze-node/pkg/app"
	"github.com/joeydtaylor/steeze-node/pkg/manifest"
)

const (
	SocketEnv       = "NODE_SOCKET_PATH"
	BrokerConfigEnv = "NODE_BROKER_CONFIG"
	TimeoutEnv      = "NODE_REQUEST_TIMEOUT"
	HandlerEnv      = "NODE_HANDLER_TIMEOUT"
	GraceEnv        = "NODE_SHUTDOWN_GRACE"
	AdminAddrEnv    = "NODE_ADMIN_ADDR"

	DefaultBrokerConfig = "/etc/steeze/broker.toml"
)

// ---------- Options ----------

type Config struct {
	AppDir         string
	SocketPath     string // wins over the broker config file
	BrokerConfig   string // TOML file holding unix_stream_path
	RequestTimeout time.Duration
	HandlerTimeout time.Duration // zero leaves inbound handlers unbounded
	Grace          time.Duration
	AdminAddr      string // empty disables the admin server
}

type Option func(*Config)

func WithAppDir(dir string) Option              { return func(c *Config) { c.AppDir = dir } }
func WithSocketPath(p string) Option            { return func(c *Config) { c.SocketPath = p } }
func WithBrokerConfig(p string) Option          { return func(c *Config) { c.BrokerConfig = p } }
func WithRequestTimeout(d time.Duration) Option { return func(c *Config) { c.RequestTimeout = d } }
func WithHandlerTimeout(d time.Duration) Option { return func(c *Config) { c.HandlerTimeout = d } }
func WithGrace(d time.Duration) Option          { return func(c *Config) { c.Grace = d } }
func WithAdminAddr(addr string) Option          { return func(c *Config) { c.AdminAddr = addr } }

// NewConfig reads the environment, then applies opts.
func NewConfig(opts ...Option) (Config, error) {
	timeout, err := durationEnv(TimeoutEnv, app.DefaultRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	grace, err := durationEnv(GraceEnv, app.DefaultGrace)
	if err != nil {
		return Config{}, err
	}
	handler, err := durationEnv(HandlerEnv, 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		AppDir:         ".",
		SocketPath:     os.Getenv(SocketEnv),
		BrokerConfig:   envOr(BrokerConfigEnv, DefaultBrokerConfig),
		RequestTimeout: timeout,
		HandlerTimeout: handler,
		Grace:          grace,
		AdminAddr:      os.Getenv(AdminAddrEnv),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg, nil
}

// Socket resolves the broker socket path.
func (c Config) Socket() (string, error) {
	if c.SocketPath != "" {
		return c.SocketPath, nil
	}
	if !fileExists(c.BrokerConfig) {
		return "", fmt.Errorf("no broker socket: pass <socket_path>, set %s or provide %s", SocketEnv, c.BrokerConfig)
	}
	bc, err := manifest.LoadBrokerConfig(c.BrokerConfig)
	if err != nil {
		return "", fmt.Errorf("broker config %s: %w", c.BrokerConfig, err)
	}
	return bc.UnixStreamPath, nil
}

// ---------- tiny helpers ----------

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func durationEnv(k string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", k, v)
	}
	return d, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
