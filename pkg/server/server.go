// Package server implements the huddle real-time engine: live sessions,
// room fan-out, voice presence, signaling relay and the WebSocket command
// surface on top of the datastore.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/NicolasHaas/huddle/pkg/datastore"
	"github.com/NicolasHaas/huddle/pkg/rbac"
	"github.com/NicolasHaas/huddle/pkg/upload"
)

// Config holds server configuration. Fields carry env tags for LoadEnv;
// command-line flags are applied on top.
type Config struct {
	Addr     string `env:"HUDDLE_ADDR"`      // HTTP/WebSocket bind address (e.g. ":3001")
	DBDriver string `env:"HUDDLE_DB_DRIVER"` // "sqlite" or "postgres"
	DSN      string `env:"HUDDLE_DB_DSN"`    // SQLite path or PostgreSQL connection string
	DataDir  string `env:"HUDDLE_DATA_DIR"`  // directory for generated certs

	// PostgresDSN, when set, selects the postgres driver with this DSN.
	PostgresDSN string `env:"POSTGRES_CONNECTION"`

	TLS      bool   `env:"HUDDLE_TLS"`
	CertFile string `env:"HUDDLE_TLS_CERT"` // TLS certificate file path
	KeyFile  string `env:"HUDDLE_TLS_KEY"`  // TLS private key file path

	UploadBackend  string `env:"HUDDLE_UPLOAD_BACKEND"` // "local" or "s3"
	UploadDir      string `env:"HUDDLE_UPLOAD_DIR"`
	UploadMaxBytes int64  `env:"HUDDLE_UPLOAD_MAX_BYTES"`

	S3Endpoint        string `env:"HUDDLE_S3_ENDPOINT"`
	S3Region          string `env:"HUDDLE_S3_REGION"`
	S3Bucket          string `env:"HUDDLE_S3_BUCKET"`
	S3AccessKeyID     string `env:"HUDDLE_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"HUDDLE_S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle    bool   `env:"HUDDLE_S3_PATH_STYLE"`
	S3PublicURL       string `env:"HUDDLE_S3_PUBLIC_URL"`

	AllowedOrigins []string `env:"HUDDLE_ALLOWED_ORIGINS" envSeparator:","` // empty = any origin
	SendBuffer     int      `env:"HUDDLE_SEND_BUFFER"`                      // outbound frames queued per connection

	MetricsLogInterval time.Duration `env:"HUDDLE_METRICS_LOG_INTERVAL"` // 0 disables the periodic summary
	RepairInterval     time.Duration `env:"HUDDLE_REPAIR_INTERVAL"`      // 0 = repair at startup only
	EnforceBans        bool          `env:"HUDDLE_ENFORCE_BANS"`         // reject banned users on join_server

	LogLevel  string `env:"HUDDLE_LOG_LEVEL"`
	LogFormat string `env:"HUDDLE_LOG_FORMAT"`

	// CLI-only actions (run and exit)
	ExportUsers      bool // export all users as YAML and exit
	ExportWorkspaces bool // export all workspaces as YAML and exit
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
// Uploads is built from Config when nil.
type Dependencies struct {
	Store   datastore.DataProviderFactory
	Uploads upload.Storage
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:               ":3001",
		DBDriver:           datastore.DriverSQLite,
		DSN:                "huddle.db",
		DataDir:            ".",
		UploadBackend:      "local",
		UploadDir:          "uploads",
		UploadMaxBytes:     10 << 20,
		S3Region:           "us-east-1",
		SendBuffer:         256,
		MetricsLogInterval: 60 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// S3 returns the S3 settings in the form the upload package takes.
func (c Config) S3() upload.S3Config {
	return upload.S3Config{
		Endpoint:        c.S3Endpoint,
		Region:          c.S3Region,
		Bucket:          c.S3Bucket,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: c.S3SecretAccessKey,
		UsePathStyle:    c.S3UsePathStyle,
		PublicURL:       c.S3PublicURL,
	}
}

// Server is the main huddle server.
type Server struct {
	cfg      Config
	store    datastore.DataProviderFactory
	uploads  upload.Storage
	sessions *SessionRegistry
	router   *RoomRouter
	voice    *VoiceRoster
	relay    *SignalRelay
	guard    *rbac.Guard
	wsLocks  *keyedMutex // per-workspace serialization of mutating commands
	metrics  *Metrics
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	router := NewRoomRouter(metrics)

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		uploads:  deps.Uploads,
		sessions: NewSessionRegistry(),
		router:   router,
		voice:    NewVoiceRoster(router),
		relay:    NewSignalRelay(router, metrics),
		wsLocks:  newKeyedMutex(),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	if deps.Store != nil {
		s.guard = rbac.NewGuard(deps.Store.NonTx())
	}

	// Disconnect cleanup: the connection leaves every room before the voice
	// roster is recomputed, so it never receives its own departure.
	s.sessions.OnDestroy(s.router.Detach)
	s.sessions.OnDestroy(s.voice.OnDisconnect)
	return s
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// Router returns the room router.
func (s *Server) Router() *RoomRouter {
	return s.router
}

// Voice returns the voice roster.
func (s *Server) Voice() *VoiceRoster {
	return s.voice
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Connect registers a new live connection and returns its id.
func (s *Server) Connect(out Sender) string {
	connID := s.sessions.Register()
	s.router.Attach(connID, out)
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Debug("client connected", "conn", connID)
	return connID
}

// Disconnect tears down a connection. Cleanup runs once no matter how many
// times it is called.
func (s *Server) Disconnect(connID string) {
	ident, bound := s.sessions.Identity(connID)
	if !s.sessions.Destroy(connID) {
		return
	}
	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)
	if bound {
		slog.Info("client disconnected", "conn", connID, "user", ident.Username)
	} else {
		slog.Debug("client disconnected", "conn", connID)
	}
}
