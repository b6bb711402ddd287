package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime WebSocket connections accepted
	ActiveConnections atomic.Int64 // current live connections
	TotalDisconnects  atomic.Int64 // disconnects, clean or not
	Logins            atomic.Int64 // successful logins
	UsersCreated      atomic.Int64 // users created on first login

	// Command counters
	CommandsHandled  atomic.Int64 // inbound commands dispatched
	CommandsRejected atomic.Int64 // command_rejected events sent

	// Fan-out counters
	Broadcasts    atomic.Int64 // room broadcasts issued
	FramesDropped atomic.Int64 // frames not delivered (buffer full, gone)

	// Domain counters
	MessagesSent   atomic.Int64 // chat messages persisted and relayed
	VoiceJoins     atomic.Int64 // join_voice commands applied
	SignalsRelayed atomic.Int64 // signaling payloads delivered
	SignalsDropped atomic.Int64 // signaling payloads for absent targets
	KickCount      atomic.Int64 // members kicked
	BanCount       atomic.Int64 // members banned
	Uploads        atomic.Int64 // files accepted by /upload

	// Repair counters
	RepairRuns   atomic.Int64 // consistency repair passes
	RepairWrites atomic.Int64 // rows written by repair
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	Logins            int64 `json:"logins"`
	UsersCreated      int64 `json:"users_created"`

	CommandsHandled  int64 `json:"commands_handled"`
	CommandsRejected int64 `json:"commands_rejected"`

	Broadcasts    int64 `json:"broadcasts"`
	FramesDropped int64 `json:"frames_dropped"`

	MessagesSent   int64 `json:"messages_sent"`
	VoiceJoins     int64 `json:"voice_joins"`
	SignalsRelayed int64 `json:"signals_relayed"`
	SignalsDropped int64 `json:"signals_dropped"`
	KickCount      int64 `json:"kick_count"`
	BanCount       int64 `json:"ban_count"`
	Uploads        int64 `json:"uploads"`

	RepairRuns   int64 `json:"repair_runs"`
	RepairWrites int64 `json:"repair_writes"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		Logins:            m.Logins.Load(),
		UsersCreated:      m.UsersCreated.Load(),
		CommandsHandled:   m.CommandsHandled.Load(),
		CommandsRejected:  m.CommandsRejected.Load(),
		Broadcasts:        m.Broadcasts.Load(),
		FramesDropped:     m.FramesDropped.Load(),
		MessagesSent:      m.MessagesSent.Load(),
		VoiceJoins:        m.VoiceJoins.Load(),
		SignalsRelayed:    m.SignalsRelayed.Load(),
		SignalsDropped:    m.SignalsDropped.Load(),
		KickCount:         m.KickCount.Load(),
		BanCount:          m.BanCount.Load(),
		Uploads:           m.Uploads.Load(),
		RepairRuns:        m.RepairRuns.Load(),
		RepairWrites:      m.RepairWrites.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"commands", s.CommandsHandled,
		"rejected", s.CommandsRejected,
		"frames_dropped", s.FramesDropped,
		"chat_msgs", s.MessagesSent,
	)
}
