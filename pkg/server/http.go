package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/huddle/pkg/upload"
	"github.com/NicolasHaas/huddle/pkg/version"
)

// Handler returns the HTTP surface: the WebSocket endpoint, uploads, and the
// operational endpoints.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	r.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "remote", c.ClientIP(), "err", err)
			return
		}
		s.serve(conn)
	})

	r.POST("/upload", s.handleUpload)
	if local, ok := s.uploads.(interface{ Dir() string }); ok {
		r.Static(upload.PublicPrefix, local.Dir())
	}

	r.GET("/metrics", s.handleMetrics)
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, version.Get())
	})
	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// handleUpload stores the multipart field "file" and returns {"url": ...}.
func (s *Server) handleUpload(c *gin.Context) {
	if s.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "uploads disabled"})
		return
	}
	if s.cfg.UploadMaxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.UploadMaxBytes)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	ctx := c.Request.Context()
	key := upload.NewKey(fh.Filename)
	if err := s.uploads.Write(ctx, key, f, fh.Size, fh.Header.Get("Content-Type")); err != nil {
		slog.Error("upload write failed", "key", key, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}
	url, err := s.uploads.URL(ctx, key, requestBaseURL(c.Request))
	if err != nil {
		slog.Error("upload url failed", "key", key, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}

	s.metrics.Uploads.Add(1)
	slog.Debug("file uploaded", "key", key, "size", fh.Size)
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(c *gin.Context) {
	m := s.metrics
	w := c.Writer
	uptime := time.Since(m.startTime).Seconds()

	c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	c.Status(http.StatusOK)

	// Write errors to the response are non-actionable.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("huddle_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("huddle_connections_active", "Current live connections.", "gauge",
		m.ActiveConnections.Load())
	write("huddle_connections_total", "Lifetime WebSocket connections accepted.", "counter",
		m.TotalConnections.Load())
	write("huddle_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("huddle_logins_total", "Successful logins.", "counter",
		m.Logins.Load())
	write("huddle_users_created_total", "Users created on first login.", "counter",
		m.UsersCreated.Load())

	write("huddle_commands_total", "Inbound commands dispatched.", "counter",
		m.CommandsHandled.Load())
	write("huddle_commands_rejected_total", "Commands answered with command_rejected.", "counter",
		m.CommandsRejected.Load())

	write("huddle_broadcasts_total", "Room broadcasts issued.", "counter",
		m.Broadcasts.Load())
	write("huddle_frames_dropped_total", "Outbound frames not delivered.", "counter",
		m.FramesDropped.Load())

	write("huddle_chat_messages_total", "Chat messages relayed.", "counter",
		m.MessagesSent.Load())
	write("huddle_voice_joins_total", "Voice channel joins.", "counter",
		m.VoiceJoins.Load())
	write("huddle_signals_relayed_total", "Signaling payloads delivered.", "counter",
		m.SignalsRelayed.Load())
	write("huddle_signals_dropped_total", "Signaling payloads for absent targets.", "counter",
		m.SignalsDropped.Load())
	write("huddle_kicks_total", "Members kicked.", "counter",
		m.KickCount.Load())
	write("huddle_bans_total", "Members banned.", "counter",
		m.BanCount.Load())
	write("huddle_uploads_total", "Files uploaded.", "counter",
		m.Uploads.Load())

	write("huddle_repair_runs_total", "Consistency repair passes.", "counter",
		m.RepairRuns.Load())
	write("huddle_repair_writes_total", "Rows written by consistency repair.", "counter",
		m.RepairWrites.Load())
}
