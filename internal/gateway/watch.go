package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/metrics"
	"github.com/accessprobe/scand/internal/scan"
)

const (
	watchWriteTimeout  = 10 * time.Second
	watchMaxInbound    = 512
	defaultWatchPoll   = 500 * time.Millisecond
	watchClosedMessage = "scan finished"
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket is read-only for clients and carries no credentials, so
	// cross-origin dashboards may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// watchScan streams status projections for one job over a WebSocket. Frames
// are sent on change only; the socket closes after the terminal push or when
// the client goes away.
func (s *Server) watchScan(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "jobId required")
		return
	}
	if _, err := s.queue.Get(r.Context(), jobID); err != nil {
		if errors.Is(err, scan.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("watch lookup failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		s.logger.Warn("watch upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.IncWatchSessions()
	defer metrics.DecWatchSessions()
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("watch close failed", zap.Error(err))
		}
	}()

	// Inbound frames only matter as a liveness signal for peer shutdown.
	conn.SetReadLimit(watchMaxInbound)
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.cfg.WatchInterval()
	if interval <= 0 {
		interval = defaultWatchPoll
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last statusResponse
	sent := false
	for {
		job, err := s.queue.Get(r.Context(), jobID)
		if err != nil {
			// Retention can evict a terminal job between polls.
			s.closeWatch(conn, websocket.CloseGoingAway, "job no longer available")
			return
		}
		status := statusFromJob(job)
		if !sent || status != last {
			if err := s.pushStatus(conn, status); err != nil {
				s.logger.Debug("watch push failed", zap.String("job_id", jobID), zap.Error(err))
				return
			}
			last = status
			sent = true
		}
		if job.State.IsTerminal() {
			s.closeWatch(conn, websocket.CloseNormalClosure, watchClosedMessage)
			return
		}
		select {
		case <-ticker.C:
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) pushStatus(conn *websocket.Conn, status statusResponse) error {
	if err := conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(status)
}

func (s *Server) closeWatch(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(watchWriteTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Debug("watch close frame failed", zap.Error(err))
	}
}
