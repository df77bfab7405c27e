package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/flowgate/internal/jobs"
	"github.com/michaelbrown/flowgate/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS allows any origin
	},
}

const wsWriteWait = 10 * time.Second

// handleJobEvents streams status events for one job until it finishes.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job dispatch not configured")
		return
	}

	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	// Subscribe before re-reading so no transition is missed.
	events, unsubscribe := s.jobs.Subscribe(job.ID)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()
	log := s.logger.With(zap.String("job", job.ID))

	// Reader drains control frames and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	current, err := s.store.GetJob(r.Context(), job.ID)
	if err == nil {
		job = current
	}
	if job.Status.Terminal() || !s.jobs.Running(job.ID) {
		s.finishStream(conn, log, job)
		return
	}
	if !wsWriteJSON(conn, log, jobs.Event{Type: "status", Job: *job}) {
		return
	}

	for {
		select {
		case ev := <-events:
			if ev.Job.Status.Terminal() {
				s.finishStream(conn, log, &ev.Job)
				return
			}
			if !wsWriteJSON(conn, log, ev) {
				return
			}
		case <-gone:
			return
		case <-s.baseCtx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

func (s *Server) finishStream(conn *websocket.Conn, log *zap.Logger, job *storage.Job) {
	if !wsWriteJSON(conn, log, jobs.Event{Type: "status", Job: *job}) {
		return
	}
	if !wsWriteJSON(conn, log, jobs.Event{Type: "done", Job: *job}) {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}

func wsWriteJSON(conn *websocket.Conn, log *zap.Logger, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("websocket marshal", zap.Error(err))
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug("websocket write", zap.Error(err))
		return false
	}
	return true
}
