package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/binforge/internal/buildprotocol"
	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/jobstore"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsHandler streams the events of one build and closes after its complete event
func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("id")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Subscribe before looking at the store so no event falls in between
		events, unsubscribe := s.hub.Subscribe(ctx, jobID)
		defer unsubscribe()

		var finished *jobstore.JobRecord
		rec, err := s.store.GetJob(r.Context(), jobID)
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			if !s.isActive(jobID) {
				writeError(w, http.StatusNotFound, "build not found")
				return
			}
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		case rec.Status != domain.JobRunning:
			finished = rec
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
			return
		}
		defer conn.Close()

		if finished != nil {
			data, err := buildprotocol.MarshalEnvelope(buildprotocol.TypeComplete, recordCompleteMessage(finished))
			if err == nil {
				writeFrame(conn, websocket.TextMessage, data)
			}
			closeNormally(conn)
			return
		}

		// Reads only service control frames; a read error means the client left
		go func() {
			defer cancel()
			conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					closeNormally(conn)
					return
				}
				if err := writeFrame(conn, websocket.TextMessage, event.Data); err != nil {
					s.logger.Debug("websocket write failed", "job_id", jobID, "error", err)
					return
				}
				if event.Type == buildprotocol.TypeComplete {
					closeNormally(conn)
					return
				}
			case <-ticker.C:
				if err := writeFrame(conn, websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, messageType int, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
