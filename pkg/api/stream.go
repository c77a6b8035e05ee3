package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waftester/vulnassess/pkg/jsonutil"
	"github.com/waftester/vulnassess/pkg/report"
)

// StreamMessage is one WebSocket frame.
type StreamMessage struct {
	Type   string        `json:"type"` // status, error
	Status report.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
	At     time.Time     `json:"at"`
}

const streamWriteWait = 10 * time.Second

// handleStream pushes the run's status every StatusInterval until the run
// is terminal or the client goes away. The last frame always carries the
// terminal status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.opts.Engine.GetStatus(id); err != nil {
		s.writeError(w, err)
		return
	}

	check := s.opts.CheckOrigin
	if check == nil {
		check = sameOrigin
	}
	upgrader := websocket.Upgrader{CheckOrigin: check}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	s.streams.Add(1)
	defer s.streams.Add(-1)

	// Control frames are only processed while reading.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	for {
		msg := StreamMessage{Type: "status", At: time.Now()}
		st, err := s.opts.Engine.GetStatus(id)
		if err != nil {
			msg.Type = "error"
			msg.Error = err.Error()
		} else {
			msg.Status = st
		}
		if err := s.send(conn, msg); err != nil {
			return
		}
		if err != nil || st.Phase.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(st.Phase)),
				time.Now().Add(streamWriteWait))
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg StreamMessage) error {
	data, err := jsonutil.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
