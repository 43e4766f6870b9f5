package webserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/mpataki/feeder/internal/debug"
	"github.com/mpataki/feeder/internal/session"
)

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const msgSnapshot = "snapshot"

// handleEventsWebSocket sends a status snapshot followed by every session
// event until the client goes away.
func (srv *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// the client never sends; CloseRead handles pings and close frames
	ctx := ws.CloseRead(r.Context())

	events, unsubscribe := srv.session.Subscribe(64)
	defer unsubscribe()

	if err := writeEnvelope(ctx, ws, wsEnvelope{Type: msgSnapshot, Data: srv.session.Status()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := writeEnvelope(ctx, ws, toWSEnvelope(ev)); err != nil {
				debug.LogKV("webserver", "event stream write failed", "error", err)
				return
			}
		}
	}
}

func toWSEnvelope(ev session.Event) wsEnvelope {
	return wsEnvelope{Type: string(ev.Type), Data: ev}
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, msg wsEnvelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
