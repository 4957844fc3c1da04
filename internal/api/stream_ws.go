package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/disler/claude-code-hooks-multi-agent-observability-sub001/internal/hub"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stream hub"))
		return
	}

	kinds := splitComma(r.URL.Query().Get("kinds"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamMessages(ctx, s.Hub, kinds, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// streamMessages copies hub messages to the socket until the client goes
// away or the hub drops the subscription for falling behind. A closed
// subscription channel ends the stream cleanly.
func streamMessages(ctx context.Context, h *hub.Hub, kinds []string, writer wsWriter) error {
	sub := h.Subscribe(kinds)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
