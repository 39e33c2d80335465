package routes

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/tutorcall/internal/call"
	"github.com/petervdpas/tutorcall/internal/util"
)

const (
	sseKeepAlive = 25 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

func (r sessionRequest) id() (string, error) {
	id := strings.TrimSpace(r.SessionID)
	if id == "" {
		return "", fmt.Errorf("%w: missing session_id", call.ErrInvalidArgument)
	}
	return id, nil
}

// wsMessage is one frame on /api/call/ws. Exactly one of Incoming and
// Event is set, matching Type.
type wsMessage struct {
	Type     string             `json:"type"`
	Incoming *call.IncomingCall `json:"incoming,omitempty"`
	Event    *call.Event        `json:"event,omitempty"`
}

// RegisterCall registers the call API endpoints.
func RegisterCall(mux *http.ServeMux, calls *call.Coordinator) {
	// GET /api/call/self
	handleGet(mux, "/api/call/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.Self())
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ReceiverID   string `json:"receiver_id"`
		ReceiverRole string `json:"receiver_role"`
	}) {
		id, err := calls.StartCall(r.Context(), strings.TrimSpace(req.ReceiverID), strings.TrimSpace(req.ReceiverRole))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"session_id": id})
	})

	sessionAction(mux, "/api/call/accept", "accepted", calls.AcceptCall)
	sessionAction(mux, "/api/call/reject", "rejected", calls.RejectCall)
	sessionAction(mux, "/api/call/withdraw", "withdrawn", calls.WithdrawCall)

	// POST /api/call/hangup returns the terminal event.
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req sessionRequest) {
		id, err := req.id()
		if err != nil {
			writeError(w, err)
			return
		}
		ev, err := calls.EndCall(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, ev)
	})

	toggleAction(mux, "/api/call/toggle-audio", calls.ToggleAudio)
	toggleAction(mux, "/api/call/toggle-video", calls.ToggleVideo)

	// GET /api/call/sessions
	handleGet(mux, "/api/call/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := calls.Sessions()
		writeJSON(w, map[string]any{
			"session_count": len(sessions),
			"sessions":      sessions,
		})
	})

	// GET /api/call/session/{id}
	mux.HandleFunc("GET /api/call/session/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, err := calls.Session(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, st)
	})

	// GET /api/call/events (SSE): incoming calls, the ringing ones first.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		ch, cancel := calls.OnIncomingCalls()
		defer cancel()
		streamSSE(w, r, "incoming", ch)
	})

	// GET /api/call/session/{id}/events (SSE): state history, then live
	// changes; the stream ends after the terminal event.
	mux.HandleFunc("GET /api/call/session/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ch, cancel, err := calls.OnStateChange(id)
		if err != nil {
			writeError(w, err)
			return
		}
		defer cancel()
		log.Printf("CALL [%s]: event stream opened", util.ShortID(id, 8))
		streamSSE(w, r, "state", ch)
	})

	// GET /api/call/ws: incoming calls and every state change on one socket.
	handleGet(mux, "/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("CALL: websocket upgrade: %v", err)
			return
		}
		serveCallSocket(r.Context(), conn, calls)
	})
}

func sessionAction(mux *http.ServeMux, path, status string, fn func(context.Context, string) error) {
	handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, req sessionRequest) {
		id, err := req.id()
		if err != nil {
			writeError(w, err)
			return
		}
		if err := fn(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": status, "session_id": id})
	})
}

func toggleAction(mux *http.ServeMux, path string, fn func(string) (bool, error)) {
	handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, req sessionRequest) {
		id, err := req.id()
		if err != nil {
			writeError(w, err)
			return
		}
		on, err := fn(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"session_id": id, "enabled": on})
	})
}

// streamSSE writes every value from ch as an SSE event until the client
// goes away or ch closes. A closed channel ends with "event: closed".
func streamSSE[T any](w http.ResponseWriter, r *http.Request, event string, ch <-chan T) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorStatus(w, http.StatusInternalServerError, "internal", fmt.Errorf("streaming not supported"))
		return
	}
	sseHeaders(w)
	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case v, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "event: closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if err := writeSSE(w, event, v); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func serveCallSocket(ctx context.Context, conn *websocket.Conn, calls *call.Coordinator) {
	defer conn.Close()

	incoming, stopIncoming := calls.OnIncomingCalls()
	defer stopIncoming()
	events, stopEvents := calls.Events()
	defer stopEvents()

	// Inbound frames are ignored; reading keeps control frames flowing and
	// notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	send := func(m wsMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m) == nil
	}

	if !send(wsMessage{Type: "connected"}) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case in, ok := <-incoming:
			if !ok {
				return
			}
			if !send(wsMessage{Type: "incoming", Incoming: &in}) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !send(wsMessage{Type: "state", Event: &ev}) {
				return
			}
		}
	}
}
