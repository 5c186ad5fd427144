package api

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/cohort/pkg/logging"
)

const (
	wsPingInterval  = 20 * time.Second
	wsPingTimeout   = 5 * time.Second
	wsWriteTimeout  = 10 * time.Second
	eventTypeHello  = "connected"
	eventTypeError  = "error"
	eventTypeAck    = "ack"
	eventTypeLagged = "lagged"
)

// WebSocketMessage is a client command on the event stream. Type is one of
// the run control actions or "ping".
type WebSocketMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// StreamMessage is a non-run frame written by the server.
type StreamMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// handleRunEvents streams the orchestrator's events over a websocket. The
// first frame carries the current progress; clients may send control
// actions on the same connection.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "batch runs are not enabled")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, dispose := s.orchestrator.Subscribe()
	defer dispose()

	hello := StreamMessage{
		Type:      eventTypeHello,
		Timestamp: time.Now(),
		Data:      s.orchestrator.Progress(),
	}
	if err := writeFrame(ctx, conn, hello); err != nil {
		return
	}

	startWSPing(ctx, conn)
	go s.readCommands(ctx, cancel, conn)

	hub := s.orchestrator.Hub()
	dropped := hub.Dropped()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event hub closed")
				return
			}
			if err := writeFrame(ctx, conn, ev); err != nil {
				return
			}
			// The hub drops for slow readers; tell the client to resync.
			if n := hub.Dropped(); n != dropped {
				dropped = n
				lag := StreamMessage{Type: eventTypeLagged, Timestamp: time.Now(), Data: s.orchestrator.Progress()}
				if err := writeFrame(ctx, conn, lag); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		var msg WebSocketMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		reply := StreamMessage{Type: eventTypeAck, ID: msg.ID, Timestamp: time.Now()}
		if msg.Type == "ping" {
			reply.Type = "pong"
		} else if err := control(s.orchestrator, msg.Type); err != nil {
			reply.Type = eventTypeError
			reply.Data = map[string]string{"error": err.Error()}
		} else {
			_ = s.logger.Info(logging.CategoryHTTP, "ws_control", "run "+msg.Type+" over websocket", map[string]any{
				"run_id": s.orchestrator.RunID(),
			})
			reply.Data = map[string]any{"status": s.orchestrator.Status()}
		}
		if err := writeFrame(ctx, conn, reply); err != nil {
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func startWSPing(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}
