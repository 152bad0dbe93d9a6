package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/voice"
)

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 5 * time.Second

// snapshotMessage is the first message on every event stream.
type snapshotMessage struct {
	Type     string         `json:"type"`
	Snapshot voice.Snapshot `json:"snapshot"`
}

// handleEvents upgrades to a WebSocket and forwards engine events until the
// client goes away. Engine subscribers run synchronously inside the engine,
// so events are copied into a buffered channel and dropped when it is full.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		observe.Logger(r.Context()).Warn("event stream upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer closes.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(ctx)

	events := make(chan voice.Event, s.buffer)
	var dropped atomic.Int64
	cancel := s.voice.Subscribe(func(e voice.Event) {
		select {
		case events <- e:
		default:
			dropped.Add(1)
		}
	})
	defer cancel()

	s.metrics.EventSubscribers.Add(ctx, 1)
	defer s.metrics.EventSubscribers.Add(context.WithoutCancel(ctx), -1)

	if err := s.write(ctx, conn, snapshotMessage{Type: "snapshot", Snapshot: s.voice.Snapshot()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e := <-events:
			if n := dropped.Swap(0); n > 0 {
				log.Warn("event stream client too slow, events dropped", "dropped", n)
			}
			if err := s.write(ctx, conn, e); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("event stream write failed", "err", err)
				}
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
