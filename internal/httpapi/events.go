package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaycache/internal/connectivity"
	"github.com/agentworkforce/relaycache/internal/offlinesync"
)

const (
	streamTypeState = "state"
	streamTypeDrain = "drain"
)

// streamMessage is what /v1/events clients receive: connectivity
// transitions ("online", "offline"), drain results and an initial state.
type streamMessage struct {
	Type       string                   `json:"type"`
	At         time.Time                `json:"at"`
	Offline    *bool                    `json:"offline,omitempty"`
	SyncResult *offlinesync.DrainResult `json:"syncResult,omitempty"`
}

type eventHub struct {
	logger    offlinesync.Logger
	broadcast chan streamMessage
	done      chan struct{}
	wg        sync.WaitGroup

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func newEventHub(logger offlinesync.Logger) *eventHub {
	h := &eventHub{
		logger:    logger,
		broadcast: make(chan streamMessage, 64),
		done:      make(chan struct{}),
		clients:   map[*websocket.Conn]struct{}{},
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *eventHub) publish(msg streamMessage) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logf("event stream: dropping %s message, broadcast buffer full", msg.Type)
	}
}

func (h *eventHub) publishConnectivity(event connectivity.Event) {
	h.publish(streamMessage{Type: string(event.Type), At: event.At, SyncResult: event.SyncResult})
}

func (h *eventHub) publishDrain(result offlinesync.DrainResult) {
	h.publish(streamMessage{Type: streamTypeDrain, SyncResult: &result})
}

func (h *eventHub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logf("event stream: marshal: %v", err)
				continue
			}
			h.mu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.mu.RUnlock()
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.remove(conn)
				}
			}
		}
	}
}

func (h *eventHub) serve(w http.ResponseWriter, r *http.Request, initial streamMessage) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logf("event stream: upgrade failed: %v", err)
		return
	}
	data, _ := json.Marshal(initial)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "initial write failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Clients only listen; CloseRead discards anything they send and ends
	// the context when the peer goes away.
	readCtx := conn.CloseRead(context.Background())
	select {
	case <-readCtx.Done():
	case <-h.done:
	}
	h.remove(conn)
}

func (h *eventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *eventHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) close() {
	select {
	case <-h.done:
		return
	default:
	}
	close(h.done)
	h.wg.Wait()
	h.mu.Lock()
	clients := h.clients
	h.clients = map[*websocket.Conn]struct{}{}
	h.mu.Unlock()
	for conn := range clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *eventHub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
