package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"chat-timeline/internal/codec"
	"chat-timeline/internal/observability"
	"chat-timeline/internal/session"
	"chat-timeline/internal/telemetry"
)

const maxPending = 256

// Frame types sent to renderers.
const (
	FrameSnapshot = "snapshot"
	FrameChange   = "change"
	FrameError    = "error"
)

// Frame is one message to a renderer.
type Frame struct {
	Type   string          `json:"type"`
	State  *session.State  `json:"state,omitempty"`
	Update *session.Update `json:"update,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ConnEmitter receives connection lifecycle events.
type ConnEmitter interface {
	EmitConn(ctx context.Context, ev telemetry.ConnEvent)
}

// Hub fans session updates out to connected renderers. A client only
// receives updates after its snapshot has been delivered by Prime.
type Hub struct {
	clients map[string]*Client
	pending map[string][]session.Update
	emitter ConnEmitter
	logger  *slog.Logger
	mu      sync.RWMutex
}

var _ session.Observer = (*Hub)(nil)

// NewHub creates an empty hub. emitter may be nil.
func NewHub(emitter ConnEmitter, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*Client),
		pending: make(map[string][]session.Update),
		emitter: emitter,
		logger:  logger,
	}
}

// Add registers a client; updates are held back until Prime.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	h.pending[c.ID] = nil
}

// Remove drops a client.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.ID)
	delete(h.pending, c.ID)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Prime sends the snapshot to c, followed by the held-back updates newer
// than it. A nil state sends err as an error frame instead. A client that
// cannot take the frames is dropped.
func (h *Hub) Prime(ctx context.Context, c *Client, state *session.State, err error) {
	h.mu.Lock()
	held, ok := h.pending[c.ID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.pending, c.ID)

	first := Frame{Type: FrameSnapshot, State: state}
	var since uint64
	if state == nil {
		first = Frame{Type: FrameError}
		if err != nil {
			first.Error = err.Error()
		}
	} else {
		since = state.Seq
	}
	primed := h.deliver(c, first)
	for i := range held {
		if !primed {
			break
		}
		if held[i].Seq > since {
			primed = h.deliver(c, Frame{Type: FrameChange, Update: &held[i]})
		}
	}
	if !primed {
		delete(h.clients, c.ID)
	}
	h.mu.Unlock()

	if !primed {
		h.drop(ctx, c, "snapshot delivery failed")
	}
}

// OnChange encodes update once per codec and queues it on every client.
func (h *Hub) OnChange(ctx context.Context, update session.Update) {
	type dropped struct {
		client *Client
		reason string
	}
	frame := Frame{Type: FrameChange, Update: &update}
	encoded := map[codec.Format][]byte{}
	var failed []dropped

	h.mu.Lock()
	for id, c := range h.clients {
		if held, waiting := h.pending[id]; waiting {
			if len(held) >= maxPending {
				failed = append(failed, dropped{c, "renderer too slow"})
				continue
			}
			h.pending[id] = append(held, update)
			continue
		}
		payload, ok := encoded[c.Format]
		if !ok {
			var err error
			if payload, err = c.Format.Marshal(frame); err != nil {
				h.logger.Error("frame encode failed", "codec", c.Format, "seq", update.Seq, "error", err)
				payload = nil
			}
			encoded[c.Format] = payload
		}
		if payload == nil {
			failed = append(failed, dropped{c, "frame encode failed"})
			continue
		}
		if err := c.Send(payload); err != nil {
			failed = append(failed, dropped{c, "renderer too slow"})
		}
	}
	for _, d := range failed {
		delete(h.clients, d.client.ID)
		delete(h.pending, d.client.ID)
	}
	h.mu.Unlock()

	for _, d := range failed {
		h.drop(ctx, d.client, d.reason)
	}
}

// SendTo encodes frame for a single client.
func (h *Hub) SendTo(c *Client, frame Frame) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deliver(c, frame)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.pending = make(map[string][]session.Update)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(c *Client, frame Frame) bool {
	payload, err := c.Format.Marshal(frame)
	if err != nil {
		h.logger.Error("frame encode failed", "codec", c.Format, "error", err)
		return false
	}
	if err := c.Send(payload); err != nil {
		h.logger.Warn("websocket send failed", "conn_id", c.ID, "error", err)
		return false
	}
	return true
}

// drop closes a client the hub has already forgotten; it missed a frame and
// can no longer follow the timeline.
func (h *Hub) drop(ctx context.Context, c *Client, reason string) {
	c.Close(websocket.CloseGoingAway, reason)
	h.publishWSError(ctx, c, reason)
}

func (h *Hub) publishWSError(ctx context.Context, c *Client, reason string) {
	observability.IncWSEvent("timeline", "ws_error")
	if h.emitter == nil {
		return
	}
	h.emitter.EmitConn(ctx, c.Info.event("ws_error", reason))
}
