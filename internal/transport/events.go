package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chat-timeline/internal/codec"
	"chat-timeline/internal/models"
	"chat-timeline/internal/timeline"
)

const (
	pongWait       = 60 * time.Second
	eventQueueSize = 32
)

// WSConfig configures a WSEventSource.
type WSConfig struct {
	URL    string
	Token  string
	UserID string
	Format codec.Format
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// WSEventSource subscribes to live channel events over a websocket.
type WSEventSource struct {
	base   *url.URL
	token  string
	userID string
	format codec.Format
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSEventSource validates cfg and builds an event source.
func NewWSEventSource(cfg WSConfig) (*WSEventSource, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse events url: %w", err)
	}
	switch base.Scheme {
	case "ws", "wss":
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return nil, fmt.Errorf("events url %q: scheme must be ws or wss", cfg.URL)
	}
	if cfg.Format == "" {
		cfg.Format = codec.JSON
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WSEventSource{
		base:   base,
		token:  cfg.Token,
		userID: cfg.UserID,
		format: cfg.Format,
		dialer: cfg.Dialer,
		logger: cfg.Logger,
	}, nil
}

// Subscribe dials the stream for scope. The returned channel is closed when
// ctx ends or the connection drops.
func (s *WSEventSource) Subscribe(ctx context.Context, scope timeline.Scope) (<-chan models.Event, error) {
	u := *s.base
	u.Path = s.base.Path + "/channels/" + url.PathEscape(scope.ChannelID) + "/events"

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	if s.userID != "" {
		header.Set("X-User-ID", s.userID)
	}

	// Preferred format first, the other as fallback.
	dialer := *s.dialer
	dialer.Subprotocols = []string{s.format.Subprotocol(), codec.JSON.Subprotocol()}
	if s.format == codec.JSON {
		dialer.Subprotocols[1] = codec.CBOR.Subprotocol()
	}

	conn, res, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		te := &TransportError{Op: "subscribe", Err: err}
		if res != nil {
			te.StatusCode = res.StatusCode
		}
		return nil, te
	}

	format, err := codec.ParseFormat(conn.Subprotocol())
	if err != nil {
		conn.Close()
		return nil, &TransportError{Op: "subscribe", Err: err}
	}

	out := make(chan models.Event, eventQueueSize)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		s.readLoop(ctx, conn, format, scope, out)
	}()

	s.logger.Info("event stream connected", "channel_id", scope.ChannelID, "codec", format)
	return out, nil
}

func (s *WSEventSource) readLoop(ctx context.Context, conn *websocket.Conn, format codec.Format, scope timeline.Scope, out chan<- models.Event) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("event stream read failed", "channel_id", scope.ChannelID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev models.Event
		if err := format.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("undecodable event dropped", "channel_id", scope.ChannelID, "error", err)
			continue
		}
		if ev.ChannelID == "" {
			ev.ChannelID = scope.ChannelID
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
