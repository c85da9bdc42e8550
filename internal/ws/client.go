package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-timeline/internal/codec"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 128
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrBufferFull   = errors.New("client send buffer exceeded")
)

// Client is one connected renderer. Writes go through a buffered channel
// drained by a single write loop.
type Client struct {
	ID     string
	Info   ConnInfo
	Format codec.Format

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// NewClient wraps conn. Start must be called before frames are delivered.
func NewClient(conn *websocket.Conn, info ConnInfo, format codec.Format) *Client {
	if info.ConnID == "" {
		info.ConnID = newConnID()
	}
	return &Client{
		ID:     info.ConnID,
		Info:   info,
		Format: format,
		ws:     conn,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once.
func (c *Client) Start() {
	go c.writeLoop()
}

// Send enqueues an encoded frame. A client whose buffer is full is closed.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return ErrBufferFull
	}
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close terminates the connection and stops the write loop.
func (c *Client) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		if c.ws == nil {
			return
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(messageType(c.Format), msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		}
	}
}

func (c *Client) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
