package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-timeline/internal/codec"
	"chat-timeline/internal/mocks"
	"chat-timeline/internal/models"
	"chat-timeline/internal/session"
	"chat-timeline/internal/timeline"
)

var _ Controller = (*mocks.ControllerMock)(nil)

func setupWSServer(t *testing.T, hub *Hub, controller Controller) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/timeline", NewTimelineWebSocketHandler(hub, controller, nil).Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string, protocols ...string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/timeline"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, format codec.Format) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, format.Unmarshal(data, &f))
	return f
}

func TestTimelineWSStreamsSnapshotThenChanges(t *testing.T) {
	hub := NewHub(nil, nil)
	controller := new(mocks.ControllerMock)
	msg := models.Message{ID: "m1", Text: "hello"}
	controller.On("Snapshot", mock.Anything).Return(session.State{
		Seq:   4,
		Scope: timeline.Scope{ChannelID: "general"},
		Items: []timeline.Item{timeline.MessageItem(msg)},
	}, nil).Once()
	srv := setupWSServer(t, hub, controller)

	conn := dial(t, srv, "", codec.SubprotocolCBOR)
	assert.Equal(t, codec.SubprotocolCBOR, conn.Subprotocol())

	snapshot := readFrame(t, conn, codec.CBOR)
	require.Equal(t, FrameSnapshot, snapshot.Type)
	require.Len(t, snapshot.State.Items, 1)
	assert.Equal(t, "m1", snapshot.State.Items[0].MessageID())

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)
	hub.OnChange(context.Background(), update(5))
	change := readFrame(t, conn, codec.CBOR)
	assert.Equal(t, FrameChange, change.Type)
	assert.Equal(t, uint64(5), change.Update.Seq)
	controller.AssertExpectations(t)
}

func TestTimelineWSDispatchesCommands(t *testing.T) {
	hub := NewHub(nil, nil)
	controller := new(mocks.ControllerMock)
	controller.On("Snapshot", mock.Anything).Return(session.State{}, nil).Once()
	controller.On("LoadMore", mock.Anything).Return(nil).Once()
	controller.On("SetTyping", mock.Anything, true).Return(nil).Once()
	controller.On("SwitchScope", mock.Anything, timeline.Scope{ChannelID: "random", ParentID: "p1"}, (*models.Message)(nil)).Return(nil).Once()
	srv := setupWSServer(t, hub, controller)

	conn := dial(t, srv, "?codec=json")
	readFrame(t, conn, codec.JSON)

	require.NoError(t, conn.WriteJSON(Command{Action: "load_more"}))
	require.NoError(t, conn.WriteJSON(Command{Action: "typing", Typing: true}))
	require.NoError(t, conn.WriteJSON(Command{Action: "scope", ChannelID: "random", ParentID: "p1"}))
	require.NoError(t, conn.WriteJSON(Command{Action: "dance"}))

	errFrame := readFrame(t, conn, codec.JSON)
	assert.Equal(t, FrameError, errFrame.Type)
	assert.Contains(t, errFrame.Error, "dance")
	controller.AssertExpectations(t)
}

func TestTimelineWSRejectsUnknownCodec(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := setupWSServer(t, hub, new(mocks.ControllerMock))

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	_, resp, err := dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/timeline?codec=xml", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestTimelineWSEmitsLifecycle(t *testing.T) {
	emitter := &recordingEmitter{}
	hub := NewHub(emitter, nil)
	controller := new(mocks.ControllerMock)
	controller.On("Snapshot", mock.Anything).Return(session.State{}, session.ErrNoScope).Once()
	srv := setupWSServer(t, hub, controller)

	conn := dial(t, srv, "")
	f := readFrame(t, conn, codec.JSON)
	assert.Equal(t, FrameError, f.Type)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		names := emitter.names()
		return len(names) == 2 && names[0] == "ws_connect" && names[1] == "ws_disconnect"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.Len())
}
