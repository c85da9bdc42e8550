package ws

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-timeline/internal/codec"
)

func newConnID() string {
	return uuid.NewString()
}

func messageType(format codec.Format) int {
	if format.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
