package rabbitmq

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"chat-timeline/internal/codec"
	"chat-timeline/internal/telemetry"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("", "timeline", codec.JSON, nil)
	assert.Equal(t, "noop", PublisherMode(p))
	assert.Equal(t, "empty amqp url", PublisherNoopReason(p))
	assert.NoError(t, p.Publish(context.Background(), "timeline.changes", telemetry.Envelope{EventType: "timeline_change"}))
	assert.NoError(t, p.Publish(context.Background(), "timeline.changes", "raw"))
	assert.NoError(t, p.Close())
}

func TestHeaderTable(t *testing.T) {
	assert.Nil(t, headerTable("raw"))
	assert.Equal(t, amqp.Table{"x-request-id": "r"}, headerTable(telemetry.Envelope{RequestID: "r"}))
}
