package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"

	"chat-timeline/internal/session"
)

const defaultFeedBuffer = 256

// ChangePayload summarizes one timeline update for downstream consumers.
type ChangePayload struct {
	Seq          uint64   `json:"seq"`
	ChannelID    string   `json:"channel_id"`
	ParentID     string   `json:"parent_id,omitempty"`
	Source       string   `json:"source"`
	Kind         string   `json:"kind"`
	Row          int      `json:"row"`
	RegroupRow   int      `json:"regroup_row"`
	Rows         []int    `json:"rows,omitempty"`
	IsOwnMessage bool     `json:"is_own_message,omitempty"`
	MessageIDs   []string `json:"message_ids,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// ChangeFeed publishes every session update. OnChange never blocks the
// session; updates are dropped when the buffer is full.
type ChangeFeed struct {
	publisher  Publisher
	routingKey string
	source     Source
	logger     *slog.Logger
	queue      chan Envelope
	dropped    atomic.Uint64
}

var _ session.Observer = (*ChangeFeed)(nil)

func NewChangeFeed(publisher Publisher, routingKey string, source Source, buffer int, logger *slog.Logger) *ChangeFeed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeFeed{
		publisher:  publisher,
		routingKey: routingKey,
		source:     source,
		logger:     logger,
		queue:      make(chan Envelope, buffer),
	}
}

func (f *ChangeFeed) OnChange(_ context.Context, update session.Update) {
	payload := ChangePayload{
		Seq:          update.Seq,
		ChannelID:    update.Scope.ChannelID,
		ParentID:     update.Scope.ParentID,
		Source:       update.Source,
		Kind:         string(update.Change.Kind),
		Row:          update.Change.Row,
		RegroupRow:   update.Change.RegroupRow,
		Rows:         update.Change.Rows,
		IsOwnMessage: update.Change.IsOwnMessage,
		Error:        update.Change.ErrorText,
	}
	for _, m := range update.Change.Messages {
		payload.MessageIDs = append(payload.MessageIDs, m.ID)
	}

	select {
	case f.queue <- f.source.envelope("timeline_change", payload):
	default:
		if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
			f.logger.Warn("change feed full, dropping updates", "dropped", n)
		}
	}
}

// Dropped returns how many updates were discarded.
func (f *ChangeFeed) Dropped() uint64 {
	return f.dropped.Load()
}

// Run publishes queued updates until ctx is done.
func (f *ChangeFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-f.queue:
			if err := f.publisher.Publish(ctx, f.routingKey, envelope); err != nil {
				f.logger.Warn("change publish failed", "routing_key", f.routingKey, "error", err)
			}
		}
	}
}
