package telemetry

import (
	"context"
	"log/slog"
	"time"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Envelope is the common frame of every published event.
type Envelope struct {
	SchemaVersion int     `json:"schema_version"`
	EventType     string  `json:"event_type"`
	OccurredAt    string  `json:"occurred_at"`
	Service       string  `json:"service"`
	Environment   string  `json:"environment"`
	RequestID     string  `json:"request_id,omitempty"`
	TraceID       string  `json:"trace_id,omitempty"`
	UserID        *string `json:"user_id,omitempty"`
	Payload       any     `json:"payload"`
}

// Headers returns the transport headers carried next to the body.
func (e Envelope) Headers() map[string]string {
	headers := map[string]string{}
	if e.RequestID != "" {
		headers["x-request-id"] = e.RequestID
	}
	if e.TraceID != "" {
		headers["trace_id"] = e.TraceID
	}
	return headers
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Source stamps envelopes with the service identity.
type Source struct {
	Service     string
	Environment string
}

func (s Source) envelope(eventType string, payload any) Envelope {
	return Envelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       s.Service,
		Environment:   s.Environment,
		Payload:       payload,
	}
}

type AuditEmitter struct {
	publisher  Publisher
	routingKey string
	source     Source
	logger     *slog.Logger
}

func NewAuditEmitter(publisher Publisher, routingKey string, source Source, logger *slog.Logger) *AuditEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditEmitter{
		publisher:  publisher,
		routingKey: routingKey,
		source:     source,
		logger:     logger,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	if e == nil || e.publisher == nil {
		return
	}

	e.logger.Debug("audit emit", "level", level, "request_id", requestID, "text", text)
	envelope := e.source.envelope("audit_log", AuditPayload{Level: level, Text: text})
	envelope.RequestID = requestID
	envelope.UserID = userID

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.logger.Warn("audit publish failed", "error", err)
	}
}
