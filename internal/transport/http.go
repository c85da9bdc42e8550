// Package transport talks to the chat backend: paginated history over HTTP
// and live events over a websocket.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"chat-timeline/internal/codec"
	"chat-timeline/internal/models"
	"chat-timeline/internal/timeline"
)

const maxBodyBytes = 8 << 20

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	BaseURL string
	Token   string
	UserID  string
	Format  codec.Format
	Timeout time.Duration
	// RequestsPerSecond and Burst throttle outgoing requests.
	RequestsPerSecond float64
	Burst             int
}

// HTTPFetcher loads history and posts user actions. It is safe for concurrent use.
type HTTPFetcher struct {
	base    *url.URL
	token   string
	userID  string
	format  codec.Format
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPFetcher validates cfg and builds a fetcher.
func NewHTTPFetcher(cfg HTTPConfig) (*HTTPFetcher, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Format == "" {
		cfg.Format = codec.JSON
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &HTTPFetcher{
		base:    base,
		token:   cfg.Token,
		userID:  cfg.UserID,
		format:  cfg.Format,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}, nil
}

// Fetch loads one page of channel history, or of thread replies in thread scope.
func (f *HTTPFetcher) Fetch(ctx context.Context, scope timeline.Scope, req timeline.PageRequest) (models.FetchResponse, error) {
	const op = "fetch"
	var resp models.FetchResponse

	cursor, err := timeline.DecodeCursor(req.Token)
	if err != nil {
		return resp, &TransportError{Op: op, Err: err}
	}
	query := url.Values{}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	if cursor.IDLessThan != "" {
		query.Set("id_lt", cursor.IDLessThan)
	}
	if cursor.IDGreaterThan != "" {
		query.Set("id_gt", cursor.IDGreaterThan)
	}

	path := "/channels/" + url.PathEscape(scope.ChannelID) + "/messages"
	if scope.IsThread() {
		path += "/" + url.PathEscape(scope.ParentID) + "/replies"
	}

	body, contentType, err := f.do(ctx, op, http.MethodGet, path, query, nil)
	if err != nil {
		return resp, err
	}
	format := formatFromContentType(contentType, f.format)
	if err := format.Unmarshal(body, &resp); err != nil {
		return resp, &TransportError{Op: op, Err: fmt.Errorf("decode %s: %w", format, err)}
	}
	if resp.Channel.ID == "" {
		resp.Channel.ID = scope.ChannelID
	}
	return resp, nil
}

// MarkRead tells the backend the current user has read the channel.
func (f *HTTPFetcher) MarkRead(ctx context.Context, channelID string) error {
	_, _, err := f.do(ctx, "mark_read", http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/read", nil, nil)
	return err
}

// SendEvent posts a client event such as typing.start.
func (f *HTTPFetcher) SendEvent(ctx context.Context, channelID string, eventType models.EventType) error {
	payload, err := f.format.Marshal(models.Event{Type: eventType, ChannelID: channelID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return &TransportError{Op: "send_event", Err: err}
	}
	_, _, err = f.do(ctx, "send_event", http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/events", nil, payload)
	return err
}

// do waits for the limiter, performs the request and returns the body of a 2xx response.
func (f *HTTPFetcher) do(ctx context.Context, op, method, path string, query url.Values, payload []byte) ([]byte, string, error) {
	r := f.limiter.Reserve()
	if !r.OK() {
		return nil, "", &TransportError{Op: op, Err: errors.New("invalid limiter configuration")}
	}
	if delay := r.Delay(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			return nil, "", &TransportError{Op: op, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	u := *f.base
	u.Path = f.base.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, "", &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", f.format.ContentType())
	if payload != nil {
		req.Header.Set("Content-Type", f.format.ContentType())
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	if f.userID != "" {
		req.Header.Set("X-User-ID", f.userID)
	}

	res, err := f.client.Do(req)
	if err != nil {
		return nil, "", &TransportError{Op: op, Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, "", &TransportError{Op: op, StatusCode: res.StatusCode, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return nil, "", &TransportError{Op: op, StatusCode: res.StatusCode, Err: errors.New(msg)}
	}
	return data, res.Header.Get("Content-Type"), nil
}

func formatFromContentType(contentType string, fallback codec.Format) codec.Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fallback
	}
	switch mediaType {
	case "application/cbor":
		return codec.CBOR
	case "application/json":
		return codec.JSON
	default:
		return fallback
	}
}
