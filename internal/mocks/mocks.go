package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-timeline/internal/models"
	"chat-timeline/internal/session"
	"chat-timeline/internal/timeline"
)

var (
	_ session.Fetcher     = (*FetcherMock)(nil)
	_ session.EventSource = (*EventSourceMock)(nil)
)

type FetcherMock struct {
	mock.Mock
}

func (m *FetcherMock) Fetch(ctx context.Context, scope timeline.Scope, req timeline.PageRequest) (models.FetchResponse, error) {
	args := m.Called(ctx, scope, req)
	var resp models.FetchResponse
	if val := args.Get(0); val != nil {
		resp = val.(models.FetchResponse)
	}
	return resp, args.Error(1)
}

func (m *FetcherMock) MarkRead(ctx context.Context, channelID string) error {
	args := m.Called(ctx, channelID)
	return args.Error(0)
}

func (m *FetcherMock) SendEvent(ctx context.Context, channelID string, eventType models.EventType) error {
	args := m.Called(ctx, channelID, eventType)
	return args.Error(0)
}

type EventSourceMock struct {
	mock.Mock
}

func (m *EventSourceMock) Subscribe(ctx context.Context, scope timeline.Scope) (<-chan models.Event, error) {
	args := m.Called(ctx, scope)
	var ch <-chan models.Event
	switch val := args.Get(0).(type) {
	case chan models.Event:
		ch = val
	case <-chan models.Event:
		ch = val
	}
	return ch, args.Error(1)
}

// ControllerMock stands in for a running session behind the HTTP and
// websocket handlers.
type ControllerMock struct {
	mock.Mock
}

func (m *ControllerMock) Snapshot(ctx context.Context) (session.State, error) {
	args := m.Called(ctx)
	var state session.State
	if val := args.Get(0); val != nil {
		state = val.(session.State)
	}
	return state, args.Error(1)
}

func (m *ControllerMock) SwitchScope(ctx context.Context, scope timeline.Scope, parent *models.Message) error {
	args := m.Called(ctx, scope, parent)
	return args.Error(0)
}

func (m *ControllerMock) LoadMore(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *ControllerMock) Reload(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *ControllerMock) SetEphemeral(ctx context.Context, msg models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *ControllerMock) ClearEphemeral(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *ControllerMock) MarkRead(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *ControllerMock) SetTyping(ctx context.Context, typing bool) error {
	args := m.Called(ctx, typing)
	return args.Error(0)
}

func (m *ControllerMock) SetOnline(ctx context.Context, online bool) error {
	args := m.Called(ctx, online)
	return args.Error(0)
}
