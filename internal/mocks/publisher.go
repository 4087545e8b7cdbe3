package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"estate-chat/internal/rabbitmq"
)

// PublisherMock stands in for any event backend.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *PublisherMock) Mode() string { return "mock" }

// Published returns the events passed to Publish under routingKey, in call order.
func (m *PublisherMock) Published(routingKey string) []any {
	var events []any
	for _, call := range m.Calls {
		if call.Method == "Publish" && call.Arguments.String(1) == routingKey {
			events = append(events, call.Arguments.Get(2))
		}
	}
	return events
}

var _ rabbitmq.Publisher = (*PublisherMock)(nil)
