package mockpublisher

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/mock"
)

type Publisher struct {
	mock.Mock
}

// Interface compliance check
var _ message.Publisher = &Publisher{}

func (m *Publisher) Publish(topic string, messages ...*message.Message) error {
	args := m.Called(topic, messages)
	return args.Error(0)
}

func (m *Publisher) Close() error {
	args := m.Called()
	return args.Error(0)
}
