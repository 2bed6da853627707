package queue

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sirupsen/logrus"
)

// Topics.
const (
	// TopicEvents carries raw analytics events into the engine.
	TopicEvents = "analytics.events"
	// TopicRealtime fans out compact updates to live consumers.
	TopicRealtime = "analytics.realtime"
)

// PubSub bundles the publisher and subscriber ends of one transport.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close shuts down both ends.
func (p *PubSub) Close() error {
	if err := p.Publisher.Close(); err != nil {
		return err
	}
	return p.Subscriber.Close()
}

// NewInProcPubSub builds an in-process Pub/Sub for development and
// tests. Messages are buffered so a slow consumer does not block
// publishers.
func NewInProcPubSub(log *logrus.Logger) *PubSub {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, newWatermillLogger(log))
	return &PubSub{Publisher: ps, Subscriber: ps}
}

// newWatermillLogger adapts logrus to Watermill's logger contract.
func newWatermillLogger(log *logrus.Logger) watermill.LoggerAdapter {
	return &watermillLogger{entry: logrus.NewEntry(log)}
}

type watermillLogger struct {
	entry *logrus.Entry
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.withFields(fields).WithError(err).Error(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.withFields(fields).Info(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.withFields(fields).Debug(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.withFields(fields).Trace(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{entry: l.withFields(fields)}
}

func (l *watermillLogger) withFields(fields watermill.LogFields) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	return l.entry.WithFields(logrus.Fields(fields))
}
