// Package queue is the in-process message queue carrying async work between
// the trigger dispatcher, the engine, and the daemon: run dispatches and
// trigger firings. Delivery is at-least-once within the process; consumers
// are expected to be idempotent.
package queue

import (
	"context"
	"sync"

	"github.com/lyzr/supervisor/common/logger"
)

// Topics used by the supervisor.
const (
	TopicRunDispatch  = "run.dispatch"
	TopicTriggerEvent = "trigger.event"
)

const topicBuffer = 1000

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

// Message represents a queue message
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Queue interface for message passing
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MemoryQueue is a buffered-channel queue, one channel per topic.
type MemoryQueue struct {
	topics map[string]chan *Message
	mu     sync.RWMutex
	closed bool
	log    *logger.Logger
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string]chan *Message),
		log:    log,
	}
}

func (q *MemoryQueue) topic(name string) chan *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, exists := q.topics[name]
	if !exists {
		ch = make(chan *Message, topicBuffer)
		q.topics[name] = ch
	}
	return ch
}

// Publish publishes a message to a topic. A full topic drops the message
// with a warning rather than blocking the publisher.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	ch := q.topic(topic)

	msg := &Message{
		Topic: topic,
		Key:   key,
		Value: message,
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("queue full, dropping message", "topic", topic, "key", key)
		return nil
	}
}

// Subscribe consumes a topic until the context is cancelled. Handler errors
// are logged; the subscription keeps going.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	ch := q.topic(topic)

	q.log.Info("subscribing to topic", "topic", topic)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg.Key, msg.Value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close closes every topic channel.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	for topic, ch := range q.topics {
		close(ch)
		q.log.Info("closed topic", "topic", topic)
	}
	return nil
}
