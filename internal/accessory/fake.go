package accessory

import (
	"strings"
	"sync"
)

// Message is one publish recorded by FakePublisher.
type Message struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// FakePublisher records publishes and lets tests deliver inbound messages.
type FakePublisher struct {
	mu sync.Mutex

	// Messages contains everything published, in order.
	Messages []Message

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	handlers map[string]Handler
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{handlers: map[string]Handler{}}
}

func (f *FakePublisher) Publish(topic string, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Messages = append(f.Messages, Message{Topic: topic, Retained: retained, Payload: payload})
	return nil
}

func (f *FakePublisher) Subscribe(topic string, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Subscribed reports whether a subscription for the exact filter exists.
func (f *FakePublisher) Subscribed(filter string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[filter]
	return ok
}

// Deliver hands payload to every handler whose filter matches topic.
func (f *FakePublisher) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	var matched []Handler
	for filter, h := range f.handlers {
		if topicMatches(filter, topic) {
			matched = append(matched, h)
		}
	}
	f.mu.Unlock()

	for _, h := range matched {
		h(topic, payload)
	}
}

// Last returns the newest message published on topic.
func (f *FakePublisher) Last(topic string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Messages) - 1; i >= 0; i-- {
		if f.Messages[i].Topic == topic {
			return f.Messages[i], true
		}
	}
	return Message{}, false
}

func (f *FakePublisher) Count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.Messages {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

// topicMatches implements MQTT "+" and "#" wildcards.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, part := range fp {
		if part == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
