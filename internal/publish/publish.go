// Package publish implements the general publisher: application-defined
// events, not derived from a database write, routed by path.
package publish

import "odin-broadcaster/internal/fingerprint"

// Queue is the subset of internal/broadcast.Queue the publisher needs.
type Queue interface {
	PublishWithPayload(fingerprint string, payload any)
}

// Publisher publishes application-defined events by path.
type Publisher struct {
	queue Queue
}

// New builds a Publisher backed by the given broadcast queue.
func New(queue Queue) *Publisher {
	return &Publisher{queue: queue}
}

// Publish hashes eventPath the same way a subscription descriptor is
// hashed and enqueues data as a data-carrying event for anyone subscribed
// to that path.
func (p *Publisher) Publish(eventPath string, data any) {
	p.queue.PublishWithPayload(fingerprint.FingerprintPath(eventPath), data)
}
