// Package outbox defines the event contract between the write path and the
// asynchronous consumers (fulfillment retry, notifications).
package outbox

import "context"

// Event is a domain fact worth announcing, identified by its name.
type Event interface {
	EventName() string
}

// Handler reacts to one published event.
type Handler func(ctx context.Context, e Event) error

// Publisher enqueues events for delivery after the triggering operation.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber binds a handler to an event name.
type Subscriber interface {
	Subscribe(eventName string, h Handler)
}
