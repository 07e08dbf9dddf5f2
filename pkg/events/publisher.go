package events

import "context"

// EventPublisher receives the outcome of every task run.
type EventPublisher interface {
	PublishCompleted(ctx context.Context, event *TaskEvent) error
}

// NoOpPublisher drops events; used when COMMS_URL is empty.
type NoOpPublisher struct{}

func (p *NoOpPublisher) PublishCompleted(context.Context, *TaskEvent) error { return nil }

// PublisherFunc adapts a function to EventPublisher.
type PublisherFunc func(ctx context.Context, event *TaskEvent) error

func (f PublisherFunc) PublishCompleted(ctx context.Context, event *TaskEvent) error {
	return f(ctx, event)
}
