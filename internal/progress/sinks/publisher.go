package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/fetchguard/internal/jobs"
	"github.com/JakeFAU/fetchguard/internal/progress"
)

// Batch is the message body published for each flushed batch.
type Batch struct {
	Events []progress.Event `json:"events"`
}

// PublisherSink publishes batches to a topic, splitting them so one message never carries more
// than MaxEvents events.
type PublisherSink struct {
	pub       jobs.Publisher
	topic     string
	maxEvents int
}

// NewPublisherSink builds a PublisherSink. maxEvents <= 0 publishes each batch as one message.
func NewPublisherSink(pub jobs.Publisher, topic string, maxEvents int) (*PublisherSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &PublisherSink{pub: pub, topic: topic, maxEvents: maxEvents}, nil
}

// Consume publishes batch. The first publish error aborts the remainder.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	for len(batch) > 0 {
		n := len(batch)
		if s.maxEvents > 0 && n > s.maxEvents {
			n = s.maxEvents
		}
		if _, err := s.pub.Publish(ctx, s.topic, Batch{Events: batch[:n]}); err != nil {
			return fmt.Errorf("publish progress batch: %w", err)
		}
		batch = batch[n:]
	}
	return nil
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
