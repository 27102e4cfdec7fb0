package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// WorkStream is the JetStream stream carrying submitted run tasks. All
// worker subjects live under WorkSubjects.
const (
	WorkStream   = "DOCFLOW_WORK"
	WorkSubjects = "docflow.work.>"
)

// EnsureWorkStream creates or updates the work stream. Tasks survive until
// a worker acks them; WorkQueuePolicy gives exactly-one-worker delivery per
// subject.
func EnsureWorkStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      WorkStream,
		Subjects:  []string{WorkSubjects},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure work stream: %w", err)
	}
	return nil
}

// JetStreamPublisher publishes submitted tasks to the work stream.
type JetStreamPublisher struct {
	js jetstream.JetStream
}

// NewJetStreamPublisher creates a Publisher over js.
func NewJetStreamPublisher(js jetstream.JetStream) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

// Publish writes data to the subject, waiting for stream acknowledgement.
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
