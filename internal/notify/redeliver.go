package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"smartattend/internal/queue"
)

// PendingReader is the slice of the pending store the redeliverer needs.
type PendingReader interface {
	Get(ctx context.Context, id string) (*Pending, error)
	MarkDelivered(ctx context.Context, id string) error
}

// ConnChecker is the slice of the registry the redeliverer needs.
type ConnChecker interface {
	Connected(teacherID string) bool
	Send(teacherID string, v any) error
}

// Redeliverer drains the redelivery queue: notifications whose teacher has a
// live connection are pushed and marked delivered, the rest are requeued
// after a delay. It runs next to the registry, in the API process.
type Redeliverer struct {
	Registry   ConnChecker
	Pending    PendingReader
	Queue      queue.Queue
	Log        *logrus.Entry
	RetryDelay time.Duration
}

const defaultRetryDelay = 15 * time.Second

// Run consumes until ctx is cancelled.
func (r *Redeliverer) Run(ctx context.Context) error {
	msgs, err := r.Queue.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		if msg.Type != queue.TypeNotification {
			continue
		}
		r.handle(ctx, string(msg.Body))
	}
	return ctx.Err()
}

func (r *Redeliverer) handle(ctx context.Context, id string) {
	log := r.Log.WithField("notification_id", id)

	p, err := r.Pending.Get(ctx, id)
	if err != nil {
		log.WithError(err).Warn("dropping redelivery: lookup failed")
		return
	}
	if p.Delivered {
		// The websocket reconnect replay got there first.
		return
	}

	if !r.Registry.Connected(p.TeacherID) {
		r.requeue(ctx, id)
		return
	}
	if err := r.Registry.Send(p.TeacherID, p.Payload); err != nil {
		r.requeue(ctx, id)
		return
	}
	if err := r.Pending.MarkDelivered(ctx, id); err != nil {
		log.WithError(err).Warn("delivered but could not mark")
	}
}

// requeue republishes after the retry delay without blocking the consumer.
func (r *Redeliverer) requeue(ctx context.Context, id string) {
	delay := r.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	timer := time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := r.Queue.Publish(ctx, queue.Message{Type: queue.TypeNotification, Body: []byte(id)}); err != nil {
			r.Log.WithError(err).WithField("notification_id", id).Warn("requeue failed")
		}
	})
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()
}
