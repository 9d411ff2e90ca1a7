package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"smartattend/internal/queue"
)

// Delivery outcomes. Dropped means the live push failed and the durable
// write failed too; the notification is lost and only the metric records it.
const (
	DeliveredLive = "delivered-live"
	Queued        = "queued"
	Dropped       = "dropped"
)

// LiveSender pushes a payload over a teacher's live connection.
type LiveSender interface {
	Send(teacherID string, v any) error
}

// PendingWriter durably stores a notification that could not go out live.
type PendingWriter interface {
	Insert(ctx context.Context, teacherID string, p Payload) (string, error)
}

// Dispatcher routes notifications: live first, durable queue as fallback.
// Dispatch never fails the surrounding check-in; every error path degrades
// to the queue or, at worst, a logged drop.
type Dispatcher struct {
	live    LiveSender
	pending PendingWriter
	queue   queue.Queue
	log     *logrus.Entry
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(live LiveSender, pending PendingWriter, q queue.Queue, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{live: live, pending: pending, queue: q, log: log}
}

// Dispatch delivers p to the teacher and reports how it went out.
func (d *Dispatcher) Dispatch(ctx context.Context, teacherID string, p Payload) string {
	if err := d.live.Send(teacherID, p); err == nil {
		return DeliveredLive
	}

	id, err := d.pending.Insert(ctx, teacherID, p)
	if err != nil {
		d.log.WithError(err).WithField("teacher_id", teacherID).
			Error("dropping notification: pending store write failed")
		return Dropped
	}

	if d.queue != nil {
		if err := d.queue.Publish(ctx, queue.Message{Type: queue.TypeNotification, Body: []byte(id)}); err != nil {
			// The websocket reconnect replay still picks it up from Postgres.
			d.log.WithError(err).WithField("notification_id", id).
				Warn("redelivery enqueue failed")
		}
	}
	return Queued
}
