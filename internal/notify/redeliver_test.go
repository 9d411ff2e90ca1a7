package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartattend/internal/logging"
	"smartattend/internal/queue"
)

type fakePendingReader struct {
	mu        sync.Mutex
	items     map[string]*Pending
	delivered []string
}

func (f *fakePendingReader) Get(_ context.Context, id string) (*Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.items[id]
	if !ok {
		return nil, ErrPendingNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePendingReader) MarkDelivered(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.items[id]; ok {
		p.Delivered = true
	}
	f.delivered = append(f.delivered, id)
	return nil
}

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	sent      []any
}

func (f *fakeConn) Connected(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Send(_ string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestRedeliverToConnectedTeacher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := queue.NewInMemory(4)
	pending := &fakePendingReader{items: map[string]*Pending{
		"n-1": {ID: "n-1", TeacherID: "teacher-1", Payload: Payload{Type: TypeAttendanceUpdate}},
	}}
	conn := &fakeConn{connected: true}

	r := &Redeliverer{
		Registry:   conn,
		Pending:    pending,
		Queue:      q,
		Log:        logging.New("test"),
		RetryDelay: 10 * time.Millisecond,
	}
	go func() { _ = r.Run(ctx) }()

	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeNotification, Body: []byte("n-1")}))

	require.Eventually(t, func() bool { return conn.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		pending.mu.Lock()
		defer pending.mu.Unlock()
		return len(pending.delivered) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRedeliverRequeuesWhileOffline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := queue.NewInMemory(4)
	pending := &fakePendingReader{items: map[string]*Pending{
		"n-1": {ID: "n-1", TeacherID: "teacher-1", Payload: Payload{Type: TypeGeofenceInvalid}},
	}}
	conn := &fakeConn{connected: false}

	r := &Redeliverer{
		Registry:   conn,
		Pending:    pending,
		Queue:      q,
		Log:        logging.New("test"),
		RetryDelay: 10 * time.Millisecond,
	}
	go func() { _ = r.Run(ctx) }()

	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeNotification, Body: []byte("n-1")}))

	// Nothing goes out while offline, then delivery lands after reconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, conn.sentCount())

	conn.mu.Lock()
	conn.connected = true
	conn.mu.Unlock()

	assert.Eventually(t, func() bool { return conn.sentCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRedeliverSkipsAlreadyDelivered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := queue.NewInMemory(4)
	pending := &fakePendingReader{items: map[string]*Pending{
		"n-1": {ID: "n-1", TeacherID: "teacher-1", Delivered: true},
	}}
	conn := &fakeConn{connected: true}

	r := &Redeliverer{Registry: conn, Pending: pending, Queue: q, Log: logging.New("test")}
	go func() { _ = r.Run(ctx) }()

	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeNotification, Body: []byte("n-1")}))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, conn.sentCount())
}
