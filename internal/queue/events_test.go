package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDispatchesToSpecificListener(t *testing.T) {
	e := NewEmitter()
	got := make(chan Event, 1)
	e.On(EventCompleted, func(ev Event) { got <- ev })

	job := &Job{ID: 7, JobType: "send_email"}
	e.Emit(Event{Type: EventCompleted, Job: job})

	select {
	case ev := <-got:
		assert.Equal(t, EventCompleted, ev.Type)
		assert.Equal(t, int64(7), ev.Job.ID)
	case <-time.After(time.Second):
		t.Fatal("listener was never invoked")
	}
}

func TestEmitterWildcardSeesEveryEventType(t *testing.T) {
	e := NewEmitter()
	got := make(chan EventType, 2)
	e.On("", func(ev Event) { got <- ev.Type })

	e.Emit(Event{Type: EventAdded})
	e.Emit(Event{Type: EventFailed})

	seen := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case et := <-got:
			seen[et] = true
		case <-time.After(time.Second):
			t.Fatal("wildcard listener missed an event")
		}
	}
	require.True(t, seen[EventAdded])
	require.True(t, seen[EventFailed])
}

func TestEmitterDoesNotDeliverToMismatchedType(t *testing.T) {
	e := NewEmitter()
	called := make(chan struct{}, 1)
	e.On(EventCompleted, func(ev Event) { called <- struct{}{} })

	e.Emit(Event{Type: EventFailed})

	select {
	case <-called:
		t.Fatal("listener for a different event type should not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEmitterRecoversFromPanickingListener(t *testing.T) {
	e := NewEmitter()
	done := make(chan struct{})
	e.On(EventAdded, func(Event) { panic("listener blew up") })
	e.On(EventAdded, func(Event) { close(done) })

	assert.NotPanics(t, func() {
		e.Emit(Event{Type: EventAdded})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a panicking listener must not block delivery to the others")
	}
}
