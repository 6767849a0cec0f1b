package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePrefixFilter(t *testing.T) {
	b := New()
	tasks, unsub := b.Subscribe(4, "task.")
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "task.completed", Data: "backup"})
	b.Publish(Event{Type: "notifier.sent"})

	got := <-tasks
	assert.Equal(t, "task.completed", got.Type)
	assert.False(t, got.Time.IsZero())
	assert.Empty(t, tasks)

	assert.Len(t, all, 2)
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	require.Len(t, ch, 1)
	assert.Equal(t, uint64(1), Dropped(b))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}
