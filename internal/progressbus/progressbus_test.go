package progressbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.PublishMessage("task-1", "starting")

	select {
	case evt := <-sub.Events():
		assert.Equal(t, "task-1", evt.TaskID)
		assert.Equal(t, "starting", evt.Message)
		assert.False(t, evt.IsTerminal())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	b.PublishMessage("task-1", "hello")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case evt := <-sub.Events():
			assert.Equal(t, "hello", evt.Message)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishDropsForSlowSubscriberWithoutBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < subscriberBufferSize+10; i++ {
		b.PublishMessage("task-1", "flood")
	}

	assert.Equal(t, subscriberBufferSize, len(sub.Events()))
}

func TestCloseIsIdempotentAndUnregisters(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, b.SubscriberCount())
}

func TestPublishTerminalSetsKind(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.PublishTerminal("task-1", "done", TerminalSucceeded)

	evt := <-sub.Events()
	assert.True(t, evt.IsTerminal())
	assert.Equal(t, TerminalSucceeded, evt.Terminal)
}

func TestPublishPercentSetsPointer(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.PublishPercent("task-1", "halfway", 50)

	evt := <-sub.Events()
	require.NotNil(t, evt.Percent)
	assert.Equal(t, 50, *evt.Percent)
}
