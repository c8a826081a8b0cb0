package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo-automation/bar-core/internal/corelog"
)

func TestTopicMatching(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"bacnet/discover", "bacnet/discover", true},
		{"bacnet/+", "bacnet/discover", true},
		{"bacnet/+", "bacnet/read/objects", false},
		{"bacnet/#", "bacnet/read/objects", true},
		{"bacnet/#", "bacnet", true},
		{"#", "anything/at/all", true},
		{"points/+/value", "points/ahu1/value", true},
		{"points/+/value", "points/ahu1/status", false},
		{"points/*/value", "points/ahu1/value", true},
		{"a/b/c", "a/b", false},
		{"a/b", "a/b/c", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TopicMatches(c.pattern, c.topic), "pattern=%s topic=%s", c.pattern, c.topic)
	}
}

func TestPublishSubscribeDelivery(t *testing.T) {
	b := NewBroker(corelog.NewNop())
	sub := b.Subscribe("points/+/value")

	b.Publish(Event{Topic: "points/ahu1/value", Type: "PointValueChanged", Data: map[string]any{"v": 1}})
	b.Publish(Event{Topic: "points/ahu1/status", Type: "DeviceStatusChanged"})

	select {
	case ev := <-sub.Events:
		assert.Equal(t, "PointValueChanged", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}

	select {
	case <-sub.Events:
		t.Fatal("should not have received a non-matching topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDropsOldestNeverBlocks(t *testing.T) {
	b := NewBroker(corelog.NewNop())
	sub := b.Subscribe("flood")

	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		done := make(chan struct{})
		go func(i int) {
			b.Publish(Event{Topic: "flood", Type: "Custom", Data: map[string]any{"i": i}})
			close(done)
		}(i)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("publish blocked on overflow at i=%d", i)
		}
	}

	// The most recent event must have survived even though early ones were dropped.
	var last Event
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				goto done
			}
			last = ev
		default:
			goto done
		}
	}
done:
	require.NotNil(t, last.Data)
	assert.Equal(t, defaultSubscriberBuffer+9, last.Data["i"])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(corelog.NewNop())
	sub := b.Subscribe("x")
	sub.Unsubscribe()
	_, ok := <-sub.Events
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}
