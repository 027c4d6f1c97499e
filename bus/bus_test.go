package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscriber closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return nil
	}
}

func TestPublishFanOut(t *testing.T) {
	b := New()

	s1 := b.NewSubscriber(4)
	s2 := b.NewSubscriber(4)
	s3 := b.NewSubscriber(4)
	b.Attach(s1, ConvChannel(7))
	b.Attach(s2, ConvChannel(7))
	b.Attach(s3, UserChannel(1))

	b.Publish(ConvChannel(7), &Event{Type: EventNewMessage, ConversationID: 7})

	assert.Equal(t, EventNewMessage, recvOne(t, s1).Type)
	assert.Equal(t, EventNewMessage, recvOne(t, s2).Type)

	// s3 listens elsewhere.
	select {
	case <-s3.C:
		t.Fatal("unexpected event")
	default:
	}
}

func TestMultipleChannelsOneStream(t *testing.T) {
	b := New()

	sub := b.NewSubscriber(4)
	b.Attach(sub, UserChannel(1))
	b.Attach(sub, ConvChannel(7))
	// double attach is a no-op.
	b.Attach(sub, ConvChannel(7))

	b.Publish(ConvChannel(7), &Event{Type: EventNewMessage})
	b.Publish(UserChannel(1), &Event{Type: EventPreview})

	assert.Equal(t, EventNewMessage, recvOne(t, sub).Type)
	assert.Equal(t, EventPreview, recvOne(t, sub).Type)
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New()

	slow := b.NewSubscriber(1)
	fast := b.NewSubscriber(4)
	b.Attach(slow, ConvChannel(7))
	b.Attach(fast, ConvChannel(7))

	// first fills slow's buffer, second overflows it.
	b.Publish(ConvChannel(7), &Event{Type: EventNewMessage})
	b.Publish(ConvChannel(7), &Event{Type: EventNewMessage})

	// fast got both, untouched by slow's fate.
	assert.Equal(t, EventNewMessage, recvOne(t, fast).Type)
	assert.Equal(t, EventNewMessage, recvOne(t, fast).Type)

	// slow's stream ends after the buffered event.
	<-slow.C
	_, ok := <-slow.C
	assert.False(t, ok)
	assert.True(t, slow.Lagged())

	// further publishes do not reach the dropped subscriber.
	b.Publish(ConvChannel(7), &Event{Type: EventNewMessage})
	assert.Equal(t, EventNewMessage, recvOne(t, fast).Type)
}

func TestDetachAndRemove(t *testing.T) {
	b := New()

	sub := b.NewSubscriber(4)
	b.Attach(sub, ConvChannel(7))
	b.Attach(sub, UserChannel(1))

	b.Detach(sub, ConvChannel(7))
	b.Publish(ConvChannel(7), &Event{Type: EventNewMessage})
	select {
	case <-sub.C:
		t.Fatal("unexpected event after detach")
	default:
	}

	b.Publish(UserChannel(1), &Event{Type: EventPreview})
	assert.Equal(t, EventPreview, recvOne(t, sub).Type)

	b.Remove(sub)
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.False(t, sub.Lagged())

	// publishing into a channel with no subscribers is fine.
	b.Publish(UserChannel(1), &Event{Type: EventPreview})
}
