package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/logger"
)

func envelope(resource string) events.Envelope {
	return events.Envelope{EventType: events.EventCreate, DataType: "like", ResourceUID: resource}
}

func drain(s *Subscription) []string {
	var got []string
	for e := range s.C {
		got = append(got, e.ResourceUID)
	}
	return got
}

func TestHub(t *testing.T) {
	t.Run("every subscriber gets envelopes in order", func(t *testing.T) {
		h := New(10, logger.NewNoOpLogger())
		a := h.Subscribe()
		b := h.Subscribe()

		for _, r := range []string{"1", "2", "3"} {
			assert.Equal(t, 2, h.Publish(envelope(r)))
		}
		h.Unsubscribe(a)
		h.Unsubscribe(b)

		assert.Equal(t, []string{"1", "2", "3"}, drain(a))
		assert.Equal(t, []string{"1", "2", "3"}, drain(b))
		assert.Equal(t, 0, h.Len())
	})

	t.Run("unsubscribe twice", func(t *testing.T) {
		h := New(1, logger.NewNoOpLogger())
		s := h.Subscribe()

		h.Unsubscribe(s)
		h.Unsubscribe(s)

		_, ok := <-s.C
		assert.False(t, ok)
		assert.False(t, s.Lagged())
	})

	t.Run("lagging subscriber dropped", func(t *testing.T) {
		h := New(2, logger.NewNoOpLogger())
		slow := h.Subscribe()
		fast := h.Subscribe()

		h.Publish(envelope("1"))
		h.Publish(envelope("2"))
		<-fast.C
		<-fast.C

		delivered := h.Publish(envelope("3"))

		assert.Equal(t, 1, delivered)
		assert.Equal(t, []string{"1", "2"}, drain(slow), "buffered envelopes still readable")
		assert.True(t, slow.Lagged())
		assert.Equal(t, 1, h.Len())

		h.Unsubscribe(slow) // no-op after drop
		h.Unsubscribe(fast)
		assert.Equal(t, []string{"3"}, drain(fast))
	})

	t.Run("default buffer", func(t *testing.T) {
		h := New(0, logger.NewNoOpLogger())
		s := h.Subscribe()
		require.Equal(t, defaultBufferSize, cap(s.ch))
	})

	t.Run("concurrent publish and unsubscribe", func(t *testing.T) {
		h := New(1024, logger.NewNoOpLogger())
		subs := make([]*Subscription, 10)
		for i := range subs {
			subs[i] = h.Subscribe()
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				h.Publish(envelope("x"))
			}
		}()
		go func() {
			defer wg.Done()
			for _, s := range subs {
				h.Unsubscribe(s)
			}
		}()
		wg.Wait()

		assert.Equal(t, 0, h.Len())
	})
}
