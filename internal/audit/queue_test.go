package audit

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventWithID(id string) Event {
	return Event{ID: id, Actor: "u", Action: "read", ResourceType: "secret", Outcome: OutcomeAllowed}
}

func ids(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestRingBuffer_FIFO(t *testing.T) {
	t.Parallel()

	b := newRingBuffer(4)
	for i := range 3 {
		assert.False(t, b.Enqueue(eventWithID(fmt.Sprint(i))))
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []string{"0", "1"}, ids(b.DequeueBatch(2)))
	assert.Equal(t, []string{"2"}, ids(b.DequeueBatch(10)))
	assert.Nil(t, b.DequeueBatch(1))
	assert.Zero(t, b.Dropped())
}

func TestRingBuffer_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	b := newRingBuffer(2)
	assert.False(t, b.Enqueue(eventWithID("a")))
	assert.False(t, b.Enqueue(eventWithID("b")))
	assert.True(t, b.Enqueue(eventWithID("c")))

	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []string{"b", "c"}, ids(b.DequeueBatch(2)))
}

func TestRingBuffer_WrapAround(t *testing.T) {
	t.Parallel()

	b := newRingBuffer(3)
	for i := range 10 {
		b.Enqueue(eventWithID(fmt.Sprint(i)))
		if i%2 == 1 {
			b.DequeueBatch(1)
		}
	}

	got := ids(b.DequeueBatch(3))
	require.Len(t, got, 2)
	assert.Equal(t, []string{"8", "9"}, got)
	assert.Equal(t, uint64(3), b.Dropped())
}

func TestRingBuffer_DefaultCapacity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultQueueCapacity, newRingBuffer(0).Cap())
	assert.Equal(t, DefaultQueueCapacity, newRingBuffer(-1).Cap())
}

func TestRingBuffer_ConcurrentProducers(t *testing.T) {
	t.Parallel()

	const producers, perProducer, capacity = 8, 100, 50

	b := newRingBuffer(capacity)
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				b.Enqueue(eventWithID(fmt.Sprintf("%d-%d", p, i)))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, b.Len())
	assert.Equal(t, uint64(producers*perProducer-capacity), b.Dropped())
}
