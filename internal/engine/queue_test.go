package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(event{typ: evDelete, op: &Op{LocalID: id}}))
	}

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, evDelete, got.typ)
		assert.Equal(t, want, got.op.LocalID)
	}
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_Wait_SignalsAfterEnqueue(t *testing.T) {
	q := newEventQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(event{typ: evRefresh})
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("wait did not signal")
	}
	ev, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, evRefresh, ev.typ)
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	require.True(t, q.Enqueue(event{typ: evRefresh}))

	q.Close()
	q.Close() // idempotent

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(event{typ: evRefresh}), "enqueue after close should fail")

	select {
	case <-q.Wait():
	default:
		t.Fatal("wait channel should be closed")
	}

	// Events queued before close remain available for draining.
	_, ok := q.TryDequeue()
	assert.True(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()

	const writers, per = 10, 100
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range per {
				q.Enqueue(event{typ: evPush})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, writers*per, q.Len())
	n := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		n++
	}
	assert.Equal(t, writers*per, n)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "settled", evSettled.String())
	assert.Equal(t, "unknown", eventType(99).String())
}
