package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/testutil"
)

func TestClock_Stamps(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Last())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Last())

	resumed := NewClockAt(40)
	assert.Equal(t, int64(41), resumed.Next())
}

func TestClock_UniqueUnderContention(t *testing.T) {
	c := NewClock()
	const writers, stamps = 32, 200

	results := make([][]int64, writers)
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range stamps {
				results[w] = append(results[w], c.Next())
			}
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool, writers*stamps)
	for _, r := range results {
		for i, s := range r {
			assert.False(t, seen[s], "stamp %d handed out twice", s)
			seen[s] = true
			if i > 0 {
				assert.Greater(t, s, r[i-1], "stamps from one goroutine increase")
			}
		}
	}
	assert.Equal(t, int64(writers*stamps), c.Last())
}

func TestClock_StampsOpsInSubmissionOrder(t *testing.T) {
	coll := testutil.NewFakeCollection()
	e := New(coll, WithClock(NewClockAt(100)), WithLogger(testutil.DiscardLogger()))

	first := e.Create(record.Fields{"n": 1})
	second := e.Create(record.Fields{"n": 2})
	third := e.Delete(first.LocalID)

	require.Equal(t, int64(101), first.Seq)
	assert.Equal(t, int64(102), second.Seq)
	assert.Equal(t, int64(103), third.Seq)
}
