package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/testutil"
)

type memQueue struct {
	mu       sync.Mutex
	bodies   map[string][]byte
	order    []string
	failures []error
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newMemQueue() *memQueue {
	return &memQueue{bodies: map[string][]byte{}}
}

func (q *memQueue) Send(ctx context.Context, queue, key string, body []byte) (bool, error) {
	n := q.inFlight.Add(1)
	defer q.inFlight.Add(-1)
	for {
		p := q.peak.Load()
		if n <= p || q.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if q.delay > 0 {
		select {
		case <-time.After(q.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.failures) > 0 {
		err := q.failures[0]
		q.failures = q.failures[1:]
		return false, err
	}
	if _, ok := q.bodies[key]; ok {
		return false, nil
	}
	q.bodies[key] = body
	q.order = append(q.order, key)
	return true, nil
}

func (q *memQueue) keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.order...)
}

func recs(n int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.New("r"+string(rune('a'+i)), record.Fields{"n": i})
	}
	return out
}

func TestRecords_SendsOneMessageEach(t *testing.T) {
	q := newMemQueue()
	d := New(q, "jobs",
		WithExtra(record.Fields{"annotationSetId": "set-1"}),
		WithLogger(testutil.DiscardLogger()),
	)

	rep, err := d.Records(context.Background(), recs(4))
	require.NoError(t, err)
	assert.Equal(t, Report{Queue: "jobs", Total: 4, Sent: 4}, rep)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.bodies, 4)
	for _, body := range q.bodies {
		var got record.Record
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "set-1", got.String("annotationSetId"))
		assert.NotEmpty(t, got.ID)
	}
}

func TestRecords_Idempotent(t *testing.T) {
	q := newMemQueue()
	d := New(q, "jobs", WithLogger(testutil.DiscardLogger()))

	_, err := d.Records(context.Background(), recs(3))
	require.NoError(t, err)
	rep, err := d.Records(context.Background(), recs(3))
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Sent)
	assert.Equal(t, 3, rep.Duplicates)
}

func TestRecords_SkipAndProgress(t *testing.T) {
	q := newMemQueue()
	var progress []Progress
	d := New(q, "jobs",
		WithSkip(func(r record.Record) bool { return r.ID == "rb" }),
		WithProgress(func(p Progress) { progress = append(progress, p) }),
		WithConcurrency(1),
		WithLogger(testutil.DiscardLogger()),
	)

	rep, err := d.Records(context.Background(), recs(3))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, 1, rep.Skipped)

	require.Len(t, progress, 3)
	assert.Equal(t, Progress{Completed: 3, Total: 3}, progress[2])
}

func TestRecords_BoundedConcurrency(t *testing.T) {
	q := newMemQueue()
	q.delay = 5 * time.Millisecond
	d := New(q, "jobs", WithConcurrency(2), WithLogger(testutil.DiscardLogger()))

	_, err := d.Records(context.Background(), recs(10))
	require.NoError(t, err)
	assert.LessOrEqual(t, q.peak.Load(), int32(2))
}

func TestRecords_RetriesTransientFailures(t *testing.T) {
	q := newMemQueue()
	q.failures = []error{remote.NewError(remote.KindNetwork, "send", "flaky")}
	d := New(q, "jobs",
		WithRetryPolicy(testutil.FastPolicy(3)),
		WithConcurrency(1),
		WithLogger(testutil.DiscardLogger()),
	)

	rep, err := d.Records(context.Background(), recs(2))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
}

func TestRecords_PermanentFailureStops(t *testing.T) {
	q := newMemQueue()
	q.failures = []error{remote.NewError(remote.KindValidation, "send", "bad body")}
	d := New(q, "jobs",
		WithRetryPolicy(testutil.FastPolicy(3)),
		WithConcurrency(1),
		WithLogger(testutil.DiscardLogger()),
	)

	rep, err := d.Records(context.Background(), recs(5))
	require.Error(t, err)
	assert.True(t, remote.IsKind(err, remote.KindValidation))
	assert.Less(t, rep.Sent, 5)
}

func TestPairs_OrdersAndRespectsGap(t *testing.T) {
	q := newMemQueue()
	d := New(q, "register",
		WithOrderBy("timestamp"),
		WithMaxGap(5),
		WithExtra(record.Fields{"action": "register"}),
		WithConcurrency(1),
		WithLogger(testutil.DiscardLogger()),
	)

	in := []record.Record{
		record.New("c", record.Fields{"timestamp": json.Number("20")}),
		record.New("a", record.Fields{"timestamp": json.Number("1")}),
		record.New("b", record.Fields{"timestamp": json.Number("4")}),
		record.New("d", record.Fields{"timestamp": json.Number("23")}),
	}

	rep, err := d.Pairs(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, 1, rep.Skipped, "b->c is 16 apart")
	assert.Equal(t, []string{"pair:a:b", "pair:c:d"}, q.keys())

	q.mu.Lock()
	var body PairBody
	require.NoError(t, json.Unmarshal(q.bodies["pair:a:b"], &body))
	q.mu.Unlock()
	assert.Equal(t, "a", body.First.ID)
	assert.Equal(t, "b", body.Second.ID)
	assert.Equal(t, "register", body.Extra["action"])
}

func TestPairs_TooFewRecords(t *testing.T) {
	d := New(newMemQueue(), "register", WithLogger(testutil.DiscardLogger()))

	rep, err := d.Pairs(context.Background(), recs(1))
	require.NoError(t, err)
	assert.Equal(t, Report{Queue: "register"}, rep)
}

func TestRecords_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(newMemQueue(), "jobs", WithLogger(testutil.DiscardLogger())).Records(ctx, recs(3))
	assert.ErrorIs(t, err, context.Canceled)
}
