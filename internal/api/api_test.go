package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/annosync/internal/engine"
	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/store"
	"github.com/roach88/annosync/internal/testutil"
)

type fixture struct {
	store  *store.Store
	server *httptest.Server
	client *Client
}

func setup(t *testing.T, opts ...store.Option) *fixture {
	t.Helper()
	opts = append([]store.Option{store.WithLogger(testutil.DiscardLogger())}, opts...)
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(s, testutil.DiscardLogger()))
	t.Cleanup(func() {
		// Closing the store ends open streams so the server can shut down.
		s.Close()
		srv.Close()
	})
	return &fixture{
		store:  s,
		server: srv,
		client: NewClient(srv.URL, WithClientLogger(testutil.DiscardLogger())),
	}
}

func TestHealth(t *testing.T) {
	f := setup(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, f.client.Health(context.Background()))
}

func TestClient_CRUD(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	rec, err := f.client.Create(ctx, record.Fields{"text": "hello", "projectId": "p1"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, "hello", rec.String("text"))

	got, err := f.client.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, record.Equal(rec, got))

	upd, err := f.client.Update(ctx, rec.ID, record.Fields{"text": "edited"})
	require.NoError(t, err)
	assert.Equal(t, "edited", upd.String("text"))
	assert.Equal(t, "p1", upd.String("projectId"))

	require.NoError(t, f.client.Delete(ctx, rec.ID))

	_, err = f.client.Get(ctx, rec.ID)
	assert.True(t, remote.IsKind(err, remote.KindNotFound), "got %v", err)
	err = f.client.Delete(ctx, rec.ID)
	assert.True(t, remote.IsKind(err, remote.KindNotFound), "got %v", err)
}

func TestClient_ListPagesWithFilter(t *testing.T) {
	f := setup(t, store.WithPageSize(2))
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		p := "p1"
		if i == 2 {
			p = "p2"
		}
		rec, err := f.client.Create(ctx, record.Fields{"projectId": p, "n": i})
		require.NoError(t, err)
		if p == "p1" {
			want = append(want, rec.ID)
		}
	}

	recs, cur, err := fetchAll(ctx, f.client, record.Filter{"projectId": "p1"})
	require.NoError(t, err)
	assert.Equal(t, want, record.IDs(recs))
	assert.True(t, cur)
}

func fetchAll(ctx context.Context, c *Client, filter record.Filter) ([]record.Record, bool, error) {
	var out []record.Record
	token := ""
	for {
		page, err := c.List(ctx, filter, token)
		if err != nil {
			return nil, false, err
		}
		out = append(out, page.Items...)
		if page.NextToken == "" {
			return out, true, nil
		}
		token = page.NextToken
	}
}

func TestClient_ErrorKinds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.client.List(ctx, nil, "not a token!")
	assert.True(t, remote.IsKind(err, remote.KindValidation), "got %v", err)

	_, err = f.client.Update(ctx, "missing", record.Fields{"a": 1})
	assert.True(t, remote.IsKind(err, remote.KindNotFound), "got %v", err)
}

func TestClient_TransportFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url)
	_, err := c.List(context.Background(), nil, "")
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err), "got %v", err)
}

func TestClient_DeadlineIsTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL).List(ctx, nil, "")
	assert.True(t, remote.IsKind(err, remote.KindTimeout), "got %v", err)
}

func TestServer_RejectsMalformedBody(t *testing.T) {
	f := setup(t)

	resp, err := http.Post(f.server.URL+"/records", "application/json", strings.NewReader(`{"text":`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClient_Queue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ok, err := f.client.Send(ctx, "jobs", "k1", []byte(`{"id":"r1"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.client.Send(ctx, "jobs", "k1", []byte(`{"id":"r1"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := f.client.Depth(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClient_Subscribe(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := f.client.Subscribe(ctx, record.Filter{"projectId": "p1"})
	require.NoError(t, err)

	_, err = f.store.Create(ctx, record.Fields{"projectId": "p2"})
	require.NoError(t, err)
	rec, err := f.store.Create(ctx, record.Fields{"projectId": "p1", "text": "x"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, live.Created, ev.Op)
		assert.Equal(t, rec.ID, ev.Record.ID)
		assert.Equal(t, "x", ev.Record.String("text"))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestClient_WatchResumes(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := f.store.Create(ctx, record.Fields{"n": i})
		require.NoError(t, err)
	}

	changes, err := f.client.Watch(ctx, nil, 1)
	require.NoError(t, err)

	var seqs []int64
	for i := 0; i < 2; i++ {
		select {
		case c := <-changes:
			seqs = append(seqs, c.Seq)
		case <-time.After(2 * time.Second):
			t.Fatal("no change received")
		}
	}
	assert.Equal(t, []int64{2, 3}, seqs)
}

func TestStatusMapping(t *testing.T) {
	for _, kind := range []remote.Kind{
		remote.KindValidation, remote.KindNotFound, remote.KindConflict,
		remote.KindTimeout, remote.KindNetwork, remote.KindUnknown,
	} {
		assert.Equal(t, kind, KindFor(StatusFor(kind)), "kind %s", kind)
	}
}

// The engine mirrors a collection served over HTTP: optimistic writes are
// confirmed by the server and the store's own writes arrive over the stream.
func TestEngine_MirrorsOverHTTP(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seeded, err := f.store.Create(ctx, record.Fields{"projectId": "p1", "text": "seeded"})
	require.NoError(t, err)

	e := engine.New(f.client,
		engine.WithRetryPolicy(testutil.FastPolicy(3)),
		engine.WithLogger(testutil.DiscardLogger()),
	)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	e.Bind(record.Filter{"projectId": "p1"})
	require.Eventually(t, func() bool { return e.Cursor().Exhausted }, 2*time.Second, 5*time.Millisecond)
	_, ok := e.Get(seeded.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return f.store.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	op := e.Create(record.Fields{"projectId": "p1", "text": "mine"})
	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	rec, err := op.Wait(wctx)
	require.NoError(t, err)

	stored, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", stored.String("text"))

	other, err := f.store.Create(ctx, record.Fields{"projectId": "p1", "text": "from elsewhere"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := e.Get(other.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, e.Len())
}
