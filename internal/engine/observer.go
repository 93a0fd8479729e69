package engine

// NoticeType names an engine notice.
type NoticeType string

const (
	NoticeBound           NoticeType = "bound"
	NoticeChanged         NoticeType = "changed"
	NoticeAttempt         NoticeType = "attempt"
	NoticeConfirmed       NoticeType = "confirmed"
	NoticeFailed          NoticeType = "failed"
	NoticeRejected        NoticeType = "rejected"
	NoticeBuffered        NoticeType = "buffered"
	NoticeIgnored         NoticeType = "ignored"
	NoticeStale           NoticeType = "stale"
	NoticePage            NoticeType = "page"
	NoticeFetched         NoticeType = "fetched"
	NoticeFetchFailed     NoticeType = "fetch_failed"
	NoticeSubscribeFailed NoticeType = "subscribe_failed"
)

// Notice reports something the engine did. Only the fields relevant to
// Type are set.
//
//   - bound: Gen, Filter
//   - changed: Version, Size (emitted at most once per loop turn)
//   - attempt: Name, Kind, ID, Attempt, Err (failed attempts only)
//   - confirmed: Kind, ID, LocalID
//   - failed: Kind, ID, Err; the cache was rolled back
//   - rejected: Kind, ID, Err; the op failed without touching the cache
//   - buffered / ignored: ID, Event (push or page item)
//   - stale: Gen of a result that arrived after a filter switch
//   - page / fetched / fetch_failed: Gen, Items, Pages, Err
type Notice struct {
	Type    NoticeType
	Gen     uint64
	Kind    OpKind
	Name    string
	ID      string
	LocalID string
	Attempt int
	Err     error
	Version uint64
	Size    int
	Items   int
	Pages   int
	Filter  string
	Event   string
}

// Observer receives notices. Observe is called from the Run loop goroutine
// after the engine released its lock, so it may read engine state; it
// should return quickly because the loop waits for it.
type Observer interface {
	Observe(Notice)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notice)

// Observe implements Observer.
func (f ObserverFunc) Observe(n Notice) { f(n) }

type nopObserver struct{}

func (nopObserver) Observe(Notice) {}
