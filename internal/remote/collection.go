package remote

import (
	"context"

	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
)

// Page is one page of a list operation. An empty NextToken marks the last
// page.
type Page struct {
	Items     []record.Record `json:"items"`
	NextToken string          `json:"nextToken,omitempty"`
}

// Lister returns one page of the records selected by filter, starting at
// the continuation token ("" for the first page).
type Lister interface {
	List(ctx context.Context, filter record.Filter, token string) (Page, error)
}

// Mutator applies writes to the authoritative store. Create returns the
// stored record with its server-assigned id; Update applies a patch and
// returns the full stored record.
type Mutator interface {
	Create(ctx context.Context, fields record.Fields) (record.Record, error)
	Update(ctx context.Context, id string, patch record.Fields) (record.Record, error)
	Delete(ctx context.Context, id string) error
}

// Subscriber opens a push channel of changes to records selected by filter.
// The channel is closed when ctx is cancelled or the source goes away.
// Delivery is at-least-once and may reorder relative to a caller's own
// writes.
type Subscriber interface {
	Subscribe(ctx context.Context, filter record.Filter) (<-chan live.Event, error)
}

// Collection is the full remote surface the engine consumes.
type Collection interface {
	Lister
	Mutator
	Subscriber
}
