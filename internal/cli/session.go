package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/annosync/internal/engine"
	"github.com/roach88/annosync/internal/record"
)

// session runs an engine over a backend for the duration of a command.
type session struct {
	eng     *engine.Engine
	cancel  context.CancelFunc
	done    chan error
	fetched chan error
	logger  *slog.Logger
}

// startSession starts an engine configured from the options. Every notice
// is passed to notify when it is non-nil.
func (o *RootOptions) startSession(ctx context.Context, b Backend, notify func(engine.Notice)) *session {
	s := &session{
		done:    make(chan error, 1),
		fetched: make(chan error, 1),
		logger:  o.Logger,
	}
	observer := engine.ObserverFunc(func(n engine.Notice) {
		switch n.Type {
		case engine.NoticeFetched:
			s.signalFetched(nil)
		case engine.NoticeFetchFailed:
			s.signalFetched(n.Err)
		}
		if notify != nil {
			notify(n)
		}
	})

	s.eng = engine.New(b,
		engine.WithRetryPolicy(o.Config.RetryPolicy()),
		engine.WithMaxPages(o.Config.MaxPages),
		engine.WithLogger(o.Logger),
		engine.WithObserver(observer),
	)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() { s.done <- s.eng.Run(runCtx) }()
	return s
}

func (s *session) signalFetched(err error) {
	select {
	case s.fetched <- err:
	default:
	}
}

// load binds filter and waits for the first fetch cycle to finish.
func (s *session) load(ctx context.Context, filter record.Filter) error {
	s.eng.Bind(filter)
	select {
	case err := <-s.fetched:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the engine and waits for it to exit. Writes that have not
// settled by then fail with the engine's stopped error.
func (s *session) close() {
	if n := s.eng.Pending(); n > 0 {
		s.logger.Warn("stopping with unsettled writes", "pending", n)
	}
	s.cancel()
	<-s.done
}

// noticeFields renders a notice as flat key/value pairs, leaving out unset
// fields.
func noticeFields(n engine.Notice) map[string]any {
	m := map[string]any{"type": string(n.Type)}
	if n.Gen != 0 {
		m["gen"] = n.Gen
	}
	if n.Kind != 0 {
		m["kind"] = n.Kind.String()
	}
	if n.Name != "" {
		m["name"] = n.Name
	}
	if n.ID != "" {
		m["id"] = n.ID
	}
	if n.LocalID != "" {
		m["local_id"] = n.LocalID
	}
	if n.Attempt != 0 {
		m["attempt"] = n.Attempt
	}
	if n.Err != nil {
		m["error"] = n.Err.Error()
		m["code"] = ErrorCode(n.Err)
	}
	if n.Type == engine.NoticeChanged {
		m["version"] = n.Version
		m["size"] = n.Size
	}
	if n.Type == engine.NoticePage {
		m["items"] = n.Items
	}
	if n.Pages != 0 {
		m["pages"] = n.Pages
	}
	if n.Filter != "" {
		m["filter"] = n.Filter
	}
	if n.Event != "" {
		m["event"] = n.Event
	}
	return m
}

// writeNotice prints one notice per line: a JSON object, or the type
// followed by sorted key=value pairs.
func writeNotice(w io.Writer, format string, n engine.Notice) {
	m := noticeFields(n)
	if format == "json" {
		_ = json.NewEncoder(w).Encode(m)
		return
	}
	var b strings.Builder
	b.WriteString(string(n.Type))
	for _, k := range sortedKeys(m) {
		if k == "type" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, m[k])
	}
	fmt.Fprintln(w, b.String())
}

// writeRecords prints records: a JSON response, or one line per record
// with its canonical fields.
func writeRecords(out *OutputFormatter, recs []record.Record) error {
	if out.Format == "json" {
		if recs == nil {
			recs = []record.Record{}
		}
		return out.Success(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out.Writer, "No records.")
		return nil
	}
	for _, r := range recs {
		body, err := record.MarshalCanonical(r.Fields)
		if err != nil {
			return fmt.Errorf("render %s: %w", r.ID, err)
		}
		fmt.Fprintf(out.Writer, "%s\t%s\n", r.ID, body)
	}
	return nil
}
