// Package api exposes a record collection over HTTP and provides a client
// that implements remote.Collection against it.
//
// Routes:
//
//	GET    /health
//	GET    /records                 list one page; query params are filter fields, "token" continues
//	POST   /records                 create from a JSON object of fields
//	GET    /records/stream          NDJSON change stream; "since" resumes after a seq
//	GET    /records/{id}
//	PATCH  /records/{id}            merge a JSON object of fields
//	DELETE /records/{id}
//	POST   /queues/{queue}/messages send {"dedupeKey": ..., "body": ...}
//	GET    /queues/{queue}/depth
//
// Errors are returned as {"kind": ..., "message": ...} with the status
// given by StatusFor.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/store"
)

// Reserved query parameters; every other parameter is a filter field.
const (
	paramToken = "token"
	paramSince = "since"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Backend is the collection the server exposes. *store.Store implements it.
type Backend interface {
	remote.Collection
	Get(ctx context.Context, id string) (record.Record, error)
	Watch(ctx context.Context, filter record.Filter, since int64) (<-chan store.Change, error)
	Send(ctx context.Context, queue, dedupeKey string, body []byte) (bool, error)
	Depth(ctx context.Context, queue string) (int, error)
}

var _ Backend = (*store.Store)(nil)

// SendRequest is the body of a queue send.
type SendRequest struct {
	DedupeKey string          `json:"dedupeKey"`
	Body      json.RawMessage `json:"body"`
}

// SendResponse reports whether a message was newly accepted.
type SendResponse struct {
	Accepted bool `json:"accepted"`
}

// DepthResponse is the number of messages in a queue.
type DepthResponse struct {
	Queue string `json:"queue"`
	Depth int    `json:"depth"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Kind    remote.Kind `json:"kind"`
	Message string      `json:"message"`
}

type server struct {
	backend Backend
	logger  *slog.Logger
}

// NewServer wires the collection handlers into a router and exposes a
// health check.
func NewServer(b Backend, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{backend: b, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/records", func(r chi.Router) {
		r.Get("/", s.list)
		r.Post("/", s.create)
		r.Get("/stream", s.stream)
		r.Get("/{id}", s.get)
		r.Patch("/{id}", s.update)
		r.Delete("/{id}", s.delete)
	})

	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Post("/messages", s.send)
		r.Get("/depth", s.depth)
	})

	return r
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	page, err := s.backend.List(r.Context(), filterFromQuery(r), r.URL.Query().Get(paramToken))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if page.Items == nil {
		page.Items = []record.Record{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *server) create(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeFields(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.backend.Create(r.Context(), fields)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *server) get(w http.ResponseWriter, r *http.Request) {
	rec, err := s.backend.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) update(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeFields(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.backend.Update(r.Context(), chi.URLParam(r, "id"), fields)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) delete(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stream writes one JSON-encoded store.Change per line until the client
// goes away or the backend closes the subscription.
func (s *server) stream(w http.ResponseWriter, r *http.Request) {
	since := int64(-1)
	if v := r.URL.Query().Get(paramSince); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, remote.NewError(remote.KindValidation, "stream", fmt.Sprintf("invalid since %q", v)))
			return
		}
		since = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, remote.NewError(remote.KindUnknown, "stream", "streaming unsupported"))
		return
	}

	filter := filterFromQuery(r)
	changes, err := s.backend.Watch(r.Context(), filter, since)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for c := range changes {
		if err := enc.Encode(c); err != nil {
			s.logger.Debug("stream write failed", "error", err)
			return
		}
		flusher.Flush()
	}
	s.logger.Debug("stream closed", "filter", filter.String())
}

func (s *server) send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	accepted, err := s.backend.Send(r.Context(), chi.URLParam(r, "queue"), req.DedupeKey, req.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if !accepted {
		status = http.StatusOK
	}
	writeJSON(w, status, SendResponse{Accepted: accepted})
}

func (s *server) depth(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	n, err := s.backend.Depth(r.Context(), queue)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DepthResponse{Queue: queue, Depth: n})
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	kind := remote.KindOf(err)
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Kind: kind, Message: err.Error()})
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind remote.Kind) int {
	switch kind {
	case remote.KindValidation:
		return http.StatusBadRequest
	case remote.KindNotFound:
		return http.StatusNotFound
	case remote.KindConflict:
		return http.StatusConflict
	case remote.KindTimeout:
		return http.StatusGatewayTimeout
	case remote.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// KindFor maps an HTTP status back to an error kind.
func KindFor(status int) remote.Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return remote.KindValidation
	case http.StatusNotFound:
		return remote.KindNotFound
	case http.StatusConflict:
		return remote.KindConflict
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return remote.KindTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return remote.KindNetwork
	default:
		return remote.KindUnknown
	}
}

func filterFromQuery(r *http.Request) record.Filter {
	q := r.URL.Query()
	var f record.Filter
	for k, vs := range q {
		if k == paramToken || k == paramSince || len(vs) == 0 {
			continue
		}
		if f == nil {
			f = record.Filter{}
		}
		f[k] = vs[0]
	}
	return f
}

func decodeFields(r *http.Request) (record.Fields, error) {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, remote.WrapError(remote.KindValidation, "decode", err)
	}
	fields, err := record.DecodeFields(raw)
	if err != nil {
		return nil, remote.WrapError(remote.KindValidation, "decode", err)
	}
	return fields, nil
}

func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return remote.WrapError(remote.KindValidation, "decode", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Debug("write response failed", "error", err)
	}
}
