package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
)

// validFieldName restricts filter keys to plain identifiers so they can be
// used as JSON paths.
var validFieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Get returns record id.
func (s *Store) Get(ctx context.Context, id string) (record.Record, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM records WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, remote.NewError(remote.KindNotFound, "get", "no record "+id)
	}
	if err != nil {
		return record.Record{}, classify("get", err)
	}
	fields, err := unmarshalFields(body)
	if err != nil {
		return record.Record{}, classify("get", err)
	}
	return record.Record{ID: id, Fields: fields}, nil
}

// List returns one page of the records selected by filter, in creation
// order. The continuation token is opaque to callers; it encodes the
// creation seq of the last record on the page.
//
// Filter keys narrow the scan in SQL; the exact match is decided by
// record.Filter.Matches so the store and its subscribers agree.
func (s *Store) List(ctx context.Context, filter record.Filter, token string) (remote.Page, error) {
	after, err := parseToken(token)
	if err != nil {
		return remote.Page{}, remote.WrapError(remote.KindValidation, "list", err)
	}
	where, args, err := filterClause(filter)
	if err != nil {
		return remote.Page{}, remote.WrapError(remote.KindValidation, "list", err)
	}

	query := `SELECT id, seq, fields FROM records WHERE seq > ?` + where + ` ORDER BY seq ASC LIMIT ?`
	batch := s.pageSize + 1

	var page remote.Page
	var lastItem int64
	cursor := after
	for {
		rows, err := s.scanRecords(ctx, query, append(append([]any{cursor}, args...), batch)...)
		if err != nil {
			return remote.Page{}, classify("list", err)
		}
		for _, r := range rows {
			cursor = r.seq
			if !filter.Matches(r.rec) {
				continue
			}
			if len(page.Items) == s.pageSize {
				page.NextToken = formatToken(lastItem)
				return page, nil
			}
			page.Items = append(page.Items, r.rec)
			lastItem = r.seq
		}
		if len(rows) < batch {
			return page, nil
		}
	}
}

// Changes returns up to limit feed entries with seq > since, oldest first.
func (s *Store) Changes(ctx context.Context, since int64, limit int) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, op, record_id, fields, prev_fields FROM changes
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, classify("changes", fmt.Errorf("query changes: %w", err))
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		var op, id, body string
		var prev sql.NullString
		if err := rows.Scan(&c.Seq, &op, &id, &body, &prev); err != nil {
			return nil, classify("changes", fmt.Errorf("scan change: %w", err))
		}
		fields, err := unmarshalFields(body)
		if err != nil {
			return nil, classify("changes", err)
		}
		c.Event = live.Event{Op: live.Op(op), Record: record.Record{ID: id, Fields: fields}}
		if prev.Valid {
			pf, err := unmarshalFields(prev.String)
			if err != nil {
				return nil, classify("changes", err)
			}
			c.Prev = &record.Record{ID: id, Fields: pf}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("changes", fmt.Errorf("iterate changes: %w", err))
	}
	return out, nil
}

// LastSeq returns the seq of the newest change, or 0.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM changes`).Scan(&seq); err != nil {
		return 0, classify("changes", err)
	}
	return seq.Int64, nil
}

type scannedRecord struct {
	rec record.Record
	seq int64
}

func (s *Store) scanRecords(ctx context.Context, query string, args ...any) ([]scannedRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []scannedRecord
	for rows.Next() {
		var r scannedRecord
		var body string
		if err := rows.Scan(&r.rec.ID, &r.seq, &body); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.rec.Fields, err = unmarshalFields(body); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// filterClause requires every filtered field to be present. Keys are
// validated and bound as parameters.
func filterClause(f record.Filter) (string, []any, error) {
	var b strings.Builder
	var args []any
	for _, k := range f.Keys() {
		if !validFieldName.MatchString(k) {
			return "", nil, fmt.Errorf("invalid filter field %q", k)
		}
		b.WriteString(` AND json_extract(fields, ?) IS NOT NULL`)
		args = append(args, "$."+k)
	}
	return b.String(), args, nil
}

func parseToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(token, 36, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed continuation token %q", token)
	}
	return n, nil
}

func formatToken(seq int64) string {
	return strconv.FormatInt(seq, 36)
}
