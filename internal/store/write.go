package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
)

// Create inserts a record under a new server-assigned id (UUIDv7) and
// returns it. An "id" key in fields is ignored.
func (s *Store) Create(ctx context.Context, fields record.Fields) (record.Record, error) {
	rec := record.New(uuid.Must(uuid.NewV7()).String(), fields)
	delete(rec.Fields, record.IDField)

	body, err := marshalFields(rec.Fields)
	if err != nil {
		return record.Record{}, remote.WrapError(remote.KindValidation, "create", err)
	}

	var change Change
	err = s.inTx(ctx, "create", func(tx *sql.Tx) error {
		seq, err := appendChange(ctx, tx, live.Created, rec.ID, body, "")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (id, seq, fields, updated_seq)
			VALUES (?, ?, ?, ?)
		`, rec.ID, seq, body, seq); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		change = Change{Seq: seq, Event: live.Event{Op: live.Created, Record: rec.Clone()}}
		return nil
	})
	if err != nil {
		return record.Record{}, err
	}

	s.feed.publish(change)
	s.logger.Debug("record created", "id", rec.ID, "seq", change.Seq)
	return rec, nil
}

// Update merges patch into record id and returns the stored result.
func (s *Store) Update(ctx context.Context, id string, patch record.Fields) (record.Record, error) {
	var change Change
	err := s.inTx(ctx, "update", func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		next := cur.Merge(patch)
		body, err := marshalFields(next.Fields)
		if err != nil {
			return remote.WrapError(remote.KindValidation, "update", err)
		}
		prev, err := marshalFields(cur.Fields)
		if err != nil {
			return err
		}
		seq, err := appendChange(ctx, tx, live.Updated, id, body, prev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET fields = ?, updated_seq = ? WHERE id = ?
		`, body, seq, id); err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		change = Change{Seq: seq, Event: live.Event{Op: live.Updated, Record: next}, Prev: &cur}
		return nil
	})
	if err != nil {
		return record.Record{}, err
	}

	s.feed.publish(change)
	s.logger.Debug("record updated", "id", id, "seq", change.Seq)
	return change.Event.Record.Clone(), nil
}

// Delete removes record id.
func (s *Store) Delete(ctx context.Context, id string) error {
	var change Change
	err := s.inTx(ctx, "delete", func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		body, err := marshalFields(cur.Fields)
		if err != nil {
			return err
		}
		seq, err := appendChange(ctx, tx, live.Deleted, id, body, "")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		change = Change{Seq: seq, Event: live.Event{Op: live.Deleted, Record: cur}}
		return nil
	})
	if err != nil {
		return err
	}

	s.feed.publish(change)
	s.logger.Debug("record deleted", "id", id, "seq", change.Seq)
	return nil
}

// Import writes records with caller-chosen ids. Uses ON CONFLICT(id) DO
// UPDATE, and a record whose stored fields are already identical is
// skipped without a change entry, so importing the same file twice is a
// no-op. Returns the number of records created or changed.
func (s *Store) Import(ctx context.Context, recs []record.Record) (int, error) {
	var changes []Change
	err := s.inTx(ctx, "import", func(tx *sql.Tx) error {
		for _, r := range recs {
			if r.ID == "" {
				return remote.NewError(remote.KindValidation, "import", "record without id")
			}
			fields := r.Fields.Clone()
			delete(fields, record.IDField)
			body, err := marshalFields(fields)
			if err != nil {
				return remote.WrapError(remote.KindValidation, "import", err)
			}

			var existing string
			err = tx.QueryRowContext(ctx, `SELECT fields FROM records WHERE id = ?`, r.ID).Scan(&existing)
			op := live.Updated
			switch {
			case errors.Is(err, sql.ErrNoRows):
				op = live.Created
			case err != nil:
				return fmt.Errorf("read record %s: %w", r.ID, err)
			case existing == body:
				continue
			}

			seq, err := appendChange(ctx, tx, op, r.ID, body, existing)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO records (id, seq, fields, updated_seq)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET fields = excluded.fields, updated_seq = excluded.updated_seq
			`, r.ID, seq, body, seq); err != nil {
				return fmt.Errorf("import record %s: %w", r.ID, err)
			}
			c := Change{Seq: seq, Event: live.Event{Op: op, Record: record.New(r.ID, fields)}}
			if existing != "" {
				prev, err := unmarshalFields(existing)
				if err != nil {
					return err
				}
				c.Prev = &record.Record{ID: r.ID, Fields: prev}
			}
			changes = append(changes, c)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.feed.publish(changes...)
	s.logger.Info("records imported", "total", len(recs), "changed", len(changes))
	return len(changes), nil
}

// inTx runs fn in a transaction and classifies any failure.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// appendChange records a write in the change feed and returns its seq.
// prev holds the fields an update replaced, "" for creates and deletes.
func appendChange(ctx context.Context, tx *sql.Tx, op live.Op, id, body, prev string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO changes (op, record_id, fields, prev_fields) VALUES (?, ?, ?, ?)
	`, string(op), id, body, sql.NullString{String: prev, Valid: prev != ""})
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	return seq, nil
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (record.Record, error) {
	var body string
	err := tx.QueryRowContext(ctx, `SELECT fields FROM records WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, remote.NewError(remote.KindNotFound, "get", "no record "+id)
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("read record %s: %w", id, err)
	}
	fields, err := unmarshalFields(body)
	if err != nil {
		return record.Record{}, err
	}
	return record.Record{ID: id, Fields: fields}, nil
}
