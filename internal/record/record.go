package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// IDField is the JSON key carrying the record identifier.
const IDField = "id"

// Fields holds the caller-defined attributes of a record.
type Fields map[string]any

// Clone returns a shallow copy of the fields.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	return maps.Clone(f)
}

// Record is a single entry of a mirrored collection.
type Record struct {
	ID     string
	Fields Fields
}

// New creates a record with a copy of the given fields.
func New(id string, fields Fields) Record {
	return Record{ID: id, Fields: fields.Clone()}
}

// Clone returns a copy of the record that shares no map with the receiver.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Fields: r.Fields.Clone()}
}

// Merge returns a new record with patch applied over the receiver's fields.
// An "id" key in the patch is ignored; identifiers only change through
// reconciliation.
func (r Record) Merge(patch Fields) Record {
	out := r.Clone()
	for k, v := range patch {
		if k == IDField {
			continue
		}
		out.Fields[k] = v
	}
	return out
}

// Get returns a field value.
func (r Record) Get(key string) (any, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// String returns the field as a string, or "" when absent or not a string.
func (r Record) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// MarshalJSON encodes the record as a flat object with the id alongside the
// fields.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}
	m[IDField] = r.ID
	return json.Marshal(m)
}

// UnmarshalJSON decodes a flat object. Numbers are kept as json.Number so
// large integers survive a round trip.
func (r *Record) UnmarshalJSON(data []byte) error {
	fields, err := DecodeFields(data)
	if err != nil {
		return err
	}
	id, _ := fields[IDField].(string)
	delete(fields, IDField)
	r.ID = id
	r.Fields = fields
	return nil
}

// DecodeFields parses a JSON object into Fields using json.Number for
// numeric values.
func DecodeFields(data []byte) (Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Fields(m), nil
}

// IDs returns the identifiers of records in order.
func IDs(recs []Record) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}
