// Package record defines the opaque, schema-agnostic records mirrored by the
// sync engine.
//
// A Record is an identifier plus caller-defined fields. The engine never
// interprets fields; it only merges patches into them and compares whole
// records. Records are treated as values: Merge and Clone return new
// records, so a cache entry is always replaced whole and never partially
// written.
//
// Canonical JSON (sorted keys, NFC-normalised strings, no HTML escaping) is
// used for content digests. Digests let the engine recognise duplicate
// deliveries from an at-least-once push channel.
package record
