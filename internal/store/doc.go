// Package store provides the SQLite-backed authoritative collection that
// annosync mirrors. It implements remote.Collection, so the engine can run
// against it in process or behind the HTTP API.
//
// The store keeps three tables:
//   - records: the current state, one row per record
//   - changes: an append-only feed, one row per committed write
//   - messages: durable work queues with per-queue deduplication
//
// # Ordering
//
// Every write appends a change row inside the same transaction as the
// record write, so a change seq totally orders the collection's history.
// List pages are ordered by the seq of each record's creation, which never
// changes on update; a page token therefore stays valid while records are
// edited or deleted around it.
//
// # Live subscriptions
//
// Committed changes fan out to in-memory subscribers after commit. Watch can
// resume from a seq: it replays the recorded backlog, then switches to live
// delivery without gaps or duplicates. A subscriber that falls more than
// 1024 changes behind is disconnected.
//
// Subscriptions are scoped by filter. An update that moves a record out of
// a subscriber's filter reaches it as a Deleted event for the previous
// record, so a filtered mirror never keeps a record the filter no longer
// selects.
//
// # Errors
//
// All failures are returned as *remote.Error. Lock contention is
// remote.KindTimeout and constraint violations are remote.KindConflict, so
// retry.Policy treats them like any other transient remote failure.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store

import "github.com/roach88/annosync/internal/remote"

var _ remote.Collection = (*Store)(nil)
