// Package engine keeps a local cache of one filtered remote collection in
// step with the remote store while applying local writes optimistically.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Run processes every event in one goroutine. Local commands (create,
// update, delete, bind), remote outcomes, push events and fetched pages
// all arrive through one FIFO queue, so the cache has exactly one writer
// and needs no fine-grained locking.
//
// Event Processing Flow:
//  1. A public call enqueues a command and returns an *Op handle at once.
//  2. Run applies the command to the cache (the optimistic write).
//  3. When the queue drains, the turn ends: every lane with queued work and
//     nothing in flight starts one remote call on its own goroutine.
//  4. The call's outcome is enqueued as a settlement, which confirms the
//     cached value or rolls it back, and settles the op handles.
//
// Lanes:
// Work on one record id is serialised in a lane. At most one call per id is
// in flight; updates queued behind it merge into a single patch. Remote
// input for a busy id is buffered until the lane drains, then applied in
// arrival order.
//
// Binder:
// Bind switches the active filter. Each switch bumps a generation counter
// that stamps every fetch, push and settlement; anything carrying an older
// generation no longer touches the cache.
package engine
