// Package store is the SQLite persistence layer: posts and their
// per-platform selection rows, publishing accounts, per-account publish
// results, and the durable fan-out queue.
//
// Layout choices that matter for correctness:
//   - Platform status lives in one row per (post, platform), updated with
//     single statements; the post-level status is recomputed from those
//     rows inside ApplyEntryResult, never patched in place.
//   - ApplyEntryResult is additionally serialized per post ID with a keyed
//     mutex, so concurrent workers for sibling platforms cannot interleave
//     read-modify-write cycles.
//   - The queue enforces "no active duplicate per (post, platform,
//     account)" with a partial unique index, making orchestrator enqueues
//     idempotent at the storage layer.
package store
