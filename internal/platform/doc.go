// Package platform defines the target-network abstraction used by the
// publish pipeline.
//
// It holds the static registry of supported platforms (character limits,
// capability flags), the Adapter interface every network integration
// implements, and the PublishError type adapters return so the worker can
// tell retryable from terminal failures.
//
// Concrete adapters live in subpackages (bluesky, mastodon, telegram) and
// are wired through an explicit constructor map, never a switch at the
// call site.
package platform
