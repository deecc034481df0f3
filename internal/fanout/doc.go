// Package fanout shares one upstream query per key between any number of
// subscribers.
//
// A Hub is built around a Source, a function that runs a live query for a
// key and calls emit with the full result every time it changes. The first
// Subscribe for a key starts the Source; later subscribers share it and
// immediately receive the newest snapshot. When the last subscriber closes,
// the Source's context is cancelled.
//
// # Delivery
//
// Each Stream has a one-slot buffer. If a consumer falls behind, the pending
// snapshot is replaced by the newer one, so a consumer only ever sees the
// latest state. The first snapshot a Stream receives has Initial set.
// Items are de-duplicated by Key, keeping the first occurrence. Snapshots
// are shared between subscribers and must not be modified.
//
// # Lifecycle
//
//	Subscribing --first snapshot--> Live --error--> Subscribing (retry)
//	     \                            \
//	      `---- Close / fatal error ---`--> Closed
//
// Source errors accepted by Config.Retryable are retried with exponential
// backoff and jitter. When retries run out, or the error is not retryable,
// every subscriber of the key is closed and Err reports why. Closing one
// Stream never affects the others, and Close is idempotent.
package fanout
