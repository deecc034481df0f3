// Package dedupe provides a time-bounded cache of seen keys.
//
// The gateway uses it twice: Idempotency-Key headers on sends remember the
// message id they produced, so a replayed request gets a conflict pointing at
// the original; and authenticated participants are recorded once per window
// rather than on every request.
package dedupe
