// Package database is the persistence layer of the orchestrator. It owns
// every durable row: requests, transforms, collections, contents,
// processings and the message outbox.
//
// # Session discipline
//
// Every repository operation takes a Session, which is either the *DB handle
// itself (implicit auto-commit, used for plain reads) or a *sqlx.Tx obtained
// from DB.Transact. Operations never commit; the outermost caller of
// Transact owns commit and rollback, so multiple repository calls compose
// into one atomic unit. This is what lets an agent update a processing,
// promote its contents, roll up the transform and enqueue the outbox message
// in a single transaction.
//
// # Claiming work
//
// Due-work selection is one SQL predicate: status in the requested set,
// next_poll_at in the past, locking idle, optionally updated_at older than a
// period; ordered by updated_at (and priority for transforms) and limited to
// a bulk size. ClaimTransformsByStatus and ClaimProcessingsByStatus run the
// selection and the lock flip in one transaction: on postgres the rows are
// pinned with FOR UPDATE SKIP LOCKED, on sqlite a compare-and-swap on the
// locking column discards rows a competing agent won. Concurrent claimants
// therefore always receive disjoint subsets.
//
// Stale locks left behind by crashed agents are reset by
// CleanTransformLocking / CleanProcessingLocking, and CleanNextPollAt forces
// immediate re-polling after configuration changes.
//
// # Errors
//
// Driver errors are mapped onto a small taxonomy: ErrNoObject (required row
// missing), ErrDuplicatedObject (integrity violation, usually a logic bug)
// and DatabaseError (everything else). Callers branch with errors.Is.
package database
