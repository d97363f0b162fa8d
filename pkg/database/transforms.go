package database

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/datacarousel/carousel/pkg/types"
)

const transformColumns = `transform_id, transform_type, transform_tag, priority, status, substatus,
	locking, retries, expired_at, created_at, updated_at, next_poll_at, finished_at, transform_metadata`

// AddTransform inserts a transform and returns its id.
func AddTransform(ctx context.Context, s Session, t *types.Transform) (int64, error) {
	now := types.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.NextPollAt.IsZero() {
		t.NextPollAt = now
	}
	if t.Status == 0 {
		t.Status = types.TransformStatusNew
	}

	q := s.Rebind(`INSERT INTO transforms
		(transform_type, transform_tag, priority, status, substatus, locking, retries,
		 expired_at, created_at, updated_at, next_poll_at, finished_at, transform_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING transform_id`)

	var id int64
	err := sqlx.GetContext(ctx, s, &id, q,
		t.TransformType, t.TransformTag, t.Priority, t.Status, t.Substatus, t.Locking,
		t.Retries, t.ExpiredAt, t.CreatedAt, t.UpdatedAt, t.NextPollAt, t.FinishedAt,
		t.TransformMetadata)
	if err != nil {
		return 0, wrapError("add transform", err)
	}
	t.TransformID = id
	return id, nil
}

// AddReq2Transform records the relation between a request and a transform.
func AddReq2Transform(ctx context.Context, s Session, requestID, transformID int64) error {
	q := s.Rebind(`INSERT INTO req2transforms (request_id, transform_id) VALUES (?, ?)`)
	if _, err := s.ExecContext(ctx, q, requestID, transformID); err != nil {
		return wrapError("add req2transform", err)
	}
	return nil
}

// AddWorkprogress2Transform records the relation between a workprogress
// record and a transform.
func AddWorkprogress2Transform(ctx context.Context, s Session, workprogressID, transformID int64) error {
	q := s.Rebind(`INSERT INTO workprogress2transforms (workprogress_id, transform_id) VALUES (?, ?)`)
	if _, err := s.ExecContext(ctx, q, workprogressID, transformID); err != nil {
		return wrapError("add workprogress2transform", err)
	}
	return nil
}

// GetTransform returns a transform by id, or ErrNoObject.
func GetTransform(ctx context.Context, s Session, transformID int64) (*types.Transform, error) {
	var t types.Transform
	q := s.Rebind(`SELECT ` + transformColumns + ` FROM transforms WHERE transform_id = ?`)
	if err := sqlx.GetContext(ctx, s, &t, q, transformID); err != nil {
		return nil, wrapError("get transform", err)
	}
	return &t, nil
}

// GetTransformIDs returns transform ids attached to a request.
func GetTransformIDs(ctx context.Context, s Session, requestID int64) ([]int64, error) {
	var ids []int64
	q := s.Rebind(`SELECT transform_id FROM req2transforms WHERE request_id = ? ORDER BY transform_id ASC`)
	if err := sqlx.SelectContext(ctx, s, &ids, q, requestID); err != nil {
		return nil, wrapError("get transform ids", err)
	}
	return ids, nil
}

// GetTransforms returns all transforms attached to a request.
func GetTransforms(ctx context.Context, s Session, requestID int64) ([]types.Transform, error) {
	var out []types.Transform
	q := s.Rebind(`SELECT ` + transformColumns + ` FROM transforms
		WHERE transform_id IN (SELECT transform_id FROM req2transforms WHERE request_id = ?)
		ORDER BY transform_id ASC`)
	if err := sqlx.SelectContext(ctx, s, &out, q, requestID); err != nil {
		return nil, wrapError("get transforms", err)
	}
	return out, nil
}

// GetTransformsWithInputCollection returns transforms of the given type and
// tag whose input collection matches scope:name.
func GetTransformsWithInputCollection(ctx context.Context, s Session, transformType types.TransformType,
	transformTag, scope, name string) ([]types.Transform, error) {

	var out []types.Transform
	q := s.Rebind(`SELECT ` + transformColumns + ` FROM transforms
		WHERE transform_type = ? AND transform_tag = ?
		  AND transform_id IN (
			SELECT transform_id FROM collections
			WHERE scope = ? AND name = ? AND relation_type = ?)
		ORDER BY transform_id ASC`)
	err := sqlx.SelectContext(ctx, s, &out, q,
		transformType, transformTag, scope, name, types.CollectionRelationInput)
	if err != nil {
		return nil, wrapError("get transforms with input collection", err)
	}
	return out, nil
}

// TransformFilter selects due transforms per the polling predicate.
type TransformFilter struct {
	Statuses []types.TransformStatus
	Period   time.Duration // only rows whose updated_at is older; 0 disables
	OnlyIdle bool
	BulkSize int
}

func transformFilterQuery(f TransformFilter, now types.UnixTime) (string, []any) {
	q := `SELECT ` + transformColumns + ` FROM transforms WHERE status IN (?) AND next_poll_at < ?`
	args := []any{f.Statuses, now}
	if f.Period > 0 {
		q += ` AND updated_at < ?`
		args = append(args, types.At(now.Add(-f.Period)))
	}
	if f.OnlyIdle {
		q += ` AND locking = ?`
		args = append(args, types.LockIdle)
	}
	q += ` ORDER BY updated_at ASC, priority DESC`
	if f.BulkSize > 0 {
		q += ` LIMIT ?`
		args = append(args, f.BulkSize)
	}
	return q, args
}

// GetTransformsByStatus returns due transforms matching the filter without
// claiming them.
func GetTransformsByStatus(ctx context.Context, s Session, f TransformFilter) ([]types.Transform, error) {
	q, args := transformFilterQuery(f, types.Now())
	q, expanded, err := sqlx.In(q, args...)
	if err != nil {
		return nil, wrapError("get transforms by status", err)
	}
	var out []types.Transform
	if err := sqlx.SelectContext(ctx, s, &out, s.Rebind(q), expanded...); err != nil {
		return nil, wrapError("get transforms by status", err)
	}
	return out, nil
}

// ClaimTransformsByStatus selects due transforms and flips their lock to
// Locked inside a single transaction. On postgres the selection uses
// FOR UPDATE SKIP LOCKED; elsewhere a compare-and-swap on the locking
// column discards rows claimed by a competing agent.
func (db *DB) ClaimTransformsByStatus(ctx context.Context, f TransformFilter) ([]types.Transform, error) {
	f.OnlyIdle = true
	var claimed []types.Transform

	err := db.Transact(ctx, func(tx *sqlx.Tx) error {
		now := types.Now()
		q, args := transformFilterQuery(f, now)
		if db.driver == "postgres" {
			q += ` FOR UPDATE SKIP LOCKED`
		}
		q, expanded, err := sqlx.In(q, args...)
		if err != nil {
			return wrapError("claim transforms", err)
		}
		var candidates []types.Transform
		if err := sqlx.SelectContext(ctx, tx, &candidates, tx.Rebind(q), expanded...); err != nil {
			return wrapError("claim transforms", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]int64, len(candidates))
		for i := range candidates {
			ids[i] = candidates[i].TransformID
		}
		uq, uargs, err := sqlx.In(`UPDATE transforms SET locking = ?, updated_at = ?
			WHERE transform_id IN (?) AND locking = ?
			RETURNING transform_id`,
			types.LockLocked, now, ids, types.LockIdle)
		if err != nil {
			return wrapError("claim transforms", err)
		}
		var won []int64
		if err := sqlx.SelectContext(ctx, tx, &won, tx.Rebind(uq), uargs...); err != nil {
			return wrapError("claim transforms", err)
		}

		wonSet := make(map[int64]bool, len(won))
		for _, id := range won {
			wonSet[id] = true
		}
		for i := range candidates {
			if !wonSet[candidates[i].TransformID] {
				continue
			}
			candidates[i].Locking = types.LockLocked
			candidates[i].UpdatedAt = now
			claimed = append(claimed, candidates[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimTransform flips a single idle transform to Locked, reporting whether
// the claim was won. Callers that must mutate a transform outside the bulk
// claim path take its lock through here first.
func ClaimTransform(ctx context.Context, s Session, transformID int64) (bool, error) {
	q := s.Rebind(`UPDATE transforms SET locking = ?, updated_at = ?
		WHERE transform_id = ? AND locking = ?`)
	res, err := s.ExecContext(ctx, q, types.LockLocked, types.Now(), transformID, types.LockIdle)
	if err != nil {
		return false, wrapError("claim transform", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapError("claim transform", err)
	}
	return n > 0, nil
}

// TransformUpdate lists the mutable transform fields; nil fields are left
// untouched. updated_at always advances, finished_at is stamped when the
// new status is terminal.
type TransformUpdate struct {
	Status     *types.TransformStatus
	Substatus  *types.TransformStatus
	Locking    *types.LockState
	Priority   *int
	Retries    *int
	NextPollAt *types.UnixTime
	Metadata   *types.TransformMeta
}

// UpdateTransform applies a partial update to one transform row.
func UpdateTransform(ctx context.Context, s Session, transformID int64, upd TransformUpdate) error {
	now := types.Now()
	set := []string{"updated_at = ?"}
	args := []any{now}

	if upd.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *upd.Status)
		if upd.Status.Terminal() {
			set = append(set, "finished_at = ?")
			args = append(args, now)
		}
	}
	if upd.Substatus != nil {
		set = append(set, "substatus = ?")
		args = append(args, *upd.Substatus)
	}
	if upd.Locking != nil {
		set = append(set, "locking = ?")
		args = append(args, *upd.Locking)
	}
	if upd.Priority != nil {
		set = append(set, "priority = ?")
		args = append(args, *upd.Priority)
	}
	if upd.Retries != nil {
		set = append(set, "retries = ?")
		args = append(args, *upd.Retries)
	}
	if upd.NextPollAt != nil {
		set = append(set, "next_poll_at = ?")
		args = append(args, *upd.NextPollAt)
	}
	if upd.Metadata != nil {
		set = append(set, "transform_metadata = ?")
		args = append(args, *upd.Metadata)
	}
	args = append(args, transformID)

	q := s.Rebind(`UPDATE transforms SET ` + strings.Join(set, ", ") + ` WHERE transform_id = ?`)
	res, err := s.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapError("update transform", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wrapError("update transform", errNoRowsAffected)
	}
	return nil
}

// DeleteTransform removes a transform and its junction rows.
func DeleteTransform(ctx context.Context, s Session, transformID int64) error {
	for _, q := range []string{
		`DELETE FROM req2transforms WHERE transform_id = ?`,
		`DELETE FROM workprogress2transforms WHERE transform_id = ?`,
		`DELETE FROM transforms WHERE transform_id = ?`,
	} {
		if _, err := s.ExecContext(ctx, s.Rebind(q), transformID); err != nil {
			return wrapError("delete transform", err)
		}
	}
	return nil
}

// CleanTransformLocking resets locks held longer than timePeriod; returns
// the number of rows reset.
func CleanTransformLocking(ctx context.Context, s Session, timePeriod time.Duration) (int64, error) {
	cutoff := types.At(time.Now().Add(-timePeriod))
	q := s.Rebind(`UPDATE transforms SET locking = ? WHERE locking = ? AND updated_at < ?`)
	res, err := s.ExecContext(ctx, q, types.LockIdle, types.LockLocked, cutoff)
	if err != nil {
		return 0, wrapError("clean transform locking", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CleanTransformNextPollAt forces immediate re-polling of all transforms in
// the given statuses.
func CleanTransformNextPollAt(ctx context.Context, s Session, statuses []types.TransformStatus) error {
	q, args, err := sqlx.In(`UPDATE transforms SET next_poll_at = ? WHERE status IN (?)`, types.Now(), statuses)
	if err != nil {
		return wrapError("clean transform next_poll_at", err)
	}
	if _, err := s.ExecContext(ctx, s.Rebind(q), args...); err != nil {
		return wrapError("clean transform next_poll_at", err)
	}
	return nil
}
