package database

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/datacarousel/carousel/pkg/types"
)

const processingColumns = `processing_id, transform_id, status, substatus, locking, submitter,
	granularity, granularity_type, expired_at, created_at, updated_at, next_poll_at, finished_at,
	processing_metadata, output_metadata`

// AddProcessing inserts a processing and returns its id.
func AddProcessing(ctx context.Context, s Session, p *types.Processing) (int64, error) {
	now := types.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.NextPollAt.IsZero() {
		p.NextPollAt = now
	}
	if p.Status == 0 {
		p.Status = types.ProcessingStatusNew
	}
	if p.Substatus == 0 {
		p.Substatus = types.ProcessingStatusNew
	}
	if p.GranularityType == 0 {
		p.GranularityType = types.GranularityFile
	}

	q := s.Rebind(`INSERT INTO processings
		(transform_id, status, substatus, locking, submitter, granularity, granularity_type,
		 expired_at, created_at, updated_at, next_poll_at, finished_at, processing_metadata, output_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING processing_id`)

	var id int64
	err := sqlx.GetContext(ctx, s, &id, q,
		p.TransformID, p.Status, p.Substatus, p.Locking, p.Submitter, p.Granularity,
		p.GranularityType, p.ExpiredAt, p.CreatedAt, p.UpdatedAt, p.NextPollAt, p.FinishedAt,
		p.ProcessingMetadata, p.OutputMetadata)
	if err != nil {
		return 0, wrapError("add processing", err)
	}
	p.ProcessingID = id
	return id, nil
}

// GetProcessing returns a processing by id, or ErrNoObject.
func GetProcessing(ctx context.Context, s Session, processingID int64) (*types.Processing, error) {
	var p types.Processing
	q := s.Rebind(`SELECT ` + processingColumns + ` FROM processings WHERE processing_id = ?`)
	if err := sqlx.GetContext(ctx, s, &p, q, processingID); err != nil {
		return nil, wrapError("get processing", err)
	}
	return &p, nil
}

// GetProcessingsByTransformID returns all processings of a transform in
// creation order.
func GetProcessingsByTransformID(ctx context.Context, s Session, transformID int64) ([]types.Processing, error) {
	var out []types.Processing
	q := s.Rebind(`SELECT ` + processingColumns + ` FROM processings
		WHERE transform_id = ? ORDER BY processing_id ASC`)
	if err := sqlx.SelectContext(ctx, s, &out, q, transformID); err != nil {
		return nil, wrapError("get processings by transform", err)
	}
	return out, nil
}

// ProcessingFilter selects due processings per the polling predicate.
type ProcessingFilter struct {
	Statuses  []types.ProcessingStatus
	Period    time.Duration
	OnlyIdle  bool
	Submitter string
	BulkSize  int
}

func processingFilterQuery(f ProcessingFilter, now types.UnixTime) (string, []any) {
	q := `SELECT ` + processingColumns + ` FROM processings WHERE status IN (?) AND next_poll_at < ?`
	args := []any{f.Statuses, now}
	if f.Period > 0 {
		q += ` AND updated_at < ?`
		args = append(args, types.At(now.Add(-f.Period)))
	}
	if f.OnlyIdle {
		q += ` AND locking = ?`
		args = append(args, types.LockIdle)
	}
	if f.Submitter != "" {
		q += ` AND submitter = ?`
		args = append(args, f.Submitter)
	}
	q += ` ORDER BY updated_at ASC`
	if f.BulkSize > 0 {
		q += ` LIMIT ?`
		args = append(args, f.BulkSize)
	}
	return q, args
}

// GetProcessingsByStatus returns due processings matching the filter without
// claiming them.
func GetProcessingsByStatus(ctx context.Context, s Session, f ProcessingFilter) ([]types.Processing, error) {
	q, args := processingFilterQuery(f, types.Now())
	q, expanded, err := sqlx.In(q, args...)
	if err != nil {
		return nil, wrapError("get processings by status", err)
	}
	var out []types.Processing
	if err := sqlx.SelectContext(ctx, s, &out, s.Rebind(q), expanded...); err != nil {
		return nil, wrapError("get processings by status", err)
	}
	return out, nil
}

// ClaimProcessingsByStatus selects due processings and locks them, using the
// same discipline as ClaimTransformsByStatus.
func (db *DB) ClaimProcessingsByStatus(ctx context.Context, f ProcessingFilter) ([]types.Processing, error) {
	f.OnlyIdle = true
	var claimed []types.Processing

	err := db.Transact(ctx, func(tx *sqlx.Tx) error {
		now := types.Now()
		q, args := processingFilterQuery(f, now)
		if db.driver == "postgres" {
			q += ` FOR UPDATE SKIP LOCKED`
		}
		q, expanded, err := sqlx.In(q, args...)
		if err != nil {
			return wrapError("claim processings", err)
		}
		var candidates []types.Processing
		if err := sqlx.SelectContext(ctx, tx, &candidates, tx.Rebind(q), expanded...); err != nil {
			return wrapError("claim processings", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]int64, len(candidates))
		for i := range candidates {
			ids[i] = candidates[i].ProcessingID
		}
		uq, uargs, err := sqlx.In(`UPDATE processings SET locking = ?, updated_at = ?
			WHERE processing_id IN (?) AND locking = ?
			RETURNING processing_id`,
			types.LockLocked, now, ids, types.LockIdle)
		if err != nil {
			return wrapError("claim processings", err)
		}
		var won []int64
		if err := sqlx.SelectContext(ctx, tx, &won, tx.Rebind(uq), uargs...); err != nil {
			return wrapError("claim processings", err)
		}

		wonSet := make(map[int64]bool, len(won))
		for _, id := range won {
			wonSet[id] = true
		}
		for i := range candidates {
			if !wonSet[candidates[i].ProcessingID] {
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

// ProcessingUpdate lists the mutable processing fields; nil fields are left
// untouched.
type ProcessingUpdate struct {
	Status         *types.ProcessingStatus
	Substatus      *types.ProcessingStatus
	Locking        *types.LockState
	NextPollAt     *types.UnixTime
	Metadata       *types.ProcessingMeta
	OutputMetadata *types.JSONMap
}

// UpdateProcessing applies a partial update to one processing row.
func UpdateProcessing(ctx context.Context, s Session, processingID int64, upd ProcessingUpdate) error {
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
	if upd.NextPollAt != nil {
		set = append(set, "next_poll_at = ?")
		args = append(args, *upd.NextPollAt)
	}
	if upd.Metadata != nil {
		set = append(set, "processing_metadata = ?")
		args = append(args, *upd.Metadata)
	}
	if upd.OutputMetadata != nil {
		set = append(set, "output_metadata = ?")
		args = append(args, *upd.OutputMetadata)
	}
	args = append(args, processingID)

	q := s.Rebind(`UPDATE processings SET ` + strings.Join(set, ", ") + ` WHERE processing_id = ?`)
	res, err := s.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapError("update processing", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wrapError("update processing", errNoRowsAffected)
	}
	return nil
}

// DeleteProcessing removes a processing row.
func DeleteProcessing(ctx context.Context, s Session, processingID int64) error {
	q := s.Rebind(`DELETE FROM processings WHERE processing_id = ?`)
	if _, err := s.ExecContext(ctx, q, processingID); err != nil {
		return wrapError("delete processing", err)
	}
	return nil
}

// CleanProcessingLocking resets locks held longer than timePeriod; returns
// the number of rows reset.
func CleanProcessingLocking(ctx context.Context, s Session, timePeriod time.Duration) (int64, error) {
	cutoff := types.At(time.Now().Add(-timePeriod))
	q := s.Rebind(`UPDATE processings SET locking = ? WHERE locking = ? AND updated_at < ?`)
	res, err := s.ExecContext(ctx, q, types.LockIdle, types.LockLocked, cutoff)
	if err != nil {
		return 0, wrapError("clean processing locking", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CleanProcessingNextPollAt forces immediate re-polling of all processings
// in the given statuses.
func CleanProcessingNextPollAt(ctx context.Context, s Session, statuses []types.ProcessingStatus) error {
	q, args, err := sqlx.In(`UPDATE processings SET next_poll_at = ? WHERE status IN (?)`, types.Now(), statuses)
	if err != nil {
		return wrapError("clean processing next_poll_at", err)
	}
	if _, err := s.ExecContext(ctx, s.Rebind(q), args...); err != nil {
		return wrapError("clean processing next_poll_at", err)
	}
	return nil
}
