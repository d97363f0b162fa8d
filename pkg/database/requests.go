package database

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/datacarousel/carousel/pkg/types"
)

const requestColumns = `request_id, workload_id, status, priority, request_metadata, created_at, updated_at`

// AddRequest inserts a request and returns its id.
func AddRequest(ctx context.Context, s Session, r *types.Request) (int64, error) {
	now := types.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == 0 {
		r.Status = types.RequestStatusNew
	}

	q := s.Rebind(`INSERT INTO requests
		(workload_id, status, priority, request_metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING request_id`)

	var id int64
	err := sqlx.GetContext(ctx, s, &id, q,
		r.WorkloadID, r.Status, r.Priority, r.RequestMetadata, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return 0, wrapError("add request", err)
	}
	r.RequestID = id
	return id, nil
}

// GetRequest returns a request by id, or ErrNoObject.
func GetRequest(ctx context.Context, s Session, requestID int64) (*types.Request, error) {
	var r types.Request
	q := s.Rebind(`SELECT ` + requestColumns + ` FROM requests WHERE request_id = ?`)
	if err := sqlx.GetContext(ctx, s, &r, q, requestID); err != nil {
		return nil, wrapError("get request", err)
	}
	return &r, nil
}

// GetRequestIDsByWorkloadID returns the requests submitted for a workload.
func GetRequestIDsByWorkloadID(ctx context.Context, s Session, workloadID int64) ([]int64, error) {
	var ids []int64
	q := s.Rebind(`SELECT request_id FROM requests WHERE workload_id = ? ORDER BY request_id ASC`)
	if err := sqlx.SelectContext(ctx, s, &ids, q, workloadID); err != nil {
		return nil, wrapError("get request ids by workload", err)
	}
	return ids, nil
}

// RequestUpdate lists the mutable request fields; nil fields are left
// untouched.
type RequestUpdate struct {
	Status   *types.RequestStatus
	Priority *int
	Metadata *types.JSONMap
}

// UpdateRequest applies a partial update to one request row.
func UpdateRequest(ctx context.Context, s Session, requestID int64, upd RequestUpdate) error {
	set := []string{"updated_at = ?"}
	args := []any{types.Now()}

	if upd.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Priority != nil {
		set = append(set, "priority = ?")
		args = append(args, *upd.Priority)
	}
	if upd.Metadata != nil {
		set = append(set, "request_metadata = ?")
		args = append(args, *upd.Metadata)
	}
	args = append(args, requestID)

	q := s.Rebind(`UPDATE requests SET ` + strings.Join(set, ", ") + ` WHERE request_id = ?`)
	res, err := s.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapError("update request", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wrapError("update request", errNoRowsAffected)
	}
	return nil
}
