package database

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/datacarousel/carousel/pkg/types"
)

const contentColumns = `content_id, coll_id, transform_id, map_id, scope, name, bytes, adler32,
	min_id, max_id, content_type, status, substatus, content_metadata, created_at, updated_at`

// AddContent inserts a single content row and returns its id. A second
// insert for the same (coll_id, scope, name) fails with ErrDuplicatedObject.
func AddContent(ctx context.Context, s Session, c *types.Content) (int64, error) {
	now := types.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == 0 {
		c.Status = types.ContentStatusNew
	}
	if c.Substatus == 0 {
		c.Substatus = types.ContentStatusNew
	}
	if c.ContentType == 0 {
		c.ContentType = types.ContentTypeFile
	}

	q := s.Rebind(`INSERT INTO contents
		(coll_id, transform_id, map_id, scope, name, bytes, adler32, min_id, max_id,
		 content_type, status, substatus, content_metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING content_id`)

	var id int64
	err := sqlx.GetContext(ctx, s, &id, q,
		c.CollID, c.TransformID, c.MapID, c.Scope, c.Name, c.Bytes, c.Adler32,
		c.MinID, c.MaxID, c.ContentType, c.Status, c.Substatus, c.ContentMetadata,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return 0, wrapError("add content", err)
	}
	c.ContentID = id
	return id, nil
}

// AddContents inserts a batch of content rows.
func AddContents(ctx context.Context, s Session, cs []types.Content) error {
	for i := range cs {
		if _, err := AddContent(ctx, s, &cs[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetContent returns a content row by id, or ErrNoObject.
func GetContent(ctx context.Context, s Session, contentID int64) (*types.Content, error) {
	var c types.Content
	q := s.Rebind(`SELECT ` + contentColumns + ` FROM contents WHERE content_id = ?`)
	if err := sqlx.GetContext(ctx, s, &c, q, contentID); err != nil {
		return nil, wrapError("get content", err)
	}
	return &c, nil
}

// GetContentsByCollID returns the contents of one collection.
func GetContentsByCollID(ctx context.Context, s Session, collID int64) ([]types.Content, error) {
	var out []types.Content
	q := s.Rebind(`SELECT ` + contentColumns + ` FROM contents
		WHERE coll_id = ? ORDER BY map_id ASC, content_id ASC`)
	if err := sqlx.SelectContext(ctx, s, &out, q, collID); err != nil {
		return nil, wrapError("get contents by collection", err)
	}
	return out, nil
}

// GetContentsByTransformID returns all contents across a transform's
// collections, ordered so map reconstruction is deterministic.
func GetContentsByTransformID(ctx context.Context, s Session, transformID int64) ([]types.Content, error) {
	var out []types.Content
	q := s.Rebind(`SELECT ` + contentColumns + ` FROM contents
		WHERE transform_id = ? ORDER BY map_id ASC, content_id ASC`)
	if err := sqlx.SelectContext(ctx, s, &out, q, transformID); err != nil {
		return nil, wrapError("get contents by transform", err)
	}
	return out, nil
}

// ContentUpdate carries a per-row status delta produced by reconciliation.
type ContentUpdate struct {
	ContentID int64
	Status    *types.ContentStatus
	Substatus *types.ContentStatus
}

// UpdateContents applies status deltas. Rows whose status is already
// terminal are skipped so that Available/Failed/Lost never regress; the
// returned count is the number of rows actually changed.
func UpdateContents(ctx context.Context, s Session, updates []ContentUpdate) (int64, error) {
	terminal := []types.ContentStatus{
		types.ContentStatusAvailable,
		types.ContentStatusFailed,
		types.ContentStatusLost,
	}

	var changed int64
	for _, u := range updates {
		set := []string{"updated_at = ?"}
		args := []any{types.Now()}
		if u.Status != nil {
			set = append(set, "status = ?")
			args = append(args, *u.Status)
		}
		if u.Substatus != nil {
			set = append(set, "substatus = ?")
			args = append(args, *u.Substatus)
		}
		if len(set) == 1 {
			continue
		}

		q := `UPDATE contents SET ` + strings.Join(set, ", ") + ` WHERE content_id = ? AND status NOT IN (?)`
		args = append(args, u.ContentID, terminal)
		q, expanded, err := sqlx.In(q, args...)
		if err != nil {
			return changed, wrapError("update contents", err)
		}
		res, err := s.ExecContext(ctx, s.Rebind(q), expanded...)
		if err != nil {
			return changed, wrapError("update contents", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			changed += n
		}
	}
	return changed, nil
}
