package database

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/datacarousel/carousel/pkg/types"
)

const collectionColumns = `coll_id, transform_id, relation_type, scope, name, status, total_files,
	coll_metadata, created_at, updated_at`

// AddCollection inserts a collection and returns its id.
func AddCollection(ctx context.Context, s Session, c *types.Collection) (int64, error) {
	now := types.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == 0 {
		c.Status = types.CollectionStatusOpen
	}

	q := s.Rebind(`INSERT INTO collections
		(transform_id, relation_type, scope, name, status, total_files, coll_metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING coll_id`)

	var id int64
	err := sqlx.GetContext(ctx, s, &id, q,
		c.TransformID, c.RelationType, c.Scope, c.Name, c.Status, c.TotalFiles,
		c.CollMetadata, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return 0, wrapError("add collection", err)
	}
	c.CollID = id
	return id, nil
}

// GetCollection returns a collection by id, or ErrNoObject.
func GetCollection(ctx context.Context, s Session, collID int64) (*types.Collection, error) {
	var c types.Collection
	q := s.Rebind(`SELECT ` + collectionColumns + ` FROM collections WHERE coll_id = ?`)
	if err := sqlx.GetContext(ctx, s, &c, q, collID); err != nil {
		return nil, wrapError("get collection", err)
	}
	return &c, nil
}

// GetCollectionsByTransformID returns all collections of a transform in
// creation order. The primary input collection is the first input-relation
// row.
func GetCollectionsByTransformID(ctx context.Context, s Session, transformID int64) ([]types.Collection, error) {
	var out []types.Collection
	q := s.Rebind(`SELECT ` + collectionColumns + ` FROM collections
		WHERE transform_id = ? ORDER BY coll_id ASC`)
	if err := sqlx.SelectContext(ctx, s, &out, q, transformID); err != nil {
		return nil, wrapError("get collections by transform", err)
	}
	return out, nil
}

// CollectionUpdate lists the mutable collection fields; nil fields are left
// untouched.
type CollectionUpdate struct {
	Status     *types.CollectionStatus
	TotalFiles *int64
	Metadata   *types.CollectionMeta
}

// UpdateCollection applies a partial update to one collection row.
func UpdateCollection(ctx context.Context, s Session, collID int64, upd CollectionUpdate) error {
	set := []string{"updated_at = ?"}
	args := []any{types.Now()}

	if upd.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.TotalFiles != nil {
		set = append(set, "total_files = ?")
		args = append(args, *upd.TotalFiles)
	}
	if upd.Metadata != nil {
		set = append(set, "coll_metadata = ?")
		args = append(args, *upd.Metadata)
	}
	args = append(args, collID)

	q := s.Rebind(`UPDATE collections SET ` + strings.Join(set, ", ") + ` WHERE coll_id = ?`)
	res, err := s.ExecContext(ctx, q, args...)
	if err != nil {
		return wrapError("update collection", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wrapError("update collection", errNoRowsAffected)
	}
	return nil
}
