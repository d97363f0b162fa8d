package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacarousel/carousel/pkg/types"
)

func newTestContent(collID, transformID, mapID int64, name string) *types.Content {
	return &types.Content{
		CollID:      collID,
		TransformID: transformID,
		MapID:       mapID,
		Scope:       "u",
		Name:        name,
		Bytes:       1024,
		Adler32:     "0a0a0a0a",
		MaxID:       10,
	}
}

func TestAddContentDuplicate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	trID, err := AddTransform(ctx, db, newStageInTransform())
	require.NoError(t, err)
	in, _ := addTestCollections(t, db, trID)

	_, err = AddContent(ctx, db, newTestContent(in.CollID, trID, 1, "f1"))
	require.NoError(t, err)

	// Same (coll_id, scope, name) again: a logic bug, surfaced as such.
	_, err = AddContent(ctx, db, newTestContent(in.CollID, trID, 2, "f1"))
	assert.ErrorIs(t, err, ErrDuplicatedObject)
}

func TestGetContentsOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	trID, err := AddTransform(ctx, db, newStageInTransform())
	require.NoError(t, err)
	in, out := addTestCollections(t, db, trID)

	// Insert out of map order on purpose.
	require.NoError(t, AddContents(ctx, db, []types.Content{
		*newTestContent(in.CollID, trID, 2, "f2"),
		*newTestContent(out.CollID, trID, 2, "f2"),
		*newTestContent(in.CollID, trID, 1, "f1"),
		*newTestContent(out.CollID, trID, 1, "f1"),
	}))

	all, err := GetContentsByTransformID(ctx, db, trID)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(1), all[0].MapID)
	assert.Equal(t, int64(1), all[1].MapID)
	assert.Equal(t, int64(2), all[2].MapID)
	assert.Equal(t, int64(2), all[3].MapID)

	inputs, err := GetContentsByCollID(ctx, db, in.CollID)
	require.NoError(t, err)
	assert.Len(t, inputs, 2)
}

// Terminal content statuses must never regress, no matter what an agent
// later tries to write.
func TestUpdateContentsIsMonotone(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	trID, err := AddTransform(ctx, db, newStageInTransform())
	require.NoError(t, err)
	in, _ := addTestCollections(t, db, trID)

	c := newTestContent(in.CollID, trID, 1, "f1")
	id, err := AddContent(ctx, db, c)
	require.NoError(t, err)

	available := types.ContentStatusAvailable
	changed, err := UpdateContents(ctx, db, []ContentUpdate{
		{ContentID: id, Status: &available, Substatus: &available},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	// Attempted regression: the guard skips the row entirely.
	processing := types.ContentStatusProcessing
	changed, err = UpdateContents(ctx, db, []ContentUpdate{
		{ContentID: id, Status: &processing, Substatus: &processing},
	})
	require.NoError(t, err)
	assert.Zero(t, changed)

	got, err := GetContent(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, types.ContentStatusAvailable, got.Status)
	assert.Equal(t, types.ContentStatusAvailable, got.Substatus)
}

func TestUpdateCollectionMetadata(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	trID, err := AddTransform(ctx, db, newStageInTransform())
	require.NoError(t, err)
	in, _ := addTestCollections(t, db, trID)

	closed := types.CollectionStatusClosed
	total := int64(3)
	meta := types.CollectionMeta{
		Bytes:      4096,
		TotalFiles: 3,
		IsOpen:     false,
		DIDType:    "DATASET",
		Refreshed:  true,
	}
	require.NoError(t, UpdateCollection(ctx, db, in.CollID, CollectionUpdate{
		Status:     &closed,
		TotalFiles: &total,
		Metadata:   &meta,
	}))

	got, err := GetCollection(ctx, db, in.CollID)
	require.NoError(t, err)
	assert.Equal(t, types.CollectionStatusClosed, got.Status)
	assert.Equal(t, int64(3), got.TotalFiles)
	assert.True(t, got.CollMetadata.Refreshed)
	assert.False(t, got.CollMetadata.IsOpen)
}
