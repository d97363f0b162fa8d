package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacarousel/carousel/pkg/types"
)

func TestTransformCRUD(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tr := newStageInTransform()
	id, err := AddTransform(ctx, db, tr)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	got, err := GetTransform(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, types.TransformStatusNew, got.Status)
	assert.Equal(t, types.LockIdle, got.Locking)
	assert.Equal(t, "SRC", got.TransformMetadata.SrcRSE)
	assert.Equal(t, "DST", got.TransformMetadata.DestRSE)
	assert.Nil(t, got.FinishedAt)

	st := types.TransformStatusTransforming
	require.NoError(t, UpdateTransform(ctx, db, id, TransformUpdate{Status: &st}))
	got, err = GetTransform(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, types.TransformStatusTransforming, got.Status)

	_, err = GetTransform(ctx, db, id+100)
	assert.ErrorIs(t, err, ErrNoObject)

	err = UpdateTransform(ctx, db, id+100, TransformUpdate{Status: &st})
	assert.ErrorIs(t, err, ErrNoObject)
}

func TestUpdateTransformStampsFinishedAt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tr := newStageInTransform()
	id, err := AddTransform(ctx, db, tr)
	require.NoError(t, err)

	st := types.TransformStatusFinished
	require.NoError(t, UpdateTransform(ctx, db, id, TransformUpdate{Status: &st}))

	got, err := GetTransform(ctx, db, id)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestRequestTransformJunction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	req := &types.Request{WorkloadID: 77}
	reqID, err := AddRequest(ctx, db, req)
	require.NoError(t, err)

	tr := newStageInTransform()
	trID, err := AddTransform(ctx, db, tr)
	require.NoError(t, err)
	require.NoError(t, AddReq2Transform(ctx, db, reqID, trID))

	ids, err := GetTransformIDs(ctx, db, reqID)
	require.NoError(t, err)
	assert.Equal(t, []int64{trID}, ids)

	transforms, err := GetTransforms(ctx, db, reqID)
	require.NoError(t, err)
	require.Len(t, transforms, 1)
	assert.Equal(t, trID, transforms[0].TransformID)

	reqIDs, err := GetRequestIDsByWorkloadID(ctx, db, 77)
	require.NoError(t, err)
	assert.Equal(t, []int64{reqID}, reqIDs)
}

func TestGetTransformsWithInputCollection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tr := newStageInTransform()
	trID, err := AddTransform(ctx, db, tr)
	require.NoError(t, err)
	addTestCollections(t, db, trID)

	found, err := GetTransformsWithInputCollection(ctx, db,
		types.TransformTypeStageIn, "stagein", "u", "ds1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, trID, found[0].TransformID)

	found, err = GetTransformsWithInputCollection(ctx, db,
		types.TransformTypeStageIn, "stagein", "u", "other")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestClaimTransformsLocksRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := AddTransform(ctx, db, newStageInTransform())
		require.NoError(t, err)
	}

	claimed, err := db.ClaimTransformsByStatus(ctx, TransformFilter{
		Statuses: []types.TransformStatus{types.TransformStatusNew},
		BulkSize: 10,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for _, c := range claimed {
		assert.Equal(t, types.LockLocked, c.Locking)
	}

	// Everything is locked now; a second claim comes up empty.
	again, err := db.ClaimTransformsByStatus(ctx, TransformFilter{
		Statuses: []types.TransformStatus{types.TransformStatusNew},
		BulkSize: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimTransformSingleRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := AddTransform(ctx, db, newStageInTransform())
	require.NoError(t, err)

	won, err := ClaimTransform(ctx, db, id)
	require.NoError(t, err)
	assert.True(t, won)
	got, err := GetTransform(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, types.LockLocked, got.Locking)

	// The lock is already held; a second claimant loses.
	won, err = ClaimTransform(ctx, db, id)
	require.NoError(t, err)
	assert.False(t, won)
}

// Two concurrent claimants must receive disjoint subsets whose union is
// exactly what one claimant would have received.
func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	const n = 6
	for i := 0; i < n; i++ {
		_, err := AddTransform(ctx, db, newStageInTransform())
		require.NoError(t, err)
	}

	filter := TransformFilter{
		Statuses: []types.TransformStatus{types.TransformStatusNew},
		BulkSize: n,
	}

	var wg sync.WaitGroup
	results := make([][]types.Transform, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := db.ClaimTransformsByStatus(ctx, filter)
			assert.NoError(t, err)
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, batch := range results {
		for _, tr := range batch {
			assert.False(t, seen[tr.TransformID], "transform %d claimed twice", tr.TransformID)
			seen[tr.TransformID] = true
		}
	}
	assert.Len(t, seen, n)
}

func TestCleanTransformLocking(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tr := newStageInTransform()
	id, err := AddTransform(ctx, db, tr)
	require.NoError(t, err)

	locked := types.LockLocked
	require.NoError(t, UpdateTransform(ctx, db, id, TransformUpdate{Locking: &locked}))

	// The lock is fresh; a one-hour reaper leaves it alone.
	n, err := CleanTransformLocking(ctx, db, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// With a zero-width window the same lock counts as stale.
	n, err = CleanTransformLocking(ctx, db, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := GetTransform(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, types.LockIdle, got.Locking)
}

func TestCleanTransformNextPollAt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tr := newStageInTransform()
	tr.NextPollAt = types.At(time.Now().Add(24 * time.Hour))
	id, err := AddTransform(ctx, db, tr)
	require.NoError(t, err)

	// Parked far in the future, so not due.
	dueRows, err := GetTransformsByStatus(ctx, db, TransformFilter{
		Statuses: []types.TransformStatus{types.TransformStatusNew},
	})
	require.NoError(t, err)
	assert.Empty(t, dueRows)

	require.NoError(t, CleanTransformNextPollAt(ctx, db,
		[]types.TransformStatus{types.TransformStatusNew}))

	got, err := GetTransform(ctx, db, id)
	require.NoError(t, err)
	assert.True(t, got.NextPollAt.Before(time.Now().Add(time.Second)))
}

func TestDeleteTransform(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	reqID, err := AddRequest(ctx, db, &types.Request{WorkloadID: 1})
	require.NoError(t, err)
	trID, err := AddTransform(ctx, db, newStageInTransform())
	require.NoError(t, err)
	require.NoError(t, AddReq2Transform(ctx, db, reqID, trID))

	require.NoError(t, DeleteTransform(ctx, db, trID))

	_, err = GetTransform(ctx, db, trID)
	assert.ErrorIs(t, err, ErrNoObject)
	ids, err := GetTransformIDs(ctx, db, reqID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
