package database

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datacarousel/carousel/pkg/config"
	"github.com/datacarousel/carousel/pkg/log"
	"github.com/datacarousel/carousel/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

// openTestDB opens a migrated sqlite database in a temp dir so the full SQL
// path is exercised without a server.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(config.Database{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "carousel.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

// due is a next_poll_at safely in the past; timestamps are stored at second
// precision, so rows stamped "now" are not yet due.
func due() types.UnixTime {
	return types.At(time.Now().Add(-time.Minute))
}

func newStageInTransform() *types.Transform {
	return &types.Transform{
		TransformType: types.TransformTypeStageIn,
		TransformTag:  "stagein",
		NextPollAt:    due(),
		TransformMetadata: types.TransformMeta{
			Version:  1,
			WorkType: "stagein",
			SrcRSE:   "SRC",
			DestRSE:  "DST",
			LifeTime: 3600,
		},
	}
}

func addTestCollections(t *testing.T, db *DB, transformID int64) (in, out *types.Collection) {
	t.Helper()
	ctx := context.Background()

	in = &types.Collection{
		TransformID:  transformID,
		RelationType: types.CollectionRelationInput,
		Scope:        "u",
		Name:         "ds1",
	}
	_, err := AddCollection(ctx, db, in)
	require.NoError(t, err)

	out = &types.Collection{
		TransformID:  transformID,
		RelationType: types.CollectionRelationOutput,
		Scope:        "u",
		Name:         "ds1.stagein",
	}
	_, err = AddCollection(ctx, db, out)
	require.NoError(t, err)
	return in, out
}
