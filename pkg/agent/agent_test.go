package agent

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datacarousel/carousel/pkg/config"
	"github.com/datacarousel/carousel/pkg/database"
	"github.com/datacarousel/carousel/pkg/dataservice"
	"github.com/datacarousel/carousel/pkg/log"
	"github.com/datacarousel/carousel/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

// env is a full single-transform world: sqlite database, fake data service,
// both agents, and a stage-in transform with its input/output collections.
type env struct {
	db   *database.DB
	fake *dataservice.Fake
	ta   *TransformAgent
	pa   *ProcessingAgent
	tr   *types.Transform
	in   *types.Collection
	out  *types.Collection
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(config.Database{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "carousel.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	fake := dataservice.NewFake("carousel")
	cfg := config.Agent{
		BulkSize:        10,
		RetryPeriod:     config.Duration(time.Minute),
		MessageBulkSize: 100,
		Submitter:       "carousel",
	}

	tr := &types.Transform{
		TransformType: types.TransformTypeStageIn,
		TransformTag:  "stagein",
		TransformMetadata: types.TransformMeta{
			Version:  1,
			WorkType: "stagein",
			SrcRSE:   "SRC",
			DestRSE:  "DST",
			LifeTime: 3600,
		},
	}
	_, err = database.AddTransform(ctx, db, tr)
	require.NoError(t, err)

	in := &types.Collection{
		TransformID:  tr.TransformID,
		RelationType: types.CollectionRelationInput,
		Scope:        "u",
		Name:         "ds1",
	}
	_, err = database.AddCollection(ctx, db, in)
	require.NoError(t, err)

	out := &types.Collection{
		TransformID:  tr.TransformID,
		RelationType: types.CollectionRelationOutput,
		Scope:        "u",
		Name:         "ds1.stagein",
	}
	_, err = database.AddCollection(ctx, db, out)
	require.NoError(t, err)

	return &env{
		db:   db,
		fake: fake,
		ta:   NewTransformAgent(db, fake, cfg),
		pa:   NewProcessingAgent(db, fake, cfg),
		tr:   tr,
		in:   in,
		out:  out,
	}
}

// makeDue backdates next_poll_at on every row. Timestamps are stored at
// second precision, so rows written during the test are otherwise not due
// until the next wall-clock second.
func (e *env) makeDue(t *testing.T) {
	t.Helper()
	past := types.At(time.Now().Add(-time.Minute))
	for _, q := range []string{
		`UPDATE transforms SET next_poll_at = ?`,
		`UPDATE processings SET next_poll_at = ?`,
	} {
		_, err := e.db.ExecContext(context.Background(), e.db.Rebind(q), past)
		require.NoError(t, err)
	}
}

func (e *env) transformTick(t *testing.T) {
	t.Helper()
	e.makeDue(t)
	require.NoError(t, e.ta.Tick(context.Background()))
}

func (e *env) processingTick(t *testing.T) {
	t.Helper()
	e.makeDue(t)
	require.NoError(t, e.pa.Tick(context.Background()))
}

func (e *env) getTransform(t *testing.T) *types.Transform {
	t.Helper()
	tr, err := database.GetTransform(context.Background(), e.db, e.tr.TransformID)
	require.NoError(t, err)
	return tr
}

func (e *env) getProcessings(t *testing.T) []types.Processing {
	t.Helper()
	procs, err := database.GetProcessingsByTransformID(context.Background(), e.db, e.tr.TransformID)
	require.NoError(t, err)
	return procs
}

func (e *env) getOutputContents(t *testing.T) []types.Content {
	t.Helper()
	cs, err := database.GetContentsByCollID(context.Background(), e.db, e.out.CollID)
	require.NoError(t, err)
	return cs
}

func (e *env) putClosedDataset(files ...dataservice.FileInfo) {
	e.fake.PutDataset("u", "ds1", dataservice.DIDMeta{
		Bytes:   int64(len(files)) * 100,
		Length:  int64(len(files)),
		IsOpen:  false,
		DIDType: "DATASET",
	}, files)
}

func file(name string) dataservice.FileInfo {
	return dataservice.FileInfo{Scope: "u", Name: name, Bytes: 100, Adler32: "aa", Events: 1}
}

func TestStageInHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.putClosedDataset(file("f1"), file("f2"), file("f3"))

	// Tick 1: inputs discovered and mapped, processing created.
	e.transformTick(t)

	tr := e.getTransform(t)
	assert.Equal(t, types.TransformStatusTransforming, tr.Status)
	assert.True(t, tr.TransformMetadata.HasNewInputs)

	contents, err := database.GetContentsByTransformID(ctx, e.db, e.tr.TransformID)
	require.NoError(t, err)
	assert.Len(t, contents, 6, "3 inputs + 3 outputs")

	procs := e.getProcessings(t)
	require.Len(t, procs, 1)
	assert.Equal(t, types.ProcessingStatusNew, procs[0].Status)
	assert.Nil(t, procs[0].ProcessingMetadata.RuleID)
	assert.NotEmpty(t, procs[0].ProcessingMetadata.InternalID)

	coll, err := database.GetCollection(ctx, e.db, e.in.CollID)
	require.NoError(t, err)
	assert.Equal(t, types.CollectionStatusClosed, coll.Status)
	assert.Equal(t, int64(3), coll.TotalFiles)

	// Tick 2: the pending processing is submitted, rule id persisted.
	e.transformTick(t)

	procs = e.getProcessings(t)
	require.Len(t, procs, 1, "no second processing")
	assert.Equal(t, types.ProcessingStatusSubmitted, procs[0].Status)
	require.NotNil(t, procs[0].ProcessingMetadata.RuleID)
	ruleID := *procs[0].ProcessingMetadata.RuleID

	tr = e.getTransform(t)
	assert.False(t, tr.TransformMetadata.HasNewInputs)

	// Replication in flight: the poll advances the processing to Running
	// without touching any content.
	e.processingTick(t)
	procs = e.getProcessings(t)
	assert.Equal(t, types.ProcessingStatusRunning, procs[0].Status)
	for _, c := range e.getOutputContents(t) {
		assert.Equal(t, types.ContentStatusNew, c.Status)
	}

	// Replication done: contents go Available, the processing finishes.
	e.fake.SetRuleState(ruleID, dataservice.RuleStateOK, 3, 0, 0)
	e.fake.SetLocks(ruleID, []dataservice.ReplicaLock{
		{Scope: "u", Name: "f1", State: dataservice.LockStateOK},
		{Scope: "u", Name: "f2", State: dataservice.LockStateOK},
		{Scope: "u", Name: "f3", State: dataservice.LockStateOK},
	})
	e.processingTick(t)

	procs = e.getProcessings(t)
	assert.Equal(t, types.ProcessingStatusFinished, procs[0].Status)
	require.NotNil(t, procs[0].FinishedAt)
	for _, c := range e.getOutputContents(t) {
		assert.Equal(t, types.ContentStatusAvailable, c.Status)
	}

	// Final transform tick rolls up to Finished.
	e.transformTick(t)
	tr = e.getTransform(t)
	assert.Equal(t, types.TransformStatusFinished, tr.Status)
	require.NotNil(t, tr.FinishedAt)
	assert.Equal(t, types.LockIdle, tr.Locking)

	// One outbox row per committed state transition, all tagged with the
	// transform: New->Transforming, submit, ->Running, ->Finished, rollup.
	msgs, err := database.RetrieveMessages(ctx, e.db, database.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
	for _, m := range msgs {
		assert.Equal(t, e.tr.TransformID, m.TransformID)
		assert.Equal(t, types.MessageStatusNew, m.Status)
		assert.Equal(t, 100, m.BulkSize, "publisher chunk hint from config")
	}
}

func TestStageInRuleLost(t *testing.T) {
	e := newEnv(t)
	e.putClosedDataset(file("f1"))

	e.transformTick(t)
	e.transformTick(t)

	procs := e.getProcessings(t)
	require.NotNil(t, procs[0].ProcessingMetadata.RuleID)
	e.fake.DropRule(*procs[0].ProcessingMetadata.RuleID)

	e.processingTick(t)

	procs = e.getProcessings(t)
	assert.Equal(t, types.ProcessingStatusLost, procs[0].Status)
	tr := e.getTransform(t)
	assert.Equal(t, types.TransformStatusFailed, tr.Status)
}

// A vanished rule must not fail a transform whose lock another agent holds;
// the processing is released with backoff and the handling lands once the
// transform lock frees up.
func TestRuleLostDefersToClaimedTransform(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.putClosedDataset(file("f1"))

	e.transformTick(t)
	e.transformTick(t)
	procs := e.getProcessings(t)
	require.NotNil(t, procs[0].ProcessingMetadata.RuleID)
	e.fake.DropRule(*procs[0].ProcessingMetadata.RuleID)

	locked := types.LockLocked
	require.NoError(t, database.UpdateTransform(ctx, e.db, e.tr.TransformID,
		database.TransformUpdate{Locking: &locked}))

	e.processingTick(t)

	assert.Equal(t, types.TransformStatusTransforming, e.getTransform(t).Status)
	procs = e.getProcessings(t)
	assert.Equal(t, types.ProcessingStatusSubmitted, procs[0].Status)
	assert.Equal(t, types.LockIdle, procs[0].Locking)
	assert.True(t, procs[0].NextPollAt.After(time.Now()), "backed off into the future")

	// The competing agent releases the transform; the next poll lands.
	idle := types.LockIdle
	require.NoError(t, database.UpdateTransform(ctx, e.db, e.tr.TransformID,
		database.TransformUpdate{Locking: &idle}))
	e.processingTick(t)

	assert.Equal(t, types.ProcessingStatusLost, e.getProcessings(t)[0].Status)
	tr := e.getTransform(t)
	assert.Equal(t, types.TransformStatusFailed, tr.Status)
	assert.Equal(t, types.LockIdle, tr.Locking)
}

func TestStageInIncrementalInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	open := func(files ...dataservice.FileInfo) {
		e.fake.PutDataset("u", "ds1", dataservice.DIDMeta{
			Length: int64(len(files)), IsOpen: true, DIDType: "DATASET",
		}, files)
	}

	open(file("f1"))
	e.transformTick(t)

	contents, err := database.GetContentsByTransformID(ctx, e.db, e.tr.TransformID)
	require.NoError(t, err)
	assert.Len(t, contents, 2)
	assert.True(t, e.getTransform(t).TransformMetadata.HasNewInputs)

	// A new file appears while the collection is still open: exactly one
	// map is appended, keyed 2.
	open(file("f1"), file("f2"))
	e.transformTick(t)

	contents, err = database.GetContentsByTransformID(ctx, e.db, e.tr.TransformID)
	require.NoError(t, err)
	assert.Len(t, contents, 4)
	var maxMapID int64
	for _, c := range contents {
		if c.MapID > maxMapID {
			maxMapID = c.MapID
		}
	}
	assert.Equal(t, int64(2), maxMapID)
	assert.True(t, e.getTransform(t).TransformMetadata.HasNewInputs)

	// The collection closes with nothing new: no more inputs expected.
	e.putClosedDataset(file("f1"), file("f2"))
	e.transformTick(t)

	contents, err = database.GetContentsByTransformID(ctx, e.db, e.tr.TransformID)
	require.NoError(t, err)
	assert.Len(t, contents, 4)
	assert.False(t, e.getTransform(t).TransformMetadata.HasNewInputs)
}

func TestStageInSubFinished(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.putClosedDataset(file("f1"), file("f2"), file("f3"))

	e.transformTick(t)
	e.transformTick(t)
	procs := e.getProcessings(t)
	ruleID := *procs[0].ProcessingMetadata.RuleID

	// f2 never completes; the other locks land.
	e.fake.SetRuleState(ruleID, dataservice.RuleStateStuck, 2, 0, 1)
	e.fake.SetLocks(ruleID, []dataservice.ReplicaLock{
		{Scope: "u", Name: "f1", State: dataservice.LockStateOK},
		{Scope: "u", Name: "f3", State: dataservice.LockStateOK},
		{Scope: "u", Name: "f2", State: dataservice.LockStateStuck},
	})
	e.processingTick(t)

	// The operator gives up on f2 and fails the processing.
	var f2ID int64
	for _, c := range e.getOutputContents(t) {
		if c.Name == "f2" {
			f2ID = c.ContentID
		}
	}
	require.NotZero(t, f2ID)
	failed := types.ContentStatusFailed
	_, err := database.UpdateContents(ctx, e.db, []database.ContentUpdate{
		{ContentID: f2ID, Status: &failed, Substatus: &failed},
	})
	require.NoError(t, err)
	pFailed := types.ProcessingStatusFailed
	require.NoError(t, database.UpdateProcessing(ctx, e.db, procs[0].ProcessingID,
		database.ProcessingUpdate{Status: &pFailed}))

	e.transformTick(t)
	assert.Equal(t, types.TransformStatusSubFinished, e.getTransform(t).Status)
}

func TestStageInCancellation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.putClosedDataset(file("f1"))

	e.transformTick(t)
	e.transformTick(t)
	procs := e.getProcessings(t)
	ruleID := *procs[0].ProcessingMetadata.RuleID

	toCancel := types.TransformStatusToCancel
	require.NoError(t, database.UpdateTransform(ctx, e.db, e.tr.TransformID,
		database.TransformUpdate{Status: &toCancel}))

	e.transformTick(t)

	tr := e.getTransform(t)
	assert.Equal(t, types.TransformStatusCancelled, tr.Status)
	procs = e.getProcessings(t)
	assert.Equal(t, types.ProcessingStatusCancelled, procs[0].Status)

	// The external rule was deleted best-effort.
	_, err := e.fake.GetReplicationRule(ctx, ruleID)
	assert.ErrorIs(t, err, dataservice.ErrRuleNotFound)
}

func TestJanitorFreesStaleLocks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	locked := types.LockLocked
	require.NoError(t, database.UpdateTransform(ctx, e.db, e.tr.TransformID,
		database.TransformUpdate{Locking: &locked}))

	// A generous lifetime leaves the fresh lock alone.
	j := NewJanitor(e.db, time.Hour)
	require.NoError(t, j.Tick(ctx))
	assert.Equal(t, types.LockLocked, e.getTransform(t).Locking)

	// A negative lifetime treats everything as stale.
	j = NewJanitor(e.db, -time.Minute)
	require.NoError(t, j.Tick(ctx))
	assert.Equal(t, types.LockIdle, e.getTransform(t).Locking)
}

func TestFailedRowIsReleasedWithBackoff(t *testing.T) {
	e := newEnv(t)
	// No dataset in the fake: input discovery fails, the row must be
	// released idle with a bumped retry counter.
	e.transformTick(t)

	tr := e.getTransform(t)
	assert.Equal(t, types.LockIdle, tr.Locking)
	assert.Equal(t, 1, tr.Retries)
	assert.Equal(t, types.TransformStatusNew, tr.Status)
	assert.True(t, tr.NextPollAt.After(time.Now()), "backed off into the future")
}
