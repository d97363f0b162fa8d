package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/datacarousel/carousel/pkg/config"
	"github.com/datacarousel/carousel/pkg/database"
	"github.com/datacarousel/carousel/pkg/dataservice"
	"github.com/datacarousel/carousel/pkg/log"
	"github.com/datacarousel/carousel/pkg/metrics"
	"github.com/datacarousel/carousel/pkg/types"
	"github.com/datacarousel/carousel/pkg/work"
)

// TransformAgent drives transforms through their lifecycle: discover
// inputs, map them to outputs, create and submit processings, and roll
// content progress up into the transform status.
type TransformAgent struct {
	db  *database.DB
	svc dataservice.DataService
	cfg config.Agent
	log zerolog.Logger
}

// NewTransformAgent builds the agent. Many instances may run concurrently
// against the same database.
func NewTransformAgent(db *database.DB, svc dataservice.DataService, cfg config.Agent) *TransformAgent {
	return &TransformAgent{
		db:  db,
		svc: svc,
		cfg: cfg,
		log: log.WithComponent("transform-agent"),
	}
}

func (a *TransformAgent) Name() string { return "transform" }

// Tick claims a batch of due transforms and advances each one step. A
// failing row is released with backoff; it never aborts the batch.
func (a *TransformAgent) Tick(ctx context.Context) error {
	claimed, err := a.db.ClaimTransformsByStatus(ctx, database.TransformFilter{
		Statuses: []types.TransformStatus{
			types.TransformStatusNew,
			types.TransformStatusTransforming,
			types.TransformStatusToCancel,
		},
		BulkSize: a.cfg.BulkSize,
	})
	if err != nil {
		return fmt.Errorf("claim transforms: %w", err)
	}
	metrics.RowsClaimed.WithLabelValues(a.Name()).Add(float64(len(claimed)))

	for i := range claimed {
		t := &claimed[i]
		if err := a.processTransform(ctx, t); err != nil {
			metrics.RowFailures.WithLabelValues(a.Name()).Inc()
			a.log.Error().Err(err).Int64("transform_id", t.TransformID).Msg("transform tick failed")
			a.releaseFailed(ctx, t)
		}
	}
	return nil
}

// processTransform advances one claimed transform a single step and
// releases it. External calls happen between the claim and the release
// transaction, never inside either.
func (a *TransformAgent) processTransform(ctx context.Context, t *types.Transform) error {
	if t.Status == types.TransformStatusToCancel {
		return a.cancelTransform(ctx, t)
	}

	w, err := work.New(t)
	if err != nil {
		return err
	}

	colls, err := database.GetCollectionsByTransformID(ctx, a.db, t.TransformID)
	if err != nil {
		return err
	}
	primary, output := splitCollections(colls)
	if primary == nil {
		return fmt.Errorf("transform %d has no input collection", t.TransformID)
	}
	if output == nil {
		return fmt.Errorf("transform %d has no output collection", t.TransformID)
	}

	contents, err := database.GetContentsByTransformID(ctx, a.db, t.TransformID)
	if err != nil {
		return err
	}
	procs, err := database.GetProcessingsByTransformID(ctx, a.db, t.TransformID)
	if err != nil {
		return err
	}

	refreshes, err := w.GetInputCollections(ctx, a.svc, colls)
	if err != nil {
		return err
	}
	for _, r := range refreshes {
		if r.CollID == primary.CollID {
			primary.Status = r.Status
			primary.TotalFiles = r.TotalFiles
			primary.CollMetadata = r.Metadata
		}
	}

	// Enumerate inputs only while new files may still appear.
	var files []types.Content
	if t.Status == types.TransformStatusNew || t.TransformMetadata.HasNewInputs {
		files, err = w.GetInputContents(ctx, a.svc, primary)
		if err != nil {
			return err
		}
	}

	existing := work.BuildMaps(colls, contents)
	newMaps, hasNewInputs := w.GetNewInputOutputMaps(existing, files, primary, output)

	var active []*types.Processing
	for i := range procs {
		if procs[i].Status.Active() {
			active = append(active, &procs[i])
		}
	}

	// One processing per transform: the dataset-level rule covers files
	// mapped later, so a second processing is never created.
	var created *types.Processing
	if len(procs) == 0 && len(existing)+len(newMaps) > 0 {
		created = w.CreateProcessing(t)
		created.Submitter = a.cfg.Submitter
	}

	// Submit a previously created processing that has no external rule
	// yet. The rule is created here, outside any transaction, and the id
	// is persisted in the release below.
	var submitted *types.Processing
	for _, p := range active {
		if p.ProcessingMetadata.RuleID == nil {
			if _, err := w.SubmitProcessing(ctx, a.svc, p, primary); err != nil {
				return err
			}
			submitted = p
			break
		}
	}

	activeCount := len(active)
	if created != nil {
		activeCount++
	}
	rollup := w.SynWorkStatus(existing, hasNewInputs, activeCount)

	newStatus := t.Status
	switch {
	case rollup != 0:
		newStatus = rollup
	case t.Status == types.TransformStatusNew:
		newStatus = types.TransformStatusTransforming
	}

	return a.db.Transact(ctx, func(tx *sqlx.Tx) error {
		for _, r := range refreshes {
			err := database.UpdateCollection(ctx, tx, r.CollID, database.CollectionUpdate{
				Status:     &r.Status,
				TotalFiles: &r.TotalFiles,
				Metadata:   &r.Metadata,
			})
			if err != nil {
				return err
			}
		}

		if newContents := newMaps.Contents(); len(newContents) > 0 {
			if err := database.AddContents(ctx, tx, newContents); err != nil {
				return err
			}
		}

		if created != nil {
			if _, err := database.AddProcessing(ctx, tx, created); err != nil {
				return err
			}
		}
		if submitted != nil {
			st := types.ProcessingStatusSubmitted
			err := database.UpdateProcessing(ctx, tx, submitted.ProcessingID, database.ProcessingUpdate{
				Status:   &st,
				Metadata: &submitted.ProcessingMetadata,
			})
			if err != nil {
				return err
			}
			if err := a.addSubmittedMessage(ctx, tx, submitted); err != nil {
				return err
			}
		}

		meta := t.TransformMetadata
		meta.HasNewInputs = hasNewInputs
		idle := types.LockIdle
		nextPoll := types.At(types.Now().Add(a.cfg.RetryPeriod.Std()))
		err := database.UpdateTransform(ctx, tx, t.TransformID, database.TransformUpdate{
			Status:     &newStatus,
			Locking:    &idle,
			NextPollAt: &nextPoll,
			Metadata:   &meta,
		})
		if err != nil {
			return err
		}

		if newStatus != t.Status {
			if err := a.addTransformMessage(ctx, tx, t, newStatus, existing, primary); err != nil {
				return err
			}
		}
		if newStatus.Terminal() {
			metrics.TransformsFinished.WithLabelValues(newStatus.String()).Inc()
		}
		return nil
	})
}

// cancelTransform handles the cooperative ToCancel status: delete the
// external rule best-effort, then mark the processing and the transform
// Cancelled.
func (a *TransformAgent) cancelTransform(ctx context.Context, t *types.Transform) error {
	procs, err := database.GetProcessingsByTransformID(ctx, a.db, t.TransformID)
	if err != nil {
		return err
	}

	var toCancel []*types.Processing
	for i := range procs {
		p := &procs[i]
		if !p.Status.Active() {
			continue
		}
		toCancel = append(toCancel, p)
		if p.ProcessingMetadata.RuleID == nil {
			continue
		}
		err := a.svc.DeleteReplicationRule(ctx, *p.ProcessingMetadata.RuleID)
		if err != nil && !errors.Is(err, dataservice.ErrRuleNotFound) {
			a.log.Warn().Err(err).
				Int64("processing_id", p.ProcessingID).
				Str("rule_id", *p.ProcessingMetadata.RuleID).
				Msg("external rule deletion failed, cancelling anyway")
		}
	}

	cancelled := types.TransformStatusCancelled
	return a.db.Transact(ctx, func(tx *sqlx.Tx) error {
		for _, p := range toCancel {
			st := types.ProcessingStatusCancelled
			err := database.UpdateProcessing(ctx, tx, p.ProcessingID, database.ProcessingUpdate{Status: &st})
			if err != nil {
				return err
			}
		}
		idle := types.LockIdle
		nextPoll := types.At(types.Now().Add(a.cfg.RetryPeriod.Std()))
		err := database.UpdateTransform(ctx, tx, t.TransformID, database.TransformUpdate{
			Status:     &cancelled,
			Locking:    &idle,
			NextPollAt: &nextPoll,
		})
		if err != nil {
			return err
		}
		metrics.TransformsFinished.WithLabelValues(cancelled.String()).Inc()
		return a.addTransformMessage(ctx, tx, t, cancelled, nil, nil)
	})
}

// addTransformMessage enqueues the collection-level outbox row recording a
// transform status transition, in the same transaction as the transition.
func (a *TransformAgent) addTransformMessage(ctx context.Context, s database.Session,
	t *types.Transform, status types.TransformStatus, maps work.InputOutputMaps,
	primary *types.Collection) error {

	outputs := maps.Outputs()
	var available int
	for _, o := range outputs {
		if o.Status == types.ContentStatusAvailable {
			available++
		}
	}

	content := types.JSONMap{
		"msg_type":        "collection_stagein",
		"relation_type":   "output",
		"status":          status.String(),
		"total_files":     len(outputs),
		"available_files": available,
	}
	if primary != nil {
		content["scope"] = primary.Scope
		content["name"] = primary.Name
	}

	msg := &types.Message{
		MsgType:     types.MessageTypeStageInCollection,
		Status:      types.MessageStatusNew,
		Source:      types.MessageSourceTransformAgent,
		TransformID: t.TransformID,
		NumContents: len(outputs),
		BulkSize:    a.cfg.MessageBulkSize,
		MsgContent:  content,
	}
	if _, err := database.AddMessage(ctx, s, msg); err != nil {
		return err
	}
	metrics.MessagesEnqueued.WithLabelValues("collection_stagein").Inc()
	return nil
}

// addSubmittedMessage records the processing submission transition in the
// outbox, in the same transaction that persists the rule id.
func (a *TransformAgent) addSubmittedMessage(ctx context.Context, s database.Session, p *types.Processing) error {
	content := types.JSONMap{
		"msg_type": "processing_submitted",
		"status":   types.ProcessingStatusSubmitted.String(),
	}
	if p.ProcessingMetadata.RuleID != nil {
		content["rule_id"] = *p.ProcessingMetadata.RuleID
	}

	msg := &types.Message{
		MsgType:     types.MessageTypeStageInCollection,
		Status:      types.MessageStatusNew,
		Source:      types.MessageSourceTransformAgent,
		TransformID: p.TransformID,
		BulkSize:    a.cfg.MessageBulkSize,
		MsgContent:  content,
	}
	if _, err := database.AddMessage(ctx, s, msg); err != nil {
		return err
	}
	metrics.MessagesEnqueued.WithLabelValues("processing_submitted").Inc()
	return nil
}

// releaseFailed frees a claimed transform after a failed step, bumping the
// retry counter and backing off.
func (a *TransformAgent) releaseFailed(ctx context.Context, t *types.Transform) {
	idle := types.LockIdle
	retries := t.Retries + 1
	nextPoll := types.At(types.Now().Add(a.cfg.RetryPeriod.Std()))
	err := database.UpdateTransform(ctx, a.db, t.TransformID, database.TransformUpdate{
		Locking:    &idle,
		Retries:    &retries,
		NextPollAt: &nextPoll,
	})
	if err != nil {
		a.log.Error().Err(err).Int64("transform_id", t.TransformID).Msg("failed to release transform lock")
	}
}

// splitCollections returns the primary input collection (first input-relation
// row) and the first output collection.
func splitCollections(colls []types.Collection) (primary, output *types.Collection) {
	for i := range colls {
		switch colls[i].RelationType {
		case types.CollectionRelationInput:
			if primary == nil {
				primary = &colls[i]
			}
		case types.CollectionRelationOutput:
			if output == nil {
				output = &colls[i]
			}
		}
	}
	return primary, output
}
