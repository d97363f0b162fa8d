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

// ProcessingAgent polls active processings against the data service and
// reconciles rule progress into per-file content status.
type ProcessingAgent struct {
	db  *database.DB
	svc dataservice.DataService
	cfg config.Agent
	log zerolog.Logger
}

// NewProcessingAgent builds the agent. Many instances may run concurrently
// against the same database.
func NewProcessingAgent(db *database.DB, svc dataservice.DataService, cfg config.Agent) *ProcessingAgent {
	return &ProcessingAgent{
		db:  db,
		svc: svc,
		cfg: cfg,
		log: log.WithComponent("processing-agent"),
	}
}

func (a *ProcessingAgent) Name() string { return "processing" }

// Tick claims a batch of due processings and polls each one. A failing row
// is released with backoff; it never aborts the batch.
func (a *ProcessingAgent) Tick(ctx context.Context) error {
	claimed, err := a.db.ClaimProcessingsByStatus(ctx, database.ProcessingFilter{
		Statuses: []types.ProcessingStatus{
			types.ProcessingStatusNew,
			types.ProcessingStatusSubmitting,
			types.ProcessingStatusSubmitted,
			types.ProcessingStatusRunning,
		},
		BulkSize: a.cfg.BulkSize,
	})
	if err != nil {
		return fmt.Errorf("claim processings: %w", err)
	}
	metrics.RowsClaimed.WithLabelValues(a.Name()).Add(float64(len(claimed)))

	for i := range claimed {
		p := &claimed[i]
		if err := a.pollProcessing(ctx, p); err != nil {
			metrics.RowFailures.WithLabelValues(a.Name()).Inc()
			a.log.Error().Err(err).Int64("processing_id", p.ProcessingID).Msg("processing tick failed")
			a.releaseFailed(ctx, p)
		}
	}
	return nil
}

// pollProcessing reconciles one claimed processing and releases it. The
// external poll runs between the claim and the release transaction.
func (a *ProcessingAgent) pollProcessing(ctx context.Context, p *types.Processing) error {
	t, err := database.GetTransform(ctx, a.db, p.TransformID)
	if err != nil {
		return err
	}
	w, err := work.New(t)
	if err != nil {
		return err
	}

	colls, err := database.GetCollectionsByTransformID(ctx, a.db, t.TransformID)
	if err != nil {
		return err
	}
	contents, err := database.GetContentsByTransformID(ctx, a.db, t.TransformID)
	if err != nil {
		return err
	}
	maps := work.BuildMaps(colls, contents)

	delta, contentDeltas, err := w.PollProcessingUpdates(ctx, a.svc, p, maps)
	if errors.Is(err, work.ErrProcessNotFound) {
		return a.markLost(ctx, p, t)
	}
	if err != nil {
		return err
	}

	newStatus := p.Status
	switch {
	case delta != nil:
		newStatus = delta.Status
	case p.Status != types.ProcessingStatusRunning && p.ProcessingMetadata.RuleID != nil:
		// First successful poll of a submitted rule.
		newStatus = types.ProcessingStatusRunning
	}

	return a.db.Transact(ctx, func(tx *sqlx.Tx) error {
		if len(contentDeltas) > 0 {
			updates := make([]database.ContentUpdate, 0, len(contentDeltas))
			for _, d := range contentDeltas {
				st := d.Substatus
				updates = append(updates, database.ContentUpdate{
					ContentID: d.ContentID,
					Status:    &st,
					Substatus: &st,
				})
			}
			if _, err := database.UpdateContents(ctx, tx, updates); err != nil {
				return err
			}
		}

		idle := types.LockIdle
		nextPoll := types.At(types.Now().Add(a.cfg.RetryPeriod.Std()))
		err := database.UpdateProcessing(ctx, tx, p.ProcessingID, database.ProcessingUpdate{
			Status:     &newStatus,
			Locking:    &idle,
			NextPollAt: &nextPoll,
		})
		if err != nil {
			return err
		}

		if newStatus != p.Status {
			if err := a.addProcessingMessage(ctx, tx, p, newStatus, len(contentDeltas)); err != nil {
				return err
			}
		}
		if newStatus.Terminal() {
			metrics.ProcessingsFinished.WithLabelValues(newStatus.String()).Inc()
		}
		return nil
	})
}

// markLost handles a vanished external rule: the processing is terminal Lost
// and its transform fails, since the staged files can no longer arrive.
func (a *ProcessingAgent) markLost(ctx context.Context, p *types.Processing, t *types.Transform) error {
	a.log.Warn().
		Int64("processing_id", p.ProcessingID).
		Int64("transform_id", t.TransformID).
		Msg("external rule vanished, marking processing lost")

	lost := types.ProcessingStatusLost
	failed := types.TransformStatusFailed
	return a.db.Transact(ctx, func(tx *sqlx.Tx) error {
		// Failing the transform touches a row this agent never claimed;
		// take its lock first or a concurrent transform tick would
		// overwrite Failed with its stale rollup on release.
		won, err := database.ClaimTransform(ctx, tx, t.TransformID)
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("transform %d is claimed elsewhere, deferring rule-lost handling", t.TransformID)
		}

		idle := types.LockIdle
		err = database.UpdateProcessing(ctx, tx, p.ProcessingID, database.ProcessingUpdate{
			Status:  &lost,
			Locking: &idle,
		})
		if err != nil {
			return err
		}
		err = database.UpdateTransform(ctx, tx, t.TransformID, database.TransformUpdate{
			Status:  &failed,
			Locking: &idle,
		})
		if err != nil {
			return err
		}
		metrics.ProcessingsFinished.WithLabelValues(lost.String()).Inc()
		metrics.TransformsFinished.WithLabelValues(failed.String()).Inc()
		return a.addProcessingMessage(ctx, tx, p, lost, 0)
	})
}

// addProcessingMessage enqueues the file-level outbox row recording a
// processing status transition, in the same transaction as the transition.
func (a *ProcessingAgent) addProcessingMessage(ctx context.Context, s database.Session,
	p *types.Processing, status types.ProcessingStatus, numContents int) error {

	content := types.JSONMap{
		"msg_type":      "file_stagein",
		"relation_type": "output",
		"status":        status.String(),
		"files":         numContents,
	}
	if p.ProcessingMetadata.RuleID != nil {
		content["rule_id"] = *p.ProcessingMetadata.RuleID
	}

	msg := &types.Message{
		MsgType:     types.MessageTypeStageInFile,
		Status:      types.MessageStatusNew,
		Source:      types.MessageSourceProcessingAgent,
		TransformID: p.TransformID,
		NumContents: numContents,
		BulkSize:    a.cfg.MessageBulkSize,
		MsgContent:  content,
	}
	if _, err := database.AddMessage(ctx, s, msg); err != nil {
		return err
	}
	metrics.MessagesEnqueued.WithLabelValues("file_stagein").Inc()
	return nil
}

// releaseFailed frees a claimed processing after a failed poll, backing off.
func (a *ProcessingAgent) releaseFailed(ctx context.Context, p *types.Processing) {
	idle := types.LockIdle
	nextPoll := types.At(types.Now().Add(a.cfg.RetryPeriod.Std()))
	err := database.UpdateProcessing(ctx, a.db, p.ProcessingID, database.ProcessingUpdate{
		Locking:    &idle,
		NextPollAt: &nextPoll,
	})
	if err != nil {
		a.log.Error().Err(err).Int64("processing_id", p.ProcessingID).Msg("failed to release processing lock")
	}
}
