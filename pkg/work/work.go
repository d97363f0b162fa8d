package work

import (
	"context"
	"errors"
	"fmt"

	"github.com/datacarousel/carousel/pkg/dataservice"
	"github.com/datacarousel/carousel/pkg/types"
)

// ErrProcessNotFound is returned by PollProcessingUpdates when the external
// processing (the replication rule) no longer exists. The processing agent
// marks the processing Lost on it.
var ErrProcessNotFound = errors.New("external processing not found")

// CollectionRefresh is a metadata update for one collection, produced by
// GetInputCollections and persisted by the transform agent.
type CollectionRefresh struct {
	CollID     int64
	Status     types.CollectionStatus
	TotalFiles int64
	Metadata   types.CollectionMeta
}

// ContentDelta is a per-file status change produced by reconciliation.
type ContentDelta struct {
	ContentID int64
	Substatus types.ContentStatus
}

// ProcessingDelta is a processing status change produced by polling.
type ProcessingDelta struct {
	Status types.ProcessingStatus
}

// Work is the capability set a transform variant must provide. Operations
// are pure functions of persisted state and the data service: they return
// deltas and never touch the database themselves. A Work value is transient,
// rebuilt per tick from the transform row.
type Work interface {
	// Type reports the transform variant.
	Type() types.TransformType

	// GetInputCollections refreshes input collection metadata from the
	// data service. Collections already observed closed are skipped.
	GetInputCollections(ctx context.Context, svc dataservice.DataService,
		colls []types.Collection) ([]CollectionRefresh, error)

	// GetInputContents enumerates the files of the primary input
	// collection as content records (not yet persisted).
	GetInputContents(ctx context.Context, svc dataservice.DataService,
		primary *types.Collection) ([]types.Content, error)

	// GetNewInputOutputMaps computes map entries for files not yet mapped.
	// It returns the new entries and whether the transform should keep
	// expecting new inputs (false once the primary collection is closed
	// and nothing new appeared).
	GetNewInputOutputMaps(existing InputOutputMaps, files []types.Content,
		primary, output *types.Collection) (InputOutputMaps, bool)

	// CreateProcessing builds an in-memory processing for the transform
	// with a fresh internal id and no external rule yet.
	CreateProcessing(t *types.Transform) *types.Processing

	// SubmitProcessing ensures the external rule exists and records its id
	// in the processing metadata. Idempotent: an already-submitted
	// processing returns its rule id without a new external call.
	SubmitProcessing(ctx context.Context, svc dataservice.DataService,
		p *types.Processing, primary *types.Collection) (string, error)

	// PollProcessingUpdates reads the external rule state and translates
	// it into content and processing deltas. Returns ErrProcessNotFound
	// when the rule has vanished.
	PollProcessingUpdates(ctx context.Context, svc dataservice.DataService,
		p *types.Processing, maps InputOutputMaps) (*ProcessingDelta, []ContentDelta, error)

	// SynWorkStatus rolls the output content statuses up into a transform
	// status. Zero means no change.
	SynWorkStatus(maps InputOutputMaps, hasNewInputs bool, activeProcessings int) types.TransformStatus
}

// New builds the Work variant matching the transform type. Dispatch is
// closed: unknown types are a validation error, not a fallback.
func New(t *types.Transform) (Work, error) {
	switch t.TransformType {
	case types.TransformTypeStageIn:
		return NewStageIn(t), nil
	default:
		return nil, fmt.Errorf("unsupported transform type %d", t.TransformType)
	}
}
