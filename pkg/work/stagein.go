package work

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/datacarousel/carousel/pkg/dataservice"
	"github.com/datacarousel/carousel/pkg/types"
)

// ruleGrouping keeps all replicas of a rule on one storage element.
const ruleGrouping = "DATASET"

// StageIn replicates the files of an input collection from a source storage
// element to a destination. One replication rule per processing; progress is
// read back from the rule's per-file locks.
type StageIn struct {
	transformID int64
	meta        types.TransformMeta
}

// NewStageIn builds the stage-in work for a transform row.
func NewStageIn(t *types.Transform) *StageIn {
	return &StageIn{transformID: t.TransformID, meta: t.TransformMetadata}
}

func (w *StageIn) Type() types.TransformType { return types.TransformTypeStageIn }

// GetInputCollections refreshes metadata for every input collection. A
// collection whose metadata has already been fetched and reported closed is
// skipped; its file list can no longer change.
func (w *StageIn) GetInputCollections(ctx context.Context, svc dataservice.DataService,
	colls []types.Collection) ([]CollectionRefresh, error) {

	var out []CollectionRefresh
	for _, c := range colls {
		if c.RelationType != types.CollectionRelationInput {
			continue
		}
		if c.CollMetadata.Refreshed && !c.CollMetadata.IsOpen {
			continue
		}

		meta, err := svc.GetMetadata(ctx, c.Scope, c.Name)
		if err != nil {
			return nil, fmt.Errorf("refresh collection %s: %w", c.DID(), err)
		}

		status := types.CollectionStatusOpen
		if !meta.IsOpen {
			status = types.CollectionStatusClosed
		}
		out = append(out, CollectionRefresh{
			CollID:     c.CollID,
			Status:     status,
			TotalFiles: meta.Length,
			Metadata: types.CollectionMeta{
				Bytes:        meta.Bytes,
				TotalFiles:   meta.Length,
				Availability: meta.Availability,
				Events:       meta.Events,
				IsOpen:       meta.IsOpen,
				RunNumber:    meta.RunNumber,
				DIDType:      meta.DIDType,
				Refreshed:    true,
			},
		})
	}
	return out, nil
}

// GetInputContents enumerates the files of the primary input collection.
func (w *StageIn) GetInputContents(ctx context.Context, svc dataservice.DataService,
	primary *types.Collection) ([]types.Content, error) {

	files, err := svc.ListFiles(ctx, primary.Scope, primary.Name)
	if err != nil {
		return nil, fmt.Errorf("list files of %s: %w", primary.DID(), err)
	}

	out := make([]types.Content, 0, len(files))
	for _, f := range files {
		out = append(out, types.Content{
			CollID:          primary.CollID,
			TransformID:     w.transformID,
			Scope:           f.Scope,
			Name:            f.Name,
			Bytes:           f.Bytes,
			Adler32:         f.Adler32,
			MinID:           0,
			MaxID:           f.Events,
			ContentType:     types.ContentTypeFile,
			Status:          types.ContentStatusNew,
			Substatus:       types.ContentStatusNew,
			ContentMetadata: types.ContentMeta{Events: f.Events},
		})
	}
	return out, nil
}

// GetNewInputOutputMaps allocates a map entry for each discovered file whose
// scope:name is not yet the primary input of an existing map. Outputs are
// copies of the input pointed at the output collection; stage-in moves
// files, it does not transform them.
func (w *StageIn) GetNewInputOutputMaps(existing InputOutputMaps, files []types.Content,
	primary, output *types.Collection) (InputOutputMaps, bool) {

	mapped := existing.MappedKeys()
	nextID := existing.NextMapID()

	newMaps := InputOutputMaps{}
	for _, f := range files {
		if mapped[f.Key()] {
			continue
		}
		in := f
		in.MapID = nextID

		out := f
		out.MapID = nextID
		out.CollID = output.CollID

		newMaps[nextID] = InputOutputMap{
			Inputs:  []types.Content{in},
			Outputs: []types.Content{out},
		}
		nextID++
	}

	hasNewInputs := true
	if primary.Status == types.CollectionStatusClosed && len(newMaps) == 0 {
		hasNewInputs = false
	}
	return newMaps, hasNewInputs
}

// CreateProcessing builds a new processing carrying a fresh internal id. The
// external rule id stays nil until SubmitProcessing.
func (w *StageIn) CreateProcessing(t *types.Transform) *types.Processing {
	return &types.Processing{
		TransformID:     t.TransformID,
		Status:          types.ProcessingStatusNew,
		Substatus:       types.ProcessingStatusNew,
		GranularityType: types.GranularityFile,
		ProcessingMetadata: types.ProcessingMeta{
			Version:    1,
			InternalID: uuid.NewString(),
			SrcRSE:     w.meta.SrcRSE,
			DestRSE:    w.meta.DestRSE,
			LifeTime:   w.meta.LifeTime,
		},
	}
}

// SubmitProcessing creates the replication rule for the primary collection
// and records its id in the processing metadata. A duplicate-rule answer is
// resolved by adopting the existing rule owned by this account for the same
// destination.
func (w *StageIn) SubmitProcessing(ctx context.Context, svc dataservice.DataService,
	p *types.Processing, primary *types.Collection) (string, error) {

	if p.ProcessingMetadata.RuleID != nil {
		return *p.ProcessingMetadata.RuleID, nil
	}

	lifetime := p.ProcessingMetadata.LifeTime
	if lifetime == 0 {
		lifetime = w.meta.MaxWaitingTime
	}

	ruleID, err := svc.AddReplicationRule(ctx, dataservice.RuleSpec{
		DIDs:                    []dataservice.DID{{Scope: primary.Scope, Name: primary.Name}},
		Copies:                  1,
		RSEExpression:           p.ProcessingMetadata.DestRSE,
		SourceReplicaExpression: p.ProcessingMetadata.SrcRSE,
		Lifetime:                lifetime,
		Locked:                  false,
		Grouping:                ruleGrouping,
		AskApproval:             false,
	})
	if errors.Is(err, dataservice.ErrDuplicateRule) {
		ruleID, err = w.adoptExistingRule(ctx, svc, p, primary)
	}
	if err != nil {
		return "", fmt.Errorf("submit processing %d: %w", p.ProcessingID, err)
	}

	p.ProcessingMetadata.RuleID = &ruleID
	return ruleID, nil
}

func (w *StageIn) adoptExistingRule(ctx context.Context, svc dataservice.DataService,
	p *types.Processing, primary *types.Collection) (string, error) {

	rules, err := svc.ListDIDRules(ctx, primary.Scope, primary.Name)
	if err != nil {
		return "", err
	}
	for _, r := range rules {
		if r.Account == svc.Account() && r.RSEExpression == p.ProcessingMetadata.DestRSE {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("duplicate rule for %s but no adoptable rule found", primary.DID())
}

// PollProcessingUpdates reads the rule and its per-file locks and translates
// them into content deltas. The processing finishes once the rule is OK and
// every output is Available.
func (w *StageIn) PollProcessingUpdates(ctx context.Context, svc dataservice.DataService,
	p *types.Processing, maps InputOutputMaps) (*ProcessingDelta, []ContentDelta, error) {

	if p.ProcessingMetadata.RuleID == nil {
		return nil, nil, nil
	}
	ruleID := *p.ProcessingMetadata.RuleID

	rule, err := svc.GetReplicationRule(ctx, ruleID)
	if errors.Is(err, dataservice.ErrRuleNotFound) {
		return nil, nil, fmt.Errorf("rule %s: %w", ruleID, ErrProcessNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("poll rule %s: %w", ruleID, err)
	}

	statusByKey := map[string]types.ContentStatus{}
	if rule.LocksOKCount > 0 {
		locks, err := svc.ListReplicaLocks(ctx, ruleID)
		if err != nil {
			return nil, nil, fmt.Errorf("list locks of rule %s: %w", ruleID, err)
		}
		for _, l := range locks {
			if l.State == dataservice.LockStateOK {
				statusByKey[l.Scope+":"+l.Name] = types.ContentStatusAvailable
			}
		}
	}

	var deltas []ContentDelta
	var finished, unfinished int
	for _, out := range maps.Outputs() {
		substatus := out.Substatus
		if st, ok := statusByKey[out.Key()]; ok {
			// A key absent from the lock map leaves the substatus
			// unchanged; the backend only reports completed locks.
			if st != out.Substatus {
				deltas = append(deltas, ContentDelta{ContentID: out.ContentID, Substatus: st})
			}
			substatus = st
		}
		if substatus == types.ContentStatusAvailable {
			finished++
		} else {
			unfinished++
		}
	}

	var pd *ProcessingDelta
	if rule.State == dataservice.RuleStateOK && finished > 0 && unfinished == 0 {
		pd = &ProcessingDelta{Status: types.ProcessingStatusFinished}
	}
	return pd, deltas, nil
}

// SynWorkStatus rolls the distribution of output content statuses up into a
// transform status. No change while a processing is active, new inputs may
// still arrive, or any content is still in flight.
func (w *StageIn) SynWorkStatus(maps InputOutputMaps, hasNewInputs bool, activeProcessings int) types.TransformStatus {
	if activeProcessings > 0 || hasNewInputs {
		return 0
	}

	outputs := maps.Outputs()
	if len(outputs) == 0 {
		return 0
	}

	var available, otherTerminal int
	for _, out := range outputs {
		switch out.Status {
		case types.ContentStatusAvailable:
			available++
		case types.ContentStatusFailed, types.ContentStatusLost:
			otherTerminal++
		default:
			return 0
		}
	}

	switch {
	case otherTerminal == 0:
		return types.TransformStatusFinished
	case available == 0:
		return types.TransformStatusFailed
	default:
		return types.TransformStatusSubFinished
	}
}
