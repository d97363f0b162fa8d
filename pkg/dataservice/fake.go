package dataservice

import (
	"context"
	"fmt"
	"sync"
)

// FakeDataset is the backend state of one collection in the Fake.
type FakeDataset struct {
	Meta  DIDMeta
	Files []FileInfo
}

// Fake is an in-memory DataService used in tests. State is mutable between
// calls, so a test can open a dataset, add files and flip lock states to
// drive the agents through a full replication lifecycle.
type Fake struct {
	mu sync.Mutex

	AccountName string
	Datasets    map[string]*FakeDataset // keyed by scope:name
	Rules       map[string]*RuleInfo    // keyed by rule id
	RuleDIDs    map[string][]DID        // rule id -> DIDs it covers
	Locks       map[string][]ReplicaLock

	// Err, when set, is returned from every call; used to exercise
	// transport-failure paths.
	Err error

	nextRule int
	AddCalls []RuleSpec
}

// NewFake returns an empty fake with the given account.
func NewFake(account string) *Fake {
	return &Fake{
		AccountName: account,
		Datasets:    map[string]*FakeDataset{},
		Rules:       map[string]*RuleInfo{},
		RuleDIDs:    map[string][]DID{},
		Locks:       map[string][]ReplicaLock{},
	}
}

// PutDataset registers or replaces a dataset.
func (f *Fake) PutDataset(scope, name string, meta DIDMeta, files []FileInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Datasets[scope+":"+name] = &FakeDataset{Meta: meta, Files: files}
}

// SetRuleState overwrites a rule's state and lock counters.
func (f *Fake) SetRuleState(ruleID, state string, ok, replicating, stuck int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.Rules[ruleID]; r != nil {
		r.State = state
		r.LocksOKCount = ok
		r.LocksReplicatingCount = replicating
		r.LocksStuckCount = stuck
	}
}

// SetLocks overwrites the per-file locks of a rule.
func (f *Fake) SetLocks(ruleID string, locks []ReplicaLock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Locks[ruleID] = locks
}

// DropRule removes a rule entirely, simulating external deletion.
func (f *Fake) DropRule(ruleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Rules, ruleID)
	delete(f.RuleDIDs, ruleID)
	delete(f.Locks, ruleID)
}

func (f *Fake) Account() string { return f.AccountName }

func (f *Fake) GetMetadata(_ context.Context, scope, name string) (*DIDMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	ds, ok := f.Datasets[scope+":"+name]
	if !ok {
		return nil, &ServiceError{Op: "get_metadata", Err: fmt.Errorf("unknown did %s:%s", scope, name)}
	}
	meta := ds.Meta
	return &meta, nil
}

func (f *Fake) ListFiles(_ context.Context, scope, name string) ([]FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	ds, ok := f.Datasets[scope+":"+name]
	if !ok {
		return nil, &ServiceError{Op: "list_files", Err: fmt.Errorf("unknown did %s:%s", scope, name)}
	}
	out := make([]FileInfo, len(ds.Files))
	copy(out, ds.Files)
	return out, nil
}

func (f *Fake) AddReplicationRule(_ context.Context, spec RuleSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.AddCalls = append(f.AddCalls, spec)

	for id, dids := range f.RuleDIDs {
		r := f.Rules[id]
		if r == nil || r.Account != f.AccountName || r.RSEExpression != spec.RSEExpression {
			continue
		}
		if sameDIDs(dids, spec.DIDs) {
			return "", ErrDuplicateRule
		}
	}

	f.nextRule++
	id := fmt.Sprintf("rule-%04d", f.nextRule)
	f.Rules[id] = &RuleInfo{
		ID:            id,
		Account:       f.AccountName,
		RSEExpression: spec.RSEExpression,
		State:         RuleStateReplicating,
	}
	f.RuleDIDs[id] = append([]DID(nil), spec.DIDs...)
	return id, nil
}

func (f *Fake) ListDIDRules(_ context.Context, scope, name string) ([]RuleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	want := DID{Scope: scope, Name: name}
	var out []RuleInfo
	for id, dids := range f.RuleDIDs {
		for _, d := range dids {
			if d == want {
				out = append(out, *f.Rules[id])
				break
			}
		}
	}
	return out, nil
}

func (f *Fake) GetReplicationRule(_ context.Context, ruleID string) (*RuleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	r, ok := f.Rules[ruleID]
	if !ok {
		return nil, ErrRuleNotFound
	}
	info := *r
	return &info, nil
}

func (f *Fake) ListReplicaLocks(_ context.Context, ruleID string) ([]ReplicaLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if _, ok := f.Rules[ruleID]; !ok {
		return nil, ErrRuleNotFound
	}
	out := make([]ReplicaLock, len(f.Locks[ruleID]))
	copy(out, f.Locks[ruleID])
	return out, nil
}

func (f *Fake) DeleteReplicationRule(_ context.Context, ruleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Rules[ruleID]; !ok {
		return ErrRuleNotFound
	}
	delete(f.Rules, ruleID)
	delete(f.RuleDIDs, ruleID)
	delete(f.Locks, ruleID)
	return nil
}

func sameDIDs(a, b []DID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[DID]int, len(a))
	for _, d := range a {
		seen[d]++
	}
	for _, d := range b {
		if seen[d] == 0 {
			return false
		}
		seen[d]--
	}
	return true
}
