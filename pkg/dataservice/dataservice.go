package dataservice

import (
	"context"
	"errors"
	"fmt"
)

// Replication rule and replica lock states reported by the data service.
const (
	RuleStateOK          = "OK"
	RuleStateReplicating = "REPLICATING"
	RuleStateStuck       = "STUCK"

	LockStateOK          = "OK"
	LockStateReplicating = "REPLICATING"
	LockStateStuck       = "STUCK"
)

var (
	// ErrDuplicateRule is returned when an equivalent replication rule
	// already exists. Callers resolve it by adopting the existing rule.
	ErrDuplicateRule = errors.New("duplicate replication rule")

	// ErrRuleNotFound is returned when a rule id no longer resolves.
	ErrRuleNotFound = errors.New("replication rule not found")

	// ErrCannotAuthenticate is returned when the client credentials are
	// rejected.
	ErrCannotAuthenticate = errors.New("cannot authenticate to data service")
)

// ServiceError wraps transient transport or backend failures.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("data service error in %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// DID is a data identifier.
type DID struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
}

func (d DID) String() string { return d.Scope + ":" + d.Name }

// DIDMeta is the metadata of a collection DID.
type DIDMeta struct {
	Bytes        int64
	Length       int64
	Availability string
	Events       int64
	IsOpen       bool
	RunNumber    int64
	DIDType      string
}

// FileInfo describes one file inside a collection.
type FileInfo struct {
	Scope   string
	Name    string
	Bytes   int64
	Adler32 string
	Events  int64
}

// RuleSpec is the request body for a new replication rule.
type RuleSpec struct {
	DIDs                    []DID
	Copies                  int
	RSEExpression           string
	SourceReplicaExpression string
	Lifetime                int64 // seconds; 0 means unbounded
	Locked                  bool
	Grouping                string
	AskApproval             bool
}

// RuleInfo is the observable state of a replication rule.
type RuleInfo struct {
	ID                    string
	Account               string
	RSEExpression         string
	State                 string
	LocksOKCount          int
	LocksReplicatingCount int
	LocksStuckCount       int
}

// ReplicaLock is the per-file replication state under a rule.
type ReplicaLock struct {
	Scope string
	Name  string
	State string
}

// DataService is the capability set the orchestrator needs from a content
// replication backend. Implementations must be safe for concurrent use; a
// client is created per tick and discarded.
type DataService interface {
	// Account is the effective principal on this client.
	Account() string

	// GetMetadata returns the metadata of a collection DID.
	GetMetadata(ctx context.Context, scope, name string) (*DIDMeta, error)

	// ListFiles enumerates the files of a collection DID.
	ListFiles(ctx context.Context, scope, name string) ([]FileInfo, error)

	// AddReplicationRule creates a rule and returns its id. Fails with
	// ErrDuplicateRule if an equivalent rule already exists.
	AddReplicationRule(ctx context.Context, spec RuleSpec) (string, error)

	// ListDIDRules enumerates the rules attached to a DID.
	ListDIDRules(ctx context.Context, scope, name string) ([]RuleInfo, error)

	// GetReplicationRule returns a rule, or ErrRuleNotFound.
	GetReplicationRule(ctx context.Context, ruleID string) (*RuleInfo, error)

	// ListReplicaLocks enumerates the per-file locks of a rule.
	ListReplicaLocks(ctx context.Context, ruleID string) ([]ReplicaLock, error)

	// DeleteReplicationRule removes a rule; used for cooperative
	// cancellation. Deleting an absent rule returns ErrRuleNotFound.
	DeleteReplicationRule(ctx context.Context, ruleID string) error
}
