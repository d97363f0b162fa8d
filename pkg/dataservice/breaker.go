package dataservice

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/datacarousel/carousel/pkg/metrics"
)

// isDomainError reports whether err is an expected answer from the backend
// rather than a service failure. Domain errors never trip the breaker.
func isDomainError(err error) bool {
	return errors.Is(err, ErrDuplicateRule) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrCannotAuthenticate)
}

// Breaker wraps a DataService with a circuit breaker so a flapping backend
// sheds load fast instead of stalling every agent tick on timeouts.
type Breaker struct {
	inner DataService
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker decorates svc. The breaker opens after five consecutive
// transport failures and probes again after thirty seconds.
func NewBreaker(svc DataService) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dataservice",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isDomainError(err)
		},
	})
	return &Breaker{inner: svc, cb: cb}
}

func (b *Breaker) call(op string, fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	outcome := "ok"
	if err != nil && !isDomainError(err) {
		outcome = "error"
	}
	metrics.DataServiceCalls.WithLabelValues(op, outcome).Inc()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &ServiceError{Op: op, Err: err}
	}
	return v, err
}

func (b *Breaker) Account() string { return b.inner.Account() }

func (b *Breaker) GetMetadata(ctx context.Context, scope, name string) (*DIDMeta, error) {
	v, err := b.call("get_metadata", func() (any, error) {
		return b.inner.GetMetadata(ctx, scope, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*DIDMeta), nil
}

func (b *Breaker) ListFiles(ctx context.Context, scope, name string) ([]FileInfo, error) {
	v, err := b.call("list_files", func() (any, error) {
		return b.inner.ListFiles(ctx, scope, name)
	})
	if err != nil {
		return nil, err
	}
	return v.([]FileInfo), nil
}

func (b *Breaker) AddReplicationRule(ctx context.Context, spec RuleSpec) (string, error) {
	v, err := b.call("add_replication_rule", func() (any, error) {
		return b.inner.AddReplicationRule(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Breaker) ListDIDRules(ctx context.Context, scope, name string) ([]RuleInfo, error) {
	v, err := b.call("list_did_rules", func() (any, error) {
		return b.inner.ListDIDRules(ctx, scope, name)
	})
	if err != nil {
		return nil, err
	}
	return v.([]RuleInfo), nil
}

func (b *Breaker) GetReplicationRule(ctx context.Context, ruleID string) (*RuleInfo, error) {
	v, err := b.call("get_replication_rule", func() (any, error) {
		return b.inner.GetReplicationRule(ctx, ruleID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RuleInfo), nil
}

func (b *Breaker) ListReplicaLocks(ctx context.Context, ruleID string) ([]ReplicaLock, error) {
	v, err := b.call("list_replica_locks", func() (any, error) {
		return b.inner.ListReplicaLocks(ctx, ruleID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]ReplicaLock), nil
}

func (b *Breaker) DeleteReplicationRule(ctx context.Context, ruleID string) error {
	_, err := b.call("delete_replication_rule", func() (any, error) {
		return nil, b.inner.DeleteReplicationRule(ctx, ruleID)
	})
	return err
}
