// Package dataservice defines the client surface against the external
// content replication backend: collection metadata, file listing, and the
// lifecycle of replication rules and their per-file locks.
//
// The DataService interface is the only thing the rest of the system sees.
// Production clients sit behind NewBreaker, which classifies backend answers
// (duplicate rule, rule not found) as successes and only trips on transport
// failures. Tests use the in-memory Fake.
package dataservice
