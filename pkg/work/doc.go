// Package work holds the transform variants. A Work value is the behavior
// of one transform kind: how inputs are discovered, how inputs map to
// outputs, how a processing is created and submitted against the data
// service, and how external progress translates back into content and
// transform status.
//
// Work operations are side-effect free with respect to the database; they
// return deltas that the agents persist. StageIn is the only variant today.
package work
