// Package agent contains the polling drivers. The transform agent advances
// transforms (input discovery, mapping, processing creation and submission,
// status rollup); the processing agent polls external rules and reconciles
// progress into content status; the janitor frees locks abandoned by crashed
// agents.
//
// All agents follow the same tick shape: claim a batch with the database
// lock discipline, do external calls outside any transaction, then persist
// every delta plus the lock release in one transaction. Any number of agent
// processes may run concurrently against the same database.
package agent
