// Package lock provides the cross-process primitives the repair engine
// relies on: operator locks (engine.DistributedLock) and the in-flight
// satisfier counter (engine.SatisfierThrottle).
//
// Two backends exist. The file backend keeps one lock file per operator
// and a flock-protected counter file in the agent's data directory, which
// is enough for every process of one agent on one host. The redis backend
// keeps the same state in Redis under a per-agent key prefix, for agents
// whose satisfier processes do not share a filesystem.
package lock
