// Package stores provides the persistence layer of a BSig agent.
//
// SQLiteStore keeps the agent registry, the desired-state model of every
// agent, the history of repair models and an append-only audit trail of
// engine events. Migrations are embedded in the binary and applied with
// golang-migrate. The store implements engine.ModelSource, so the engine
// reloads the latest repair model straight from it on every cycle.
package stores
