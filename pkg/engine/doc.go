// Package engine implements the BSig goal-repair engine of an agent.
//
// # Overview
//
// Every agent holds a repair model: a versioned goal (desired values keyed
// by state path) and a library of operators. The engine repeatedly compares
// the goal with the observed state and invokes operators until the two
// converge. Peers run their own engines and exchange only goal fragments.
//
// # Repair Cycle
//
//  1. Collect - read the observed state from the Runtime (CollectState)
//  2. Flaws - diff the goal against the state (ComputeFlaws)
//  3. Select - pick a conflict-free set of repairing operators (SelectOperators)
//  4. Execute - for each operator, concurrently (ExecuteOperator):
//     lock it, satisfy local preconditions recursively at the next tier,
//     delegate remote preconditions to their owners, invoke it, unlock it
//  5. Aggregate - Failure wins over Pending, Pending over Repaired
//
// # Paths and Values
//
// A Path has the form $.<agent>.<attr>...; the second segment names the
// owning agent, which decides whether a precondition is local or remote.
// A Value is one of String, Number, Bool, List, Map, Null, Undefined or
// Unknown. Undefined marks a missing attribute; Unknown marks state of a
// peer that does not exist yet, which is compared against the
// DefaultStatePolicy ({created: false, in_cloud: null} by default).
//
// # Entry Points
//
//   - Run: the autonomous main loop (mode "main")
//   - ReceiveGoal: repairs a fragment delegated by a peer (mode "satisfier")
//
// The main loop pauses while satisfiers are in flight, counted through the
// SatisfierThrottle. Operators are mutually excluded across processes with a
// DistributedLock keyed by operator name.
//
// # Node Lifecycle
//
// When an operator whose action is a configured create action succeeds, the
// engine bootstraps the new peer: it registers the peer, waits for it to
// answer, then pushes missing modules, the agent registry, the peer's part of
// the model and its part of the repair model. Delete actions remove the peer
// from the registry.
package engine
