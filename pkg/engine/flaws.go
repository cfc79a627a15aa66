package engine

// NodeDefaults is the default DefaultStatePolicy: a peer that does not
// exist yet is assumed to be an uncreated node outside any cloud.
type NodeDefaults struct{}

// DefaultState implements DefaultStatePolicy.
func (NodeDefaults) DefaultState(agent string) State {
	root := AgentPath(agent)
	return State{
		root.Child("created"):  Bool(false),
		root.Child("in_cloud"): Null(),
	}
}

// ComputeFlaws returns the entries of goal that do not hold in current.
// A nil current means no snapshot could be taken, and the whole goal is
// returned. Paths of peers unknown to current are compared against the
// policy's default state. Undefined values are flaws only when the desired
// value is defined. Lists compare without regard to order.
func ComputeFlaws(goal Goal, current State, policy DefaultStatePolicy) FlawSet {
	if current == nil {
		return goal.Clone()
	}
	if policy == nil {
		policy = NodeDefaults{}
	}

	known := current.agents()
	defaults := make(map[string]State)
	flaws := FlawSet{}

	for path, desired := range goal {
		actual := current.resolve(path, known)
		if actual.Kind() == KindUnknown {
			agent := path.Agent()
			ds, ok := defaults[agent]
			if !ok {
				ds = policy.DefaultState(agent)
				defaults[agent] = ds
			}
			actual = ds.Resolve(path)
		}

		if !actual.IsDefined() {
			if desired.IsDefined() {
				flaws[path] = desired
			}
			continue
		}
		if !actual.Equal(desired) {
			flaws[path] = desired
		}
	}
	return flaws
}

// satisfiedByDefault reports whether a goal fragment for a peer that does
// not exist yet already holds against the policy's default state.
func satisfiedByDefault(agent string, fragment Goal, policy DefaultStatePolicy) bool {
	if policy == nil {
		policy = NodeDefaults{}
	}
	return len(ComputeFlaws(fragment, policy.DefaultState(agent), policy)) == 0
}
