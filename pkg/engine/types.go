package engine

import (
	"fmt"
	"sort"
	"strconv"
)

// MarshalText implements encoding.TextMarshaler so Path works as a JSON map key.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and validates the reference.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := ParsePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Goal maps state paths to desired values. Operator conditions and effects
// share this shape.
type Goal map[Path]Value

// Clone returns a shallow copy.
func (g Goal) Clone() Goal {
	out := make(Goal, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// Split partitions g into paths owned by self and paths owned by peers.
func (g Goal) Split(self string) (local, remote Goal) {
	local, remote = Goal{}, Goal{}
	for p, v := range g {
		if p.IsLocal(self) {
			local[p] = v
		} else {
			remote[p] = v
		}
	}
	return local, remote
}

// ByAgent partitions g by owning agent.
func (g Goal) ByAgent() map[string]Goal {
	out := make(map[string]Goal)
	for p, v := range g {
		agent := p.Agent()
		if out[agent] == nil {
			out[agent] = Goal{}
		}
		out[agent][p] = v
	}
	return out
}

// Under returns the subset of g at or beneath prefix.
func (g Goal) Under(prefix Path) Goal {
	out := Goal{}
	for p, v := range g {
		if p.Under(prefix) {
			out[p] = v
		}
	}
	return out
}

// Paths returns the keys of g in lexical order.
func (g Goal) Paths() []Path {
	paths := make([]Path, 0, len(g))
	for p := range g {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

// FlawSet is the subset of a goal that does not hold in the current state.
type FlawSet = Goal

// State is an observed snapshot of the system, flattened to paths.
type State map[Path]Value

// agents returns the set of agents with at least one path in s.
func (s State) agents() map[string]struct{} {
	out := make(map[string]struct{})
	for p := range s {
		out[p.Agent()] = struct{}{}
	}
	return out
}

// Resolve looks up p. A path under an agent that s knows nothing about
// resolves to Unknown; a missing attribute of a known agent resolves to
// Undefined.
func (s State) Resolve(p Path) Value {
	return s.resolve(p, s.agents())
}

func (s State) resolve(p Path, known map[string]struct{}) Value {
	if v, ok := s[p]; ok {
		return v
	}
	if _, ok := known[p.Agent()]; !ok {
		return Unknown()
	}
	return Undefined()
}

// Merge copies entries of other into s, overwriting existing keys.
func (s State) Merge(other State) {
	for p, v := range other {
		s[p] = v
	}
}

// Operator is a corrective action with preconditions and postconditions.
type Operator struct {
	// ID identifies the operator inside one repair model.
	ID int64 `json:"id"`

	// Name references the target object and the action, e.g. $.web.apache.install.
	Name Path `json:"name"`

	// Pi is the priority tier. An operator is eligible at floor p iff Pi >= p.
	Pi int `json:"pi"`

	// Parameters are passed to the action. Values may reference paths.
	Parameters map[string]Value `json:"parameters,omitempty"`

	// Condition lists the preconditions.
	Condition Goal `json:"condition"`

	// Effect lists the postconditions.
	Effect Goal `json:"effect"`
}

// Key identifies the operator for locking and logging. It is the name
// alone: operators sharing a name act on the same object through the same
// action, so they serialize on one lock even when their IDs differ.
func (o *Operator) Key() string {
	return string(o.Name)
}

// Object returns the path of the object the action belongs to.
func (o *Operator) Object() Path {
	return o.Name.Parent()
}

// Action returns the action (method) name.
func (o *Operator) Action() string {
	return o.Name.Last()
}

// Validate checks structural constraints.
func (o *Operator) Validate() error {
	if o.Name == "" {
		return NewPermanentError("operator name is required", nil).WithCode(ErrCodeInvalidPath)
	}
	if _, err := ParsePath(string(o.Name)); err != nil {
		return NewPermanentError("invalid operator name", err).WithCode(ErrCodeInvalidPath)
	}
	if o.Name.IsAgentRoot() {
		return NewPermanentError("operator name must reference an action", nil).
			WithCode(ErrCodeInvalidPath).WithOperator(string(o.Name))
	}
	if o.Pi < 1 {
		return NewPermanentError("operator pi must be >= 1", nil).WithOperator(string(o.Name))
	}
	return nil
}

// RepairModel is the versioned goal plus operator library an agent repairs towards.
type RepairModel struct {
	// ID is a monotonically non-decreasing version stamp.
	ID int64 `json:"id"`

	// Goal is the desired state.
	Goal Goal `json:"goal"`

	// Operators is the operator library.
	Operators []Operator `json:"operators"`
}

// Validate checks every operator and rejects duplicate identities.
func (m *RepairModel) Validate() error {
	seen := make(map[string]struct{}, len(m.Operators))
	for i := range m.Operators {
		op := &m.Operators[i]
		if err := op.Validate(); err != nil {
			return err
		}
		key := strconv.FormatInt(op.ID, 10) + "/" + string(op.Name)
		if _, dup := seen[key]; dup {
			return NewPermanentError(fmt.Sprintf("duplicate operator %s", key), nil).WithOperator(string(op.Name))
		}
		seen[key] = struct{}{}
	}
	return nil
}

// SortOperators returns a copy of ops ordered by ascending Pi. The sort is
// stable so operators of equal tier keep their declared order.
func SortOperators(ops []Operator) []Operator {
	out := make([]Operator, len(ops))
	copy(out, ops)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pi < out[j].Pi })
	return out
}

// ForAgent returns the part of the model a peer needs: goal entries under
// the agent and the operators whose name is owned by it.
func (m *RepairModel) ForAgent(agent string) *RepairModel {
	root := AgentPath(agent)
	out := &RepairModel{ID: m.ID, Goal: m.Goal.Under(root), Operators: []Operator{}}
	for _, op := range m.Operators {
		if op.Name.Agent() == agent {
			out.Operators = append(out.Operators, op)
		}
	}
	return out
}

// AgentEntry is one row of the agent registry.
type AgentEntry struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Reachable reports whether the entry carries an address to contact.
func (a AgentEntry) Reachable() bool {
	return a.Address != "" && a.Port > 0
}

// RegistryDelta is a registry update; a nil entry deletes the agent.
type RegistryDelta map[string]*AgentEntry
