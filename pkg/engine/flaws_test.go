package engine

import (
	"testing"
)

func TestComputeFlaws(t *testing.T) {
	state := State{
		pt("$.a.web.port"):    Number(8080),
		pt("$.a.web.running"): Bool(true),
		pt("$.a.pkgs"):        List(String("nginx"), String("curl")),
	}

	tests := []struct {
		name  string
		goal  Goal
		flaws []Path
	}{
		{
			name:  "satisfied",
			goal:  Goal{pt("$.a.web.running"): Bool(true)},
			flaws: nil,
		},
		{
			name:  "different value",
			goal:  Goal{pt("$.a.web.port"): Number(80)},
			flaws: []Path{pt("$.a.web.port")},
		},
		{
			name:  "list order ignored",
			goal:  Goal{pt("$.a.pkgs"): List(String("curl"), String("nginx"))},
			flaws: nil,
		},
		{
			name:  "missing attribute wanted",
			goal:  Goal{pt("$.a.web.tls"): Bool(true)},
			flaws: []Path{pt("$.a.web.tls")},
		},
		{
			name:  "missing attribute wanted undefined",
			goal:  Goal{pt("$.a.web.tls"): Undefined()},
			flaws: nil,
		},
		{
			name:  "unknown peer matches default",
			goal:  Goal{pt("$.b.created"): Bool(false), pt("$.b.in_cloud"): Null()},
			flaws: nil,
		},
		{
			name:  "unknown peer differs from default",
			goal:  Goal{pt("$.b.created"): Bool(true)},
			flaws: []Path{pt("$.b.created")},
		},
		{
			name:  "unknown peer attribute outside default",
			goal:  Goal{pt("$.b.address"): String("10.0.0.2")},
			flaws: []Path{pt("$.b.address")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flaws := ComputeFlaws(tt.goal, state, NodeDefaults{})
			if len(flaws) != len(tt.flaws) {
				t.Fatalf("ComputeFlaws() = %v, want %v", flaws, tt.flaws)
			}
			for _, p := range tt.flaws {
				want := tt.goal[p]
				if got, ok := flaws[p]; !ok || !got.Equal(want) {
					t.Errorf("flaw %s = %v, want %v", p, got, want)
				}
			}
		})
	}
}

func TestComputeFlawsWithoutState(t *testing.T) {
	goal := Goal{pt("$.a.x"): Bool(true), pt("$.a.y"): Undefined()}

	flaws := ComputeFlaws(goal, nil, nil)
	if len(flaws) != len(goal) {
		t.Fatalf("ComputeFlaws(nil state) = %v, want whole goal", flaws)
	}

	flaws[pt("$.a.z")] = Null()
	if _, leaked := goal[pt("$.a.z")]; leaked {
		t.Error("ComputeFlaws() returned the goal itself instead of a copy")
	}
}

func TestComputeFlawsEmptyGoal(t *testing.T) {
	if flaws := ComputeFlaws(Goal{}, State{}, nil); len(flaws) != 0 {
		t.Errorf("ComputeFlaws(empty) = %v", flaws)
	}
}

type cloudDefaults struct{}

func (cloudDefaults) DefaultState(agent string) State {
	return State{AgentPath(agent).Child("created"): Bool(true)}
}

func TestComputeFlawsCustomPolicy(t *testing.T) {
	goal := Goal{pt("$.b.created"): Bool(true)}
	if flaws := ComputeFlaws(goal, State{}, cloudDefaults{}); len(flaws) != 0 {
		t.Errorf("ComputeFlaws() = %v, want none under custom defaults", flaws)
	}
	if !satisfiedByDefault("b", goal, cloudDefaults{}) {
		t.Error("satisfiedByDefault() = false under custom defaults")
	}
	if satisfiedByDefault("b", goal, nil) {
		t.Error("satisfiedByDefault() = true under node defaults")
	}
}
