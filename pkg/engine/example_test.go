package engine_test

import (
	"fmt"

	"github.com/openfroyo/bsig/pkg/engine"
)

// ExampleComputeFlaws shows how a goal is compared with observed state. A
// peer that does not exist yet is compared against its default state, so a
// goal saying it is not created already holds.
func ExampleComputeFlaws() {
	goal := engine.Goal{
		engine.MustParsePath("$.web.apache.installed"): engine.Bool(true),
		engine.MustParsePath("$.web.apache.running"):   engine.Bool(true),
		engine.MustParsePath("$.db.created"):           engine.Bool(false),
	}
	state := engine.State{
		engine.MustParsePath("$.web.apache.installed"): engine.Bool(true),
		engine.MustParsePath("$.web.apache.running"):   engine.Bool(false),
	}

	flaws := engine.ComputeFlaws(goal, state, engine.NodeDefaults{})
	fmt.Println(flaws.Paths())
	// Output: [$.web.apache.running]
}

// ExampleSelectOperators shows tiered selection: the lowest tier that
// repairs a flaw wins unless the caller raises the floor.
func ExampleSelectOperators() {
	running := engine.MustParsePath("$.web.apache.running")
	flaws := engine.FlawSet{running: engine.Bool(true)}
	ops := []engine.Operator{
		{ID: 2, Name: engine.MustParsePath("$.web.apache.reinstall"), Pi: 3, Effect: engine.Goal{running: engine.Bool(true)}},
		{ID: 1, Name: engine.MustParsePath("$.web.apache.start"), Pi: 1, Effect: engine.Goal{running: engine.Bool(true)}},
	}

	for _, floor := range []int{1, 2, 4} {
		selected, ok := engine.SelectOperators(flaws, ops, floor)
		names := make([]string, len(selected))
		for i, op := range selected {
			names[i] = op.Name.String()
		}
		fmt.Println(floor, ok, names)
	}
	// Output:
	// 1 true [$.web.apache.start]
	// 2 true [$.web.apache.reinstall]
	// 4 false []
}

// ExampleGoal_Split shows the partition between local work and goals that
// must be delegated to their owners.
func ExampleGoal_Split() {
	goal := engine.Goal{
		engine.MustParsePath("$.web.apache.running"): engine.Bool(true),
		engine.MustParsePath("$.db.mysql.running"):   engine.Bool(true),
	}
	local, remote := goal.Split("web")
	fmt.Println(local.Paths(), remote.Paths())
	// Output: [$.web.apache.running] [$.db.mysql.running]
}

// ExampleRepairModel_ForAgent shows the part of a repair model pushed to a
// newly created peer.
func ExampleRepairModel_ForAgent() {
	model := &engine.RepairModel{
		ID: 7,
		Goal: engine.Goal{
			engine.MustParsePath("$.web.apache.running"): engine.Bool(true),
			engine.MustParsePath("$.db.mysql.running"):   engine.Bool(true),
		},
		Operators: []engine.Operator{
			{ID: 1, Name: engine.MustParsePath("$.web.apache.start"), Pi: 1},
			{ID: 2, Name: engine.MustParsePath("$.db.mysql.start"), Pi: 1},
		},
	}

	part := model.ForAgent("db")
	fmt.Println(part.ID, part.Goal.Paths(), len(part.Operators), part.Operators[0].Name)
	// Output: 7 [$.db.mysql.running] 1 $.db.mysql.start
}
