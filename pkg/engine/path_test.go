package engine

import (
	"errors"
	"testing"
)

func TestParsePath(t *testing.T) {
	valid := []string{"$.a", "$.a.b", "$.web.apache.config.port"}
	for _, s := range valid {
		if _, err := ParsePath(s); err != nil {
			t.Errorf("ParsePath(%q) error = %v", s, err)
		}
	}

	invalid := []string{"", "$", "a.b", "$.", "$.a..b", "$a.b", "#.a"}
	for _, s := range invalid {
		_, err := ParsePath(s)
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ParsePath(%q) error = %v, want ErrInvalidPath", s, err)
		}
	}
}

func TestPathAccessors(t *testing.T) {
	p := pt("$.web.apache.config.port")

	if got := p.Agent(); got != "web" {
		t.Errorf("Agent() = %q, want web", got)
	}
	if got := p.Attribute(); got != "apache.config.port" {
		t.Errorf("Attribute() = %q", got)
	}
	if got := p.Parent(); got != pt("$.web.apache.config") {
		t.Errorf("Parent() = %q", got)
	}
	if got := p.Last(); got != "port" {
		t.Errorf("Last() = %q", got)
	}
	if got := len(p.Segments()); got != 4 {
		t.Errorf("Segments() has %d entries, want 4", got)
	}
	if !p.IsLocal("web") || p.IsLocal("db") {
		t.Error("IsLocal() mismatch")
	}
	if !p.Under(pt("$.web.apache")) || p.Under(pt("$.web.apa")) {
		t.Error("Under() mismatch")
	}

	root := AgentPath("web")
	if !root.IsAgentRoot() || root.Parent() != root {
		t.Errorf("agent root %q misbehaves", root)
	}
	if root.Child("created") != pt("$.web.created") {
		t.Errorf("Child() = %q", root.Child("created"))
	}
}

func TestGoalSplit(t *testing.T) {
	g := Goal{
		pt("$.a.x"):       Bool(true),
		pt("$.a.y.z"):     Number(1),
		pt("$.b.created"): Bool(true),
		pt("$.c.port"):    Number(80),
	}

	local, remote := g.Split("a")
	if len(local) != 2 || len(remote) != 2 {
		t.Fatalf("Split() = %d local, %d remote", len(local), len(remote))
	}

	parts := remote.ByAgent()
	if len(parts) != 2 || len(parts["b"]) != 1 || len(parts["c"]) != 1 {
		t.Errorf("ByAgent() = %v", parts)
	}
}

func TestRepairModelForAgent(t *testing.T) {
	m := &RepairModel{
		ID: 4,
		Goal: Goal{
			pt("$.a.app.running"): Bool(true),
			pt("$.b.db.running"):  Bool(true),
		},
		Operators: []Operator{
			newOp(1, "$.a.app.start", 1, nil, Goal{pt("$.a.app.running"): Bool(true)}),
			newOp(2, "$.b.db.start", 1, nil, Goal{pt("$.b.db.running"): Bool(true)}),
		},
	}

	sub := m.ForAgent("b")
	if sub.ID != 4 {
		t.Errorf("ID = %d, want 4", sub.ID)
	}
	if len(sub.Goal) != 1 || len(sub.Operators) != 1 || sub.Operators[0].ID != 2 {
		t.Errorf("ForAgent(b) = %+v", sub)
	}
}

func TestRepairModelValidate(t *testing.T) {
	m := &RepairModel{Operators: []Operator{
		newOp(1, "$.a.app.start", 1, nil, nil),
		newOp(1, "$.a.app.start", 2, nil, nil),
	}}
	if err := m.Validate(); !IsPermanent(err) {
		t.Errorf("Validate() = %v, want permanent duplicate error", err)
	}

	bad := &RepairModel{Operators: []Operator{newOp(1, "$.a", 1, nil, nil)}}
	if err := bad.Validate(); !HasCode(err, ErrCodeInvalidPath) {
		t.Errorf("Validate() = %v, want invalid path", err)
	}

	zero := &RepairModel{Operators: []Operator{newOp(1, "$.a.x.run", 0, nil, nil)}}
	if err := zero.Validate(); err == nil {
		t.Error("expected error for pi 0")
	}
}

func TestSortOperatorsIsStable(t *testing.T) {
	ops := []Operator{
		newOp(1, "$.a.x.one", 2, nil, nil),
		newOp(2, "$.a.x.two", 1, nil, nil),
		newOp(3, "$.a.x.three", 2, nil, nil),
		newOp(4, "$.a.x.four", 1, nil, nil),
	}

	sorted := SortOperators(ops)
	want := []int64{2, 4, 1, 3}
	for i, id := range want {
		if sorted[i].ID != id {
			t.Fatalf("SortOperators()[%d].ID = %d, want %d", i, sorted[i].ID, id)
		}
	}
	if ops[0].ID != 1 {
		t.Error("SortOperators() modified its input")
	}
}
