package config

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/bsig/pkg/engine"
)

const repairModelJSON = `{
  "id": 3,
  "goal": {"$.web.apache.running": true},
  "operators": [
    {
      "id": 1,
      "name": "$.web.apache.start",
      "pi": 1,
      "condition": {"$.web.apache.installed": true},
      "effect": {"$.web.apache.running": true}
    },
    {
      "id": 2,
      "name": "$.web.apache.install",
      "pi": 2,
      "parameters": {"$.version": "2.4"},
      "effect": {"$.web.apache.installed": true}
    }
  ]
}`

const repairModelCUE = `
let web = "$.web.apache"

id: 3
goal: "\(web).running": true
operators: [
	{id: 1, name: "\(web).start", pi: 1, condition: "\(web).installed": true, effect: "\(web).running": true},
	{id: 2, name: "\(web).install", pi: 2, parameters: "$.version": "2.4", effect: "\(web).installed": true},
]
`

func checkRepairModel(t *testing.T, m *engine.RepairModel) {
	t.Helper()
	if m.ID != 3 {
		t.Errorf("ID = %d, want 3", m.ID)
	}
	if len(m.Operators) != 2 {
		t.Fatalf("operators = %d, want 2", len(m.Operators))
	}
	if m.Operators[1].Name != engine.MustParsePath("$.web.apache.install") || m.Operators[1].Pi != 2 {
		t.Errorf("operator[1] = %+v", m.Operators[1])
	}
	if !m.Goal[engine.MustParsePath("$.web.apache.running")].Equal(engine.Bool(true)) {
		t.Errorf("goal = %v", m.Goal)
	}
	if v, ok := m.Operators[1].Parameters["$.version"].Str(); !ok || v != "2.4" {
		t.Errorf("parameters = %v", m.Operators[1].Parameters)
	}
}

func TestLoadRepairModelFormats(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := `
id: 3
goal:
  $.web.apache.running: true
operators:
  - id: 1
    name: $.web.apache.start
    pi: 1
    condition: {$.web.apache.installed: true}
    effect: {$.web.apache.running: true}
  - id: 2
    name: $.web.apache.install
    pi: 2
    parameters: {$.version: "2.4"}
    effect: {$.web.apache.installed: true}
`
	files := map[string]string{
		"model.json": repairModelJSON,
		"model.cue":  repairModelCUE,
		"model.yaml": yamlDoc,
	}
	dl := NewDocumentLoader()
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			m, err := dl.LoadRepairModel(writeFile(t, dir, name, content))
			if err != nil {
				t.Fatalf("LoadRepairModel() error = %v", err)
			}
			checkRepairModel(t, m)
		})
	}
}

func TestLoadRepairModelSchemaViolations(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"pi zero.json":        `{"id": 1, "goal": {}, "operators": [{"id": 1, "name": "$.web.a.b", "pi": 0}]}`,
		"bad goal path.json":  `{"id": 1, "goal": {"web.apache": true}, "operators": []}`,
		"agent root op.json":  `{"id": 1, "goal": {}, "operators": [{"id": 1, "name": "$.web", "pi": 1}]}`,
		"fractional id.json":  `{"id": 1.5, "goal": {}, "operators": []}`,
		"missing goal.json":   `{"id": 1, "operators": []}`,
		"unknown field.json":  `{"id": 1, "goal": {}, "operators": [], "extra": 1}`,
		"cue conflict.cue":    "id: 1\nid: 2\ngoal: {}\noperators: []",
		"duplicate ops.json":  `{"id": 1, "goal": {}, "operators": [{"id": 1, "name": "$.web.a.b", "pi": 1}, {"id": 1, "name": "$.web.a.b", "pi": 1}]}`,
		"malformed json.json": `{"id": `,
	}
	dl := NewDocumentLoader()
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			name := strings.ReplaceAll(name, " ", "_")
			if _, err := dl.LoadRepairModel(writeFile(t, dir, name, content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDocumentErrorPositions(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.cue", "id: 1\ngoal: {}\noperators: [{id: 1, name: \"$.web.a.b\", pi: 0}]\n")

	_, err := NewDocumentLoader().LoadRepairModel(path)
	var derr *DocumentError
	if !errors.As(err, &derr) {
		t.Fatalf("error = %v, want *DocumentError", err)
	}
	if len(derr.Errors) == 0 {
		t.Fatal("no validation errors reported")
	}
	found := false
	for _, ve := range derr.Errors {
		if ve.Line > 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("no position in %v", derr.Errors)
	}
}

func TestLoadModel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "model.cue", `
let service = {"_isa": "service", running: *true | bool}

web: apache: service
db: mysql: service & {running: false}
`)
	tree, err := NewDocumentLoader().LoadModel(path)
	if err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}
	apache, ok := tree["web"]["apache"].(map[string]any)
	if !ok || apache["_isa"] != "service" || apache["running"] != true {
		t.Errorf("web.apache = %v", tree["web"]["apache"])
	}
	mysql := tree["db"]["mysql"].(map[string]any)
	if mysql["running"] != false {
		t.Errorf("db.mysql = %v", mysql)
	}

	bad := writeFile(t, dir, "bad.json", `{"we.b": {}}`)
	if _, err := NewDocumentLoader().LoadModel(bad); err == nil {
		t.Error("expected error for dotted agent name")
	}
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	dl := NewDocumentLoader()

	agents, err := dl.LoadRegistry(writeFile(t, dir, "agents.json",
		`{"web": {"name": "web", "address": "10.0.0.2", "port": 1314}}`))
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	if agents["web"].Address != "10.0.0.2" || agents["web"].Port != 1314 {
		t.Errorf("agents = %v", agents)
	}

	if _, err := dl.LoadRegistry(writeFile(t, dir, "mismatch.json",
		`{"web": {"name": "db", "address": "10.0.0.2", "port": 1314}}`)); err == nil {
		t.Error("expected error for name mismatch")
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.toml")
	if _, err := NewDocumentLoader().LoadBytes(path, []byte("id = 1")); err == nil {
		t.Error("expected error for .toml")
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry(nil)
	names := sr.ListSchemas()
	want := []string{SchemaModel, SchemaRegistry, SchemaRepairModel}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("ListSchemas() = %v, want %v", names, want)
	}
	if err := sr.RegisterSchema("broken", "#X: {", "#X"); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", "#X: int", "#Y"); err == nil {
		t.Error("expected missing definition error")
	}
}

func TestExtractValue(t *testing.T) {
	dl := NewDocumentLoader()
	val, err := dl.LoadBytes("doc.cue", []byte(`a: b: [1, 2]`))
	if err != nil {
		t.Fatal(err)
	}
	got, err := dl.ExtractValue(val, "a.b")
	if err != nil {
		t.Fatal(err)
	}
	if list, ok := got.([]any); !ok || len(list) != 2 {
		t.Errorf("ExtractValue() = %v", got)
	}
	if _, err := dl.ExtractValue(val, "a.c"); err == nil {
		t.Error("expected error for missing path")
	}
}
