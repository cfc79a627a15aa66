package commands

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/openfroyo/bsig/pkg/config"
	"github.com/openfroyo/bsig/pkg/engine"
)

func TestParseGoal(t *testing.T) {
	goal, err := parseGoal([]string{
		"$.web.apache.running=true",
		"$.web.apache.version=2.4.1",
		`$.web.apache.ports=[80, 443]`,
		"$.web.apache.workers=8",
	})
	if err != nil {
		t.Fatalf("parseGoal() error = %v", err)
	}

	checks := map[string]engine.Value{
		"$.web.apache.running": engine.Bool(true),
		"$.web.apache.version": engine.String("2.4.1"),
		"$.web.apache.ports":   engine.List(engine.Number(80), engine.Number(443)),
		"$.web.apache.workers": engine.Number(8),
	}
	for path, want := range checks {
		got, ok := goal[engine.MustParsePath(path)]
		if !ok || !got.Equal(want) {
			t.Errorf("goal[%s] = %v, want %v", path, got, want)
		}
	}

	for _, bad := range []string{"$.web.apache.running", "web.apache=true"} {
		if _, err := parseGoal([]string{bad}); err == nil {
			t.Errorf("parseGoal(%q) expected error", bad)
		}
	}
}

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		addr    string
		want    engine.AgentEntry
		wantErr bool
	}{
		{addr: "", want: engine.AgentEntry{Name: "local", Address: "127.0.0.1", Port: 1314}},
		{addr: "10.0.0.2", want: engine.AgentEntry{Name: "10.0.0.2", Address: "10.0.0.2", Port: 1314}},
		{addr: "10.0.0.2:1400", want: engine.AgentEntry{Name: "10.0.0.2", Address: "10.0.0.2", Port: 1400}},
		{addr: "[::1]:1400", want: engine.AgentEntry{Name: "::1", Address: "::1", Port: 1400}},
		{addr: "10.0.0.2:http", wantErr: true},
		{addr: "10.0.0.2:70000", wantErr: true},
	}
	for _, tt := range tests {
		got, err := resolveTarget(tt.addr, 1314)
		if (err != nil) != tt.wantErr {
			t.Errorf("resolveTarget(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("resolveTarget(%q) = %+v, want %+v", tt.addr, got, tt.want)
		}
	}
}

func TestAgentsDelta(t *testing.T) {
	docs := config.NewDocumentLoader()

	delta, err := agentsDelta(docs, "", []string{"web", "10.0.0.2"})
	if err != nil {
		t.Fatalf("agentsDelta() error = %v", err)
	}
	if e := delta["web"]; e == nil || e.Port != config.DefaultPort || e.Address != "10.0.0.2" {
		t.Errorf("delta = %v", delta)
	}

	if _, err := agentsDelta(docs, "", []string{"web", "10.0.0.2", "port"}); err == nil {
		t.Error("expected error for non-numeric port")
	}
	if _, err := agentsDelta(docs, "", []string{"web", "10.0.0.2", "0"}); err == nil {
		t.Error("expected error for port 0")
	}

	file := filepath.Join(t.TempDir(), "agents.yaml")
	doc := "web: {name: web, address: 10.0.0.2, port: 1314}\ndb: {name: db, address: 10.0.0.3, port: 1400}\n"
	if err := os.WriteFile(file, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	delta, err = agentsDelta(docs, file, nil)
	if err != nil {
		t.Fatalf("agentsDelta(file) error = %v", err)
	}
	if len(delta) != 2 || delta["db"].Port != 1400 || delta["web"].Name != "web" {
		t.Errorf("delta = %v", delta)
	}
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bsig.pid")

	release, err := writePIDFile(path)
	if err != nil {
		t.Fatalf("writePIDFile() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid file = %q", data)
	}
	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pid file not removed")
	}

	// A stale file naming a dead process is overwritten.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	release, err = writePIDFile(path)
	if err != nil {
		t.Fatalf("writePIDFile() over stale file error = %v", err)
	}
	release()
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand("test", "none", "today")
	for _, path := range [][]string{
		{"start"}, {"status"}, {"model", "set"}, {"model", "get"}, {"bsig", "set"}, {"bsig", "get"},
		{"agents", "list"}, {"agents", "set"}, {"agents", "delete"}, {"satisfy"}, {"events"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not found", path)
		}
	}
}
