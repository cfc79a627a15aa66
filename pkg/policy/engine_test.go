package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := map[string]bool{
		PolicyAgentIdentity:  false,
		PolicyPeerMethods:    true,
		PolicyPrivateNetwork: false,
	}
	if len(policies) != len(want) {
		t.Fatalf("got %d built-in policies, want %d", len(policies), len(want))
	}
	for _, p := range policies {
		enabled, ok := want[p.Name]
		if !ok {
			t.Errorf("unexpected built-in policy %s", p.Name)
			continue
		}
		if p.Enabled != enabled {
			t.Errorf("%s enabled = %v, want %v", p.Name, p.Enabled, enabled)
		}
	}
}

func TestAuthorize_Defaults(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name    string
		input   RequestInput
		allowed bool
	}{
		{
			name:    "satisfier request from public address",
			input:   RequestInput{RemoteAddr: "203.0.113.9", Method: "PUT", Path: "/bsig/satisfier"},
			allowed: true,
		},
		{
			name:    "state read",
			input:   RequestInput{RemoteAddr: "10.0.0.2", Method: "GET", Path: "/state"},
			allowed: true,
		},
		{
			name:    "unsupported method",
			input:   RequestInput{RemoteAddr: "10.0.0.2", Method: "PATCH", Path: "/model"},
			allowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Authorize(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (denials %+v)", decision.Allowed, tt.allowed, decision.Denials)
			}
			if !tt.allowed && decision.Denials[0].Policy != PolicyPeerMethods {
				t.Errorf("denied by %s, want %s", decision.Denials[0].Policy, PolicyPeerMethods)
			}
		})
	}
}

func TestAuthorize_PrivateNetwork(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.EnablePolicy(PolicyPrivateNetwork); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}

	tests := []struct {
		name    string
		input   RequestInput
		allowed bool
	}{
		{name: "private write", input: RequestInput{RemoteAddr: "192.168.1.20", Method: "PUT", Path: "/agents"}, allowed: true},
		{name: "loopback write", input: RequestInput{RemoteAddr: "127.0.0.1", Method: "PUT", Path: "/bsig"}, allowed: true},
		{name: "ipv6 loopback write", input: RequestInput{RemoteAddr: "::1", Method: "PUT", Path: "/bsig"}, allowed: true},
		{name: "public write", input: RequestInput{RemoteAddr: "198.51.100.4", Method: "PUT", Path: "/agents"}, allowed: false},
		{name: "public read", input: RequestInput{RemoteAddr: "198.51.100.4", Method: "GET", Path: "/health"}, allowed: true},
		{name: "missing address", input: RequestInput{Method: "PUT", Path: "/model"}, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Authorize(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (denials %+v)", decision.Allowed, tt.allowed, decision.Denials)
			}
		})
	}
}

func TestAuthorize_AgentIdentity(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.EnablePolicy(PolicyAgentIdentity); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}

	anonymous := RequestInput{RemoteAddr: "10.0.0.3", Method: "PUT", Path: "/bsig/satisfier"}
	decision, _ := eng.Authorize(context.Background(), anonymous)
	if decision.Allowed {
		t.Error("anonymous delegation was allowed")
	}

	named := anonymous
	named.Agent = "web"
	decision, _ = eng.Authorize(context.Background(), named)
	if !decision.Allowed {
		t.Errorf("named delegation denied: %+v", decision.Denials)
	}
}

func TestAddPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)

	custom := Policy{
		Name:    "web-only",
		Enabled: true,
		Rego: `package site.trust

import rego.v1

deny contains msg if {
	input.path == "/bsig/satisfier"
	not startswith(object.get(input, "agent", ""), "web")
	msg := "only web agents may delegate"
}
`,
	}
	if err := eng.AddPolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("AddPolicies() error = %v", err)
	}

	decision, _ := eng.Authorize(context.Background(), RequestInput{Method: "PUT", Path: "/bsig/satisfier", Agent: "db"})
	if decision.Allowed || decision.Denials[0].Message != "only web agents may delegate" {
		t.Errorf("decision = %+v", decision)
	}

	decision, _ = eng.Authorize(context.Background(), RequestInput{Method: "PUT", Path: "/bsig/satisfier", Agent: "web2"})
	if !decision.Allowed {
		t.Errorf("web2 denied: %+v", decision.Denials)
	}
}

func TestAddPolicies_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	bad := Policy{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains {"}

	if err := eng.AddPolicies(context.Background(), []Policy{bad}); err == nil {
		t.Fatal("AddPolicies() accepted invalid Rego")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("invalid policy was installed")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.EnablePolicy(PolicyPrivateNetwork); err != nil {
		t.Fatal(err)
	}
	deny := Policy{Name: "deny-all", Enabled: true, Rego: "package x\n\nimport rego.v1\n\ndeny contains \"no\" if { true }\n"}
	if err := eng.AddPolicies(ctx, []Policy{deny}); err != nil {
		t.Fatal(err)
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("deny-all"); err == nil {
		t.Error("removed policy survived the reload")
	}
	p, err := eng.GetPolicy(PolicyPrivateNetwork)
	if err != nil || !p.Enabled {
		t.Errorf("built-in toggle lost on reload: %+v, %v", p, err)
	}
}

func TestEnableDisableUnknown(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.EnablePolicy("nope"); err == nil {
		t.Error("EnablePolicy(nope) succeeded")
	}
	if err := eng.DisablePolicy(PolicyPeerMethods); err != nil {
		t.Fatal(err)
	}
	decision, _ := eng.Authorize(context.Background(), RequestInput{Method: "PATCH"})
	if !decision.Allowed {
		t.Error("disabled policy still denies")
	}
}

func TestExtractPackageName(t *testing.T) {
	if got := extractPackageName("# c\npackage a.b.c\n"); got != "a.b.c" {
		t.Errorf("extractPackageName() = %q", got)
	}
	if got := extractPackageName("deny := 1"); got != "bsig.trust" {
		t.Errorf("extractPackageName() fallback = %q", got)
	}
}
