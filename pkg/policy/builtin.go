package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicyPeerMethods    = "peer-methods"
	PolicyPrivateNetwork = "private-network"
	PolicyAgentIdentity  = "agent-identity"
)

// GetBuiltinPolicies returns all built-in policies. Only peer-methods is
// enabled by default, so a fresh agent trusts every caller that speaks the
// peer protocol.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		peerMethodsPolicy(),
		privateNetworkPolicy(),
		agentIdentityPolicy(),
	}
}

func peerMethodsPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        PolicyPeerMethods,
		Description: "Rejects HTTP methods the peer protocol never uses",
		Enabled:     true,
		Tags:        []string{"protocol"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package bsig.trust.methods

import rego.v1

allowed_methods := {"GET", "HEAD", "PUT", "DELETE"}

deny contains msg if {
	not allowed_methods[input.method]
	msg := sprintf("method %s is not part of the peer protocol", [input.method])
}
`,
	}
}

// privateNetworkPolicy refuses writes from outside RFC 1918, loopback and
// link-local ranges.
func privateNetworkPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        PolicyPrivateNetwork,
		Description: "Accepts state-changing requests only from private networks",
		Enabled:     false,
		Tags:        []string{"network"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package bsig.trust.network

import rego.v1

private_ranges := [
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
]

write_methods := {"PUT", "DELETE"}

is_private if {
	some cidr in private_ranges
	net.cidr_contains(cidr, input.remote_addr)
}

deny contains msg if {
	write_methods[input.method]
	not is_private
	msg := sprintf("%s %s from public address %s", [input.method, input.path, input.remote_addr])
}
`,
	}
}

// agentIdentityPolicy requires goal delegations to name their sender.
func agentIdentityPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        PolicyAgentIdentity,
		Description: "Requires satisfier requests to carry the sending agent's name",
		Enabled:     false,
		Tags:        []string{"identity"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package bsig.trust.identity

import rego.v1

deny contains msg if {
	input.path == "/bsig/satisfier"
	not input.agent
	msg := "satisfier request without X-BSig-Agent header"
}
`,
	}
}
