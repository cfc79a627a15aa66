// Package policy decides whether an inbound peer request is trusted.
//
// Decisions are made by Rego policies evaluated with Open Policy Agent.
// Every policy module exposes a `deny` set of messages; a request is
// trusted when no enabled policy denies it. The input document is:
//
//	{
//	    "remote_addr": "10.0.0.7",
//	    "method":      "PUT",
//	    "path":        "/bsig/satisfier",
//	    "agent":       "web",        // X-BSig-Agent header, if sent
//	    "self":        "db",
//	    "timestamp":   "2026-03-01T12:00:00Z"
//	}
//
// # Built-in Policies
//
//   - peer-methods (enabled): rejects methods the peer protocol never uses
//   - private-network (disabled): accepts PUT and DELETE only from private ranges
//   - agent-identity (disabled): requires satisfier requests to name their sender
//
// With only the defaults enabled every well-formed peer request is trusted.
//
// # Custom Policies
//
// Operators drop .rego or .json files into the agent's policy directory:
//
//	# Only the web tier may delegate goals to this agent.
//	package site.trust
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.path == "/bsig/satisfier"
//	    not startswith(input.agent, "web")
//	    msg := sprintf("agent %v may not delegate here", [input.agent])
//	}
//
// Loader.Watch reloads the directory when files change; pass
// Engine.ReplacePolicies (wrapped to drop the context) as the callback.
package policy
