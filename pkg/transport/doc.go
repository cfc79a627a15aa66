// Package transport carries the peer protocol between agents.
//
// Server exposes the HTTP surface of one agent with gin: the satisfier
// endpoint that receives delegated goals, the bootstrap endpoints that
// receive the registry, model, repair model and modules of a newly
// provisioned peer, and read-only views of state, health, metrics and the
// audit trail. Every request passes an Authorizer first.
//
// Client is the matching net/http client. It implements engine.PeerClient
// and registry.Broadcaster.
package transport
