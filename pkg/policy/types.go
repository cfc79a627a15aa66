package policy

import (
	"time"
)

// Policy is a named Rego module. Each module contributes a `deny` set to
// the decision; a request is trusted when no enabled policy denies it.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// RequestInput describes one inbound peer request. It is the `input`
// document seen by Rego.
type RequestInput struct {
	// RemoteAddr is the caller's IP address without port.
	RemoteAddr string `json:"remote_addr"`

	// Method is the HTTP method.
	Method string `json:"method"`

	// Path is the request path, e.g. /bsig/satisfier.
	Path string `json:"path"`

	// Agent is the name the caller claims in the X-BSig-Agent header, if any.
	Agent string `json:"agent,omitempty"`

	// Self is the name of the receiving agent.
	Self string `json:"self"`

	// Timestamp is when the request arrived.
	Timestamp time.Time `json:"timestamp"`
}

// Denial is one reason a request was refused.
type Denial struct {
	Policy  string `json:"policy"`
	Message string `json:"message"`
}

// Decision is the outcome of authorizing a request.
type Decision struct {
	// Allowed indicates if the request is trusted.
	Allowed bool `json:"allowed"`

	// Denials lists why the request was refused.
	Denials []Denial `json:"denials,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}
