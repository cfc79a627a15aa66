package engine

import (
	"fmt"
	"strings"
)

// pathRoot is the first segment of every state reference.
const pathRoot = "$"

// Path is a validated dotted reference of the form $.<agent>[.<attr>...].
// The second segment names the agent that owns the referenced state.
// Values of type Path are only produced by ParsePath and its helpers, so
// they can be used directly as map keys.
type Path string

// ParsePath validates s and returns it as a Path.
func ParsePath(s string) (Path, error) {
	segs := strings.Split(s, ".")
	if len(segs) < 2 || segs[0] != pathRoot {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	for _, seg := range segs[1:] {
		if seg == "" {
			return "", fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, s)
		}
	}
	return Path(s), nil
}

// MustParsePath is like ParsePath but panics on error. Intended for
// constants and tests.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// AgentPath returns the root path of an agent, $.<agent>.
func AgentPath(agent string) Path {
	return Path(pathRoot + "." + agent)
}

// String implements fmt.Stringer.
func (p Path) String() string {
	return string(p)
}

// Segments returns the segments after the leading $.
func (p Path) Segments() []string {
	segs := strings.Split(string(p), ".")
	if len(segs) == 0 {
		return nil
	}
	return segs[1:]
}

// Agent returns the owning agent segment.
func (p Path) Agent() string {
	rest := strings.TrimPrefix(string(p), pathRoot+".")
	agent, _, _ := strings.Cut(rest, ".")
	return agent
}

// Attribute returns everything after the agent segment, or "" for an agent root.
func (p Path) Attribute() string {
	rest := strings.TrimPrefix(string(p), pathRoot+".")
	_, attr, _ := strings.Cut(rest, ".")
	return attr
}

// IsAgentRoot reports whether p is exactly $.<agent>.
func (p Path) IsAgentRoot() bool {
	return p.Attribute() == ""
}

// Parent returns the enclosing path. The parent of an agent root is itself.
func (p Path) Parent() Path {
	if p.IsAgentRoot() {
		return p
	}
	i := strings.LastIndex(string(p), ".")
	return p[:i]
}

// Child appends a segment.
func (p Path) Child(name string) Path {
	return Path(string(p) + "." + name)
}

// Last returns the final segment.
func (p Path) Last() string {
	i := strings.LastIndex(string(p), ".")
	return string(p)[i+1:]
}

// Under reports whether p equals prefix or lies beneath it.
func (p Path) Under(prefix Path) bool {
	return p == prefix || strings.HasPrefix(string(p), string(prefix)+".")
}

// IsLocal reports whether p is owned by the agent named self.
func (p Path) IsLocal(self string) bool {
	return p.Agent() == self
}
