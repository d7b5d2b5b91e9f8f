// Package registry implements the channel registry DSL and lookup table:
// a compiled, immutable map from topic pattern to channel handler factory,
// resolved deterministically at dispatch time.
package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Options are the per-route options a channel() registration carries.
type Options struct {
	// Assigns is merged into socket.Assigns on join.
	Assigns map[string]interface{}
}

// Route is a single compiled registry entry.
type Route struct {
	Pattern string
	Factory ChannelFactory
	Options Options

	prefix   string // "" for an exact pattern, else the pattern minus its trailing "*" (e.g. "room:")
	wildcard bool
	order    int // registration order, used to break ties deterministically
}

// ChannelFactory constructs a new channel handler instance for a join.
// Declared here (rather than imported from package channel) to avoid an
// import cycle: package channel depends on registry to look routes up.
type ChannelFactory interface{}

// Registry is the compiled, immutable topic-pattern -> route table plus
// the transport bindings declared alongside it.
type Registry struct {
	routes     []Route // sorted for deterministic, longest-prefix-first lookup
	transports []TransportBinding
}

// Builder accumulates routes and transport declarations before compiling
// them into an immutable Registry.
type Builder struct {
	routes     []Route
	transports []TransportBinding
	err        error
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Channel registers a route. A pattern ending in "*" must be of the exact
// form "<prefix>:*"; a "*" anywhere else is a configuration error raised
// at Build time.
func (b *Builder) Channel(pattern string, factory ChannelFactory, opts Options) *Builder {
	route := Route{Pattern: pattern, Factory: factory, Options: opts, order: len(b.routes)}

	if idx := strings.IndexByte(pattern, '*'); idx >= 0 {
		if idx != len(pattern)-1 || !strings.HasSuffix(pattern, ":*") {
			if b.err != nil {
				return b
			}
			b.err = fmt.Errorf("registry: invalid topic pattern %q: '*' is only allowed as the terminal \":*\" segment", pattern)
			return b
		}
		route.wildcard = true
		route.prefix = strings.TrimSuffix(pattern, "*")
	}

	b.routes = append(b.routes, route)
	return b
}

// Build compiles the accumulated routes into an immutable Registry, or
// returns the first configuration error encountered.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}

	routes := make([]Route, len(b.routes))
	copy(routes, b.routes)

	// Deterministic resolution order: exact patterns first, in
	// registration order (exact patterns never conflict with each other
	// since a topic has one literal value), then wildcard patterns sorted by prefix length
	// descending (longest/most-specific prefix wins), ties broken by
	// registration order.
	sort.SliceStable(routes, func(i, j int) bool {
		ri, rj := routes[i], routes[j]
		if ri.wildcard != rj.wildcard {
			return !ri.wildcard // exact patterns sort before wildcards
		}
		if ri.wildcard {
			if len(ri.prefix) != len(rj.prefix) {
				return len(ri.prefix) > len(rj.prefix)
			}
		}
		return ri.order < rj.order
	})

	return &Registry{routes: routes, transports: b.transports}, nil
}

// Lookup resolves topic to its registered route, if any.
func (r *Registry) Lookup(topic string) (Route, bool) {
	for _, route := range r.routes {
		if route.wildcard {
			if strings.HasPrefix(topic, route.prefix) {
				return route, true
			}
			continue
		}
		if route.Pattern == topic {
			return route, true
		}
	}
	return Route{}, false
}
