package registry

import (
	"fmt"
	"log/slog"
	"regexp"

	"channelmux/internal/wire"
)

// SerializerVersion pairs a serializer with the protocol version range it
// serves, e.g. {jsonV2, "~> 2.0.0"}.
type SerializerVersion struct {
	Serializer  wire.Serializer
	Requirement string
}

// TransportConfig carries per-transport options. Serializer accepts two
// shapes: a bare wire.Serializer (the legacy form, kept working for one
// release window and logged with a deprecation warning when Transport is
// called) or
// a []SerializerVersion list.
type TransportConfig struct {
	Serializer interface{}
}

// TransportBinding is one compiled transport declaration.
type TransportBinding struct {
	Name        string
	Module      interface{}
	Serializers []SerializerVersion
}

// requirementRe accepts the version-requirement operators understood at
// registration time: an optional operator followed by a dotted numeric
// version ("~> 2.0.0", ">= 1.0", "2.1.0").
var requirementRe = regexp.MustCompile(`^(~>|>=|<=|==|>|<)?\s*\d+(\.\d+){0,2}$`)

// Transport declares a transport binding. A duplicate name or a bad
// serializer configuration is a configuration error raised at Build time.
func (b *Builder) Transport(name string, module interface{}, cfg TransportConfig) *Builder {
	if b.err != nil {
		return b
	}
	for _, t := range b.transports {
		if t.Name == name {
			b.err = fmt.Errorf("registry: duplicate transport %q", name)
			return b
		}
	}

	binding := TransportBinding{Name: name, Module: module}

	switch s := cfg.Serializer.(type) {
	case nil:
		b.err = fmt.Errorf("registry: transport %q: serializer configuration is required", name)
		return b

	case wire.Serializer:
		// Legacy single-module form.
		slog.Warn("registry: passing a bare serializer module is deprecated, use a []SerializerVersion list", "transport", name)
		binding.Serializers = []SerializerVersion{{Serializer: s, Requirement: ">= 1.0.0"}}

	case []SerializerVersion:
		if len(s) == 0 {
			b.err = fmt.Errorf("registry: transport %q: serializer list is empty", name)
			return b
		}
		for _, sv := range s {
			if sv.Serializer == nil {
				b.err = fmt.Errorf("registry: transport %q: nil serializer in version list", name)
				return b
			}
			if !requirementRe.MatchString(sv.Requirement) {
				b.err = fmt.Errorf("registry: transport %q: bad serializer version requirement %q", name, sv.Requirement)
				return b
			}
		}
		binding.Serializers = s

	default:
		b.err = fmt.Errorf("registry: transport %q: serializer must be a wire.Serializer or []SerializerVersion, got %T", name, cfg.Serializer)
		return b
	}

	b.transports = append(b.transports, binding)
	return b
}

// Transports returns the compiled transport bindings in declaration order.
func (r *Registry) Transports() []TransportBinding {
	out := make([]TransportBinding, len(r.transports))
	copy(out, r.transports)
	return out
}

// Transport returns the binding declared under name, if any.
func (r *Registry) Transport(name string) (TransportBinding, bool) {
	for _, t := range r.transports {
		if t.Name == name {
			return t, true
		}
	}
	return TransportBinding{}, false
}
