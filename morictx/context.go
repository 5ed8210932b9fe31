// Package morictx implements the string-keyed Context the host application
// uses to select the coordinator's pluggable backends (spec.md §6): the
// memory-manager binding path, the scheduler policy, its trigger mode, and
// the exporter sinks. It is an explicit, constructor-supplied value, never
// read from the environment — see envconfig for the ambient process
// settings that are.
package morictx

import "maps"

// Context is an immutable-by-convention string map with layered defaults:
// a value set explicitly always wins over the built-in default for the
// same key.
type Context struct {
	defaults map[string]string
	values   map[string]string
}

// defaultParams mirrors includes/context.hpp's prepareDefaultParams.
func defaultParams() map[string]string {
	return map[string]string{
		"path":                     "int://local",
		"scheduler":                "fifo",
		"scheduler.trigger_event":  "dependency",
		"exporters.events":         "empty",
		"exporters.tensors":        "empty",
		"exporters.schedule":       "empty",
	}
}

// New builds a Context with the spec's built-in defaults and the given
// overrides layered on top.
func New(overrides map[string]string) Context {
	c := Context{
		defaults: defaultParams(),
		values:   make(map[string]string, len(overrides)),
	}
	maps.Copy(c.values, overrides)
	return c
}

// Get returns the value for key, preferring an explicit override, falling
// back to the built-in default, and ok=false if neither exists.
func (c Context) Get(key string) (string, bool) {
	if v, ok := c.values[key]; ok {
		return v, true
	}
	v, ok := c.defaults[key]
	return v, ok
}

// MustGet panics if key has neither an override nor a default. Reserved for
// call sites that already checked IsSet at construction time; prefer Get at
// the edges of the system.
func (c Context) MustGet(key string) string {
	v, ok := c.Get(key)
	if !ok {
		panic("morictx: key " + key + " has no value and no default")
	}
	return v
}

// IsSet reports whether key resolves to any value, default or explicit.
func (c Context) IsSet(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// IsDefault reports whether key's value comes from the built-in defaults
// rather than an explicit override.
func (c Context) IsDefault(key string) bool {
	if _, ok := c.values[key]; ok {
		return false
	}
	_, ok := c.defaults[key]
	return ok
}

// With returns a copy of c with key set to value.
func (c Context) With(key, value string) Context {
	next := Context{defaults: c.defaults, values: make(map[string]string, len(c.values)+1)}
	maps.Copy(next.values, c.values)
	next.values[key] = value
	return next
}
