// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package condition defines the error/outcome descriptor attached to link
// detaches, connection closes and rejected deliveries.
package condition

import (
	"fmt"
	"maps"
	"slices"
)

// Standard condition names.
const (
	InternalError         = "amqp:internal-error"
	NotFound              = "amqp:not-found"
	UnauthorizedAccess    = "amqp:unauthorized-access"
	DecodeError           = "amqp:decode-error"
	ResourceLimitExceeded = "amqp:resource-limit-exceeded"
	NotAllowed            = "amqp:not-allowed"
	InvalidField          = "amqp:invalid-field"
	NotImplemented        = "amqp:not-implemented"
	ResourceLocked        = "amqp:resource-locked"
	PreconditionFailed    = "amqp:precondition-failed"
	ResourceDeleted       = "amqp:resource-deleted"
	IllegalState          = "amqp:illegal-state"

	// Connection errors
	ConnectionForced = "amqp:connection:forced"

	// Link errors
	DetachForced          = "amqp:link:detach-forced"
	TransferLimitExceeded = "amqp:link:transfer-limit-exceeded"
	MessageSizeExceeded   = "amqp:link:message-size-exceeded"
	LinkRedirect          = "amqp:link:redirect"
	Stolen                = "amqp:link:stolen"
)

// Condition is an immutable (name, description, info) descriptor.
// Use New to build one; fields are read through accessors so that a
// delivered Condition cannot be changed by whoever created it.
type Condition struct {
	name        string
	description string
	info        map[string]any
}

// New creates a Condition. The info map is copied.
func New(name, description string, info map[string]any) *Condition {
	return &Condition{
		name:        name,
		description: description,
		info:        cloneMap(info),
	}
}

// Name returns the symbolic condition name, e.g. "amqp:not-found".
func (c *Condition) Name() string { return c.name }

// Description returns the human readable description.
func (c *Condition) Description() string { return c.description }

// Info returns a copy of the info map. It is nil if the condition carries
// no info.
func (c *Condition) Info() map[string]any { return cloneMap(c.info) }

// Get returns a copy of a single info value.
func (c *Condition) Get(key string) (any, bool) {
	v, ok := c.info[key]
	return cloneValue(v), ok
}

// Clone returns a deep copy. Cloning nil yields nil.
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}
	return New(c.name, c.description, c.info)
}

func (c *Condition) String() string {
	if c == nil {
		return "<nil>"
	}
	if len(c.info) == 0 {
		return fmt.Sprintf("%s: %s", c.name, c.description)
	}
	keys := slices.Sorted(maps.Keys(c.info))
	return fmt.Sprintf("%s: %s %v", c.name, c.description, keys)
}

func cloneMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the container types an info map can nest.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return slices.Clone(val)
	default:
		return v
	}
}
