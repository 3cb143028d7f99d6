// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the payload carried by link transfers.
//
// The engine never inspects a Message beyond copying it: every transfer hands
// the receiver its own Clone so that neither side can observe the other's
// later mutations.
package message

import (
	"maps"
	"slices"
)

// Header section.
type Header struct {
	Durable       bool
	Priority      uint8
	TTL           uint32 // milliseconds, 0 = no TTL
	FirstAcquirer bool
	DeliveryCount uint32
}

// Properties section.
type Properties struct {
	MessageID     any // string, uint64 or []byte
	UserID        []byte
	To            string
	Subject       string
	ReplyTo       string
	CorrelationID any
	ContentType   string
	GroupID       string
}

// Message is an application message with optional sections.
type Message struct {
	Header                *Header
	MessageAnnotations    map[string]any
	Properties            *Properties
	ApplicationProperties map[string]any
	Body                  any
}

// New returns a message carrying only a body.
func New(body any) *Message {
	return &Message{Body: body}
}

// Clone returns a deep copy of the message. Cloning nil yields nil.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		MessageAnnotations:    cloneMap(m.MessageAnnotations),
		ApplicationProperties: cloneMap(m.ApplicationProperties),
		Body:                  cloneValue(m.Body),
	}
	if m.Header != nil {
		h := *m.Header
		out.Header = &h
	}
	if m.Properties != nil {
		p := *m.Properties
		p.MessageID = cloneValue(p.MessageID)
		p.CorrelationID = cloneValue(p.CorrelationID)
		p.UserID = slices.Clone(p.UserID)
		out.Properties = &p
	}
	return out
}

// Size is a rough payload size used for metrics. Only byte and string
// bodies are counted.
func (m *Message) Size() int {
	if m == nil {
		return 0
	}
	switch b := m.Body.(type) {
	case []byte:
		return len(b)
	case string:
		return len(b)
	default:
		return 0
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return slices.Clone(val)
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
