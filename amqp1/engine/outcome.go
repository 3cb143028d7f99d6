// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"maps"

	"github.com/absmach/fluxlink/amqp1/condition"
)

// Outcome is the terminal state a receiver assigns to a delivery.
type Outcome interface {
	Status() DeliveryStatus
	info() DeliveryInfo
}

// Accepted outcome.
type Accepted struct{}

// Rejected outcome with optional error.
type Rejected struct {
	Error *condition.Condition
}

// Released outcome.
type Released struct{}

// Modified outcome.
type Modified struct {
	DeliveryFailed     bool
	UndeliverableHere  bool
	MessageAnnotations map[string]any
}

func (Accepted) Status() DeliveryStatus { return StatusAccepted }
func (Rejected) Status() DeliveryStatus { return StatusRejected }
func (Released) Status() DeliveryStatus { return StatusReleased }
func (Modified) Status() DeliveryStatus { return StatusModified }

func (Accepted) info() DeliveryInfo { return DeliveryInfo{} }
func (Released) info() DeliveryInfo { return DeliveryInfo{} }

func (r Rejected) info() DeliveryInfo {
	return DeliveryInfo{Condition: r.Error.Clone()}
}

func (m Modified) info() DeliveryInfo {
	return DeliveryInfo{
		DeliveryFailed:    m.DeliveryFailed,
		UndeliverableHere: m.UndeliverableHere,
		Annotations:       maps.Clone(m.MessageAnnotations),
	}
}
