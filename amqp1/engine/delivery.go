// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/absmach/fluxlink/amqp1/condition"
	"github.com/absmach/fluxlink/amqp1/message"
)

// DeliveryStatus is the terminal status reported to a DeliveryCallback.
type DeliveryStatus uint8

const (
	StatusUnknown DeliveryStatus = iota
	StatusAccepted
	StatusRejected
	StatusReleased
	StatusModified
	StatusAborted
	StatusTimedOut
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusReleased:
		return "released"
	case StatusModified:
		return "modified"
	case StatusAborted:
		return "aborted"
	case StatusTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// DeliveryInfo carries outcome specific data. Condition is set for
// StatusRejected and StatusAborted; the remaining fields for
// StatusModified.
type DeliveryInfo struct {
	Condition         *condition.Condition
	DeliveryFailed    bool
	UndeliverableHere bool
	Annotations       map[string]any
}

// DeliveryCallback observes the terminal outcome of a send. handle is the
// value given in SendOptions.
type DeliveryCallback func(link *SenderLink, handle any, status DeliveryStatus, info DeliveryInfo)

// DeliveryID identifies a message held by a receiver until it is settled.
type DeliveryID uint32

// SendOptions configures a single send.
type SendOptions struct {
	// Callback observes the outcome. A send without callback is
	// transferred presettled.
	Callback DeliveryCallback
	// Handle is an opaque token passed back to Callback.
	Handle any
	// Deadline is an absolute logical timestamp after which the delivery
	// times out. Zero means no deadline.
	Deadline time.Duration
}

type deliveryState uint8

const (
	deliveryQueued deliveryState = iota // waiting for credit
	deliverySent                        // transferred, awaiting settlement
	deliveryDone
)

// delivery is one send owned by its SenderLink until it is done.
type delivery struct {
	link     *SenderLink
	id       uint32
	handle   any
	msg      *message.Message
	callback DeliveryCallback
	deadline time.Duration
	created  time.Duration
	state    deliveryState
	status   DeliveryStatus
}

func (d *delivery) presettled() bool { return d.callback == nil }

// finish moves the delivery to its terminal status and notifies the
// callback through the connection dispatcher. It reports false if the
// delivery was already done.
func (d *delivery) finish(status DeliveryStatus, info DeliveryInfo) bool {
	if d.state == deliveryDone {
		return false
	}
	d.state = deliveryDone
	d.status = status

	c := d.link.conn
	c.stats.recordOutcome(status)
	if c.metrics != nil {
		c.metrics.RecordOutcome(status, c.clock.Now()-d.created)
	}
	if d.callback != nil {
		link, handle, cb := d.link, d.handle, d.callback
		c.dispatch(func() { cb(link, handle, status, info) })
	}
	return true
}
