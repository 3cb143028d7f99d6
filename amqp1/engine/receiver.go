// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"maps"
	"math"

	"github.com/absmach/fluxlink/amqp1/condition"
)

// ReceiverLink accepts transfers up to the capacity it grants.
type ReceiverLink struct {
	link
	handler ReceiverHandler

	capacity      int
	deliveryCount uint32
	// unsettled maps a received delivery to whether the sender already
	// settled it.
	unsettled map[DeliveryID]bool
}

// TargetAddress returns the local target address.
func (r *ReceiverLink) TargetAddress() string { return r.localTarget }

// SourceAddress returns the source address the peer attached with. It is
// empty until the peer's attach arrives.
func (r *ReceiverLink) SourceAddress() string { return r.remoteSource }

// Capacity returns the granted credit not yet consumed by transfers.
func (r *ReceiverLink) Capacity() int { return r.capacity }

// AddCapacity grants n more messages of credit. The peer is told the new
// total window on the next exchange. The window never exceeds MaxUint32.
func (r *ReceiverLink) AddCapacity(n int) error {
	switch {
	case r.destroyed:
		return ErrLinkDestroyed
	case n < 0:
		return fmt.Errorf("%w: negative capacity %d", ErrInvalidArgument, n)
	case int64(n) > math.MaxUint32-int64(r.capacity):
		return fmt.Errorf("%w: capacity %d plus %d exceeds the credit window", ErrInvalidArgument, r.capacity, n)
	case r.state != LinkActive:
		return fmt.Errorf("%w: receiver %q is %s", ErrLinkNotActive, r.name, r.state)
	case n == 0:
		return nil
	}
	r.capacity += n
	r.logger.Debug("capacity added", "added", n, "capacity", r.capacity)
	r.conn.enqueue(&flowFrame{
		handle:        r.handle,
		deliveryCount: r.deliveryCount,
		linkCredit:    uint32(r.capacity),
	}, nil)
	return nil
}

// Accept settles id with the accepted outcome.
func (r *ReceiverLink) Accept(id DeliveryID) error {
	return r.settle(id, Accepted{})
}

// Release settles id with the released outcome.
func (r *ReceiverLink) Release(id DeliveryID) error {
	return r.settle(id, Released{})
}

// Reject settles id with the rejected outcome. cond may be nil.
func (r *ReceiverLink) Reject(id DeliveryID, cond *condition.Condition) error {
	return r.settle(id, Rejected{Error: cond.Clone()})
}

// Modify settles id with the modified outcome.
func (r *ReceiverLink) Modify(id DeliveryID, deliveryFailed, undeliverableHere bool, annotations map[string]any) error {
	return r.settle(id, Modified{
		DeliveryFailed:     deliveryFailed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: maps.Clone(annotations),
	})
}

func (r *ReceiverLink) settle(id DeliveryID, state Outcome) error {
	if r.destroyed {
		return ErrLinkDestroyed
	}
	presettled, ok := r.unsettled[id]
	if !ok {
		return fmt.Errorf("%w: %d on receiver %q", ErrUnknownDelivery, id, r.name)
	}
	delete(r.unsettled, id)
	r.logger.Debug("settling", "delivery_id", id, "status", state.Status(), "presettled", presettled)
	if presettled {
		return nil
	}
	r.conn.enqueue(&dispositionFrame{
		deliveryID: uint32(id),
		settled:    true,
		state:      state,
	}, nil)
	return nil
}

func (r *ReceiverLink) handleFlow(*flowFrame) {}

func (r *ReceiverLink) handleTransfer(f *transferFrame) {
	if r.state != LinkActive {
		r.logger.Debug("transfer dropped", "delivery_id", f.deliveryID, "state", r.state)
		return
	}
	if r.capacity == 0 {
		r.logger.Warn("transfer exceeds granted credit", "delivery_id", f.deliveryID)
		r.Close(condition.New(condition.TransferLimitExceeded, "transfer received without credit", nil))
		return
	}
	r.capacity--
	r.deliveryCount++
	id := DeliveryID(f.deliveryID)
	r.unsettled[id] = f.settled

	c := r.conn
	msg := f.message.Clone()
	size := msg.Size()
	c.stats.IncrementTransfersReceived(uint64(size))
	if c.metrics != nil {
		c.metrics.RecordTransferReceived(int64(size))
	}
	r.logger.Debug("message received", "delivery_id", id, "capacity", r.capacity)
	c.dispatch(func() { r.handler.MessageReceived(r, msg, id) })
}

func (r *ReceiverLink) release(final bool) {
	if final {
		clear(r.unsettled)
		r.capacity = 0
	}
}

func (r *ReceiverLink) discard() { clear(r.unsettled) }

func (r *ReceiverLink) onActive() { r.handler.Active(r) }

func (r *ReceiverLink) onRemoteClosed(cond *condition.Condition) { r.handler.RemoteClosed(r, cond) }

func (r *ReceiverLink) onClosed() { r.handler.Closed(r) }
