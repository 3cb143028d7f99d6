// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/absmach/fluxlink/amqp1/condition"
	"github.com/absmach/fluxlink/amqp1/message"
	"github.com/absmach/fluxlink/clock"
)

// SenderLink transfers messages to the peer as credit allows.
type SenderLink struct {
	link
	handler SenderHandler

	credit        int
	deliveryCount uint32
	// creditZero is set while the last observed credit was zero; the
	// CreditGranted callback only fires when it clears.
	creditZero bool

	queue   []*delivery          // waiting for credit, in send order
	unacked map[uint32]*delivery // transferred, awaiting settlement
}

// SourceAddress returns the local source address.
func (s *SenderLink) SourceAddress() string { return s.localSource }

// TargetAddress returns the target address the peer attached with. It is
// empty until the peer's attach arrives.
func (s *SenderLink) TargetAddress() string { return s.remoteTarget }

// Credit returns how many more messages may be transferred right now.
func (s *SenderLink) Credit() int { return s.credit }

// Pending returns the number of sends waiting for credit plus those
// transferred but not yet settled.
func (s *SenderLink) Pending() int { return len(s.queue) + len(s.unacked) }

// Send queues msg for transfer. It is transferred immediately if credit is
// available, otherwise once the receiver grants more. The outcome is
// reported to opts.Callback.
func (s *SenderLink) Send(msg *message.Message, opts SendOptions) error {
	switch {
	case s.destroyed:
		return ErrLinkDestroyed
	case s.state != LinkActive:
		return fmt.Errorf("%w: sender %q is %s", ErrLinkNotActive, s.name, s.state)
	case msg == nil:
		return fmt.Errorf("%w: nil message", ErrInvalidArgument)
	case opts.Deadline < 0:
		return fmt.Errorf("%w: negative deadline %v", ErrInvalidArgument, opts.Deadline)
	}

	d := &delivery{
		link:     s,
		handle:   opts.Handle,
		msg:      msg.Clone(),
		callback: opts.Callback,
		deadline: opts.Deadline,
		created:  s.conn.clock.Now(),
	}
	s.queue = append(s.queue, d)
	s.flushQueue()
	return nil
}

// flushQueue transfers queued deliveries in order while credit lasts.
func (s *SenderLink) flushQueue() {
	if s.state != LinkActive {
		return
	}
	for s.credit > 0 && len(s.queue) > 0 {
		d := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.transfer(d)
	}
	if s.credit == 0 {
		s.creditZero = true
	}
}

func (s *SenderLink) transfer(d *delivery) {
	c := s.conn
	d.id = c.nextDeliveryID()
	d.state = deliverySent
	s.credit--
	s.deliveryCount++

	settled := d.presettled()
	c.enqueue(&transferFrame{
		handle:     s.handle,
		deliveryID: d.id,
		settled:    settled,
		message:    d.msg,
	}, nil)
	size := d.msg.Size()
	c.stats.IncrementTransfersSent(uint64(size))
	if c.metrics != nil {
		c.metrics.RecordTransferSent(int64(size))
	}
	s.logger.Debug("transfer", "delivery_id", d.id, "settled", settled, "credit", s.credit)

	if settled {
		d.state = deliveryDone
		return
	}
	s.unacked[d.id] = d
	c.unsettled[d.id] = d
}

func (s *SenderLink) handleFlow(f *flowFrame) {
	if s.state != LinkActive {
		return
	}
	avail := int64(f.deliveryCount) + int64(f.linkCredit) - int64(s.deliveryCount)
	s.credit = int(max(avail, 0))
	s.logger.Debug("flow", "delivery_count", f.deliveryCount, "link_credit", f.linkCredit, "credit", s.credit)

	s.flushQueue()
	if s.credit > 0 && s.creditZero {
		s.creditZero = false
		s.conn.stats.IncrementCreditGrants()
		s.conn.dispatch(func() { s.handler.CreditGranted(s) })
	}
}

func (s *SenderLink) handleTransfer(f *transferFrame) {
	s.logger.Warn("transfer received on sender link", "delivery_id", f.deliveryID)
}

// settle applies the peer's outcome to an unsettled delivery.
func (s *SenderLink) settle(d *delivery, state Outcome) {
	s.forget(d)
	var info DeliveryInfo
	status := StatusUnknown
	if state != nil {
		status = state.Status()
		info = state.info()
	}
	s.logger.Debug("delivery settled", "delivery_id", d.id, "status", status)
	d.finish(status, info)
}

// expire times out every delivery whose deadline has been reached, queued
// ones first, each group in send order.
func (s *SenderLink) expire() int {
	if len(s.queue) == 0 && len(s.unacked) == 0 {
		return 0
	}
	clk := s.conn.clock
	var expired []*delivery
	kept := s.queue[:0]
	for _, d := range s.queue {
		if clk.Expired(d.deadline) {
			expired = append(expired, d)
			continue
		}
		kept = append(kept, d)
	}
	clear(s.queue[len(kept):])
	s.queue = kept

	for _, id := range slices.Sorted(maps.Keys(s.unacked)) {
		d := s.unacked[id]
		if clk.Expired(d.deadline) {
			s.forget(d)
			expired = append(expired, d)
		}
	}

	for _, d := range expired {
		s.logger.Debug("delivery timed out", "handle", d.handle, "deadline", d.deadline)
		d.finish(StatusTimedOut, DeliveryInfo{})
	}
	return len(expired)
}

// nextDeadline returns the earliest deadline among outstanding deliveries,
// zero if none.
func (s *SenderLink) nextDeadline() time.Duration {
	var next time.Duration
	for _, d := range s.queue {
		next = clock.Earliest(next, d.deadline)
	}
	for _, d := range s.unacked {
		next = clock.Earliest(next, d.deadline)
	}
	return next
}

// abort finishes outstanding deliveries with StatusAborted. Unacked ones
// are only aborted when all is true.
func (s *SenderLink) abort(cond *condition.Condition, all bool) {
	pending := s.queue
	s.queue = nil
	if all {
		for _, id := range slices.Sorted(maps.Keys(s.unacked)) {
			d := s.unacked[id]
			s.forget(d)
			pending = append(pending, d)
		}
	}
	for _, d := range pending {
		d.finish(StatusAborted, DeliveryInfo{Condition: cond.Clone()})
	}
}

func (s *SenderLink) release(final bool) {
	s.abort(s.closeCondition(), final)
	if final {
		s.credit = 0
	}
}

func (s *SenderLink) discard() {
	for id := range s.unacked {
		delete(s.conn.unsettled, id)
	}
	clear(s.unacked)
	s.queue = nil
}

func (s *SenderLink) forget(d *delivery) {
	delete(s.unacked, d.id)
	delete(s.conn.unsettled, d.id)
}

func (s *SenderLink) onActive() { s.handler.Active(s) }

func (s *SenderLink) onRemoteClosed(cond *condition.Condition) { s.handler.RemoteClosed(s, cond) }

func (s *SenderLink) onClosed() { s.handler.Closed(s) }
