// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/absmach/fluxlink/amqp1/condition"
	"github.com/absmach/fluxlink/amqp1/message"
)

// LinkHandle identifies a link the peer asked for. Pass it to
// AcceptSender/AcceptReceiver or RejectSender/RejectReceiver.
type LinkHandle uint32

// LinkRequest describes a link the peer attached.
type LinkRequest struct {
	Name          string
	SourceAddress string
	TargetAddress string
	Properties    map[string]any
}

// ConnectionHandler receives connection level events.
type ConnectionHandler interface {
	// SenderRequested is called when the peer attached a receiving link and
	// expects a local sender.
	SenderRequested(c *Connection, h LinkHandle, req LinkRequest)
	// ReceiverRequested is called when the peer attached a sending link and
	// expects a local receiver.
	ReceiverRequested(c *Connection, h LinkHandle, req LinkRequest)
	RemoteClosed(c *Connection, cond *condition.Condition)
	Closed(c *Connection)
	// Failed is called when the connection is torn down by the engine,
	// e.g. when the local idle timeout expires.
	Failed(c *Connection, cond *condition.Condition)
}

// SenderHandler receives sender link events.
type SenderHandler interface {
	Active(s *SenderLink)
	// CreditGranted is called when credit goes from zero to positive.
	CreditGranted(s *SenderLink)
	RemoteClosed(s *SenderLink, cond *condition.Condition)
	Closed(s *SenderLink)
}

// ReceiverHandler receives receiver link events.
type ReceiverHandler interface {
	Active(r *ReceiverLink)
	// MessageReceived hands over a message. The receiver must eventually
	// settle id with Accept, Release, Reject or Modify.
	MessageReceived(r *ReceiverLink, msg *message.Message, id DeliveryID)
	RemoteClosed(r *ReceiverLink, cond *condition.Condition)
	Closed(r *ReceiverLink)
}

// NopConnectionHandler ignores every event. Embed it to implement only
// the events you care about.
type NopConnectionHandler struct{}

func (NopConnectionHandler) SenderRequested(*Connection, LinkHandle, LinkRequest)   {}
func (NopConnectionHandler) ReceiverRequested(*Connection, LinkHandle, LinkRequest) {}
func (NopConnectionHandler) RemoteClosed(*Connection, *condition.Condition)         {}
func (NopConnectionHandler) Closed(*Connection)                                     {}
func (NopConnectionHandler) Failed(*Connection, *condition.Condition)               {}

// NopSenderHandler ignores every sender event.
type NopSenderHandler struct{}

func (NopSenderHandler) Active(*SenderLink)                             {}
func (NopSenderHandler) CreditGranted(*SenderLink)                      {}
func (NopSenderHandler) RemoteClosed(*SenderLink, *condition.Condition) {}
func (NopSenderHandler) Closed(*SenderLink)                             {}

// NopReceiverHandler ignores every receiver event.
type NopReceiverHandler struct{}

func (NopReceiverHandler) Active(*ReceiverLink)                                        {}
func (NopReceiverHandler) MessageReceived(*ReceiverLink, *message.Message, DeliveryID) {}
func (NopReceiverHandler) RemoteClosed(*ReceiverLink, *condition.Condition)            {}
func (NopReceiverHandler) Closed(*ReceiverLink)                                        {}
