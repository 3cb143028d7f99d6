// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/absmach/fluxlink/amqp1/condition"
	"github.com/absmach/fluxlink/amqp1/message"
)

// Role is the link role carried in attach frames.
type Role bool

const (
	RoleSender   Role = false
	RoleReceiver Role = true
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// performative is a protocol frame body queued between two connections.
type performative interface {
	name() string
}

type openFrame struct {
	containerID string
	idleTimeout time.Duration
}

type attachFrame struct {
	linkName   string
	handle     uint32
	role       Role
	source     string
	target     string
	properties map[string]any
	// refused is set when the attach only precedes a rejecting detach.
	refused bool
}

// flowFrame carries the receiver's absolute credit window: the sender may
// transfer until its delivery count reaches deliveryCount+linkCredit.
type flowFrame struct {
	handle        uint32
	deliveryCount uint32
	linkCredit    uint32
}

type transferFrame struct {
	handle     uint32
	deliveryID uint32
	settled    bool
	message    *message.Message
}

type dispositionFrame struct {
	deliveryID uint32
	settled    bool
	state      Outcome
}

type detachFrame struct {
	handle uint32
	closed bool
	err    *condition.Condition
}

type closeFrame struct {
	err *condition.Condition
}

// emptyFrame is the keepalive sent to satisfy the peer's idle timeout.
type emptyFrame struct{}

func (*openFrame) name() string        { return "open" }
func (*attachFrame) name() string      { return "attach" }
func (*flowFrame) name() string        { return "flow" }
func (*transferFrame) name() string    { return "transfer" }
func (*dispositionFrame) name() string { return "disposition" }
func (*detachFrame) name() string      { return "detach" }
func (*closeFrame) name() string       { return "close" }
func (*emptyFrame) name() string       { return "empty" }

// frameHandle returns the link handle a frame belongs to, if any.
func frameHandle(p performative) (uint32, bool) {
	switch f := p.(type) {
	case *attachFrame:
		return f.handle, true
	case *flowFrame:
		return f.handle, true
	case *transferFrame:
		return f.handle, true
	case *detachFrame:
		return f.handle, true
	default:
		return 0, false
	}
}

// outgoing is a queued frame plus an optional hook run when it is
// handed to the peer.
type outgoing struct {
	perf   performative
	onSent func()
}
