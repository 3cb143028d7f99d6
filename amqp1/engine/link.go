// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"

	"github.com/absmach/fluxlink/amqp1/condition"
)

// LinkState is the lifecycle state of a link endpoint.
type LinkState uint8

const (
	LinkUninitialized LinkState = iota
	// LinkLocallyOpened means our attach is queued or sent and the peer
	// has not answered yet.
	LinkLocallyOpened
	LinkActive
	LinkLocallyClosed
	LinkRemotelyClosed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkUninitialized:
		return "uninitialized"
	case LinkLocallyOpened:
		return "locally-opened"
	case LinkActive:
		return "active"
	case LinkLocallyClosed:
		return "locally-closed"
	case LinkRemotelyClosed:
		return "remotely-closed"
	case LinkClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// LinkOptions configures link creation and acceptance.
type LinkOptions struct {
	// Name of the link. A random name is used when empty. Ignored on
	// accept, where the peer chose the name.
	Name string
	// SourceAddress and TargetAddress override the addresses the peer
	// asked for when accepting a link.
	SourceAddress string
	TargetAddress string
	Properties    map[string]any
}

// Link is the behavior shared by *SenderLink and *ReceiverLink.
type Link interface {
	Name() string
	State() LinkState
	Active() bool
	Closed() bool
	RemoteCondition() *condition.Condition
	Open()
	Close(cond *condition.Condition)
	Destroy()
}

// endpoint is the role specific half of a link.
type endpoint interface {
	base() *link
	onActive()
	onRemoteClosed(cond *condition.Condition)
	onClosed()
	handleFlow(f *flowFrame)
	handleTransfer(f *transferFrame)
	// release gives up outstanding work when the link starts closing
	// (final == false) and when it is fully closed (final == true).
	release(final bool)
	// discard drops outstanding work silently on destroy.
	discard()
}

// link holds the state shared by senders and receivers.
type link struct {
	conn   *Connection
	self   endpoint
	name   string
	role   Role
	handle uint32
	state  LinkState

	localSource  string
	localTarget  string
	remoteSource string
	remoteTarget string
	properties   map[string]any

	// Peer side of the link, known once its attach has been received.
	remoteHandle    uint32
	remoteAttached  bool
	remoteRefused   bool
	remoteCondition *condition.Condition

	attachSent   bool
	detachQueued bool
	localClose   *condition.Condition
	userContext  any
	destroyed    bool

	logger *slog.Logger
}

func (l *link) base() *link { return l }

// Name returns the link name.
func (l *link) Name() string { return l.name }

// State returns the current lifecycle state.
func (l *link) State() LinkState { return l.state }

// Active reports whether both attaches have been exchanged and neither
// side has detached.
func (l *link) Active() bool { return l.state == LinkActive }

// Closed reports whether both detaches have been exchanged.
func (l *link) Closed() bool { return l.state == LinkClosed }

// RemoteCondition returns a copy of the condition the peer detached with.
func (l *link) RemoteCondition() *condition.Condition { return l.remoteCondition.Clone() }

// UserContext returns the value stored with SetUserContext.
func (l *link) UserContext() any { return l.userContext }

// SetUserContext stores an opaque application value on the link.
func (l *link) SetUserContext(v any) { l.userContext = v }

// Properties returns the link properties.
func (l *link) Properties() map[string]any { return l.properties }

// Open queues the attach. It has no effect unless the link is
// uninitialized.
func (l *link) Open() {
	if l.destroyed || l.state != LinkUninitialized {
		return
	}
	l.state = LinkLocallyOpened
	l.logger.Debug("link opening", "handle", l.handle)
	l.conn.enqueue(&attachFrame{
		linkName:   l.name,
		handle:     l.handle,
		role:       l.role,
		source:     l.localSource,
		target:     l.localTarget,
		properties: l.properties,
	}, l.attachFlushed)
}

// attachFlushed completes an accepted link: its peer attached first, so
// the link is active once our own attach leaves.
func (l *link) attachFlushed() {
	if l.destroyed {
		return
	}
	l.attachSent = true
	if l.state == LinkLocallyOpened && l.remoteAttached && !l.remoteRefused {
		l.activate()
	}
}

func (l *link) activate() {
	l.state = LinkActive
	l.logger.Debug("link active")
	l.conn.stats.IncrementLinks()
	if m := l.conn.metrics; m != nil {
		m.RecordLinkAttached()
	}
	l.conn.dispatch(l.self.onActive)
}

// deactivate undoes the accounting done by activate when an active link
// starts closing.
func (l *link) deactivate() {
	if l.state != LinkActive {
		return
	}
	l.conn.stats.DecrementLinks()
	if m := l.conn.metrics; m != nil {
		m.RecordLinkDetached()
	}
}

// Close queues a detach carrying cond, which may be nil. Closing a link
// that was never opened closes it immediately.
func (l *link) Close(cond *condition.Condition) {
	if l.destroyed || l.detachQueued {
		return
	}
	switch l.state {
	case LinkUninitialized:
		l.state = LinkClosed
		return
	case LinkLocallyOpened, LinkActive:
		l.deactivate()
		l.state = LinkLocallyClosed
	case LinkRemotelyClosed:
	default:
		return
	}
	l.localClose = cond.Clone()
	l.detachQueued = true
	l.logger.Debug("link closing", "condition", cond)
	l.conn.enqueue(&detachFrame{
		handle: l.handle,
		closed: true,
		err:    cond.Clone(),
	}, l.detachFlushed)
	l.self.release(false)
}

// closeCondition is the condition reported to deliveries aborted by a
// close: ours if we closed with one, otherwise the peer's.
func (l *link) closeCondition() *condition.Condition {
	if l.localClose != nil {
		return l.localClose.Clone()
	}
	return l.remoteCondition.Clone()
}

// detachFlushed finishes a close that answers the peer's detach.
func (l *link) detachFlushed() {
	if !l.destroyed && l.state == LinkRemotelyClosed {
		l.finishClose()
	}
}

func (l *link) finishClose() {
	l.state = LinkClosed
	l.logger.Debug("link closed")
	l.self.release(true)
	l.conn.dispatch(l.self.onClosed)
}

// Destroy removes the link from its connection without firing any more
// callbacks. A link that is still attached is detached silently, and an
// accepted peer attach that was never answered is refused.
func (l *link) Destroy() {
	if l.destroyed {
		return
	}
	switch l.state {
	case LinkLocallyOpened, LinkActive, LinkRemotelyClosed:
		l.deactivate()
		switch {
		case !l.attachSent:
			l.conn.dropOutbound(l.handle)
		case !l.detachQueued:
			l.conn.enqueue(&detachFrame{handle: l.handle, closed: true}, nil)
		}
	}
	if l.remoteAttached && !l.attachSent {
		// The peer is waiting on an answer to its attach: refuse it.
		l.conn.enqueue(&attachFrame{
			linkName: l.name,
			handle:   l.handle,
			role:     l.role,
			refused:  true,
		}, nil)
		l.conn.enqueue(&detachFrame{handle: l.handle, closed: true}, nil)
	}
	l.destroyed = true
	l.self.discard()
	l.conn.removeLink(l)
	l.logger.Debug("link destroyed")
}

// handleAttach processes the peer's answer to a locally initiated attach.
func (l *link) handleAttach(f *attachFrame) {
	l.remoteHandle = f.handle
	l.remoteAttached = true
	l.remoteRefused = f.refused
	l.remoteSource = f.source
	l.remoteTarget = f.target
	if l.state == LinkLocallyOpened && !f.refused {
		l.activate()
	}
}

func (l *link) handleDetach(f *detachFrame) {
	l.remoteCondition = f.err.Clone()
	switch l.state {
	case LinkLocallyClosed:
		l.finishClose()
	case LinkUninitialized, LinkLocallyOpened, LinkActive:
		l.deactivate()
		l.state = LinkRemotelyClosed
		l.logger.Debug("link remotely closed", "condition", f.err)
		cond := f.err.Clone()
		l.conn.dispatch(func() { l.self.onRemoteClosed(cond) })
	}
}
