// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/absmach/fluxlink/amqp1/condition"
	"github.com/absmach/fluxlink/clock"
	"github.com/google/uuid"
)

// Options configures a Connection.
type Options struct {
	// ContainerID announced in the open frame. A random ID is used when
	// empty.
	ContainerID string
	// IdleTimeout is the local idle timeout. The peer must send something
	// at least every IdleTimeout/2; if nothing arrives for IdleTimeout the
	// connection fails. Zero disables it.
	IdleTimeout time.Duration
	// Start is the initial logical timestamp.
	Start   time.Duration
	Logger  *slog.Logger
	Stats   *Stats
	Metrics *Metrics // nil disables OTel metrics
}

// Connection is one endpoint of a simulated AMQP connection. It owns its
// links, their deliveries and the queue of frames waiting to be exchanged
// with the peer.
type Connection struct {
	name        string
	containerID string
	handler     ConnectionHandler
	clock       *clock.Clock

	idleTimeout       time.Duration
	remoteIdleTimeout time.Duration
	remoteContainerID string
	lastRx            time.Duration
	lastTx            time.Duration

	opened       bool
	remoteOpened bool
	closeSent    bool
	closeFlushed bool
	remoteClosed bool
	closedFired  bool
	failed       bool
	destroyed    bool

	nextHandle uint32
	nextID     uint32
	links      map[uint32]endpoint // local handle -> link
	remote     map[uint32]endpoint // peer handle -> link
	requests   map[uint32]*pendingRequest
	unsettled  map[uint32]*delivery // delivery ID -> sent, unsettled delivery

	outbound []outgoing

	inCallback bool
	deferred   []func()

	stats   *Stats
	metrics *Metrics
	logger  *slog.Logger
}

// NewConnection creates a connection endpoint. A nil handler ignores all
// connection events.
func NewConnection(name string, handler ConnectionHandler, opts Options) *Connection {
	if handler == nil {
		handler = NopConnectionHandler{}
	}
	if opts.ContainerID == "" {
		opts.ContainerID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stats == nil {
		opts.Stats = NewStats()
	}
	return &Connection{
		name:        name,
		containerID: opts.ContainerID,
		handler:     handler,
		clock:       clock.New(opts.Start),
		idleTimeout: opts.IdleTimeout,
		lastRx:      opts.Start,
		lastTx:      opts.Start,
		links:       make(map[uint32]endpoint),
		remote:      make(map[uint32]endpoint),
		requests:    make(map[uint32]*pendingRequest),
		unsettled:   make(map[uint32]*delivery),
		stats:       opts.Stats,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("connection", name),
	}
}

// Name returns the connection name.
func (c *Connection) Name() string { return c.name }

// ContainerID returns the local container ID.
func (c *Connection) ContainerID() string { return c.containerID }

// RemoteContainerID returns the peer's container ID once its open arrived.
func (c *Connection) RemoteContainerID() string { return c.remoteContainerID }

// Now returns the connection's current logical timestamp.
func (c *Connection) Now() time.Duration { return c.clock.Now() }

// Stats returns the connection statistics.
func (c *Connection) Stats() *Stats { return c.stats }

// Failed reports whether the engine tore the connection down.
func (c *Connection) Failed() bool { return c.failed }

// Open queues the open frame announcing the container ID and idle timeout.
func (c *Connection) Open() {
	if c.destroyed || c.opened {
		return
	}
	c.opened = true
	c.enqueue(&openFrame{containerID: c.containerID, idleTimeout: c.idleTimeout}, nil)
}

// Close queues a close frame carrying cond, which may be nil.
func (c *Connection) Close(cond *condition.Condition) {
	if c.destroyed || c.failed || c.closeSent {
		return
	}
	c.closeSent = true
	c.enqueue(&closeFrame{err: cond.Clone()}, func() {
		c.closeFlushed = true
		c.notifyClosed()
	})
}

// notifyClosed fires Closed once both close frames have crossed.
func (c *Connection) notifyClosed() {
	if c.closedFired || !c.closeFlushed || !c.remoteClosed {
		return
	}
	c.closedFired = true
	c.dispatch(func() { c.handler.Closed(c) })
}

// Destroy releases every link and delivery without firing callbacks.
func (c *Connection) Destroy() {
	if c.destroyed {
		return
	}
	for _, h := range slices.Sorted(maps.Keys(c.links)) {
		c.links[h].base().Destroy()
	}
	clear(c.remote)
	clear(c.requests)
	clear(c.unsettled)
	c.outbound = nil
	c.deferred = nil
	c.destroyed = true
	c.logger.Debug("connection destroyed")
}

// Links returns the connection's links in creation order.
func (c *Connection) Links() []Link {
	out := make([]Link, 0, len(c.links))
	for _, h := range slices.Sorted(maps.Keys(c.links)) {
		out = append(out, c.links[h].(Link))
	}
	return out
}

// CreateSender creates a sender link sending from source to the peer's
// target. Call Open on it to attach.
func (c *Connection) CreateSender(source, target string, h SenderHandler, opts LinkOptions) (*SenderLink, error) {
	if c.destroyed {
		return nil, ErrConnectionDestroyed
	}
	if target == "" {
		return nil, fmt.Errorf("%w: sender requires a target address", ErrInvalidArgument)
	}
	s := c.newSender(opts.Name, h, opts.Properties)
	s.localSource = source
	s.localTarget = target
	return s, nil
}

// CreateReceiver creates a receiver link receiving at target from the
// peer's source. Call Open on it to attach.
func (c *Connection) CreateReceiver(target, source string, h ReceiverHandler, opts LinkOptions) (*ReceiverLink, error) {
	if c.destroyed {
		return nil, ErrConnectionDestroyed
	}
	if source == "" {
		return nil, fmt.Errorf("%w: receiver requires a source address", ErrInvalidArgument)
	}
	r := c.newReceiver(opts.Name, h, opts.Properties)
	r.localTarget = target
	r.localSource = source
	return r, nil
}

// AcceptSender materializes the sender the peer asked for in a
// SenderRequested event. Call Open on it to complete the attach.
func (c *Connection) AcceptSender(lh LinkHandle, h SenderHandler, opts LinkOptions) (*SenderLink, error) {
	req, err := c.takeRequest(lh, RoleReceiver)
	if err != nil {
		return nil, err
	}
	s := c.newSender(req.Name, h, opts.Properties)
	s.localSource = pick(opts.SourceAddress, req.SourceAddress)
	s.localTarget = pick(opts.TargetAddress, req.TargetAddress)
	c.bindRemote(s, lh, req)
	return s, nil
}

// AcceptReceiver materializes the receiver the peer asked for in a
// ReceiverRequested event. Call Open on it to complete the attach.
func (c *Connection) AcceptReceiver(lh LinkHandle, h ReceiverHandler, opts LinkOptions) (*ReceiverLink, error) {
	req, err := c.takeRequest(lh, RoleSender)
	if err != nil {
		return nil, err
	}
	r := c.newReceiver(req.Name, h, opts.Properties)
	r.localSource = pick(opts.SourceAddress, req.SourceAddress)
	r.localTarget = pick(opts.TargetAddress, req.TargetAddress)
	c.bindRemote(r, lh, req)
	return r, nil
}

// RejectSender refuses a SenderRequested link; the peer sees its link
// remotely closed with cond.
func (c *Connection) RejectSender(lh LinkHandle, cond *condition.Condition) error {
	return c.reject(lh, RoleReceiver, RoleSender, cond)
}

// RejectReceiver refuses a ReceiverRequested link; the peer sees its link
// remotely closed with cond.
func (c *Connection) RejectReceiver(lh LinkHandle, cond *condition.Condition) error {
	return c.reject(lh, RoleSender, RoleReceiver, cond)
}

func (c *Connection) reject(lh LinkHandle, peerRole, localRole Role, cond *condition.Condition) error {
	req, err := c.takeRequest(lh, peerRole)
	if err != nil {
		return err
	}
	h := c.allocHandle()
	c.enqueue(&attachFrame{
		linkName: req.Name,
		handle:   h,
		role:     localRole,
		refused:  true,
	}, nil)
	c.enqueue(&detachFrame{handle: h, closed: true, err: cond.Clone()}, nil)
	c.logger.Debug("link request rejected", "link", req.Name, "condition", cond)
	return nil
}

// Deadline returns the next timestamp at which ProcessAt has work to do on
// its own: the earliest pending delivery deadline, the local idle expiry
// or the keepalive owed to the peer.
func (c *Connection) Deadline() (time.Duration, bool) {
	if c.destroyed || c.failed {
		return 0, false
	}
	var next time.Duration
	for _, l := range c.links {
		if s, ok := l.(*SenderLink); ok {
			next = clock.Earliest(next, s.nextDeadline())
		}
	}
	if c.opened && c.idleTimeout > 0 {
		next = clock.Earliest(next, c.lastRx+c.idleTimeout)
	}
	if c.opened && !c.closeSent && c.remoteIdleTimeout > 0 {
		next = clock.Earliest(next, c.lastTx+c.remoteIdleTimeout/2)
	}
	return next, next > 0
}

func (c *Connection) newSender(name string, h SenderHandler, props map[string]any) *SenderLink {
	if h == nil {
		h = NopSenderHandler{}
	}
	s := &SenderLink{
		handler:    h,
		creditZero: true,
		unacked:    make(map[uint32]*delivery),
	}
	c.initLink(&s.link, s, name, RoleSender, props)
	return s
}

func (c *Connection) newReceiver(name string, h ReceiverHandler, props map[string]any) *ReceiverLink {
	if h == nil {
		h = NopReceiverHandler{}
	}
	r := &ReceiverLink{
		handler:   h,
		unsettled: make(map[DeliveryID]bool),
	}
	c.initLink(&r.link, r, name, RoleReceiver, props)
	return r
}

func (c *Connection) initLink(l *link, self endpoint, name string, role Role, props map[string]any) {
	if name == "" {
		name = uuid.NewString()
	}
	l.conn = c
	l.self = self
	l.name = name
	l.role = role
	l.handle = c.allocHandle()
	l.properties = maps.Clone(props)
	l.logger = c.logger.With("link", name, "role", role)
	c.links[l.handle] = self
}

func (c *Connection) bindRemote(e endpoint, lh LinkHandle, req *LinkRequest) {
	l := e.base()
	l.remoteHandle = uint32(lh)
	l.remoteAttached = true
	l.remoteSource = req.SourceAddress
	l.remoteTarget = req.TargetAddress
	c.remote[uint32(lh)] = e
}

func (c *Connection) takeRequest(lh LinkHandle, peerRole Role) (*LinkRequest, error) {
	if c.destroyed {
		return nil, ErrConnectionDestroyed
	}
	req, ok := c.requests[uint32(lh)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLinkRequest, lh)
	}
	if req.role != peerRole {
		return nil, fmt.Errorf("%w: link %q was requested by a %s", ErrInvalidArgument, req.Name, req.role)
	}
	delete(c.requests, uint32(lh))
	return &req.LinkRequest, nil
}

func (c *Connection) removeLink(l *link) {
	delete(c.links, l.handle)
	if l.remoteAttached {
		if e, ok := c.remote[l.remoteHandle]; ok && e.base() == l {
			delete(c.remote, l.remoteHandle)
		}
	}
}

func (c *Connection) allocHandle() uint32 {
	h := c.nextHandle
	c.nextHandle++
	return h
}

func (c *Connection) nextDeliveryID() uint32 {
	id := c.nextID
	c.nextID++
	return id
}

// enqueue appends a frame to the outbound queue. onSent, if set, runs when
// the frame is handed to the peer.
func (c *Connection) enqueue(p performative, onSent func()) {
	if c.destroyed || c.failed {
		return
	}
	c.outbound = append(c.outbound, outgoing{perf: p, onSent: onSent})
}

// dropOutbound removes queued frames belonging to a link handle.
func (c *Connection) dropOutbound(handle uint32) {
	c.outbound = slices.DeleteFunc(c.outbound, func(o outgoing) bool {
		h, ok := frameHandle(o.perf)
		return ok && h == handle
	})
}

// takeOutbound hands the queued frames to the exchange engine.
func (c *Connection) takeOutbound() []outgoing {
	out := c.outbound
	c.outbound = nil
	return out
}

// dispatch runs an application callback. Callbacks triggered while another
// one is running are deferred until it returns, so handlers never re-enter
// the engine mid-update.
func (c *Connection) dispatch(fn func()) {
	if c.inCallback {
		c.deferred = append(c.deferred, fn)
		return
	}
	c.inCallback = true
	defer func() { c.inCallback = false }()
	fn()
	for len(c.deferred) > 0 {
		next := c.deferred[0]
		c.deferred[0] = nil
		c.deferred = c.deferred[1:]
		next()
	}
}

// receive applies one frame from the peer.
func (c *Connection) receive(p performative) {
	if c.destroyed || c.failed {
		return
	}
	c.lastRx = c.clock.Now()
	c.stats.IncrementFramesReceived()
	c.logger.Debug("frame received", "frame", p.name())

	switch f := p.(type) {
	case *openFrame:
		c.remoteOpened = true
		c.remoteContainerID = f.containerID
		c.remoteIdleTimeout = f.idleTimeout
	case *attachFrame:
		c.handleAttach(f)
	case *flowFrame:
		if l := c.remoteLink(f.handle, p); l != nil {
			l.handleFlow(f)
		}
	case *transferFrame:
		if l := c.remoteLink(f.handle, p); l != nil {
			l.handleTransfer(f)
		}
	case *dispositionFrame:
		d, ok := c.unsettled[f.deliveryID]
		if !ok {
			c.logger.Debug("settlement for unknown delivery ignored", "delivery_id", f.deliveryID)
			return
		}
		d.link.settle(d, f.state)
	case *detachFrame:
		c.handleDetach(f)
	case *closeFrame:
		c.remoteClosed = true
		cond := f.err.Clone()
		c.dispatch(func() { c.handler.RemoteClosed(c, cond) })
		c.notifyClosed()
	case *emptyFrame:
		c.stats.IncrementKeepalivesReceived()
	}
}

func (c *Connection) remoteLink(handle uint32, p performative) endpoint {
	l, ok := c.remote[handle]
	if !ok {
		c.logger.Debug("frame for unattached handle ignored", "frame", p.name(), "handle", handle)
		return nil
	}
	return l
}

func (c *Connection) handleAttach(f *attachFrame) {
	// An answer to one of our own attaches carries the same name and the
	// opposite role.
	for _, h := range slices.Sorted(maps.Keys(c.links)) {
		e := c.links[h]
		l := e.base()
		if l.name == f.linkName && l.role != f.role && l.attachSent && !l.remoteAttached {
			c.remote[f.handle] = e
			l.handleAttach(f)
			return
		}
	}

	req := &pendingRequest{
		role: f.role,
		LinkRequest: LinkRequest{
			Name:          f.linkName,
			SourceAddress: f.source,
			TargetAddress: f.target,
			Properties:    maps.Clone(f.properties),
		},
	}
	c.requests[f.handle] = req
	lh := LinkHandle(f.handle)
	c.logger.Debug("link requested", "link", f.linkName, "peer_role", f.role)
	if f.role == RoleSender {
		c.dispatch(func() { c.handler.ReceiverRequested(c, lh, req.LinkRequest) })
		return
	}
	c.dispatch(func() { c.handler.SenderRequested(c, lh, req.LinkRequest) })
}

func (c *Connection) handleDetach(f *detachFrame) {
	if _, ok := c.requests[f.handle]; ok {
		// The peer gave up before the request was answered.
		delete(c.requests, f.handle)
		return
	}
	l := c.remoteLink(f.handle, f)
	if l == nil {
		return
	}
	delete(c.remote, f.handle)
	l.base().handleDetach(f)
}

// expire applies deadlines as of the current timestamp: the local idle
// timeout first, then every sender's delivery deadlines in handle order.
func (c *Connection) expire() int {
	if c.destroyed || c.failed {
		return 0
	}
	now := c.clock.Now()
	if c.opened && c.idleTimeout > 0 && now >= c.lastRx+c.idleTimeout {
		c.fail(condition.New(condition.ResourceLimitExceeded, "local-idle-timeout expired", nil))
		return 0
	}
	n := 0
	for _, h := range slices.Sorted(maps.Keys(c.links)) {
		if s, ok := c.links[h].(*SenderLink); ok {
			n += s.expire()
		}
	}
	return n
}

// keepalive queues an empty frame if the peer's idle timeout requires one.
func (c *Connection) keepalive() bool {
	if c.destroyed || c.failed || !c.opened || c.closeSent || c.remoteIdleTimeout <= 0 {
		return false
	}
	now := c.clock.Now()
	if now < c.lastTx+c.remoteIdleTimeout/2 {
		return false
	}
	c.enqueue(&emptyFrame{}, nil)
	c.stats.IncrementKeepalivesSent()
	if c.metrics != nil {
		c.metrics.RecordKeepalive()
	}
	c.logger.Debug("keepalive queued", "last_tx", c.lastTx)
	return true
}

// fail tears the connection down after a local error.
func (c *Connection) fail(cond *condition.Condition) {
	c.logger.Warn("connection failed", "condition", cond)
	c.failed = true
	c.outbound = nil
	for _, h := range slices.Sorted(maps.Keys(c.links)) {
		if s, ok := c.links[h].(*SenderLink); ok {
			s.abort(cond, true)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordError("idle_timeout")
	}
	c.dispatch(func() { c.handler.Failed(c, cond) })
}

type pendingRequest struct {
	LinkRequest
	role Role
}

func pick(override, requested string) string {
	if override != "" {
		return override
	}
	return requested
}
