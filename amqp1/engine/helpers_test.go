// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/fluxlink/amqp1/condition"
	"github.com/absmach/fluxlink/amqp1/message"
	"github.com/stretchr/testify/require"
)

type linkRequested struct {
	handle LinkHandle
	req    LinkRequest
}

type connRecorder struct {
	senderRequested   []linkRequested
	receiverRequested []linkRequested
	remoteClosed      int
	remoteCondition   *condition.Condition
	closed            int
	failed            int
	failCondition     *condition.Condition

	// closeOnRemote answers a remote close from inside the callback.
	closeOnRemote bool
}

func (h *connRecorder) SenderRequested(_ *Connection, lh LinkHandle, req LinkRequest) {
	h.senderRequested = append(h.senderRequested, linkRequested{lh, req})
}

func (h *connRecorder) ReceiverRequested(_ *Connection, lh LinkHandle, req LinkRequest) {
	h.receiverRequested = append(h.receiverRequested, linkRequested{lh, req})
}

func (h *connRecorder) RemoteClosed(c *Connection, cond *condition.Condition) {
	h.remoteClosed++
	h.remoteCondition = cond
	if h.closeOnRemote {
		c.Close(nil)
	}
}

func (h *connRecorder) Closed(*Connection) { h.closed++ }

func (h *connRecorder) Failed(_ *Connection, cond *condition.Condition) {
	h.failed++
	h.failCondition = cond
}

type senderRecorder struct {
	active          int
	creditGranted   int
	remoteClosed    int
	remoteCondition *condition.Condition
	closed          int
}

func (h *senderRecorder) Active(*SenderLink)        { h.active++ }
func (h *senderRecorder) CreditGranted(*SenderLink) { h.creditGranted++ }
func (h *senderRecorder) Closed(*SenderLink)        { h.closed++ }

func (h *senderRecorder) RemoteClosed(_ *SenderLink, cond *condition.Condition) {
	h.remoteClosed++
	h.remoteCondition = cond
}

type received struct {
	msg *message.Message
	id  DeliveryID
}

type receiverRecorder struct {
	active          int
	messages        []received
	remoteClosed    int
	remoteCondition *condition.Condition
	closed          int
}

func (h *receiverRecorder) Active(*ReceiverLink) { h.active++ }
func (h *receiverRecorder) Closed(*ReceiverLink) { h.closed++ }

func (h *receiverRecorder) MessageReceived(_ *ReceiverLink, msg *message.Message, id DeliveryID) {
	h.messages = append(h.messages, received{msg, id})
}

func (h *receiverRecorder) RemoteClosed(_ *ReceiverLink, cond *condition.Condition) {
	h.remoteClosed++
	h.remoteCondition = cond
}

// deliveryRecorder keeps the last outcome and counts callbacks.
type deliveryRecorder struct {
	count  int
	link   *SenderLink
	handle any
	status DeliveryStatus
	info   DeliveryInfo
}

func (r *deliveryRecorder) callback(link *SenderLink, handle any, status DeliveryStatus, info DeliveryInfo) {
	r.count++
	r.link = link
	r.handle = handle
	r.status = status
	r.info = info
}

// pair is two opened connections wired back to back.
type pair struct {
	t      *testing.T
	conn1  *Connection
	conn2  *Connection
	h1, h2 *connRecorder
}

func newPair(t *testing.T, opts1, opts2 Options) *pair {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts1.Logger == nil {
		opts1.Logger = logger
	}
	if opts2.Logger == nil {
		opts2.Logger = logger
	}
	opts1.ContainerID = "test-container-1"
	opts2.ContainerID = "test-container-2"

	p := &pair{t: t, h1: &connRecorder{}, h2: &connRecorder{}}
	p.conn1 = NewConnection("conn1", p.h1, opts1)
	p.conn2 = NewConnection("conn2", p.h2, opts2)
	p.conn1.Open()
	p.conn2.Open()
	t.Cleanup(func() {
		p.conn1.Destroy()
		p.conn2.Destroy()
	})
	return p
}

func (p *pair) process() {
	Process(p.conn1, p.conn2)
}

func (p *pair) processAt(ts time.Duration) {
	p.t.Helper()
	require.NoError(p.t, ProcessAt(p.conn1, p.conn2, ts))
}

// setupSenderSync attaches a sender on conn1 to a receiver on conn2, the
// sender initiating.
func (p *pair) setupSenderSync() (*SenderLink, *senderRecorder, *ReceiverLink, *receiverRecorder) {
	t := p.t
	t.Helper()

	sh := &senderRecorder{}
	s, err := p.conn1.CreateSender("src", "tgt", sh, LinkOptions{})
	require.NoError(t, err)
	s.Open()
	p.process()

	require.Len(t, p.h2.receiverRequested, 1)
	rh := &receiverRecorder{}
	r, err := p.conn2.AcceptReceiver(p.h2.receiverRequested[0].handle, rh, LinkOptions{})
	require.NoError(t, err)
	r.Open()
	p.process()

	require.True(t, r.Active())
	require.Positive(t, rh.active)
	require.True(t, s.Active())
	require.Positive(t, sh.active)
	return s, sh, r, rh
}

// setupReceiverSync attaches the same pair of links, the receiver on conn2
// initiating.
func (p *pair) setupReceiverSync() (*SenderLink, *senderRecorder, *ReceiverLink, *receiverRecorder) {
	t := p.t
	t.Helper()

	rh := &receiverRecorder{}
	r, err := p.conn2.CreateReceiver("tgt", "src", rh, LinkOptions{})
	require.NoError(t, err)
	r.Open()
	p.process()

	require.Len(t, p.h1.senderRequested, 1)
	sh := &senderRecorder{}
	s, err := p.conn1.AcceptSender(p.h1.senderRequested[0].handle, sh, LinkOptions{})
	require.NoError(t, err)
	s.Open()
	p.process()

	require.True(t, s.Active())
	require.Positive(t, sh.active)
	require.True(t, r.Active())
	require.Positive(t, rh.active)
	return s, sh, r, rh
}
