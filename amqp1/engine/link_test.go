// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"math"
	"testing"
	"time"

	"github.com/absmach/fluxlink/amqp1/condition"
	"github.com/absmach/fluxlink/amqp1/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDestroy(t *testing.T) {
	p := newPair(t, Options{}, Options{})

	s, err := p.conn1.CreateSender("source-addr", "target-addr", nil, LinkOptions{Name: "my-name"})
	require.NoError(t, err)
	s.SetUserContext("whatever")
	assert.Equal(t, "my-name", s.Name())
	assert.Equal(t, "source-addr", s.SourceAddress())
	assert.Empty(t, s.TargetAddress())
	assert.Equal(t, "whatever", s.UserContext())

	r, err := p.conn2.CreateReceiver("target-addr", "source-addr", nil, LinkOptions{Name: "other-name"})
	require.NoError(t, err)
	assert.Equal(t, "other-name", r.Name())
	assert.Equal(t, "target-addr", r.TargetAddress())
	assert.Empty(t, r.SourceAddress())

	s.Destroy()
	r.Destroy()
	assert.Empty(t, p.conn1.Links())
	assert.Empty(t, p.conn2.Links())
}

func TestCreateValidatesAddresses(t *testing.T) {
	p := newPair(t, Options{}, Options{})

	_, err := p.conn1.CreateSender("src", "", nil, LinkOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = p.conn1.CreateReceiver("tgt", "", nil, LinkOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDefaultLinkName(t *testing.T) {
	p := newPair(t, Options{}, Options{})

	s1, err := p.conn1.CreateSender("src", "tgt", nil, LinkOptions{})
	require.NoError(t, err)
	s2, err := p.conn1.CreateSender("src", "tgt", nil, LinkOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, s1.Name())
	assert.NotEqual(t, s1.Name(), s2.Name())
}

func TestSenderSetupSync(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, sh, r, rh := p.setupSenderSync()

	assert.Equal(t, "tgt", s.TargetAddress())
	assert.Equal(t, "src", r.SourceAddress())

	s.Close(nil)
	p.process()
	assert.Equal(t, 0, sh.closed)
	assert.Equal(t, 1, rh.remoteClosed)
	assert.Nil(t, rh.remoteCondition)
	assert.Equal(t, LinkLocallyClosed, s.State())
	assert.Equal(t, LinkRemotelyClosed, r.State())

	r.Close(nil)
	p.process()
	assert.Equal(t, 1, sh.closed)
	assert.Equal(t, 0, sh.remoteClosed)
	assert.Equal(t, 1, rh.closed)
	assert.True(t, s.Closed())
	assert.True(t, r.Closed())
}

func TestSenderCloseConditionSync(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, _, rh := p.setupSenderSync()

	s.Close(condition.New("bad", "hate you", map[string]any{"yo-mama": "wears army boots"}))
	p.process()

	require.Equal(t, 1, rh.remoteClosed)
	require.NotNil(t, rh.remoteCondition)
	assert.Equal(t, "bad", rh.remoteCondition.Name())
	assert.Equal(t, "hate you", rh.remoteCondition.Description())
	v, ok := rh.remoteCondition.Get("yo-mama")
	assert.True(t, ok)
	assert.Equal(t, "wears army boots", v)
}

func TestReceiverSetupSync(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, sh, r, rh := p.setupReceiverSync()

	assert.Equal(t, "src", s.SourceAddress())
	assert.Equal(t, "tgt", s.TargetAddress())

	r.Close(nil)
	p.process()
	assert.Equal(t, 1, sh.remoteClosed)
	assert.Nil(t, sh.remoteCondition)

	s.Close(nil)
	p.process()
	assert.Equal(t, 1, rh.closed)
	assert.Equal(t, 0, rh.remoteClosed)
	assert.Equal(t, 1, sh.closed)
}

func TestReceiverCloseConditionSync(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	_, sh, r, _ := p.setupReceiverSync()

	r.Close(condition.New("meh", "blah", map[string]any{"dog": "cat"}))
	p.process()

	require.Equal(t, 1, sh.remoteClosed)
	require.NotNil(t, sh.remoteCondition)
	assert.Equal(t, "meh", sh.remoteCondition.Name())
	assert.Equal(t, "blah", sh.remoteCondition.Description())
	v, _ := sh.remoteCondition.Get("dog")
	assert.Equal(t, "cat", v)
}

func TestCreditSync(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, sh, r, rh := p.setupSenderSync()

	assert.Equal(t, 0, r.Capacity())
	require.NoError(t, r.AddCapacity(3))
	assert.Equal(t, 3, r.Capacity())
	assert.Equal(t, 0, s.Credit())
	assert.Equal(t, 0, sh.creditGranted)

	p.process()
	assert.Equal(t, 3, s.Credit())
	assert.Equal(t, 1, sh.creditGranted)

	require.NoError(t, r.AddCapacity(1))
	p.process()
	assert.Equal(t, 4, r.Capacity())
	assert.Equal(t, 4, s.Credit())
	// Only a zero to positive transition is reported.
	assert.Equal(t, 1, sh.creditGranted)
	assert.Equal(t, 0, s.Pending())

	msg := message.New("Hi")
	require.NoError(t, s.Send(msg, SendOptions{}))
	assert.Equal(t, 3, s.Credit())
	assert.Equal(t, 0, s.Pending())

	p.process()
	assert.Equal(t, 3, r.Capacity())
	assert.Len(t, rh.messages, 1)
	assert.Equal(t, 3, s.Credit())
	assert.Equal(t, 0, s.Pending())

	for s.Credit() != 0 {
		require.NoError(t, s.Send(msg, SendOptions{}))
		p.process()
	}
	assert.Equal(t, 0, r.Capacity())
	assert.Len(t, rh.messages, 4)

	require.NoError(t, s.Send(msg, SendOptions{}))
	require.NoError(t, s.Send(msg, SendOptions{}))
	p.process()
	assert.Equal(t, 2, s.Pending())
	assert.Equal(t, 1, sh.creditGranted)

	require.NoError(t, r.AddCapacity(1))
	p.process()
	assert.Equal(t, 0, r.Capacity())
	assert.Len(t, rh.messages, 5)
	assert.Equal(t, 0, s.Credit())
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, 1, sh.creditGranted)

	require.NoError(t, r.AddCapacity(1))
	p.process()
	assert.Equal(t, 0, s.Credit())
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 1, sh.creditGranted)

	require.NoError(t, r.AddCapacity(1))
	p.process()
	assert.Equal(t, 1, s.Credit())
	assert.Equal(t, 2, sh.creditGranted)
}

func TestAddCapacity(t *testing.T) {
	p := newPair(t, Options{}, Options{})

	r, err := p.conn2.CreateReceiver("tgt", "src", nil, LinkOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, r.AddCapacity(1), ErrLinkNotActive)

	_, _, r, _ = p.setupSenderSync()
	assert.ErrorIs(t, r.AddCapacity(-1), ErrInvalidArgument)
	assert.NoError(t, r.AddCapacity(0))
	assert.Equal(t, 0, r.Capacity())
}

func TestAddCapacityWindowLimit(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, r, _ := p.setupSenderSync()

	require.NoError(t, r.AddCapacity(math.MaxInt32))
	require.NoError(t, r.AddCapacity(math.MaxInt32))
	require.NoError(t, r.AddCapacity(1))
	assert.Equal(t, math.MaxUint32, r.Capacity())

	assert.ErrorIs(t, r.AddCapacity(1), ErrInvalidArgument)
	assert.Equal(t, math.MaxUint32, r.Capacity())

	p.process()
	assert.Equal(t, math.MaxUint32, s.Credit())
}

func TestSendPresettled(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, r, rh := p.setupSenderSync()

	require.NoError(t, s.Send(message.New("Hi"), SendOptions{}))
	require.NoError(t, r.AddCapacity(1))
	p.process()

	require.Len(t, rh.messages, 1)
	assert.Equal(t, "Hi", rh.messages[0].msg.Body)
	assert.Equal(t, 0, s.Pending())

	sent := p.conn2.Stats().GetFramesSent()
	require.NoError(t, r.Accept(rh.messages[0].id))
	p.process()
	// Settling a presettled delivery produces no disposition.
	assert.Equal(t, sent, p.conn2.Stats().GetFramesSent())
}

func TestSendAccepted(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, r, rh := p.setupSenderSync()
	cb := &deliveryRecorder{}

	require.NoError(t, s.Send(message.New("Hi"), SendOptions{Callback: cb.callback, Handle: "my-handle"}))
	p.process()
	assert.Empty(t, rh.messages)

	require.NoError(t, r.AddCapacity(1))
	p.process()
	assert.Nil(t, cb.link)
	require.Len(t, rh.messages, 1)

	require.NoError(t, r.Accept(rh.messages[0].id))
	p.process()
	assert.Same(t, s, cb.link)
	assert.Equal(t, "my-handle", cb.handle)
	assert.Equal(t, StatusAccepted, cb.status)
	assert.Equal(t, 0, s.Pending())
}

func TestSendReleased(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, r, rh := p.setupSenderSync()
	cb := &deliveryRecorder{}

	require.NoError(t, s.Send(message.New("Hi"), SendOptions{Callback: cb.callback, Handle: "my-handle"}))
	require.NoError(t, r.AddCapacity(1))
	p.process()
	require.Len(t, rh.messages, 1)

	require.NoError(t, r.Release(rh.messages[0].id))
	p.process()
	assert.Same(t, s, cb.link)
	assert.Equal(t, "my-handle", cb.handle)
	assert.Equal(t, StatusReleased, cb.status)
}

func TestSendRejected(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, r, rh := p.setupSenderSync()
	cb := &deliveryRecorder{}

	require.NoError(t, s.Send(message.New("Hi"), SendOptions{Callback: cb.callback, Handle: "my-handle"}))
	require.NoError(t, r.AddCapacity(1))
	p.process()
	require.Len(t, rh.messages, 1)

	cond := condition.New("itchy", "Needs scratching", map[string]any{"bath": true})
	require.NoError(t, r.Reject(rh.messages[0].id, cond))
	p.process()
	assert.Same(t, s, cb.link)
	assert.Equal(t, "my-handle", cb.handle)
	assert.Equal(t, StatusRejected, cb.status)
	require.NotNil(t, cb.info.Condition)
	assert.Equal(t, "itchy", cb.info.Condition.Name())
}

func TestSendModified(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, r, rh := p.setupSenderSync()
	cb := &deliveryRecorder{}

	require.NoError(t, s.Send(message.New("Hi"), SendOptions{Callback: cb.callback, Handle: "my-handle"}))
	require.NoError(t, r.AddCapacity(1))
	p.process()
	require.Len(t, rh.messages, 1)

	annotations := map[string]any{"dog": 1, "cat": false}
	require.NoError(t, r.Modify(rh.messages[0].id, false, true, annotations))
	p.process()
	assert.Same(t, s, cb.link)
	assert.Equal(t, "my-handle", cb.handle)
	assert.Equal(t, StatusModified, cb.status)
	assert.False(t, cb.info.DeliveryFailed)
	assert.True(t, cb.info.UndeliverableHere)
	assert.Equal(t, 1, cb.info.Annotations["dog"])
}

func TestSettleUnknownDelivery(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	_, _, r, _ := p.setupSenderSync()

	assert.ErrorIs(t, r.Accept(42), ErrUnknownDelivery)
}

func TestSendExpiredNoCredit(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, _, rh := p.setupReceiverSync()
	cb := &deliveryRecorder{}

	require.NoError(t, s.Send(message.New("Hi"), SendOptions{
		Callback: cb.callback,
		Handle:   "my-handle",
		Deadline: 10 * time.Second,
	}))
	p.processAt(9 * time.Second)
	assert.Empty(t, rh.messages)
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, 0, cb.count)

	p.processAt(10 * time.Second)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, StatusTimedOut, cb.status)
}

func TestSendExpiredLateReply(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, r, rh := p.setupSenderSync()
	cb := &deliveryRecorder{}

	require.NoError(t, r.AddCapacity(1))
	p.processAt(1 * time.Second)

	require.NoError(t, s.Send(message.New("Hi"), SendOptions{
		Callback: cb.callback,
		Handle:   "my-handle",
		Deadline: 10 * time.Second,
	}))
	p.processAt(9 * time.Second)
	assert.Len(t, rh.messages, 1)
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, 0, s.Credit())
	assert.Equal(t, 0, cb.count)

	p.processAt(10 * time.Second)
	assert.Len(t, rh.messages, 1)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, StatusTimedOut, cb.status)
	assert.Equal(t, 1, cb.count)

	require.NoError(t, r.Accept(rh.messages[0].id))
	p.processAt(15 * time.Second)
	assert.Equal(t, 1, cb.count)
}

func TestSendExpiredNoReply(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, r, rh := p.setupSenderSync()
	cb := &deliveryRecorder{}

	require.NoError(t, s.Send(message.New("Hi"), SendOptions{
		Callback: cb.callback,
		Handle:   "my-handle",
		Deadline: 10 * time.Second,
	}))
	p.processAt(1 * time.Second)
	assert.Empty(t, rh.messages)
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, 0, s.Credit())
	assert.Equal(t, 0, cb.count)

	require.NoError(t, r.AddCapacity(1))
	p.processAt(2 * time.Second)
	assert.Len(t, rh.messages, 1)
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, 0, s.Credit())
	assert.Equal(t, 0, cb.count)

	p.processAt(12 * time.Second)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 1, cb.count)
	assert.Equal(t, StatusTimedOut, cb.status)
}

func TestSendExpiredNoCallback(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, _, rh := p.setupReceiverSync()

	require.NoError(t, s.Send(message.New("Hi"), SendOptions{Deadline: 10 * time.Second}))
	assert.Equal(t, 1, s.Pending())

	p.processAt(12 * time.Second)
	assert.Empty(t, rh.messages)
	assert.Equal(t, 0, s.Pending())
}

func TestSettlementAtDeadlineWins(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, r, rh := p.setupSenderSync()
	cb := &deliveryRecorder{}

	require.NoError(t, r.AddCapacity(1))
	p.process()
	require.NoError(t, s.Send(message.New("Hi"), SendOptions{Callback: cb.callback, Deadline: 5 * time.Second}))
	p.process()
	require.Len(t, rh.messages, 1)

	require.NoError(t, r.Accept(rh.messages[0].id))
	p.processAt(5 * time.Second)
	assert.Equal(t, 1, cb.count)
	assert.Equal(t, StatusAccepted, cb.status)
}

func TestSendDeadlineIdle(t *testing.T) {
	p := newPair(t, Options{IdleTimeout: 99 * time.Second}, Options{})

	s1, err := p.conn1.CreateSender("src1", "tgt1", nil, LinkOptions{})
	require.NoError(t, err)
	s1.Open()
	p.processAt(1 * time.Second)
	require.Len(t, p.h2.receiverRequested, 1)
	r1, err := p.conn2.AcceptReceiver(p.h2.receiverRequested[0].handle, nil, LinkOptions{})
	require.NoError(t, err)
	r1.Open()

	s2, err := p.conn1.CreateSender("src2", "tgt2", nil, LinkOptions{})
	require.NoError(t, err)
	s2.Open()
	p.processAt(1 * time.Second)
	require.Len(t, p.h2.receiverRequested, 2)
	r2, err := p.conn2.AcceptReceiver(p.h2.receiverRequested[1].handle, nil, LinkOptions{})
	require.NoError(t, err)
	r2.Open()

	p.processAt(1 * time.Second)
	assertDeadline(t, p.conn1, 100*time.Second)

	msg := message.New("Hi")
	require.NoError(t, s1.Send(msg, SendOptions{Deadline: 11 * time.Second}))
	assertDeadline(t, p.conn1, 11*time.Second)
	p.processAt(2 * time.Second)
	assertDeadline(t, p.conn1, 11*time.Second)

	require.NoError(t, s2.Send(msg, SendOptions{Deadline: 7 * time.Second}))
	assertDeadline(t, p.conn1, 7*time.Second)
	p.processAt(7 * time.Second)
	assertDeadline(t, p.conn1, 11*time.Second)
	p.processAt(11 * time.Second)
	assertDeadline(t, p.conn1, 100*time.Second)

	// The next send times out after the idle keepalive.
	require.NoError(t, s1.Send(msg, SendOptions{Deadline: 101 * time.Second}))
	p.processAt(11 * time.Second)
	assertDeadline(t, p.conn1, 100*time.Second)

	// Once the peer sends its keepalive the pending send is next.
	next, ok := p.conn2.Deadline()
	require.True(t, ok)
	assert.Equal(t, 50*time.Second+500*time.Millisecond, next)
	p.processAt(next)
	assertDeadline(t, p.conn1, 101*time.Second)
	assert.Equal(t, uint64(1), p.conn2.Stats().GetKeepalivesSent())
	assert.Equal(t, uint64(1), p.conn1.Stats().GetKeepalivesReceived())
	assert.Zero(t, p.h1.failed)
}

func TestIdleTimeoutFailsConnection(t *testing.T) {
	p := newPair(t, Options{IdleTimeout: 10 * time.Second}, Options{})
	s, err := p.conn1.CreateSender("src", "tgt", nil, LinkOptions{})
	require.NoError(t, err)
	s.Open()
	p.process()
	require.Len(t, p.h2.receiverRequested, 1)
	r, err := p.conn2.AcceptReceiver(p.h2.receiverRequested[0].handle, nil, LinkOptions{})
	require.NoError(t, err)
	r.Open()
	p.process()
	require.True(t, s.Active())

	cb := &deliveryRecorder{}
	require.NoError(t, s.Send(message.New("Hi"), SendOptions{Callback: cb.callback}))

	// Destroying the peer stops its keepalives.
	p.conn2.Destroy()
	p.processAt(10 * time.Second)

	assert.Equal(t, 1, p.h1.failed)
	require.NotNil(t, p.h1.failCondition)
	assert.Equal(t, condition.ResourceLimitExceeded, p.h1.failCondition.Name())
	assert.True(t, p.conn1.Failed())
	assert.Equal(t, StatusAborted, cb.status)
	assert.Equal(t, condition.ResourceLimitExceeded, cb.info.Condition.Name())
	_, ok := p.conn1.Deadline()
	assert.False(t, ok)
}

func TestSendCloseOnAck(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, r, rh := p.setupSenderSync()

	require.NoError(t, r.AddCapacity(1))
	cb := &deliveryRecorder{}
	closeOnDone := func(link *SenderLink, handle any, status DeliveryStatus, info DeliveryInfo) {
		cb.callback(link, handle, status, info)
		link.Close(condition.New("indigestion", "old sushi", map[string]any{"smoked eel": "yummy"}))
	}
	msg := message.New("Hi")
	require.NoError(t, s.Send(msg, SendOptions{Callback: closeOnDone, Handle: "my-handle"}))
	// No credit yet, so this one stays queued.
	require.NoError(t, s.Send(msg, SendOptions{Callback: closeOnDone, Handle: "my-handle"}))
	p.process()
	assert.True(t, s.Active())
	require.Len(t, rh.messages, 1)

	require.NoError(t, r.Accept(rh.messages[0].id))
	p.process()
	assert.False(t, s.Active())
	assert.Equal(t, 2, cb.count)
	require.NotNil(t, cb.info.Condition)
	assert.Equal(t, "indigestion", cb.info.Condition.Name())
	assert.Equal(t, StatusAborted, cb.status)

	r.Close(nil)
	p.process()
	assert.True(t, s.Closed())
}

func TestCloseAbortsUnackedDeliveries(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, sh, r, rh := p.setupSenderSync()

	require.NoError(t, r.AddCapacity(1))
	p.process()
	cb := &deliveryRecorder{}
	require.NoError(t, s.Send(message.New("Hi"), SendOptions{Callback: cb.callback}))
	p.process()
	require.Len(t, rh.messages, 1)
	assert.Equal(t, 1, s.Pending())

	r.Close(condition.New(condition.DetachForced, "going away", nil))
	p.process()
	assert.Equal(t, 1, sh.remoteClosed)
	assert.Equal(t, 0, cb.count)

	s.Close(nil)
	p.process()
	assert.True(t, s.Closed())
	assert.Equal(t, 1, cb.count)
	assert.Equal(t, StatusAborted, cb.status)
	require.NotNil(t, cb.info.Condition)
	assert.Equal(t, condition.DetachForced, cb.info.Condition.Name())
	assert.Equal(t, 0, s.Pending())
}

func TestSendRequiresActiveLink(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, err := p.conn1.CreateSender("src", "tgt", nil, LinkOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Send(message.New("Hi"), SendOptions{}), ErrLinkNotActive)

	s.Destroy()
	assert.ErrorIs(t, s.Send(message.New("Hi"), SendOptions{}), ErrLinkDestroyed)
}

func TestSendValidatesArguments(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, _, _, _ := p.setupSenderSync()

	assert.ErrorIs(t, s.Send(nil, SendOptions{}), ErrInvalidArgument)
	assert.ErrorIs(t, s.Send(message.New("Hi"), SendOptions{Deadline: -time.Second}), ErrInvalidArgument)
	assert.Equal(t, 0, s.Pending())
}

func TestCloseUninitializedLink(t *testing.T) {
	p := newPair(t, Options{}, Options{})
	s, err := p.conn1.CreateSender("src", "tgt", nil, LinkOptions{})
	require.NoError(t, err)

	s.Close(nil)
	assert.True(t, s.Closed())
	p.process()
	assert.Empty(t, p.h2.receiverRequested)
}

func assertDeadline(t *testing.T, c *Connection, want time.Duration) {
	t.Helper()
	got, ok := c.Deadline()
	require.True(t, ok)
	assert.Equal(t, want, got)
}
