// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxlink/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Process exchanges pending frames between a and b at the later of their
// two current timestamps.
func Process(a, b *Connection) {
	// Neither clock can regress to the maximum of both.
	_ = ProcessAt(a, b, max(a.Now(), b.Now()))
}

// ProcessAt advances both connections to ts and runs them to quiescence:
// queued frames are exchanged until neither side has anything left to
// send, deadlines reached at ts are expired and keepalives owed to the
// peer are sent. It fails without touching either connection if ts is
// earlier than either clock.
func ProcessAt(a, b *Connection, ts time.Duration) error {
	for _, c := range []*Connection{a, b} {
		if now := c.Now(); ts < now {
			return fmt.Errorf("%w: connection %q at %v, asked for %v", clock.ErrRegression, c.name, now, ts)
		}
	}
	for _, c := range []*Connection{a, b} {
		if err := c.clock.Advance(ts); err != nil {
			return err
		}
	}

	_, span := otel.Tracer(instrumentationName).Start(context.Background(), "fluxlink.process",
		trace.WithAttributes(
			attribute.String("amqp.connection.a", a.name),
			attribute.String("amqp.connection.b", b.name),
			attribute.Float64("amqp.timestamp", ts.Seconds()),
		),
	)
	defer span.End()

	frames := exchange(a, b)
	expired := a.expire() + b.expire()
	a.keepalive()
	b.keepalive()
	frames += exchange(a, b)

	span.SetAttributes(
		attribute.Int("amqp.frames", frames),
		attribute.Int("amqp.expired", expired),
	)
	return nil
}

// exchange delivers queued frames in rounds until both queues are empty.
// Each round hands a's snapshot to b, then b's snapshot to a; frames
// queued while a round is delivered go out in the next one.
func exchange(a, b *Connection) int {
	n := 0
	for {
		outA := a.takeOutbound()
		outB := b.takeOutbound()
		if len(outA) == 0 && len(outB) == 0 {
			return n
		}
		n += deliver(a, b, outA)
		n += deliver(b, a, outB)
	}
}

func deliver(from, to *Connection, batch []outgoing) int {
	n := 0
	for _, o := range batch {
		if from.destroyed || from.failed {
			break
		}
		from.lastTx = from.clock.Now()
		from.stats.IncrementFramesSent()
		if o.onSent != nil {
			o.onSent()
		}
		to.receive(o.perf)
		n++
	}
	return n
}
