// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine implements an in-process AMQP 1.0 link engine.
//
// Two Connections exchange link attach/detach, credit, transfers and
// delivery outcomes without any network I/O. Nothing happens on its own:
// application calls (Open, Send, AddCapacity, Accept, Close, ...) only
// mutate local state and queue frames, and ProcessAt moves those frames
// between the two peers as of an explicit logical timestamp, fires the
// registered handlers and expires deliveries whose deadline has passed.
//
// The engine is single-threaded. Handlers run synchronously inside the
// call that triggered them; frames produced from inside a handler are
// queued and delivered in a later exchange round, and handler calls
// triggered from inside a handler run after the current one returns.
package engine
