// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync/atomic"
	"time"
)

// Stats tracks connection statistics using atomic counters. A Stats may be
// shared by several connections through Options.Stats.
type Stats struct {
	startTime time.Time

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64

	totalLinks   atomic.Uint64
	currentLinks atomic.Uint64

	transfersSent     atomic.Uint64
	transfersReceived atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	creditGrants      atomic.Uint64

	accepted atomic.Uint64
	rejected atomic.Uint64
	released atomic.Uint64
	modified atomic.Uint64
	aborted  atomic.Uint64
	timedOut atomic.Uint64

	keepalivesSent     atomic.Uint64
	keepalivesReceived atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

func (s *Stats) IncrementFramesSent() {
	s.framesSent.Add(1)
}

func (s *Stats) IncrementFramesReceived() {
	s.framesReceived.Add(1)
}

func (s *Stats) IncrementLinks() {
	s.totalLinks.Add(1)
	s.currentLinks.Add(1)
}

func (s *Stats) DecrementLinks() {
	s.currentLinks.Add(^uint64(0))
}

func (s *Stats) IncrementTransfersSent(bytes uint64) {
	s.transfersSent.Add(1)
	s.bytesSent.Add(bytes)
}

func (s *Stats) IncrementTransfersReceived(bytes uint64) {
	s.transfersReceived.Add(1)
	s.bytesReceived.Add(bytes)
}

func (s *Stats) IncrementCreditGrants() {
	s.creditGrants.Add(1)
}

func (s *Stats) IncrementKeepalivesSent() {
	s.keepalivesSent.Add(1)
}

func (s *Stats) IncrementKeepalivesReceived() {
	s.keepalivesReceived.Add(1)
}

func (s *Stats) recordOutcome(status DeliveryStatus) {
	switch status {
	case StatusAccepted:
		s.accepted.Add(1)
	case StatusRejected:
		s.rejected.Add(1)
	case StatusReleased:
		s.released.Add(1)
	case StatusModified:
		s.modified.Add(1)
	case StatusAborted:
		s.aborted.Add(1)
	case StatusTimedOut:
		s.timedOut.Add(1)
	}
}

func (s *Stats) GetFramesSent() uint64         { return s.framesSent.Load() }
func (s *Stats) GetFramesReceived() uint64     { return s.framesReceived.Load() }
func (s *Stats) GetTotalLinks() uint64         { return s.totalLinks.Load() }
func (s *Stats) GetCurrentLinks() uint64       { return s.currentLinks.Load() }
func (s *Stats) GetTransfersSent() uint64      { return s.transfersSent.Load() }
func (s *Stats) GetTransfersReceived() uint64  { return s.transfersReceived.Load() }
func (s *Stats) GetBytesSent() uint64          { return s.bytesSent.Load() }
func (s *Stats) GetBytesReceived() uint64      { return s.bytesReceived.Load() }
func (s *Stats) GetCreditGrants() uint64       { return s.creditGrants.Load() }
func (s *Stats) GetAccepted() uint64           { return s.accepted.Load() }
func (s *Stats) GetRejected() uint64           { return s.rejected.Load() }
func (s *Stats) GetReleased() uint64           { return s.released.Load() }
func (s *Stats) GetModified() uint64           { return s.modified.Load() }
func (s *Stats) GetAborted() uint64            { return s.aborted.Load() }
func (s *Stats) GetTimedOut() uint64           { return s.timedOut.Load() }
func (s *Stats) GetKeepalivesSent() uint64     { return s.keepalivesSent.Load() }
func (s *Stats) GetKeepalivesReceived() uint64 { return s.keepalivesReceived.Load() }
func (s *Stats) GetUptime() time.Duration      { return time.Since(s.startTime) }
