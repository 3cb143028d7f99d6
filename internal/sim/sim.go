// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sim runs a scripted sender to receiver exchange over a pair of
// simulated connections.
package sim

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxlink/amqp1/condition"
	"github.com/absmach/fluxlink/amqp1/engine"
	"github.com/absmach/fluxlink/amqp1/message"
	"github.com/absmach/fluxlink/config"
)

const (
	sourceAddress = "linksim/source"
	targetAddress = "linksim/target"
)

// Report summarizes a run.
type Report struct {
	Sent     int
	Received int
	Outcomes map[engine.DeliveryStatus]int
	Ticks    int
	End      time.Duration
	Failed   bool
	// Stats is shared by both connections.
	Stats *engine.Stats
}

// Done returns the number of sends that reached a terminal status.
func (r Report) Done() int {
	n := 0
	for _, c := range r.Outcomes {
		n += c
	}
	return n
}

type runner struct {
	cfg     *config.Config
	logger  *slog.Logger
	report  Report
	client  *engine.Connection
	server  *engine.Connection
	sender  *engine.SenderLink
	recv    *engine.ReceiverLink
	held    []engine.DeliveryID
	runErr  error
	metrics *engine.Metrics
	stats   *engine.Stats
}

// Run executes the simulation described by cfg. metrics may be nil.
func Run(cfg *config.Config, logger *slog.Logger, metrics *engine.Metrics) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stats := engine.NewStats()
	r := &runner{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stats:   stats,
		report: Report{
			Outcomes: make(map[engine.DeliveryStatus]int),
			Stats:    stats,
		},
	}
	if err := r.setup(); err != nil {
		return r.report, err
	}
	defer func() {
		r.client.Destroy()
		r.server.Destroy()
	}()
	if err := r.loop(); err != nil {
		return r.report, err
	}
	r.teardown()
	return r.report, r.runErr
}

// ContainerIDs returns the container IDs of the client and server
// connections built from ec.
func ContainerIDs(ec config.EngineConfig) (client, server string) {
	return ec.ContainerID + "-client", ec.ContainerID + "-server"
}

func (r *runner) setup() error {
	ec := r.cfg.Engine
	clientID, serverID := ContainerIDs(ec)
	r.client = engine.NewConnection("client", connHandler{r}, engine.Options{
		ContainerID: clientID,
		Logger:      r.logger,
		Stats:       r.stats,
		Metrics:     r.metrics,
	})
	r.server = engine.NewConnection("server", connHandler{r}, engine.Options{
		ContainerID: serverID,
		IdleTimeout: ec.IdleTimeout,
		Logger:      r.logger,
		Stats:       r.stats,
		Metrics:     r.metrics,
	})
	r.client.Open()
	r.server.Open()

	s, err := r.client.CreateSender(sourceAddress, targetAddress, senderHandler{r}, engine.LinkOptions{Name: "linksim"})
	if err != nil {
		return fmt.Errorf("failed to create sender: %w", err)
	}
	r.sender = s
	s.Open()

	// The server accepts the attach from ReceiverRequested and grants
	// credit once its receiver is active, all within one exchange.
	engine.Process(r.client, r.server)
	if r.runErr != nil {
		return r.runErr
	}
	if !s.Active() {
		return fmt.Errorf("sender %q did not become active", s.Name())
	}
	return nil
}

func (r *runner) loop() error {
	sc := r.cfg.Simulation
	now := r.client.Now()
	for tick := 1; tick <= sc.MaxTicks; tick++ {
		if r.report.Done() >= sc.Messages || r.report.Failed {
			break
		}
		r.sendAvailable()
		if sc.SettleEvery > 0 && tick%sc.SettleEvery == 0 {
			r.settleOne()
		}

		now += sc.Tick
		if err := engine.ProcessAt(r.client, r.server, now); err != nil {
			return err
		}
		r.report.Ticks = tick
		r.report.End = now
		if r.runErr != nil {
			return r.runErr
		}
	}
	return nil
}

func (r *runner) sendAvailable() {
	for r.sender.Active() && r.sender.Credit() > 0 && r.report.Sent < r.cfg.Simulation.Messages {
		var deadline time.Duration
		if t := r.cfg.Engine.SendTimeout; t > 0 {
			deadline = r.client.Now() + t
		}
		msg := message.New(fmt.Sprintf("message-%d", r.report.Sent))
		msg.ApplicationProperties = map[string]any{"seq": r.report.Sent}
		if err := r.sender.Send(msg, engine.SendOptions{
			Callback: r.delivered,
			Handle:   r.report.Sent,
			Deadline: deadline,
		}); err != nil {
			r.runErr = fmt.Errorf("failed to send: %w", err)
			return
		}
		r.report.Sent++
	}
}

func (r *runner) delivered(_ *engine.SenderLink, handle any, status engine.DeliveryStatus, info engine.DeliveryInfo) {
	r.report.Outcomes[status]++
	r.logger.Info("Delivery finished", "seq", handle, "status", status, "condition", info.Condition)
}

func (r *runner) settleOne() {
	if len(r.held) == 0 || r.recv == nil {
		return
	}
	id := r.held[0]
	r.held = r.held[1:]
	r.settle(id)
}

func (r *runner) settle(id engine.DeliveryID) {
	var err error
	switch r.cfg.Simulation.Outcome {
	case "release":
		err = r.recv.Release(id)
	case "reject":
		err = r.recv.Reject(id, condition.New(condition.NotAllowed, "rejected by linksim", nil))
	case "modify":
		err = r.recv.Modify(id, true, false, map[string]any{"x-linksim": true})
	default:
		err = r.recv.Accept(id)
	}
	if err != nil {
		r.runErr = fmt.Errorf("failed to settle %d: %w", id, err)
		return
	}
	if r.recv.Active() {
		if err := r.recv.AddCapacity(1); err != nil {
			r.runErr = fmt.Errorf("failed to replenish credit: %w", err)
		}
	}
}

func (r *runner) teardown() {
	if r.sender.Active() {
		r.sender.Close(nil)
	}
	engine.Process(r.client, r.server)
	r.client.Close(nil)
	engine.Process(r.client, r.server)
}

type connHandler struct{ r *runner }

func (h connHandler) SenderRequested(c *engine.Connection, lh engine.LinkHandle, req engine.LinkRequest) {
	h.r.logger.Warn("Rejecting unexpected sender request", "link", req.Name)
	if err := c.RejectSender(lh, condition.New(condition.NotAllowed, "linksim only receives", nil)); err != nil {
		h.r.runErr = err
	}
}

func (h connHandler) ReceiverRequested(c *engine.Connection, lh engine.LinkHandle, req engine.LinkRequest) {
	rl, err := c.AcceptReceiver(lh, receiverHandler{h.r}, engine.LinkOptions{})
	if err != nil {
		h.r.runErr = fmt.Errorf("failed to accept receiver: %w", err)
		return
	}
	h.r.recv = rl
	rl.Open()
}

func (h connHandler) RemoteClosed(c *engine.Connection, cond *condition.Condition) {
	h.r.logger.Info("Connection closed by peer", "connection", c.Name(), "condition", cond)
	c.Close(nil)
}

func (h connHandler) Closed(c *engine.Connection) {
	h.r.logger.Debug("Connection closed", "connection", c.Name())
}

func (h connHandler) Failed(c *engine.Connection, cond *condition.Condition) {
	h.r.logger.Error("Connection failed", "connection", c.Name(), "condition", cond)
	h.r.report.Failed = true
}

type senderHandler struct{ r *runner }

func (h senderHandler) Active(s *engine.SenderLink) {
	h.r.logger.Info("Sender active", "link", s.Name(), "target", s.TargetAddress())
}

func (h senderHandler) CreditGranted(s *engine.SenderLink) {
	h.r.logger.Debug("Credit granted", "link", s.Name(), "credit", s.Credit())
}

func (h senderHandler) RemoteClosed(s *engine.SenderLink, cond *condition.Condition) {
	h.r.logger.Warn("Sender closed by peer", "link", s.Name(), "condition", cond)
	s.Close(nil)
}

func (h senderHandler) Closed(s *engine.SenderLink) {
	h.r.logger.Debug("Sender closed", "link", s.Name())
}

type receiverHandler struct{ r *runner }

func (h receiverHandler) Active(rl *engine.ReceiverLink) {
	if err := rl.AddCapacity(h.r.cfg.Engine.DefaultCapacity); err != nil {
		h.r.runErr = fmt.Errorf("failed to grant credit: %w", err)
	}
}

func (h receiverHandler) MessageReceived(_ *engine.ReceiverLink, msg *message.Message, id engine.DeliveryID) {
	h.r.report.Received++
	h.r.logger.Debug("Message received", "delivery_id", id, "body", msg.Body)
	if h.r.cfg.Simulation.SettleEvery == 0 {
		h.r.settle(id)
		return
	}
	h.r.held = append(h.r.held, id)
}

func (h receiverHandler) RemoteClosed(rl *engine.ReceiverLink, cond *condition.Condition) {
	h.r.logger.Debug("Receiver closed by peer", "link", rl.Name(), "condition", cond)
	rl.Close(nil)
}

func (h receiverHandler) Closed(rl *engine.ReceiverLink) {
	h.r.logger.Debug("Receiver closed", "link", rl.Name())
}
