// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sim

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/fluxlink/amqp1/engine"
	"github.com/absmach/fluxlink/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSettlesEveryMessage(t *testing.T) {
	cases := []struct {
		outcome string
		status  engine.DeliveryStatus
	}{
		{"accept", engine.StatusAccepted},
		{"release", engine.StatusReleased},
		{"reject", engine.StatusRejected},
		{"modify", engine.StatusModified},
	}

	for _, tc := range cases {
		t.Run(tc.outcome, func(t *testing.T) {
			cfg := config.Default()
			cfg.Simulation.Messages = 20
			cfg.Simulation.Outcome = tc.outcome

			report, err := Run(cfg, quietLogger(), nil)
			require.NoError(t, err)

			assert.Equal(t, 20, report.Sent)
			assert.Equal(t, 20, report.Received)
			assert.Equal(t, 20, report.Outcomes[tc.status])
			assert.Equal(t, 20, report.Done())
			assert.False(t, report.Failed)
			assert.Equal(t, uint64(20), report.Stats.GetTransfersSent())
		})
	}
}

func TestRunTimesOutHeldMessages(t *testing.T) {
	cfg := config.Default()
	cfg.Simulation.Messages = 3
	cfg.Simulation.SettleEvery = 100
	cfg.Simulation.MaxTicks = 50
	cfg.Engine.SendTimeout = 5 * time.Second

	report, err := Run(cfg, quietLogger(), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Received)
	assert.Equal(t, 3, report.Outcomes[engine.StatusTimedOut])
	assert.Equal(t, 5*time.Second, report.End)
	assert.Equal(t, uint64(3), report.Stats.GetTimedOut())
}

func TestRunStopsAtMaxTicks(t *testing.T) {
	cfg := config.Default()
	cfg.Simulation.Messages = 5
	cfg.Simulation.SettleEvery = 100
	cfg.Simulation.MaxTicks = 3
	cfg.Engine.SendTimeout = 0

	report, err := Run(cfg, quietLogger(), nil)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Sent)
	assert.Equal(t, 3, report.Ticks)
	assert.Equal(t, 5, report.Outcomes[engine.StatusAborted])
}

func TestRunKeepsIdleConnectionAlive(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.IdleTimeout = 4 * time.Second
	cfg.Simulation.Messages = 1
	cfg.Simulation.SettleEvery = 10
	cfg.Simulation.MaxTicks = 20
	cfg.Engine.SendTimeout = 0

	report, err := Run(cfg, quietLogger(), nil)
	require.NoError(t, err)

	assert.False(t, report.Failed)
	assert.Equal(t, 1, report.Outcomes[engine.StatusAccepted])
	assert.Positive(t, report.Stats.GetKeepalivesSent())
}
