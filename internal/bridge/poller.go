// Package bridge orchestrates the steady-state poll cycle: collect
// telemetry for the captured device catalog, publish every resulting
// event, and wait out the configured interval. The catalog is captured
// once at startup; there is no refresh while polling.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/gallarus-is/waltero-bridge/internal/telemetry"
	"github.com/gallarus-is/waltero-bridge/internal/waltero"
)

// Transport is the publish side of the MQTT connection. Keeps the
// bridge package decoupled from the mqtt package.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PollerConfig configures the telemetry poll loop.
type PollerConfig struct {
	// Source collects telemetry events for the captured catalog.
	Source telemetry.Source

	// Transport publishes collected events.
	Transport Transport

	// Devices is the catalog captured at startup. An empty catalog
	// makes every cycle a fetch no-op.
	Devices []waltero.Device

	// Interval is the fixed wait between cycles.
	Interval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Poller drives the fetch-and-publish cycle forever. Each cycle every
// event is attempted regardless of earlier publish failures; a failure
// is logged per record and never aborts the batch.
type Poller struct {
	cfg      PollerConfig
	counters Counters
}

// NewPoller creates a telemetry poll loop.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{cfg: cfg}
}

// Counters returns the loop's lifetime totals.
func (p *Poller) Counters() (cycles, published, failed int64) {
	return p.counters.Snapshot()
}

// Start runs the polling loop until ctx is cancelled. It blocks. The
// first cycle runs immediately; no work is ever in flight during the
// inter-cycle wait, so cancellation is clean.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	if len(p.cfg.Devices) == 0 {
		p.cfg.Logger.Warn("empty device catalog, skipping fetch")
		return
	}

	events := p.cfg.Source.Collect(ctx, p.cfg.Devices)

	var published, failed int64
	for _, ev := range events {
		if err := p.cfg.Transport.Publish(ctx, ev.Topic, ev.Payload); err != nil {
			p.cfg.Logger.Warn("publish failed", "topic", ev.Topic, "error", err)
			failed++
			continue
		}
		p.cfg.Logger.Debug("published", "topic", ev.Topic)
		published++
	}

	p.counters.RecordCycle(published, failed)
	cycles, totalPub, totalFail := p.counters.Snapshot()
	p.cfg.Logger.Info("poll cycle complete",
		"devices", len(p.cfg.Devices),
		"events", len(events),
		"published", published,
		"failed", failed,
		"cycles", cycles,
		"total_published", totalPub,
		"total_failed", totalFail,
	)
}
