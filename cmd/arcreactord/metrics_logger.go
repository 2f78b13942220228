package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-arcreactor/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"rx_frames", snap.RxFrames,
					"tx_commands", snap.TxCommands,
					"telemetry_ignored", snap.TelemetryIgnored,
					"malformed", snap.Malformed,
					"connects", snap.Connects,
					"connect_failures", snap.ConnectFailures,
					"disconnects", snap.Disconnects,
					"battery", snap.BatteryLevel,
					"queue_drops", snap.QueueDrops,
					"hub_clients", snap.HubClients,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
