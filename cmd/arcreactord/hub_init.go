package main

import (
	"log/slog"

	"github.com/kstaniek/go-arcreactor/internal/arcreactor"
	"github.com/kstaniek/go-arcreactor/internal/hub"
	"github.com/kstaniek/go-arcreactor/internal/session"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	p, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", "drop")
	}
	h.Policy = p
	policyStr := map[hub.BackpressurePolicy]string{hub.PolicyDrop: "drop", hub.PolicyKick: "kick"}[h.Policy]
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", policyStr, "buffer", h.OutBufSize)
	return h
}

// publishEvents forwards device notifications to event subscribers.
func publishEvents(svc *arcreactor.Service, h *hub.Hub) {
	svc.OnBatteryLevel(func(v float64) { h.Broadcast(hub.BatteryEvent(v)) })
	svc.OnDisconnected(func() { h.Broadcast(hub.DisconnectedEvent()) })
	svc.OnStateChange(func(s session.State) { h.Broadcast(hub.StateEvent(s.String())) })
}
