package api

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/events"
)

// ProfileService is the health service name reported for a profile.
func ProfileService(id domain.ProfileID) string {
	return "tradedesk.profile." + string(id)
}

// HealthReporter mirrors each profile's session state into the standard
// gRPC health service: SERVING while the session is usable, NOT_SERVING
// otherwise. The empty service name reports the engine as a whole.
type HealthReporter struct {
	eng    *engine.Engine
	server *health.Server
	log    *slog.Logger
}

// NewHealthReporter creates a reporter seeded with the current profiles.
func NewHealthReporter(eng *engine.Engine, log *slog.Logger) *HealthReporter {
	h := &HealthReporter{eng: eng, server: health.NewServer(), log: log}
	h.Sync()
	return h
}

// Server returns the underlying health server for registration.
func (h *HealthReporter) Server() *health.Server { return h.server }

// Sync sets every profile's status from the engine's current view.
func (h *HealthReporter) Sync() {
	profiles := h.eng.Profiles()
	up := 0
	for _, p := range profiles {
		ok := p.Session == domain.SessionValid.String() || p.Session == domain.SessionExpiring.String()
		if ok {
			up++
		}
		h.set(p.ID, ok)
	}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.log.Debug("health synced", "event", "health_sync", "profiles", len(profiles), "serving", up)
}

// Run follows session state events until ctx ends or the engine stops.
func (h *HealthReporter) Run(ctx context.Context) {
	sub := h.eng.Events()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
				return
			}
			switch e.Kind {
			case events.KindSessionState, events.KindAuthFailed:
				h.Sync()
			}
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
}

func (h *HealthReporter) set(id domain.ProfileID, up bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(ProfileService(id), status)
}
