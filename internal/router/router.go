// Package router validates inbound events, decides fan-out scope for each and
// emits them, persisting through the versioning controller or the audit
// recorder depending on the action.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"github.com/czd326/cooperative-indoor/internal/audit"
	"github.com/czd326/cooperative-indoor/internal/event"
	"github.com/czd326/cooperative-indoor/internal/feature"
	"github.com/czd326/cooperative-indoor/internal/session"
)

var (
	malformedTotal = metrics.NewCounter("indoor_events_malformed_total")
	mismatchTotal  = metrics.NewCounter("indoor_events_map_mismatch_total")
	persistFailed  = metrics.NewCounter("indoor_persistence_failures_total")
	unknownTotal   = metrics.NewCounter("indoor_events_unknown_total")
)

// knownEvents bounds the event label: counter names are built from the event
// string, and client-controlled names would grow the metric set without limit.
var knownEvents = map[string]bool{
	"login":                 true,
	"mapMovement":           true,
	"mapDraw":               true,
	"editFeature":           true,
	"chat":                  true,
	"revertFeature":         true,
	"restoreDeletedFeature": true,
	"tester":                true,
}

// ConnTable resolves connection ids to their outbound side and enumerates
// every live connection (for the non-map-scoped tester fan-out).
type ConnTable interface {
	Lookup(connID uuid.UUID) (session.Sender, bool)
	Each(fn func(s session.Sender))
}

type EventRouter struct {
	logger   *slog.Logger
	registry *session.Registry
	features *feature.Controller
	audit    *audit.Recorder
	conns    ConnTable
}

func NewEventRouter(logger *slog.Logger, registry *session.Registry, features *feature.Controller, recorder *audit.Recorder, conns ConnTable) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		registry: registry,
		features: features,
		audit:    recorder,
		conns:    conns,
	}
}

// HandleMessage runs on the connection's read loop, so events from one
// connection are handled in the order the client emitted them. Persistence
// for draw/revert/restore happens here synchronously; only unrelated
// connections proceed while such a call is outstanding.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var env event.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.logger.Warn("failed to unmarshal client message", "connID", connID, "error", err)
		malformedTotal.Inc()
		return
	}
	if knownEvents[env.Event] {
		metrics.GetOrCreateCounter(fmt.Sprintf(`indoor_events_total{event=%q}`, env.Event)).Inc()
	} else {
		unknownTotal.Inc()
	}

	switch env.Event {
	case "login":
		r.handleLogin(connID, env.Payload)
	case "mapMovement":
		r.handleMovement(connID, env.Payload)
	case "mapDraw":
		r.handleDraw(ctx, connID, env.Payload)
	case "editFeature":
		r.handleEditFeature(connID, env.Payload)
	case "chat":
		r.handleChat(connID, env.Payload)
	case "revertFeature":
		r.handleRevert(ctx, connID, env.Payload)
	case "restoreDeletedFeature":
		r.handleRestore(ctx, connID, env.Payload)
	case "tester":
		r.handleTester(env.Payload)
	default:
		r.logger.Warn("received unknown event", "event", env.Event, "connID", connID)
	}
}

// HandleDisconnect cleans up presence for a departed connection and records a
// connect-classified departure action per affected map.
func (r *EventRouter) HandleDisconnect(connID uuid.UUID) {
	for _, mapID := range r.registry.Leave(connID) {
		r.audit.Record(mapID, event.MapEvent{
			MapID:  mapID,
			Action: event.ActionConnect,
			UserID: connID.String(),
		})
		r.logger.Debug("connection left map", "connID", connID, "mapID", mapID)
	}
}

// boundMap checks the event's mapId against the connection's bound map.
// A mismatch is dropped as not addressed to this session, never an error.
func (r *EventRouter) boundMap(connID uuid.UUID, mapID string) bool {
	bound, _, ok := r.registry.Bound(connID)
	if !ok || bound != mapID {
		mismatchTotal.Inc()
		r.logger.Warn("dropping event for unbound map",
			"connID", connID,
			"eventMapID", mapID,
			"boundMapID", bound,
		)
		return false
	}
	return true
}

func (r *EventRouter) dropMalformed(connID uuid.UUID, kind string) {
	malformedTotal.Inc()
	r.logger.Debug("dropping malformed event", "connID", connID, "event", kind)
}
