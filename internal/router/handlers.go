package router

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"

	"github.com/czd326/cooperative-indoor/internal/event"
	"github.com/czd326/cooperative-indoor/internal/session"
	"github.com/czd326/cooperative-indoor/internal/store"
)

// handleLogin binds the connection to a map. The registry broadcasts the
// presence mapping to the whole map, joiner included.
func (r *EventRouter) handleLogin(connID uuid.UUID, payload json.RawMessage) {
	mapID := gjson.GetBytes(payload, "mapId").String()
	user := gjson.GetBytes(payload, "user").String()
	if mapID == "" || user == "" {
		r.dropMalformed(connID, "login")
		return
	}
	sender, ok := r.conns.Lookup(connID)
	if !ok {
		return
	}
	r.audit.Record(mapID, event.MapEvent{
		MapID:  mapID,
		Action: event.ActionConnect,
		User:   user,
		UserID: connID.String(),
	})
	r.registry.Join(mapID, connID, sender, user)
}

// handleMovement relays viewport movements to everyone else on the map.
// Broadcast is immediate; the audit write is asynchronous.
func (r *EventRouter) handleMovement(connID uuid.UUID, payload json.RawMessage) {
	mapID := gjson.GetBytes(payload, "mapId").String()
	rawEvent := gjson.GetBytes(payload, "event")
	if mapID == "" || !rawEvent.Exists() {
		r.dropMalformed(connID, "mapMovement")
		return
	}
	if !r.boundMap(connID, mapID) {
		return
	}
	r.audit.Record(mapID, event.MapEvent{
		MapID:  mapID,
		Action: event.ActionMove,
		UserID: connID.String(),
		Event:  json.RawMessage(rawEvent.Raw),
	})

	var body map[string]any
	if err := json.Unmarshal([]byte(rawEvent.Raw), &body); err != nil {
		r.dropMalformed(connID, "mapMovement")
		return
	}
	body["userId"] = connID.String()
	msg := event.Marshal(event.MovementChannel(mapID), map[string]any{"event": body})
	r.registry.Broadcast(mapID, msg, connID)
}

// handleDraw persists the feature first: the store is the authority that
// assigns the fid, and every client must agree on it before rendering, so the
// broadcast waits for the write and includes the sender.
func (r *EventRouter) handleDraw(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	mapID := gjson.GetBytes(payload, "mapId").String()
	rawEvent := gjson.GetBytes(payload, "event")
	if mapID == "" || !rawEvent.Exists() {
		r.dropMalformed(connID, "mapDraw")
		return
	}
	if !r.boundMap(connID, mapID) {
		return
	}

	var drawEv event.DrawEvent
	if err := json.Unmarshal([]byte(rawEvent.Raw), &drawEv); err != nil {
		r.dropMalformed(connID, "mapDraw")
		return
	}
	if len(drawEv.Feature) > 0 {
		if _, err := geojson.UnmarshalFeature(drawEv.Feature); err != nil {
			r.dropMalformed(connID, "mapDraw")
			return
		}
	} else if drawEv.FID == "" || drawEv.Action != event.DrawDeleted {
		// Only a delete of an existing feature may omit the body; everything
		// else has nothing to append.
		r.dropMalformed(connID, "mapDraw")
		return
	}

	r.audit.Record(mapID, event.MapEvent{
		MapID:  mapID,
		Action: event.ActionDraw,
		UserID: connID.String(),
		Event:  json.RawMessage(rawEvent.Raw),
	})

	// Detach from the connection context: a disconnect racing this write
	// must not abort it, durability wins and only the fan-out shrinks.
	fid, err := r.features.RecordDraw(context.WithoutCancel(ctx), mapID, drawEv)
	if err != nil {
		r.broadcastStoreError(mapID, "draw", drawEv.FID, err)
		return
	}
	drawEv.FID = fid
	msg := event.Marshal(event.DrawChannel(mapID), map[string]any{"event": drawEv})
	r.registry.Broadcast(mapID, msg, uuid.Nil)
}

// handleEditFeature announces edit-mode changes to everyone else on the map.
func (r *EventRouter) handleEditFeature(connID uuid.UUID, payload json.RawMessage) {
	mapID := gjson.GetBytes(payload, "mapId").String()
	user := gjson.GetBytes(payload, "user").String()
	fid := gjson.GetBytes(payload, "fid").String()
	if mapID == "" || user == "" || fid == "" {
		r.dropMalformed(connID, "editFeature")
		return
	}
	if !r.boundMap(connID, mapID) {
		return
	}
	r.audit.Record(mapID, event.MapEvent{
		MapID:  mapID,
		Action: event.ActionEditMode,
		User:   user,
		UserID: connID.String(),
		FID:    fid,
	})
	msg := event.Marshal(event.EditChannel(mapID), payload)
	r.registry.Broadcast(mapID, msg, connID)
}

// handleChat relays chat to the whole map, sender included.
func (r *EventRouter) handleChat(connID uuid.UUID, payload json.RawMessage) {
	mapID := gjson.GetBytes(payload, "mapId").String()
	user := gjson.GetBytes(payload, "user").String()
	message := gjson.GetBytes(payload, "message").String()
	if mapID == "" || user == "" || message == "" {
		r.dropMalformed(connID, "chat")
		return
	}
	if !r.boundMap(connID, mapID) {
		return
	}
	r.audit.Record(mapID, event.MapEvent{
		MapID:   mapID,
		Action:  event.ActionChat,
		User:    user,
		UserID:  connID.String(),
		Message: message,
	})
	msg := event.Marshal(event.ChatChannel(mapID), map[string]any{
		"user":    user,
		"message": message,
	})
	r.registry.Broadcast(mapID, msg, uuid.Nil)
}

// handleRevert rolls a feature back to an earlier revision. The reverted
// state goes out as a regular draw event on the map's draw channel.
func (r *EventRouter) handleRevert(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	mapID := gjson.GetBytes(payload, "mapId").String()
	fid := gjson.GetBytes(payload, "fid").String()
	toRev := gjson.GetBytes(payload, "toRev").String()
	user := gjson.GetBytes(payload, "user").String()
	if mapID == "" || fid == "" || toRev == "" || user == "" {
		r.dropMalformed(connID, "revertFeature")
		return
	}
	if !r.boundMap(connID, mapID) {
		return
	}
	r.audit.Record(mapID, event.MapEvent{
		MapID:  mapID,
		Action: event.ActionRevert,
		User:   user,
		UserID: connID.String(),
		FID:    fid,
		ToRev:  toRev,
	})

	drawEv, err := r.features.Revert(context.WithoutCancel(ctx), mapID, fid, toRev, user)
	if err != nil {
		r.broadcastStoreError(mapID, "revert", fid, err)
		return
	}
	msg := event.Marshal(event.DrawChannel(mapID), map[string]any{"event": drawEv})
	r.registry.Broadcast(mapID, msg, uuid.Nil)
}

// handleRestore brings a tombstoned feature back as a created draw event.
func (r *EventRouter) handleRestore(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	mapID := gjson.GetBytes(payload, "mapId").String()
	fid := gjson.GetBytes(payload, "fid").String()
	user := gjson.GetBytes(payload, "user").String()
	if mapID == "" || fid == "" || user == "" {
		r.dropMalformed(connID, "restoreDeletedFeature")
		return
	}
	if !r.boundMap(connID, mapID) {
		return
	}
	r.audit.Record(mapID, event.MapEvent{
		MapID:  mapID,
		Action: event.ActionRestored,
		User:   user,
		UserID: connID.String(),
		FID:    fid,
	})

	drawEv, err := r.features.Restore(context.WithoutCancel(ctx), mapID, fid, user)
	if err != nil {
		r.broadcastStoreError(mapID, "restore", fid, err)
		return
	}
	msg := event.Marshal(event.DrawChannel(mapID), map[string]any{"event": drawEv})
	r.registry.Broadcast(mapID, msg, uuid.Nil)
}

// handleTester fans debug commands out to every live connection, regardless
// of map.
func (r *EventRouter) handleTester(payload json.RawMessage) {
	msg := event.Marshal(event.TesterChannel, payload)
	r.conns.Each(func(s session.Sender) {
		s.Send(msg)
	})
}

// broadcastStoreError surfaces a persistence or lookup failure to the whole
// map: other clients may be waiting on a consistent fid sequence, so silence
// would let them diverge. The payload is sanitized; raw store errors stay in
// the logs.
func (r *EventRouter) broadcastStoreError(mapID, action, fid string, err error) {
	code := "persistenceFailure"
	switch {
	case errors.Is(err, store.ErrRevisionNotFound):
		code = "revisionNotFound"
	case errors.Is(err, store.ErrFeatureNotFound):
		code = "featureNotFound"
	default:
		persistFailed.Inc()
	}
	r.logger.Error("store operation failed",
		"mapID", mapID,
		"action", action,
		"fid", fid,
		"error", err,
	)
	msg := event.Marshal(event.DrawChannel(mapID), map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": "operation failed",
			"action":  action,
			"fid":     fid,
		},
	})
	r.registry.Broadcast(mapID, msg, uuid.Nil)
}
