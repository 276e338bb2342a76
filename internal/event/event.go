// Package event defines the wire envelope and the map event model shared by
// the router, the versioning controller and the event log.
package event

import "encoding/json"

// Envelope is the framing for every message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Action classifies a persisted map event in the audit log.
type Action string

const (
	ActionConnect  Action = "connect"
	ActionMove     Action = "move"
	ActionDraw     Action = "draw"
	ActionEditMode Action = "editMode"
	ActionChat     Action = "chat"
	ActionRevert   Action = "revert"
	ActionRestored Action = "restored"
)

// Draw subtypes carried inside a draw event. They determine how a revision is
// classified (creation, mutation, tombstone) but not the append contract.
const (
	DrawCreated    = "created"
	DrawEditedGeom = "edited geometry"
	DrawEditedProp = "edited properties"
	DrawDeleted    = "deleted feature"
	DrawImported   = "imported feature"
	DrawReverted   = "reverted"
)

// MapEvent is the unit persisted to the event log. Every persisted MapEvent
// carries a non-empty MapID and Action.
type MapEvent struct {
	MapID   string          `json:"mapId"`
	Action  Action          `json:"action"`
	User    string          `json:"user,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	FID     string          `json:"fid,omitempty"`
	ToRev   string          `json:"toRev,omitempty"`
	Message string          `json:"message,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// DrawEvent is the action-specific body of a draw. Feature is a GeoJSON
// feature; FID is empty until the store assigns one.
type DrawEvent struct {
	FID     string          `json:"fid,omitempty"`
	Action  string          `json:"action,omitempty"`
	Feature json.RawMessage `json:"feature,omitempty"`
	User    string          `json:"user,omitempty"`
}

// Outbound channel names are scoped by map id, matching what clients
// subscribe to.

func UsersChannel(mapID string) string    { return mapID + "-users" }
func MovementChannel(mapID string) string { return mapID + "-mapMovement" }
func DrawChannel(mapID string) string     { return mapID + "-mapDraw" }
func EditChannel(mapID string) string     { return mapID + "-editFeature" }
func ChatChannel(mapID string) string     { return mapID + "-chat" }

// TesterChannel is the debug fan-out; it is not map-scoped.
const TesterChannel = "tester-commands"

// Marshal frames an outbound message. Marshalling a map of plain values
// cannot fail, so errors here indicate a programming mistake and surface as
// an empty message rather than a panic.
func Marshal(channel string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	msg, err := json.Marshal(Envelope{Event: channel, Payload: raw})
	if err != nil {
		return nil
	}
	return msg
}
