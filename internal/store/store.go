// Package store defines the persistence contract for the per-map,
// per-feature event log. The log exclusively owns feature revision history;
// the server never caches authoritative feature state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/czd326/cooperative-indoor/internal/event"
)

var (
	// ErrFeatureNotFound reports an unknown fid on the given map, or a
	// restore target with no tombstoned revision.
	ErrFeatureNotFound = errors.New("feature not found")

	// ErrRevisionNotFound reports a revision id absent from a feature's
	// history.
	ErrRevisionNotFound = errors.New("revision not found")
)

// Revision is one appended, ordered version of a feature's state.
type Revision struct {
	ID        string
	FID       string
	Body      json.RawMessage
	Tombstone bool
	CreatedAt time.Time
}

// EventLog is the append-only store behind the synchronization server.
// Implementations must make SaveFeature and AppendRevision atomic per call.
type EventLog interface {
	// RecordAction appends to the audit log. Best-effort; callers may treat
	// failures as non-fatal.
	RecordAction(ctx context.Context, mapID string, ev event.MapEvent) error

	// SaveFeature appends a draw event. When the event carries no fid the
	// store creates the feature and assigns one; either way the feature's
	// fid is returned.
	SaveFeature(ctx context.Context, mapID string, draw event.DrawEvent) (string, error)

	// GetRevision returns the feature body stored at a revision id.
	GetRevision(ctx context.Context, mapID, fid, revID string) (json.RawMessage, error)

	// GetLatestRevision returns the most recent revision body and its id.
	GetLatestRevision(ctx context.Context, mapID, fid string) (json.RawMessage, string, error)

	// GetLatestTombstone returns the body of the most recent tombstoned
	// revision, or ErrFeatureNotFound when the feature was never deleted.
	GetLatestTombstone(ctx context.Context, mapID, fid string) (json.RawMessage, error)

	// AppendRevision appends a new revision under an existing fid and
	// returns the new revision id.
	AppendRevision(ctx context.Context, mapID, fid string, body json.RawMessage, tombstoned bool) (string, error)

	// History returns a feature's revisions in append order.
	History(ctx context.Context, mapID, fid string) ([]Revision, error)
}
