// Package feature implements feature identity assignment and the revert and
// restore operations over the event log. Reverts are forward-only: history is
// never rewritten, a revert itself becomes a new revision.
package feature

import (
	"context"
	"log/slog"

	"github.com/czd326/cooperative-indoor/internal/event"
	"github.com/czd326/cooperative-indoor/internal/store"
)

// draw is the tagged variant behind RecordDraw: a draw either creates a new
// feature (no fid yet, the store assigns one) or appends a revision under an
// existing fid. The distinction is the presence of the fid, not the action
// subtype string.
type draw interface{ isDraw() }

type newFeatureDraw struct {
	ev event.DrawEvent
}

type featureRevisionDraw struct {
	fid       string
	ev        event.DrawEvent
	tombstone bool
}

func (newFeatureDraw) isDraw()      {}
func (featureRevisionDraw) isDraw() {}

func classify(ev event.DrawEvent) draw {
	if ev.FID == "" {
		return newFeatureDraw{ev: ev}
	}
	return featureRevisionDraw{
		fid:       ev.FID,
		ev:        ev,
		tombstone: ev.Action == event.DrawDeleted,
	}
}

type Controller struct {
	log    store.EventLog
	logger *slog.Logger
}

func NewController(logger *slog.Logger, log store.EventLog) *Controller {
	return &Controller{
		log:    log,
		logger: logger.With(slog.String("component", "feature_controller")),
	}
}

// RecordDraw persists a draw event and returns the feature's fid, assigning
// one through the store when the event carries none. The action subtype is
// carried through unchanged.
func (c *Controller) RecordDraw(ctx context.Context, mapID string, ev event.DrawEvent) (string, error) {
	switch d := classify(ev).(type) {
	case newFeatureDraw:
		return c.log.SaveFeature(ctx, mapID, d.ev)
	case featureRevisionDraw:
		if _, err := c.log.AppendRevision(ctx, mapID, d.fid, d.ev.Feature, d.tombstone); err != nil {
			return "", err
		}
		return d.fid, nil
	}
	return "", nil
}

// Revert fetches the snapshot stored at toRev and appends it as a new
// revision, returning the draw event to broadcast. The router owns fan-out.
func (c *Controller) Revert(ctx context.Context, mapID, fid, toRev, user string) (event.DrawEvent, error) {
	body, err := c.log.GetRevision(ctx, mapID, fid, toRev)
	if err != nil {
		return event.DrawEvent{}, err
	}
	if _, err := c.log.AppendRevision(ctx, mapID, fid, body, false); err != nil {
		return event.DrawEvent{}, err
	}
	c.logger.Info("feature reverted",
		slog.String("mapID", mapID),
		slog.String("fid", fid),
		slog.String("toRev", toRev),
		slog.String("user", user),
	)
	return event.DrawEvent{
		Action:  event.DrawReverted,
		Feature: body,
		FID:     fid,
		User:    user,
	}, nil
}

// Restore re-appends the body of the latest tombstoned revision as a live
// revision, making the feature visible again.
func (c *Controller) Restore(ctx context.Context, mapID, fid, user string) (event.DrawEvent, error) {
	body, err := c.log.GetLatestTombstone(ctx, mapID, fid)
	if err != nil {
		return event.DrawEvent{}, err
	}
	if _, err := c.log.AppendRevision(ctx, mapID, fid, body, false); err != nil {
		return event.DrawEvent{}, err
	}
	c.logger.Info("feature restored",
		slog.String("mapID", mapID),
		slog.String("fid", fid),
		slog.String("user", user),
	)
	return event.DrawEvent{
		Action:  event.DrawCreated,
		Feature: body,
		FID:     fid,
		User:    user,
	}, nil
}
