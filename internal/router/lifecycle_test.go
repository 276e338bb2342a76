package router_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"github.com/czd326/cooperative-indoor/internal/audit"
	"github.com/czd326/cooperative-indoor/internal/event"
	"github.com/czd326/cooperative-indoor/internal/feature"
	"github.com/czd326/cooperative-indoor/internal/router"
	"github.com/czd326/cooperative-indoor/internal/session"
	"github.com/czd326/cooperative-indoor/internal/store"
	"github.com/czd326/cooperative-indoor/internal/store/memorystore"
)

// ctxCheckedStore fails writes the way a driver would when handed a dead
// context, so tests can tell whether the router shields persistence from a
// departing connection.
type ctxCheckedStore struct {
	*memorystore.Store
}

func (s *ctxCheckedStore) SaveFeature(ctx context.Context, mapID string, draw event.DrawEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Store.SaveFeature(ctx, mapID, draw)
}

func (s *ctxCheckedStore) AppendRevision(ctx context.Context, mapID, fid string, body json.RawMessage, tombstoned bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Store.AppendRevision(ctx, mapID, fid, body, tombstoned)
}

func newCheckedFixture() (*fixture, *ctxCheckedStore) {
	logger := newTestLogger()
	st := &ctxCheckedStore{Store: memorystore.New()}
	registry := session.NewRegistry(logger)
	recorder := audit.NewRecorder(logger, st, audit.Config{BufferSize: 64, MaxRetries: 1, RetryDelay: time.Millisecond})
	features := feature.NewController(logger, st)
	conns := &fakeConns{senders: make(map[uuid.UUID]*fakeSender)}
	fx := &fixture{
		router:   router.NewEventRouter(logger, registry, features, recorder, conns),
		registry: registry,
		store:    st.Store,
		recorder: recorder,
		conns:    conns,
	}
	return fx, st
}

func lastDraw(t *testing.T, s *fakeSender) event.DrawEvent {
	t.Helper()
	draws := s.received(t, "m1-mapDraw")
	if len(draws) == 0 {
		t.Fatal("expected at least one mapDraw broadcast")
	}
	var body struct {
		Event event.DrawEvent `json:"event"`
	}
	if err := json.Unmarshal(draws[len(draws)-1], &body); err != nil {
		t.Fatalf("unmarshal draw: %v", err)
	}
	return body.Event
}

func TestDrawPersistsDespiteCancelledConnectionContext(t *testing.T) {
	fx, _ := newCheckedFixture()
	idA, a := fx.connect()
	fx.send(t, idA, "login", `{"mapId":"m1","user":"alice"}`)

	// The connection's context dies the moment the client drops; a draw
	// already being handled must still reach the store.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := []byte(`{"event":"mapDraw","payload":{"mapId":"m1","event":{"action":"created","feature":` + pointFeature + `}}}`)
	fx.router.HandleMessage(ctx, idA, msg)

	drawEv := lastDraw(t, a)
	if drawEv.FID == "" {
		t.Fatal("draw was not broadcast with an assigned fid")
	}
	if _, _, err := fx.store.GetLatestRevision(context.Background(), "m1", drawEv.FID); err != nil {
		t.Errorf("draw must survive the sender's departure, store says: %v", err)
	}

	// No error object either: the write succeeded.
	for _, payload := range a.received(t, "m1-mapDraw") {
		var body struct {
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if len(body.Error) != 0 {
			t.Errorf("unexpected error broadcast: %s", payload)
		}
	}
}

func TestRevertPersistsDespiteCancelledConnectionContext(t *testing.T) {
	fx, _ := newCheckedFixture()
	idA, a := fx.connect()
	fx.send(t, idA, "login", `{"mapId":"m1","user":"alice"}`)
	fx.send(t, idA, "mapDraw", `{"mapId":"m1","event":{"action":"created","feature":`+pointFeature+`}}`)
	created := lastDraw(t, a)
	fx.send(t, idA, "mapDraw", `{"mapId":"m1","event":{"fid":"`+created.FID+`","action":"edited properties","feature":`+pointFeature+`}}`)

	history, err := fx.store.History(context.Background(), "m1", created.FID)
	if err != nil || len(history) != 2 {
		t.Fatalf("setup history = %d revisions, err=%v", len(history), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := []byte(`{"event":"revertFeature","payload":{"mapId":"m1","fid":"` + created.FID + `","toRev":"` + history[0].ID + `","user":"alice"}}`)
	fx.router.HandleMessage(ctx, idA, msg)

	history, err = fx.store.History(context.Background(), "m1", created.FID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("revert must append despite the dead connection context, got %d revisions", len(history))
	}
	if got := lastDraw(t, a).Action; got != event.DrawReverted {
		t.Errorf("expected %q broadcast, got %q", event.DrawReverted, got)
	}
}

func TestFeatureLessDrawIsDroppedUnlessDelete(t *testing.T) {
	fx := newFixture()
	idA, a := fx.connect()
	fx.send(t, idA, "login", `{"mapId":"m1","user":"alice"}`)
	fx.send(t, idA, "mapDraw", `{"mapId":"m1","event":{"action":"created","feature":`+pointFeature+`}}`)
	created := lastDraw(t, a)

	// An edit with no feature body has nothing to append; it must be
	// dropped, not stored as an empty revision.
	fx.send(t, idA, "mapDraw", `{"mapId":"m1","event":{"fid":"`+created.FID+`","action":"edited geometry"}}`)

	history, err := fx.store.History(context.Background(), "m1", created.FID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("body-less edit must not append, got %d revisions", len(history))
	}
	if got := a.received(t, "m1-mapDraw"); len(got) != 1 {
		t.Errorf("body-less edit must not broadcast, got %d messages", len(got))
	}

	// A delete is the one body-less draw that makes sense: it tombstones.
	fx.send(t, idA, "mapDraw", `{"mapId":"m1","event":{"fid":"`+created.FID+`","action":"deleted feature"}}`)

	history, err = fx.store.History(context.Background(), "m1", created.FID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 || !history[len(history)-1].Tombstone {
		t.Fatalf("body-less delete must append a tombstone, history=%d", len(history))
	}
	if got := lastDraw(t, a).Action; got != event.DrawDeleted {
		t.Errorf("expected %q broadcast, got %q", event.DrawDeleted, got)
	}
}

func TestUnknownEventNamesShareOneCounter(t *testing.T) {
	fx := newFixture()
	idA, a := fx.connect()
	fx.send(t, idA, "login", `{"mapId":"m1","user":"alice"}`)

	unknown := metrics.GetOrCreateCounter("indoor_events_unknown_total")
	before := unknown.Get()

	// Client-chosen event names must not mint counters of their own.
	fx.send(t, idA, "mapDraw-but-evil", `{"mapId":"m1"}`)
	fx.send(t, idA, "x9f3c2a1", `{}`)

	if got := unknown.Get() - before; got != 2 {
		t.Errorf("expected 2 unknown events counted, got %d", got)
	}
	for _, name := range []string{`indoor_events_total{event="mapDraw-but-evil"}`, `indoor_events_total{event="x9f3c2a1"}`} {
		c := metrics.GetOrCreateCounter(name)
		if c.Get() != 0 {
			t.Errorf("counter %s must not be incremented for a client-chosen name", name)
		}
	}
	if got := a.received(t, "m1-mapDraw"); len(got) != 0 {
		t.Errorf("unknown event must be dropped, got %d broadcasts", len(got))
	}
}

var _ store.EventLog = (*ctxCheckedStore)(nil)
