package session_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/czd326/cooperative-indoor/internal/event"
	"github.com/czd326/cooperative-indoor/internal/session"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeSender captures everything sent to one connection.
type fakeSender struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeSender) Send(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, append([]byte(nil), msg...))
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// lastUsers decodes the most recent presence broadcast received.
func (f *fakeSender) lastUsers(t *testing.T) (string, map[string]string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		t.Fatal("no messages received")
	}
	var env event.Envelope
	if err := json.Unmarshal(f.msgs[len(f.msgs)-1], &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	var body struct {
		Users map[string]string `json:"users"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.Fatalf("unmarshal users payload: %v", err)
	}
	return env.Event, body.Users
}

func TestJoinBroadcastsPresenceToAllMembers(t *testing.T) {
	r := session.NewRegistry(newTestLogger())
	a, b := &fakeSender{}, &fakeSender{}
	idA, idB := uuid.New(), uuid.New()

	r.Join("m1", idA, a, "alice")
	r.Join("m1", idB, b, "bob")

	channel, users := a.lastUsers(t)
	if channel != "m1-users" {
		t.Errorf("expected channel m1-users, got %s", channel)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[idA.String()] != "alice" || users[idB.String()] != "bob" {
		t.Errorf("unexpected presence mapping: %v", users)
	}

	// the joiner receives the same snapshot
	_, usersB := b.lastUsers(t)
	if len(usersB) != 2 {
		t.Errorf("joiner expected 2 users, got %d", len(usersB))
	}
}

func TestJoinIsIdempotentPerConnection(t *testing.T) {
	r := session.NewRegistry(newTestLogger())
	a := &fakeSender{}
	idA := uuid.New()

	r.Join("m1", idA, a, "alice")
	r.Join("m1", idA, a, "alice")

	_, users := a.lastUsers(t)
	if len(users) != 1 {
		t.Errorf("expected presence of size 1 after double join, got %d", len(users))
	}
}

func TestRejoinUpdatesDisplayName(t *testing.T) {
	r := session.NewRegistry(newTestLogger())
	a := &fakeSender{}
	idA := uuid.New()

	r.Join("m1", idA, a, "alice")
	r.Join("m1", idA, a, "alicia")

	_, users := a.lastUsers(t)
	if users[idA.String()] != "alicia" {
		t.Errorf("expected updated name alicia, got %q", users[idA.String()])
	}
}

func TestJoinSecondMapEvictsFromFirst(t *testing.T) {
	r := session.NewRegistry(newTestLogger())
	a := &fakeSender{}
	idA := uuid.New()

	r.Join("m1", idA, a, "alice")
	r.Join("m2", idA, a, "alice")

	if got := len(r.PresenceOf("m1")); got != 0 {
		t.Errorf("expected m1 presence empty after re-join, got %d", got)
	}
	if got := len(r.PresenceOf("m2")); got != 1 {
		t.Errorf("expected m2 presence of 1, got %d", got)
	}
	mapID, _, ok := r.Bound(idA)
	if !ok || mapID != "m2" {
		t.Errorf("expected connection bound to m2, got %q (ok=%v)", mapID, ok)
	}
}

func TestLeaveRebroadcastsAndTearsDownEmptySessions(t *testing.T) {
	r := session.NewRegistry(newTestLogger())
	a, b := &fakeSender{}, &fakeSender{}
	idA, idB := uuid.New(), uuid.New()

	r.Join("m1", idA, a, "alice")
	r.Join("m1", idB, b, "bob")

	affected := r.Leave(idA)
	if len(affected) != 1 || affected[0] != "m1" {
		t.Fatalf("expected affected maps [m1], got %v", affected)
	}

	_, users := b.lastUsers(t)
	if len(users) != 1 || users[idB.String()] != "bob" {
		t.Errorf("expected remaining presence {bob}, got %v", users)
	}

	r.Leave(idB)
	if got := len(r.PresenceOf("m1")); got != 0 {
		t.Errorf("expected empty presence after all left, got %d", got)
	}
	if _, _, ok := r.Bound(idB); ok {
		t.Error("expected connection unbound after leave")
	}
}

func TestLeaveUnknownConnectionIsNoop(t *testing.T) {
	r := session.NewRegistry(newTestLogger())
	if affected := r.Leave(uuid.New()); affected != nil {
		t.Errorf("expected nil affected maps, got %v", affected)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := session.NewRegistry(newTestLogger())
	a, b := &fakeSender{}, &fakeSender{}
	idA, idB := uuid.New(), uuid.New()

	r.Join("m1", idA, a, "alice")
	r.Join("m1", idB, b, "bob")
	beforeA, beforeB := a.count(), b.count()

	r.Broadcast("m1", []byte(`{"event":"x"}`), idA)

	if a.count() != beforeA {
		t.Error("sender should not receive an excluded broadcast")
	}
	if b.count() != beforeB+1 {
		t.Error("other member should receive the broadcast")
	}
}

func TestPresenceOfReturnsSnapshot(t *testing.T) {
	r := session.NewRegistry(newTestLogger())
	a := &fakeSender{}
	idA := uuid.New()
	r.Join("m1", idA, a, "alice")

	snap := r.PresenceOf("m1")
	snap["mutated"] = "nope"

	if len(r.PresenceOf("m1")) != 1 {
		t.Error("mutating a snapshot must not affect registry state")
	}
}
