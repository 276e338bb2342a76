// Package memorystore keeps the event log in process memory. It backs
// development runs without a database and the test suites of everything
// layered above the store contract.
package memorystore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/czd326/cooperative-indoor/internal/event"
	"github.com/czd326/cooperative-indoor/internal/store"
)

type mapLog struct {
	actions  []event.MapEvent
	features map[string][]store.Revision
	nextFID  int
	nextRev  int
}

type Store struct {
	mu   sync.RWMutex
	maps map[string]*mapLog
}

var _ store.EventLog = (*Store)(nil)

func New() *Store {
	return &Store{maps: make(map[string]*mapLog)}
}

func (s *Store) logFor(mapID string) *mapLog {
	l, ok := s.maps[mapID]
	if !ok {
		l = &mapLog{features: make(map[string][]store.Revision)}
		s.maps[mapID] = l
	}
	return l
}

func (s *Store) RecordAction(_ context.Context, mapID string, ev event.MapEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logFor(mapID)
	l.actions = append(l.actions, ev)
	return nil
}

func (s *Store) SaveFeature(_ context.Context, mapID string, draw event.DrawEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logFor(mapID)
	fid := draw.FID
	if fid == "" {
		l.nextFID++
		fid = fmt.Sprintf("f%d", l.nextFID)
	}
	l.append(fid, draw.Feature, draw.Action == event.DrawDeleted)
	return fid, nil
}

func (s *Store) GetRevision(_ context.Context, mapID, fid, revID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs, err := s.revisions(mapID, fid)
	if err != nil {
		return nil, err
	}
	for _, r := range revs {
		if r.ID == revID {
			return r.Body, nil
		}
	}
	return nil, store.ErrRevisionNotFound
}

func (s *Store) GetLatestRevision(_ context.Context, mapID, fid string) (json.RawMessage, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs, err := s.revisions(mapID, fid)
	if err != nil {
		return nil, "", err
	}
	latest := revs[len(revs)-1]
	return latest.Body, latest.ID, nil
}

func (s *Store) GetLatestTombstone(_ context.Context, mapID, fid string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs, err := s.revisions(mapID, fid)
	if err != nil {
		return nil, err
	}
	for i := len(revs) - 1; i >= 0; i-- {
		if revs[i].Tombstone {
			return revs[i].Body, nil
		}
	}
	return nil, store.ErrFeatureNotFound
}

func (s *Store) AppendRevision(_ context.Context, mapID, fid string, body json.RawMessage, tombstoned bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.maps[mapID]
	if !ok {
		return "", store.ErrFeatureNotFound
	}
	if _, ok := l.features[fid]; !ok {
		return "", store.ErrFeatureNotFound
	}
	return l.append(fid, body, tombstoned), nil
}

func (s *Store) History(_ context.Context, mapID, fid string) ([]store.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs, err := s.revisions(mapID, fid)
	if err != nil {
		return nil, err
	}
	out := make([]store.Revision, len(revs))
	copy(out, revs)
	return out, nil
}

// Actions returns the audit log of a map. Test hook, not part of the
// store contract.
func (s *Store) Actions(mapID string) []event.MapEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.maps[mapID]
	if !ok {
		return nil
	}
	out := make([]event.MapEvent, len(l.actions))
	copy(out, l.actions)
	return out
}

func (s *Store) revisions(mapID, fid string) ([]store.Revision, error) {
	l, ok := s.maps[mapID]
	if !ok {
		return nil, store.ErrFeatureNotFound
	}
	revs, ok := l.features[fid]
	if !ok || len(revs) == 0 {
		return nil, store.ErrFeatureNotFound
	}
	return revs, nil
}

func (l *mapLog) append(fid string, body json.RawMessage, tombstoned bool) string {
	l.nextRev++
	rev := store.Revision{
		ID:        fmt.Sprintf("%d", l.nextRev),
		FID:       fid,
		Body:      append(json.RawMessage(nil), body...),
		Tombstone: tombstoned,
		CreatedAt: time.Now(),
	}
	l.features[fid] = append(l.features[fid], rev)
	return rev.ID
}
