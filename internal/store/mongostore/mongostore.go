// Package mongostore persists the event log in MongoDB. Feature revisions
// live in one collection keyed by (mapId, fid, rev); revision numbers are
// allocated through an atomic counter document so SaveFeature and
// AppendRevision stay atomic per call.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/czd326/cooperative-indoor/internal/event"
	"github.com/czd326/cooperative-indoor/internal/store"
)

const (
	colActions  = "actions"
	colFeatures = "features"
	colCounters = "counters"
)

// actionDoc is an audit log entry.
type actionDoc struct {
	MapID     string    `bson:"mapId"`
	Action    string    `bson:"action"`
	User      string    `bson:"user,omitempty"`
	UserID    string    `bson:"userId,omitempty"`
	FID       string    `bson:"fid,omitempty"`
	ToRev     string    `bson:"toRev,omitempty"`
	Message   string    `bson:"message,omitempty"`
	Payload   string    `bson:"payload,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
}

// revisionDoc is one feature revision. Body holds the GeoJSON text verbatim.
type revisionDoc struct {
	MapID     string    `bson:"mapId"`
	FID       string    `bson:"fid"`
	Rev       int64     `bson:"rev"`
	Body      string    `bson:"body"`
	Tombstone bool      `bson:"tombstone"`
	CreatedAt time.Time `bson:"createdAt"`
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.EventLog = (*Store)(nil)

// Dial connects to MongoDB and prepares the revision index.
func Dial(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	_, err = db.Collection(colFeatures).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "mapId", Value: 1}, {Key: "fid", Value: 1}, {Key: "rev", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create revision index: %w", err)
	}
	return &Store{client: client, db: db}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) RecordAction(ctx context.Context, mapID string, ev event.MapEvent) error {
	doc := actionDoc{
		MapID:     mapID,
		Action:    string(ev.Action),
		User:      ev.User,
		UserID:    ev.UserID,
		FID:       ev.FID,
		ToRev:     ev.ToRev,
		Message:   ev.Message,
		Payload:   string(ev.Event),
		Timestamp: time.Now(),
	}
	if _, err := s.db.Collection(colActions).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

func (s *Store) SaveFeature(ctx context.Context, mapID string, draw event.DrawEvent) (string, error) {
	fid := draw.FID
	if fid == "" {
		fid = primitive.NewObjectID().Hex()
	}
	if _, err := s.insertRevision(ctx, mapID, fid, draw.Feature, draw.Action == event.DrawDeleted); err != nil {
		return "", err
	}
	return fid, nil
}

func (s *Store) GetRevision(ctx context.Context, mapID, fid, revID string) (json.RawMessage, error) {
	rev, err := strconv.ParseInt(revID, 10, 64)
	if err != nil {
		return nil, store.ErrRevisionNotFound
	}

	var doc revisionDoc
	err = s.db.Collection(colFeatures).
		FindOne(ctx, bson.M{"mapId": mapID, "fid": fid, "rev": rev}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if !s.featureExists(ctx, mapID, fid) {
			return nil, store.ErrFeatureNotFound
		}
		return nil, store.ErrRevisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get revision: %w", err)
	}
	return json.RawMessage(doc.Body), nil
}

func (s *Store) GetLatestRevision(ctx context.Context, mapID, fid string) (json.RawMessage, string, error) {
	var doc revisionDoc
	err := s.db.Collection(colFeatures).
		FindOne(ctx, bson.M{"mapId": mapID, "fid": fid},
			options.FindOne().SetSort(bson.D{{Key: "rev", Value: -1}})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, "", store.ErrFeatureNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get latest revision: %w", err)
	}
	return json.RawMessage(doc.Body), strconv.FormatInt(doc.Rev, 10), nil
}

func (s *Store) GetLatestTombstone(ctx context.Context, mapID, fid string) (json.RawMessage, error) {
	var doc revisionDoc
	err := s.db.Collection(colFeatures).
		FindOne(ctx, bson.M{"mapId": mapID, "fid": fid, "tombstone": true},
			options.FindOne().SetSort(bson.D{{Key: "rev", Value: -1}})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrFeatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest tombstone: %w", err)
	}
	return json.RawMessage(doc.Body), nil
}

func (s *Store) AppendRevision(ctx context.Context, mapID, fid string, body json.RawMessage, tombstoned bool) (string, error) {
	if !s.featureExists(ctx, mapID, fid) {
		return "", store.ErrFeatureNotFound
	}
	return s.insertRevision(ctx, mapID, fid, body, tombstoned)
}

func (s *Store) History(ctx context.Context, mapID, fid string) ([]store.Revision, error) {
	cur, err := s.db.Collection(colFeatures).
		Find(ctx, bson.M{"mapId": mapID, "fid": fid},
			options.Find().SetSort(bson.D{{Key: "rev", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.Revision
	for cur.Next(ctx) {
		var doc revisionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode revision: %w", err)
		}
		out = append(out, store.Revision{
			ID:        strconv.FormatInt(doc.Rev, 10),
			FID:       doc.FID,
			Body:      json.RawMessage(doc.Body),
			Tombstone: doc.Tombstone,
			CreatedAt: doc.CreatedAt,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	if len(out) == 0 {
		return nil, store.ErrFeatureNotFound
	}
	return out, nil
}

func (s *Store) featureExists(ctx context.Context, mapID, fid string) bool {
	n, err := s.db.Collection(colFeatures).
		CountDocuments(ctx, bson.M{"mapId": mapID, "fid": fid}, options.Count().SetLimit(1))
	return err == nil && n > 0
}

// insertRevision allocates the next revision number through the counter
// document and inserts the revision under it.
func (s *Store) insertRevision(ctx context.Context, mapID, fid string, body json.RawMessage, tombstoned bool) (string, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": mapID + "/" + fid},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return "", fmt.Errorf("allocate revision number: %w", err)
	}

	doc := revisionDoc{
		MapID:     mapID,
		FID:       fid,
		Rev:       counter.Seq,
		Body:      string(body),
		Tombstone: tombstoned,
		CreatedAt: time.Now(),
	}
	if _, err := s.db.Collection(colFeatures).InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("insert revision: %w", err)
	}
	return strconv.FormatInt(counter.Seq, 10), nil
}
