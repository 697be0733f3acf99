package persistence

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flowline/pkg/api"
)

// MongoEventStore keeps history events as documents of one collection.
type MongoEventStore struct {
	coll *mongo.Collection
}

var _ EventStore = (*MongoEventStore)(nil)

// NewMongoEventStore creates a Mongo-backed event store.
// dbName defaults to "flowline" if empty, collName defaults to "history".
func NewMongoEventStore(client *mongo.Client, dbName, collName string) *MongoEventStore {
	if dbName == "" {
		dbName = "flowline"
	}
	if collName == "" {
		collName = "history"
	}
	return &MongoEventStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

// mongoEventDoc adds an insertion sequence so listing is stable even when
// two events share a timestamp.
type mongoEventDoc struct {
	api.HistoryEvent `bson:",inline"`
	Seq              int64 `bson:"seq"`
}

func (s *MongoEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.coll.InsertOne(ctx, mongoEventDoc{HistoryEvent: ev, Seq: time.Now().UnixNano()})
	return err
}

func (s *MongoEventStore) ListEvents(ctx context.Context, processInstanceID string) ([]api.HistoryEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"process_instance_id": processInstanceID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.HistoryEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.HistoryEvent)
	}
	return out, cur.Err()
}
