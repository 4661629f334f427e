package history

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"expertstream/pkg/logger"
)

const historyCollection = "chat_history"

// documentBackend stores records in a MongoDB collection.
type documentBackend struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// newDocumentBackend connects, pings within probeTimeout and prepares
// the collection. Index creation is best-effort.
func newDocumentBackend(ctx context.Context, uri, database string, probe time.Duration) (*documentBackend, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(probe).
		SetConnectTimeout(probe))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, probe)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping: %w", err)
	}

	coll := client.Database(database).Collection(historyCollection)

	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Could not create history indexes")
	}

	return &documentBackend{client: client, collection: coll}, nil
}

func (d *documentBackend) Save(ctx context.Context, rec Record) error {
	_, err := d.collection.InsertOne(ctx, rec)
	return err
}

func (d *documentBackend) Get(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := d.collection.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (d *documentBackend) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}
