package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-iot-core/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DBStore 将在途发布记录保存在 MongoDB，每个客户端一个文档
type DBStore struct {
	collection       *mongo.Collection
	operationTimeout time.Duration
}

var _ InflightStore = (*DBStore)(nil)

func NewDatabaseStore(collection *mongo.Collection, operationTimeout time.Duration) *DBStore {
	if operationTimeout <= 0 {
		operationTimeout = defaultOperationTimeout
	}
	return &DBStore{collection: collection, operationTimeout: operationTimeout}
}

func clientFilter(clientID string) bson.D {
	return bson.D{{Key: "client_id", Value: clientID}}
}

func wrapMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) Load(ctx context.Context, clientID string) (*InflightDocument, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	var document InflightDocument
	startTime := time.Now()
	err := ds.collection.FindOne(ctx, clientFilter(clientID)).Decode(&document)
	logger.DebugF("inflight query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, wrapMongoError(err)
	}
	return &document, nil
}

func (ds *DBStore) Save(ctx context.Context, document *InflightDocument) error {
	if document.ClientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	result, err := ds.collection.ReplaceOne(ctx, clientFilter(document.ClientID), document, opts)
	if err != nil {
		return wrapMongoError(err)
	}

	logger.DebugF("Inflight saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		document.ClientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *DBStore) Delete(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	result, err := ds.collection.DeleteOne(ctx, clientFilter(clientID))
	if err != nil {
		return wrapMongoError(err)
	}
	logger.DebugF("Inflight deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)
	return nil
}
