package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/logger"
	"github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/mqtt"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ClientIdEmptyError = errors.New("client_id is empty")

// DBStore MongoDB持久化实现，带读穿LRU缓存
type DBStore struct {
	db           *mongo.Database
	sessionCache *expirable.LRU[string, *SessionRecord]
}

var _ SessionStore = (*DBStore)(nil)
var _ RetainedStore = (*DBStore)(nil)

var DbStore *DBStore

func NewDatabaseStore() *DBStore {
	if DbStore == nil {
		DbStore = &DBStore{
			db:           Database,
			sessionCache: expirable.NewLRU[string, *SessionRecord](256, nil, time.Hour),
		}
	}
	return DbStore
}

func wrapDBError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) GetSession(clientID string) (*SessionRecord, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}

	if record, ok := ds.sessionCache.Get(clientID); ok {
		return record, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: clientID}}
	var record SessionRecord

	startTime := time.Now()
	err := ds.db.Collection(SessionCollectionName).FindOne(ctx, filter).Decode(&record)
	logger.DebugF("session query cost: %v", time.Since(startTime))

	if err != nil {
		return nil, wrapDBError(err)
	}

	ds.sessionCache.Add(clientID, &record)
	return &record, nil
}

func (ds *DBStore) SaveSession(record *SessionRecord) error {
	if record.ClientID == "" {
		return ClientIdEmptyError
	}

	ds.sessionCache.Remove(record.ClientID)

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: record.ClientID}}
	opts := options.Replace().SetUpsert(true)

	result, err := ds.db.Collection(SessionCollectionName).ReplaceOne(ctx, filter, record, opts)
	if err != nil {
		return wrapDBError(err)
	}

	logger.InfoF("Session saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		record.ClientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)

	return nil
}

func (ds *DBStore) DeleteSession(clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}

	ds.sessionCache.Remove(clientID)

	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: clientID}}
	result, err := ds.db.Collection(SessionCollectionName).DeleteOne(ctx, filter)
	if err != nil {
		return wrapDBError(err)
	}

	logger.InfoF("Session deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)

	return nil
}

func (ds *DBStore) GetRetained(topic string) (*mqtt.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "topic", Value: topic}}
	var message mqtt.Message

	startTime := time.Now()
	err := ds.db.Collection(RetainedCollectionName).FindOne(ctx, filter).Decode(&message)
	logger.DebugF("retained message query cost: %v", time.Since(startTime))

	if err != nil {
		return nil, wrapDBError(err)
	}

	return &message, nil
}

func (ds *DBStore) AllRetained() ([]mqtt.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	cursor, err := ds.db.Collection(RetainedCollectionName).Find(ctx, bson.D{})
	if err != nil {
		return nil, wrapDBError(err)
	}

	var messages []mqtt.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, wrapDBError(err)
	}
	return messages, nil
}

func (ds *DBStore) SaveRetained(message *mqtt.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "topic", Value: message.Topic}}
	opts := options.Replace().SetUpsert(true)

	result, err := ds.db.Collection(RetainedCollectionName).ReplaceOne(ctx, filter, message, opts)
	if err != nil {
		return wrapDBError(err)
	}

	logger.DebugF("Retained message saved: topic=%s, matched=%d, modified=%d, upserted=%v",
		message.Topic,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)

	return nil
}

func (ds *DBStore) DeleteRetained(topic string) error {
	ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
	defer cancel()

	filter := bson.D{{Key: "topic", Value: topic}}
	result, err := ds.db.Collection(RetainedCollectionName).DeleteOne(ctx, filter)
	if err != nil {
		return wrapDBError(err)
	}

	logger.DebugF("Retained message deleted: topic=%s, deleted=%d", topic, result.DeletedCount)

	return nil
}
