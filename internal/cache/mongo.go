package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the name of the collection holding cache records.
const Collection = "youtube"

// MongoStore keeps cache records in a MongoDB collection. Payloads are stored
// as embedded documents so that they remain queryable from the shell.
type MongoStore struct {
	collection *mongo.Collection
}

type recordDocument struct {
	Endpoint    string        `bson:"endpoint"`
	Params      string        `bson:"params"`
	Data        bson.RawValue `bson:"data"`
	IP          string        `bson:"ip"`
	CreatedDate time.Time     `bson:"createdDate"`
	ExpireDate  time.Time     `bson:"expireDate"`
}

func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

func (s *MongoStore) Find(ctx context.Context, endpoint, key string) (*Record, error) {
	var doc recordDocument

	err := s.collection.FindOne(ctx, recordFilter(endpoint, key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed for %s/%s: %w", endpoint, key, err)
	}

	payload, err := payloadFromBSON(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("cache record %s/%s has unreadable data: %w", endpoint, key, err)
	}

	return &Record{
		Endpoint:  doc.Endpoint,
		Key:       doc.Params,
		Payload:   payload,
		IP:        doc.IP,
		CreatedAt: doc.CreatedDate,
		ExpireAt:  doc.ExpireDate,
	}, nil
}

func (s *MongoStore) Upsert(ctx context.Context, record Record) error {
	data, err := payloadToBSON(record.Payload)
	if err != nil {
		return fmt.Errorf("cache payload for %s/%s cannot be stored: %w", record.Endpoint, record.Key, err)
	}

	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "data", Value: data},
			{Key: "ip", Value: record.IP},
			{Key: "expireDate", Value: record.ExpireAt},
		}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "createdDate", Value: record.CreatedAt},
		}},
	}

	_, err = s.collection.UpdateOne(ctx,
		recordFilter(record.Endpoint, record.Key),
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("cache upsert failed for %s/%s: %w", record.Endpoint, record.Key, err)
	}

	return nil
}

func recordFilter(endpoint, key string) bson.D {
	return bson.D{
		{Key: "endpoint", Value: endpoint},
		{Key: "params", Value: key},
	}
}

// payloadToBSON converts a JSON object payload to a document. A nil payload is
// stored as null.
func payloadToBSON(payload json.RawMessage) (any, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}

	var doc bson.D
	if err := bson.UnmarshalExtJSON(payload, false, &doc); err != nil {
		return nil, err
	}

	return doc, nil
}

func payloadFromBSON(value bson.RawValue) (json.RawMessage, error) {
	switch value.Type {
	case 0, bsontype.Null, bsontype.Undefined:
		return nil, nil
	case bsontype.EmbeddedDocument:
		data, err := bson.MarshalExtJSON(value.Document(), false, false)
		if err != nil {
			return nil, err
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unexpected data type %s", value.Type)
	}
}
