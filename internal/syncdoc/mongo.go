package syncdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Collection is the name of the collection holding sync documents.
const Collection = "sync"

type MongoStore struct {
	collection *mongo.Collection
}

type document struct {
	ID          string        `bson:"id"`
	Owner       string        `bson:"owner,omitempty"`
	Channels    bson.RawValue `bson:"channels"`
	CreatedDate time.Time     `bson:"createdDate"`
	UpdatedDate time.Time     `bson:"updatedDate"`
	CreatedIP   string        `bson:"createdIp,omitempty"`
	UpdatedIP   string        `bson:"updatedIp,omitempty"`
}

func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

func (s *MongoStore) Insert(ctx context.Context, doc Document) error {
	channels, err := channelsToBSON(doc.Channels)
	if err != nil {
		return fmt.Errorf("sync %s channels cannot be stored: %w", doc.ID, err)
	}

	_, err = s.collection.InsertOne(ctx, bson.D{
		{Key: "id", Value: doc.ID},
		{Key: "owner", Value: doc.Owner},
		{Key: "channels", Value: channels},
		{Key: "createdDate", Value: doc.CreatedAt},
		{Key: "updatedDate", Value: doc.UpdatedAt},
		{Key: "createdIp", Value: doc.CreatedIP},
		{Key: "updatedIp", Value: doc.UpdatedIP},
	})
	if err != nil {
		return fmt.Errorf("sync %s insert failed: %w", doc.ID, err)
	}

	return nil
}

func (s *MongoStore) Update(ctx context.Context, id string, channels json.RawMessage, ip string, at time.Time) error {
	value, err := channelsToBSON(channels)
	if err != nil {
		return fmt.Errorf("sync %s channels cannot be stored: %w", id, err)
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.D{{Key: "id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "channels", Value: value},
			{Key: "updatedDate", Value: at},
			{Key: "updatedIp", Value: ip},
		}}},
	)
	if err != nil {
		return fmt.Errorf("sync %s update failed: %w", id, err)
	}
	if result.MatchedCount == 0 {
		return errNotFound
	}

	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Document, error) {
	var doc document

	err := s.collection.FindOne(ctx, bson.D{{Key: "id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sync %s lookup failed: %w", id, err)
	}

	channels, err := channelsFromBSON(doc.Channels)
	if err != nil {
		return nil, fmt.Errorf("sync %s has unreadable channels: %w", id, err)
	}

	return &Document{
		ID:        doc.ID,
		Owner:     doc.Owner,
		Channels:  channels,
		CreatedAt: doc.CreatedDate,
		UpdatedAt: doc.UpdatedDate,
		CreatedIP: doc.CreatedIP,
		UpdatedIP: doc.UpdatedIP,
	}, nil
}

// channelsToBSON converts any JSON value to its BSON equivalent. Extended JSON
// only parses documents, so the value travels wrapped in one.
func channelsToBSON(channels json.RawMessage) (any, error) {
	if len(channels) == 0 {
		return nil, nil
	}

	wrapped := append(append([]byte(`{"v":`), channels...), '}')

	var doc bson.D
	if err := bson.UnmarshalExtJSON(wrapped, false, &doc); err != nil {
		return nil, err
	}
	if len(doc) != 1 {
		return nil, errors.New("channels must be a single JSON value")
	}

	return doc[0].Value, nil
}

func channelsFromBSON(value bson.RawValue) (json.RawMessage, error) {
	if value.Type == 0 {
		return nil, nil
	}

	data, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: value}}, false, false)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}

	return wrapped.V, nil
}
