package users

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
)

type MongoDirectory struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongoDirectory(db *mongo.Database, timeout time.Duration) *MongoDirectory {
	return &MongoDirectory{coll: db.Collection("users"), timeout: timeout}
}

func (d *MongoDirectory) Lookup(ctx context.Context, id string) (*domain.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrUserNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var u domain.User
	opts := options.FindOne().SetProjection(bson.M{"username": 1, "displayName": 1, "avatar": 1})
	if err := d.coll.FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, domain.Persistence("lookup user", err)
	}
	u.ID = id
	return &u, nil
}
