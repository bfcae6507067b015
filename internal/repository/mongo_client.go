package repository

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// ConnectMongo dials uri and pings it, retrying with exponential backoff until
// maxElapsed passes or ctx is done.
func ConnectMongo(ctx context.Context, uri string, maxElapsed time.Duration, log *zap.Logger) (*mongo.Client, error) {
	var client *mongo.Client
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := mongo.Connect(attemptCtx, options.Client().ApplyURI(uri))
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := c.Ping(attemptCtx, nil); err != nil {
			_ = c.Disconnect(context.Background())
			return err
		}
		client = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	notify := func(err error, wait time.Duration) {
		log.Warn("mongo not reachable, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return client, nil
}
