package repository

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

// Field names follow the documents the feed application already writes.
type conversationDoc struct {
	ID              primitive.ObjectID   `bson:"_id"`
	Participants    []primitive.ObjectID `bson:"participants"`
	ParticipantsKey string               `bson:"participantsKey,omitempty"`
	LastMessage     *primitive.ObjectID  `bson:"lastMessage,omitempty"`
	CreatedAt       time.Time            `bson:"createdAt"`
	UpdatedAt       time.Time            `bson:"updatedAt"`
}

type messageDoc struct {
	ID           primitive.ObjectID `bson:"_id"`
	Conversation primitive.ObjectID `bson:"conversation"`
	Sender       primitive.ObjectID `bson:"sender"`
	Content      string             `bson:"content"`
	Read         bool               `bson:"read"`
	CreatedAt    time.Time          `bson:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt"`
}

func (d *conversationDoc) toDomain() domain.Conversation {
	c := domain.Conversation{
		ID:              d.ID.Hex(),
		Participants:    make([]string, 0, len(d.Participants)),
		ParticipantsKey: d.ParticipantsKey,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	for _, p := range d.Participants {
		c.Participants = append(c.Participants, p.Hex())
	}
	if d.LastMessage != nil {
		c.LastMessageID = d.LastMessage.Hex()
	}
	return c
}

func (d *messageDoc) toDomain() domain.Message {
	return domain.Message{
		ID:             d.ID.Hex(),
		ConversationID: d.Conversation.Hex(),
		SenderID:       d.Sender.Hex(),
		Content:        d.Content,
		Read:           d.Read,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

type MongoStore struct {
	convs   *mongo.Collection
	msgs    *mongo.Collection
	timeout time.Duration
}

func NewMongoStore(db *mongo.Database, timeout time.Duration) *MongoStore {
	return &MongoStore{
		convs:   db.Collection("conversations"),
		msgs:    db.Collection("messages"),
		timeout: timeout,
	}
}

// EnsureIndexes creates the indexes the queries below rely on. The unique
// participantsKey index is partial so older documents without a key coexist.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.convs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "participantsKey", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"participantsKey": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return domain.Persistence("create conversation indexes", err)
	}
	_, err = s.msgs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
	})
	return domain.Persistence("create message indexes", err)
}

func objectID(field, hex string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, domain.Invalid(field, "malformed identifier")
	}
	return oid, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	oid, err := objectID("conversationId", id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var d conversationDoc
	if err := s.convs.FindOne(ctx, bson.M{"_id": oid}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.Persistence("find conversation", err)
	}
	c := d.toDomain()
	return &c, nil
}

func (s *MongoStore) GetOrCreateConversation(ctx context.Context, participants []string) (*domain.Conversation, error) {
	ids, key := domain.NormalizeParticipants(participants)
	if len(ids) < 2 {
		return nil, domain.Invalid("participants", "at least two distinct users required")
	}
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := objectID("participants", id)
		if err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// conversations created before participantsKey existed are matched by set
	legacy := bson.M{
		"participantsKey": bson.M{"$exists": false},
		"participants":    bson.M{"$all": oids, "$size": len(oids)},
	}
	var d conversationDoc
	err := s.convs.FindOneAndUpdate(ctx, legacy,
		bson.M{"$set": bson.M{"participantsKey": key}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err == nil {
		c := d.toDomain()
		return &c, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) && !mongo.IsDuplicateKeyError(err) {
		return nil, domain.Persistence("find legacy conversation", err)
	}

	now := time.Now().UTC()
	insert := conversationDoc{
		ID:              primitive.NewObjectID(),
		Participants:    oids,
		ParticipantsKey: key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.convs.FindOneAndUpdate(ctx,
		bson.M{"participantsKey": key},
		bson.M{"$setOnInsert": insert},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&d)
	if mongo.IsDuplicateKeyError(err) {
		// lost a concurrent upsert race; the winner's document is there now
		err = s.convs.FindOne(ctx, bson.M{"participantsKey": key}).Decode(&d)
	}
	if err != nil {
		return nil, domain.Persistence("upsert conversation", err)
	}
	c := d.toDomain()
	return &c, nil
}

func (s *MongoStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	oid, err := objectID("userId", userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.convs.Find(ctx, bson.M{"participants": oid},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, domain.Persistence("list conversations", err)
	}
	defer cur.Close(ctx)

	out := []domain.Conversation{}
	for cur.Next(ctx) {
		var d conversationDoc
		if err := cur.Decode(&d); err != nil {
			return nil, domain.Persistence("decode conversation", err)
		}
		out = append(out, d.toDomain())
	}
	return out, domain.Persistence("list conversations", cur.Err())
}

func (s *MongoStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	conv, err := objectID("conversationId", m.ConversationID)
	if err != nil {
		return err
	}
	sender, err := objectID("sender", m.SenderID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now().UTC()
	d := messageDoc{
		ID:           primitive.NewObjectID(),
		Conversation: conv,
		Sender:       sender,
		Content:      m.Content,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.msgs.InsertOne(ctx, d); err != nil {
		return domain.Persistence("insert message", err)
	}
	res, err := s.convs.UpdateByID(ctx, conv, bson.M{"$set": bson.M{"lastMessage": d.ID, "updatedAt": now}})
	switch {
	case err != nil:
		err = domain.Persistence("update conversation", err)
	case res.MatchedCount == 0:
		err = domain.ErrNotFound
	}
	if err != nil {
		// the message must not outlive a send the caller was told failed
		if derr := s.removeMessage(ctx, d.ID); derr != nil {
			return domain.Persistence("roll back message", errors.Join(err, derr))
		}
		return err
	}
	*m = d.toDomain()
	return nil
}

// removeMessage deletes a just-inserted message even when ctx has expired.
func (s *MongoStore) removeMessage(ctx context.Context, id primitive.ObjectID) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	_, err := s.msgs.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	oid, err := objectID("messageId", id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var d messageDoc
	if err := s.msgs.FindOne(ctx, bson.M{"_id": oid}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.Persistence("find message", err)
	}
	m := d.toDomain()
	return &m, nil
}

func (s *MongoStore) History(ctx context.Context, conversationID string, limit int, before string) ([]domain.Message, error) {
	conv, err := objectID("conversationId", conversationID)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"conversation": conv}
	if before != "" {
		boid, err := objectID("before", before)
		if err != nil {
			return nil, err
		}
		var cursor messageDoc
		if err := s.msgs.FindOne(ctx, bson.M{"_id": boid, "conversation": conv}).Decode(&cursor); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, domain.Invalid("before", "unknown message in this conversation")
			}
			return nil, domain.Persistence("find history cursor", err)
		}
		filter["$or"] = bson.A{
			bson.M{"createdAt": bson.M{"$lt": cursor.CreatedAt}},
			bson.M{"createdAt": cursor.CreatedAt, "_id": bson.M{"$lt": cursor.ID}},
		}
	}

	// newest first to apply the limit, reversed below
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.msgs.Find(ctx, filter, opts)
	if err != nil {
		return nil, domain.Persistence("find history", err)
	}
	defer cur.Close(ctx)

	out := make([]domain.Message, 0, limit)
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			return nil, domain.Persistence("decode message", err)
		}
		out = append(out, d.toDomain())
	}
	if err := cur.Err(); err != nil {
		return nil, domain.Persistence("find history", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	conv, err := objectID("conversationId", conversationID)
	if err != nil {
		return 0, err
	}
	reader, err := objectID("userId", readerID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.msgs.UpdateMany(ctx,
		bson.M{"conversation": conv, "sender": bson.M{"$ne": reader}, "read": false},
		bson.M{"$set": bson.M{"read": true, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return 0, domain.Persistence("mark read", err)
	}
	return res.ModifiedCount, nil
}
