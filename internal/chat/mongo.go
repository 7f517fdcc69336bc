package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/LeventeLantos/paired-messaging/internal/model"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "chat_messages"
)

type conversationDoc struct {
	ID            string     `bson:"_id"`
	PairKey       string     `bson:"pair_key"`
	Participants  []string   `bson:"participants"`
	LastMessageID *string    `bson:"last_message_id,omitempty"`
	LastMessage   *string    `bson:"last_message,omitempty"`
	LastActivity  *time.Time `bson:"last_activity,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
}

func (d conversationDoc) model() *model.Conversation {
	return &model.Conversation{
		ID:            d.ID,
		PairKey:       d.PairKey,
		Participants:  d.Participants,
		LastMessageID: d.LastMessageID,
		LastMessage:   d.LastMessage,
		LastActivity:  d.LastActivity,
		CreatedAt:     d.CreatedAt,
	}
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	ReceiverID     string    `bson:"receiver_id"`
	Content        string    `bson:"content"`
	Kind           string    `bson:"kind"`
	SourceID       *string   `bson:"source_id,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (d messageDoc) model() *model.Message {
	return &model.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		Content:        d.Content,
		Kind:           model.Kind(d.Kind),
		SourceID:       d.SourceID,
		CreatedAt:      d.CreatedAt,
	}
}

type MongoDirectory struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
	}
}

// EnsureIndexes creates the unique indexes the upserts rely on.
func (d *MongoDirectory) EnsureIndexes(ctx context.Context) error {
	if _, err := d.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "pair_key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_pair_key"),
	}); err != nil {
		return fmt.Errorf("create conversations index: %w", err)
	}

	if _, err := d.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "source_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("uniq_source_id").
				SetPartialFilterExpression(bson.M{"source_id": bson.M{"$type": "string"}}),
		},
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("conversation_created"),
		},
	}); err != nil {
		return fmt.Errorf("create messages indexes: %w", err)
	}
	return nil
}

func (d *MongoDirectory) ResolveOrCreate(ctx context.Context, a, b string) (*model.Conversation, error) {
	key, participants, err := PairKey(a, b)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"pair_key": key}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":          uuid.NewString(),
		"participants": participants,
		"created_at":   utcNow(),
	}}

	doc, err := upsertOne[conversationDoc](ctx, d.conversations, filter, update)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation %s: %w", key, err)
	}
	return doc.model(), nil
}

func (d *MongoDirectory) SaveMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = utcNow()
	}
	if msg.Kind == "" {
		msg.Kind = model.KindUser
	}
	doc := messageDoc{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		Kind:           string(msg.Kind),
		SourceID:       msg.SourceID,
		CreatedAt:      msg.CreatedAt.UTC(),
	}

	if msg.SourceID == nil {
		if _, err := d.messages.InsertOne(ctx, doc); err != nil {
			return nil, fmt.Errorf("save message: %w", err)
		}
		return doc.model(), nil
	}

	// source_id comes from the filter on insert.
	onInsert := doc
	onInsert.SourceID = nil
	saved, err := upsertOne[messageDoc](ctx, d.messages, bson.M{"source_id": *msg.SourceID}, bson.M{"$setOnInsert": onInsert})
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return saved.model(), nil
}

func (d *MongoDirectory) RecordActivity(ctx context.Context, conversationID string, msg model.Message) error {
	at := msg.CreatedAt.UTC()
	filter := bson.M{
		"_id": conversationID,
		"$or": bson.A{
			bson.M{"last_activity": bson.M{"$exists": false}},
			bson.M{"last_activity": bson.M{"$lte": at}},
		},
	}
	update := bson.M{"$set": bson.M{
		"last_message_id": msg.ID,
		"last_message":    preview(msg.Content),
		"last_activity":   at,
	}}
	if _, err := d.conversations.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("record activity on %s: %w", conversationID, err)
	}
	return nil
}

func (d *MongoDirectory) Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(messageLimit(limit)))

	cur, err := d.messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(docs))
	for _, doc := range docs {
		out = append(out, *doc.model())
	}
	return out, nil
}

// upsertOne runs an upserting FindOneAndUpdate and returns the stored document.
// Two concurrent upserts on the same unique key can both miss and race to
// insert; the loser gets a duplicate key error and reads the winner's document.
func upsertOne[T any](ctx context.Context, coll *mongo.Collection, filter, update any) (T, error) {
	var doc T
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return doc, err
	}

	err = coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, fmt.Errorf("document vanished after duplicate key: %w", err)
	}
	return doc, err
}
