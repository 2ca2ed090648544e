package conversation

import (
	"context"
	"time"

	"go-crmsync/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ConversationRepository interface {
	Get(ctx context.Context, id string) (*Conversation, error)
	FindByExternalChatID(ctx context.Context, chatID string) (*Conversation, error)
	List(ctx context.Context, filter Filter) ([]Conversation, error)
	SetRemoteID(ctx context.Context, id string, field string, remoteID string) (bool, error)
	TransitionStatus(ctx context.Context, id string, from, to string) (bool, error)
	SetMetadata(ctx context.Context, id string, values map[string]interface{}) error
}

type MessageRepository interface {
	ListByConversation(ctx context.Context, conversationID string) ([]Message, error)
	Insert(ctx context.Context, msg *Message) (bool, error)
	EnsureIndexes(ctx context.Context) error
}

type ConversationRepositoryImpl struct {
	collection *mongo.Collection
}

func NewConversationRepository(db *database.MongodbDB) ConversationRepository {
	return &ConversationRepositoryImpl{
		collection: db.DB.Collection("conversations"),
	}
}

func (r *ConversationRepositoryImpl) Get(ctx context.Context, id string) (*Conversation, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	var conv Conversation
	if err := r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *ConversationRepositoryImpl) FindByExternalChatID(ctx context.Context, chatID string) (*Conversation, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var conv Conversation
	if err := r.collection.FindOne(ctx, bson.M{"external_chat_id": chatID}, opts).Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *ConversationRepositoryImpl) List(ctx context.Context, filter Filter) ([]Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit)
	}

	cursor, err := r.collection.Find(ctx, listFilter(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var list []Conversation
	if err = cursor.All(ctx, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func listFilter(filter Filter) bson.M {
	query := bson.M{}
	if filter.TenantID != "" {
		query["tenant_id"] = filter.TenantID
	}
	if len(filter.BotIDs) > 0 {
		query["bot_id"] = bson.M{"$in": filter.BotIDs}
	}

	created := bson.M{}
	if !filter.Range.From.IsZero() {
		created["$gte"] = filter.Range.From
	}
	if !filter.Range.To.IsZero() {
		created["$lt"] = filter.Range.To
	}
	if len(created) > 0 {
		query["created_at"] = created
	}
	return query
}

// SetRemoteID writes field only while it is still unset and reports whether it did
func (r *ConversationRepositoryImpl) SetRemoteID(ctx context.Context, id string, field string, remoteID string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, err
	}

	res, err := r.collection.UpdateOne(ctx, unsetFieldFilter(oid, field), bson.M{
		"$set": bson.M{field: remoteID, "updated_at": time.Now()},
	})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func unsetFieldFilter(oid primitive.ObjectID, field string) bson.M {
	return bson.M{
		"_id": oid,
		"$or": bson.A{
			bson.M{field: nil},
			bson.M{field: ""},
		},
	}
}

// TransitionStatus moves the conversation from one status to another and
// reports whether this call performed the transition
func (r *ConversationRepositoryImpl) TransitionStatus(ctx context.Context, id string, from, to string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, err
	}

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": oid, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": time.Now()}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (r *ConversationRepositoryImpl) SetMetadata(ctx context.Context, id string, values map[string]interface{}) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": metadataUpdate(values)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

func metadataUpdate(values map[string]interface{}) bson.M {
	set := bson.M{"updated_at": time.Now()}
	for k, v := range values {
		set["metadata."+k] = v
	}
	return set
}

type MessageRepositoryImpl struct {
	collection *mongo.Collection
}

func NewMessageRepository(db *database.MongodbDB) MessageRepository {
	return &MessageRepositoryImpl{
		collection: db.DB.Collection("messages"),
	}
}

func (r *MessageRepositoryImpl) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	oid, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"conversation_id": oid}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var list []Message
	if err = cursor.All(ctx, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Insert stores msg and reports false for a re-delivered external message
func (r *MessageRepositoryImpl) Insert(ctx context.Context, msg *Message) (bool, error) {
	if msg.ID.IsZero() {
		msg.ID = primitive.NewObjectID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if _, err := r.collection.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *MessageRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "source", Value: 1},
				{Key: "external_id", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"external_id": bson.M{"$type": "string"}}),
		},
	})
	return err
}
