package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay-backend/internal/models"
	"chatrelay-backend/internal/store"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Compile-time check to ensure MongoStore implements store.Store
var _ store.Store = (*MongoStore)(nil)

const (
	usersCollection         = "users"
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

type MongoStore struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	messages      *mongo.Collection
	log           *zap.Logger
}

// Connect dials uri and verifies the connection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("unable to ping mongo: %w", err)
	}
	return client, nil
}

func NewMongoStore(client *mongo.Client, database string, log *zap.Logger) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:        client,
		users:         db.Collection(usersCollection),
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
		log:           log.Named("mongo"),
	}
}

// EnsureIndexes creates the indexes the queries below rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("conversation_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "conversation", Value: 1}, {Key: "seenBy.user", Value: 1}},
			Options: options.Index().SetName("conversation_seen_idx"),
		},
	}); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	if _, err := s.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "updatedAt", Value: -1}},
		Options: options.Index().SetName("participants_updated_idx"),
	}); err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo error fetching user: %w", err)
	}
	return doc.toModel()
}

func (s *MongoStore) CreateUser(ctx context.Context, user *models.User) error {
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	doc := userDoc{ID: user.ID.String(), Email: user.Email, Name: user.Name, CreatedAt: createdAt}
	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		s.log.Error("CreateUser failed", zap.Stringer("user_id", user.ID), zap.Error(err))
		return fmt.Errorf("mongo error creating user: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateConversation(ctx context.Context, arg store.CreateConversationParams) (*models.Conversation, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := conversationDoc{
		ID:           arg.ID.String(),
		Participants: idStrings(arg.Participants),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		s.log.Error("CreateConversation failed", zap.Stringer("conversation_id", arg.ID), zap.Error(err))
		return nil, fmt.Errorf("mongo error creating conversation: %w", err)
	}
	return doc.toModel()
}

func (s *MongoStore) GetConversationByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return s.findConversation(ctx, bson.M{"_id": id.String()})
}

func (s *MongoStore) FindConversationByParticipants(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	filter := bson.M{"participants": bson.M{
		"$all":  bson.A{a.String(), b.String()},
		"$size": 2,
	}}
	return s.findConversation(ctx, filter)
}

func (s *MongoStore) findConversation(ctx context.Context, filter bson.M) (*models.Conversation, error) {
	var doc conversationDoc
	if err := s.conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo error fetching conversation: %w", err)
	}
	return doc.toModel()
}

func (s *MongoStore) ListConversationsByUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	cur, err := s.conversations.Find(ctx, bson.M{"participants": userID.String()}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo error listing conversations: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]models.Conversation, 0)
	for cur.Next(ctx) {
		var doc conversationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("error decoding conversation: %w", err)
		}
		c, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, cur.Err()
}

func (s *MongoStore) CreateMessage(ctx context.Context, arg store.CreateMessageParams) (*models.Message, error) {
	createdAt := arg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	// BSON dates carry millisecond precision.
	createdAt = createdAt.Truncate(time.Millisecond)

	// The conversation must exist before a message can reference it.
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": arg.ConversationID.String()},
		bson.M{"$max": bson.M{"updatedAt": createdAt}},
	)
	if err != nil {
		return nil, fmt.Errorf("mongo error updating conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, store.ErrNotFound
	}

	doc := messageDoc{
		ID:           arg.ID.String(),
		Conversation: arg.ConversationID.String(),
		Sender:       arg.SenderID.String(),
		Content:      arg.Content,
		IV:           arg.IV,
		SeenBy:       []seenDoc{},
		CreatedAt:    createdAt,
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		s.log.Error("CreateMessage failed", zap.Stringer("conversation_id", arg.ConversationID), zap.Error(err))
		return nil, fmt.Errorf("mongo error creating message: %w", err)
	}
	return doc.toModel()
}

func (s *MongoStore) GetMessageByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo error fetching message: %w", err)
	}
	return doc.toModel()
}

func (s *MongoStore) ListMessagesByConversation(ctx context.Context, conversationID uuid.UUID, limit int, before *time.Time) ([]models.Message, error) {
	filter := bson.M{"conversation": conversationID.String()}
	if before != nil {
		filter["createdAt"] = bson.M{"$lt": *before}
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo error listing messages: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]models.Message, 0, limit)
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("error decoding message: %w", err)
		}
		m, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, cur.Err()
}

// MarkMessagesSeen pushes a seen entry in one UpdateMany. The seenBy.user guard
// keeps it idempotent under concurrent calls since each document update is atomic.
func (s *MongoStore) MarkMessagesSeen(ctx context.Context, conversationID, userID uuid.UUID, seenAt time.Time) (int64, error) {
	user := userID.String()
	filter := bson.M{
		"conversation": conversationID.String(),
		"sender":       bson.M{"$ne": user},
		"seenBy.user":  bson.M{"$ne": user},
	}
	update := bson.M{"$push": bson.M{"seenBy": seenDoc{User: user, SeenAt: seenAt.UTC().Truncate(time.Millisecond)}}}
	res, err := s.messages.UpdateMany(ctx, filter, update)
	if err != nil {
		s.log.Error("MarkMessagesSeen failed", zap.Stringer("conversation_id", conversationID), zap.Error(err))
		return 0, fmt.Errorf("mongo error marking messages seen: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) CountUnreadByConversation(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int64, error) {
	convs, err := s.ListConversationsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]int64)
	if len(convs) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID.String())
	}
	user := userID.String()
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"conversation": bson.M{"$in": ids},
			"sender":       bson.M{"$ne": user},
			"seenBy.user":  bson.M{"$ne": user},
		}}},
		{{Key: "$group", Value: bson.M{"_id": "$conversation", "count": bson.M{"$sum": 1}}}},
	}
	cur, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongo error counting unread messages: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("error decoding unread count: %w", err)
		}
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return nil, fmt.Errorf("bad conversation id %q: %w", row.ID, err)
		}
		out[id] = row.Count
	}
	return out, cur.Err()
}
